package websocket

import (
	"context"
	"net/http"
	"time"

	"github.com/aescanero/taskstream/internal/application/queue"
	"github.com/aescanero/taskstream/pkg/domain"
	"github.com/aescanero/taskstream/pkg/ports"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const writeTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Frame is one message sent to the client
type Frame struct {
	ID    string       `json:"id,omitempty"`
	Type  string       `json:"type"`
	Event domain.Event `json:"event,omitempty"`
	Error string       `json:"error,omitempty"`
}

// Handler handles WebSocket connections
type Handler struct {
	manager *queue.Manager
	logger  *zap.Logger
}

// NewHandler creates a new WebSocket handler
func NewHandler(manager *queue.Manager, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		manager: manager,
		logger:  logger,
	}
}

// HandleTaskStream follows a task's stream over a WebSocket until the
// stream closes or the client disconnects. ?from= takes the same values
// as the SSE endpoint.
func (h *Handler) HandleTaskStream(c *gin.Context) {
	taskID := c.Param("id")
	from := c.DefaultQuery("from", queue.FromTail)
	if err := queue.ValidateCursor(from); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}
	defer func() { _ = conn.Close() }()

	h.logger.Info("WebSocket connection established",
		zap.String("task_id", taskID),
		zap.String("client", c.ClientIP()))

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// the read loop only exists to notice the client going away
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	q, err := h.manager.Follow(ctx, taskID, from)
	if err != nil {
		h.write(conn, Frame{Type: "error", Error: err.Error()})
		return
	}

	for event, err := range queue.NewConsumer(q).ConsumeAll(ctx) {
		if err != nil {
			if ctx.Err() == nil {
				h.write(conn, Frame{Type: "error", Error: err.Error()})
			}
			return
		}

		frame := Frame{
			ID:    q.Cursor(),
			Type:  string(event.Kind()),
			Event: event,
		}
		if err := h.write(conn, frame); err != nil {
			return
		}
	}

	if err := h.write(conn, Frame{ID: q.Cursor(), Type: ports.TombstoneType}); err != nil {
		return
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream closed"),
		time.Now().Add(writeTimeout))
}

func (h *Handler) write(conn *websocket.Conn, frame Frame) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(frame); err != nil {
		h.logger.Warn("failed to write message", zap.Error(err))
		return err
	}
	return nil
}
