package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/aescanero/taskstream/internal/application/injector"
	"github.com/aescanero/taskstream/internal/application/producers"
	"github.com/aescanero/taskstream/internal/application/queue"
	"github.com/aescanero/taskstream/internal/application/supervisor"
	"github.com/aescanero/taskstream/pkg/domain"
	"github.com/aescanero/taskstream/pkg/ports"
	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// TaskSubmitRequest starts the built-in echo producer for a task
type TaskSubmitRequest struct {
	TaskID    string `json:"task_id"`
	ContextID string `json:"context_id"`
	Text      string `json:"text" binding:"required"`
}

// TaskSubmitResponse represents a task submission response
type TaskSubmitResponse struct {
	TaskID      string `json:"task_id"`
	ContextID   string `json:"context_id"`
	Status      string `json:"status"`
	SubmittedAt string `json:"submitted_at"`
}

// AppendEventRequest appends one typed entry to a task stream
type AppendEventRequest struct {
	Type    string          `json:"type" binding:"required"`
	Payload json.RawMessage `json:"payload" binding:"required"`
}

// StatusUpdateRequest appends a status update to a task stream
type StatusUpdateRequest struct {
	ContextID string          `json:"context_id" binding:"required"`
	State     string          `json:"state"`
	Final     bool            `json:"final"`
	Message   *domain.Message `json:"message"`
}

// EntryResponse is one stream entry as returned by the history endpoints
type EntryResponse struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail represents error details
type ErrorDetail struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func writeError(c *gin.Context, status int, code, message string) {
	c.JSON(status, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// writeAppendError maps write failures to HTTP statuses
func (s *Server) writeAppendError(c *gin.Context, taskID string, err error) {
	if errors.Is(err, ports.ErrStreamClosed) {
		writeError(c, http.StatusConflict, "STREAM_CLOSED", "Task stream is closed")
		return
	}

	s.logger.Error("failed to append event",
		zap.String("task_id", taskID),
		zap.Error(err))
	writeError(c, http.StatusBadGateway, "APPEND_FAILED", err.Error())
}

// handleHealth handles health check requests
func (s *Server) handleHealth(c *gin.Context) {
	if s.health == nil {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
		return
	}

	status := s.health.GetStatus(c.Request.Context())
	code := http.StatusOK
	label := "healthy"
	if !status.Healthy {
		code = http.StatusServiceUnavailable
		label = "unhealthy"
	}

	c.JSON(code, gin.H{
		"status": label,
		"checks": status,
	})
}

// handleListTasks lists registered queues and running producers
func (s *Server) handleListTasks(c *gin.Context) {
	running := []string{}
	if s.supervisor != nil {
		running = append(running, s.supervisor.Active()...)
	}

	c.JSON(http.StatusOK, gin.H{
		"queues":  s.manager.TaskIDs(),
		"running": running,
	})
}

// handleSubmitTask runs the echo producer for a task
func (s *Server) handleSubmitTask(c *gin.Context) {
	if s.supervisor == nil {
		writeError(c, http.StatusServiceUnavailable, "SUPERVISOR_NOT_AVAILABLE", "Task supervisor is not configured")
		return
	}

	var req TaskSubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.logger.Error("invalid request", zap.Error(err))
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	if req.TaskID == "" {
		req.TaskID = uuid.New().String()
	}
	if req.ContextID == "" {
		req.ContextID = uuid.New().String()
	}

	exec, err := s.supervisor.Submit(c.Request.Context(), req.ContextID, req.TaskID,
		producers.Echo(req.ContextID, req.Text, s.echoDelay))
	if err != nil {
		if errors.Is(err, supervisor.ErrAlreadyRunning) {
			writeError(c, http.StatusConflict, "ALREADY_RUNNING", err.Error())
			return
		}
		s.logger.Error("failed to submit task", zap.Error(err))
		writeError(c, http.StatusUnprocessableEntity, "SUBMISSION_FAILED", err.Error())
		return
	}

	c.JSON(http.StatusCreated, TaskSubmitResponse{
		TaskID:      exec.TaskID,
		ContextID:   exec.ContextID,
		Status:      string(domain.TaskStateSubmitted),
		SubmittedAt: exec.StartedAt.UTC().Format(time.RFC3339Nano),
	})
}

// handleCancelTask cancels a running producer
func (s *Server) handleCancelTask(c *gin.Context) {
	if s.supervisor == nil {
		writeError(c, http.StatusServiceUnavailable, "SUPERVISOR_NOT_AVAILABLE", "Task supervisor is not configured")
		return
	}

	taskID := c.Param("id")

	if err := s.supervisor.Cancel(taskID); err != nil {
		if errors.Is(err, supervisor.ErrExecutionNotFound) {
			writeError(c, http.StatusNotFound, "NOT_FOUND", "Task is not running")
			return
		}
		writeError(c, http.StatusConflict, "CANCELLATION_FAILED", err.Error())
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"task_id":      taskID,
		"status":       string(domain.TaskStateCanceled),
		"cancelled_at": time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// handleAppendEvent appends one typed event to a task stream
func (s *Server) handleAppendEvent(c *gin.Context) {
	taskID := c.Param("id")

	var req AppendEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	if domain.Known(domain.Kind(req.Type)) {
		if _, err := domain.Decode(req.Type, req.Payload); err != nil {
			writeError(c, http.StatusBadRequest, "INVALID_PAYLOAD", err.Error())
			return
		}
	}

	id, err := s.injector.AppendRaw(c.Request.Context(), taskID, req.Type, req.Payload)
	if err != nil {
		if errors.Is(err, injector.ErrValidation) {
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
			return
		}
		s.writeAppendError(c, taskID, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"task_id":  taskID,
		"entry_id": id,
	})
}

// handleUpdateStatus appends a status update to a task stream
func (s *Server) handleUpdateStatus(c *gin.Context) {
	taskID := c.Param("id")

	var req StatusUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	id, err := s.injector.UpdateStatus(c.Request.Context(), req.ContextID, taskID,
		domain.TaskState(req.State), req.Message, req.Final)
	if err != nil {
		if errors.Is(err, injector.ErrValidation) {
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
			return
		}
		s.writeAppendError(c, taskID, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"task_id":  taskID,
		"entry_id": id,
	})
}

// handleCloseTask writes the tombstone of a task stream
func (s *Server) handleCloseTask(c *gin.Context) {
	taskID := c.Param("id")

	err := s.manager.Close(c.Request.Context(), taskID)
	if errors.Is(err, queue.ErrNoQueue) {
		// the producer may live in another process
		err = s.injector.Close(c.Request.Context(), taskID)
	}
	if err != nil {
		s.logger.Error("failed to close task stream",
			zap.String("task_id", taskID),
			zap.Error(err))
		writeError(c, http.StatusBadGateway, "CLOSE_FAILED", err.Error())
		return
	}

	if s.limiter != nil {
		s.limiter.forget(taskID)
	}

	c.JSON(http.StatusOK, gin.H{
		"task_id": taskID,
		"closed":  true,
	})
}

// handleDeleteTask removes a task stream
func (s *Server) handleDeleteTask(c *gin.Context) {
	taskID := c.Param("id")

	if err := s.manager.Reader(taskID, ports.StartID).ClearEvents(c.Request.Context()); err != nil {
		writeError(c, http.StatusBadGateway, "DELETE_FAILED", err.Error())
		return
	}

	if s.limiter != nil {
		s.limiter.forget(taskID)
	}

	c.Status(http.StatusNoContent)
}

// handleListEvents returns the stream entries after ?since=
func (s *Server) handleListEvents(c *gin.Context) {
	taskID := c.Param("id")

	entries, err := s.injector.EventsSince(c.Request.Context(), taskID, c.Query("since"))
	if err != nil {
		s.logger.Error("failed to list events",
			zap.String("task_id", taskID),
			zap.Error(err))
		writeError(c, http.StatusBadGateway, "READ_FAILED", err.Error())
		return
	}

	out := make([]EntryResponse, 0, len(entries))
	for _, entry := range entries {
		out = append(out, toEntryResponse(entry))
	}

	c.JSON(http.StatusOK, gin.H{
		"task_id": taskID,
		"events":  out,
	})
}

// handleLatestEvent returns the newest entry of a stream
func (s *Server) handleLatestEvent(c *gin.Context) {
	taskID := c.Param("id")

	entry, ok, err := s.injector.LatestEvent(c.Request.Context(), taskID)
	if err != nil {
		writeError(c, http.StatusBadGateway, "READ_FAILED", err.Error())
		return
	}
	if !ok {
		writeError(c, http.StatusNotFound, "NOT_FOUND", "Task stream is empty")
		return
	}

	c.JSON(http.StatusOK, toEntryResponse(entry))
}

// handleStream streams a task's events as server-sent events until the
// stream closes or the client goes away.
//
// ?from=tail (default) only sends events appended after the request,
// ?from=start replays the stream, and any other value (or Last-Event-ID)
// resumes after that entry id.
func (s *Server) handleStream(c *gin.Context) {
	taskID := c.Param("id")
	ctx := c.Request.Context()

	from := c.DefaultQuery("from", queue.FromTail)
	if last := c.GetHeader("Last-Event-ID"); last != "" {
		from = last
	}

	q, err := s.manager.Follow(ctx, taskID, from)
	if errors.Is(err, queue.ErrInvalidCursor) {
		writeError(c, http.StatusBadRequest, "INVALID_CURSOR", err.Error())
		return
	}
	if err != nil {
		writeError(c, http.StatusBadGateway, "READ_FAILED", err.Error())
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	s.logger.Debug("SSE stream opened",
		zap.String("task_id", taskID),
		zap.String("from", from))

	for event, err := range queue.NewConsumer(q).ConsumeAll(ctx) {
		if err != nil {
			if ctx.Err() == nil {
				c.SSEvent("error", gin.H{"message": err.Error()})
				c.Writer.Flush()
			}
			return
		}

		c.Render(-1, sse.Event{
			Id:    q.Cursor(),
			Event: string(event.Kind()),
			Data:  event,
		})
		c.Writer.Flush()
	}

	c.SSEvent("close", gin.H{"task_id": taskID})
	c.Writer.Flush()
}

func toEntryResponse(entry ports.LogEntry) EntryResponse {
	resp := EntryResponse{ID: entry.ID, Type: entry.Type}
	if len(entry.Payload) == 0 {
		return resp
	}
	if json.Valid(entry.Payload) {
		resp.Payload = entry.Payload
		return resp
	}
	quoted, _ := json.Marshal(string(entry.Payload))
	resp.Payload = quoted
	return resp
}
