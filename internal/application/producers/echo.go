package producers

import (
	"context"
	"strings"
	"time"

	"github.com/aescanero/taskstream/internal/application/queue"
	"github.com/aescanero/taskstream/internal/application/supervisor"
	"github.com/aescanero/taskstream/pkg/domain"
	"github.com/google/uuid"
)

// Echo returns a producer that streams text back word by word and then
// publishes the whole text as an artifact. delay is slept between words.
func Echo(contextID, text string, delay time.Duration) supervisor.Producer {
	return func(ctx context.Context, q *queue.EventQueue) error {
		for _, word := range strings.Fields(text) {
			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return ctx.Err()
				}
			}

			err := q.EnqueueEvent(ctx, &domain.Message{
				MessageID: uuid.New().String(),
				ContextID: contextID,
				TaskID:    q.TaskID(),
				Role:      domain.RoleAgent,
				Parts:     []domain.Part{domain.TextPart(word)},
			})
			if err != nil {
				return err
			}
		}

		return q.EnqueueEvent(ctx, &domain.TaskArtifactUpdateEvent{
			TaskID:    q.TaskID(),
			ContextID: contextID,
			Artifact: domain.Artifact{
				ArtifactID: uuid.New().String(),
				Name:       "echo",
				Parts:      []domain.Part{domain.TextPart(text)},
			},
			LastChunk: true,
		})
	}
}
