package injector

import (
	"fmt"

	"github.com/aescanero/taskstream/pkg/domain"
)

// Validator checks identifiers and events before they are written
type Validator struct{}

// NewValidator creates a new event validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateTask checks the identifiers every task event carries
func (v *Validator) ValidateTask(contextID, taskID string) error {
	if taskID == "" {
		return fmt.Errorf("task ID is required")
	}
	if contextID == "" {
		return fmt.Errorf("context ID is required")
	}
	return nil
}

// ValidateMessage validates a message structure
func (v *Validator) ValidateMessage(msg *domain.Message) error {
	if msg == nil {
		return fmt.Errorf("message is nil")
	}

	switch msg.Role {
	case domain.RoleUser, domain.RoleAgent:
	default:
		return fmt.Errorf("invalid message role: %q", msg.Role)
	}

	if len(msg.Parts) == 0 {
		return fmt.Errorf("message must have at least one part")
	}

	for i, part := range msg.Parts {
		if err := v.validatePart(part); err != nil {
			return fmt.Errorf("invalid part %d: %w", i, err)
		}
	}

	return nil
}

// ValidateState rejects states outside the task lifecycle
func (v *Validator) ValidateState(state domain.TaskState) error {
	switch state {
	case domain.TaskStateSubmitted,
		domain.TaskStateWorking,
		domain.TaskStateInputRequired,
		domain.TaskStateCompleted,
		domain.TaskStateCanceled,
		domain.TaskStateFailed,
		domain.TaskStateRejected,
		domain.TaskStateUnknown:
		return nil
	}
	return fmt.Errorf("unsupported task state: %q", state)
}

// ValidateKind checks a raw entry type
func (v *Validator) ValidateKind(kind string) error {
	if kind == "" {
		return fmt.Errorf("event type is required")
	}
	if domain.Kind(kind) == domain.KindClose {
		return fmt.Errorf("event type %s is reserved", domain.KindClose)
	}
	return nil
}

// validatePart validates a single content part
func (v *Validator) validatePart(part domain.Part) error {
	switch part.Kind {
	case "text":
		if part.Text == "" {
			return fmt.Errorf("text part is empty")
		}
	case "data":
		if part.Data == nil {
			return fmt.Errorf("data part has no data")
		}
	default:
		return fmt.Errorf("unsupported part kind: %q", part.Kind)
	}
	return nil
}
