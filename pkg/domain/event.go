package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Kind is the wire tag stored in a log entry's "type" field
type Kind string

const (
	KindMessage        Kind = "Message"
	KindTask           Kind = "Task"
	KindStatusUpdate   Kind = "TaskStatusUpdateEvent"
	KindArtifactUpdate Kind = "TaskArtifactUpdateEvent"
	KindClose          Kind = "CLOSE"
)

// ErrEmptyPayload is returned when decoding an entry of a known kind without payload
var ErrEmptyPayload = errors.New("empty event payload")

// Event is one of the closed set of task events carried by a stream
type Event interface {
	Kind() Kind
}

// TaskState represents the lifecycle state reported in status updates
type TaskState string

const (
	TaskStateSubmitted     TaskState = "submitted"
	TaskStateWorking       TaskState = "working"
	TaskStateInputRequired TaskState = "input-required"
	TaskStateCompleted     TaskState = "completed"
	TaskStateCanceled      TaskState = "canceled"
	TaskStateFailed        TaskState = "failed"
	TaskStateRejected      TaskState = "rejected"
	TaskStateUnknown       TaskState = "unknown"
)

// Terminal reports whether no further status updates are expected after s
func (s TaskState) Terminal() bool {
	switch s {
	case TaskStateCompleted, TaskStateCanceled, TaskStateFailed, TaskStateRejected:
		return true
	}
	return false
}

// Role identifies the author of a message
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// Part is a single piece of message or artifact content
type Part struct {
	Kind     string                 `json:"kind"`
	Text     string                 `json:"text,omitempty"`
	Data     map[string]interface{} `json:"data,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// TextPart builds a text content part
func TextPart(text string) Part {
	return Part{Kind: "text", Text: text}
}

// Message is a conversational turn or a streamed text delta
type Message struct {
	MessageID string                 `json:"messageId"`
	ContextID string                 `json:"contextId,omitempty"`
	TaskID    string                 `json:"taskId,omitempty"`
	Role      Role                   `json:"role"`
	Parts     []Part                 `json:"parts"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

func (*Message) Kind() Kind { return KindMessage }

// TaskStatus is the status snapshot carried by a status update
type TaskStatus struct {
	State     TaskState `json:"state"`
	Message   *Message  `json:"message,omitempty"`
	Timestamp string    `json:"timestamp,omitempty"`
}

// NewTaskStatus stamps a status with the current UTC time
func NewTaskStatus(state TaskState, msg *Message) TaskStatus {
	return TaskStatus{
		State:     state,
		Message:   msg,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
}

// Artifact is an output produced by a task
type Artifact struct {
	ArtifactID  string                 `json:"artifactId"`
	Name        string                 `json:"name,omitempty"`
	Description string                 `json:"description,omitempty"`
	Parts       []Part                 `json:"parts"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// Task is a full task snapshot
type Task struct {
	ID        string                 `json:"id"`
	ContextID string                 `json:"contextId"`
	Status    TaskStatus             `json:"status"`
	History   []Message              `json:"history,omitempty"`
	Artifacts []Artifact             `json:"artifacts,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

func (*Task) Kind() Kind { return KindTask }

// TaskStatusUpdateEvent reports a status transition
type TaskStatusUpdateEvent struct {
	TaskID    string                 `json:"taskId"`
	ContextID string                 `json:"contextId"`
	Status    TaskStatus             `json:"status"`
	Final     bool                   `json:"final"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

func (*TaskStatusUpdateEvent) Kind() Kind { return KindStatusUpdate }

// TaskArtifactUpdateEvent delivers a full or partial artifact
type TaskArtifactUpdateEvent struct {
	TaskID    string                 `json:"taskId"`
	ContextID string                 `json:"contextId"`
	Artifact  Artifact               `json:"artifact"`
	Append    bool                   `json:"append,omitempty"`
	LastChunk bool                   `json:"lastChunk,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

func (*TaskArtifactUpdateEvent) Kind() Kind { return KindArtifactUpdate }

// Unknown holds an entry whose type tag has no registered decoder.
// Raw is the stored payload when it is valid JSON, otherwise the payload
// encoded as a JSON string.
type Unknown struct {
	Type string
	Raw  json.RawMessage
}

func (u *Unknown) Kind() Kind { return Kind(u.Type) }

// MarshalJSON re-emits the raw payload, quoting it when it is not valid JSON
func (u *Unknown) MarshalJSON() ([]byte, error) {
	if len(u.Raw) == 0 {
		return []byte("null"), nil
	}
	if !json.Valid(u.Raw) {
		return json.Marshal(string(u.Raw))
	}
	return u.Raw, nil
}

var decoders = map[Kind]func() Event{
	KindMessage:        func() Event { return &Message{} },
	KindTask:           func() Event { return &Task{} },
	KindStatusUpdate:   func() Event { return &TaskStatusUpdateEvent{} },
	KindArtifactUpdate: func() Event { return &TaskArtifactUpdateEvent{} },
}

// Known reports whether kind has a registered decoder
func Known(kind Kind) bool {
	_, ok := decoders[kind]
	return ok
}

// Encode serializes an event into its wire tag and JSON payload
func Encode(event Event) (Kind, []byte, error) {
	if event == nil {
		return "", nil, fmt.Errorf("event is nil")
	}
	if event.Kind() == KindClose {
		return "", nil, fmt.Errorf("kind %s is reserved", KindClose)
	}

	data, err := json.Marshal(event)
	if err != nil {
		return "", nil, fmt.Errorf("failed to marshal event: %w", err)
	}

	return event.Kind(), data, nil
}

// Decode resolves a wire tag through the decoder table and parses payload.
// Unregistered tags produce *Unknown rather than an error.
func Decode(kind string, payload []byte) (Event, error) {
	newEvent, ok := decoders[Kind(kind)]
	if !ok {
		return decodeUnknown(kind, payload)
	}

	if len(payload) == 0 {
		return nil, ErrEmptyPayload
	}

	event := newEvent()
	if err := json.Unmarshal(payload, event); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s: %w", kind, err)
	}

	return event, nil
}

func decodeUnknown(kind string, payload []byte) (Event, error) {
	if len(payload) > 0 && !json.Valid(payload) {
		quoted, err := json.Marshal(string(payload))
		if err != nil {
			return nil, fmt.Errorf("failed to quote %s payload: %w", kind, err)
		}
		return &Unknown{Type: kind, Raw: quoted}, nil
	}

	raw := make(json.RawMessage, len(payload))
	copy(raw, payload)
	return &Unknown{Type: kind, Raw: raw}, nil
}
