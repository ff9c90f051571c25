package task

import (
	"fmt"
	"time"

	"github.com/local/parsemd/internal/core"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSuccess    Status = "success"
	StatusFailed     Status = "failed"

	// StatusNotFound is reported for unknown ids; it is never stored.
	StatusNotFound Status = "not_found"
)

// IsFinal reports whether the status is terminal.
func (s Status) IsFinal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// Valid reports whether s may be stored on a task.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusSuccess, StatusFailed:
		return true
	}
	return false
}

// CanTransition enforces PENDING -> PROCESSING -> {SUCCESS, FAILED}.
func (s Status) CanTransition(to Status) bool {
	switch s {
	case StatusPending:
		return to == StatusProcessing
	case StatusProcessing:
		return to == StatusSuccess || to == StatusFailed
	}
	return false
}

// Task is the stored record of one asynchronous execution.
type Task struct {
	ID        string
	Kind      string
	Status    Status
	CreatedAt time.Time
	UpdatedAt time.Time
	Result    *core.ParseResult
	Error     string
}

// View is a detached copy of a task handed to callers.
type View struct {
	ID        string            `json:"task_id"`
	Kind      string            `json:"kind,omitempty"`
	Status    Status            `json:"status"`
	CreatedAt time.Time         `json:"created_at,omitzero"`
	UpdatedAt time.Time         `json:"updated_at,omitzero"`
	Result    *core.ParseResult `json:"result,omitempty"`
	Error     string            `json:"error,omitempty"`
}

func (t *Task) view() View {
	return View{
		ID:        t.ID,
		Kind:      t.Kind,
		Status:    t.Status,
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
		Result:    t.Result.Clone(),
		Error:     t.Error,
	}
}

// NotFound is the view returned for unknown ids.
func NotFound(id string) View {
	return View{ID: id, Status: StatusNotFound}
}

// TransitionError reports an illegal status change.
type TransitionError struct {
	ID   string
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("task %s: illegal transition %s -> %s", e.ID, e.From, e.To)
}
