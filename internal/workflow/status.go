package workflow

import "fmt"

// Status is the lifecycle state of a workflow execution.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusReady     Status = "ready"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// ParseStatus maps a wire status to the enum.
func ParseStatus(s string) (Status, bool) {
	switch Status(s) {
	case StatusDraft, StatusReady, StatusRunning, StatusPaused,
		StatusCompleted, StatusFailed, StatusCancelled:
		return Status(s), true
	}
	return "", false
}

// Terminal reports whether the status is a fixed point.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// rank orders statuses for the push/poll merge. Running and paused
// share a rank so the execution can oscillate between them without
// tripping the regression guard.
func (s Status) rank() int {
	switch s {
	case StatusDraft:
		return 0
	case StatusReady:
		return 1
	case StatusRunning, StatusPaused:
		return 2
	default:
		return 3
	}
}

// allows reports whether an update to next may be applied over s.
func (s Status) allows(next Status) bool {
	if s.Terminal() {
		return next == s
	}
	return next.rank() >= s.rank()
}

// TransitionError reports an operation attempted from the wrong state.
type TransitionError struct {
	ExecutionID string
	From        Status
	Op          string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s execution %s from status %s", e.Op, e.ExecutionID, e.From)
}
