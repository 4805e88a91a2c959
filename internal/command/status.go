package command

// Status is the lifecycle state of an automation command.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusExecuting Status = "executing"
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// ParseStatus maps a wire status to the enum.
func ParseStatus(s string) (Status, bool) {
	switch Status(s) {
	case StatusPending, StatusConfirmed, StatusExecuting,
		StatusSuccess, StatusFailed, StatusCancelled:
		return Status(s), true
	}
	return "", false
}

// Terminal reports whether the status is a fixed point.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// rank orders statuses for the push/poll merge:
// pending < confirmed < executing < terminal.
func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusConfirmed:
		return 1
	case StatusExecuting:
		return 2
	default:
		return 3
	}
}

// allows reports whether an update to next may be applied over s.
// Terminal statuses accept nothing but themselves; otherwise an update
// is applied only when it is not earlier in the ordering.
func (s Status) allows(next Status) bool {
	if s.Terminal() {
		return next == s
	}
	return next.rank() >= s.rank()
}
