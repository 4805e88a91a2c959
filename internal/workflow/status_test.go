package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseStatus(t *testing.T) {
	s, ok := ParseStatus("paused")
	assert.True(t, ok)
	assert.Equal(t, StatusPaused, s)

	_, ok = ParseStatus("confirmed")
	assert.False(t, ok)
}

func TestStatus_Terminal(t *testing.T) {
	for _, s := range []Status{StatusDraft, StatusReady, StatusRunning, StatusPaused} {
		assert.False(t, s.Terminal(), "%s", s)
	}
	for _, s := range []Status{StatusCompleted, StatusFailed, StatusCancelled} {
		assert.True(t, s.Terminal(), "%s", s)
	}
}

func TestStatus_Allows(t *testing.T) {
	cases := []struct {
		held, incoming Status
		want           bool
	}{
		{StatusDraft, StatusReady, true},
		{StatusReady, StatusRunning, true},
		{StatusRunning, StatusCompleted, true},
		{StatusPaused, StatusCancelled, true},

		// Running and paused share a rank: oscillation is legal both ways.
		{StatusRunning, StatusPaused, true},
		{StatusPaused, StatusRunning, true},

		// Regressions are rejected.
		{StatusRunning, StatusReady, false},
		{StatusPaused, StatusDraft, false},

		// Terminal statuses are fixed points.
		{StatusCompleted, StatusRunning, false},
		{StatusFailed, StatusCompleted, false},
		{StatusCancelled, StatusCancelled, true},
	}

	for _, tc := range cases {
		got := tc.held.allows(tc.incoming)
		assert.Equal(t, tc.want, got, "%s -> %s", tc.held, tc.incoming)
	}
}

func TestTransitionError(t *testing.T) {
	err := &TransitionError{ExecutionID: "exec-1", From: StatusRunning, Op: "resume"}
	assert.Equal(t, "cannot resume execution exec-1 from status running", err.Error())
}
