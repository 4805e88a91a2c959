package command

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseStatus(t *testing.T) {
	s, ok := ParseStatus("executing")
	assert.True(t, ok)
	assert.Equal(t, StatusExecuting, s)

	_, ok = ParseStatus("paused")
	assert.False(t, ok)
	_, ok = ParseStatus("")
	assert.False(t, ok)
}

func TestStatus_Terminal(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusConfirmed.Terminal())
	assert.False(t, StatusExecuting.Terminal())
	assert.True(t, StatusSuccess.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusCancelled.Terminal())
}

func TestStatus_Allows(t *testing.T) {
	cases := []struct {
		held, incoming Status
		want           bool
	}{
		{StatusPending, StatusConfirmed, true},
		{StatusPending, StatusExecuting, true},
		{StatusConfirmed, StatusExecuting, true},
		{StatusExecuting, StatusSuccess, true},
		{StatusPending, StatusCancelled, true},

		// Same-rank repeats are idempotent.
		{StatusExecuting, StatusExecuting, true},

		// Regressions are rejected.
		{StatusExecuting, StatusPending, false},
		{StatusExecuting, StatusConfirmed, false},
		{StatusConfirmed, StatusPending, false},

		// Terminal statuses are fixed points.
		{StatusSuccess, StatusExecuting, false},
		{StatusSuccess, StatusFailed, false},
		{StatusSuccess, StatusSuccess, true},
		{StatusCancelled, StatusExecuting, false},
	}

	for _, tc := range cases {
		got := tc.held.allows(tc.incoming)
		assert.Equal(t, tc.want, got, "%s -> %s", tc.held, tc.incoming)
	}
}
