package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMessage(t *testing.T) {
	msg, err := NewMessage(TypeHeartbeat, HeartbeatPayload{SessionID: "s1", Timestamp: "2026-08-29T10:00:00Z"})
	require.NoError(t, err)
	assert.Equal(t, TypeHeartbeat, msg.Type)

	var payload HeartbeatPayload
	require.NoError(t, msg.ParsePayload(&payload))
	assert.Equal(t, "s1", payload.SessionID)
}

func TestNewMessage_NilPayload(t *testing.T) {
	msg, err := NewMessage(TypeCommand, nil)
	require.NoError(t, err)
	assert.Nil(t, msg.Payload)

	data, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"command"}`, string(data))
}

func TestMessage_RoundTrip(t *testing.T) {
	original, err := NewMessage(TypeConfirmDecision, ConfirmDecisionPayload{
		ExecutionID:    "exec-1",
		StepID:         "step-2",
		Action:         "approve",
		IdempotencyKey: "exec-1:step-2",
	})
	require.NoError(t, err)

	data, err := json.Marshal(original)
	require.NoError(t, err)

	var decoded Message
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, TypeConfirmDecision, decoded.Type)

	var payload ConfirmDecisionPayload
	require.NoError(t, decoded.ParsePayload(&payload))
	assert.Equal(t, "exec-1:step-2", payload.IdempotencyKey)
}
