// Package protocol defines the socket message types exchanged with the
// device-control backend.
package protocol

import "encoding/json"

// Message is the envelope for all socket messages.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage creates a message with the given type and payload.
func NewMessage(msgType string, payload any) (*Message, error) {
	if payload == nil {
		return &Message{Type: msgType}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		Type:    msgType,
		Payload: data,
	}, nil
}

// ParsePayload unmarshals the payload into the given target.
func (m *Message) ParsePayload(target any) error {
	return json.Unmarshal(m.Payload, target)
}

// Message types (client → backend)
const (
	TypeCommand         = "command"
	TypeHeartbeat       = "heartbeat"
	TypeConfirmDecision = "workflow_confirm_response"
)

// Message types (backend → client)
const (
	TypeConnected       = "connected"
	TypeResponse        = "response"
	TypeError           = "error"
	TypeInfo            = "info"
	TypeCommandResult   = "command_result"
	TypeWorkflowConfirm = "workflow_confirm"
	TypeWorkflowStatus  = "workflow_status"
	TypeWorkflowLog     = "workflow_log"
)

// ConnectedPayload is sent by the backend once the channel is accepted.
type ConnectedPayload struct {
	ClientID string `json:"client_id"`
	Message  string `json:"message,omitempty"`
}

// CommandPayload requests execution of a raw command over the channel.
type CommandPayload struct {
	Command   string   `json:"command"`
	Args      []string `json:"args,omitempty"`
	Timestamp string   `json:"timestamp,omitempty"`
}

// HeartbeatPayload is the channel-side liveness probe.
type HeartbeatPayload struct {
	SessionID string `json:"session_id"`
	Timestamp string `json:"timestamp"`
}

// ErrorPayload carries a backend-reported error.
type ErrorPayload struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
}

// InfoPayload carries an informational backend message.
type InfoPayload struct {
	Message string `json:"message"`
}

// CommandResultPayload pushes the outcome of an automation command.
type CommandResultPayload struct {
	CommandID    string          `json:"command_id"`
	Status       string          `json:"status"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

// WorkflowConfirmPayload asks the operator to resolve a paused step.
type WorkflowConfirmPayload struct {
	ExecutionID string   `json:"execution_id"`
	StepID      string   `json:"step_id"`
	Message     string   `json:"message"`
	Options     []string `json:"options"`
	Timeout     int      `json:"timeout,omitempty"` // seconds, 0 = none
}

// ConfirmDecisionPayload is the operator's answer to a confirm push.
// IdempotencyKey lets the backend deduplicate the redundant REST delivery.
type ConfirmDecisionPayload struct {
	ExecutionID    string `json:"execution_id"`
	StepID         string `json:"step_id"`
	Action         string `json:"action"`
	IdempotencyKey string `json:"idempotency_key"`
}

// WorkflowStatusPayload pushes an execution status change.
type WorkflowStatusPayload struct {
	ExecutionID string `json:"execution_id"`
	Status      string `json:"status"`
	CurrentStep string `json:"current_step,omitempty"`
	Message     string `json:"message,omitempty"`
}

// WorkflowLogPayload pushes a step-level log line.
type WorkflowLogPayload struct {
	ExecutionID string          `json:"execution_id"`
	StepID      string          `json:"step_id"`
	Level       string          `json:"level"`
	Message     string          `json:"message"`
	Data        json.RawMessage `json:"data,omitempty"`
	Timestamp   string          `json:"timestamp,omitempty"`
}
