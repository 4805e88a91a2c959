package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

// WorkflowStep is one step of a workflow definition.
type WorkflowStep struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Type        string `json:"type"` // send, expect, assign, confirm, control
	Description string `json:"description,omitempty"`
}

// WorkflowDefinition is a stored multi-step remote procedure.
type WorkflowDefinition struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Version     string         `json:"version"`
	Variables   map[string]any `json:"variables,omitempty"`
	Steps       []WorkflowStep `json:"steps"`
	CreatedAt   string         `json:"created_at,omitempty"`
	UpdatedAt   string         `json:"updated_at,omitempty"`
}

// ExecutionLog is one append-only step event.
type ExecutionLog struct {
	Timestamp string          `json:"timestamp"`
	StepID    string          `json:"step_id"`
	Level     string          `json:"level"`
	Message   string          `json:"message"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Execution is the backend's view of a workflow execution.
type Execution struct {
	ID           string         `json:"id"`
	WorkflowID   string         `json:"workflow_id"`
	Status       string         `json:"status"`
	CurrentStep  string         `json:"current_step,omitempty"`
	Variables    map[string]any `json:"variables,omitempty"`
	Logs         []ExecutionLog `json:"logs,omitempty"`
	StartedAt    string         `json:"started_at,omitempty"`
	CompletedAt  string         `json:"completed_at,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	FailedStep   string         `json:"failed_step,omitempty"`
}

// ExecuteResult acknowledges a started execution.
type ExecuteResult struct {
	ExecutionID string `json:"execution_id"`
	Status      string `json:"status"`
	Message     string `json:"message,omitempty"`
}

type executeWorkflowRequest struct {
	Variables map[string]any `json:"variables,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
}

type confirmStepRequest struct {
	ExecutionID    string `json:"execution_id"`
	StepID         string `json:"step_id"`
	Action         string `json:"action"`
	IdempotencyKey string `json:"idempotency_key"`
}

// ListWorkflows fetches all workflow definitions.
func (c *Client) ListWorkflows(ctx context.Context) ([]WorkflowDefinition, error) {
	var result struct {
		Workflows []WorkflowDefinition `json:"workflows"`
		Total     int                  `json:"total"`
	}
	if err := c.do(ctx, http.MethodGet, "/workflow/", nil, &result); err != nil {
		return nil, err
	}
	return result.Workflows, nil
}

// GetWorkflow fetches a single workflow definition.
func (c *Client) GetWorkflow(ctx context.Context, workflowID string) (*WorkflowDefinition, error) {
	var wf WorkflowDefinition
	path := fmt.Sprintf("/workflow/%s", url.PathEscape(workflowID))
	if err := c.do(ctx, http.MethodGet, path, nil, &wf); err != nil {
		return nil, err
	}
	return &wf, nil
}

// ExecuteWorkflow starts an execution with the given variable bindings.
func (c *Client) ExecuteWorkflow(ctx context.Context, workflowID string, variables map[string]any) (*ExecuteResult, error) {
	var result ExecuteResult
	path := fmt.Sprintf("/workflow/%s/execute", url.PathEscape(workflowID))
	body := executeWorkflowRequest{Variables: variables, SessionID: c.SessionID()}
	if err := c.do(ctx, http.MethodPost, path, body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetExecution fetches the current state of one execution.
func (c *Client) GetExecution(ctx context.Context, executionID string) (*Execution, error) {
	var exec Execution
	path := fmt.Sprintf("/workflow/execution/%s", url.PathEscape(executionID))
	if err := c.do(ctx, http.MethodGet, path, nil, &exec); err != nil {
		return nil, err
	}
	return &exec, nil
}

// ListExecutions fetches recent executions, optionally filtered by status.
func (c *Client) ListExecutions(ctx context.Context, status string, limit int) ([]Execution, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	path := "/workflow/executions"
	if encoded := q.Encode(); encoded != "" {
		path += "?" + encoded
	}

	var result struct {
		Executions []Execution `json:"executions"`
		Total      int         `json:"total"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &result); err != nil {
		return nil, err
	}
	return result.Executions, nil
}

// ConfirmStep acknowledges an operator decision for a paused step.
// The idempotency key makes the redundant push-side delivery safe.
func (c *Client) ConfirmStep(ctx context.Context, executionID, stepID, action, idempotencyKey string) error {
	path := fmt.Sprintf("/workflow/execution/%s/confirm", url.PathEscape(executionID))
	body := confirmStepRequest{
		ExecutionID:    executionID,
		StepID:         stepID,
		Action:         action,
		IdempotencyKey: idempotencyKey,
	}
	return c.do(ctx, http.MethodPost, path, body, nil)
}

// PauseExecution asks the backend to pause a running execution.
func (c *Client) PauseExecution(ctx context.Context, executionID string) (*Execution, error) {
	var exec Execution
	path := fmt.Sprintf("/workflow/execution/%s/pause", url.PathEscape(executionID))
	if err := c.do(ctx, http.MethodPost, path, nil, &exec); err != nil {
		return nil, err
	}
	return &exec, nil
}

// ResumeExecution asks the backend to resume a paused execution.
func (c *Client) ResumeExecution(ctx context.Context, executionID string) (*Execution, error) {
	var exec Execution
	path := fmt.Sprintf("/workflow/execution/%s/resume", url.PathEscape(executionID))
	if err := c.do(ctx, http.MethodPost, path, nil, &exec); err != nil {
		return nil, err
	}
	return &exec, nil
}

// CancelExecution requests backend-side cancellation.
func (c *Client) CancelExecution(ctx context.Context, executionID string) error {
	path := fmt.Sprintf("/workflow/execution/%s/cancel", url.PathEscape(executionID))
	return c.do(ctx, http.MethodPost, path, nil, nil)
}
