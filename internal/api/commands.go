package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

// Command is the backend's view of an automation command.
type Command struct {
	CommandID            string          `json:"command_id"`
	Status               string          `json:"status"`
	RequiresConfirmation bool            `json:"requires_confirmation"`
	Result               json.RawMessage `json:"result,omitempty"`
	ErrorMessage         string          `json:"error_message,omitempty"`
	ExecutionTime        float64         `json:"execution_time,omitempty"`
	CreatedAt            string          `json:"created_at"`
	UpdatedAt            string          `json:"updated_at"`
}

// CommandRequest describes a command to create.
type CommandRequest struct {
	CommandName          string         `json:"command_name"`
	CommandType          string         `json:"command_type"`
	Priority             string         `json:"priority,omitempty"`
	Parameters           map[string]any `json:"parameters,omitempty"`
	RequiresConfirmation bool           `json:"requires_confirmation,omitempty"`
	TimeoutSeconds       int            `json:"timeout_seconds,omitempty"`
	Description          string         `json:"description,omitempty"`
}

// CommandList is a page of commands.
type CommandList struct {
	Commands []Command `json:"commands"`
	Total    int       `json:"total"`
	Page     int       `json:"page"`
	PageSize int       `json:"page_size"`
}

// CommandListParams filters and paginates ListCommands.
type CommandListParams struct {
	Status      string
	CommandType string
	Page        int
	PageSize    int
}

// CommandTemplate is a saved, parameterized command definition.
type CommandTemplate struct {
	TemplateID           string          `json:"template_id"`
	Name                 string          `json:"name"`
	CommandType          string          `json:"command_type"`
	Description          string          `json:"description"`
	ParametersSchema     json.RawMessage `json:"parameters_schema,omitempty"`
	RequiresConfirmation bool            `json:"requires_confirmation"`
	IsActive             bool            `json:"is_active"`
}

type confirmCommandRequest struct {
	CommandID     string `json:"command_id"`
	Confirmed     bool   `json:"confirmed"`
	OperatorNotes string `json:"operator_notes,omitempty"`
}

// CreateCommand submits a new automation command.
func (c *Client) CreateCommand(ctx context.Context, req CommandRequest) (*Command, error) {
	var cmd Command
	if err := c.do(ctx, http.MethodPost, "/automation/commands", req, &cmd); err != nil {
		return nil, err
	}
	return &cmd, nil
}

// ConfirmCommand records the operator's accept/reject decision.
func (c *Client) ConfirmCommand(ctx context.Context, commandID string, confirmed bool, notes string) (*Command, error) {
	var cmd Command
	body := confirmCommandRequest{CommandID: commandID, Confirmed: confirmed, OperatorNotes: notes}
	path := fmt.Sprintf("/automation/commands/%s/confirm", url.PathEscape(commandID))
	if err := c.do(ctx, http.MethodPost, path, body, &cmd); err != nil {
		return nil, err
	}
	return &cmd, nil
}

// GetCommand fetches the current state of one command.
func (c *Client) GetCommand(ctx context.Context, commandID string) (*Command, error) {
	var cmd Command
	path := fmt.Sprintf("/automation/commands/%s", url.PathEscape(commandID))
	if err := c.do(ctx, http.MethodGet, path, nil, &cmd); err != nil {
		return nil, err
	}
	return &cmd, nil
}

// ListCommands fetches a filtered page of commands.
func (c *Client) ListCommands(ctx context.Context, params CommandListParams) (*CommandList, error) {
	q := url.Values{}
	if params.Status != "" {
		q.Set("status", params.Status)
	}
	if params.CommandType != "" {
		q.Set("command_type", params.CommandType)
	}
	if params.Page > 0 {
		q.Set("page", strconv.Itoa(params.Page))
	}
	if params.PageSize > 0 {
		q.Set("page_size", strconv.Itoa(params.PageSize))
	}

	path := "/automation/commands"
	if encoded := q.Encode(); encoded != "" {
		path += "?" + encoded
	}

	var list CommandList
	if err := c.do(ctx, http.MethodGet, path, nil, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// CancelCommand requests backend-side cancellation.
func (c *Client) CancelCommand(ctx context.Context, commandID string) (*Command, error) {
	var cmd Command
	path := fmt.Sprintf("/automation/commands/%s", url.PathEscape(commandID))
	if err := c.do(ctx, http.MethodDelete, path, nil, &cmd); err != nil {
		return nil, err
	}
	return &cmd, nil
}

// ListTemplates fetches the saved command templates.
func (c *Client) ListTemplates(ctx context.Context) ([]CommandTemplate, error) {
	var templates []CommandTemplate
	if err := c.do(ctx, http.MethodGet, "/automation/templates", nil, &templates); err != nil {
		return nil, err
	}
	return templates, nil
}

// GetTemplate fetches a single template.
func (c *Client) GetTemplate(ctx context.Context, templateID string) (*CommandTemplate, error) {
	var tpl CommandTemplate
	path := fmt.Sprintf("/automation/templates/%s", url.PathEscape(templateID))
	if err := c.do(ctx, http.MethodGet, path, nil, &tpl); err != nil {
		return nil, err
	}
	return &tpl, nil
}

// ExecuteTemplate creates a command from a template and parameter values.
func (c *Client) ExecuteTemplate(ctx context.Context, templateID string, parameters map[string]any) (*Command, error) {
	var cmd Command
	path := fmt.Sprintf("/automation/templates/%s/execute", url.PathEscape(templateID))
	if err := c.do(ctx, http.MethodPost, path, parameters, &cmd); err != nil {
		return nil, err
	}
	return &cmd, nil
}
