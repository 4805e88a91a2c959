package api

import (
	"context"
	"net/http"
)

// SessionInfo describes an active backend session.
type SessionInfo struct {
	SessionID    string `json:"session_id"`
	ClientIP     string `json:"client_ip"`
	UserAgent    string `json:"user_agent,omitempty"`
	CreatedAt    string `json:"created_at"`
	LastActivity string `json:"last_activity"`
	IsActive     bool   `json:"is_active"`
}

// SessionStatus reports backend-side session occupancy.
type SessionStatus struct {
	HasActiveSession bool         `json:"has_active_session"`
	CurrentSession   *SessionInfo `json:"current_session,omitempty"`
	TotalSessions    int          `json:"total_sessions"`
}

// SessionCredentials is returned on successful session creation.
type SessionCredentials struct {
	SessionID string `json:"session_id"`
	Token     string `json:"token"`
	ExpiresIn int    `json:"expires_in"`
}

type createSessionRequest struct {
	ClientInfo string `json:"client_info,omitempty"`
}

// CreateSession opens a new operator session.
func (c *Client) CreateSession(ctx context.Context, clientInfo string) (*SessionCredentials, error) {
	var creds SessionCredentials
	err := c.do(ctx, http.MethodPost, "/session/create", createSessionRequest{ClientInfo: clientInfo}, &creds)
	if err != nil {
		return nil, err
	}
	return &creds, nil
}

// DestroySession ends the current session.
func (c *Client) DestroySession(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, "/session/destroy", nil, nil)
}

// GetSessionStatus reports whether any session is active backend-wide.
func (c *Client) GetSessionStatus(ctx context.Context) (*SessionStatus, error) {
	var status SessionStatus
	if err := c.do(ctx, http.MethodGet, "/session/status", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// ValidateSession checks whether the attached session is still accepted.
func (c *Client) ValidateSession(ctx context.Context) (bool, error) {
	var result struct {
		Valid bool `json:"valid"`
	}
	if err := c.do(ctx, http.MethodPost, "/session/validate", nil, &result); err != nil {
		return false, err
	}
	return result.Valid, nil
}

// Heartbeat proves the session is still accepted by the backend.
func (c *Client) Heartbeat(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/session/heartbeat", nil, nil)
}

// ForceCleanup clears stale backend sessions (admin escape hatch).
func (c *Client) ForceCleanup(ctx context.Context) (bool, error) {
	var result struct {
		Cleaned bool `json:"cleaned"`
	}
	if err := c.do(ctx, http.MethodPost, "/session/cleanup", nil, &result); err != nil {
		return false, err
	}
	return result.Cleaned, nil
}
