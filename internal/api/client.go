// Package api implements the REST client for the device-control backend.
//
// Every response uses the uniform envelope {code, msg, data}. A non-zero
// code is a business failure regardless of the HTTP status; HTTP 401 means
// the session is no longer accepted, which callers must treat differently
// from ordinary business failures.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrSessionInvalid is returned for HTTP 401 responses.
var ErrSessionInvalid = errors.New("session invalid")

// Error is a business failure reported in the response envelope.
type Error struct {
	Code    int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("backend error %d: %s", e.Code, e.Message)
}

// envelope is the uniform response wrapper.
type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// Client talks to the backend REST API.
type Client struct {
	baseURL string
	http    *http.Client
	log     zerolog.Logger

	mu        sync.RWMutex
	sessionID string
}

// NewClient creates a client for the given base URL.
func NewClient(baseURL string, log zerolog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
		log:     log.With().Str("component", "api").Logger(),
	}
}

// SetSessionID attaches the session identity to subsequent requests.
func (c *Client) SetSessionID(id string) {
	c.mu.Lock()
	c.sessionID = id
	c.mu.Unlock()
}

// ClearSessionID removes the session identity.
func (c *Client) ClearSessionID() {
	c.SetSessionID("")
}

// SessionID returns the currently attached session identity.
func (c *Client) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

// do performs one request and decodes the envelope. A nil out skips
// decoding of the data field.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if id := c.SessionID(); id != "" {
		req.Header.Set("X-Session-Id", id)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return ErrSessionInvalid
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("decode envelope (%s %s, status %d): %w", method, path, resp.StatusCode, err)
	}

	if env.Code != 0 {
		c.log.Debug().Int("code", env.Code).Str("path", path).Str("msg", env.Msg).Msg("business failure")
		return &Error{Code: env.Code, Message: env.Msg}
	}

	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode data: %w", err)
		}
	}
	return nil
}
