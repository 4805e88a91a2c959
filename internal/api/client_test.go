package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func respond(w http.ResponseWriter, code int, msg string, data any) {
	raw, _ := json.Marshal(data)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"code": code,
		"msg":  msg,
		"data": json.RawMessage(raw),
	})
}

func TestClient_EnvelopeDecoding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/session/status", r.URL.Path)
		respond(w, 0, "ok", SessionStatus{HasActiveSession: true, TotalSessions: 1})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, zerolog.Nop())
	status, err := c.GetSessionStatus(context.Background())
	require.NoError(t, err)
	assert.True(t, status.HasActiveSession)
	assert.Equal(t, 1, status.TotalSessions)
}

func TestClient_BusinessFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// HTTP 200 with a non-zero envelope code is still a failure.
		respond(w, 4001, "session limit reached", nil)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, zerolog.Nop())
	_, err := c.CreateSession(context.Background(), "test")
	require.Error(t, err)

	var bizErr *Error
	require.ErrorAs(t, err, &bizErr)
	assert.Equal(t, 4001, bizErr.Code)
	assert.Equal(t, "session limit reached", bizErr.Message)
	assert.False(t, errors.Is(err, ErrSessionInvalid))
}

func TestClient_UnauthorizedIsSessionInvalid(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, zerolog.Nop())
	err := c.Heartbeat(context.Background())
	require.ErrorIs(t, err, ErrSessionInvalid)

	var bizErr *Error
	assert.False(t, errors.As(err, &bizErr))
}

func TestClient_SessionHeader(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("X-Session-Id")
		respond(w, 0, "ok", nil)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, zerolog.Nop())

	require.NoError(t, c.Heartbeat(context.Background()))
	assert.Empty(t, got, "anonymous request must not carry a session header")

	c.SetSessionID("sess-42")
	require.NoError(t, c.Heartbeat(context.Background()))
	assert.Equal(t, "sess-42", got)

	c.ClearSessionID()
	require.NoError(t, c.Heartbeat(context.Background()))
	assert.Empty(t, got)
}

func TestClient_ValidateSession(t *testing.T) {
	valid := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respond(w, 0, "ok", map[string]bool{"valid": valid})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, zerolog.Nop())

	ok, err := c.ValidateSession(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	valid = false
	ok, err = c.ValidateSession(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClient_ConfirmStepCarriesIdempotencyKey(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/workflow/execution/exec-1/confirm", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		respond(w, 0, "ok", nil)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, zerolog.Nop())
	err := c.ConfirmStep(context.Background(), "exec-1", "step-3", "approve", "exec-1:step-3")
	require.NoError(t, err)
	assert.Equal(t, "approve", body["action"])
	assert.Equal(t, "exec-1:step-3", body["idempotency_key"])
}
