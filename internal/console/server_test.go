package console

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsbridge/opsbridge/internal/api"
	"github.com/opsbridge/opsbridge/internal/command"
	"github.com/opsbridge/opsbridge/internal/config"
	"github.com/opsbridge/opsbridge/internal/metrics"
	"github.com/opsbridge/opsbridge/internal/protocol"
	"github.com/opsbridge/opsbridge/internal/session"
	"github.com/opsbridge/opsbridge/internal/store"
	"github.com/opsbridge/opsbridge/internal/workflow"
)

func testServer(t *testing.T) (*Server, *workflow.Tracker) {
	t.Helper()
	// A backend that accepts whatever the trackers send.
	return testServerWithBackend(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"code": 0, "msg": "ok", "data": nil})
	}))
}

func testServerWithBackend(t *testing.T, handler http.Handler) (*Server, *workflow.Tracker) {
	t.Helper()

	backend := httptest.NewServer(handler)
	t.Cleanup(backend.Close)

	cfg := &config.Config{
		BackendURL:        backend.URL,
		SocketURL:         "ws://127.0.0.1:1",
		ClientID:          "client_test",
		HeartbeatInterval: time.Hour,
		PollInterval:      time.Hour,
		PollCeiling:       2 * time.Hour,
	}

	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	mx := metrics.NewCollector()
	client := api.NewClient(cfg.BackendURL, zerolog.Nop())
	sess := session.New(cfg, client, st, mx, zerolog.Nop())
	cmds := command.NewTracker(cfg, client, nil, mx, zerolog.Nop())
	wfs := workflow.NewTracker(cfg, client, nil, mx, zerolog.Nop())
	t.Cleanup(cmds.Close)
	t.Cleanup(wfs.Close)

	return New("127.0.0.1:0", sess, client, cmds, wfs, mx, zerolog.Nop()), wfs
}

func doRequest(t *testing.T, srv *Server, method, path string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	srv.http.Handler.ServeHTTP(rec, req)
	return rec
}

func TestServer_Status(t *testing.T) {
	srv, _ := testServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var view statusView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, "anonymous", view.State)
	assert.False(t, view.Connected)
	assert.Equal(t, "client_test", view.ClientID)
}

func TestServer_CommandsAndExecutions(t *testing.T) {
	srv, _ := testServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/api/commands", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"commands":[]}`, rec.Body.String())

	rec = doRequest(t, srv, http.MethodGet, "/api/executions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"executions":[]}`, rec.Body.String())
}

func TestServer_Confirmations(t *testing.T) {
	srv, wfs := testServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/api/confirmations", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"confirmations":[]}`, rec.Body.String())

	wfs.ApplyConfirmPush(protocol.WorkflowConfirmPayload{
		ExecutionID: "exec-1", StepID: "step-2", Options: []string{"approve", "abort"},
	})

	rec = doRequest(t, srv, http.MethodGet, "/api/confirmations", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var payload struct {
		Confirmations []workflow.ConfirmationRequest `json:"confirmations"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	require.Len(t, payload.Confirmations, 1)
	assert.Equal(t, "step-2", payload.Confirmations[0].StepID)
}

func TestServer_Decide(t *testing.T) {
	srv, wfs := testServer(t)

	wfs.ApplyConfirmPush(protocol.WorkflowConfirmPayload{
		ExecutionID: "exec-1", StepID: "step-2", Options: []string{"approve", "abort"},
	})

	rec := doRequest(t, srv, http.MethodPost, "/api/confirmations/exec-1", `{"action":"approve"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, wfs.PendingConfirmations())
}

func TestServer_DecideErrors(t *testing.T) {
	srv, _ := testServer(t)

	rec := doRequest(t, srv, http.MethodPost, "/api/confirmations/exec-1", `{"action":"approve"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(t, srv, http.MethodPost, "/api/confirmations/exec-1", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, srv, http.MethodPost, "/api/confirmations/exec-1", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_FilteredCommandsQueryBackend(t *testing.T) {
	var gotQuery string
	mux := http.NewServeMux()
	mux.HandleFunc("GET /automation/commands", func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		_ = json.NewEncoder(w).Encode(map[string]any{"code": 0, "msg": "ok", "data": map[string]any{
			"commands":  []map[string]any{{"command_id": "cmd-9", "status": "completed"}},
			"total":     1,
			"page":      2,
			"page_size": 10,
		}})
	})
	srv, _ := testServerWithBackend(t, mux)

	rec := doRequest(t, srv, http.MethodGet, "/api/commands?status=completed&command_type=shell&page=2&page_size=10", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var list api.CommandList
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Commands, 1)
	assert.Equal(t, "cmd-9", list.Commands[0].CommandID)
	assert.Equal(t, 2, list.Page)

	assert.Contains(t, gotQuery, "status=completed")
	assert.Contains(t, gotQuery, "command_type=shell")
	assert.Contains(t, gotQuery, "page=2")
	assert.Contains(t, gotQuery, "page_size=10")
}

func TestServer_Templates(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /automation/templates", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"code": 0, "msg": "ok", "data": []map[string]any{
			{"template_id": "tpl-1", "name": "reboot", "requires_confirmation": true},
		}})
	})
	mux.HandleFunc("GET /automation/templates/{id}", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"code": 0, "msg": "ok", "data": map[string]any{
			"template_id": r.PathValue("id"), "name": "reboot",
		}})
	})
	srv, _ := testServerWithBackend(t, mux)

	rec := doRequest(t, srv, http.MethodGet, "/api/templates", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var payload struct {
		Templates []api.CommandTemplate `json:"templates"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	require.Len(t, payload.Templates, 1)
	assert.Equal(t, "tpl-1", payload.Templates[0].TemplateID)
	assert.True(t, payload.Templates[0].RequiresConfirmation)

	rec = doRequest(t, srv, http.MethodGet, "/api/templates/tpl-1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var tpl api.CommandTemplate
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tpl))
	assert.Equal(t, "tpl-1", tpl.TemplateID)
}

func TestServer_FilteredExecutionsQueryBackend(t *testing.T) {
	var gotQuery string
	mux := http.NewServeMux()
	mux.HandleFunc("GET /workflow/executions", func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		_ = json.NewEncoder(w).Encode(map[string]any{"code": 0, "msg": "ok", "data": map[string]any{
			"executions": []map[string]any{{"id": "exec-7", "status": "failed"}},
			"total":      1,
		}})
	})
	srv, _ := testServerWithBackend(t, mux)

	rec := doRequest(t, srv, http.MethodGet, "/api/executions?status=failed&limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var payload struct {
		Executions []api.Execution `json:"executions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	require.Len(t, payload.Executions, 1)
	assert.Equal(t, "exec-7", payload.Executions[0].ID)

	assert.Contains(t, gotQuery, "status=failed")
	assert.Contains(t, gotQuery, "limit=5")
}

func TestServer_SessionCleanup(t *testing.T) {
	var cleanups int
	mux := http.NewServeMux()
	mux.HandleFunc("POST /session/cleanup", func(w http.ResponseWriter, r *http.Request) {
		cleanups++
		_ = json.NewEncoder(w).Encode(map[string]any{"code": 0, "msg": "ok", "data": map[string]any{"cleaned": true}})
	})
	mux.HandleFunc("GET /session/status", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"code": 0, "msg": "ok", "data": map[string]any{"occupied": false}})
	})
	srv, _ := testServerWithBackend(t, mux)

	rec := doRequest(t, srv, http.MethodPost, "/api/session/cleanup", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"cleaned":true}`, rec.Body.String())
	assert.Equal(t, 1, cleanups)
}

func TestServer_Metrics(t *testing.T) {
	srv, _ := testServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "bridge_")
}
