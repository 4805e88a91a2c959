// Package console exposes a small local HTTP surface for inspecting the
// bridge and resolving confirmations, plus the Prometheus endpoint.
package console

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/opsbridge/opsbridge/internal/api"
	"github.com/opsbridge/opsbridge/internal/command"
	"github.com/opsbridge/opsbridge/internal/metrics"
	"github.com/opsbridge/opsbridge/internal/session"
	"github.com/opsbridge/opsbridge/internal/workflow"
)

// Server serves the local console API. It binds to a loopback address
// and carries no authentication of its own.
type Server struct {
	log       zerolog.Logger
	session   *session.Session
	api       *api.Client
	commands  *command.Tracker
	workflows *workflow.Tracker
	mx        *metrics.Collector

	http *http.Server
}

// New builds the console server for the given address.
func New(addr string, sess *session.Session, client *api.Client, cmds *command.Tracker, wfs *workflow.Tracker, mx *metrics.Collector, log zerolog.Logger) *Server {
	s := &Server{
		log:       log.With().Str("component", "console").Logger(),
		session:   sess,
		api:       client,
		commands:  cmds,
		workflows: wfs,
		mx:        mx,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Post("/session/cleanup", s.handleCleanup)
		r.Get("/commands", s.handleCommands)
		r.Get("/templates", s.handleTemplates)
		r.Get("/templates/{templateID}", s.handleTemplate)
		r.Get("/executions", s.handleExecutions)
		r.Get("/confirmations", s.handleConfirmations)
		r.Post("/confirmations/{executionID}", s.handleDecide)
	})
	r.Handle("/metrics", mx.Handler())

	s.http = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start begins serving. It returns once the listener is bound; serving
// errors after that are reported on the returned channel.
func (s *Server) Start() (<-chan error, error) {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return nil, err
	}

	s.log.Info().Str("addr", ln.Addr().String()).Msg("console listening")
	errCh := make(chan error, 1)
	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	return errCh, nil
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.http.Addr
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

type statusView struct {
	State         string    `json:"state"`
	SessionID     string    `json:"session_id,omitempty"`
	Connected     bool      `json:"connected"`
	LastHeartbeat time.Time `json:"last_heartbeat,omitzero"`
	ClientID      string    `json:"client_id"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.session.Status()
	writeJSON(w, http.StatusOK, statusView{
		State:         st.State.String(),
		SessionID:     st.SessionID,
		Connected:     st.Connected,
		LastHeartbeat: st.LastHeartbeat,
		ClientID:      s.session.ClientID(),
	})
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	cleaned, err := s.session.ForceCleanup(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("session cleanup failed")
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cleaned": cleaned})
}

// handleCommands serves the locally tracked commands. With filter or
// pagination parameters it consults the backend history instead, which
// also covers commands created before this bridge started.
func (s *Server) handleCommands(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Has("status") || q.Has("command_type") || q.Has("page") || q.Has("page_size") {
		params := api.CommandListParams{
			Status:      q.Get("status"),
			CommandType: q.Get("command_type"),
		}
		params.Page, _ = strconv.Atoi(q.Get("page"))
		params.PageSize, _ = strconv.Atoi(q.Get("page_size"))

		list, err := s.api.ListCommands(r.Context(), params)
		if err != nil {
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, list)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"commands": s.commands.List(),
	})
}

func (s *Server) handleTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := s.api.ListTemplates(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"templates": templates})
}

func (s *Server) handleTemplate(w http.ResponseWriter, r *http.Request) {
	tpl, err := s.api.GetTemplate(r.Context(), chi.URLParam(r, "templateID"))
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, tpl)
}

// handleExecutions mirrors handleCommands: plain requests read the
// local tracker, filtered ones ask the backend.
func (s *Server) handleExecutions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Has("status") || q.Has("limit") {
		limit, _ := strconv.Atoi(q.Get("limit"))
		execs, err := s.api.ListExecutions(r.Context(), q.Get("status"), limit)
		if err != nil {
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"executions": execs})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"executions": s.workflows.List(),
	})
}

func (s *Server) handleConfirmations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"confirmations": s.workflows.PendingConfirmations(),
	})
}

type decideRequest struct {
	Action string `json:"action"`
}

func (s *Server) handleDecide(w http.ResponseWriter, r *http.Request) {
	executionID := chi.URLParam(r, "executionID")

	var req decideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Action == "" {
		writeError(w, http.StatusBadRequest, "action is required")
		return
	}

	if err := s.workflows.Decide(r.Context(), executionID, req.Action); err != nil {
		if errors.Is(err, workflow.ErrUnknownExecution) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.log.Error().Err(err).Str("execution", executionID).Msg("decision failed")
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"resolved": true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
