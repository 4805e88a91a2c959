// Package session owns the operator's authentication state machine and
// the lifecycle of the persistent channel bound to it.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/opsbridge/opsbridge/internal/api"
	"github.com/opsbridge/opsbridge/internal/config"
	"github.com/opsbridge/opsbridge/internal/conn"
	"github.com/opsbridge/opsbridge/internal/metrics"
	"github.com/opsbridge/opsbridge/internal/store"
)

// ErrSessionConflict is returned by Login when another operator session
// is already active backend-wide.
var ErrSessionConflict = errors.New("another session is already active")

// State is the authentication state of the operator session.
type State int

const (
	StateAnonymous State = iota
	StateAuthenticating
	StateAuthenticated
	StateExpired
)

// String returns the state's display name.
func (s State) String() string {
	switch s {
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateExpired:
		return "expired"
	default:
		return "anonymous"
	}
}

// Status is a snapshot of the session for the UI.
type Status struct {
	State         State     `json:"state"`
	SessionID     string    `json:"session_id,omitempty"`
	LastHeartbeat time.Time `json:"last_heartbeat,omitempty"`
	Connected     bool      `json:"connected"`
}

// Listener receives session status changes.
type Listener func(Status)

// Session composes the connection manager, the heartbeat monitor and
// the credential store. Only the session opens or closes the channel;
// the trackers send through it but never manage its lifecycle.
type Session struct {
	cfg     *config.Config
	log     zerolog.Logger
	api     *api.Client
	store   *store.Store
	mx      *metrics.Collector
	channel *conn.Manager

	clientID string

	mu        sync.Mutex
	state     State
	sessionID string
	token     string
	lastBeat  time.Time
	cancel    context.CancelFunc // channel lifetime
	hb        *heartbeat
	listeners []Listener
}

// New creates a session bound to a fresh connection manager.
func New(cfg *config.Config, client *api.Client, st *store.Store, mx *metrics.Collector, log zerolog.Logger) *Session {
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "client_" + uuid.NewString()
	}

	s := &Session{
		cfg:      cfg,
		log:      log.With().Str("component", "session").Logger(),
		api:      client,
		store:    st,
		mx:       mx,
		clientID: clientID,
	}

	s.channel = conn.New(conn.Options{
		URL:         strings.TrimRight(cfg.SocketURL, "/") + "/" + clientID,
		BaseDelay:   cfg.ReconnectBase,
		MaxAttempts: cfg.MaxReconnects,
	}, log, mx)
	s.channel.Subscribe(s.onChannelEvent)

	s.hb = newHeartbeat(cfg.HeartbeatInterval, log, mx, client.Heartbeat, s.expire, s.touch)
	return s
}

// Channel returns the shared connection manager. Callers may send
// through it; its lifecycle belongs to the session.
func (s *Session) Channel() *conn.Manager {
	return s.channel
}

// ClientID returns this client's opaque channel identity.
func (s *Session) ClientID() string {
	return s.clientID
}

// Subscribe registers a status listener.
func (s *Session) Subscribe(l Listener) {
	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()
}

// Status returns a snapshot of the session.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

func (s *Session) statusLocked() Status {
	return Status{
		State:         s.state,
		SessionID:     s.sessionID,
		LastHeartbeat: s.lastBeat,
		Connected:     s.channel.IsConnected(),
	}
}

// notifyLocked snapshots under the caller's lock and delivers outside it.
func (s *Session) notifyLocked() {
	status := s.statusLocked()
	listeners := make([]Listener, len(s.listeners))
	copy(listeners, s.listeners)
	go func() {
		for _, l := range listeners {
			l(status)
		}
	}()
}

// Login creates a new operator session. Single-operator exclusivity is
// checked first: when another session is active the call fails with
// ErrSessionConflict without creating anything.
func (s *Session) Login(ctx context.Context, clientInfo string) error {
	s.mu.Lock()
	if s.state == StateAuthenticated || s.state == StateAuthenticating {
		s.mu.Unlock()
		return fmt.Errorf("login from state %s", s.state)
	}
	s.state = StateAuthenticating
	s.notifyLocked()
	s.mu.Unlock()

	fail := func(err error) error {
		s.mu.Lock()
		s.state = StateAnonymous
		s.notifyLocked()
		s.mu.Unlock()
		return err
	}

	status, err := s.api.GetSessionStatus(ctx)
	if err != nil {
		return fail(fmt.Errorf("check session status: %w", err))
	}
	if status.HasActiveSession {
		s.log.Warn().Msg("login refused, another session is active")
		return fail(ErrSessionConflict)
	}

	creds, err := s.api.CreateSession(ctx, clientInfo)
	if err != nil {
		return fail(fmt.Errorf("create session: %w", err))
	}

	s.api.SetSessionID(creds.SessionID)
	if err := s.store.Save(creds.SessionID, creds.Token); err != nil {
		// Persistence failure degrades restart survival, nothing else.
		s.log.Error().Err(err).Msg("failed to persist credential")
	}

	s.mu.Lock()
	s.sessionID = creds.SessionID
	s.token = creds.Token
	s.state = StateAuthenticated
	s.notifyLocked()
	s.mu.Unlock()

	s.openChannel()
	s.hb.Start()

	s.log.Info().Str("session_id", creds.SessionID).Msg("logged in")
	return nil
}

// Restore loads the persisted credential and optimistically resumes the
// session. Validity is confirmed by the first heartbeat tick; a token
// that is provably expired is not restored at all.
func (s *Session) Restore(ctx context.Context) (bool, error) {
	cred, err := s.store.Load()
	if err != nil {
		return false, err
	}
	if cred == nil {
		return false, nil
	}
	if tokenExpired(cred.Token, time.Now()) {
		s.log.Info().Msg("stored credential expired, discarding")
		if err := s.store.Clear(); err != nil {
			s.log.Error().Err(err).Msg("failed to clear stale credential")
		}
		return false, nil
	}

	s.api.SetSessionID(cred.SessionID)

	s.mu.Lock()
	s.sessionID = cred.SessionID
	s.token = cred.Token
	s.state = StateAuthenticated
	s.notifyLocked()
	s.mu.Unlock()

	s.openChannel()
	s.hb.Start()

	s.log.Info().Str("session_id", cred.SessionID).Msg("session restored, pending first heartbeat")
	return true, nil
}

// Validate performs a one-shot validity check. An invalid session is
// torn down via the logout path; network-only failures leave the
// session untouched.
func (s *Session) Validate(ctx context.Context) (bool, error) {
	valid, err := s.api.ValidateSession(ctx)
	if errors.Is(err, api.ErrSessionInvalid) {
		s.expire()
		return false, nil
	}
	if err != nil {
		var bizErr *api.Error
		if errors.As(err, &bizErr) {
			// Business failures surface upward, never tear the session down.
			return false, err
		}
		return false, fmt.Errorf("validate session: %w", err)
	}
	if !valid {
		s.expire()
		return false, nil
	}
	return true, nil
}

// Logout tears the session down: heartbeat stopped, channel closed,
// credential cleared, state anonymous. Calling it repeatedly is safe.
func (s *Session) Logout(ctx context.Context) error {
	s.mu.Lock()
	hadSession := s.sessionID != ""
	s.mu.Unlock()

	if hadSession {
		if err := s.api.DestroySession(ctx); err != nil {
			// Best effort: the backend reaps abandoned sessions anyway.
			s.log.Debug().Err(err).Msg("destroy session failed")
		}
	}

	s.teardown()

	s.mu.Lock()
	changed := s.state != StateAnonymous
	s.state = StateAnonymous
	if changed {
		s.notifyLocked()
	}
	s.mu.Unlock()

	if changed {
		s.log.Info().Msg("logged out")
	}
	return nil
}

// ForceCleanup clears stale backend sessions, then refreshes occupancy.
func (s *Session) ForceCleanup(ctx context.Context) (bool, error) {
	cleaned, err := s.api.ForceCleanup(ctx)
	if err != nil {
		return false, err
	}
	if _, err := s.api.GetSessionStatus(ctx); err != nil {
		s.log.Debug().Err(err).Msg("status refresh after cleanup failed")
	}
	return cleaned, nil
}

// expire handles an explicit backend rejection (heartbeat or validate):
// same teardown as logout, but the state lands on expired so the UI can
// tell "signed out" from "session lost, please sign in again".
func (s *Session) expire() {
	s.mu.Lock()
	if s.state != StateAuthenticated && s.state != StateAuthenticating {
		s.mu.Unlock()
		return
	}
	s.state = StateExpired
	s.notifyLocked()
	s.mu.Unlock()

	s.log.Warn().Msg("session expired")
	s.teardown()
}

// teardown releases everything the session owns. Idempotent.
func (s *Session) teardown() {
	s.hb.Stop()

	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.sessionID = ""
	s.token = ""
	s.lastBeat = time.Time{}
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if err := s.channel.Disconnect(); err != nil {
		s.log.Debug().Err(err).Msg("channel close failed")
	}

	s.api.ClearSessionID()
	if err := s.store.Clear(); err != nil {
		s.log.Error().Err(err).Msg("failed to clear credential")
	}
}

// openChannel connects the persistent channel for this session's
// lifetime. A transport failure here is not fatal: polling still works
// and the heartbeat governs validity.
func (s *Session) openChannel() {
	ctx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.cancel = cancel
	s.mu.Unlock()

	if err := s.channel.Connect(ctx); err != nil {
		s.log.Warn().Err(err).Msg("channel connect failed, continuing without push")
	}
}

// touch records a successful heartbeat.
func (s *Session) touch(at time.Time) {
	s.mu.Lock()
	s.lastBeat = at
	s.notifyLocked()
	s.mu.Unlock()
}

// onChannelEvent reacts to connection lifecycle events.
func (s *Session) onChannelEvent(ev conn.Event) {
	switch ev.Kind {
	case conn.EventConnected, conn.EventDisconnected:
		s.mu.Lock()
		s.notifyLocked()
		s.mu.Unlock()
	case conn.EventReconnectExhausted:
		// The operator decides whether to sign in again; surface it.
		s.log.Error().Int("attempts", ev.Attempt).Msg("channel reconnects exhausted")
		s.mu.Lock()
		s.notifyLocked()
		s.mu.Unlock()
	}
}
