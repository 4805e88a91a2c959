// Package command tracks the lifecycle of automation commands,
// converging push updates and poll snapshots into one consistent record
// per command.
package command

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/opsbridge/opsbridge/internal/api"
	"github.com/opsbridge/opsbridge/internal/config"
	"github.com/opsbridge/opsbridge/internal/conn"
	"github.com/opsbridge/opsbridge/internal/metrics"
	"github.com/opsbridge/opsbridge/internal/protocol"
)

// Source identifies where an update came from.
type Source string

const (
	SourcePush Source = "push"
	SourcePoll Source = "poll"
)

// Command is the tracker's view of one automation command.
type Command struct {
	ID                   string          `json:"command_id"`
	Status               Status          `json:"status"`
	RequiresConfirmation bool            `json:"requires_confirmation"`
	Result               json.RawMessage `json:"result,omitempty"`
	ErrorMessage         string          `json:"error_message,omitempty"`
	CreatedAt            string          `json:"created_at,omitempty"`
	UpdatedAt            string          `json:"updated_at,omitempty"`
}

// ConfirmListener is notified when a newly created command needs an
// operator decision before it can progress.
type ConfirmListener func(Command)

// Tracker owns one in-memory record per command identifier.
type Tracker struct {
	cfg *config.Config
	log zerolog.Logger
	api *api.Client
	mx  *metrics.Collector

	mu       sync.Mutex
	commands map[string]*Command
	order    []string // insertion order, newest first
	polls    map[string]chan struct{}

	clmu             sync.RWMutex
	confirmListeners []ConfirmListener
}

// NewTracker creates a command tracker and attaches it to the channel
// for push updates.
func NewTracker(cfg *config.Config, client *api.Client, channel *conn.Manager, mx *metrics.Collector, log zerolog.Logger) *Tracker {
	t := &Tracker{
		cfg:      cfg,
		log:      log.With().Str("component", "commands").Logger(),
		api:      client,
		mx:       mx,
		commands: make(map[string]*Command),
		polls:    make(map[string]chan struct{}),
	}
	if channel != nil {
		channel.Subscribe(t.onChannelEvent)
	}
	return t
}

// SubscribeConfirmations registers a listener for commands awaiting an
// operator decision.
func (t *Tracker) SubscribeConfirmations(l ConfirmListener) {
	t.clmu.Lock()
	t.confirmListeners = append(t.confirmListeners, l)
	t.clmu.Unlock()
}

// Create submits a new command and begins tracking it. A command whose
// confirmation flag is set stays pending until the operator decides;
// there is no automatic timeout.
func (t *Tracker) Create(ctx context.Context, req api.CommandRequest) (Command, error) {
	remote, err := t.api.CreateCommand(ctx, req)
	if err != nil {
		return Command{}, fmt.Errorf("create command: %w", err)
	}
	return t.adopt(remote), nil
}

// ExecuteTemplate creates a command from a saved template. The
// template's confirmation flag feeds the same gate as Create.
func (t *Tracker) ExecuteTemplate(ctx context.Context, templateID string, parameters map[string]any) (Command, error) {
	remote, err := t.api.ExecuteTemplate(ctx, templateID, parameters)
	if err != nil {
		return Command{}, fmt.Errorf("execute template: %w", err)
	}
	return t.adopt(remote), nil
}

// adopt records a freshly created command and decides what happens
// next: a confirmation prompt, or polling toward a terminal status.
func (t *Tracker) adopt(remote *api.Command) Command {
	cmd := fromAPI(remote)

	t.mu.Lock()
	t.commands[cmd.ID] = &cmd
	t.order = append([]string{cmd.ID}, t.order...)
	t.mu.Unlock()

	if cmd.RequiresConfirmation && cmd.Status == StatusPending {
		t.notifyConfirmNeeded(cmd)
	} else if !cmd.Status.Terminal() {
		t.startPoll(cmd.ID)
	}
	return cmd
}

// Confirm records the operator's accept/reject decision. Local state
// follows whatever the backend reports; an accepted command starts
// polling toward its terminal status.
func (t *Tracker) Confirm(ctx context.Context, id string, accept bool, notes string) (Command, error) {
	remote, err := t.api.ConfirmCommand(ctx, id, accept, notes)
	if err != nil {
		return Command{}, fmt.Errorf("confirm command %s: %w", id, err)
	}
	t.apply(fromAPI(remote), SourcePoll)

	cmd, _ := t.Get(id)
	if accept && !cmd.Status.Terminal() {
		t.startPoll(id)
	}
	return cmd, nil
}

// Cancel requests backend-side cancellation. The local record moves to
// cancelled only when the backend confirms; an optimistic local mark
// would turn a failed cancel into a false terminal state.
func (t *Tracker) Cancel(ctx context.Context, id string) (Command, error) {
	remote, err := t.api.CancelCommand(ctx, id)
	if err != nil {
		return Command{}, fmt.Errorf("cancel command %s: %w", id, err)
	}
	t.apply(fromAPI(remote), SourcePoll)
	cmd, _ := t.Get(id)
	return cmd, nil
}

// Refresh fetches the command's current state from the backend.
func (t *Tracker) Refresh(ctx context.Context, id string) (Command, error) {
	remote, err := t.api.GetCommand(ctx, id)
	if err != nil {
		return Command{}, fmt.Errorf("refresh command %s: %w", id, err)
	}
	t.apply(fromAPI(remote), SourcePoll)
	cmd, _ := t.Get(id)
	return cmd, nil
}

// ApplyPush merges an inbound command-result push.
func (t *Tracker) ApplyPush(payload protocol.CommandResultPayload) {
	status, ok := ParseStatus(payload.Status)
	if !ok {
		t.log.Warn().Str("status", payload.Status).Str("command", payload.CommandID).Msg("unknown status in push")
		return
	}
	t.apply(Command{
		ID:           payload.CommandID,
		Status:       status,
		Result:       payload.Result,
		ErrorMessage: payload.ErrorMessage,
	}, SourcePush)
}

// Get returns a copy of one tracked command.
func (t *Tracker) Get(id string) (Command, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cmd, ok := t.commands[id]
	if !ok {
		return Command{}, false
	}
	return *cmd, true
}

// List returns copies of all tracked commands, newest first.
func (t *Tracker) List() []Command {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Command, 0, len(t.order))
	for _, id := range t.order {
		if cmd, ok := t.commands[id]; ok {
			out = append(out, *cmd)
		}
	}
	return out
}

// Close stops every active poll loop.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, stop := range t.polls {
		close(stop)
		delete(t.polls, id)
	}
}

// apply merges an update into the local record under the monotonic
// status ordering. Updates reporting an earlier status than what is
// already recorded are discarded: a stale poll response must not undo a
// push that already advanced the state. Terminal states accept nothing.
func (t *Tracker) apply(update Command, source Source) {
	t.mu.Lock()
	current, ok := t.commands[update.ID]
	if !ok {
		// First sighting of this command (e.g. push before create
		// returned, or a command from another view): adopt as-is.
		cmd := update
		t.commands[update.ID] = &cmd
		t.order = append([]string{update.ID}, t.order...)
		t.mu.Unlock()
		return
	}

	if !current.Status.allows(update.Status) {
		from, to := current.Status, update.Status
		t.mu.Unlock()
		t.log.Warn().
			Str("command", update.ID).
			Str("source", string(source)).
			Str("held", string(from)).
			Str("incoming", string(to)).
			Msg("discarding status regression")
		if t.mx != nil {
			t.mx.RecordStatusRegression()
		}
		return
	}

	current.Status = update.Status
	if len(update.Result) > 0 {
		current.Result = update.Result
	}
	if update.ErrorMessage != "" {
		current.ErrorMessage = update.ErrorMessage
	}
	if update.UpdatedAt != "" {
		current.UpdatedAt = update.UpdatedAt
	}
	terminal := current.Status.Terminal()
	t.mu.Unlock()

	t.log.Debug().
		Str("command", update.ID).
		Str("source", string(source)).
		Str("status", string(update.Status)).
		Msg("command updated")

	if terminal {
		t.stopPoll(update.ID)
	}
}

// startPoll begins the polling fallback for one command. It stops on a
// terminal status or after the bounded ceiling elapses; the latter is
// an ambiguous outcome surfaced as an observability event, not an error.
func (t *Tracker) startPoll(id string) {
	t.mu.Lock()
	if _, running := t.polls[id]; running {
		t.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	t.polls[id] = stop
	t.mu.Unlock()

	go t.pollLoop(id, stop)
}

func (t *Tracker) stopPoll(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if stop, ok := t.polls[id]; ok {
		close(stop)
		delete(t.polls, id)
	}
}

func (t *Tracker) pollLoop(id string, stop chan struct{}) {
	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(t.cfg.PollCeiling)
	defer deadline.Stop()

	for {
		select {
		case <-stop:
			return
		case <-deadline.C:
			t.log.Warn().Str("command", id).Dur("ceiling", t.cfg.PollCeiling).Msg("poll ceiling reached, outcome ambiguous")
			if t.mx != nil {
				t.mx.RecordPollCeiling()
			}
			t.stopPoll(id)
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), t.cfg.PollInterval)
			remote, err := t.api.GetCommand(ctx, id)
			cancel()
			if err != nil {
				t.log.Debug().Err(err).Str("command", id).Msg("poll failed")
				continue
			}
			t.apply(fromAPI(remote), SourcePoll)
			if cmd, ok := t.Get(id); ok && cmd.Status.Terminal() {
				return
			}
		}
	}
}

func (t *Tracker) onChannelEvent(ev conn.Event) {
	if ev.Kind != conn.EventMessage || ev.Message == nil {
		return
	}
	if ev.Message.Type != protocol.TypeCommandResult {
		return
	}
	var payload protocol.CommandResultPayload
	if err := ev.Message.ParsePayload(&payload); err != nil {
		t.log.Error().Err(err).Msg("failed to parse command result push")
		return
	}
	t.ApplyPush(payload)
}

func (t *Tracker) notifyConfirmNeeded(cmd Command) {
	t.clmu.RLock()
	listeners := make([]ConfirmListener, len(t.confirmListeners))
	copy(listeners, t.confirmListeners)
	t.clmu.RUnlock()
	for _, l := range listeners {
		l(cmd)
	}
}

// fromAPI converts the backend representation, defaulting an unknown
// status to pending rather than dropping the record.
func fromAPI(remote *api.Command) Command {
	status, ok := ParseStatus(remote.Status)
	if !ok {
		status = StatusPending
	}
	return Command{
		ID:                   remote.CommandID,
		Status:               status,
		RequiresConfirmation: remote.RequiresConfirmation,
		Result:               remote.Result,
		ErrorMessage:         remote.ErrorMessage,
		CreatedAt:            remote.CreatedAt,
		UpdatedAt:            remote.UpdatedAt,
	}
}
