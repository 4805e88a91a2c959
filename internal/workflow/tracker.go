// Package workflow tracks workflow executions: status convergence from
// push and poll, step-level event logs, and the confirmation bridge
// that turns an inbound "need operator input" push into an outbound
// decision.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
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

// ErrUnknownExecution is returned for operations on an untracked id.
var ErrUnknownExecution = errors.New("unknown execution")

// Source identifies where an update came from.
type Source string

const (
	SourcePush Source = "push"
	SourcePoll Source = "poll"
)

// StepEvent is one append-only entry in an execution's event log.
type StepEvent struct {
	Timestamp string          `json:"timestamp"`
	StepID    string          `json:"step_id"`
	Level     string          `json:"level"`
	Message   string          `json:"message"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Execution is the tracker's view of one workflow execution.
type Execution struct {
	ID           string         `json:"id"`
	WorkflowID   string         `json:"workflow_id"`
	Status       Status         `json:"status"`
	CurrentStep  string         `json:"current_step,omitempty"`
	Variables    map[string]any `json:"variables,omitempty"`
	Events       []StepEvent    `json:"events,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	FailedStep   string         `json:"failed_step,omitempty"`
	StartedAt    string         `json:"started_at,omitempty"`
	CompletedAt  string         `json:"completed_at,omitempty"`
}

// ConfirmationRequest ties one outstanding step to the operator
// responses it accepts. It exists only between the push that raised it
// and the decision (or timeout) that resolves it.
type ConfirmationRequest struct {
	ExecutionID string    `json:"execution_id"`
	StepID      string    `json:"step_id"`
	Message     string    `json:"message"`
	Options     []string  `json:"options"`
	Timeout     int       `json:"timeout,omitempty"` // seconds, 0 = none
	ReceivedAt  time.Time `json:"received_at"`
}

// IdempotencyKey identifies the decision for backend deduplication, so
// the redundant REST and push deliveries are safe by construction.
func (r ConfirmationRequest) IdempotencyKey() string {
	return r.ExecutionID + ":" + r.StepID
}

// ConfirmListener is notified when an execution needs operator input.
type ConfirmListener func(ConfirmationRequest)

// Tracker owns one in-memory record per execution identifier.
type Tracker struct {
	cfg     *config.Config
	log     zerolog.Logger
	api     *api.Client
	channel *conn.Manager
	mx      *metrics.Collector

	mu         sync.Mutex
	executions map[string]*Execution
	order      []string // insertion order, newest first
	polls      map[string]chan struct{}
	pending    map[string]*ConfirmationRequest
	timeouts   map[string]*time.Timer

	clmu             sync.RWMutex
	confirmListeners []ConfirmListener
}

// NewTracker creates a workflow tracker and attaches it to the channel
// for push updates. The channel is shared: the tracker sends decision
// messages through it but never opens or closes it.
func NewTracker(cfg *config.Config, client *api.Client, channel *conn.Manager, mx *metrics.Collector, log zerolog.Logger) *Tracker {
	t := &Tracker{
		cfg:        cfg,
		log:        log.With().Str("component", "workflows").Logger(),
		api:        client,
		channel:    channel,
		mx:         mx,
		executions: make(map[string]*Execution),
		polls:      make(map[string]chan struct{}),
		pending:    make(map[string]*ConfirmationRequest),
		timeouts:   make(map[string]*time.Timer),
	}
	if channel != nil {
		channel.Subscribe(t.onChannelEvent)
	}
	return t
}

// SubscribeConfirmations registers a listener for confirmation pushes.
func (t *Tracker) SubscribeConfirmations(l ConfirmListener) {
	t.clmu.Lock()
	t.confirmListeners = append(t.confirmListeners, l)
	t.clmu.Unlock()
}

// Definitions lists the stored workflow definitions.
func (t *Tracker) Definitions(ctx context.Context) ([]api.WorkflowDefinition, error) {
	return t.api.ListWorkflows(ctx)
}

// Definition fetches one workflow definition.
func (t *Tracker) Definition(ctx context.Context, workflowID string) (*api.WorkflowDefinition, error) {
	return t.api.GetWorkflow(ctx, workflowID)
}

// Execute starts an execution and begins tracking it.
func (t *Tracker) Execute(ctx context.Context, workflowID string, variables map[string]any) (Execution, error) {
	result, err := t.api.ExecuteWorkflow(ctx, workflowID, variables)
	if err != nil {
		return Execution{}, fmt.Errorf("execute workflow %s: %w", workflowID, err)
	}

	status, ok := ParseStatus(result.Status)
	if !ok {
		status = StatusRunning
	}
	exec := Execution{
		ID:         result.ExecutionID,
		WorkflowID: workflowID,
		Status:     status,
		Variables:  variables,
	}

	t.mu.Lock()
	t.executions[exec.ID] = &exec
	t.order = append([]string{exec.ID}, t.order...)
	t.mu.Unlock()

	t.Track(exec.ID)
	return exec, nil
}

// Track begins poll-driven convergence for an execution. Tracking an
// already tracked or terminal execution is a no-op.
func (t *Tracker) Track(executionID string) {
	t.mu.Lock()
	exec, ok := t.executions[executionID]
	if !ok {
		t.executions[executionID] = &Execution{ID: executionID, Status: StatusRunning}
		t.order = append([]string{executionID}, t.order...)
	} else if exec.Status.Terminal() {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	t.startPoll(executionID)
}

// Untrack stops all monitoring for an execution: poll loop, pending
// confirmation and its timeout.
func (t *Tracker) Untrack(executionID string) {
	t.stopPoll(executionID)
	t.dropConfirmation(executionID)
}

// RefreshExecution fetches the execution's current state.
func (t *Tracker) RefreshExecution(ctx context.Context, executionID string) (Execution, error) {
	remote, err := t.api.GetExecution(ctx, executionID)
	if err != nil {
		return Execution{}, fmt.Errorf("refresh execution %s: %w", executionID, err)
	}
	t.apply(fromAPI(remote), SourcePoll)
	exec, _ := t.Get(executionID)
	return exec, nil
}

// Pause asks the backend to pause a running execution. It is rejected,
// not silently ignored, when the execution is not running.
func (t *Tracker) Pause(ctx context.Context, executionID string) (Execution, error) {
	if err := t.requireStatus(executionID, "pause", StatusRunning); err != nil {
		return Execution{}, err
	}
	remote, err := t.api.PauseExecution(ctx, executionID)
	if err != nil {
		return Execution{}, fmt.Errorf("pause execution %s: %w", executionID, err)
	}
	t.apply(fromAPI(remote), SourcePoll)
	exec, _ := t.Get(executionID)
	return exec, nil
}

// Resume asks the backend to resume a paused execution.
func (t *Tracker) Resume(ctx context.Context, executionID string) (Execution, error) {
	if err := t.requireStatus(executionID, "resume", StatusPaused); err != nil {
		return Execution{}, err
	}
	remote, err := t.api.ResumeExecution(ctx, executionID)
	if err != nil {
		return Execution{}, fmt.Errorf("resume execution %s: %w", executionID, err)
	}
	t.apply(fromAPI(remote), SourcePoll)
	exec, _ := t.Get(executionID)
	return exec, nil
}

// CancelExecution requests backend-side cancellation. Local state does
// not move until the backend confirms, so a failed cancel never leaves
// a false terminal state behind.
func (t *Tracker) CancelExecution(ctx context.Context, executionID string) error {
	if err := t.requireStatus(executionID, "cancel", StatusRunning, StatusPaused); err != nil {
		return err
	}
	if err := t.api.CancelExecution(ctx, executionID); err != nil {
		return fmt.Errorf("cancel execution %s: %w", executionID, err)
	}
	// The cancelled status arrives by push or poll once the backend
	// has actually stopped the execution.
	return nil
}

// Decide resolves the pending confirmation for an execution. The
// decision travels over REST for durability and, when the channel is
// open, as a push message for low-latency resumption; both carry the
// same idempotency key so the backend deduplicates.
func (t *Tracker) Decide(ctx context.Context, executionID, action string) error {
	t.mu.Lock()
	req, ok := t.pending[executionID]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: no pending confirmation for %s", ErrUnknownExecution, executionID)
	}

	// The pending entry is removed only once the backend has accepted
	// the decision, so a transport failure leaves the request intact
	// and the caller can retry. A concurrent retry may double-send;
	// the idempotency key makes that safe.
	key := req.IdempotencyKey()
	if err := t.api.ConfirmStep(ctx, req.ExecutionID, req.StepID, action, key); err != nil {
		return fmt.Errorf("confirm step %s: %w", key, err)
	}

	t.mu.Lock()
	delete(t.pending, executionID)
	if timer, ok := t.timeouts[executionID]; ok {
		timer.Stop()
		delete(t.timeouts, executionID)
	}
	t.mu.Unlock()

	if t.channel != nil && t.channel.IsConnected() {
		err := t.channel.Send(protocol.TypeConfirmDecision, protocol.ConfirmDecisionPayload{
			ExecutionID:    req.ExecutionID,
			StepID:         req.StepID,
			Action:         action,
			IdempotencyKey: key,
		})
		if err != nil {
			// REST already carried the decision; the push copy is only
			// a latency optimization.
			t.log.Debug().Err(err).Str("key", key).Msg("decision push failed")
		}
	}

	t.log.Info().Str("key", key).Str("action", action).Msg("confirmation resolved")
	return nil
}

// PendingConfirmations returns the unresolved confirmation requests.
func (t *Tracker) PendingConfirmations() []ConfirmationRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]ConfirmationRequest, 0, len(t.pending))
	for _, req := range t.pending {
		out = append(out, *req)
	}
	return out
}

// Get returns a copy of one tracked execution.
func (t *Tracker) Get(executionID string) (Execution, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	exec, ok := t.executions[executionID]
	if !ok {
		return Execution{}, false
	}
	return copyExecution(exec), true
}

// List returns copies of all tracked executions, newest first.
func (t *Tracker) List() []Execution {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Execution, 0, len(t.order))
	for _, id := range t.order {
		if exec, ok := t.executions[id]; ok {
			out = append(out, copyExecution(exec))
		}
	}
	return out
}

// Close stops every poll loop and pending confirmation timer.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, stop := range t.polls {
		close(stop)
		delete(t.polls, id)
	}
	for id, timer := range t.timeouts {
		timer.Stop()
		delete(t.timeouts, id)
	}
	t.pending = make(map[string]*ConfirmationRequest)
}

// requireStatus validates a local transition precondition.
func (t *Tracker) requireStatus(executionID, op string, allowed ...Status) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	exec, ok := t.executions[executionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownExecution, executionID)
	}
	for _, s := range allowed {
		if exec.Status == s {
			return nil
		}
	}
	return &TransitionError{ExecutionID: executionID, From: exec.Status, Op: op}
}

// apply merges an update under the monotonic status ordering, with
// running↔paused sharing a rank so oscillation is legal. Regressions
// are discarded and logged; terminal states accept nothing.
func (t *Tracker) apply(update Execution, source Source) {
	t.mu.Lock()
	current, ok := t.executions[update.ID]
	if !ok {
		exec := update
		t.executions[update.ID] = &exec
		t.order = append([]string{update.ID}, t.order...)
		terminal := exec.Status.Terminal()
		t.mu.Unlock()
		if terminal {
			t.Untrack(update.ID)
		}
		return
	}

	if !current.Status.allows(update.Status) {
		from, to := current.Status, update.Status
		t.mu.Unlock()
		t.log.Warn().
			Str("execution", update.ID).
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
	if update.WorkflowID != "" {
		current.WorkflowID = update.WorkflowID
	}
	if update.CurrentStep != "" {
		current.CurrentStep = update.CurrentStep
	}
	if update.Variables != nil {
		current.Variables = update.Variables
	}
	// The event log is append-only: a poll snapshot replaces ours only
	// when it knows at least as much.
	if len(update.Events) >= len(current.Events) && update.Events != nil {
		current.Events = update.Events
	}
	if update.ErrorMessage != "" {
		current.ErrorMessage = update.ErrorMessage
	}
	if update.FailedStep != "" {
		current.FailedStep = update.FailedStep
	}
	if update.StartedAt != "" {
		current.StartedAt = update.StartedAt
	}
	if update.CompletedAt != "" {
		current.CompletedAt = update.CompletedAt
	}
	terminal := current.Status.Terminal()
	t.mu.Unlock()

	t.log.Debug().
		Str("execution", update.ID).
		Str("source", string(source)).
		Str("status", string(update.Status)).
		Msg("execution updated")

	if terminal {
		t.Untrack(update.ID)
	}
}

// appendEvent records one push-delivered step event.
func (t *Tracker) appendEvent(executionID string, ev StepEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	exec, ok := t.executions[executionID]
	if !ok {
		return
	}
	exec.Events = append(exec.Events, ev)
}

// ApplyConfirmPush creates the ConfirmationRequest for an inbound
// "awaiting confirmation" push. A second unresolved request for the
// same execution is a protocol violation: logged and counted, and the
// original request is preserved.
func (t *Tracker) ApplyConfirmPush(payload protocol.WorkflowConfirmPayload) {
	req := &ConfirmationRequest{
		ExecutionID: payload.ExecutionID,
		StepID:      payload.StepID,
		Message:     payload.Message,
		Options:     payload.Options,
		Timeout:     payload.Timeout,
		ReceivedAt:  time.Now(),
	}

	t.mu.Lock()
	if existing, ok := t.pending[payload.ExecutionID]; ok {
		t.mu.Unlock()
		t.log.Error().
			Str("execution", payload.ExecutionID).
			Str("held_step", existing.StepID).
			Str("incoming_step", payload.StepID).
			Msg("duplicate confirmation request, keeping original")
		if t.mx != nil {
			t.mx.RecordProtocolViolation()
		}
		return
	}
	t.pending[payload.ExecutionID] = req
	if payload.Timeout > 0 {
		d := time.Duration(payload.Timeout) * time.Second
		t.timeouts[payload.ExecutionID] = time.AfterFunc(d, func() {
			t.expireConfirmation(payload.ExecutionID)
		})
	}
	t.mu.Unlock()

	t.clmu.RLock()
	listeners := make([]ConfirmListener, len(t.confirmListeners))
	copy(listeners, t.confirmListeners)
	t.clmu.RUnlock()
	for _, l := range listeners {
		l(*req)
	}
}

// expireConfirmation resolves a timed-out request with its default
// (last) option.
func (t *Tracker) expireConfirmation(executionID string) {
	t.mu.Lock()
	req, ok := t.pending[executionID]
	t.mu.Unlock()
	if !ok {
		return
	}

	action := ""
	if len(req.Options) > 0 {
		action = req.Options[len(req.Options)-1]
	}
	t.log.Warn().Str("execution", executionID).Str("action", action).Msg("confirmation timed out, applying default")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := t.Decide(ctx, executionID, action); err != nil {
		t.log.Error().Err(err).Str("execution", executionID).Msg("default decision failed, retrying")
		// The request is still pending after a failed decide; re-arm
		// the timer so the default keeps being attempted until the
		// backend accepts it or the operator resolves it manually.
		t.mu.Lock()
		if _, still := t.pending[executionID]; still {
			t.timeouts[executionID] = time.AfterFunc(10*time.Second, func() {
				t.expireConfirmation(executionID)
			})
		}
		t.mu.Unlock()
	}
}

// dropConfirmation discards any pending request without resolving it.
func (t *Tracker) dropConfirmation(executionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending, executionID)
	if timer, ok := t.timeouts[executionID]; ok {
		timer.Stop()
		delete(t.timeouts, executionID)
	}
}

func (t *Tracker) startPoll(executionID string) {
	t.mu.Lock()
	if _, running := t.polls[executionID]; running {
		t.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	t.polls[executionID] = stop
	t.mu.Unlock()

	go t.pollLoop(executionID, stop)
}

func (t *Tracker) stopPoll(executionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if stop, ok := t.polls[executionID]; ok {
		close(stop)
		delete(t.polls, executionID)
	}
}

func (t *Tracker) pollLoop(executionID string, stop chan struct{}) {
	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), t.cfg.PollInterval)
			remote, err := t.api.GetExecution(ctx, executionID)
			cancel()
			if err != nil {
				t.log.Debug().Err(err).Str("execution", executionID).Msg("poll failed")
				continue
			}
			t.apply(fromAPI(remote), SourcePoll)
			if exec, ok := t.Get(executionID); ok && exec.Status.Terminal() {
				return
			}
		}
	}
}

func (t *Tracker) onChannelEvent(ev conn.Event) {
	if ev.Kind != conn.EventMessage || ev.Message == nil {
		return
	}

	switch ev.Message.Type {
	case protocol.TypeWorkflowStatus:
		var payload protocol.WorkflowStatusPayload
		if err := ev.Message.ParsePayload(&payload); err != nil {
			t.log.Error().Err(err).Msg("failed to parse workflow status push")
			return
		}
		status, ok := ParseStatus(payload.Status)
		if !ok {
			t.log.Warn().Str("status", payload.Status).Str("execution", payload.ExecutionID).Msg("unknown status in push")
			return
		}
		t.apply(Execution{
			ID:          payload.ExecutionID,
			Status:      status,
			CurrentStep: payload.CurrentStep,
		}, SourcePush)

	case protocol.TypeWorkflowLog:
		var payload protocol.WorkflowLogPayload
		if err := ev.Message.ParsePayload(&payload); err != nil {
			t.log.Error().Err(err).Msg("failed to parse workflow log push")
			return
		}
		t.appendEvent(payload.ExecutionID, StepEvent{
			Timestamp: payload.Timestamp,
			StepID:    payload.StepID,
			Level:     payload.Level,
			Message:   payload.Message,
			Data:      payload.Data,
		})

	case protocol.TypeWorkflowConfirm:
		var payload protocol.WorkflowConfirmPayload
		if err := ev.Message.ParsePayload(&payload); err != nil {
			t.log.Error().Err(err).Msg("failed to parse confirmation push")
			return
		}
		t.ApplyConfirmPush(payload)
	}
}

func copyExecution(exec *Execution) Execution {
	out := *exec
	if exec.Variables != nil {
		out.Variables = make(map[string]any, len(exec.Variables))
		for k, v := range exec.Variables {
			out.Variables[k] = v
		}
	}
	out.Events = append([]StepEvent(nil), exec.Events...)
	return out
}

// fromAPI converts the backend representation.
func fromAPI(remote *api.Execution) Execution {
	status, ok := ParseStatus(remote.Status)
	if !ok {
		status = StatusRunning
	}
	exec := Execution{
		ID:           remote.ID,
		WorkflowID:   remote.WorkflowID,
		Status:       status,
		CurrentStep:  remote.CurrentStep,
		Variables:    remote.Variables,
		ErrorMessage: remote.ErrorMessage,
		FailedStep:   remote.FailedStep,
		StartedAt:    remote.StartedAt,
		CompletedAt:  remote.CompletedAt,
	}
	for _, l := range remote.Logs {
		exec.Events = append(exec.Events, StepEvent{
			Timestamp: l.Timestamp,
			StepID:    l.StepID,
			Level:     l.Level,
			Message:   l.Message,
			Data:      l.Data,
		})
	}
	return exec
}
