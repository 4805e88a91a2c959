package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/opsbridge/opsbridge/internal/api"
	"github.com/opsbridge/opsbridge/internal/metrics"
)

// heartbeat periodically proves the session is still accepted by the
// backend. An explicit rejection expires the session; a transport
// failure only skips the tick, since recovery is the connection
// manager's job, not ours.
type heartbeat struct {
	interval time.Duration
	log      zerolog.Logger
	mx       *metrics.Collector

	probe    func(ctx context.Context) error
	onReject func()
	onBeat   func(at time.Time)

	mu   sync.Mutex
	stop chan struct{}
}

func newHeartbeat(interval time.Duration, log zerolog.Logger, mx *metrics.Collector,
	probe func(ctx context.Context) error, onReject func(), onBeat func(time.Time)) *heartbeat {
	return &heartbeat{
		interval: interval,
		log:      log.With().Str("component", "heartbeat").Logger(),
		mx:       mx,
		probe:    probe,
		onReject: onReject,
		onBeat:   onBeat,
	}
}

// Start begins the probe timer. Starting a running monitor is a no-op;
// at most one timer is ever active.
func (h *heartbeat) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stop != nil {
		return
	}
	h.stop = make(chan struct{})
	go h.loop(h.stop)
	h.log.Debug().Dur("interval", h.interval).Msg("heartbeat started")
}

// Stop cancels the probe timer. Stopping is idempotent.
func (h *heartbeat) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stop == nil {
		return
	}
	close(h.stop)
	h.stop = nil
	h.log.Debug().Msg("heartbeat stopped")
}

func (h *heartbeat) loop(stop chan struct{}) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if h.tick(stop) {
				return
			}
		}
	}
}

// tick sends one probe. It returns true when the loop must end because
// the backend rejected the session.
func (h *heartbeat) tick(stop chan struct{}) bool {
	ctx, cancel := context.WithTimeout(context.Background(), h.interval)
	defer cancel()

	err := h.probe(ctx)
	switch {
	case err == nil:
		if h.mx != nil {
			h.mx.RecordHeartbeatSent()
		}
		h.onBeat(time.Now())
		return false

	case errors.Is(err, api.ErrSessionInvalid):
		h.log.Warn().Msg("heartbeat rejected, session invalid")
		if h.mx != nil {
			h.mx.RecordHeartbeatRejected()
		}
		// Stop scheduling before signalling so a concurrent Start sees a
		// clean monitor.
		h.mu.Lock()
		if h.stop == stop {
			h.stop = nil
		}
		h.mu.Unlock()
		h.onReject()
		return true

	default:
		// Transport or business failure: skip this tick and let the
		// connection layer recover.
		h.log.Debug().Err(err).Msg("heartbeat skipped")
		if h.mx != nil {
			h.mx.RecordHeartbeatSkipped()
		}
		return false
	}
}
