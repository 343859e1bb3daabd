package broadcast

import (
	"context"
	"fmt"
	"sync"
	"time"

	"pdm-go/internal/metrics"
	"pdm-go/internal/model"
	"pdm-go/internal/pdm"
)

const (
	DefaultHeartbeatInterval = 10 * time.Second
	DefaultMissedHeartbeats  = 3

	relayQueueSize = 256
)

// Broadcaster fans events out to every live session on this instance and,
// when a relay is configured, to the sessions of other instances. Delivery
// is best-effort: there is no replay, clients refetch a snapshot on
// reconnect.
type Broadcaster struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	clock    pdm.Clock
	logger   pdm.Logger
	interval time.Duration
	missed   int

	relay   Relay
	origin  string
	relayed chan pdm.Event
}

var _ pdm.Notifier = (*Broadcaster)(nil)

func NewBroadcaster(clock pdm.Clock, logger pdm.Logger, interval time.Duration, missed int) *Broadcaster {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	if missed <= 0 {
		missed = DefaultMissedHeartbeats
	}
	return &Broadcaster{
		sessions: make(map[string]*Session),
		clock:    clock,
		logger:   logger,
		interval: interval,
		missed:   missed,
	}
}

// WithRelay forwards local events to other instances through r and fans
// out events received from them. origin identifies this instance so its
// own events are not delivered twice.
func (b *Broadcaster) WithRelay(r Relay, origin string) *Broadcaster {
	b.relay = r
	b.origin = origin
	b.relayed = make(chan pdm.Event, relayQueueSize)
	return b
}

// Register moves s to CONNECTED and announces the actor to everyone else.
func (b *Broadcaster) Register(ctx context.Context, s *Session) error {
	now := b.clock.Now()
	if !s.connect(now) {
		return fmt.Errorf("session %s is not connecting", s.ID())
	}
	b.mu.Lock()
	b.sessions[s.ID()] = s
	b.mu.Unlock()
	metrics.Sessions.Inc()

	b.logger.Debug("session registered", "session", s.ID(), "actor", s.info.Actor)
	b.Broadcast(ctx, pdm.Event{Type: pdm.EventActorJoined, Actor: s.info.Actor, Timestamp: now}, s.ID())
	return nil
}

// Unregister disconnects the session. It reports whether id was live.
func (b *Broadcaster) Unregister(id string) bool {
	b.mu.Lock()
	s, ok := b.sessions[id]
	delete(b.sessions, id)
	b.mu.Unlock()
	if !ok {
		return false
	}
	if s.disconnect() {
		metrics.Sessions.Dec()
	}
	return true
}

// Heartbeat records a heartbeat from a live session.
func (b *Broadcaster) Heartbeat(id string) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.sessions[id]
	if !ok {
		return fmt.Errorf("session %s: %w", id, pdm.ErrNotFound)
	}
	s.beat(b.clock.Now())
	return nil
}

// Broadcast queues ev on every live session except exclude and returns the
// number of sessions it reached. Sessions whose queue is full or closed
// are unregistered once the fan-out is done.
func (b *Broadcaster) Broadcast(ctx context.Context, ev pdm.Event, exclude string) int {
	b.mu.RLock()
	targets := make([]*Session, 0, len(b.sessions))
	for id, s := range b.sessions {
		if id != exclude {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	metrics.BroadcastEvents.WithLabelValues(string(ev.Type)).Inc()
	var failed []string
	delivered := 0
	for _, s := range targets {
		if err := s.Send(ev); err != nil {
			failed = append(failed, s.ID())
			continue
		}
		delivered++
	}
	for _, id := range failed {
		if b.Unregister(id) {
			metrics.BroadcastDrops.Inc()
			b.logger.Warn("dropped session after failed send", "session", id, "event", string(ev.Type))
		}
	}
	return delivered
}

// Publish implements pdm.Notifier. It never blocks on the relay.
func (b *Broadcaster) Publish(ctx context.Context, ev pdm.Event) {
	b.Broadcast(ctx, ev, "")
	if b.relay == nil {
		return
	}
	select {
	case b.relayed <- ev:
	default:
		metrics.RelayFailures.Inc()
		b.logger.Warn("relay queue full, event not forwarded", "event", string(ev.Type), "resource", ev.ResourceID)
	}
}

// Sweep prunes sessions that missed too many heartbeats and announces
// their actors as gone. It returns the pruned session IDs.
func (b *Broadcaster) Sweep(ctx context.Context) []string {
	cutoff := b.clock.Now().Add(-time.Duration(b.missed) * b.interval)
	return b.prune(ctx, b.staleSessions(cutoff), cutoff)
}

func (b *Broadcaster) staleSessions(cutoff time.Time) []*Session {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var stale []*Session
	for _, s := range b.sessions {
		if s.lastBeat().Before(cutoff) {
			stale = append(stale, s)
		}
	}
	return stale
}

// prune unregisters the candidates that are still silent at cutoff. A
// session that heartbeat after it was collected stays registered.
func (b *Broadcaster) prune(ctx context.Context, candidates []*Session, cutoff time.Time) []string {
	var gone []*Session
	b.mu.Lock()
	for _, s := range candidates {
		if cur, ok := b.sessions[s.ID()]; !ok || cur != s || !s.lastBeat().Before(cutoff) {
			continue
		}
		delete(b.sessions, s.ID())
		gone = append(gone, s)
	}
	b.mu.Unlock()

	var pruned []string
	for _, s := range gone {
		if s.disconnect() {
			metrics.Sessions.Dec()
		}
		pruned = append(pruned, s.ID())
		metrics.SessionsPruned.Inc()
		b.logger.Info("pruned session after missed heartbeats", "session", s.ID(), "actor", s.info.Actor)
		b.Broadcast(ctx, pdm.Event{Type: pdm.EventActorLeft, Actor: s.info.Actor, Timestamp: b.clock.Now()}, "")
	}
	return pruned
}

// Sessions returns a snapshot of every live session.
func (b *Broadcaster) Sessions() []model.SessionInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]model.SessionInfo, 0, len(b.sessions))
	for _, s := range b.sessions {
		out = append(out, s.Info())
	}
	return out
}

// Run sweeps every heartbeat interval and, with a relay, pumps events in
// both directions until ctx is done. Sessions left at shutdown are closed.
func (b *Broadcaster) Run(ctx context.Context) error {
	defer b.closeAll()

	if b.relay != nil {
		err := b.relay.Subscribe(ctx, func(env Envelope) {
			if env.Origin == b.origin {
				return
			}
			b.Broadcast(ctx, env.Event, "")
		})
		if err != nil {
			return fmt.Errorf("subscribing to relay: %w", err)
		}
		go b.forward(ctx)
	}

	t := time.NewTicker(b.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			b.Sweep(ctx)
		}
	}
}

func (b *Broadcaster) forward(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-b.relayed:
			if err := b.relay.Publish(ctx, Envelope{Origin: b.origin, Event: ev}); err != nil {
				metrics.RelayFailures.Inc()
				b.logger.Warn("relay publish failed", "event", string(ev.Type), "error", err)
			}
		}
	}
}

func (b *Broadcaster) closeAll() {
	b.mu.RLock()
	ids := make([]string, 0, len(b.sessions))
	for id := range b.sessions {
		ids = append(ids, id)
	}
	b.mu.RUnlock()
	for _, id := range ids {
		b.Unregister(id)
	}
}
