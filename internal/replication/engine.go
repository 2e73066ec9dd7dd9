// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package replication

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/jeranaias/threadline/internal/crdt"
	"github.com/jeranaias/threadline/internal/logging"
	"github.com/jeranaias/threadline/internal/telemetry"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// DefaultInterval is the time between sync cycles.
	DefaultInterval = 5 * time.Second

	// DefaultHandshakeInterval is the minimum time between full handshakes.
	DefaultHandshakeInterval = 60 * time.Second

	// DefaultMaxRounds bounds the round trips of one handshake.
	DefaultMaxRounds = 4

	// DefaultPushInterval is the minimum spacing of incremental pushes;
	// changes made in between are merged into the next push.
	DefaultPushInterval = time.Second
)

// State is the step a sync cycle performed.
type State string

const (
	StateIdle         State = "idle"
	StateRateLimited  State = "rate_limited"
	StatePush         State = "push"
	StateHandshake    State = "handshake"
	StateLegacyImport State = "legacy_import"
)

// =============================================================================
// ENGINE
// =============================================================================

// EngineOptions configures an Engine. Zero values use the defaults.
type EngineOptions struct {
	Interval          time.Duration
	HandshakeInterval time.Duration
	MaxRounds         int
	PushInterval      time.Duration

	// Legacy sources are imported once per engine.
	Legacy []LegacySource

	Logger  *slog.Logger
	Metrics *telemetry.Metrics

	// Now replaces time.Now in tests.
	Now func() time.Time
}

// CycleResult describes what one cycle did.
type CycleResult struct {
	State       State
	PushedBytes int
	Applied     int
	Rounds      int
	Imported    int
	Err         error
}

// Status is a point-in-time view of the engine.
type Status struct {
	RateLimitedUntil time.Time
	LastHandshake    time.Time
	PendingUpdates   int
	LegacyImported   bool
	LastState        State
	LastError        string
}

// Engine drives the sync cycle for one store.
type Engine struct {
	doc       *crdt.Doc
	transport Transport
	opts      EngineOptions
	log       *slog.Logger
	metrics   *telemetry.Metrics
	limiter   *rate.Limiter
	trigger   chan struct{}
	unobserve func()

	// cycleMu serializes cycles; mu guards the fields below it.
	cycleMu sync.Mutex

	mu            sync.Mutex
	pending       [][]byte
	limitedUntil  time.Time
	lastHandshake time.Time
	legacyDone    []bool
	lastState     State
	lastErr       error
}

// NewEngine creates an engine for doc. A nil transport runs the engine
// offline: only legacy sources are imported.
func NewEngine(doc *crdt.Doc, transport Transport, opts EngineOptions) *Engine {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.HandshakeInterval <= 0 {
		opts.HandshakeInterval = DefaultHandshakeInterval
	}
	if opts.MaxRounds <= 0 {
		opts.MaxRounds = DefaultMaxRounds
	}
	if opts.PushInterval <= 0 {
		opts.PushInterval = DefaultPushInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	e := &Engine{
		doc:        doc,
		transport:  transport,
		opts:       opts,
		log:        logging.OrDiscard(opts.Logger),
		metrics:    opts.Metrics,
		limiter:    rate.NewLimiter(rate.Every(opts.PushInterval), 1),
		trigger:    make(chan struct{}, 1),
		legacyDone: make([]bool, len(opts.Legacy)),
		lastState:  StateIdle,
	}
	if transport != nil {
		e.unobserve = doc.Observe(e.onEvent)
	}
	return e
}

// onEvent queues local changes for the next push. Remote, broadcast and
// persistence changes are already known elsewhere.
func (e *Engine) onEvent(ev crdt.Event) {
	if ev.Origin != crdt.OriginLocal && ev.Origin != crdt.OriginImport {
		return
	}
	if len(ev.Update) <= crdt.EmptyUpdateThreshold {
		return
	}
	e.mu.Lock()
	e.pending = append(e.pending, ev.Update)
	e.mu.Unlock()
}

// Close stops collecting changes. Pending changes not flushed are dropped
// from memory but remain in local storage and go out with the next
// handshake.
func (e *Engine) Close() {
	if e.unobserve != nil {
		e.unobserve()
	}
}

// Authenticated forces a full handshake on the next cycle and wakes Run.
func (e *Engine) Authenticated() {
	e.mu.Lock()
	e.lastHandshake = time.Time{}
	e.limitedUntil = time.Time{}
	e.mu.Unlock()
	e.Trigger()
}

// Trigger wakes Run for an immediate cycle.
func (e *Engine) Trigger() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// Status returns a snapshot of the engine state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	imported := true
	for _, done := range e.legacyDone {
		imported = imported && done
	}
	st := Status{
		RateLimitedUntil: e.limitedUntil,
		LastHandshake:    e.lastHandshake,
		PendingUpdates:   len(e.pending),
		LegacyImported:   imported,
		LastState:        e.lastState,
	}
	if e.lastErr != nil {
		st.LastError = e.lastErr.Error()
	}
	return st
}

// Run cycles until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.opts.Interval)
	defer ticker.Stop()

	for {
		e.Cycle(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-e.trigger:
		}
	}
}

// Cycle runs one step of the sync state machine.
func (e *Engine) Cycle(ctx context.Context) CycleResult {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	res := e.cycle(ctx)

	e.mu.Lock()
	e.lastState = res.State
	e.lastErr = res.Err
	e.mu.Unlock()
	return res
}

func (e *Engine) cycle(ctx context.Context) CycleResult {
	now := e.opts.Now()

	e.mu.Lock()
	limited := now.Before(e.limitedUntil)
	handshakeDue := e.lastHandshake.IsZero() || now.Sub(e.lastHandshake) >= e.opts.HandshakeInterval
	e.mu.Unlock()

	if limited {
		return CycleResult{State: StateRateLimited}
	}

	if e.transport != nil {
		if res, ok := e.push(ctx, false); ok {
			return res
		}
		if handshakeDue {
			return e.handshake(ctx)
		}
	}

	if res, ok := e.importLegacy(ctx); ok {
		return res
	}
	return CycleResult{State: StateIdle}
}

// Flush pushes pending changes immediately, ignoring push spacing.
func (e *Engine) Flush(ctx context.Context) error {
	if e.transport == nil {
		return nil
	}
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	if e.opts.Now().Before(e.rateLimitedUntil()) {
		return ErrRateLimited
	}
	res, _ := e.push(ctx, true)
	return res.Err
}

func (e *Engine) rateLimitedUntil() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.limitedUntil
}

// =============================================================================
// INCREMENTAL PUSH
// =============================================================================

// push sends pending changes as one update. ok is false when there was
// nothing to send or the push was deferred.
func (e *Engine) push(ctx context.Context, force bool) (CycleResult, bool) {
	e.mu.Lock()
	if len(e.pending) == 0 {
		e.mu.Unlock()
		return CycleResult{}, false
	}
	if !force && !e.limiter.Allow() {
		e.mu.Unlock()
		return CycleResult{}, false
	}
	taken := e.pending
	e.pending = nil
	e.mu.Unlock()

	merged, err := crdt.MergeUpdates(taken...)
	if err != nil {
		// Only local updates are queued, so this means a bug upstream.
		e.log.Error("dropping unmergeable pending updates", "count", len(taken), "error", err)
		return CycleResult{State: StatePush, Err: err}, true
	}
	if len(merged) <= crdt.EmptyUpdateThreshold {
		return CycleResult{}, false
	}

	replies, err := e.transport.Send(ctx, Update(merged))
	if err != nil {
		e.mu.Lock()
		e.pending = append([][]byte{merged}, e.pending...)
		e.mu.Unlock()
		e.metrics.SyncPush(false, len(merged))
		e.noteError("push", err)
		return CycleResult{State: StatePush, Err: err}, true
	}
	e.metrics.SyncPush(true, len(merged))

	applied, _ := e.applyReplies(replies)
	e.log.Debug("pushed update", "bytes", len(merged), "applied", applied)
	return CycleResult{State: StatePush, PushedBytes: len(merged), Applied: applied}, true
}

// =============================================================================
// FULL HANDSHAKE
// =============================================================================

func (e *Engine) handshake(ctx context.Context) CycleResult {
	res := CycleResult{State: StateHandshake}
	outbox := []Message{Step1(e.doc.StateVector())}

	for len(outbox) > 0 {
		if res.Rounds >= e.opts.MaxRounds {
			e.log.Warn("handshake stopped at round limit", "rounds", res.Rounds, "unsent", len(outbox))
			break
		}
		msg := outbox[0]
		outbox = outbox[1:]

		res.Rounds++
		replies, err := e.transport.Send(ctx, msg)
		if err != nil {
			e.metrics.SyncHandshake(false, res.Rounds)
			e.noteError("handshake", err)
			res.Err = err
			return res
		}

		applied, out := e.applyReplies(replies)
		res.Applied += applied
		outbox = append(outbox, out...)
	}

	e.mu.Lock()
	e.lastHandshake = e.opts.Now()
	e.mu.Unlock()

	e.metrics.SyncHandshake(true, res.Rounds)
	e.log.Debug("handshake complete", "rounds", res.Rounds, "applied", res.Applied)
	return res
}

// applyReplies applies server messages and collects the answers they call
// for. Malformed messages are dropped.
func (e *Engine) applyReplies(replies []Message) (applied int, out []Message) {
	for _, r := range replies {
		answers, n, err := Respond(e.doc, r, crdt.OriginRemote, false)
		if err != nil {
			e.metrics.StoreDropped()
			e.log.Warn("dropping malformed sync message", "type", r.Type, "error", err)
			continue
		}
		applied += n
		e.metrics.StoreApplied(string(crdt.OriginRemote), n)
		for _, a := range answers {
			if a.Type == TypeStep2 && len(a.Payload) <= crdt.EmptyUpdateThreshold {
				continue
			}
			out = append(out, a)
		}
	}
	return applied, out
}

// noteError records a failed exchange. Rate limits start a backoff; other
// failures are retried on the next cycle.
func (e *Engine) noteError(step string, err error) {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		backoff := ClampBackoff(rl.RetryAfter)
		e.mu.Lock()
		e.limitedUntil = e.opts.Now().Add(backoff)
		e.mu.Unlock()
		e.metrics.SyncRateLimited(backoff)
		e.log.Info("sync rate limited", "step", step, "backoff", backoff)
		return
	}
	e.log.Warn("sync exchange failed", "step", step, "error", err)
}

// =============================================================================
// LEGACY IMPORT
// =============================================================================

// importLegacy imports from every source that has not succeeded yet. ok is
// false once all sources are done.
func (e *Engine) importLegacy(ctx context.Context) (CycleResult, bool) {
	e.mu.Lock()
	var todo []int
	for i, done := range e.legacyDone {
		if !done {
			todo = append(todo, i)
		}
	}
	e.mu.Unlock()
	if len(todo) == 0 {
		return CycleResult{}, false
	}

	res := CycleResult{State: StateLegacyImport}
	for _, i := range todo {
		chats, err := e.opts.Legacy[i].LegacyChats(ctx)
		if err != nil {
			e.noteError("legacy import", err)
			res.Err = err
			continue
		}
		stats, err := e.doc.ImportLegacy(chats)
		if err != nil {
			e.log.Error("legacy import failed", "error", err)
			res.Err = err
			continue
		}
		res.Imported += stats.Messages
		e.metrics.StoreApplied(string(crdt.OriginImport), stats.Messages)

		e.mu.Lock()
		e.legacyDone[i] = true
		e.mu.Unlock()
	}
	if res.Imported > 0 {
		e.log.Info("imported legacy chats", "messages", res.Imported)
	}
	return res, true
}
