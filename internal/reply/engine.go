// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package reply

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jeranaias/threadline/internal/crdt"
	"github.com/jeranaias/threadline/internal/logging"
	"github.com/jeranaias/threadline/internal/model"
	"github.com/jeranaias/threadline/internal/telemetry"
	"github.com/jeranaias/threadline/internal/tree"
)

// =============================================================================
// CONSTANTS & ERRORS
// =============================================================================

const (
	// DefaultWatchdog is how long a stream may go without a chunk.
	DefaultWatchdog = 30 * time.Second

	titleTimeout = 30 * time.Second
)

var (
	// ErrUnknownMessage is returned when the reply id has no envelope.
	ErrUnknownMessage = errors.New("unknown message")

	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("reply already started")

	// ErrStalled is the cause recorded when the watchdog fires.
	ErrStalled = errors.New("stream stalled")
)

// State is the lifecycle position of a reply.
type State int

const (
	StatePending State = iota
	StateStreaming
	StateDone
	StateError
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateStreaming:
		return "streaming"
	case StateDone:
		return "done"
	case StateError:
		return "error"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether s is a final state.
func (s State) Terminal() bool {
	return s >= StateDone
}

// =============================================================================
// ENGINE
// =============================================================================

// Request identifies the reply to produce. ReplyID must name an existing
// assistant envelope that is not done yet.
type Request struct {
	ChatID  string
	ReplyID string
	Params  model.Params
}

// Options configures an Engine.
type Options struct {
	Provider Provider
	Pipeline *Pipeline
	Titles   TitleGenerator

	// Watchdog is the stall threshold; zero uses DefaultWatchdog.
	Watchdog time.Duration

	// Locale selects the failure notice language.
	Locale string

	Logger  *slog.Logger
	Metrics *telemetry.Metrics
}

// Engine streams one reply into the store. All methods are safe for
// concurrent use.
type Engine struct {
	doc  *crdt.Doc
	req  Request
	opts Options
	log  *slog.Logger

	cancelReq  chan struct{}
	cancelOnce sync.Once
	done       chan struct{}

	// writeMu is held across the cancel check and the store write of a
	// chunk, so no chunk lands once Cancel has returned.
	writeMu sync.Mutex

	mu        sync.Mutex
	state     State
	started   bool
	finished  bool
	cause     error
	raw       string
	written   string
	history   []model.ChatMessage
	usage     *model.Usage
	stream    Stream
	stop      context.CancelFunc
	startedAt time.Time
	onFinish  []func(State)
}

// New creates an engine in the Pending state.
func New(doc *crdt.Doc, req Request, opts Options) *Engine {
	if opts.Watchdog <= 0 {
		opts.Watchdog = DefaultWatchdog
	}
	return &Engine{
		doc:       doc,
		req:       req,
		opts:      opts,
		log:       logging.OrDiscard(opts.Logger).With("chat", req.ChatID, "reply", req.ReplyID),
		cancelReq: make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// ReplyID returns the id of the message being written.
func (e *Engine) ReplyID() string { return e.req.ReplyID }

// State returns the current state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Err returns the failure cause once the engine ended in StateError.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cause
}

// Usage returns the token counts reported by the provider, or an estimate
// from the history and the reply text when it reported none.
func (e *Engine) Usage() model.Usage {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.usage != nil {
		return *e.usage
	}
	var u model.Usage
	for _, m := range e.history {
		u.PromptTokens += m.EstimateTokens()
	}
	if e.raw != "" {
		u.CompletionTokens = model.ChatMessage{Content: e.raw}.EstimateTokens()
	}
	return u
}

// Done is closed when the reply reaches a terminal state.
func (e *Engine) Done() <-chan struct{} { return e.done }

// OnFinish registers fn to run once with the terminal state. If the engine
// already finished, fn runs immediately.
func (e *Engine) OnFinish(fn func(State)) {
	e.mu.Lock()
	if e.finished {
		st := e.state
		e.mu.Unlock()
		fn(st)
		return
	}
	e.onFinish = append(e.onFinish, fn)
	e.mu.Unlock()
}

// Wait blocks until the reply finishes or ctx ends.
func (e *Engine) Wait(ctx context.Context) (State, error) {
	select {
	case <-e.done:
		return e.State(), nil
	case <-ctx.Done():
		return e.State(), ctx.Err()
	}
}

// Start reads the conversation up to the reply's parent and begins
// streaming in the background. It returns an error only when the request
// itself is invalid.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return ErrAlreadyStarted
	}
	if e.finished {
		// Cancelled before it started.
		return nil
	}
	if e.opts.Provider == nil {
		return errors.New("reply: no provider configured")
	}
	if e.doc.IsDeleted(e.req.ChatID) {
		return &crdt.ChatDeletedError{ChatID: e.req.ChatID}
	}

	chat := e.doc.Chat(e.req.ChatID)
	env, ok := chat.Envelopes().Get(e.req.ReplyID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMessage, e.req.ReplyID)
	}

	t := tree.FromChat(chat)
	if env.HasParent() {
		e.history = t.ToChatMessages(t.ChainTo(env.ParentID))
	}
	e.written, _ = chat.Content().Get(e.req.ReplyID)

	runCtx, stop := context.WithCancel(ctx)
	e.stop = stop
	e.started = true
	e.startedAt = time.Now()

	go e.run(runCtx, e.history)
	return nil
}

// Cancel stops the reply, keeping whatever content was written, and marks
// it done. Once it returns the content no longer changes. It is safe to
// call at any time and more than once.
func (e *Engine) Cancel() {
	e.cancelOnce.Do(func() { close(e.cancelReq) })

	// Wait out a chunk write that passed its cancel check already.
	e.writeMu.Lock()
	e.writeMu.Unlock()

	e.mu.Lock()
	started, stop := e.started, e.stop
	e.mu.Unlock()

	if !started {
		e.finish(StateCancelled, nil)
		return
	}
	if stop != nil {
		// Unblocks a provider that is still connecting.
		stop()
	}
}

func (e *Engine) cancelRequested() bool {
	select {
	case <-e.cancelReq:
		return true
	default:
		return false
	}
}

// =============================================================================
// STREAMING LOOP
// =============================================================================

// run owns every store write of the reply until finish.
func (e *Engine) run(ctx context.Context, history []model.ChatMessage) {
	msgs, params := e.opts.Pipeline.Preprocess(ctx, e.req.ChatID, history, e.req.Params)
	if e.cancelRequested() {
		e.finish(StateCancelled, nil)
		return
	}

	// The watchdog also covers opening the stream, which may retry.
	watchdog := time.NewTimer(e.opts.Watchdog)
	defer watchdog.Stop()

	o, ok := e.open(ctx, msgs, params, watchdog.C)
	if !ok {
		return
	}
	if o.err != nil {
		e.failOrCancel(o.err)
		return
	}
	stream := o.stream

	e.mu.Lock()
	e.stream = stream
	e.state = StateStreaming
	e.mu.Unlock()

	chunks := stream.Chunks()
	for {
		if e.cancelRequested() {
			e.finish(StateCancelled, nil)
			return
		}

		select {
		case <-e.cancelReq:
			e.finish(StateCancelled, nil)
			return

		case <-watchdog.C:
			e.finish(StateError, ErrStalled)
			return

		case c, ok := <-chunks:
			if !ok {
				e.finish(StateDone, nil)
				return
			}
			if c.Err != nil {
				e.failOrCancel(c.Err)
				return
			}
			watchdog.Reset(e.opts.Watchdog)
			if c.Usage != nil {
				e.mu.Lock()
				e.usage = c.Usage
				e.mu.Unlock()
			}
			if err := e.writeChunk(ctx, c.Text); err != nil {
				if errors.Is(err, crdt.ErrChatDeleted) {
					e.finish(StateCancelled, nil)
					return
				}
				e.log.Warn("failed to write reply chunk", "error", err)
			}
		}
	}
}

type opened struct {
	stream Stream
	err    error
}

// open calls the provider while watching for cancellation and the
// watchdog. ok is false when the engine finished before the provider
// answered; a stream that arrives later is cancelled.
func (e *Engine) open(ctx context.Context, msgs []model.ChatMessage, params model.Params, stall <-chan time.Time) (opened, bool) {
	result := make(chan opened, 1)
	go func() {
		s, err := e.opts.Provider.StreamCompletion(ctx, msgs, params)
		result <- opened{s, err}
	}()

	abandon := func() {
		go func() {
			if o := <-result; o.stream != nil {
				o.stream.Cancel()
			}
		}()
	}

	select {
	case o := <-result:
		return o, true
	case <-e.cancelReq:
		e.finish(StateCancelled, nil)
		abandon()
		return opened{}, false
	case <-stall:
		e.finish(StateError, ErrStalled)
		abandon()
		return opened{}, false
	}
}

// failOrCancel treats an error caused by our own cancellation as a cancel.
func (e *Engine) failOrCancel(err error) {
	if e.cancelRequested() || errors.Is(err, context.Canceled) {
		e.finish(StateCancelled, nil)
		return
	}
	e.finish(StateError, err)
}

// writeChunk stores one chunk unless the reply was cancelled while the
// chunk was being postprocessed.
func (e *Engine) writeChunk(ctx context.Context, text string) error {
	content := e.opts.Pipeline.Postprocess(ctx, e.req.ChatID, text, false)

	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	if e.cancelRequested() {
		return nil
	}

	e.mu.Lock()
	e.raw = text
	unchanged := content == e.written
	e.mu.Unlock()
	if unchanged {
		return nil
	}

	if err := e.doc.Chat(e.req.ChatID).Content().Set(e.req.ReplyID, content); err != nil {
		return err
	}

	e.mu.Lock()
	e.written = content
	e.mu.Unlock()
	return nil
}

// =============================================================================
// FINISH
// =============================================================================

// finish moves the engine to a terminal state. Only the first call has any
// effect.
func (e *Engine) finish(outcome State, cause error) {
	e.mu.Lock()
	if e.finished {
		e.mu.Unlock()
		return
	}
	e.finished = true
	e.state = outcome
	e.cause = cause
	stream, stop := e.stream, e.stop
	raw, written := e.raw, e.written
	startedAt := e.startedAt
	e.mu.Unlock()

	final := written
	switch outcome {
	case StateDone:
		if raw != "" {
			final = e.opts.Pipeline.Postprocess(context.Background(), e.req.ChatID, raw, true)
		}
	case StateError:
		e.log.Warn("reply failed", "error", cause)
		final = appendApology(written, Notice(e.opts.Locale, cause))
	}

	if err := e.commit(final, final != written); err != nil && !errors.Is(err, crdt.ErrChatDeleted) {
		e.log.Error("failed to finalize reply", "error", err)
	}

	if outcome != StateDone && stream != nil {
		stream.Cancel()
	}
	if stop != nil {
		stop()
	}

	if !startedAt.IsZero() {
		e.opts.Metrics.ReplyFinished(outcome.String(), time.Since(startedAt))
	}
	e.log.Debug("reply finished", "state", outcome, "chars", len(final))

	e.mu.Lock()
	e.written = final
	callbacks := e.onFinish
	e.onFinish = nil
	e.mu.Unlock()

	close(e.done)
	for _, fn := range callbacks {
		fn(outcome)
	}

	if outcome == StateDone {
		e.generateTitle(final)
	}
}

// commit writes the final content, when it changed, and the done flag in
// one transaction.
func (e *Engine) commit(content string, writeContent bool) error {
	return e.doc.Transact(crdt.OriginLocal, func(tx *crdt.Txn) error {
		chat := tx.Chat(e.req.ChatID)
		if !chat.Envelopes().Has(e.req.ReplyID) {
			return nil
		}
		if writeContent {
			if err := chat.Content().Set(e.req.ReplyID, content); err != nil {
				return err
			}
		}
		return chat.Done().Set(e.req.ReplyID, true)
	})
}

// generateTitle asks for a title in the background when the conversation
// has none. Failures are logged and otherwise ignored.
func (e *Engine) generateTitle(final string) {
	if e.opts.Titles == nil || e.doc.IsDeleted(e.req.ChatID) {
		return
	}
	chat := e.doc.Chat(e.req.ChatID)
	if model.ResolveMetadata(chat.Meta().All())[model.MetaTitle] != "" {
		return
	}

	e.mu.Lock()
	msgs := append(append([]model.ChatMessage(nil), e.history...),
		model.ChatMessage{Role: model.RoleAssistant, Content: final})
	e.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), titleTimeout)
		defer cancel()

		title, err := e.opts.Titles.GenerateTitle(ctx, msgs)
		if err != nil {
			e.log.Warn("title generation failed", "error", err)
			return
		}
		title = strings.TrimSpace(title)
		if title == "" {
			return
		}
		if err := chat.Meta().Set(model.MetaTitle, title); err != nil && !errors.Is(err, crdt.ErrChatDeleted) {
			e.log.Warn("failed to store title", "error", err)
		}
	}()
}
