// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jeranaias/threadline/internal/crdt"
	"github.com/jeranaias/threadline/internal/logging"
	"github.com/jeranaias/threadline/internal/model"
	"github.com/jeranaias/threadline/internal/options"
	"github.com/jeranaias/threadline/internal/plugins"
	"github.com/jeranaias/threadline/internal/replication"
	"github.com/jeranaias/threadline/internal/reply"
	"github.com/jeranaias/threadline/internal/telemetry"
	"github.com/jeranaias/threadline/internal/tree"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrEmptyMessage is returned when a submitted message has no text.
	ErrEmptyMessage = errors.New("message is empty")

	// ErrNotAssistant is returned when regenerating a non-assistant message.
	ErrNotAssistant = errors.New("not an assistant message")

	// ErrStreaming is returned when editing a reply that is still streaming.
	ErrStreaming = errors.New("reply is still streaming")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("chat service closed")
)

// =============================================================================
// OPTIONS
// =============================================================================

// Option group and keys for per-conversation model parameters.
const (
	ModelGroup     = "model"
	ModelName      = "name"
	ModelTemp      = "temperature"
	ModelMaxTokens = "max_tokens"
)

// metaCreated records when an empty conversation was created, so it lists
// before it has messages.
const metaCreated = "created"

// Options configures a Service.
type Options struct {
	// Docs returns the store to operate on. It is called on every
	// operation so identity switches take effect immediately.
	Docs func() (*crdt.Doc, error)

	Provider reply.Provider
	Titles   reply.TitleGenerator

	// Plugins defaults to plugins.Default().
	Plugins []reply.Plugin

	// Resolver defaults to one reading chat scope from the attached store.
	Resolver *options.Resolver

	// Params are the defaults for every reply; conversations override them
	// through the "model" option group.
	Params model.Params

	Watchdog time.Duration
	Locale   string

	Logger  *slog.Logger
	Metrics *telemetry.Metrics
	Usage   *telemetry.UsageTracker
}

// SessionDocs adapts a replication.Manager to Options.Docs.
func SessionDocs(m *replication.Manager) func() (*crdt.Doc, error) {
	return func() (*crdt.Doc, error) {
		s, err := m.Current()
		if err != nil {
			return nil, err
		}
		return s.Doc, nil
	}
}

// StaticDoc adapts a single store to Options.Docs.
func StaticDoc(doc *crdt.Doc) func() (*crdt.Doc, error) {
	return func() (*crdt.Doc, error) { return doc, nil }
}

// =============================================================================
// SERVICE
// =============================================================================

// Turn is the result of a user action.
type Turn struct {
	ChatID string

	// UserID is the user message the reply answers.
	UserID string

	// Reply is the running engine, nil when the action started no reply.
	Reply *reply.Engine

	// EditID is the sibling written by an assistant edit.
	EditID string
}

type activeReply struct {
	chatID  string
	engine  *reply.Engine
	started time.Time
	params  model.Params
}

// Service implements the conversation operations. It is safe for
// concurrent use.
type Service struct {
	opts     Options
	log      *slog.Logger
	resolver *options.Resolver
	pipeline *reply.Pipeline

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	active map[string]*activeReply
	closed bool
}

// NewService creates a service. Engines run on a context owned by the
// service, so replies outlive the call that started them until Close.
func NewService(opts Options) *Service {
	log := logging.OrDiscard(opts.Logger).With("component", "chat")
	if opts.Plugins == nil {
		opts.Plugins = plugins.Default()
	}

	s := &Service{
		opts:   opts,
		log:    log,
		active: make(map[string]*activeReply),
	}
	s.resolver = opts.Resolver
	if s.resolver == nil {
		s.resolver = options.NewResolver(options.DocScope(func() *crdt.Doc {
			doc, err := s.doc()
			if err != nil {
				return nil
			}
			return doc
		}), nil)
	}
	s.resolver.Register(ModelGroup, map[string]string{
		ModelName:      opts.Params.Model,
		ModelTemp:      strconv.FormatFloat(opts.Params.Temperature, 'f', -1, 64),
		ModelMaxTokens: strconv.Itoa(opts.Params.MaxTokens),
	})
	s.pipeline = reply.NewPipeline(s.resolver, log, opts.Plugins...)
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Resolver returns the options resolver.
func (s *Service) Resolver() *options.Resolver { return s.resolver }

func (s *Service) doc() (*crdt.Doc, error) {
	if s.opts.Docs == nil {
		return nil, replication.ErrNoSession
	}
	return s.opts.Docs()
}

// liveChat returns the store and chat, failing for deleted conversations.
func (s *Service) liveChat(chatID string) (*crdt.Doc, *crdt.Chat, error) {
	doc, err := s.doc()
	if err != nil {
		return nil, nil, err
	}
	if doc.IsDeleted(chatID) {
		return nil, nil, &crdt.ChatDeletedError{ChatID: chatID}
	}
	return doc, doc.Chat(chatID), nil
}

// =============================================================================
// CONVERSATIONS
// =============================================================================

// NewConversation creates an empty conversation and returns its id.
func (s *Service) NewConversation(title string) (string, error) {
	doc, err := s.doc()
	if err != nil {
		return "", err
	}
	id := model.NewID()
	err = doc.Transact(crdt.OriginLocal, func(tx *crdt.Txn) error {
		c := tx.Chat(id)
		if err := c.Meta().Set(metaCreated, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
			return err
		}
		if title = strings.TrimSpace(title); title != "" {
			return c.Meta().Set(model.MetaTitle, title)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("create conversation: %w", err)
	}
	return id, nil
}

// Tree projects a conversation.
func (s *Service) Tree(chatID string) (*tree.Tree, error) {
	_, c, err := s.liveChat(chatID)
	if err != nil {
		return nil, err
	}
	return tree.FromChat(c), nil
}

// Get returns the summary of one conversation.
func (s *Service) Get(chatID string) (model.Conversation, error) {
	_, c, err := s.liveChat(chatID)
	if err != nil {
		return model.Conversation{}, err
	}
	return summarize(c), nil
}

// List returns every live conversation, most recently updated first.
func (s *Service) List() ([]model.Conversation, error) {
	doc, err := s.doc()
	if err != nil {
		return nil, err
	}
	ids := doc.ChatIDs()
	convs := make([]model.Conversation, 0, len(ids))
	for _, id := range ids {
		convs = append(convs, summarize(doc.Chat(id)))
	}
	model.SortByUpdated(convs)
	return convs, nil
}

func summarize(c *crdt.Chat) model.Conversation {
	meta := model.ResolveMetadata(c.Meta().All())
	t := tree.FromChat(c)

	conv := model.Conversation{
		ID:            c.ID(),
		Title:         meta[model.MetaTitle],
		Metadata:      meta,
		PluginOptions: c.PluginOptions().All(),
		Created:       t.Created(),
		Updated:       t.Updated(),
		MessageCount:  t.Len(),
	}
	if conv.Created.IsZero() {
		if ts, err := time.Parse(time.RFC3339Nano, meta[metaCreated]); err == nil {
			conv.Created, conv.Updated = ts, ts
		}
	}
	return conv
}

// Delete removes a conversation everywhere and stops its replies.
func (s *Service) Delete(chatID string) error {
	doc, err := s.doc()
	if err != nil {
		return err
	}
	if err := doc.Chat(chatID).Delete(); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}

	s.mu.Lock()
	var stop []*reply.Engine
	for _, a := range s.active {
		if a.chatID == chatID {
			stop = append(stop, a.engine)
		}
	}
	s.mu.Unlock()
	for _, e := range stop {
		e.Cancel()
	}
	return nil
}

// SetTitle sets or, with an empty title, clears the local title.
func (s *Service) SetTitle(chatID, title string) error {
	_, c, err := s.liveChat(chatID)
	if err != nil {
		return err
	}
	if title = strings.TrimSpace(title); title == "" {
		return c.Meta().Delete(model.MetaTitle)
	}
	return c.Meta().Set(model.MetaTitle, title)
}

// SetPluginOption stores a per-conversation option. An empty value removes
// it so the user and default scopes apply again.
func (s *Service) SetPluginOption(chatID, group, key, value string) error {
	_, c, err := s.liveChat(chatID)
	if err != nil {
		return err
	}
	if value == "" {
		return c.PluginOptions().Delete(options.Key(group, key))
	}
	return c.PluginOptions().Set(options.Key(group, key), value)
}

// Params resolves the model parameters for a conversation.
func (s *Service) Params(chatID string) model.Params {
	a := s.resolver.Scoped(ModelGroup, chatID)
	p := s.opts.Params
	p.Model = options.String(a, ModelName, p.Model)
	p.MaxTokens = options.Int(a, ModelMaxTokens, p.MaxTokens)
	if v, ok := a.Get(ModelTemp); ok {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			p.Temperature = f
		}
	}
	return p
}

// =============================================================================
// MESSAGES
// =============================================================================

// Submit adds a user message under parentID (empty for a new root) and
// starts the assistant reply to it.
func (s *Service) Submit(ctx context.Context, chatID, parentID, text string) (*Turn, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyMessage
	}
	doc, c, err := s.liveChat(chatID)
	if err != nil {
		return nil, err
	}
	if parentID != "" && !c.Envelopes().Has(parentID) {
		return nil, fmt.Errorf("%w: %s", reply.ErrUnknownMessage, parentID)
	}

	params := s.Params(chatID)
	user := model.NewEnvelope(chatID, parentID, model.RoleUser)
	user.Done = true
	asst := newReplyEnvelope(chatID, user.ID, user.Timestamp, params.Model)

	err = doc.Transact(crdt.OriginLocal, func(tx *crdt.Txn) error {
		c := tx.Chat(chatID)
		if err := c.Envelopes().Set(user.ID, user); err != nil {
			return err
		}
		if err := c.Content().Set(user.ID, text); err != nil {
			return err
		}
		if err := c.Done().Set(user.ID, true); err != nil {
			return err
		}
		return c.Envelopes().Set(asst.ID, asst)
	})
	if err != nil {
		return nil, fmt.Errorf("submit: %w", err)
	}

	eng, err := s.startReply(ctx, doc, chatID, asst.ID, params)
	if err != nil {
		s.discard(doc, chatID, asst.ID, user.ID)
		return nil, err
	}
	return &Turn{ChatID: chatID, UserID: user.ID, Reply: eng}, nil
}

// Regenerate starts a new reply as a sibling of replyID.
func (s *Service) Regenerate(ctx context.Context, chatID, replyID string) (*Turn, error) {
	doc, c, err := s.liveChat(chatID)
	if err != nil {
		return nil, err
	}
	env, ok := c.Envelopes().Get(replyID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", reply.ErrUnknownMessage, replyID)
	}
	if env.Role != model.RoleAssistant {
		return nil, fmt.Errorf("%w: %s", ErrNotAssistant, replyID)
	}

	params := s.Params(chatID)
	asst := newReplyEnvelope(chatID, env.ParentID, env.Timestamp, params.Model)
	if err := c.Envelopes().Set(asst.ID, asst); err != nil {
		return nil, fmt.Errorf("regenerate: %w", err)
	}

	eng, err := s.startReply(ctx, doc, chatID, asst.ID, params)
	if err != nil {
		s.discard(doc, chatID, asst.ID)
		return nil, err
	}
	return &Turn{ChatID: chatID, UserID: env.ParentID, Reply: eng}, nil
}

// Edit changes a message without touching the original. A user message
// gets a new sibling with the new text and a fresh reply. An assistant
// message gets a finished sibling holding the new text, so the generated
// answer stays reachable as another branch.
func (s *Service) Edit(ctx context.Context, chatID, msgID, text string) (*Turn, error) {
	doc, c, err := s.liveChat(chatID)
	if err != nil {
		return nil, err
	}
	env, ok := c.Envelopes().Get(msgID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", reply.ErrUnknownMessage, msgID)
	}

	if env.Role == model.RoleUser {
		return s.Submit(ctx, chatID, env.ParentID, text)
	}
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyMessage
	}

	s.mu.Lock()
	_, streaming := s.active[msgID]
	s.mu.Unlock()
	if streaming {
		return nil, ErrStreaming
	}

	edit := newReplyEnvelope(chatID, env.ParentID, env.Timestamp, env.Model)
	edit.Done = true
	err = doc.Transact(crdt.OriginLocal, func(tx *crdt.Txn) error {
		c := tx.Chat(chatID)
		if err := c.Envelopes().Set(edit.ID, edit); err != nil {
			return err
		}
		if err := c.Content().Set(edit.ID, text); err != nil {
			return err
		}
		return c.Done().Set(edit.ID, true)
	})
	if err != nil {
		return nil, fmt.Errorf("edit: %w", err)
	}
	return &Turn{ChatID: chatID, UserID: env.ParentID, EditID: edit.ID}, nil
}

// discard removes messages written for a reply that never started.
func (s *Service) discard(doc *crdt.Doc, chatID string, ids ...string) {
	err := doc.Transact(crdt.OriginLocal, func(tx *crdt.Txn) error {
		c := tx.Chat(chatID)
		for _, id := range ids {
			if err := c.Envelopes().Delete(id); err != nil {
				return err
			}
			if err := c.Content().Delete(id); err != nil {
				return err
			}
			if err := c.Done().Delete(id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.log.Warn("discard unstarted reply", "chat", chatID, "error", err)
	}
}

// Resume restarts streaming into an assistant message that never finished,
// for example after the process exited mid-reply.
func (s *Service) Resume(ctx context.Context, chatID, replyID string) (*Turn, error) {
	doc, c, err := s.liveChat(chatID)
	if err != nil {
		return nil, err
	}
	env, ok := c.Envelopes().Get(replyID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", reply.ErrUnknownMessage, replyID)
	}
	if env.Role != model.RoleAssistant {
		return nil, fmt.Errorf("%w: %s", ErrNotAssistant, replyID)
	}
	if done, _ := c.Done().Get(replyID); done {
		return &Turn{ChatID: chatID, UserID: env.ParentID}, nil
	}

	params := s.Params(chatID)
	if env.Model != "" {
		params.Model = env.Model
	}
	eng, err := s.startReply(ctx, doc, chatID, replyID, params)
	if err != nil {
		return nil, err
	}
	return &Turn{ChatID: chatID, UserID: env.ParentID, Reply: eng}, nil
}

// Cancel stops a streaming reply, keeping its text.
func (s *Service) Cancel(replyID string) error {
	s.mu.Lock()
	a := s.active[replyID]
	s.mu.Unlock()
	if a == nil {
		return fmt.Errorf("%w: %s", reply.ErrUnknownMessage, replyID)
	}
	a.engine.Cancel()
	return nil
}

// Active returns the ids of replies that are streaming.
func (s *Service) Active() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.active))
	for id := range s.active {
		ids = append(ids, id)
	}
	return ids
}

// Close cancels every running reply and waits for them to finish.
func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	engines := make([]*reply.Engine, 0, len(s.active))
	for _, a := range s.active {
		engines = append(engines, a.engine)
	}
	s.mu.Unlock()

	for _, e := range engines {
		e.Cancel()
		<-e.Done()
	}
	s.cancel()
	if err := s.opts.Usage.Save(); err != nil {
		s.log.Warn("failed to save usage", "error", err)
	}
}

// =============================================================================
// ENGINES
// =============================================================================

func newReplyEnvelope(chatID, parentID string, after time.Time, modelName string) model.Envelope {
	env := model.NewEnvelope(chatID, parentID, model.RoleAssistant)
	// Keep the reply ordered after its parent even on coarse clocks.
	if !env.Timestamp.After(after) {
		env.Timestamp = after.Add(time.Millisecond)
	}
	env.Model = modelName
	return env
}

// startReply retires any engine still writing replyID, then starts a new
// one.
func (s *Service) startReply(ctx context.Context, doc *crdt.Doc, chatID, replyID string, params model.Params) (*reply.Engine, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	old := s.active[replyID]
	s.mu.Unlock()

	if old != nil {
		old.engine.Cancel()
		select {
		case <-old.engine.Done():
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	eng := reply.New(doc, reply.Request{ChatID: chatID, ReplyID: replyID, Params: params}, reply.Options{
		Provider: s.opts.Provider,
		Pipeline: s.pipeline,
		Titles:   s.opts.Titles,
		Watchdog: s.opts.Watchdog,
		Locale:   s.opts.Locale,
		Logger:   s.log,
		Metrics:  s.opts.Metrics,
	})
	a := &activeReply{chatID: chatID, engine: eng, started: time.Now(), params: params}

	s.mu.Lock()
	if cur := s.active[replyID]; cur != nil && cur != old {
		// Another caller won the race for this reply.
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrStreaming, replyID)
	}
	s.active[replyID] = a
	s.mu.Unlock()

	eng.OnFinish(func(st reply.State) { s.retire(replyID, a, st) })

	if err := eng.Start(s.ctx); err != nil {
		s.mu.Lock()
		if s.active[replyID] == a {
			delete(s.active, replyID)
		}
		s.mu.Unlock()
		return nil, err
	}
	s.log.Debug("reply started", "chat", chatID, "reply", replyID, "model", params.Model)
	return eng, nil
}

func (s *Service) retire(replyID string, a *activeReply, st reply.State) {
	s.mu.Lock()
	if s.active[replyID] == a {
		delete(s.active, replyID)
	}
	s.mu.Unlock()

	u := a.engine.Usage()
	tier := telemetry.TierLocal
	if model.IsCloudModel(a.params.Model) {
		tier = telemetry.TierCloud
	}
	s.opts.Usage.RecordReply(telemetry.ReplyUsage{
		ChatID:       a.chatID,
		Model:        a.params.Model,
		Tier:         tier,
		Outcome:      st.String(),
		InputTokens:  u.PromptTokens,
		OutputTokens: u.CompletionTokens,
		Duration:     time.Since(a.started),
	})
}
