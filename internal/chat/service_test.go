// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/threadline/internal/crdt"
	"github.com/jeranaias/threadline/internal/model"
	"github.com/jeranaias/threadline/internal/reply"
	"github.com/jeranaias/threadline/internal/telemetry"
)

// =============================================================================
// TEST DOUBLES
// =============================================================================

// scriptedProvider answers "reply N" for the Nth call. When hold is set the
// stream sends one partial chunk and then waits to be cancelled.
type scriptedProvider struct {
	mu     sync.Mutex
	calls  int
	hold   bool
	params []model.Params
	msgs   [][]model.ChatMessage
}

func (p *scriptedProvider) StreamCompletion(ctx context.Context, msgs []model.ChatMessage, params model.Params) (reply.Stream, error) {
	p.mu.Lock()
	p.calls++
	n, hold := p.calls, p.hold
	p.params = append(p.params, params)
	p.msgs = append(p.msgs, msgs)
	p.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	ch := make(chan reply.Chunk, 2)
	go func() {
		defer close(ch)
		if hold {
			ch <- reply.Chunk{Text: "partial"}
			<-ctx.Done()
			return
		}
		ch <- reply.Chunk{Text: fmt.Sprintf("reply %d", n)}
	}()
	return reply.NewChannelStream(ch, cancel), nil
}

func (p *scriptedProvider) lastParams() model.Params {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.params[len(p.params)-1]
}

func newTestService(t *testing.T, provider reply.Provider) (*Service, *crdt.Doc) {
	t.Helper()
	doc := crdt.NewDoc(crdt.Options{ClientID: 1})
	svc := NewService(Options{
		Docs:     StaticDoc(doc),
		Provider: provider,
		Params:   model.Params{Model: "llama3.2", Temperature: 0.7},
	})
	t.Cleanup(svc.Close)
	return svc, doc
}

func wait(t *testing.T, turn *Turn) reply.State {
	t.Helper()
	require.NotNil(t, turn.Reply)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	st, err := turn.Reply.Wait(ctx)
	require.NoError(t, err, "reply did not finish")
	return st
}

func text(doc *crdt.Doc, chatID, id string) string {
	v, _ := doc.Chat(chatID).Content().Get(id)
	return v
}

// =============================================================================
// SUBMIT / REGENERATE / EDIT
// =============================================================================

func TestService_SubmitStreamsReply(t *testing.T) {
	provider := &scriptedProvider{}
	svc, doc := newTestService(t, provider)
	ctx := context.Background()

	chatID, err := svc.NewConversation("")
	require.NoError(t, err)

	turn, err := svc.Submit(ctx, chatID, "", "hello")
	require.NoError(t, err)
	assert.Equal(t, reply.StateDone, wait(t, turn))

	tr, err := svc.Tree(chatID)
	require.NoError(t, err)
	require.Equal(t, 2, tr.Len())

	leaf := tr.MostRecentLeaf()
	require.NotNil(t, leaf)
	assert.Equal(t, turn.Reply.ReplyID(), leaf.ID)
	assert.Equal(t, "reply 1", tr.Content(leaf))
	assert.True(t, tr.Done(leaf))
	assert.Equal(t, "llama3.2", leaf.Envelope.Model)

	chain := tr.ChainTo(leaf.ID)
	require.Len(t, chain, 2)
	assert.Equal(t, turn.UserID, chain[0].ID)
	assert.Equal(t, "hello", text(doc, chatID, turn.UserID))
	assert.Empty(t, svc.Active())
}

func TestService_FollowUpSendsHistory(t *testing.T) {
	provider := &scriptedProvider{}
	svc, _ := newTestService(t, provider)
	ctx := context.Background()
	chatID, _ := svc.NewConversation("")

	first, err := svc.Submit(ctx, chatID, "", "one")
	require.NoError(t, err)
	wait(t, first)

	second, err := svc.Submit(ctx, chatID, first.Reply.ReplyID(), "two")
	require.NoError(t, err)
	wait(t, second)

	provider.mu.Lock()
	msgs := provider.msgs[1]
	provider.mu.Unlock()
	require.Len(t, msgs, 3)
	assert.Equal(t, model.ChatMessage{Role: model.RoleUser, Content: "one"}, msgs[0])
	assert.Equal(t, model.ChatMessage{Role: model.RoleAssistant, Content: "reply 1"}, msgs[1])
	assert.Equal(t, model.ChatMessage{Role: model.RoleUser, Content: "two"}, msgs[2])
}

func TestService_SubmitValidation(t *testing.T) {
	svc, _ := newTestService(t, &scriptedProvider{})
	chatID, _ := svc.NewConversation("")

	_, err := svc.Submit(context.Background(), chatID, "", "   ")
	assert.ErrorIs(t, err, ErrEmptyMessage)

	_, err = svc.Submit(context.Background(), chatID, "missing", "hi")
	assert.ErrorIs(t, err, reply.ErrUnknownMessage)
}

func TestService_Regenerate(t *testing.T) {
	svc, _ := newTestService(t, &scriptedProvider{})
	ctx := context.Background()
	chatID, _ := svc.NewConversation("")

	first, err := svc.Submit(ctx, chatID, "", "hello")
	require.NoError(t, err)
	wait(t, first)

	again, err := svc.Regenerate(ctx, chatID, first.Reply.ReplyID())
	require.NoError(t, err)
	wait(t, again)
	assert.Equal(t, first.UserID, again.UserID)

	tr, _ := svc.Tree(chatID)
	siblings := tr.Siblings(again.Reply.ReplyID())
	require.Len(t, siblings, 2, "regenerated reply is a sibling")
	assert.Equal(t, first.Reply.ReplyID(), siblings[0].ID)
	assert.Equal(t, again.Reply.ReplyID(), siblings[1].ID)
	assert.Equal(t, again.Reply.ReplyID(), tr.MostRecentLeaf().ID)
	assert.Equal(t, "reply 2", tr.Content(tr.MostRecentLeaf()))

	_, err = svc.Regenerate(ctx, chatID, first.UserID)
	assert.ErrorIs(t, err, ErrNotAssistant)
}

func TestService_EditUserMessageBranches(t *testing.T) {
	svc, doc := newTestService(t, &scriptedProvider{})
	ctx := context.Background()
	chatID, _ := svc.NewConversation("")

	first, err := svc.Submit(ctx, chatID, "", "helo")
	require.NoError(t, err)
	wait(t, first)

	edited, err := svc.Edit(ctx, chatID, first.UserID, "hello")
	require.NoError(t, err)
	wait(t, edited)

	assert.NotEqual(t, first.UserID, edited.UserID)
	assert.Equal(t, "helo", text(doc, chatID, first.UserID), "original branch is kept")
	assert.Equal(t, "hello", text(doc, chatID, edited.UserID))

	tr, _ := svc.Tree(chatID)
	assert.Len(t, tr.Roots(), 2)
	assert.Len(t, tr.Leafs(), 2)
}

func TestService_EditAssistantBranches(t *testing.T) {
	provider := &scriptedProvider{}
	svc, doc := newTestService(t, provider)
	ctx := context.Background()
	chatID, _ := svc.NewConversation("")

	first, err := svc.Submit(ctx, chatID, "", "hello")
	require.NoError(t, err)
	wait(t, first)
	original := first.Reply.ReplyID()

	turn, err := svc.Edit(ctx, chatID, original, "fixed")
	require.NoError(t, err)
	assert.Nil(t, turn.Reply)
	assert.Equal(t, first.UserID, turn.UserID)
	require.NotEmpty(t, turn.EditID)
	assert.NotEqual(t, original, turn.EditID)

	if got := text(doc, chatID, original); got != "reply 1" {
		t.Errorf("original content = %q, want %q", got, "reply 1")
	}
	assert.Equal(t, "fixed", text(doc, chatID, turn.EditID))

	tr, _ := svc.Tree(chatID)
	assert.Len(t, tr.Leafs(), 2)
	siblings := tr.Siblings(turn.EditID)
	require.Len(t, siblings, 2, "edit is a sibling of the generated reply")
	assert.Equal(t, original, siblings[0].ID)
	edited := siblings[1]
	assert.Equal(t, model.RoleAssistant, edited.Envelope.Role)
	assert.Equal(t, "llama3.2", edited.Envelope.Model)
	assert.True(t, tr.Done(edited))
	assert.Equal(t, turn.EditID, tr.MostRecentLeaf().ID)

	_, err = svc.Edit(ctx, chatID, original, "  ")
	assert.ErrorIs(t, err, ErrEmptyMessage)

	provider.mu.Lock()
	provider.hold = true
	provider.mu.Unlock()
	streaming, err := svc.Submit(ctx, chatID, turn.EditID, "more")
	require.NoError(t, err)

	_, err = svc.Edit(ctx, chatID, streaming.Reply.ReplyID(), "nope")
	assert.ErrorIs(t, err, ErrStreaming)
}

// =============================================================================
// CANCEL / RESUME / DELETE
// =============================================================================

func TestService_CancelKeepsPartial(t *testing.T) {
	svc, doc := newTestService(t, &scriptedProvider{hold: true})
	ctx := context.Background()
	chatID, _ := svc.NewConversation("")

	turn, err := svc.Submit(ctx, chatID, "", "hello")
	require.NoError(t, err)
	replyID := turn.Reply.ReplyID()
	require.Eventually(t, func() bool { return text(doc, chatID, replyID) == "partial" }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{replyID}, svc.Active())

	require.NoError(t, svc.Cancel(replyID))
	assert.Equal(t, reply.StateCancelled, wait(t, turn))
	assert.Equal(t, "partial", text(doc, chatID, replyID))
	done, _ := doc.Chat(chatID).Done().Get(replyID)
	assert.True(t, done)

	require.Eventually(t, func() bool { return len(svc.Active()) == 0 }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, svc.Cancel(replyID), reply.ErrUnknownMessage)
}

func TestService_ResumeRetiresRunningEngine(t *testing.T) {
	provider := &scriptedProvider{hold: true}
	svc, doc := newTestService(t, provider)
	ctx := context.Background()
	chatID, _ := svc.NewConversation("")

	first, err := svc.Submit(ctx, chatID, "", "hello")
	require.NoError(t, err)
	replyID := first.Reply.ReplyID()
	require.Eventually(t, func() bool { return text(doc, chatID, replyID) == "partial" }, 2*time.Second, 5*time.Millisecond)

	// Resuming while the first engine still streams retires it.
	provider.mu.Lock()
	provider.hold = false
	provider.mu.Unlock()
	second, err := svc.Resume(ctx, chatID, replyID)
	require.NoError(t, err)
	require.NotNil(t, second.Reply)
	assert.NotSame(t, first.Reply, second.Reply)

	select {
	case <-first.Reply.Done():
	default:
		t.Fatal("old engine must finish before the new one starts")
	}
	assert.Equal(t, reply.StateCancelled, first.Reply.State())

	assert.Equal(t, reply.StateDone, wait(t, second))
	assert.Equal(t, "reply 2", text(doc, chatID, replyID))

	resumed, err := svc.Resume(ctx, chatID, replyID)
	require.NoError(t, err)
	assert.Nil(t, resumed.Reply, "finished replies are not resumed")
}

func TestService_DeleteStopsReplies(t *testing.T) {
	svc, doc := newTestService(t, &scriptedProvider{hold: true})
	ctx := context.Background()
	chatID, _ := svc.NewConversation("doomed")

	turn, err := svc.Submit(ctx, chatID, "", "hello")
	require.NoError(t, err)

	require.NoError(t, svc.Delete(chatID))
	wait(t, turn)
	assert.True(t, doc.IsDeleted(chatID))

	convs, err := svc.List()
	require.NoError(t, err)
	assert.Empty(t, convs)

	_, err = svc.Tree(chatID)
	assert.ErrorIs(t, err, crdt.ErrChatDeleted)
	_, err = svc.Submit(ctx, chatID, "", "again")
	assert.ErrorIs(t, err, crdt.ErrChatDeleted)
	assert.ErrorIs(t, svc.SetTitle(chatID, "x"), crdt.ErrChatDeleted)
}

// =============================================================================
// LISTING / METADATA / OPTIONS
// =============================================================================

func TestService_ListAndTitles(t *testing.T) {
	svc, _ := newTestService(t, &scriptedProvider{})
	ctx := context.Background()

	older, _ := svc.NewConversation("Older")
	turn, err := svc.Submit(ctx, older, "", "hi")
	require.NoError(t, err)
	wait(t, turn)

	time.Sleep(2 * time.Millisecond)
	empty, _ := svc.NewConversation("  ")

	convs, err := svc.List()
	require.NoError(t, err)
	require.Len(t, convs, 2)
	assert.Equal(t, empty, convs[0].ID, "newest first")
	assert.Equal(t, 0, convs[0].MessageCount)
	assert.False(t, convs[0].Created.IsZero(), "empty conversation has a creation time")
	assert.Equal(t, "Older", convs[1].Title)
	assert.Equal(t, 2, convs[1].MessageCount)

	require.NoError(t, svc.SetTitle(older, "Renamed"))
	got, err := svc.Get(older)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Title)

	require.NoError(t, svc.SetTitle(older, ""))
	got, _ = svc.Get(older)
	assert.Empty(t, got.Title)
}

func TestService_PluginOptionOverridesModel(t *testing.T) {
	provider := &scriptedProvider{}
	svc, _ := newTestService(t, provider)
	ctx := context.Background()
	chatID, _ := svc.NewConversation("")

	require.NoError(t, svc.SetPluginOption(chatID, ModelGroup, ModelName, "mistral"))
	require.NoError(t, svc.SetPluginOption(chatID, ModelGroup, ModelTemp, "0.1"))
	turn, err := svc.Submit(ctx, chatID, "", "hi")
	require.NoError(t, err)
	wait(t, turn)
	assert.Equal(t, "mistral", provider.lastParams().Model)
	assert.InDelta(t, 0.1, provider.lastParams().Temperature, 1e-9)

	require.NoError(t, svc.SetPluginOption(chatID, ModelGroup, ModelName, ""))
	assert.Equal(t, "llama3.2", svc.Params(chatID).Model, "cleared option falls back to defaults")

	other, _ := svc.NewConversation("")
	assert.Equal(t, "llama3.2", svc.Params(other).Model, "options are per conversation")
}

func TestService_RecordsUsage(t *testing.T) {
	tracker, err := telemetry.NewUsageTracker(t.TempDir())
	require.NoError(t, err)

	doc := crdt.NewDoc(crdt.Options{ClientID: 1})
	svc := NewService(Options{
		Docs:     StaticDoc(doc),
		Provider: &scriptedProvider{},
		Params:   model.Params{Model: "openai/gpt-4o"},
		Usage:    tracker,
	})
	defer svc.Close()

	chatID, _ := svc.NewConversation("")
	turn, err := svc.Submit(context.Background(), chatID, "", "hello")
	require.NoError(t, err)
	wait(t, turn)

	require.Eventually(t, func() bool { return tracker.Current().Replies == 1 }, time.Second, 5*time.Millisecond)
	s := tracker.Current()
	assert.Positive(t, s.Cloud.Total())
	assert.Equal(t, 1, s.Outcomes[reply.StateDone.String()])
}

func TestService_NoSession(t *testing.T) {
	svc := NewService(Options{Docs: func() (*crdt.Doc, error) { return nil, errors.New("signed out") }})
	defer svc.Close()

	_, err := svc.NewConversation("")
	assert.Error(t, err)
	_, err = svc.List()
	assert.Error(t, err)
}

func TestService_ClosedRejectsReplies(t *testing.T) {
	doc := crdt.NewDoc(crdt.Options{ClientID: 1})
	svc := NewService(Options{Docs: StaticDoc(doc), Provider: &scriptedProvider{}})
	chatID, _ := svc.NewConversation("")
	svc.Close()

	_, err := svc.Submit(context.Background(), chatID, "", "hi")
	assert.ErrorIs(t, err, ErrClosed)

	tr, err := svc.Tree(chatID)
	require.NoError(t, err)
	assert.Equal(t, 0, tr.Len(), "a refused submit leaves nothing behind")
}

func TestService_RegenerateAfterCloseLeavesNoPlaceholder(t *testing.T) {
	doc := crdt.NewDoc(crdt.Options{ClientID: 1})
	svc := NewService(Options{Docs: StaticDoc(doc), Provider: &scriptedProvider{}})
	chatID, _ := svc.NewConversation("")

	first, err := svc.Submit(context.Background(), chatID, "", "hello")
	require.NoError(t, err)
	wait(t, first)
	svc.Close()

	_, err = svc.Regenerate(context.Background(), chatID, first.Reply.ReplyID())
	assert.ErrorIs(t, err, ErrClosed)

	tr, err := svc.Tree(chatID)
	require.NoError(t, err)
	if tr.Len() != 2 {
		t.Errorf("tree size = %d, want 2", tr.Len())
	}
	for _, n := range tr.Leafs() {
		assert.True(t, tr.Done(n), "leaf %s is unfinished", n.ID)
	}
}

// =============================================================================
// ROUTER
// =============================================================================

func TestRouter(t *testing.T) {
	local, cloud := &scriptedProvider{}, &scriptedProvider{}
	r := Router{Local: local, Cloud: cloud}

	_, err := r.StreamCompletion(context.Background(), nil, model.Params{Model: "llama3.2"})
	require.NoError(t, err)
	_, err = r.StreamCompletion(context.Background(), nil, model.Params{Model: "openai/gpt-4o"})
	require.NoError(t, err)
	assert.Equal(t, 1, local.calls)
	assert.Equal(t, 1, cloud.calls)

	_, err = Router{Local: local}.StreamCompletion(context.Background(), nil, model.Params{Model: "anthropic/claude-3-haiku"})
	assert.ErrorIs(t, err, ErrNoProvider)
}
