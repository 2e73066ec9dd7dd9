// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package replication

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/threadline/internal/crdt"
	"github.com/jeranaias/threadline/internal/model"
)

// =============================================================================
// TEST PEER
// =============================================================================

// testPeer is a minimal sync server holding one doc.
type testPeer struct {
	mu       sync.Mutex
	doc      *crdt.Doc
	requests int
	limited  string
	fail     bool
	garbage  bool
	legacy   []model.LegacyChat
}

func newTestPeer(t *testing.T) (*testPeer, *Client) {
	t.Helper()
	p := &testPeer{doc: crdt.NewDoc(crdt.Options{ClientID: 1000})}

	mux := http.NewServeMux()
	mux.HandleFunc("/sync", func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.requests++

		if p.limited != "" {
			w.Header().Set("X-RateLimit-Reset", p.limited)
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		if p.fail {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		body, _ := io.ReadAll(r.Body)
		msg, err := DecodeMessage(body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		replies, _, err := Respond(p.doc, msg, crdt.OriginRemote, true)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		items := make([][]byte, 0, len(replies)+1)
		if p.garbage {
			items = append(items, []byte{0xff, 0xff, 0xff})
		}
		for _, m := range replies {
			items = append(items, m.Encode())
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(EncodeBatch(items))
	})
	mux.HandleFunc("/legacy/chats", func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.legacy == nil {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(p.legacy)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	client, err := NewClient(srv.URL, "alice")
	require.NoError(t, err)
	return p, client
}

func (p *testPeer) content(chat, msg string) string {
	v, _ := p.doc.Chat(chat).Content().Get(msg)
	return v
}

func (p *testPeer) requestCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests
}

// fakeClock is a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testEngineOptions(clock *fakeClock) EngineOptions {
	return EngineOptions{
		PushInterval: time.Nanosecond,
		Now:          clock.Now,
	}
}

// =============================================================================
// HANDSHAKE
// =============================================================================

func TestEngine_HandshakeConverges(t *testing.T) {
	peer, client := newTestPeer(t)
	require.NoError(t, peer.doc.Chat("server-chat").Content().Set("s1", "from server"))

	doc := crdt.NewDoc(crdt.Options{ClientID: 1})
	require.NoError(t, doc.Chat("client-chat").Content().Set("c1", "from client"))

	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	e := NewEngine(doc, client, testEngineOptions(clock))
	defer e.Close()

	res := e.Cycle(context.Background())
	require.NoError(t, res.Err)
	assert.Equal(t, StateHandshake, res.State)
	assert.Equal(t, 2, res.Rounds, "step1 then the answering step2")
	assert.Positive(t, res.Applied)

	got, _ := doc.Chat("server-chat").Content().Get("s1")
	assert.Equal(t, "from server", got)
	assert.Equal(t, "from client", peer.content("client-chat", "c1"))

	// Handshake is not due again until the interval passes.
	res = e.Cycle(context.Background())
	assert.Equal(t, StateIdle, res.State)

	clock.Advance(DefaultHandshakeInterval)
	res = e.Cycle(context.Background())
	assert.Equal(t, StateHandshake, res.State)
	assert.Equal(t, 1, res.Rounds, "nothing left to exchange")
}

func TestEngine_HandshakeSkipsMalformedReply(t *testing.T) {
	peer, client := newTestPeer(t)
	peer.garbage = true
	require.NoError(t, peer.doc.Chat("server-chat").Content().Set("s1", "from server"))

	doc := crdt.NewDoc(crdt.Options{ClientID: 1})
	e := NewEngine(doc, client, testEngineOptions(&fakeClock{now: time.Unix(1_700_000_000, 0)}))
	defer e.Close()

	res := e.Cycle(context.Background())
	require.NoError(t, res.Err)
	assert.Positive(t, res.Applied)

	got, _ := doc.Chat("server-chat").Content().Get("s1")
	if got != "from server" {
		t.Errorf("content = %q, want %q", got, "from server")
	}
}

func TestClient_SendSkipsMalformedItems(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(EncodeBatch([][]byte{
			Step2([]byte{7}).Encode(),
			{0x08},
			Message{Type: 42}.Encode(),
			Update([]byte{9}).Encode(),
		}))
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, "alice")
	require.NoError(t, err)

	replies, err := client.Send(context.Background(), Step1(crdt.StateVector{}))
	require.NoError(t, err)
	require.Len(t, replies, 2)
	assert.Equal(t, Step2([]byte{7}), replies[0])
	assert.Equal(t, Update([]byte{9}), replies[1])
}

func TestClient_SendFailsOnBrokenBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte{0x0a, 0x05, 0x01})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, "alice")
	require.NoError(t, err)

	_, err = client.Send(context.Background(), Step1(crdt.StateVector{}))
	assert.ErrorIs(t, err, crdt.ErrMalformedUpdate)
}

type loopTransport struct {
	calls int
}

// Send always asks for more, which would never end without a round limit.
func (l *loopTransport) Send(_ context.Context, _ Message) ([]Message, error) {
	l.calls++
	return []Message{Step1(crdt.StateVector{})}, nil
}

func TestEngine_HandshakeRoundLimit(t *testing.T) {
	doc := crdt.NewDoc(crdt.Options{ClientID: 1})
	require.NoError(t, doc.Chat("c").Content().Set("m", "text"))

	transport := &loopTransport{}
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	opts := testEngineOptions(clock)
	opts.MaxRounds = 3
	e := NewEngine(doc, transport, opts)
	defer e.Close()

	res := e.Cycle(context.Background())
	assert.Equal(t, StateHandshake, res.State)
	assert.Equal(t, 3, res.Rounds)
	assert.Equal(t, 3, transport.calls)
}

// =============================================================================
// PUSH
// =============================================================================

func TestEngine_PushAndRetry(t *testing.T) {
	peer, client := newTestPeer(t)
	doc := crdt.NewDoc(crdt.Options{ClientID: 1})
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	e := NewEngine(doc, client, testEngineOptions(clock))
	defer e.Close()

	// Initial handshake with nothing to say.
	require.Equal(t, StateHandshake, e.Cycle(context.Background()).State)

	require.NoError(t, doc.Chat("c").Content().Set("m1", "hello"))
	assert.Equal(t, 1, e.Status().PendingUpdates)

	peer.mu.Lock()
	peer.fail = true
	peer.mu.Unlock()

	res := e.Cycle(context.Background())
	assert.Equal(t, StatePush, res.State)
	require.Error(t, res.Err)
	var apiErr *APIError
	require.True(t, errors.As(res.Err, &apiErr))
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.Status)
	assert.Equal(t, 1, e.Status().PendingUpdates, "failed push is kept")

	// A change made while the server is down goes out with the retry.
	require.NoError(t, doc.Chat("c").Content().Set("m2", "world"))

	peer.mu.Lock()
	peer.fail = false
	peer.mu.Unlock()

	res = e.Cycle(context.Background())
	require.NoError(t, res.Err)
	assert.Equal(t, StatePush, res.State)
	assert.Positive(t, res.PushedBytes)
	assert.Equal(t, 0, e.Status().PendingUpdates)
	assert.Equal(t, "hello", peer.content("c", "m1"))
	assert.Equal(t, "world", peer.content("c", "m2"))
}

func TestEngine_RemoteChangesAreNotPushedBack(t *testing.T) {
	_, client := newTestPeer(t)
	doc := crdt.NewDoc(crdt.Options{ClientID: 1})
	e := NewEngine(doc, client, testEngineOptions(&fakeClock{now: time.Unix(1_700_000_000, 0)}))
	defer e.Close()

	other := crdt.NewDoc(crdt.Options{ClientID: 2})
	require.NoError(t, other.Chat("c").Content().Set("m", "x"))

	_, err := doc.ApplyUpdate(other.EncodeStateAsUpdate(nil), crdt.OriginRemote)
	require.NoError(t, err)
	_, err = doc.ApplyUpdate(other.EncodeStateAsUpdate(nil), crdt.OriginBroadcast)
	require.NoError(t, err)

	assert.Equal(t, 0, e.Status().PendingUpdates)
}

// =============================================================================
// RATE LIMITING
// =============================================================================

func TestEngine_RateLimitedSkipsNetwork(t *testing.T) {
	peer, client := newTestPeer(t)
	doc := crdt.NewDoc(crdt.Options{ClientID: 1})
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	e := NewEngine(doc, client, testEngineOptions(clock))
	defer e.Close()

	peer.mu.Lock()
	peer.limited = "30"
	peer.mu.Unlock()

	require.NoError(t, doc.Chat("c").Content().Set("m", "queued"))

	res := e.Cycle(context.Background())
	assert.True(t, errors.Is(res.Err, ErrRateLimited), "got %v", res.Err)
	assert.Equal(t, clock.Now().Add(30*time.Second), e.Status().RateLimitedUntil)

	before := peer.requestCount()
	res = e.Cycle(context.Background())
	assert.Equal(t, StateRateLimited, res.State)
	assert.Equal(t, before, peer.requestCount(), "no requests while limited")
	assert.ErrorIs(t, e.Flush(context.Background()), ErrRateLimited)

	peer.mu.Lock()
	peer.limited = ""
	peer.mu.Unlock()
	clock.Advance(31 * time.Second)

	res = e.Cycle(context.Background())
	require.NoError(t, res.Err)
	assert.Equal(t, StatePush, res.State)
	assert.Equal(t, "queued", peer.content("c", "m"))
}

// =============================================================================
// LEGACY IMPORT
// =============================================================================

type countingSource struct {
	calls int
	err   error
	chats []model.LegacyChat
}

func (s *countingSource) LegacyChats(context.Context) ([]model.LegacyChat, error) {
	s.calls++
	if s.err != nil {
		err := s.err
		s.err = nil
		return nil, err
	}
	return s.chats, nil
}

func TestEngine_LegacyImportOnce(t *testing.T) {
	ts := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	src := &countingSource{
		err: errors.New("disk busy"),
		chats: []model.LegacyChat{{
			ID:    "old",
			Title: "Old chat",
			Messages: []model.LegacyMessage{
				{ID: "u", Role: model.RoleUser, Content: "hi", Timestamp: ts},
				{ID: "a", Role: model.RoleAssistant, Content: "hello", Timestamp: ts.Add(time.Second)},
			},
		}},
	}

	doc := crdt.NewDoc(crdt.Options{ClientID: 1})
	e := NewEngine(doc, nil, EngineOptions{Legacy: []LegacySource{src}})
	defer e.Close()

	res := e.Cycle(context.Background())
	assert.Equal(t, StateLegacyImport, res.State)
	require.Error(t, res.Err)
	assert.False(t, e.Status().LegacyImported)

	res = e.Cycle(context.Background())
	require.NoError(t, res.Err)
	assert.Equal(t, 2, res.Imported)
	assert.True(t, e.Status().LegacyImported)

	res = e.Cycle(context.Background())
	assert.Equal(t, StateIdle, res.State)
	assert.Equal(t, 2, src.calls)

	content, _ := doc.Chat("old").Content().Get("a")
	assert.Equal(t, "hello", content)
}

func TestEngine_LegacyImportFromServer(t *testing.T) {
	peer, client := newTestPeer(t)
	peer.legacy = []model.LegacyChat{{
		ID:       "srv",
		Messages: []model.LegacyMessage{{ID: "m", Role: model.RoleUser, Content: "kept"}},
	}}

	doc := crdt.NewDoc(crdt.Options{ClientID: 1})
	e := NewEngine(doc, client, EngineOptions{
		PushInterval: time.Nanosecond,
		Legacy:       []LegacySource{client},
	})
	defer e.Close()

	require.Equal(t, StateHandshake, e.Cycle(context.Background()).State)
	res := e.Cycle(context.Background())
	require.Equal(t, StateLegacyImport, res.State)
	require.NoError(t, res.Err)

	// The import is local to this replica and goes out as a push.
	res = e.Cycle(context.Background())
	assert.Equal(t, StatePush, res.State)
	assert.Equal(t, "kept", peer.content("srv", "m"))
}

func TestClient_LegacyNotFound(t *testing.T) {
	_, client := newTestPeer(t)
	chats, err := client.LegacyChats(context.Background())
	require.NoError(t, err)
	assert.Empty(t, chats)
}

// =============================================================================
// RUN LOOP
// =============================================================================

func TestEngine_RunStopsOnCancel(t *testing.T) {
	_, client := newTestPeer(t)
	doc := crdt.NewDoc(crdt.Options{ClientID: 1})
	e := NewEngine(doc, client, EngineOptions{Interval: time.Hour, PushInterval: time.Nanosecond})
	defer e.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	require.Eventually(t, func() bool {
		return !e.Status().LastHandshake.IsZero()
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
