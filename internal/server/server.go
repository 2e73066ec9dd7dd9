// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/jeranaias/threadline/internal/crdt"
	"github.com/jeranaias/threadline/internal/logging"
	"github.com/jeranaias/threadline/internal/persist"
	"github.com/jeranaias/threadline/internal/replication"
	"github.com/jeranaias/threadline/internal/storage"
	"github.com/jeranaias/threadline/internal/telemetry"
)

// ============================================================================
// CONSTANTS
// ============================================================================

const (
	// DefaultAddr is the default listen address.
	DefaultAddr = "127.0.0.1:8788"

	// DefaultRateLimit is the sustained request rate allowed per identity.
	DefaultRateLimit rate.Limit = 20

	// DefaultBurst is the request burst allowed per identity.
	DefaultBurst = 40

	// MaxRequestBodySize bounds one sync message (8MB).
	MaxRequestBodySize = 8 << 20

	// RateLimitResetHeader carries the seconds until a limited identity may
	// retry.
	RateLimitResetHeader = "X-RateLimit-Reset"
)

// ============================================================================
// OPTIONS
// ============================================================================

// Options configures a Server. Zero values use the defaults.
type Options struct {
	Addr string

	// Backend persists each identity's store. Nil keeps stores in memory.
	// The caller owns the backend and closes it after Shutdown.
	Backend persist.Backend

	// CompactEvery is passed to persist.Bind.
	CompactEvery int

	// LegacyDir holds one legacy conversation directory per identity.
	// Empty disables /legacy/chats.
	LegacyDir string

	RateLimit rate.Limit
	Burst     int

	Logger  *slog.Logger
	Metrics *telemetry.Metrics
}

// ============================================================================
// SERVER
// ============================================================================

// Server is the sync peer.
type Server struct {
	opts    Options
	log     *slog.Logger
	metrics *telemetry.Metrics
	router  *http.ServeMux
	started time.Time

	mu     sync.Mutex
	server *http.Server
	peers  map[string]*peer
	closed bool
}

// peer is one identity's server-side state.
type peer struct {
	doc     *crdt.Doc
	binding *persist.Binding
	limiter *rate.Limiter
}

// New creates a Server.
func New(opts Options) *Server {
	if opts.Addr == "" {
		opts.Addr = DefaultAddr
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = DefaultRateLimit
	}
	if opts.Burst <= 0 {
		opts.Burst = DefaultBurst
	}

	s := &Server{
		opts:    opts,
		log:     logging.OrDiscard(opts.Logger).With("component", "server"),
		metrics: opts.Metrics,
		router:  http.NewServeMux(),
		started: time.Now(),
		peers:   make(map[string]*peer),
	}
	s.setupRoutes()
	return s
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.opts.Addr
}

// ============================================================================
// ROUTES
// ============================================================================

func (s *Server) setupRoutes() {
	s.router.HandleFunc("POST /sync", s.withIdentity(s.handleSync))
	s.router.HandleFunc("GET /legacy/chats", s.withIdentity(s.handleLegacyChats))
	s.router.HandleFunc("GET /health", s.handleHealth)
	s.router.Handle("GET /metrics", s.metrics.Handler())
}

// Handler returns the routes wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	return Chain(
		RecoveryMiddleware(s.log),
		LoggingMiddleware(s.log, s.metrics),
	)(s.router)
}

// withIdentity resolves the bearer identity, loads its store and applies
// its rate limit before calling next.
func (s *Server) withIdentity(next func(http.ResponseWriter, *http.Request, *peer)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, ok := BearerIdentity(r)
		if !ok {
			s.writeError(w, http.StatusUnauthorized, "missing or invalid bearer identity")
			return
		}

		p, err := s.peer(r.Context(), identity)
		if err != nil {
			if errors.Is(err, errServerClosed) {
				s.writeError(w, http.StatusServiceUnavailable, "server shutting down")
				return
			}
			s.log.Error("failed to open store", "identity", identity, "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to open store")
			return
		}

		if wait, ok := reserve(p.limiter, time.Now()); !ok {
			secs := int((wait + time.Second - 1) / time.Second)
			if secs < 1 {
				secs = 1
			}
			w.Header().Set(RateLimitResetHeader, strconv.Itoa(secs))
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			s.log.Warn("rate limit exceeded", "identity", identity, "reset", secs)
			s.writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		next(w, r, p)
	}
}

// reserve takes one token if available now. Otherwise it reports how long
// until one would be, leaving the limiter untouched.
func reserve(l *rate.Limiter, now time.Time) (time.Duration, bool) {
	res := l.ReserveN(now, 1)
	if !res.OK() {
		return time.Minute, false
	}
	delay := res.DelayFrom(now)
	if delay == 0 {
		return 0, true
	}
	res.CancelAt(now)
	return delay, false
}

var errServerClosed = errors.New("server closed")

// peer returns identity's state, creating and loading it on first use.
func (s *Server) peer(ctx context.Context, identity string) (*peer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, errServerClosed
	}
	if p, ok := s.peers[identity]; ok {
		return p, nil
	}

	doc := crdt.NewDoc(crdt.Options{Logger: s.log})
	p := &peer{
		doc:     doc,
		limiter: rate.NewLimiter(s.opts.RateLimit, s.opts.Burst),
	}
	if s.opts.Backend != nil {
		b, err := persist.Bind(ctx, s.opts.Backend, identity, doc, persist.BindOptions{
			CompactEvery: s.opts.CompactEvery,
			Logger:       s.log,
			OnAppend:     s.metrics.PersistAppend,
		})
		if err != nil {
			return nil, err
		}
		p.binding = b
	}
	s.peers[identity] = p
	s.log.Info("store opened", "identity", identity, "chats", len(doc.ChatIDs()))
	return p, nil
}

// Identities returns how many identity stores are loaded.
func (s *Server) Identities() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// ============================================================================
// HANDLERS
// ============================================================================

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request, p *peer) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxRequestBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, "sync message too large")
			return
		}
		s.writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	msg, err := replication.DecodeMessage(body)
	if err != nil {
		s.metrics.StoreDropped()
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	replies, applied, err := replication.Respond(p.doc, msg, crdt.OriginRemote, true)
	if err != nil {
		if errors.Is(err, crdt.ErrMalformedUpdate) {
			s.metrics.StoreDropped()
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.log.Error("sync failed", "type", msg.Type, "error", err)
		s.writeError(w, http.StatusInternalServerError, "sync failed")
		return
	}
	s.metrics.StoreApplied(string(crdt.OriginRemote), applied)

	items := make([][]byte, 0, len(replies))
	for _, reply := range replies {
		items = append(items, reply.Encode())
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(replication.EncodeBatch(items))
}

func (s *Server) handleLegacyChats(w http.ResponseWriter, r *http.Request, _ *peer) {
	if s.opts.LegacyDir == "" {
		s.writeError(w, http.StatusNotFound, "no legacy chats")
		return
	}
	identity, _ := BearerIdentity(r)
	dir, err := storage.IdentityDir(s.opts.LegacyDir, identity)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "no legacy chats")
		return
	}

	chats, err := storage.OpenStore(dir).LegacyChats(r.Context())
	if err != nil {
		s.log.Error("failed to read legacy chats", "identity", identity, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read legacy chats")
		return
	}
	if len(chats) == 0 {
		s.writeError(w, http.StatusNotFound, "no legacy chats")
		return
	}
	s.writeJSON(w, http.StatusOK, chats)
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status     string `json:"status"`
	Identities int    `json:"identities"`
	Uptime     string `json:"uptime"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, HealthResponse{
		Status:     "ok",
		Identities: s.Identities(),
		Uptime:     time.Since(s.started).Truncate(time.Second).String(),
	})
}

// ============================================================================
// SERVER LIFECYCLE
// ============================================================================

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.opts.Addr, err)
	}
	return s.Serve(ln)
}

// Serve serves on ln until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return errServerClosed
	}
	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	srv := s.server
	s.mu.Unlock()

	s.log.Info("sync server listening", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, waits for in-flight ones and closes
// every identity store.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.closed = true
	s.mu.Unlock()

	var errs []error
	if srv != nil {
		s.log.Info("sync server shutting down")
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	s.mu.Lock()
	peers := s.peers
	s.peers = make(map[string]*peer)
	s.mu.Unlock()

	for identity, p := range peers {
		if p.binding == nil {
			continue
		}
		if err := p.binding.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", identity, err))
		}
	}
	return errors.Join(errs...)
}

// ============================================================================
// HELPERS
// ============================================================================

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Debug("failed to write response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    status,
		},
	})
}
