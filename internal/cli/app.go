// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/jeranaias/threadline/internal/chat"
	"github.com/jeranaias/threadline/internal/cloud"
	"github.com/jeranaias/threadline/internal/config"
	"github.com/jeranaias/threadline/internal/crdt"
	"github.com/jeranaias/threadline/internal/logging"
	"github.com/jeranaias/threadline/internal/model"
	"github.com/jeranaias/threadline/internal/offline"
	"github.com/jeranaias/threadline/internal/ollama"
	"github.com/jeranaias/threadline/internal/options"
	"github.com/jeranaias/threadline/internal/persist"
	"github.com/jeranaias/threadline/internal/plugins"
	"github.com/jeranaias/threadline/internal/replication"
	"github.com/jeranaias/threadline/internal/reply"
	"github.com/jeranaias/threadline/internal/storage"
	"github.com/jeranaias/threadline/internal/telemetry"
)

// =============================================================================
// APP
// =============================================================================

// App holds the components wired for one command run.
type App struct {
	Config  *config.Config
	Flags   globalFlags
	Log     *slog.Logger
	Metrics *telemetry.Metrics
	Policy  offline.Policy
	Usage   *telemetry.UsageTracker

	// Set when the command opened the store.
	Backend persist.Backend
	Manager *replication.Manager
	Service *chat.Service
	Session *replication.Session

	out     io.Writer
	errOut  io.Writer
	closers []func() error
}

// appOptions selects what openApp wires.
type appOptions struct {
	// store opens the backend, attaches the identity and builds the chat
	// service.
	store bool
}

// openApp loads configuration and wires the components the command needs.
// The caller must Close the App.
func openApp(cmd *cobra.Command, opts appOptions) (*App, error) {
	g := readGlobalFlags(cmd)
	cfg, err := loadConfig(g)
	if err != nil {
		return nil, &ExitError{Code: ExitConfigError, Err: err}
	}

	app := &App{
		Config:  cfg,
		Flags:   g,
		Policy:  offline.Policy{Offline: g.offline},
		Metrics: telemetry.NewMetrics(),
		out:     cmd.OutOrStdout(),
		errOut:  cmd.ErrOrStderr(),
	}

	log, closeLog, err := logging.New(logging.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
		Prefix: AppName,
	})
	if err != nil {
		return nil, &ExitError{Code: ExitConfigError, Err: err}
	}
	app.Log = log
	app.closers = append(app.closers, closeLog)
	configureStyles(cfg.UI.Theme)

	if addr := firstNonEmpty(g.metricsAddr, cfg.Telemetry.MetricsAddr); addr != "" {
		if err := app.serveMetrics(addr); err != nil {
			app.Close()
			return nil, err
		}
	}

	if opts.store {
		if err := app.openStore(cmd.Context()); err != nil {
			app.Close()
			return nil, err
		}
	}
	return app, nil
}

// loadConfig reads the config file and applies command-line overrides.
func loadConfig(g globalFlags) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if g.configPath != "" {
		cfg, err = config.LoadFromPath(g.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if g.model != "" {
		cfg.Reply.Model = g.model
	}
	if g.logLevel != "" {
		cfg.Log.Level = g.logLevel
	}
	if g.identity != "" {
		cfg.Sync.Identity = g.identity
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid flags: %w", err)
	}
	return cfg, nil
}

// Identity returns the identity this run attaches.
func (a *App) Identity() string {
	if a.Config.Sync.Identity != "" {
		return a.Config.Sync.Identity
	}
	return persist.AnonymousIdentity
}

func (a *App) openStore(ctx context.Context) error {
	cfg := a.Config
	if err := a.Policy.CheckModelURL(cfg.Ollama.URL); err != nil {
		return &ExitError{Code: ExitNetworkError, Err: err}
	}

	backend, err := persist.Open(cfg.Storage.Driver, cfg.Storage.Dir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	a.Backend = backend
	a.closers = append(a.closers, backend.Close)

	if cfg.Telemetry.TrackUsage {
		usage, err := telemetry.NewUsageTracker(cfg.Telemetry.UsageDir)
		if err != nil {
			a.Log.Warn("usage tracking disabled", "error", err)
		} else {
			a.Usage = usage
		}
	}

	a.Manager = replication.NewManager(replication.ManagerOptions{
		Backend:   backend,
		Transport: a.transport,
		Broadcast: a.broadcast,
		Legacy:    []replication.LegacySource{storage.OpenStore(cfg.Storage.LegacyDir)},
		Engine: replication.EngineOptions{
			Interval:          cfg.Sync.Interval(),
			HandshakeInterval: cfg.Sync.HandshakeInterval(),
			MaxRounds:         cfg.Sync.MaxRounds,
		},
		AnonymousGrace: cfg.Sync.AnonymousGrace(),
		CompactEvery:   cfg.Storage.CompactEvery,
		Logger:         a.Log,
		Metrics:        a.Metrics,
	})
	a.closers = append(a.closers, func() error {
		a.Manager.Close()
		return nil
	})

	resolver := options.NewResolver(options.DocScope(func() *crdt.Doc {
		s, err := a.Manager.Current()
		if err != nil {
			return nil
		}
		return s.Doc
	}), cfg.Options)

	provider := a.provider()
	var titles reply.TitleGenerator
	if cfg.Reply.Titles {
		titles = plugins.Titles{Provider: provider}
	}
	a.Service = chat.NewService(chat.Options{
		Docs:     chat.SessionDocs(a.Manager),
		Provider: provider,
		Titles:   titles,
		Resolver: resolver,
		Params: model.Params{
			Model:       cfg.Reply.Model,
			Temperature: cfg.Reply.Temperature,
			MaxTokens:   cfg.Reply.MaxTokens,
			System:      cfg.Reply.System,
		},
		Watchdog: cfg.Reply.Watchdog(),
		Locale:   cfg.UI.Locale,
		Logger:   a.Log,
		Metrics:  a.Metrics,
		Usage:    a.Usage,
	})
	a.closers = append(a.closers, func() error {
		a.Service.Close()
		return nil
	})

	s, err := a.Manager.Attach(ctx, a.Identity())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	a.Session = s
	return nil
}

// provider routes local model names to Ollama and vendor-prefixed names to
// the cloud client, when one is configured and allowed.
func (a *App) provider() reply.Provider {
	cfg := a.Config
	r := chat.Router{
		Local: ollama.NewClientWithConfig(&ollama.ClientConfig{
			BaseURL:      cfg.Ollama.URL,
			Timeout:      cfg.Ollama.Timeout(),
			DefaultModel: cfg.Reply.Model,
			NumCtx:       cfg.Ollama.NumCtx,
		}),
	}
	if cfg.Cloud.APIKey != "" && a.Policy.CheckCloud() == nil {
		r.Cloud = cloud.NewClient(cloud.Config{
			APIKey:     cfg.Cloud.APIKey,
			BaseURL:    cfg.Cloud.BaseURL,
			Model:      cfg.Cloud.Model,
			Timeout:    cfg.Cloud.Timeout(),
			MaxRetries: cfg.Cloud.MaxRetries,
			SiteName:   AppName,
			Logger:     a.Log,
		})
	}
	return r
}

// transport returns the sync client for identity. The anonymous identity
// and offline runs have none.
func (a *App) transport(identity string) replication.Transport {
	url := a.Policy.SyncURL(a.Config.Sync.URL)
	if url == "" || identity == persist.AnonymousIdentity {
		return nil
	}
	c, err := replication.NewClient(url, identity)
	if err != nil {
		a.Log.Warn("sync disabled", "url", url, "error", err)
		return nil
	}
	c.SetLogger(a.Log)
	return c
}

// broadcast opens the same-device spool for identity.
func (a *App) broadcast(identity string) (replication.Broadcaster, error) {
	if !a.Config.Sync.Spool {
		return nil, nil
	}
	dir, err := storage.IdentityDir(filepath.Join(a.Config.Storage.Dir, "spool"), identity)
	if err != nil {
		return nil, err
	}
	spool, err := replication.OpenSpool(dir, replication.SpoolOptions{Logger: a.Log})
	if err != nil {
		return nil, err
	}
	return spool, nil
}

// serveMetrics exposes a.Metrics on addr until Close.
func (a *App) serveMetrics(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.Metrics.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Log.Warn("metrics server stopped", "error", err)
		}
	}()
	a.Log.Info("serving metrics", "addr", ln.Addr().String())
	a.closers = append(a.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	})
	return nil
}

// Close releases everything in reverse order of opening.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// Doc returns the attached store.
func (a *App) Doc() *crdt.Doc {
	return a.Session.Doc
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
