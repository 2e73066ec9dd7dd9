// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/jeranaias/threadline/internal/persist"
	"github.com/jeranaias/threadline/internal/server"
)

// NewServeCmd runs a sync peer.
func NewServeCmd() *cobra.Command {
	var (
		addr      string
		dataDir   string
		legacyDir string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a sync server",
		Long: `Serve POST /sync for every identity that presents a bearer token, plus
GET /legacy/chats, GET /health and GET /metrics. Each identity's store is
persisted with the configured storage driver.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp(cmd, appOptions{})
			if err != nil {
				return err
			}
			defer app.Close()

			cfg := app.Config
			if addr == "" {
				addr = cfg.Server.Addr
			}
			if dataDir == "" {
				dataDir = filepath.Join(cfg.Storage.Dir, "server")
			}
			backend, err := persist.Open(cfg.Storage.Driver, dataDir)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer backend.Close()

			srv := server.New(server.Options{
				Addr:         addr,
				Backend:      backend,
				CompactEvery: cfg.Storage.CompactEvery,
				LegacyDir:    legacyDir,
				RateLimit:    rate.Limit(cfg.Server.RateLimit),
				Burst:        cfg.Server.Burst,
				Logger:       app.Log,
				Metrics:      app.Metrics,
			})
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return &ExitError{Code: ExitNetworkError, Err: fmt.Errorf("listen %s: %w", addr, err)}
			}
			if !app.Flags.quiet {
				fmt.Fprintf(app.out, "%s sync server on http://%s (data in %s)\n",
					SuccessStyle.Render("✓"), ln.Addr(), dataDir)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			errc := make(chan error, 1)
			go func() { errc <- srv.Serve(ln) }()

			select {
			case err := <-errc:
				return err
			case <-ctx.Done():
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return err
			}
			return <-errc
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default server.addr)")
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "where identity stores are kept (default <storage.dir>/server)")
	cmd.Flags().StringVar(&legacyDir, "legacy-dir", "", "per-identity legacy conversation directories to serve")
	return cmd
}
