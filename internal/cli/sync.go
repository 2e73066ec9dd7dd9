// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/jeranaias/threadline/internal/config"
	"github.com/jeranaias/threadline/internal/offline"
	"github.com/jeranaias/threadline/internal/persist"
	"github.com/jeranaias/threadline/internal/replication"
)

// maxSyncCycles bounds one sync command run.
const maxSyncCycles = 64

// syncReport is the --json output of sync and login.
type syncReport struct {
	Identity    string            `json:"identity"`
	Online      bool              `json:"online"`
	Cycles      int               `json:"cycles"`
	PushedBytes int               `json:"pushedBytes"`
	Applied     int               `json:"applied"`
	Imported    int               `json:"imported"`
	State       replication.State `json:"state"`
	Status      syncStatusJSON    `json:"status"`
}

type syncStatusJSON struct {
	RateLimitedUntil *time.Time `json:"rateLimitedUntil,omitempty"`
	LastHandshake    *time.Time `json:"lastHandshake,omitempty"`
	PendingUpdates   int        `json:"pendingUpdates"`
	LegacyImported   bool       `json:"legacyImported"`
	LastError        string     `json:"lastError,omitempty"`
}

func statusJSON(st replication.Status) syncStatusJSON {
	out := syncStatusJSON{
		PendingUpdates: st.PendingUpdates,
		LegacyImported: st.LegacyImported,
		LastError:      st.LastError,
	}
	if !st.RateLimitedUntil.IsZero() {
		t := st.RateLimitedUntil
		out.RateLimitedUntil = &t
	}
	if !st.LastHandshake.IsZero() {
		t := st.LastHandshake
		out.LastHandshake = &t
	}
	return out
}

// syncNow flushes pending changes and cycles the engine until it settles.
func syncNow(ctx context.Context, app *App) (syncReport, error) {
	sess, err := app.Manager.Current()
	if err != nil {
		return syncReport{}, err
	}
	online := app.transportOnline(sess.Identity)
	report := syncReport{Identity: sess.Identity, Online: online}

	if online {
		if err := sess.Engine.Flush(ctx); err != nil && !errors.Is(err, replication.ErrRateLimited) {
			return report, err
		}
	}
	for report.Cycles < maxSyncCycles {
		res := sess.Engine.Cycle(ctx)
		report.Cycles++
		report.PushedBytes += res.PushedBytes
		report.Applied += res.Applied
		report.Imported += res.Imported
		report.State = res.State
		if res.Err != nil {
			report.Status = statusJSON(sess.Engine.Status())
			return report, res.Err
		}
		if res.State == replication.StateIdle || res.State == replication.StateRateLimited {
			break
		}
	}
	report.Status = statusJSON(sess.Engine.Status())
	return report, nil
}

// transportOnline reports whether identity syncs with a server.
func (a *App) transportOnline(identity string) bool {
	return identity != persist.AnonymousIdentity && a.Policy.SyncURL(a.Config.Sync.URL) != ""
}

func printSyncStatus(w io.Writer, identity string, st replication.Status) {
	fmt.Fprintf(w, "%s %s\n", RenderLabel("Identity:"), ValueStyle.Render(identity))
	last := "never"
	if !st.LastHandshake.IsZero() {
		last = humanize.Time(st.LastHandshake)
	}
	fmt.Fprintf(w, "%s %s\n", RenderLabel("Last sync:"), ValueStyle.Render(last))
	fmt.Fprintf(w, "%s %d\n", RenderLabel("Pending:"), st.PendingUpdates)
	if !st.RateLimitedUntil.IsZero() && time.Now().Before(st.RateLimitedUntil) {
		fmt.Fprintf(w, "%s %s\n", RenderLabel("Rate limited:"),
			WarningStyle.Render("until "+humanize.Time(st.RateLimitedUntil)))
	}
	if st.LastError != "" {
		fmt.Fprintf(w, "%s %s\n", RenderLabel("Last error:"), ErrorStyle.Render(st.LastError))
	}
}

func printSyncReport(w io.Writer, r syncReport) {
	if !r.Online {
		fmt.Fprintln(w, DimStyle.Render("Not syncing: "+offlineReason(r.Identity)))
	} else {
		fmt.Fprintf(w, "%s synced: %s pushed, %d updates applied\n",
			SuccessStyle.Render("✓"), humanize.Bytes(uint64(r.PushedBytes)), r.Applied)
	}
	if r.Imported > 0 {
		fmt.Fprintf(w, "%s imported %d legacy conversations\n", SuccessStyle.Render("✓"), r.Imported)
	}
}

func offlineReason(identity string) string {
	if identity == persist.AnonymousIdentity {
		return "signed out. Run 'threadline login <identity>' to sync."
	}
	return "no sync.url configured, or offline mode is on."
}

// =============================================================================
// SYNC
// =============================================================================

// NewSyncCmd runs sync cycles in the foreground.
func NewSyncCmd() *cobra.Command {
	var (
		watch  bool
		status bool
	)
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Sync conversations with the server now",
		Long: `Push local changes, pull remote ones and import legacy conversations.
With --watch, keep syncing until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			g := readGlobalFlags(cmd)
			if err := (offline.Policy{Offline: g.offline}).CheckSync(); err != nil && !status {
				return &ExitError{Code: ExitOfflineError, Err: err}
			}
			app, err := openApp(cmd, appOptions{store: true})
			if err != nil {
				return err
			}
			defer app.Close()

			if status {
				sess, err := app.Manager.Current()
				if err != nil {
					return err
				}
				st := sess.Engine.Status()
				return outputJSON(app.out, g.jsonMode, "sync", func() (any, error) {
					if !g.jsonMode {
						printSyncStatus(app.out, sess.Identity, st)
					}
					return statusJSON(st), nil
				})
			}

			if !watch {
				return outputJSON(app.out, g.jsonMode, "sync", func() (any, error) {
					report, err := syncNow(cmd.Context(), app)
					if err == nil && !g.jsonMode && !g.quiet {
						printSyncReport(app.out, report)
					}
					return report, err
				})
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			ticker := time.NewTicker(app.Config.Sync.Interval())
			defer ticker.Stop()
			for {
				report, err := syncNow(ctx, app)
				switch {
				case ctx.Err() != nil:
					return nil
				case err != nil:
					fmt.Fprintf(app.errOut, "%s %v\n", ErrorStyle.Render("[Error]"), err)
				case report.PushedBytes > 0 || report.Applied > 0 || report.Imported > 0:
					printSyncReport(app.out, report)
				}
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
				}
			}
		},
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "keep syncing until interrupted")
	cmd.Flags().BoolVar(&status, "status", false, "print sync status without syncing")
	return cmd
}

// =============================================================================
// LOGIN / LOGOUT
// =============================================================================

// NewLoginCmd signs in to an identity.
func NewLoginCmd() *cobra.Command {
	var url string
	cmd := &cobra.Command{
		Use:   "login <identity>",
		Short: "Sign in and merge local conversations into an identity",
		Long: `Store the identity (the sync token) in the config file and attach it.
Conversations made while signed out are merged into the identity once, and
the first sync runs immediately.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			g := readGlobalFlags(cmd)
			identity := strings.TrimSpace(args[0])
			if identity == "" || identity == persist.AnonymousIdentity {
				return usageError("invalid identity %q", args[0])
			}
			if _, err := editConfig(g, func(c *config.Config) error {
				c.Sync.Identity = identity
				if url != "" {
					c.Sync.URL = url
				}
				return nil
			}); err != nil {
				return err
			}

			app, err := openApp(cmd, appOptions{store: true})
			if err != nil {
				return err
			}
			defer app.Close()

			return outputJSON(app.out, g.jsonMode, "login", func() (any, error) {
				if !g.jsonMode && !g.quiet {
					fmt.Fprintf(app.out, "%s signed in as %s\n", SuccessStyle.Render("✓"), app.Identity())
				}
				report, err := syncNow(cmd.Context(), app)
				if err != nil {
					// Signed in; sync retries in the background of later runs.
					fmt.Fprintf(app.errOut, "%s first sync failed: %v\n", WarningStyle.Render("[Warning]"), err)
					return report, nil
				}
				if !g.jsonMode && !g.quiet {
					printSyncReport(app.out, report)
				}
				return report, nil
			})
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "sync server URL to store with the identity")
	return cmd
}

// NewLogoutCmd signs out.
func NewLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out; new conversations stay on this device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			g := readGlobalFlags(cmd)
			var previous string
			if _, err := editConfig(g, func(c *config.Config) error {
				previous = c.Sync.Identity
				c.Sync.Identity = ""
				return nil
			}); err != nil {
				return err
			}
			return outputJSON(cmd.OutOrStdout(), g.jsonMode, "logout", func() (any, error) {
				if !g.jsonMode && !g.quiet {
					if previous == "" {
						fmt.Fprintln(cmd.OutOrStdout(), DimStyle.Render("Not signed in."))
					} else {
						fmt.Fprintf(cmd.OutOrStdout(), "%s signed out of %s\n", SuccessStyle.Render("✓"), previous)
					}
				}
				return map[string]string{"previous": previous}, nil
			})
		},
	}
}
