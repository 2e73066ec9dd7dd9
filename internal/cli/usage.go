// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/jeranaias/threadline/internal/telemetry"
)

// usageReport is the usage command's output.
type usageReport struct {
	*telemetry.UsageTrends
	Sessions int `json:"sessions"`
	Pruned   int `json:"pruned,omitempty"`
}

// NewUsageCmd prints token usage history.
func NewUsageCmd() *cobra.Command {
	var days, prune int
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Show token usage over recent days",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp(cmd, appOptions{})
			if err != nil {
				return err
			}
			defer app.Close()
			if days <= 0 {
				return usageError("--days must be positive")
			}
			if prune < 0 {
				return usageError("--prune cannot be negative")
			}

			return outputJSON(app.out, app.Flags.jsonMode, "usage", func() (any, error) {
				tracker, err := telemetry.NewUsageTracker(app.Config.Telemetry.UsageDir)
				if err != nil {
					return nil, err
				}
				report := &usageReport{}
				store := tracker.Storage()
				if prune > 0 {
					if report.Pruned, err = store.DeleteBefore(time.Now().AddDate(0, 0, -prune)); err != nil {
						return nil, err
					}
				}
				if report.Sessions, err = store.Count(); err != nil {
					return nil, err
				}
				report.UsageTrends = tracker.Trends(days)
				trends := report.UsageTrends
				if app.Flags.jsonMode {
					return report, nil
				}

				w := app.out
				fmt.Fprintln(w, TitleStyle.Render(fmt.Sprintf("Usage, last %d days", days)))
				if report.Pruned > 0 {
					fmt.Fprintln(w, DimStyle.Render(fmt.Sprintf("Pruned %d old sessions.", report.Pruned)))
				}
				fmt.Fprintf(w, "%s %d\n", RenderLabel("Sessions stored:"), report.Sessions)
				if trends.Replies == 0 {
					fmt.Fprintln(w, DimStyle.Render("No replies recorded."))
					return report, nil
				}
				for _, d := range trends.Daily {
					fmt.Fprintf(w, "%s %8s tokens  %4d replies\n",
						RenderLabel(d.Date.Format("Mon Jan 02")),
						humanize.Comma(int64(d.Tokens.Total())), d.Replies)
				}
				fmt.Fprintln(w, RenderSeparator(44))
				fmt.Fprintf(w, "%s %8s tokens  %4d replies\n", RenderLabel("Total"),
					humanize.Comma(int64(trends.Total.Total())), trends.Replies)
				for _, tier := range []string{telemetry.TierLocal, telemetry.TierCloud} {
					tc := trends.ByTier[tier]
					fmt.Fprintf(w, "%s %8s in  %8s out\n", RenderLabel("  "+tier),
						humanize.Comma(int64(tc.Input)), humanize.Comma(int64(tc.Output)))
				}
				return report, nil
			})
		},
	}
	cmd.Flags().IntVar(&days, "days", 7, "number of days to include")
	cmd.Flags().IntVar(&prune, "prune", 0, "delete sessions older than this many days first")
	return cmd
}
