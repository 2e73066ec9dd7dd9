// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jeranaias/threadline/internal/storage"
)

// importReport is the --json output of import.
type importReport struct {
	Dir      string `json:"dir"`
	Found    int    `json:"found"`
	Chats    int    `json:"chats"`
	Messages int    `json:"messages"`
	Skipped  int    `json:"skipped"`
}

// NewImportCmd imports legacy conversation files.
func NewImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import [dir]",
		Short: "Import legacy conversation files",
		Long: `Read flat JSON conversation files (one per conversation) and merge them
into the store. Messages already present are skipped, so importing twice
is harmless. The default directory is storage.legacy_dir, which is also
imported automatically on every start.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp(cmd, appOptions{store: true})
			if err != nil {
				return err
			}
			defer app.Close()

			dir := app.Config.Storage.LegacyDir
			if len(args) == 1 {
				dir = args[0]
			}
			return outputJSON(app.out, app.Flags.jsonMode, "import", func() (any, error) {
				chats, err := storage.OpenStore(dir).LegacyChats(cmd.Context())
				if err != nil {
					return nil, fmt.Errorf("read %s: %w", dir, err)
				}
				stats, err := app.Doc().ImportLegacy(chats)
				if err != nil {
					return nil, fmt.Errorf("import: %w", err)
				}
				report := importReport{
					Dir:      dir,
					Found:    len(chats),
					Chats:    stats.Chats,
					Messages: stats.Messages,
					Skipped:  stats.Skipped,
				}
				if !app.Flags.jsonMode && !app.Flags.quiet {
					fmt.Fprintf(app.out, "%s imported %d messages in %d conversations from %s (%d skipped)\n",
						SuccessStyle.Render("✓"), stats.Messages, stats.Chats, dir, stats.Skipped)
				}
				return report, nil
			})
		},
	}
}
