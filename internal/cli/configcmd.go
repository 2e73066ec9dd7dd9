// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jeranaias/threadline/internal/config"
)

// secretKeys are masked by config list and show.
var secretKeys = map[string]bool{"cloud.api_key": true}

// configPath returns the file config edits write to: --config, else the
// existing TOML or JSON file, else a new TOML file.
func configPath(g globalFlags) (string, error) {
	if g.configPath != "" {
		return g.configPath, nil
	}
	tomlPath, err := config.ConfigPathTOML()
	if err != nil {
		return "", err
	}
	jsonPath, err := config.ConfigPathJSON()
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(tomlPath); err != nil {
		if _, err := os.Stat(jsonPath); err == nil {
			return jsonPath, nil
		}
	}
	return tomlPath, nil
}

// editConfig applies fn to the config file as written, without environment
// overrides or resolved defaults, validates the result and saves it.
func editConfig(g globalFlags, fn func(*config.Config) error) (string, error) {
	path, err := configPath(g)
	if err != nil {
		return "", err
	}
	isJSON := strings.HasSuffix(path, ".json")

	cfg := config.Default()
	if _, err := os.Stat(path); err == nil {
		load := config.LoadTOML
		if isJSON {
			load = config.LoadJSON
		}
		if err := load(cfg, path); err != nil {
			return "", &ExitError{Code: ExitConfigError, Err: err}
		}
	}
	if err := fn(cfg); err != nil {
		return "", err
	}

	check := cfg.Clone()
	check.SetDefaults()
	if err := check.Validate(); err != nil {
		return "", &ExitError{Code: ExitConfigError, Err: err}
	}

	if isJSON {
		err = config.SaveJSON(cfg, path)
	} else {
		err = config.SaveTOML(cfg, path)
	}
	if err != nil {
		return "", &ExitError{Code: ExitConfigError, Err: err}
	}
	return path, nil
}

// NewConfigCmd manages the config file.
func NewConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show and edit configuration",
		Long: `Keys use dot notation: sync.url, reply.model, ui.theme. Per-user plugin
options live under options.<group>.<key>, for example
options.systemprompt.prompt.`,
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "get <key>",
			Short: "Print one value",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				g := readGlobalFlags(cmd)
				cfg, err := loadConfig(g)
				if err != nil {
					return &ExitError{Code: ExitConfigError, Err: err}
				}
				return outputJSON(cmd.OutOrStdout(), g.jsonMode, "config get", func() (any, error) {
					v, err := cfg.Get(args[0])
					if err != nil {
						return nil, usageError("%v", err)
					}
					if !g.jsonMode {
						fmt.Fprintln(cmd.OutOrStdout(), v)
					}
					return map[string]any{"key": args[0], "value": v}, nil
				})
			},
		},
		&cobra.Command{
			Use:   "set <key> <value>",
			Short: "Set one value in the config file",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				g := readGlobalFlags(cmd)
				path, err := editConfig(g, func(c *config.Config) error {
					if err := c.Set(args[0], args[1]); err != nil {
						return usageError("%v", err)
					}
					return nil
				})
				if err != nil {
					return err
				}
				if !g.quiet && !g.jsonMode {
					fmt.Fprintf(cmd.OutOrStdout(), "%s %s updated in %s\n", SuccessStyle.Render("✓"), args[0], path)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "Print every key and its effective value",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				g := readGlobalFlags(cmd)
				cfg, err := loadConfig(g)
				if err != nil {
					return &ExitError{Code: ExitConfigError, Err: err}
				}
				return outputJSON(cmd.OutOrStdout(), g.jsonMode, "config list", func() (any, error) {
					values := make(map[string]any)
					for _, key := range cfg.GetAllKeys() {
						v, err := cfg.Get(key)
						if err != nil {
							continue
						}
						if secretKeys[key] && v != "" {
							v = "[REDACTED]"
						}
						values[key] = v
						if !g.jsonMode {
							fmt.Fprintf(cmd.OutOrStdout(), "%s %v\n", LabelStyle.Width(32).Render(key), v)
						}
					}
					return values, nil
				})
			},
		},
		&cobra.Command{
			Use:   "path",
			Short: "Print the config file path",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				path, err := configPath(readGlobalFlags(cmd))
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), path)
				return nil
			},
		},
	)
	return cmd
}
