// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"os"

	"github.com/spf13/cobra"
)

// AppName is the binary name.
const AppName = "threadline"

// Version information (set at build time)
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// globalFlags are the persistent flags shared by every command.
type globalFlags struct {
	configPath  string
	jsonMode    bool
	model       string
	identity    string
	offline     bool
	logLevel    string
	metricsAddr string
	quiet       bool
}

func readGlobalFlags(cmd *cobra.Command) globalFlags {
	var g globalFlags
	g.configPath, _ = cmd.Flags().GetString("config")
	g.jsonMode, _ = cmd.Flags().GetBool("json")
	g.model, _ = cmd.Flags().GetString("model")
	g.identity, _ = cmd.Flags().GetString("identity")
	g.offline, _ = cmd.Flags().GetBool("offline")
	g.logLevel, _ = cmd.Flags().GetString("log-level")
	g.metricsAddr, _ = cmd.Flags().GetString("metrics-addr")
	g.quiet, _ = cmd.Flags().GetBool("quiet")
	return g
}

// NewRootCmd builds the command tree.
func NewRootCmd(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   AppName,
		Short: "Branching LLM conversations that sync across devices",
		Long: `threadline keeps conversations with local and cloud models in a
replicated store. Every edit or regeneration becomes a branch, and
conversations merge without loss across devices through a sync server.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, "")
		},
	}

	cmd.Version = version
	cmd.SetVersionTemplate(AppName + " version {{.Version}}\n")
	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)

	pf := cmd.PersistentFlags()
	pf.String("config", "", "config file (default ~/.threadline/config.toml)")
	pf.Bool("json", false, "output in JSON format")
	pf.StringP("model", "m", "", "model for new replies")
	pf.String("identity", "", "identity to use instead of the signed-in one")
	pf.Bool("offline", false, "disable sync and cloud models")
	pf.String("log-level", "", "log level: debug, info, warn, error")
	pf.String("metrics-addr", "", "serve Prometheus metrics on this address")
	pf.BoolP("quiet", "q", false, "minimal output")

	cmd.AddCommand(
		NewChatCmd(),
		NewAskCmd(),
		NewListCmd(),
		NewShowCmd(),
		NewTreeCmd(),
		NewDeleteCmd(),
		NewRenameCmd(),
		NewOptionCmd(),
		NewSyncCmd(),
		NewLoginCmd(),
		NewLogoutCmd(),
		NewImportCmd(),
		NewUsageCmd(),
		NewServeCmd(),
		NewConfigCmd(),
	)
	return cmd
}

// Execute runs the root command with os.Args.
func Execute() error {
	return NewRootCmd(Version).Execute()
}
