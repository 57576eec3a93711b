package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/sebas/agentphone/internal/agent/config"
	"github.com/sebas/agentphone/internal/logger"
)

// Set with -ldflags "-X main.version=...".
var version = "dev"

type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "agentphone",
		Short: "Agent telephony client",
		Long: `agentphone registers a SIP agent, drives calls and conferences through the
call-control backend and publishes live snapshots for other views.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file (default ./agentphone.yaml)")
	root.PersistentFlags().StringVarP(&opts.logLevel, "log-level", "l", "", "override log level (debug, info, warn, error)")

	root.AddCommand(
		newRunCmd(opts),
		newHistoryCmd(opts),
		newWatchCmd(opts),
		newVersionCmd(),
	)
	return root
}

// load reads the configuration and installs the logger. The returned closer
// releases the log file.
func (o *rootOptions) load() (*config.Config, io.Closer, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, nil, err
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	closer, err := logger.InitFromConfig(cfg.Log.Level, cfg.Log.File)
	if err != nil {
		return nil, nil, err
	}
	return cfg, closer, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "agentphone %s\n", version)
		},
	}
}
