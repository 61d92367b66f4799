package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/relaynotes/internal/app"
	"github.com/agentworkforce/relaynotes/internal/config"
)

type rootFlags struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	cmd := &cobra.Command{
		Use:           "relaynotes",
		Short:         "Share line-level code notes through a Telegram chat",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}
	cmd.PersistentFlags().StringVar(&flags.configPath, "config", os.Getenv(config.EnvConfigPath), "settings file (JSON)")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "override the configured log level")

	cmd.AddCommand(
		newServeCmd(flags),
		newSyncCmd(flags),
		newListCmd(flags),
		newAddCmd(flags),
		newMCPCmd(flags),
	)
	return cmd
}

func (f *rootFlags) open(ctx context.Context, service string) (*app.App, error) {
	return app.New(ctx, app.Options{ConfigPath: f.configPath, LogLevel: f.logLevel, Service: service})
}
