// Package commands implements the worldmodel command line.
package commands

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/banshee-data/worldmodel/internal/config"
	"github.com/banshee-data/worldmodel/internal/monitoring"
	"github.com/banshee-data/worldmodel/internal/version"
	"github.com/spf13/cobra"
)

// globalOptions are the persistent flags shared by every subcommand.
type globalOptions struct {
	configPath string
	debug      bool
}

// NewRootCommand builds the full command tree.
func NewRootCommand() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:   "worldmodel",
		Short: "Probabilistic object tracker and world model",
		Long: `worldmodel fuses pose and image percepts from many sensors into one
model of tracked objects, each with a position, a covariance and a support
score.

Percepts arrive over HTTP, Redis, UDP or a serial link; the model is served
over HTTP, gRPC and Redis and persisted to SQLite.`,
		Version:      version.String(),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if opts.debug {
				monitoring.SetDebug(true)
			}
		},
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", config.DefaultConfigPath, "Path to a .json or .yaml config file")
	root.PersistentFlags().BoolVar(&opts.debug, "debug", false, "Log every dropped percept and projection")

	root.AddCommand(
		newServeCommand(opts),
		newReplayCommand(opts),
		newMigrateCommand(opts),
		newWatchCommand(opts),
		newPlotCommand(opts),
		newVersionCommand(),
	)
	return root
}

// Execute runs the command line.
func Execute() error {
	return NewRootCommand().Execute()
}

// loadConfig reads the config file. A missing file at the default path is
// not an error and yields the built-in defaults.
func (o *globalOptions) loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.LoadConfig(o.configPath)
	if err == nil {
		if cfg.GetDebug() {
			monitoring.SetDebug(true)
		}
		return cfg, nil
	}
	if errors.Is(err, fs.ErrNotExist) && !cmd.Flags().Changed("config") {
		monitoring.Logf("No config at %s, using defaults", o.configPath)
		return config.DefaultConfig(), nil
	}
	return nil, err
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), version.String())
			return err
		},
	}
}

// isTerminal reports whether stdout is an interactive terminal.
func isTerminal() bool {
	fi, err := os.Stdout.Stat()
	return err == nil && fi.Mode()&os.ModeCharDevice != 0
}
