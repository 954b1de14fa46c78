// Command previews serves stream preview images.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wilhg/previews/internal/config"
	"github.com/wilhg/previews/internal/logging"
)

var (
	version = "dev"
	commit  = ""
	date    = ""
)

// rootOptions holds global flags for all commands.
type rootOptions struct {
	ConfigPath string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "previews",
		Short:         "Preview image delivery service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", os.Getenv("PREVIEWS_CONFIG"), "path to a YAML config file")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newDBCommand(opts))
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "previews %s (commit=%s, date=%s)\n", version, commit, date)
		},
	}
}

// setup loads the configuration and builds the process logger.
func (o *rootOptions) setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, nil, fmt.Errorf("logger: %w", err)
	}
	return cfg, logger, nil
}
