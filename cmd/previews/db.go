package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newDBCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Database maintenance",
	}
	migrate := &cobra.Command{
		Use:   "migrate",
		Short: "Schema migrations",
	}
	migrate.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Create or update the schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.setup()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			st, err := openStore(cmd.Context(), cfg.Database)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()
			if err := st.Migrate(cmd.Context()); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			logger.Info("schema up to date", zap.String("backend", cfg.Database.Backend))
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	})
	cmd.AddCommand(migrate)
	return cmd
}
