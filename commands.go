package main

import (
	"github.com/spf13/cobra"
)

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the event log and whitelisted tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			// Open applies the schema.
			st, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			a.logger.WithField("driver", st.Driver()).Info("Schema is up to date")
			return nil
		},
	}
}

func newCheckCommand(opts *rootOptions) *cobra.Command {
	var replication bool

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Verify database connectivity and privileges",
		Long: `Connect to the configured database and verify the privileges EchoDB needs.
With --replication (or binlog.enabled) the MySQL replication grants and
binary log settings used by the binlog watcher are checked too.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			st, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.NewChecker().Check(cmd.Context(), replication || a.cfg.Binlog.Enabled); err != nil {
				return err
			}
			a.logger.Info("All checks passed")
			return nil
		},
	}

	cmd.Flags().BoolVar(&replication, "replication", false, "also check binlog replication prerequisites")
	return cmd
}
