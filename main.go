package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"echodb/internal/config"
	"echodb/internal/logging"
	"echodb/internal/mutation"
	"echodb/internal/store"
)

// rootOptions holds flags shared by every command.
type rootOptions struct {
	ConfigPath string
	LogLevel   string
}

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "echodb",
		Short: "EchoDB - audited table mutations streamed as events",
		Long: `EchoDB applies validated mutations to whitelisted tables, records every
change as an event in the same transaction, and streams the event log to
clients over Server-Sent Events.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "config.yaml", "path to the YAML configuration file")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "override logging.level (debug|info|warn|error)")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newMigrateCommand(opts))
	cmd.AddCommand(newCheckCommand(opts))

	return cmd
}

// app bundles what every command needs.
type app struct {
	cfg      *config.Config
	logger   *logrus.Logger
	registry *mutation.Registry
	closer   io.Closer
}

// setup loads configuration and builds the logger. A missing config file is
// only an error when --config was given explicitly.
func setup(cmd *cobra.Command, opts *rootOptions) (*app, error) {
	path := opts.ConfigPath
	if !cmd.Flags().Changed("config") {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			path = ""
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if opts.LogLevel != "" {
		cfg.Logging.Level = opts.LogLevel
	}

	logger, closer, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, err
	}

	registry, err := mutation.NewRegistry(cfg.Tables)
	if err != nil {
		closer.Close()
		return nil, fmt.Errorf("invalid table whitelist: %w", err)
	}

	return &app{cfg: cfg, logger: logger, registry: registry, closer: closer}, nil
}

func (a *app) openStore(ctx context.Context) (*store.Store, error) {
	db := a.cfg.Database
	return store.Open(ctx, store.Options{
		Driver:          db.Driver,
		DSN:             db.DataSource(),
		MaxOpenConns:    db.MaxOpenConns,
		MaxIdleConns:    db.MaxIdleConns,
		ConnMaxLifetime: db.ConnMaxLifetime,
	}, a.registry, nil, a.logger)
}

func (a *app) Close() {
	a.closer.Close()
}
