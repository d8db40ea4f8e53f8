package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/juju/clock"
	"github.com/spf13/cobra"

	"echodb/internal/api"
	"echodb/internal/binlog"
	"echodb/internal/metrics"
	"echodb/internal/mutation"
	"echodb/internal/nats"
	"echodb/internal/processor"
	"echodb/internal/ratelimit"
	"echodb/internal/stats"
	"echodb/internal/store"
	"echodb/internal/stream"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, event stream and optional relays",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.serve(cmd.Context())
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	cfg := a.cfg
	logger := a.logger

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Infof("Starting %s %s (%s)...", cfg.App.Name, cfg.App.Version, cfg.App.Environment)

	st, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	checker := st.NewChecker()
	if err := checker.Check(ctx, cfg.Binlog.Enabled); err != nil {
		return err
	}

	m := metrics.New()
	hub := stream.NewHub()
	server := api.NewServer(
		st,
		mutation.NewValidator(a.registry),
		ratelimit.New(cfg.RateLimit.Requests, cfg.RateLimit.Per, clock.WallClock),
		stats.NewService(st, clock.WallClock),
		hub,
		m,
		api.Options{
			App:               cfg.App,
			BasePath:          cfg.HTTP.BasePath,
			CORS:              cfg.CORS,
			TrustForwardedFor: cfg.RateLimit.TrustForwardedFor,
			Stream: stream.Config{
				PollInterval:      cfg.Stream.PollInterval,
				HeartbeatInterval: cfg.Stream.HeartbeatInterval,
				MaxDuration:       cfg.Stream.MaxDuration,
				BatchSize:         cfg.Stream.BatchSize,
				Clock:             clock.WallClock,
			},
		},
		logger,
	)

	// Background workers stop before their resources are released.
	var wg sync.WaitGroup
	var closers []func()
	defer func() {
		stop()
		wg.Wait()
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}()

	if cfg.NATS.Enabled {
		relay, closeRelay, err := a.newRelay(st, hub, m)
		if err != nil {
			return err
		}
		closers = append(closers, closeRelay)
		wg.Add(1)
		go func() {
			defer wg.Done()
			relay.Start(ctx)
		}()
	}

	if cfg.Binlog.Enabled {
		watcher, closeWatcher, err := a.newWatcher(ctx, checker, hub)
		if err != nil {
			return err
		}
		closers = append(closers, closeWatcher)
		wg.Add(1)
		go func() {
			defer wg.Done()
			watcher.Start(ctx)
		}()
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Infof("HTTP server listening on %s (base path %s)", cfg.HTTP.Addr, cfg.HTTP.BasePath)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
		close(errChan)
	}()

	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal, shutting down...")
	case err := <-errChan:
		if err != nil {
			return fmt.Errorf("HTTP server error: %w", err)
		}
	}

	server.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("HTTP shutdown incomplete: %v", err)
	}

	logger.Infof("%s stopped", cfg.App.Name)
	return nil
}

// newRelay wires the NATS publisher and transformer to the event log.
func (a *app) newRelay(st *store.Store, hub *stream.Hub, m *metrics.Metrics) (*processor.Processor, func(), error) {
	cfg := a.cfg.NATS
	if err := processor.ValidateRules(cfg.Processor); err != nil {
		return nil, nil, fmt.Errorf("invalid processor configuration: %w", err)
	}

	publisher, err := nats.NewPublisher(nats.Options{
		URL:           cfg.URL,
		Name:          a.cfg.App.Name,
		MaxReconnect:  cfg.MaxReconnect,
		ReconnectWait: cfg.ReconnectWait,
	}, a.logger)
	if err != nil {
		return nil, nil, err
	}

	transformer, err := processor.NewTransformer(cfg.Processor, a.logger, publisher.Conn())
	if err != nil {
		publisher.Close()
		return nil, nil, fmt.Errorf("failed to create transformer: %w", err)
	}

	wake, unsubscribe := hub.Subscribe()
	relay, err := processor.NewProcessor(st, publisher, transformer, processor.Options{
		Subject:      cfg.Subject,
		PositionFile: cfg.PositionFile,
		PollInterval: cfg.PollInterval,
		BatchSize:    cfg.BatchSize,
		Wake:         wake,
	}, m, a.logger)
	if err != nil {
		unsubscribe()
		publisher.Close()
		return nil, nil, err
	}

	return relay, func() {
		unsubscribe()
		publisher.Close()
	}, nil
}

// newWatcher starts binlog replication at the saved position, or at the
// server's current position on first start.
func (a *app) newWatcher(ctx context.Context, checker *store.Checker, hub *stream.Hub) (*binlog.Watcher, func(), error) {
	conn := a.cfg.Database.MySQL()
	host, portStr, err := net.SplitHostPort(conn.Addr)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid database address %q: %w", conn.Addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid database port %q: %w", portStr, err)
	}

	var start mysql.Position
	saved, err := binlog.LoadPosition(a.cfg.Binlog.PositionFile)
	if err != nil {
		return nil, nil, err
	}
	if saved.Name == "" {
		file, pos, err := checker.MasterPosition(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to get master position: %w", err)
		}
		start = mysql.Position{Name: file, Pos: pos}
		if a.cfg.Binlog.StartPosition > 0 {
			start.Pos = a.cfg.Binlog.StartPosition
		}
	}

	reader, err := binlog.NewReader(binlog.Options{
		Host:         host,
		Port:         port,
		User:         conn.User,
		Password:     conn.Passwd,
		ServerID:     a.cfg.Binlog.ServerID,
		Flavor:       a.cfg.Binlog.Flavor,
		PositionFile: a.cfg.Binlog.PositionFile,
		Start:        start,
	}, a.logger)
	if err != nil {
		return nil, nil, err
	}

	watcher := binlog.NewWatcher(reader, hub, conn.DBName, store.EventsTable, a.logger)
	return watcher, reader.Close, nil
}
