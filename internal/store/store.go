package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/juju/clock"
	"github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"echodb/internal/mutation"
)

// Options configures the database connection.
type Options struct {
	Driver          string // mysql or sqlite3
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Store owns the whitelisted rows and the event log.
type Store struct {
	db       *sqlx.DB
	dialect  dialect
	registry *mutation.Registry
	clock    clock.Clock
	logger   *logrus.Logger
}

// Open connects to the database and applies the schema. The schema is
// idempotent, so Open is safe to call against an existing database.
func Open(ctx context.Context, opts Options, registry *mutation.Registry, clk clock.Clock, logger *logrus.Logger) (*Store, error) {
	d, err := dialectFor(opts.Driver)
	if err != nil {
		return nil, err
	}

	dsn, err := d.normalizeDSN(opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database DSN: %w", err)
	}

	db, err := sqlx.Open(d.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	d.configurePool(db, opts)
	for _, stmt := range d.pragmas {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", stmt, err)
		}
	}

	if clk == nil {
		clk = clock.WallClock
	}
	s := &Store{
		db:       db,
		dialect:  d,
		registry: registry,
		clock:    clk,
		logger:   logger,
	}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	logger.Infof("Connected to %s database", d.driver)
	return s, nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping runs a trivial query to check the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	var one int
	if err := s.db.GetContext(ctx, &one, "SELECT 1"); err != nil {
		return fmt.Errorf("failed to probe database: %w", err)
	}
	return nil
}

// Driver returns the database/sql driver name in use.
func (s *Store) Driver() string {
	return s.dialect.driver
}

type dialect struct {
	driver     string
	pragmas    []string
	lockSuffix string // appended to row reads inside Apply
	quoteChar  string
	ddl        func(*mutation.Table) string
	seedSQL    string
	logDDL     []string
}

func dialectFor(driver string) (dialect, error) {
	switch driver {
	case "mysql":
		return mysqlDialect, nil
	case "sqlite3", "sqlite":
		return sqliteDialect, nil
	default:
		return dialect{}, fmt.Errorf("unsupported database driver %q", driver)
	}
}

func (d dialect) normalizeDSN(dsn string) (string, error) {
	if d.driver != "mysql" {
		return dsn, nil
	}
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", err
	}
	// Event timestamps are written and compared in UTC.
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	return cfg.FormatDSN(), nil
}

func (d dialect) configurePool(db *sqlx.DB, opts Options) {
	if d.driver == "sqlite3" {
		// SQLite has a single writer; one connection avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		return
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}
}

func (d dialect) quote(ident string) string {
	return d.quoteChar + ident + d.quoteChar
}

func (d dialect) quoteAll(idents []string) string {
	quoted := make([]string, len(idents))
	for i, ident := range idents {
		quoted[i] = d.quote(ident)
	}
	return strings.Join(quoted, ", ")
}

// isDuplicateKey reports a primary key collision, raised when two inserts
// race for the same row id.
func (d dialect) isDuplicateKey(err error) bool {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code == sqlite3.ErrConstraint
	}
	return false
}
