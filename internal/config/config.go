package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-sql-driver/mysql"
	"gopkg.in/yaml.v3"

	"echodb/internal/mutation"
)

// EnvPrefix prefixes every environment override, e.g. ECHODB_HTTP_ADDR.
const EnvPrefix = "ECHODB_"

type Config struct {
	App       AppConfig        `yaml:"app" envPrefix:"APP_"`
	HTTP      HTTPConfig       `yaml:"http" envPrefix:"HTTP_"`
	Database  DatabaseConfig   `yaml:"database" envPrefix:"DB_"`
	Logging   LoggingConfig    `yaml:"logging" envPrefix:"LOG_"`
	CORS      CORSConfig       `yaml:"cors" envPrefix:"CORS_"`
	RateLimit RateLimitConfig  `yaml:"rate_limit" envPrefix:"RATE_LIMIT_"`
	Stream    StreamConfig     `yaml:"stream" envPrefix:"STREAM_"`
	Tables    []mutation.Table `yaml:"tables"`
	NATS      NATSConfig       `yaml:"nats" envPrefix:"NATS_"`
	Binlog    BinlogConfig     `yaml:"binlog" envPrefix:"BINLOG_"`
}

type AppConfig struct {
	Name        string `yaml:"name" env:"NAME"`
	Version     string `yaml:"version" env:"VERSION"`
	Environment string `yaml:"environment" env:"ENV"`
}

type HTTPConfig struct {
	Addr              string        `yaml:"addr" env:"ADDR"`
	BasePath          string        `yaml:"base_path" env:"BASE_PATH"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" env:"READ_HEADER_TIMEOUT"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

type DatabaseConfig struct {
	Driver          string        `yaml:"driver" env:"DRIVER"` // mysql, sqlite3
	DSN             string        `yaml:"dsn" env:"DSN"`
	Host            string        `yaml:"host" env:"HOST"`
	Port            int           `yaml:"port" env:"PORT"`
	Name            string        `yaml:"name" env:"NAME"`
	User            string        `yaml:"user" env:"USER"`
	Password        string        `yaml:"password" env:"PASSWORD"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

type LoggingConfig struct {
	Level      string `yaml:"level" env:"LEVEL"`
	Format     string `yaml:"format" env:"FORMAT"` // text, json
	File       string `yaml:"file" env:"FILE"`
	MaxSizeMB  int    `yaml:"max_size_mb" env:"MAX_SIZE_MB"`
	MaxBackups int    `yaml:"max_backups" env:"MAX_BACKUPS"`
	MaxAgeDays int    `yaml:"max_age_days" env:"MAX_AGE_DAYS"`
	Compress   bool   `yaml:"compress" env:"COMPRESS"`
}

type CORSConfig struct {
	// Empty allows every origin.
	AllowedOrigins []string `yaml:"allowed_origins" env:"ALLOWED_ORIGINS" envSeparator:","`
}

type RateLimitConfig struct {
	Requests          int           `yaml:"requests" env:"REQUESTS"`
	Per               time.Duration `yaml:"per" env:"PER"`
	TrustForwardedFor bool          `yaml:"trust_forwarded_for" env:"TRUST_FORWARDED_FOR"`
}

type StreamConfig struct {
	PollInterval      time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" env:"HEARTBEAT_INTERVAL"`
	MaxDuration       time.Duration `yaml:"max_duration" env:"MAX_DURATION"`
	BatchSize         int           `yaml:"batch_size" env:"BATCH_SIZE"`
}

type NATSConfig struct {
	Enabled       bool          `yaml:"enabled" env:"ENABLED"`
	URL           string        `yaml:"url" env:"URL"`
	Subject       string        `yaml:"subject" env:"SUBJECT"`
	MaxReconnect  int           `yaml:"max_reconnect" env:"MAX_RECONNECT"`
	ReconnectWait time.Duration `yaml:"reconnect_wait" env:"RECONNECT_WAIT"`

	PositionFile string          `yaml:"position_file" env:"POSITION_FILE"`
	PollInterval time.Duration   `yaml:"poll_interval" env:"POLL_INTERVAL"`
	BatchSize    int             `yaml:"batch_size" env:"BATCH_SIZE"`
	Processor    ProcessorConfig `yaml:"processor" envPrefix:"PROCESSOR_"`
}

// ProcessorConfig configures how relayed events are transformed before
// publishing. A script takes precedence over rules.
type ProcessorConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Script  string `yaml:"script" env:"SCRIPT"`
	Rules   []Rule `yaml:"rules"`
}

// Rule reshapes the diff of events matching Table and Type (empty matches all).
type Rule struct {
	Table     string            `yaml:"table"`
	Type      string            `yaml:"type"`
	Include   []string          `yaml:"include"`
	Exclude   []string          `yaml:"exclude"`
	Rename    map[string]string `yaml:"rename"`
	AddFields map[string]string `yaml:"add_fields"`
}

type BinlogConfig struct {
	Enabled       bool   `yaml:"enabled" env:"ENABLED"`
	ServerID      uint32 `yaml:"server_id" env:"SERVER_ID"`
	Flavor        string `yaml:"flavor" env:"FLAVOR"` // mysql, mariadb
	PositionFile  string `yaml:"position_file" env:"POSITION_FILE"`
	StartPosition uint32 `yaml:"start_position" env:"START_POSITION"`
}

// Load reads the YAML file at path, applies ECHODB_* environment overrides
// and fills in defaults. An empty path skips the file.
func Load(path string) (*Config, error) {
	var config Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := env.ParseWithOptions(&config, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	config.setDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) setDefaults() {
	if c.App.Name == "" {
		c.App.Name = "EchoDB"
	}
	if c.App.Version == "" {
		c.App.Version = "1.0.0"
	}
	if c.App.Environment == "" {
		c.App.Environment = "production"
	}

	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
	c.HTTP.BasePath = normalizeBasePath(c.HTTP.BasePath)
	if c.HTTP.ReadHeaderTimeout == 0 {
		c.HTTP.ReadHeaderTimeout = 10 * time.Second
	}
	if c.HTTP.ShutdownTimeout == 0 {
		c.HTTP.ShutdownTimeout = 10 * time.Second
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite3"
	}
	if c.Database.Driver == "sqlite3" && c.Database.DSN == "" {
		c.Database.DSN = "echodb.db"
	}
	if c.Database.Host == "" {
		c.Database.Host = "127.0.0.1"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 3306
	}
	if c.Database.Name == "" {
		c.Database.Name = "echodb"
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 10
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.Database.ConnMaxLifetime == 0 {
		c.Database.ConnMaxLifetime = 5 * time.Minute
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.MaxSizeMB == 0 {
		c.Logging.MaxSizeMB = 100
	}

	if c.RateLimit.Requests == 0 {
		c.RateLimit.Requests = 30
	}
	if c.RateLimit.Per == 0 {
		c.RateLimit.Per = 60 * time.Second
	}

	if c.Stream.PollInterval == 0 {
		c.Stream.PollInterval = 750 * time.Millisecond
	}
	if c.Stream.HeartbeatInterval == 0 {
		c.Stream.HeartbeatInterval = 15 * time.Second
	}
	if c.Stream.MaxDuration == 0 {
		c.Stream.MaxDuration = 60 * time.Second
	}
	if c.Stream.BatchSize == 0 {
		c.Stream.BatchSize = 100
	}

	if len(c.Tables) == 0 {
		c.Tables = mutation.DefaultTables()
	}

	if c.NATS.URL == "" {
		c.NATS.URL = "nats://127.0.0.1:4222"
	}
	if c.NATS.Subject == "" {
		c.NATS.Subject = "echodb.events"
	}
	if c.NATS.MaxReconnect == 0 {
		c.NATS.MaxReconnect = 60
	}
	if c.NATS.ReconnectWait == 0 {
		c.NATS.ReconnectWait = 2 * time.Second
	}
	if c.NATS.PositionFile == "" {
		c.NATS.PositionFile = "relay.pos"
	}
	if c.NATS.PollInterval == 0 {
		c.NATS.PollInterval = time.Second
	}
	if c.NATS.BatchSize == 0 {
		c.NATS.BatchSize = 100
	}

	if c.Binlog.ServerID == 0 {
		c.Binlog.ServerID = 1001
	}
	if c.Binlog.Flavor == "" {
		c.Binlog.Flavor = "mysql"
	}
	if c.Binlog.PositionFile == "" {
		c.Binlog.PositionFile = "binlog.pos"
	}
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case "mysql", "sqlite3":
	default:
		errs = append(errs, fmt.Errorf("database.driver: unsupported driver %q", c.Database.Driver))
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format: must be text or json, got %q", c.Logging.Format))
	}
	if c.RateLimit.Requests < 0 || c.RateLimit.Per < 0 {
		errs = append(errs, errors.New("rate_limit: requests and per must be positive"))
	}
	if c.Stream.BatchSize < 0 || c.Stream.PollInterval < 0 || c.Stream.HeartbeatInterval < 0 || c.Stream.MaxDuration < 0 {
		errs = append(errs, errors.New("stream: intervals and batch_size must be positive"))
	}
	if c.NATS.BatchSize < 0 || c.NATS.PollInterval < 0 || c.NATS.ReconnectWait < 0 {
		errs = append(errs, errors.New("nats: intervals and batch_size must be positive"))
	}
	if c.Binlog.Enabled && c.Database.Driver != "mysql" {
		errs = append(errs, errors.New("binlog: requires the mysql driver"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// DataSource returns the DSN for the configured driver. For mysql without an
// explicit DSN one is built from host, port, name, user and password.
func (d DatabaseConfig) DataSource() string {
	if d.DSN != "" || d.Driver != "mysql" {
		return d.DSN
	}
	return d.MySQL().FormatDSN()
}

// MySQL returns the connection settings as a driver config, parsing DSN when
// one is set. Used by the binlog watcher, which needs discrete fields.
func (d DatabaseConfig) MySQL() *mysql.Config {
	if d.DSN != "" {
		if cfg, err := mysql.ParseDSN(d.DSN); err == nil {
			return cfg
		}
	}
	cfg := mysql.NewConfig()
	cfg.Net = "tcp"
	cfg.Addr = fmt.Sprintf("%s:%d", d.Host, d.Port)
	cfg.User = d.User
	cfg.Passwd = d.Password
	cfg.DBName = d.Name
	return cfg
}

func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	p = strings.TrimRight(p, "/")
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}
