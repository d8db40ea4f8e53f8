package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"echodb/internal/mutation"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "EchoDB", cfg.App.Name)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, "/", cfg.HTTP.BasePath)
	assert.Equal(t, "sqlite3", cfg.Database.Driver)
	assert.Equal(t, "echodb.db", cfg.Database.DataSource())
	assert.Equal(t, 30, cfg.RateLimit.Requests)
	assert.Equal(t, 60*time.Second, cfg.RateLimit.Per)
	assert.False(t, cfg.RateLimit.TrustForwardedFor)
	assert.Equal(t, 750*time.Millisecond, cfg.Stream.PollInterval)
	assert.Equal(t, 15*time.Second, cfg.Stream.HeartbeatInterval)
	assert.Equal(t, 60*time.Second, cfg.Stream.MaxDuration)
	assert.Equal(t, 100, cfg.Stream.BatchSize)
	assert.Equal(t, mutation.DefaultTables(), cfg.Tables)
	assert.Equal(t, "echodb.events", cfg.NATS.Subject)
	assert.Equal(t, 2*time.Second, cfg.NATS.ReconnectWait)
	assert.Equal(t, "mysql", cfg.Binlog.Flavor)
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
app:
  environment: staging
http:
  addr: ":9000"
  base_path: "echo/"
database:
  driver: mysql
  host: db.internal
  user: echo
  password: secret
rate_limit:
  requests: 5
  per: 10s
  trust_forwarded_for: true
cors:
  allowed_origins: ["https://app.example.com"]
tables:
  - name: tickets
    timestamps: false
    fields:
      - {name: state, kind: enum, values: [open, closed]}
nats:
  enabled: true
  processor:
    enabled: true
    rules:
      - table: orders
        exclude: [amount]
        rename: {status: state}
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "staging", cfg.App.Environment)
	assert.Equal(t, ":9000", cfg.HTTP.Addr)
	assert.Equal(t, "/echo", cfg.HTTP.BasePath)
	assert.Equal(t, "echo:secret@tcp(db.internal:3306)/echodb", cfg.Database.DataSource())
	assert.Equal(t, 5, cfg.RateLimit.Requests)
	assert.Equal(t, 10*time.Second, cfg.RateLimit.Per)
	assert.True(t, cfg.RateLimit.TrustForwardedFor)
	assert.Equal(t, []string{"https://app.example.com"}, cfg.CORS.AllowedOrigins)
	require.Len(t, cfg.Tables, 1)
	assert.Equal(t, "tickets", cfg.Tables[0].Name)
	assert.Equal(t, mutation.KindEnum, cfg.Tables[0].Fields[0].Kind)
	require.Len(t, cfg.NATS.Processor.Rules, 1)
	assert.Equal(t, map[string]string{"status": "state"}, cfg.NATS.Processor.Rules[0].Rename)
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, "http:\n  addr: \":9000\"\n")
	t.Setenv("ECHODB_HTTP_ADDR", ":7000")
	t.Setenv("ECHODB_RATE_LIMIT_REQUESTS", "3")
	t.Setenv("ECHODB_STREAM_MAX_DURATION", "5s")
	t.Setenv("ECHODB_CORS_ALLOWED_ORIGINS", "https://a.test,https://b.test")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":7000", cfg.HTTP.Addr)
	assert.Equal(t, 3, cfg.RateLimit.Requests)
	assert.Equal(t, 5*time.Second, cfg.Stream.MaxDuration)
	assert.Equal(t, []string{"https://a.test", "https://b.test"}, cfg.CORS.AllowedOrigins)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read config file")

	_, err = Load(writeConfig(t, "http: [unclosed"))
	assert.ErrorContains(t, err, "failed to parse config file")

	_, err = Load(writeConfig(t, "database:\n  driver: postgres\n"))
	assert.ErrorContains(t, err, `unsupported driver "postgres"`)

	_, err = Load(writeConfig(t, "binlog:\n  enabled: true\n"))
	assert.ErrorContains(t, err, "binlog: requires the mysql driver")
}

func TestLoad_NegativeIntervals(t *testing.T) {
	_, err := Load(writeConfig(t, "stream:\n  heartbeat_interval: -1s\n"))
	assert.ErrorContains(t, err, "stream: intervals and batch_size must be positive")

	for _, body := range []string{
		"nats:\n  poll_interval: -1s\n",
		"nats:\n  batch_size: -5\n",
		"nats:\n  reconnect_wait: -2s\n",
	} {
		_, err := Load(writeConfig(t, body))
		assert.ErrorContains(t, err, "nats: intervals and batch_size must be positive", body)
	}
}

func TestDatabaseConfig_MySQL(t *testing.T) {
	d := DatabaseConfig{Driver: "mysql", DSN: "root:pw@tcp(10.0.0.5:3307)/shop?parseTime=true"}
	cfg := d.MySQL()
	assert.Equal(t, "10.0.0.5:3307", cfg.Addr)
	assert.Equal(t, "root", cfg.User)
	assert.Equal(t, "pw", cfg.Passwd)
	assert.Equal(t, d.DSN, d.DataSource())
}

func TestNormalizeBasePath(t *testing.T) {
	for in, want := range map[string]string{
		"":        "/",
		"/":       "/",
		"api":     "/api",
		"/echo/":  "/echo",
		" /x/y/ ": "/x/y",
	} {
		assert.Equal(t, want, normalizeBasePath(in), in)
	}
}
