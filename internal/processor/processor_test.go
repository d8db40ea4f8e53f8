package processor

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"echodb/internal/config"
	"echodb/internal/metrics"
	"echodb/internal/models"
)

type fakeReader struct {
	events []models.Event
	err    error
}

func (r *fakeReader) ReadAfter(ctx context.Context, cursor int64, limit int) ([]models.Event, error) {
	if r.err != nil {
		return nil, r.err
	}
	var out []models.Event
	for _, ev := range r.events {
		if ev.ID > cursor && len(out) < limit {
			out = append(out, ev)
		}
	}
	return out, nil
}

type published struct {
	subject string
	data    []byte
}

type fakePublisher struct {
	mu       sync.Mutex
	msgs     []published
	failOn   string
	flushErr error
	flushes  int
}

func (p *fakePublisher) Publish(subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if subject == p.failOn {
		return errors.New("nats: connection closed")
	}
	p.msgs = append(p.msgs, published{subject, data})
	return nil
}

func (p *fakePublisher) Flush() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.flushes++
	return p.flushErr
}

func (p *fakePublisher) subjects() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, m := range p.msgs {
		out = append(out, m.subject)
	}
	return out
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func sampleEvents() []models.Event {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return []models.Event{
		{ID: 1, Type: models.TypeInsert, Table: "orders", RowID: 1, CreatedAt: created,
			Diff: models.Diff{"user_id": {New: 4}, "amount": {New: 9.99}}},
		{ID: 2, Type: models.TypeUpdate, Table: "orders", RowID: 1, CreatedAt: created,
			Diff: models.Diff{"status": {Old: "pending", New: "shipped"}}},
		{ID: 3, Type: models.TypeDelete, Table: "orders", RowID: 1, CreatedAt: created,
			Diff: models.Diff{"status": {Old: "shipped"}}},
	}
}

func newTestProcessor(t *testing.T, reader Reader, pub Publisher, transformer *Transformer, m *metrics.Metrics) (*Processor, string) {
	t.Helper()
	if transformer == nil {
		var err error
		transformer, err = NewTransformer(config.ProcessorConfig{}, testLogger(), nil)
		require.NoError(t, err)
	}
	pos := filepath.Join(t.TempDir(), "relay.pos")
	p, err := NewProcessor(reader, pub, transformer, Options{
		Subject:      "echodb.events",
		PositionFile: pos,
		PollInterval: 10 * time.Millisecond,
		BatchSize:    2,
	}, m, testLogger())
	require.NoError(t, err)
	return p, pos
}

func TestProcessBatch_PublishesInOrder(t *testing.T) {
	pub := &fakePublisher{}
	m := metrics.New()
	p, pos := newTestProcessor(t, &fakeReader{events: sampleEvents()}, pub, nil, m)

	n, err := p.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, int64(2), p.Cursor())

	n, err = p.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = p.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	assert.Equal(t, []string{
		"echodb.events.orders.insert",
		"echodb.events.orders.update",
		"echodb.events.orders.delete",
	}, pub.subjects())
	assert.Equal(t, 2, pub.flushes)

	var ev models.Event
	require.NoError(t, json.Unmarshal(pub.msgs[1].data, &ev))
	assert.Equal(t, int64(2), ev.ID)
	assert.Equal(t, "shipped", ev.Diff["status"].New)

	data, err := os.ReadFile(pos)
	require.NoError(t, err)
	assert.Equal(t, "3", string(data))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RelayPublished.WithLabelValues("orders", "delete")))
}

func TestProcessBatch_ResumesFromPositionFile(t *testing.T) {
	pos := filepath.Join(t.TempDir(), "relay.pos")
	require.NoError(t, os.WriteFile(pos, []byte("2\n"), 0644))
	transformer, err := NewTransformer(config.ProcessorConfig{}, testLogger(), nil)
	require.NoError(t, err)

	pub := &fakePublisher{}
	p, err := NewProcessor(&fakeReader{events: sampleEvents()}, pub, transformer,
		Options{Subject: "cdc", PositionFile: pos, PollInterval: time.Second, BatchSize: 10}, nil, testLogger())
	require.NoError(t, err)
	assert.Equal(t, int64(2), p.Cursor())

	_, err = p.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"cdc.orders.delete"}, pub.subjects())
}

func TestProcessBatch_PublishFailureKeepsCursor(t *testing.T) {
	pub := &fakePublisher{failOn: "echodb.events.orders.update"}
	p, pos := newTestProcessor(t, &fakeReader{events: sampleEvents()}, pub, nil, nil)

	_, err := p.ProcessBatch(context.Background())
	assert.ErrorContains(t, err, "failed to publish event 2")
	assert.Equal(t, int64(1), p.Cursor())

	data, err := os.ReadFile(pos)
	require.NoError(t, err)
	assert.Equal(t, "1", string(data))

	// The failed event is retried on the next batch.
	pub.failOn = ""
	_, err = p.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), p.Cursor())
	assert.Equal(t, []string{
		"echodb.events.orders.insert",
		"echodb.events.orders.update",
		"echodb.events.orders.delete",
	}, pub.subjects())
}

func TestProcessBatch_FlushFailureKeepsCursor(t *testing.T) {
	pub := &fakePublisher{flushErr: errors.New("nats: timeout")}
	p, _ := newTestProcessor(t, &fakeReader{events: sampleEvents()}, pub, nil, nil)

	_, err := p.ProcessBatch(context.Background())
	assert.ErrorContains(t, err, "failed to flush publisher")
	assert.Equal(t, int64(0), p.Cursor())
}

func TestProcessBatch_ReadFailure(t *testing.T) {
	p, _ := newTestProcessor(t, &fakeReader{err: errors.New("database is locked")}, &fakePublisher{}, nil, nil)

	_, err := p.ProcessBatch(context.Background())
	assert.ErrorContains(t, err, "failed to read events: database is locked")
}

func TestNewProcessor_InvalidPosition(t *testing.T) {
	pos := filepath.Join(t.TempDir(), "relay.pos")
	require.NoError(t, os.WriteFile(pos, []byte("mysql-bin.000001:4"), 0644))

	_, err := NewProcessor(&fakeReader{}, &fakePublisher{}, nil, Options{PositionFile: pos}, nil, testLogger())
	assert.ErrorContains(t, err, "invalid relay position")
}

func TestStart_StopsOnCancel(t *testing.T) {
	pub := &fakePublisher{}
	p, _ := newTestProcessor(t, &fakeReader{events: sampleEvents()}, pub, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Start(ctx) }()

	require.Eventually(t, func() bool {
		return len(pub.subjects()) == 3
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not stop")
	}
	assert.Equal(t, int64(3), p.Cursor())
}
