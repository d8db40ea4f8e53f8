package processor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"echodb/internal/metrics"
	"echodb/internal/models"
)

// Reader reads the event log after a cursor
type Reader interface {
	ReadAfter(ctx context.Context, cursor int64, limit int) ([]models.Event, error)
}

// Publisher publishes encoded messages
type Publisher interface {
	Publish(subject string, data []byte) error
	Flush() error
}

// Options configures the relay loop
type Options struct {
	Subject      string
	PositionFile string
	PollInterval time.Duration
	BatchSize    int
	// Wake, when set, triggers a poll before the interval elapses.
	Wake <-chan struct{}
}

// Processor relays committed events to NATS in id order. The cursor is
// saved only after a batch has been flushed, so a crash replays at most one
// batch: delivery is at-least-once.
type Processor struct {
	reader      Reader
	publisher   Publisher
	transformer *Transformer
	metrics     *metrics.Metrics
	logger      *logrus.Logger
	opts        Options
	cursor      int64
}

// NewProcessor creates a relay and loads its saved position
func NewProcessor(reader Reader, publisher Publisher, transformer *Transformer, opts Options, m *metrics.Metrics, logger *logrus.Logger) (*Processor, error) {
	cursor, err := loadPosition(opts.PositionFile)
	if err != nil {
		return nil, err
	}
	if cursor > 0 {
		logger.Infof("Loaded relay position from file: %d", cursor)
	}

	return &Processor{
		reader:      reader,
		publisher:   publisher,
		transformer: transformer,
		metrics:     m,
		logger:      logger,
		opts:        opts,
		cursor:      cursor,
	}, nil
}

// Cursor returns the id of the last relayed event
func (p *Processor) Cursor() int64 {
	return p.cursor
}

// Start relays events until ctx is cancelled
func (p *Processor) Start(ctx context.Context) error {
	p.logger.Infof("Starting event relay from id %d...", p.cursor)

	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()

	for {
		n, err := p.ProcessBatch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				p.logger.Info("Context cancelled, stopping event relay")
				return nil
			}
			if p.metrics != nil {
				p.metrics.RelayFailures.Inc()
			}
			p.logger.Errorf("Error relaying events: %v", err)
		}
		// A full batch means more may be waiting.
		if err == nil && n == p.opts.BatchSize {
			continue
		}

		select {
		case <-ctx.Done():
			p.logger.Info("Context cancelled, stopping event relay")
			return nil
		case <-ticker.C:
		case <-p.opts.Wake:
		}
	}
}

// ProcessBatch relays one batch and returns how many events were read
func (p *Processor) ProcessBatch(ctx context.Context) (int, error) {
	events, err := p.reader.ReadAfter(ctx, p.cursor, p.opts.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to read events: %w", err)
	}
	if len(events) == 0 {
		return 0, nil
	}

	next := p.cursor
	published := 0
	for _, ev := range events {
		msg, err := p.transformer.Transform(ev)
		if err != nil {
			if errors.Is(err, ErrEventRejected) {
				p.logger.Debugf("Event %d rejected by transformer: %s (type: %s)", ev.ID, ev.Table, ev.Type)
			} else {
				p.logger.Errorf("Error transforming event %d: %v", ev.ID, err)
			}
			next = ev.ID
			continue
		}

		subject := p.opts.Subject + "." + msg.Table + "." + msg.Type
		if err := p.publisher.Publish(subject, msg.Data); err != nil {
			// Publish what came before; this event is retried next batch.
			if published > 0 {
				if ferr := p.commit(next); ferr != nil {
					return len(events), errors.Join(err, ferr)
				}
			}
			return len(events), fmt.Errorf("failed to publish event %d: %w", ev.ID, err)
		}
		if p.metrics != nil {
			p.metrics.RelayPublished.WithLabelValues(msg.Table, msg.Type).Inc()
		}
		p.logger.Debugf("Published event %d to %s", ev.ID, subject)
		next = ev.ID
		published++
	}

	if err := p.commit(next); err != nil {
		return len(events), err
	}
	p.logger.Infof("Relayed %d events up to id %d", published, next)
	return len(events), nil
}

// commit flushes the publisher and then persists next as the position
func (p *Processor) commit(next int64) error {
	if err := p.publisher.Flush(); err != nil {
		return fmt.Errorf("failed to flush publisher: %w", err)
	}
	if err := savePosition(p.opts.PositionFile, next); err != nil {
		return err
	}
	p.cursor = next
	return nil
}

func loadPosition(path string) (int64, error) {
	if path == "" {
		return 0, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read position file: %w", err)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(text, 10, 64)
	if err != nil || id < 0 {
		return 0, fmt.Errorf("invalid relay position %q in %s", text, path)
	}
	return id, nil
}

func savePosition(path string, id int64) error {
	if path == "" {
		return nil
	}
	if err := os.WriteFile(path, []byte(strconv.FormatInt(id, 10)), 0644); err != nil {
		return fmt.Errorf("failed to save position: %w", err)
	}
	return nil
}
