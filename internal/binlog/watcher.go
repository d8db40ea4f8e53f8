package binlog

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-mysql-org/go-mysql/replication"
	"github.com/sirupsen/logrus"
)

// readTimeout bounds each wait for a binlog event so cancellation is noticed.
const readTimeout = 10 * time.Second

// EventSource yields binlog events
type EventSource interface {
	ReadEvent(ctx context.Context) (*replication.BinlogEvent, error)
}

// Notifier is woken when new events may be readable
type Notifier interface {
	Notify()
}

// Watcher wakes stream sessions when rows are written to the events table by
// any process sharing the database. Sessions still read the store themselves.
type Watcher struct {
	source   EventSource
	notifier Notifier
	schema   string
	table    string
	logger   *logrus.Logger
}

// NewWatcher watches schema.table; an empty schema matches any database.
func NewWatcher(source EventSource, notifier Notifier, schema, table string, logger *logrus.Logger) *Watcher {
	return &Watcher{
		source:   source,
		notifier: notifier,
		schema:   schema,
		table:    table,
		logger:   logger,
	}
}

// Start processes binlog events until ctx is cancelled
func (w *Watcher) Start(ctx context.Context) error {
	w.logger.Infof("Starting binlog watcher for %s...", w.target())

	for {
		readCtx, cancel := context.WithTimeout(ctx, readTimeout)
		event, err := w.source.ReadEvent(readCtx)
		cancel()

		if ctx.Err() != nil {
			w.logger.Info("Context cancelled, stopping binlog watcher")
			return nil
		}
		if err != nil {
			// Timeouts are expected on an idle server.
			if errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			w.logger.Errorf("Error reading binlog event: %v", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		w.Handle(event)
	}
}

// Handle notifies on inserts into the watched table and reports whether it did
func (w *Watcher) Handle(event *replication.BinlogEvent) bool {
	switch e := event.Event.(type) {
	case *replication.RowsEvent:
		switch event.Header.EventType {
		case replication.WRITE_ROWS_EVENTv0, replication.WRITE_ROWS_EVENTv1, replication.WRITE_ROWS_EVENTv2:
		default:
			return false
		}
		if e.Table == nil || !w.matches(string(e.Table.Schema), string(e.Table.Table)) {
			return false
		}
		w.logger.Debugf("Binlog insert into %s (%d rows)", w.target(), len(e.Rows))
		w.notifier.Notify()
		return true

	case *replication.RotateEvent:
		w.logger.Infof("Binlog rotated to: %s", string(e.NextLogName))
	}
	return false
}

func (w *Watcher) matches(schema, table string) bool {
	if w.schema != "" && !strings.EqualFold(w.schema, schema) {
		return false
	}
	return strings.EqualFold(w.table, table)
}

func (w *Watcher) target() string {
	if w.schema == "" {
		return "*." + w.table
	}
	return w.schema + "." + w.table
}
