// Package stream delivers the event log to clients as Server-Sent Events.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/sirupsen/logrus"

	"echodb/internal/models"
)

// ErrShutdown is the cancellation cause used when the server stops.
var ErrShutdown = errors.New("server shutting down")

var errMaxDuration = errors.New("session reached its maximum duration")

// Source is the read side of the event store.
type Source interface {
	ReadAfter(ctx context.Context, cursor int64, limit int) ([]models.Event, error)
}

// FlushWriter is an io.Writer whose buffered output can be pushed to the
// client, such as an http.ResponseWriter that implements http.Flusher.
type FlushWriter interface {
	io.Writer
	Flush()
}

// Config bounds a session.
type Config struct {
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	MaxDuration       time.Duration
	BatchSize         int
	// Clock defaults to the wall clock.
	Clock clock.Clock
}

// DefaultConfig returns the production timings.
func DefaultConfig() Config {
	return Config{
		PollInterval:      750 * time.Millisecond,
		HeartbeatInterval: 15 * time.Second,
		MaxDuration:       60 * time.Second,
		BatchSize:         100,
	}
}

// State is the lifecycle state of a session.
type State int

const (
	StateConnecting State = iota
	StateStreaming
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// CloseReason says why a session ended.
type CloseReason string

const (
	ReasonDisconnected CloseReason = "disconnected"
	ReasonMaxDuration  CloseReason = "max_duration"
	ReasonShutdown     CloseReason = "shutdown"
	ReasonError        CloseReason = "error"
)

// Result summarises a finished session.
type Result struct {
	Cursor int64
	Sent   int
	Reason CloseReason
}

// Session streams events after a cursor to one client.
type Session struct {
	ID string

	source Source
	w      FlushWriter
	cfg    Config
	wake   <-chan struct{}
	logger *logrus.Entry

	state  State
	cursor int64
	sent   int
}

// NewSession creates a session starting after cursor. wake may be nil.
func NewSession(source Source, w FlushWriter, cursor int64, cfg Config, wake <-chan struct{}, logger *logrus.Logger) *Session {
	id := uuid.NewString()
	return &Session{
		ID:     id,
		source: source,
		w:      w,
		cfg:    cfg,
		wake:   wake,
		logger: logger.WithField("session", id),
		state:  StateConnecting,
		cursor: cursor,
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return s.state
}

// Run polls the source and writes events until ctx is cancelled, the
// maximum duration passes, or a read or write fails. Cancelling ctx with
// ErrShutdown as cause marks the session as closed by shutdown; any other
// cancellation is treated as a client disconnect.
func (s *Session) Run(ctx context.Context) (Result, error) {
	clk := s.cfg.Clock
	if clk == nil {
		clk = clock.WallClock
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	deadline := clk.AfterFunc(s.cfg.MaxDuration, func() {
		cancel(errMaxDuration)
	})
	defer deadline.Stop()

	poll := clk.NewTimer(s.cfg.PollInterval)
	defer poll.Stop()

	s.state = StateStreaming
	s.logger.WithField("cursor", s.cursor).Info("SSE stream opened")
	lastWrite := clk.Now()

	for {
		events, err := s.source.ReadAfter(ctx, s.cursor, s.cfg.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return s.close(ctx, nil)
			}
			return s.close(ctx, fmt.Errorf("failed to poll events: %w", err))
		}

		for _, ev := range events {
			if ctx.Err() != nil {
				return s.close(ctx, nil)
			}
			if err := writeEvent(s.w, ev); err != nil {
				return s.close(ctx, err)
			}
			s.w.Flush()
			s.cursor = ev.ID
			s.sent++
			lastWrite = clk.Now()
		}

		if now := clk.Now(); now.Sub(lastWrite) >= s.cfg.HeartbeatInterval {
			if err := writeHeartbeat(s.w, now); err != nil {
				return s.close(ctx, err)
			}
			s.w.Flush()
			lastWrite = now
		}

		if ctx.Err() != nil {
			return s.close(ctx, nil)
		}

		select {
		case <-ctx.Done():
			return s.close(ctx, nil)
		case <-poll.Chan():
		case <-s.wake:
			if !poll.Stop() {
				select {
				case <-poll.Chan():
				default:
				}
			}
		}
		poll.Reset(s.cfg.PollInterval)
	}
}

func (s *Session) close(ctx context.Context, err error) (Result, error) {
	s.state = StateClosed
	res := Result{Cursor: s.cursor, Sent: s.sent, Reason: ReasonDisconnected}
	switch {
	case err != nil:
		res.Reason = ReasonError
	case errors.Is(context.Cause(ctx), errMaxDuration):
		res.Reason = ReasonMaxDuration
	case errors.Is(context.Cause(ctx), ErrShutdown):
		res.Reason = ReasonShutdown
	}

	entry := s.logger.WithFields(logrus.Fields{
		"last_event_id": s.cursor,
		"sent":          s.sent,
		"reason":        res.Reason,
	})
	if err != nil {
		entry.WithError(err).Warn("SSE stream failed")
		return res, err
	}
	entry.Info("SSE stream cycle closed")
	return res, nil
}
