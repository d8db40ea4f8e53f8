// Package stats derives rolling counts from the event log.
package stats

import (
	"context"
	"fmt"
	"time"

	"github.com/juju/clock"

	"echodb/internal/models"
)

const (
	// Buckets is the number of one minute buckets in EventsPerMinute.
	Buckets = 15

	minuteLayout = "2006-01-02 15:04:00"
)

// Source is the read side of the event store the aggregator needs.
type Source interface {
	CountByTableType(ctx context.Context) ([]models.TypeCount, error)
	CreatedSince(ctx context.Context, since time.Time) ([]time.Time, error)
	CountSince(ctx context.Context, since time.Time) (int, error)
}

// Service computes stats snapshots. It keeps no state between calls.
type Service struct {
	source Source
	clock  clock.Clock
}

// NewService creates a stats service. A nil clock uses the wall clock.
func NewService(source Source, clk clock.Clock) *Service {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Service{source: source, clock: clk}
}

// Snapshot recomputes every view from the store.
func (s *Service) Snapshot(ctx context.Context) (models.StatsSnapshot, error) {
	now := s.clock.Now().UTC()

	counts, err := s.Counts(ctx)
	if err != nil {
		return models.StatsSnapshot{}, err
	}
	perMinute, err := s.eventsPerMinute(ctx, now)
	if err != nil {
		return models.StatsSnapshot{}, err
	}
	rpm, err := s.source.CountSince(ctx, now.Add(-time.Minute))
	if err != nil {
		return models.StatsSnapshot{}, fmt.Errorf("failed to compute rpm: %w", err)
	}

	return models.StatsSnapshot{
		Counts:          counts,
		EventsPerMinute: perMinute,
		RPM:             rpm,
	}, nil
}

// Counts groups all events by table and type.
func (s *Service) Counts(ctx context.Context) (map[string]map[string]int, error) {
	rows, err := s.source.CountByTableType(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compute counts: %w", err)
	}
	counts := make(map[string]map[string]int)
	for _, r := range rows {
		if counts[r.Table] == nil {
			counts[r.Table] = make(map[string]int)
		}
		counts[r.Table][r.Type] += r.Total
	}
	return counts, nil
}

// EventsPerMinute returns exactly Buckets entries, oldest first, covering
// the current minute and the 14 before it.
func (s *Service) EventsPerMinute(ctx context.Context) ([]models.MinuteBucket, error) {
	return s.eventsPerMinute(ctx, s.clock.Now().UTC())
}

func (s *Service) eventsPerMinute(ctx context.Context, now time.Time) ([]models.MinuteBucket, error) {
	current := now.Truncate(time.Minute)
	start := current.Add(-(Buckets - 1) * time.Minute)

	times, err := s.source.CreatedSince(ctx, start)
	if err != nil {
		return nil, fmt.Errorf("failed to compute events per minute: %w", err)
	}

	buckets := make([]models.MinuteBucket, Buckets)
	for i := range buckets {
		buckets[i].Minute = start.Add(time.Duration(i) * time.Minute).Format(minuteLayout)
	}
	for _, ts := range times {
		i := int(ts.UTC().Truncate(time.Minute).Sub(start) / time.Minute)
		if i < 0 || i >= Buckets {
			continue
		}
		buckets[i].Count++
	}
	return buckets, nil
}
