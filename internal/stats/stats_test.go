package stats

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"echodb/internal/models"
)

type fakeSource struct {
	counts []models.TypeCount
	times  []time.Time
	err    error
}

func (f *fakeSource) CountByTableType(ctx context.Context) ([]models.TypeCount, error) {
	return f.counts, f.err
}

func (f *fakeSource) CreatedSince(ctx context.Context, since time.Time) ([]time.Time, error) {
	var out []time.Time
	for _, ts := range f.times {
		if !ts.Before(since) {
			out = append(out, ts)
		}
	}
	return out, f.err
}

func (f *fakeSource) CountSince(ctx context.Context, since time.Time) (int, error) {
	times, err := f.CreatedSince(ctx, since)
	return len(times), err
}

var now = time.Date(2026, 5, 4, 10, 30, 45, 0, time.UTC)

func TestSnapshot(t *testing.T) {
	src := &fakeSource{
		counts: []models.TypeCount{
			{Table: "orders", Type: "insert", Total: 4},
			{Table: "orders", Type: "delete", Total: 1},
		},
		times: []time.Time{
			now.Add(-20 * time.Minute),              // outside every window
			now.Add(-14 * time.Minute),              // 10:16, first bucket
			now.Add(-3 * time.Minute),               // 10:27
			now.Add(-3*time.Minute + 5*time.Second), // 10:27
			now.Add(-30 * time.Second),              // 10:30, rpm
			now,                                     // 10:30, rpm
		},
	}
	svc := NewService(src, testclock.NewClock(now))

	snap, err := svc.Snapshot(context.Background())
	require.NoError(t, err)

	assert.Equal(t, map[string]map[string]int{"orders": {"insert": 4, "delete": 1}}, snap.Counts)
	assert.Equal(t, 2, snap.RPM)

	require.Len(t, snap.EventsPerMinute, Buckets)
	assert.Equal(t, "2026-05-04 10:16:00", snap.EventsPerMinute[0].Minute)
	assert.Equal(t, "2026-05-04 10:30:00", snap.EventsPerMinute[Buckets-1].Minute)

	got := map[string]int{}
	for i, b := range snap.EventsPerMinute {
		if i > 0 {
			assert.True(t, b.Minute > snap.EventsPerMinute[i-1].Minute, "buckets ascend")
		}
		if b.Count > 0 {
			got[b.Minute] = b.Count
		}
	}
	assert.Equal(t, map[string]int{
		"2026-05-04 10:16:00": 1,
		"2026-05-04 10:27:00": 2,
		"2026-05-04 10:30:00": 2,
	}, got)
}

func TestEventsPerMinute_EmptyLogIsZeroFilled(t *testing.T) {
	svc := NewService(&fakeSource{}, testclock.NewClock(now))

	buckets, err := svc.EventsPerMinute(context.Background())
	require.NoError(t, err)
	require.Len(t, buckets, Buckets)
	for _, b := range buckets {
		assert.Zero(t, b.Count)
	}
}

func TestSnapshot_SourceError(t *testing.T) {
	svc := NewService(&fakeSource{err: errors.New("boom")}, testclock.NewClock(now))
	_, err := svc.Snapshot(context.Background())
	assert.ErrorContains(t, err, "boom")
}
