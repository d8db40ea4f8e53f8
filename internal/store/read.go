package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"echodb/internal/models"
)

// MaxReadLimit caps the number of events returned by one ReadAfter call.
const MaxReadLimit = 200

type eventRow struct {
	ID        int64          `db:"id"`
	Type      string         `db:"type"`
	Table     string         `db:"table_name"`
	RowID     int64          `db:"row_id"`
	Diff      []byte         `db:"diff"`
	Actor     sql.NullString `db:"actor"`
	CreatedAt time.Time      `db:"created_at"`
}

func (r eventRow) event() (models.Event, error) {
	ev := models.Event{
		ID:        r.ID,
		Type:      r.Type,
		Table:     r.Table,
		RowID:     r.RowID,
		Diff:      models.Diff{},
		CreatedAt: r.CreatedAt.UTC(),
	}
	if r.Actor.Valid {
		actor := r.Actor.String
		ev.Actor = &actor
	}
	if len(r.Diff) > 0 {
		if err := json.Unmarshal(r.Diff, &ev.Diff); err != nil {
			return models.Event{}, fmt.Errorf("failed to decode diff of event %d: %w", r.ID, err)
		}
	}
	return ev, nil
}

// ClampLimit bounds a requested page size to [1, MaxReadLimit].
func ClampLimit(limit int) int {
	if limit < 1 {
		return 1
	}
	if limit > MaxReadLimit {
		return MaxReadLimit
	}
	return limit
}

// ReadAfter returns events with id greater than cursor in ascending id order.
func (s *Store) ReadAfter(ctx context.Context, cursor int64, limit int) ([]models.Event, error) {
	var rows []eventRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, type, table_name, row_id, diff, actor, created_at
		FROM events
		WHERE id > ?
		ORDER BY id ASC
		LIMIT ?
	`, cursor, ClampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to read events after %d: %w", cursor, err)
	}

	events := make([]models.Event, 0, len(rows))
	for _, r := range rows {
		ev, err := r.event()
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

// LatestID returns the highest event id, or 0 when the log is empty.
func (s *Store) LatestID(ctx context.Context) (int64, error) {
	var id int64
	if err := s.db.GetContext(ctx, &id, "SELECT COALESCE(MAX(id), 0) FROM events"); err != nil {
		return 0, fmt.Errorf("failed to read latest event id: %w", err)
	}
	return id, nil
}

// CountByTableType totals events per table and mutation type.
func (s *Store) CountByTableType(ctx context.Context) ([]models.TypeCount, error) {
	var counts []models.TypeCount
	err := s.db.SelectContext(ctx, &counts, `
		SELECT table_name, type, COUNT(*) AS total
		FROM events
		GROUP BY table_name, type
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to count events: %w", err)
	}
	return counts, nil
}

// CreatedSince returns the creation time of every event created at or
// after since.
func (s *Store) CreatedSince(ctx context.Context, since time.Time) ([]time.Time, error) {
	var rows []struct {
		CreatedAt time.Time `db:"created_at"`
	}
	err := s.db.SelectContext(ctx, &rows,
		"SELECT created_at FROM events WHERE created_at >= ? ORDER BY id ASC", since.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to read event times: %w", err)
	}
	times := make([]time.Time, len(rows))
	for i, r := range rows {
		times[i] = r.CreatedAt.UTC()
	}
	return times, nil
}

// CountSince counts events created at or after since.
func (s *Store) CountSince(ctx context.Context, since time.Time) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM events WHERE created_at >= ?", since.UTC()); err != nil {
		return 0, fmt.Errorf("failed to count recent events: %w", err)
	}
	return n, nil
}
