package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"echodb/internal/models"
	"echodb/internal/mutation"
)

// MaxDiffBytes is the largest serialized diff an event may carry.
const MaxDiffBytes = 8000

// Apply applies a sanitized mutation and appends its event in a single
// transaction. On any error nothing is written.
func (s *Store) Apply(ctx context.Context, m mutation.Sanitized) (models.Event, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Event{}, storeFailure("begin transaction", err)
	}
	defer tx.Rollback() // no-op after commit

	existing, err := s.fetchRow(ctx, tx, m.Table, m.RowID)
	if err != nil {
		return models.Event{}, storeFailure("read row", err)
	}

	if m.Type == models.TypeInsert && existing != nil {
		return models.Event{}, conflict(m, "Row already exists. Choose a different row_id or use an update mutation.")
	}
	if m.Type != models.TypeInsert && existing == nil {
		return models.Event{}, conflict(m, "Target row not found.")
	}

	diff := mutation.ComputeDiff(existing, m.Changes, m.Type)
	diffJSON, err := json.Marshal(diff)
	if err != nil {
		return models.Event{}, fmt.Errorf("failed to marshal diff: %w", err)
	}
	if len(diffJSON) > MaxDiffBytes {
		return models.Event{}, &mutation.PayloadTooLargeError{Size: len(diffJSON), Limit: MaxDiffBytes}
	}

	now := s.clock.Now().UTC().Truncate(time.Microsecond)
	if err := s.writeRow(ctx, tx, m, now); err != nil {
		if s.dialect.isDuplicateKey(err) {
			return models.Event{}, conflict(m, "Row already exists. Choose a different row_id or use an update mutation.")
		}
		return models.Event{}, storeFailure("write row", err)
	}

	id, err := s.nextEventID(ctx, tx)
	if err != nil {
		return models.Event{}, storeFailure("allocate event id", err)
	}

	var actor sql.NullString
	if m.Actor != nil {
		actor = sql.NullString{String: *m.Actor, Valid: true}
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO events (id, type, table_name, row_id, diff, actor, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, id, m.Type, m.Table.Name, m.RowID, string(diffJSON), actor, now)
	if err != nil {
		return models.Event{}, storeFailure("insert event", err)
	}

	if err := tx.Commit(); err != nil {
		return models.Event{}, storeFailure("commit", err)
	}

	s.logger.WithFields(logrus.Fields{
		"event_id": id,
		"table":    m.Table.Name,
		"type":     m.Type,
		"row_id":   m.RowID,
	}).Debug("Applied mutation")

	return models.Event{
		ID:        id,
		Type:      m.Type,
		Table:     m.Table.Name,
		RowID:     m.RowID,
		Diff:      diff,
		Actor:     m.Actor,
		CreatedAt: now,
	}, nil
}

// fetchRow reads the current row inside tx, locking it where the database
// supports row locks. It returns nil when the row does not exist.
func (s *Store) fetchRow(ctx context.Context, tx *sqlx.Tx, table *mutation.Table, rowID int64) (mutation.Row, error) {
	columns := table.Columns()
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = ?%s",
		s.dialect.quoteAll(columns), s.dialect.quote(table.Name), s.dialect.quote("id"), s.dialect.lockSuffix)

	raw := make(map[string]interface{}, len(columns))
	if err := tx.QueryRowxContext(ctx, query, rowID).MapScan(raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	row := make(mutation.Row, len(raw))
	for column, value := range raw {
		row[column] = table.NormalizeColumn(column, value)
	}
	return row, nil
}

func (s *Store) writeRow(ctx context.Context, tx *sqlx.Tx, m mutation.Sanitized, now time.Time) error {
	table := s.dialect.quote(m.Table.Name)
	fields := m.SortedFields()

	switch m.Type {
	case models.TypeInsert:
		columns := append([]string{"id"}, fields...)
		args := []interface{}{m.RowID}
		for _, f := range fields {
			args = append(args, m.Changes[f])
		}
		if m.Table.Timestamps {
			columns = append(columns, "created_at", "updated_at")
			args = append(args, now, now)
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ")
		query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, s.dialect.quoteAll(columns), placeholders)
		_, err := tx.ExecContext(ctx, query, args...)
		return err

	case models.TypeUpdate:
		sets := make([]string, 0, len(fields)+1)
		args := make([]interface{}, 0, len(fields)+2)
		for _, f := range fields {
			sets = append(sets, s.dialect.quote(f)+" = ?")
			args = append(args, m.Changes[f])
		}
		if m.Table.Timestamps {
			sets = append(sets, s.dialect.quote("updated_at")+" = ?")
			args = append(args, now)
		}
		args = append(args, m.RowID)
		query := fmt.Sprintf("UPDATE %s SET %s WHERE %s = ?", table, strings.Join(sets, ", "), s.dialect.quote("id"))
		_, err := tx.ExecContext(ctx, query, args...)
		return err

	case models.TypeDelete:
		query := fmt.Sprintf("DELETE FROM %s WHERE %s = ?", table, s.dialect.quote("id"))
		_, err := tx.ExecContext(ctx, query, m.RowID)
		return err
	}
	return fmt.Errorf("unsupported mutation type %q", m.Type)
}

// nextEventID increments the event sequence. The sequence row stays locked
// until tx ends, so event ids become visible to readers in commit order.
func (s *Store) nextEventID(ctx context.Context, tx *sqlx.Tx) (int64, error) {
	if _, err := tx.ExecContext(ctx, "UPDATE event_sequence SET value = value + 1 WHERE name = ?", sequenceName); err != nil {
		return 0, err
	}
	var id int64
	if err := tx.GetContext(ctx, &id, "SELECT value FROM event_sequence WHERE name = ?", sequenceName); err != nil {
		return 0, err
	}
	return id, nil
}

func conflict(m mutation.Sanitized, reason string) error {
	return &mutation.ConflictError{Table: m.Table.Name, RowID: m.RowID, Reason: reason}
}

func storeFailure(op string, err error) error {
	return fmt.Errorf("%w: failed to %s: %w", mutation.ErrStore, op, err)
}
