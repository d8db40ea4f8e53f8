package store

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"echodb/internal/models"
	"echodb/internal/mutation"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// createTestStore opens a SQLite store in a temp dir.
func createTestStore(t *testing.T, tables ...mutation.Table) (*Store, *testclock.Clock) {
	t.Helper()
	registry, err := mutation.NewRegistry(tables)
	require.NoError(t, err)
	clk := testclock.NewClock(epoch)
	s, err := Open(context.Background(), Options{
		Driver: "sqlite3",
		DSN:    filepath.Join(t.TempDir(), "echodb.db"),
	}, registry, clk, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, clk
}

func orders(t *testing.T, s *Store) *mutation.Table {
	t.Helper()
	table, ok := s.registry.Lookup("orders")
	require.True(t, ok)
	return table
}

func apply(t *testing.T, s *Store, typ string, rowID int64, changes map[string]interface{}) models.Event {
	t.Helper()
	if changes == nil {
		changes = map[string]interface{}{}
	}
	ev, err := s.Apply(context.Background(), mutation.Sanitized{
		Table:   orders(t, s),
		Type:    typ,
		RowID:   rowID,
		Changes: changes,
	})
	require.NoError(t, err)
	return ev
}

func countRows(t *testing.T, s *Store, query string, args ...interface{}) int {
	t.Helper()
	var n int
	require.NoError(t, s.db.Get(&n, query, args...))
	return n
}

func TestApply_InsertCreatesRowAndEvent(t *testing.T) {
	s, _ := createTestStore(t)
	actor := "alice"

	ev, err := s.Apply(context.Background(), mutation.Sanitized{
		Table:   orders(t, s),
		Type:    models.TypeInsert,
		RowID:   5,
		Actor:   &actor,
		Changes: map[string]interface{}{"user_id": int64(7), "amount": 12.5},
	})
	require.NoError(t, err)

	assert.Equal(t, int64(1), ev.ID)
	assert.Equal(t, "orders", ev.Table)
	assert.Equal(t, int64(5), ev.RowID)
	assert.Equal(t, epoch, ev.CreatedAt)
	assert.Equal(t, models.Diff{
		"user_id": {Old: nil, New: int64(7)},
		"amount":  {Old: nil, New: 12.5},
	}, ev.Diff)

	assert.Equal(t, 1, countRows(t, s, "SELECT COUNT(*) FROM orders WHERE id = ?", 5))
	assert.Equal(t, 1, countRows(t, s, "SELECT COUNT(*) FROM events"))

	var status string
	require.NoError(t, s.db.Get(&status, "SELECT status FROM orders WHERE id = 5"))
	assert.Equal(t, "pending", status)

	stored, err := s.ReadAfter(context.Background(), 0, 10)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	require.NotNil(t, stored[0].Actor)
	assert.Equal(t, "alice", *stored[0].Actor)
	assert.Equal(t, epoch, stored[0].CreatedAt)
}

func TestApply_UpdateDiffsOnlyChangedFields(t *testing.T) {
	s, _ := createTestStore(t)
	apply(t, s, models.TypeInsert, 5, map[string]interface{}{
		"user_id": int64(3), "status": "processing", "amount": 9.99,
	})

	ev := apply(t, s, models.TypeUpdate, 5, map[string]interface{}{
		"status": "shipped", "amount": 10.00, "user_id": int64(3),
	})

	assert.Equal(t, models.Diff{
		"status": {Old: "processing", New: "shipped"},
		"amount": {Old: 9.99, New: 10.00},
	}, ev.Diff)

	var row struct {
		Status string  `db:"status"`
		Amount float64 `db:"amount"`
	}
	require.NoError(t, s.db.Get(&row, "SELECT status, amount FROM orders WHERE id = 5"))
	assert.Equal(t, "shipped", row.Status)
	assert.Equal(t, 10.0, row.Amount)
}

func TestApply_NoOpUpdateRecordsEmptyDiff(t *testing.T) {
	s, _ := createTestStore(t)
	apply(t, s, models.TypeInsert, 1, map[string]interface{}{"user_id": int64(3), "amount": 4.5})

	ev := apply(t, s, models.TypeUpdate, 1, map[string]interface{}{"amount": 4.5})
	assert.Empty(t, ev.Diff)
	assert.Equal(t, 2, countRows(t, s, "SELECT COUNT(*) FROM events"))
}

func TestApply_DeleteDiffsEveryColumn(t *testing.T) {
	s, clk := createTestStore(t)
	apply(t, s, models.TypeInsert, 9, map[string]interface{}{"user_id": int64(2), "status": "shipped", "amount": 3.25})
	clk.Advance(time.Minute)

	ev := apply(t, s, models.TypeDelete, 9, nil)

	assert.Len(t, ev.Diff, 6)
	for column, change := range ev.Diff {
		assert.Nil(t, change.New, column)
	}
	assert.Equal(t, int64(9), ev.Diff["id"].Old)
	assert.Equal(t, "shipped", ev.Diff["status"].Old)
	assert.Equal(t, 3.25, ev.Diff["amount"].Old)
	assert.Equal(t, "2026-03-01 12:00:30", ev.Diff["created_at"].Old)
	assert.Equal(t, 0, countRows(t, s, "SELECT COUNT(*) FROM orders WHERE id = 9"))

	// The row id is free again.
	again := apply(t, s, models.TypeInsert, 9, map[string]interface{}{"user_id": int64(4)})
	assert.Equal(t, int64(3), again.ID)
}

func TestApply_Conflicts(t *testing.T) {
	s, _ := createTestStore(t)
	apply(t, s, models.TypeInsert, 5, map[string]interface{}{"user_id": int64(1), "status": "processing"})

	tests := []struct {
		name  string
		typ   string
		rowID int64
	}{
		{"insert existing", models.TypeInsert, 5},
		{"update missing", models.TypeUpdate, 6},
		{"delete missing", models.TypeDelete, 6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			changes := map[string]interface{}{"status": "shipped", "user_id": int64(2)}
			if tt.typ == models.TypeDelete {
				changes = map[string]interface{}{}
			}
			_, err := s.Apply(context.Background(), mutation.Sanitized{
				Table: orders(t, s), Type: tt.typ, RowID: tt.rowID, Changes: changes,
			})
			var conflict *mutation.ConflictError
			require.True(t, errors.As(err, &conflict), "got %v", err)
			assert.Equal(t, tt.rowID, conflict.RowID)
		})
	}

	var status string
	require.NoError(t, s.db.Get(&status, "SELECT status FROM orders WHERE id = 5"))
	assert.Equal(t, "processing", status)
	assert.Equal(t, 1, countRows(t, s, "SELECT COUNT(*) FROM events"))
}

func TestApply_PayloadTooLargeAppliesNothing(t *testing.T) {
	long := strings.Repeat("x", MaxDiffBytes)
	notes := mutation.Table{
		Name:   "notes",
		Fields: []mutation.Field{{Name: "body", Kind: mutation.KindEnum, Values: []string{"short", long}}},
	}
	s, _ := createTestStore(t, notes)
	table, ok := s.registry.Lookup("notes")
	require.True(t, ok)

	_, err := s.Apply(context.Background(), mutation.Sanitized{
		Table: table, Type: models.TypeInsert, RowID: 1, Changes: map[string]interface{}{"body": long},
	})
	var tooLarge *mutation.PayloadTooLargeError
	require.True(t, errors.As(err, &tooLarge), "got %v", err)
	assert.Greater(t, tooLarge.Size, MaxDiffBytes)

	assert.Equal(t, 0, countRows(t, s, "SELECT COUNT(*) FROM notes"))
	assert.Equal(t, 0, countRows(t, s, "SELECT COUNT(*) FROM events"))
}

func TestApply_CanceledContextIsStoreFailure(t *testing.T) {
	s, _ := createTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Apply(ctx, mutation.Sanitized{
		Table: orders(t, s), Type: models.TypeInsert, RowID: 1,
		Changes: map[string]interface{}{"user_id": int64(1)},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, mutation.ErrStore))
	assert.False(t, mutation.IsRejection(err))
	assert.Equal(t, 0, countRows(t, s, "SELECT COUNT(*) FROM orders"))
}

func TestReadAfter_OrderingAndLimits(t *testing.T) {
	s, _ := createTestStore(t)
	for i := int64(1); i <= 12; i++ {
		apply(t, s, models.TypeInsert, i, map[string]interface{}{"user_id": i})
	}
	ctx := context.Background()

	tests := []struct {
		cursor  int64
		limit   int
		wantIDs []int64
	}{
		{0, 3, []int64{1, 2, 3}},
		{10, 50, []int64{11, 12}},
		{4, 0, []int64{5}},
		{4, -7, []int64{5}},
		{12, 10, nil},
	}
	for _, tt := range tests {
		events, err := s.ReadAfter(ctx, tt.cursor, tt.limit)
		require.NoError(t, err)
		var ids []int64
		for _, ev := range events {
			ids = append(ids, ev.ID)
		}
		assert.Equal(t, tt.wantIDs, ids, "cursor=%d limit=%d", tt.cursor, tt.limit)
	}

	first, err := s.ReadAfter(ctx, 2, 5)
	require.NoError(t, err)
	second, err := s.ReadAfter(ctx, 2, 5)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	latest, err := s.LatestID(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(12), latest)
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, 1, ClampLimit(0))
	assert.Equal(t, 1, ClampLimit(-5))
	assert.Equal(t, 50, ClampLimit(50))
	assert.Equal(t, MaxReadLimit, ClampLimit(1000))
}

func TestStatsQueries(t *testing.T) {
	s, clk := createTestStore(t)
	ctx := context.Background()

	apply(t, s, models.TypeInsert, 1, map[string]interface{}{"user_id": int64(1)})
	clk.Advance(2 * time.Minute)
	apply(t, s, models.TypeUpdate, 1, map[string]interface{}{"status": "shipped"})
	apply(t, s, models.TypeInsert, 2, map[string]interface{}{"user_id": int64(1)})

	counts, err := s.CountByTableType(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []models.TypeCount{
		{Table: "orders", Type: "insert", Total: 2},
		{Table: "orders", Type: "update", Total: 1},
	}, counts)

	n, err := s.CountSince(ctx, epoch.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	times, err := s.CreatedSince(ctx, epoch)
	require.NoError(t, err)
	assert.Equal(t, []time.Time{epoch, epoch.Add(2 * time.Minute), epoch.Add(2 * time.Minute)}, times)
}

func TestOpen_Idempotent(t *testing.T) {
	registry, err := mutation.NewRegistry(nil)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "echodb.db")
	opts := Options{Driver: "sqlite3", DSN: path}
	clk := testclock.NewClock(epoch)

	s, err := Open(context.Background(), opts, registry, clk, testLogger())
	require.NoError(t, err)
	apply(t, s, models.TypeInsert, 1, map[string]interface{}{"user_id": int64(1)})
	require.NoError(t, s.Close())

	s, err = Open(context.Background(), opts, registry, clk, testLogger())
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Ping(context.Background()))

	ev := apply(t, s, models.TypeInsert, 2, map[string]interface{}{"user_id": int64(1)})
	assert.Equal(t, int64(2), ev.ID)
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	registry, err := mutation.NewRegistry(nil)
	require.NoError(t, err)
	_, err = Open(context.Background(), Options{Driver: "postgres"}, registry, nil, testLogger())
	assert.ErrorContains(t, err, "unsupported database driver")
}

func TestTableDDL_Orders(t *testing.T) {
	orders := mutation.OrdersTable()
	ddl := sqliteDialect.ddl(&orders)
	assert.Contains(t, ddl, `"status" TEXT NOT NULL DEFAULT 'pending'`)
	assert.Contains(t, ddl, `"amount" NUMERIC NOT NULL DEFAULT 0`)
	assert.Contains(t, ddl, `"user_id" INTEGER NOT NULL`)
	assert.Contains(t, ddl, `"updated_at" DATETIME`)

	mysqlDDL := mysqlDialect.ddl(&orders)
	assert.Contains(t, mysqlDDL, "`amount` DECIMAL(12,2) NOT NULL DEFAULT 0")
	assert.Contains(t, mysqlDDL, "ENGINE=InnoDB")
}
