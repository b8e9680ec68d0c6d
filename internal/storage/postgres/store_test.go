package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/webpage-change-monitor/internal/monitor"
)

var created = time.Unix(1700000000, 0).UTC()

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	store, err := NewWithPool(mock, "monitor")
	require.NoError(t, err)
	return store, mock
}

var targetCols = []string{
	"id", "resource_id", "display_name", "description", "url", "cron_schedule", "change_type",
	"expected_value", "html_tag", "selector_type", "selector_value", "enabled", "created_at", "updated_at",
}

var snapshotCols = []string{
	"id", "target_id", "value", "is_expected_value", "is_change_detected", "content_hash",
	"archive_uri", "created_at", "updated_at",
}

func TestNewWithPoolValidatesSchema(t *testing.T) {
	t.Parallel()

	_, err := NewWithPool(nil, "")
	require.Error(t, err)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewWithPool(mock, "monitor; DROP TABLE x")
	require.Error(t, err)

	s, err := NewWithPool(mock, "")
	require.NoError(t, err)
	require.Equal(t, "monitor.targets", s.table("targets"))
}

func TestNewRequiresDSN(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), Config{})
	require.Error(t, err)
}

func TestMigrateRunsEveryStatement(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec(`CREATE SCHEMA IF NOT EXISTS monitor`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS monitor\.resources`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS monitor\.targets`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec(`CREATE INDEX IF NOT EXISTS targets_resource_id_idx`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS monitor\.target_snapshots`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec(`CREATE INDEX IF NOT EXISTS target_snapshots_target_created_idx`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, store.Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateResourceMapsUniqueViolation(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	r := monitor.Resource{ID: "r1", Name: "shop", CreatedAt: created}

	mock.ExpectExec(`INSERT INTO monitor\.resources`).
		WithArgs("r1", "shop", "", created).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO monitor\.resources`).
		WithArgs("r1", "shop", "", created).
		WillReturnError(&pgconn.PgError{Code: pgUniqueViolation})

	require.NoError(t, store.CreateResource(context.Background(), r))
	require.ErrorIs(t, store.CreateResource(context.Background(), r), monitor.ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetResourceNotFound(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT id, name, description, created_at FROM monitor\.resources WHERE id`).
		WithArgs("missing").
		WillReturnRows(pgxmock.NewRows([]string{"id", "name", "description", "created_at"}))

	_, err := store.GetResource(context.Background(), "missing")
	require.ErrorIs(t, err, monitor.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListResourcesPagesAndSorts(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM monitor\.resources`).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(3))
	mock.ExpectQuery(`ORDER BY lower\(name\) ASC, id ASC LIMIT \$1 OFFSET \$2`).
		WithArgs(2, 2).
		WillReturnRows(pgxmock.NewRows([]string{"id", "name", "description", "created_at"}).
			AddRow("r3", "gamma", "", created))

	page, total, err := store.ListResources(context.Background(), monitor.PageRequest{
		Page: 2, Count: 2, SortBy: monitor.SortByName, SortDirection: monitor.SortAscending,
	})
	require.NoError(t, err)
	require.Equal(t, 3, total)
	require.Len(t, page, 1)
	require.Equal(t, "r3", page[0].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteResourceNotFound(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec(`DELETE FROM monitor\.resources WHERE id`).
		WithArgs("r1").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))

	require.ErrorIs(t, store.DeleteResource(context.Background(), "r1"), monitor.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateTargetFlattensChangeType(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	target := monitor.Target{
		ID: "t1", ResourceID: "r1", DisplayName: "price", URL: "https://shop.example.com/widget",
		CronSchedule: "*/5 * * * *", Change: monitor.ValueCheck{Expected: "42"}, HTMLTag: "span",
		SelectorType: monitor.SelectorCSS, SelectorValue: "#price", Enabled: true,
		CreatedAt: created, UpdatedAt: created,
	}

	mock.ExpectExec(`INSERT INTO monitor\.targets`).
		WithArgs("t1", "r1", "price", "", target.URL, "*/5 * * * *", "ValueCheck",
			pgtype.Text{String: "42", Valid: true}, "span", "CssSelector", "#price", true, created, created).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, store.CreateTarget(context.Background(), target))

	orphan := target
	orphan.ID = "t2"
	orphan.ResourceID = "missing"
	orphan.Change = monitor.ChangeDetection{}
	mock.ExpectExec(`INSERT INTO monitor\.targets`).
		WithArgs("t2", "missing", "price", "", target.URL, "*/5 * * * *", "ChangeDetection",
			pgtype.Text{}, "span", "CssSelector", "#price", true, created, created).
		WillReturnError(&pgconn.PgError{Code: pgForeignKeyViolation})
	require.ErrorIs(t, store.CreateTarget(context.Background(), orphan), monitor.ErrNotFound)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetTargetRebuildsChangeType(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT .+ FROM monitor\.targets WHERE id = \$1`).
		WithArgs("t1").
		WillReturnRows(pgxmock.NewRows(targetCols).AddRow(
			"t1", "r1", "price", "", "https://shop.example.com/widget", "@hourly", "ValueCheck",
			"42", "span", "XPath", "//span", true, created, created,
		))

	got, err := store.GetTarget(context.Background(), "t1")
	require.NoError(t, err)
	require.Equal(t, monitor.ValueCheck{Expected: "42"}, got.Change)
	require.Equal(t, monitor.SelectorXPath, got.SelectorType)
	require.True(t, got.Enabled)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateTargetMissing(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec(`UPDATE monitor\.targets SET`).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := store.UpdateTarget(context.Background(), monitor.Target{ID: "ghost", Change: monitor.ChangeDetection{}})
	require.ErrorIs(t, err, monitor.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListTargetsByResource(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM monitor\.targets WHERE resource_id = \$1`).
		WithArgs("r1").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery(`WHERE resource_id = \$1 ORDER BY created_at DESC, id DESC LIMIT \$2 OFFSET \$3`).
		WithArgs("r1", 10, 0).
		WillReturnRows(pgxmock.NewRows(targetCols).AddRow(
			"t1", "r1", "price", "", "https://shop.example.com/widget", "@hourly", "ChangeDetection",
			nil, "span", "CssSelector", "#price", true, created, created,
		))

	page, total, err := store.ListTargets(context.Background(), "r1", monitor.PageRequest{}.Normalize(10))
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Equal(t, monitor.ChangeDetection{}, page[0].Change)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLatestSnapshot(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery(`FROM monitor\.target_snapshots WHERE target_id = \$1 ORDER BY created_at DESC, seq DESC LIMIT 1`).
		WithArgs("t1").
		WillReturnRows(pgxmock.NewRows(snapshotCols).AddRow(
			"s2", "t1", "110", false, true, "abc", "gs://pages/t1/abc.html", created, created,
		))
	mock.ExpectQuery(`FROM monitor\.target_snapshots WHERE target_id = \$1`).
		WithArgs("t2").
		WillReturnRows(pgxmock.NewRows(snapshotCols))

	snap, found, err := store.LatestSnapshot(context.Background(), "t1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "110", snap.Value)
	require.True(t, snap.IsChangeDetected)

	_, found, err = store.LatestSnapshot(context.Background(), "t2")
	require.NoError(t, err)
	require.False(t, found)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertSnapshotSingleStatement(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	snap := monitor.Snapshot{
		ID: "s1", TargetID: "t1", Value: "100", IsChangeDetected: false,
		CreatedAt: created, UpdatedAt: created,
	}
	mock.ExpectExec(`INSERT INTO monitor\.target_snapshots`).
		WithArgs("s1", "t1", "100", false, false, "", "", created, created).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO monitor\.target_snapshots`).
		WithArgs("s1", "t1", "100", false, false, "", "", created, created).
		WillReturnError(&pgconn.PgError{Code: pgForeignKeyViolation})
	mock.ExpectExec(`INSERT INTO monitor\.target_snapshots`).
		WithArgs("s1", "t1", "100", false, false, "", "", created, created).
		WillReturnError(errors.New("connection reset"))

	require.NoError(t, store.InsertSnapshot(context.Background(), snap))
	require.ErrorIs(t, store.InsertSnapshot(context.Background(), snap), monitor.ErrNotFound)
	err := store.InsertSnapshot(context.Background(), snap)
	require.Error(t, err)
	require.NotErrorIs(t, err, monitor.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListSnapshotsAscending(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM monitor\.target_snapshots`).
		WithArgs("t1").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectQuery(`ORDER BY created_at ASC, seq ASC LIMIT \$2 OFFSET \$3`).
		WithArgs("t1", 5, 0).
		WillReturnRows(pgxmock.NewRows(snapshotCols).
			AddRow("s1", "t1", "100", false, false, "", "", created, created).
			AddRow("s2", "t1", "110", false, true, "", "", created.Add(time.Minute), created.Add(time.Minute)))

	page, total, err := store.ListSnapshots(context.Background(), "t1", monitor.PageRequest{
		Count: 5, SortDirection: monitor.SortAscending,
	}.Normalize(10))
	require.NoError(t, err)
	require.Equal(t, 2, total)
	require.Equal(t, "s1", page[0].ID)
	require.Equal(t, "s2", page[1].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPruneSnapshots(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec(`DELETE FROM monitor\.target_snapshots WHERE target_id = \$1 AND seq NOT IN`).
		WithArgs("t1", 2).
		WillReturnResult(pgxmock.NewResult("DELETE", 3))

	removed, err := store.PruneSnapshots(context.Background(), "t1", 2)
	require.NoError(t, err)
	require.Equal(t, 3, removed)

	removed, err = store.PruneSnapshots(context.Background(), "t1", 0)
	require.NoError(t, err)
	require.Zero(t, removed)
	require.NoError(t, mock.ExpectationsWereMet())
}
