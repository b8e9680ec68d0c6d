package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/webpage-change-monitor/internal/monitor"
	"github.com/JakeFAU/webpage-change-monitor/internal/storage/storetest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStoreContract(t *testing.T) {
	t.Parallel()

	storetest.Run(t, func(t *testing.T) monitor.Store { return newTestStore(t) })
}

func TestInsertSnapshotRequiresTarget(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	err := s.InsertSnapshot(context.Background(), storetest.Snapshot("s1", "ghost", "1", 0))
	require.ErrorIs(t, err, monitor.ErrNotFound)
}

func TestFileDatabaseSurvivesReopen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "monitor.db")

	s, err := New(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s.CreateResource(ctx, storetest.Resource("r1", "shop", 0)))
	require.NoError(t, s.CreateTarget(ctx, storetest.Target("t1", "r1", 0)))
	require.NoError(t, s.Close())

	s, err = New(ctx, path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Ping(ctx))

	got, err := s.GetTarget(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, "r1", got.ResourceID)
	require.Equal(t, monitor.ChangeDetection{}, got.Change)
}

func TestTimestampsSortLexically(t *testing.T) {
	t.Parallel()

	early := storetest.Snapshot("a", "t", "v", 0).CreatedAt
	late := early.Add(1500)
	require.Less(t, formatTime(early), formatTime(late))

	parsed, err := parseTime(formatTime(late))
	require.NoError(t, err)
	require.True(t, parsed.Equal(late.Truncate(1000)))

	_, err = parseTime("yesterday")
	require.Error(t, err)
}
