// Package storetest checks that a monitor.Store backend honors the shared storage contract.
package storetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/webpage-change-monitor/internal/monitor"
)

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// Run exercises newStore against the contract every backend must satisfy.
// newStore must return an empty store; it is called once per subtest.
func Run(t *testing.T, newStore func(t *testing.T) monitor.Store) {
	t.Helper()

	t.Run("resources", func(t *testing.T) { testResources(t, newStore(t)) })
	t.Run("targets", func(t *testing.T) { testTargets(t, newStore(t)) })
	t.Run("snapshots", func(t *testing.T) { testSnapshots(t, newStore(t)) })
	t.Run("prune", func(t *testing.T) { testPrune(t, newStore(t)) })
	t.Run("cascade", func(t *testing.T) { testCascade(t, newStore(t)) })
}

// Resource builds a resource created n minutes after the fixture base time.
func Resource(id, name string, n int) monitor.Resource {
	return monitor.Resource{ID: id, Name: name, Description: "fixture", CreatedAt: base.Add(time.Duration(n) * time.Minute)}
}

// Target builds an enabled target created n minutes after the fixture base time.
func Target(id, resourceID string, n int) monitor.Target {
	created := base.Add(time.Duration(n) * time.Minute)
	return monitor.Target{
		ID:            id,
		ResourceID:    resourceID,
		DisplayName:   "target " + id,
		Description:   "price of the widget",
		URL:           "https://shop.example.com/" + id,
		CronSchedule:  "*/5 * * * *",
		Change:        monitor.ChangeDetection{},
		HTMLTag:       "span",
		SelectorType:  monitor.SelectorCSS,
		SelectorValue: "#price",
		Enabled:       true,
		CreatedAt:     created,
		UpdatedAt:     created,
	}
}

// Snapshot builds a snapshot created n seconds after the fixture base time.
func Snapshot(id, targetID, value string, n int) monitor.Snapshot {
	created := base.Add(time.Duration(n) * time.Second)
	return monitor.Snapshot{
		ID:        id,
		TargetID:  targetID,
		Value:     value,
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func testResources(t *testing.T, s monitor.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateResource(ctx, Resource("r1", "Beta", 0)))
	require.NoError(t, s.CreateResource(ctx, Resource("r2", "alpha", 1)))
	require.NoError(t, s.CreateResource(ctx, Resource("r3", "Gamma", 2)))
	require.ErrorIs(t, s.CreateResource(ctx, Resource("r1", "dup", 3)), monitor.ErrConflict)

	got, err := s.GetResource(ctx, "r2")
	require.NoError(t, err)
	require.Equal(t, "alpha", got.Name)
	require.True(t, got.CreatedAt.Equal(base.Add(time.Minute)))

	_, err = s.GetResource(ctx, "missing")
	require.ErrorIs(t, err, monitor.ErrNotFound)

	page, total, err := s.ListResources(ctx, monitor.PageRequest{Page: 1, Count: 2}.Normalize(10))
	require.NoError(t, err)
	require.Equal(t, 3, total)
	require.Equal(t, []string{"r3", "r2"}, resourceIDs(page))

	page, _, err = s.ListResources(ctx, monitor.PageRequest{Page: 2, Count: 2}.Normalize(10))
	require.NoError(t, err)
	require.Equal(t, []string{"r1"}, resourceIDs(page))

	page, _, err = s.ListResources(ctx, monitor.PageRequest{
		Page: 1, Count: 10, SortDirection: monitor.SortAscending, SortBy: monitor.SortByName,
	}.Normalize(10))
	require.NoError(t, err)
	require.Equal(t, []string{"r2", "r1", "r3"}, resourceIDs(page))

	page, total, err = s.ListResources(ctx, monitor.PageRequest{Page: 5, Count: 2}.Normalize(10))
	require.NoError(t, err)
	require.Equal(t, 3, total)
	require.Empty(t, page)

	require.NoError(t, s.DeleteResource(ctx, "r3"))
	require.ErrorIs(t, s.DeleteResource(ctx, "r3"), monitor.ErrNotFound)
}

func testTargets(t *testing.T, s monitor.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateResource(ctx, Resource("r1", "shop", 0)))
	require.NoError(t, s.CreateResource(ctx, Resource("r2", "blog", 1)))

	require.ErrorIs(t, s.CreateTarget(ctx, Target("orphan", "missing", 0)), monitor.ErrNotFound)

	check := Target("t1", "r1", 0)
	check.Change = monitor.ValueCheck{Expected: "42"}
	check.SelectorType = monitor.SelectorXPath
	check.SelectorValue = "//span[@id='price']"
	require.NoError(t, s.CreateTarget(ctx, check))
	require.NoError(t, s.CreateTarget(ctx, Target("t2", "r1", 1)))
	paused := Target("t3", "r2", 2)
	paused.Enabled = false
	require.NoError(t, s.CreateTarget(ctx, paused))
	require.ErrorIs(t, s.CreateTarget(ctx, Target("t1", "r1", 3)), monitor.ErrConflict)

	got, err := s.GetTarget(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, monitor.ValueCheck{Expected: "42"}, got.Change)
	require.Equal(t, monitor.SelectorXPath, got.SelectorType)
	require.Equal(t, "//span[@id='price']", got.SelectorValue)
	require.Equal(t, check.URL, got.URL)
	require.True(t, got.Enabled)
	require.True(t, got.CreatedAt.Equal(check.CreatedAt))

	_, err = s.GetTarget(ctx, "missing")
	require.ErrorIs(t, err, monitor.ErrNotFound)

	active, err := s.ListActiveTargets(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"t1", "t2"}, targetIDs(active))

	page, total, err := s.ListTargets(ctx, "r1", monitor.PageRequest{}.Normalize(10))
	require.NoError(t, err)
	require.Equal(t, 2, total)
	require.Equal(t, []string{"t2", "t1"}, targetIDs(page))

	_, total, err = s.ListTargets(ctx, "", monitor.PageRequest{}.Normalize(10))
	require.NoError(t, err)
	require.Equal(t, 3, total)

	updated := got
	updated.Change = monitor.ChangeDetection{}
	updated.CronSchedule = "@hourly"
	updated.Enabled = false
	updated.UpdatedAt = base.Add(time.Hour)
	require.NoError(t, s.UpdateTarget(ctx, updated))
	got, err = s.GetTarget(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, monitor.ChangeDetection{}, got.Change)
	require.Equal(t, "@hourly", got.CronSchedule)
	require.False(t, got.Enabled)
	require.True(t, got.UpdatedAt.Equal(base.Add(time.Hour)))

	require.ErrorIs(t, s.UpdateTarget(ctx, Target("missing", "r1", 0)), monitor.ErrNotFound)

	require.NoError(t, s.DeleteTarget(ctx, "t2"))
	require.ErrorIs(t, s.DeleteTarget(ctx, "t2"), monitor.ErrNotFound)
}

func testSnapshots(t *testing.T, s monitor.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateResource(ctx, Resource("r1", "shop", 0)))
	require.NoError(t, s.CreateTarget(ctx, Target("t1", "r1", 0)))

	_, found, err := s.LatestSnapshot(ctx, "t1")
	require.NoError(t, err)
	require.False(t, found)

	for i, v := range []string{"100", "100", "110"} {
		snap := Snapshot(fmt.Sprintf("s%d", i+1), "t1", v, i)
		snap.IsChangeDetected = i == 2
		if i == 2 {
			snap.ContentHash = "abc"
			snap.ArchiveURI = "memory://pages/t1/abc.html"
		}
		require.NoError(t, s.InsertSnapshot(ctx, snap))
	}

	latest, found, err := s.LatestSnapshot(ctx, "t1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "s3", latest.ID)
	require.Equal(t, "110", latest.Value)
	require.True(t, latest.IsChangeDetected)
	require.Equal(t, "abc", latest.ContentHash)
	require.Equal(t, "memory://pages/t1/abc.html", latest.ArchiveURI)

	page, total, err := s.ListSnapshots(ctx, "t1", monitor.PageRequest{Page: 1, Count: 2}.Normalize(10))
	require.NoError(t, err)
	require.Equal(t, 3, total)
	require.Equal(t, []string{"s3", "s2"}, snapshotIDs(page))

	page, _, err = s.ListSnapshots(ctx, "t1", monitor.PageRequest{Page: 1, Count: 10, SortDirection: monitor.SortAscending}.Normalize(10))
	require.NoError(t, err)
	require.Equal(t, []string{"s1", "s2", "s3"}, snapshotIDs(page))

	page, total, err = s.ListSnapshots(ctx, "other", monitor.PageRequest{}.Normalize(10))
	require.NoError(t, err)
	require.Zero(t, total)
	require.Empty(t, page)

	require.NoError(t, s.DeleteSnapshots(ctx, "t1"))
	_, found, err = s.LatestSnapshot(ctx, "t1")
	require.NoError(t, err)
	require.False(t, found)
}

func testPrune(t *testing.T, s monitor.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateResource(ctx, Resource("r1", "shop", 0)))
	require.NoError(t, s.CreateTarget(ctx, Target("t1", "r1", 0)))
	for i := 0; i < 5; i++ {
		require.NoError(t, s.InsertSnapshot(ctx, Snapshot(fmt.Sprintf("s%d", i+1), "t1", "v", i)))
	}

	removed, err := s.PruneSnapshots(ctx, "t1", 2)
	require.NoError(t, err)
	require.Equal(t, 3, removed)

	page, total, err := s.ListSnapshots(ctx, "t1", monitor.PageRequest{}.Normalize(10))
	require.NoError(t, err)
	require.Equal(t, 2, total)
	require.Equal(t, []string{"s5", "s4"}, snapshotIDs(page))

	removed, err = s.PruneSnapshots(ctx, "t1", 0)
	require.NoError(t, err)
	require.Zero(t, removed)
}

func testCascade(t *testing.T, s monitor.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateResource(ctx, Resource("r1", "shop", 0)))
	require.NoError(t, s.CreateTarget(ctx, Target("t1", "r1", 0)))
	require.NoError(t, s.CreateTarget(ctx, Target("t2", "r1", 1)))
	require.NoError(t, s.InsertSnapshot(ctx, Snapshot("s1", "t1", "100", 0)))

	require.NoError(t, s.DeleteResource(ctx, "r1"))

	_, err := s.GetTarget(ctx, "t1")
	require.ErrorIs(t, err, monitor.ErrNotFound)
	_, total, err := s.ListSnapshots(ctx, "t1", monitor.PageRequest{}.Normalize(10))
	require.NoError(t, err)
	require.Zero(t, total)
}

func resourceIDs(rs []monitor.Resource) []string {
	out := make([]string, 0, len(rs))
	for _, r := range rs {
		out = append(out, r.ID)
	}
	return out
}

func targetIDs(ts []monitor.Target) []string {
	out := make([]string, 0, len(ts))
	for _, t := range ts {
		out = append(out, t.ID)
	}
	return out
}

func snapshotIDs(ss []monitor.Snapshot) []string {
	out := make([]string, 0, len(ss))
	for _, s := range ss {
		out = append(out, s.ID)
	}
	return out
}
