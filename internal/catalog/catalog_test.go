package catalog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/webpage-change-monitor/internal/monitor"
	"github.com/JakeFAU/webpage-change-monitor/internal/storage/memory"
)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type seqIDs struct {
	mu  sync.Mutex
	n   int
	err error
}

func (g *seqIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return "", g.err
	}
	g.n++
	return fmt.Sprintf("id-%02d", g.n), nil
}

type recordingListener struct {
	created []string
	updated []string
	removed []string
}

func (l *recordingListener) OnTargetCreated(t monitor.Target) { l.created = append(l.created, t.ID) }
func (l *recordingListener) OnTargetUpdated(t monitor.Target) { l.updated = append(l.updated, t.ID) }
func (l *recordingListener) OnTargetRemoved(id string)        { l.removed = append(l.removed, id) }

func newService(t *testing.T) (*Service, *memory.Store, *recordingListener) {
	t.Helper()
	store := memory.NewStore()
	svc := New(store, &stepClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}, &seqIDs{},
		monitor.ChangeMonitorOptions{DefaultResourcePageSize: 10, DefaultTargetPageSize: 2, DefaultTargetSnapshotPageSize: 5}, nil)
	l := &recordingListener{}
	svc.Subscribe(l)
	return svc, store, l
}

func priceInput(resourceID string) TargetInput {
	return TargetInput{
		ResourceID:    resourceID,
		DisplayName:   " widget price ",
		URL:           "https://shop.example.com/widget",
		CronSchedule:  "*/5 * * * *",
		Change:        monitor.ChangeDetection{},
		HTMLTag:       "span",
		SelectorType:  monitor.SelectorCSS,
		SelectorValue: "#price",
	}
}

func TestCreateResourceValidates(t *testing.T) {
	t.Parallel()

	svc, _, _ := newService(t)
	_, err := svc.CreateResource(context.Background(), ResourceInput{Name: "  "})
	require.ErrorIs(t, err, monitor.ErrInvalidResource)

	r, err := svc.CreateResource(context.Background(), ResourceInput{Name: " shop ", Description: "store front"})
	require.NoError(t, err)
	require.Equal(t, "shop", r.Name)
	require.Equal(t, "id-01", r.ID)

	got, err := svc.GetResource(context.Background(), r.ID)
	require.NoError(t, err)
	require.Equal(t, r, got)
}

func TestCreateTargetNotifiesListeners(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, _, l := newService(t)
	r, err := svc.CreateResource(ctx, ResourceInput{Name: "shop"})
	require.NoError(t, err)

	tgt, err := svc.CreateTarget(ctx, priceInput(r.ID))
	require.NoError(t, err)
	require.Equal(t, "widget price", tgt.DisplayName)
	require.True(t, tgt.Enabled)
	require.Equal(t, []string{tgt.ID}, l.created)

	got, err := svc.GetTarget(ctx, tgt.ID)
	require.NoError(t, err)
	require.Equal(t, tgt.CronSchedule, got.CronSchedule)
}

func TestCreateTargetRejectsInvalidInput(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, _, l := newService(t)
	r, err := svc.CreateResource(ctx, ResourceInput{Name: "shop"})
	require.NoError(t, err)

	badCron := priceInput(r.ID)
	badCron.CronSchedule = "every five minutes"
	_, err = svc.CreateTarget(ctx, badCron)
	require.ErrorIs(t, err, monitor.ErrInvalidSchedule)
	var schedErr *monitor.InvalidScheduleError
	require.ErrorAs(t, err, &schedErr)

	noTag := priceInput(r.ID)
	noTag.HTMLTag = ""
	_, err = svc.CreateTarget(ctx, noTag)
	require.ErrorIs(t, err, monitor.ErrInvalidTarget)

	noExpected := priceInput(r.ID)
	noExpected.Change = monitor.ValueCheck{}
	_, err = svc.CreateTarget(ctx, noExpected)
	require.ErrorIs(t, err, monitor.ErrInvalidTarget)

	_, err = svc.CreateTarget(ctx, priceInput("missing"))
	require.ErrorIs(t, err, monitor.ErrNotFound)

	require.Empty(t, l.created)
}

func TestUpdateTargetKeepsCreationTime(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, _, l := newService(t)
	r, err := svc.CreateResource(ctx, ResourceInput{Name: "shop"})
	require.NoError(t, err)
	tgt, err := svc.CreateTarget(ctx, priceInput(r.ID))
	require.NoError(t, err)

	in := priceInput(r.ID)
	in.CronSchedule = "@hourly"
	in.Change = monitor.ValueCheck{Expected: "42"}
	paused := false
	in.Enabled = &paused

	updated, err := svc.UpdateTarget(ctx, tgt.ID, in)
	require.NoError(t, err)
	require.Equal(t, tgt.CreatedAt, updated.CreatedAt)
	require.True(t, updated.UpdatedAt.After(tgt.UpdatedAt))
	require.False(t, updated.Enabled)
	require.Equal(t, []string{tgt.ID}, l.updated)

	_, err = svc.UpdateTarget(ctx, "missing", in)
	require.ErrorIs(t, err, monitor.ErrNotFound)

	in.CronSchedule = "61 * * * *"
	_, err = svc.UpdateTarget(ctx, tgt.ID, in)
	require.ErrorIs(t, err, monitor.ErrInvalidSchedule)
	require.Len(t, l.updated, 1)
}

func TestUpdateTargetWithoutEnabledKeepsState(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, _, l := newService(t)
	r, err := svc.CreateResource(ctx, ResourceInput{Name: "shop"})
	require.NoError(t, err)
	tgt, err := svc.CreateTarget(ctx, priceInput(r.ID))
	require.NoError(t, err)

	in := priceInput(r.ID)
	paused := false
	in.Enabled = &paused
	_, err = svc.UpdateTarget(ctx, tgt.ID, in)
	require.NoError(t, err)

	in = priceInput(r.ID)
	in.DisplayName = "renamed"
	updated, err := svc.UpdateTarget(ctx, tgt.ID, in)
	require.NoError(t, err)
	require.False(t, updated.Enabled)
	require.Equal(t, "renamed", updated.DisplayName)

	got, err := svc.GetTarget(ctx, tgt.ID)
	require.NoError(t, err)
	require.False(t, got.Enabled)
	require.Len(t, l.updated, 2)
}

func TestSubscribeIgnoresDuplicateListener(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, _, l := newService(t)
	svc.Subscribe(l)
	r, err := svc.CreateResource(ctx, ResourceInput{Name: "shop"})
	require.NoError(t, err)
	tgt, err := svc.CreateTarget(ctx, priceInput(r.ID))
	require.NoError(t, err)
	require.Equal(t, []string{tgt.ID}, l.created)
}

func TestDeleteResourceCascadesAndNotifies(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, store, l := newService(t)
	r, err := svc.CreateResource(ctx, ResourceInput{Name: "shop"})
	require.NoError(t, err)
	var ids []string
	for i := 0; i < 3; i++ {
		tgt, err := svc.CreateTarget(ctx, priceInput(r.ID))
		require.NoError(t, err)
		ids = append(ids, tgt.ID)
	}
	require.NoError(t, store.InsertSnapshot(ctx, monitor.Snapshot{ID: "s1", TargetID: ids[0], Value: "100"}))

	require.NoError(t, svc.DeleteResource(ctx, r.ID))
	require.ElementsMatch(t, ids, l.removed)

	_, err = svc.GetTarget(ctx, ids[0])
	require.ErrorIs(t, err, monitor.ErrNotFound)
	require.ErrorIs(t, svc.DeleteResource(ctx, r.ID), monitor.ErrNotFound)
}

func TestDeleteTargetsByResourceKeepsResource(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, _, l := newService(t)
	r, err := svc.CreateResource(ctx, ResourceInput{Name: "shop"})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := svc.CreateTarget(ctx, priceInput(r.ID))
		require.NoError(t, err)
	}

	n, err := svc.DeleteTargetsByResource(ctx, r.ID)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Len(t, l.removed, 3)

	_, err = svc.GetResource(ctx, r.ID)
	require.NoError(t, err)

	_, err = svc.DeleteTargetsByResource(ctx, "missing")
	require.ErrorIs(t, err, monitor.ErrNotFound)
}

func TestListingUsesDefaultPageSizes(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, store, _ := newService(t)
	r, err := svc.CreateResource(ctx, ResourceInput{Name: "shop"})
	require.NoError(t, err)
	var last monitor.Target
	for i := 0; i < 3; i++ {
		last, err = svc.CreateTarget(ctx, priceInput(r.ID))
		require.NoError(t, err)
	}

	page, total, err := svc.ListTargets(ctx, monitor.PageRequest{})
	require.NoError(t, err)
	require.Equal(t, 3, total)
	require.Len(t, page, 2)
	require.Equal(t, last.ID, page[0].ID)

	page, total, err = svc.ListTargetsByResource(ctx, r.ID, monitor.PageRequest{Page: 2})
	require.NoError(t, err)
	require.Equal(t, 3, total)
	require.Len(t, page, 1)

	_, _, err = svc.ListTargetsByResource(ctx, "missing", monitor.PageRequest{})
	require.ErrorIs(t, err, monitor.ErrNotFound)

	for i := 0; i < 7; i++ {
		require.NoError(t, store.InsertSnapshot(ctx, monitor.Snapshot{
			ID: fmt.Sprintf("s%d", i), TargetID: last.ID, Value: "v",
			CreatedAt: time.Date(2024, 5, 2, 0, i, 0, 0, time.UTC),
		}))
	}
	snaps, total, err := svc.ListSnapshots(ctx, last.ID, monitor.PageRequest{})
	require.NoError(t, err)
	require.Equal(t, 7, total)
	require.Len(t, snaps, 5)
	require.Equal(t, "s6", snaps[0].ID)

	_, _, err = svc.ListSnapshots(ctx, "missing", monitor.PageRequest{})
	require.ErrorIs(t, err, monitor.ErrNotFound)

	active, err := svc.ListActiveTargets(ctx)
	require.NoError(t, err)
	require.Len(t, active, 3)

	resources, total, err := svc.ListResources(ctx, monitor.PageRequest{})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Len(t, resources, 1)
}

func TestIDFailureSurfaces(t *testing.T) {
	t.Parallel()

	svc := New(memory.NewStore(), &stepClock{}, &seqIDs{err: errors.New("entropy")}, monitor.ChangeMonitorOptions{}, nil)
	_, err := svc.CreateResource(context.Background(), ResourceInput{Name: "shop"})
	require.ErrorContains(t, err, "resource id")
}
