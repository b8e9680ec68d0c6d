package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/webpage-change-monitor/internal/monitor"
)

// Store keeps resources, targets and snapshots in memory for development and tests.
// Deleting a resource or target cascades to what it owns.
type Store struct {
	mu        sync.RWMutex
	resources map[string]monitor.Resource
	targets   map[string]monitor.Target
	snapshots map[string][]monitor.Snapshot
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		resources: make(map[string]monitor.Resource),
		targets:   make(map[string]monitor.Target),
		snapshots: make(map[string][]monitor.Snapshot),
	}
}

// Close implements monitor.Store.
func (s *Store) Close() error { return nil }

// CreateResource stores a new resource.
func (s *Store) CreateResource(_ context.Context, r monitor.Resource) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.resources[r.ID]; exists {
		return fmt.Errorf("resource %s: %w", r.ID, monitor.ErrConflict)
	}
	s.resources[r.ID] = r
	return nil
}

// GetResource returns a resource by id.
func (s *Store) GetResource(_ context.Context, id string) (monitor.Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.resources[id]
	if !ok {
		return monitor.Resource{}, fmt.Errorf("resource %s: %w", id, monitor.ErrNotFound)
	}
	return r, nil
}

// ListResources returns one page of resources and the total count.
func (s *Store) ListResources(_ context.Context, page monitor.PageRequest) ([]monitor.Resource, int, error) {
	s.mu.RLock()
	all := make([]monitor.Resource, 0, len(s.resources))
	for _, r := range s.resources {
		all = append(all, r)
	}
	s.mu.RUnlock()

	key := func(r monitor.Resource) (string, time.Time) {
		if page.SortBy == monitor.SortByName {
			return strings.ToLower(r.Name), time.Time{}
		}
		return "", r.CreatedAt
	}
	sortPage(all, page.SortDirection, key, func(r monitor.Resource) string { return r.ID })
	return slicePage(all, page), len(all), nil
}

// DeleteResource removes a resource with its targets and their snapshots.
func (s *Store) DeleteResource(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.resources[id]; !ok {
		return fmt.Errorf("resource %s: %w", id, monitor.ErrNotFound)
	}
	delete(s.resources, id)
	for tid, t := range s.targets {
		if t.ResourceID == id {
			delete(s.targets, tid)
			delete(s.snapshots, tid)
		}
	}
	return nil
}

// CreateTarget stores a new target under an existing resource.
func (s *Store) CreateTarget(_ context.Context, t monitor.Target) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.resources[t.ResourceID]; !ok {
		return fmt.Errorf("resource %s: %w", t.ResourceID, monitor.ErrNotFound)
	}
	if _, exists := s.targets[t.ID]; exists {
		return fmt.Errorf("target %s: %w", t.ID, monitor.ErrConflict)
	}
	s.targets[t.ID] = t
	return nil
}

// UpdateTarget replaces an existing target.
func (s *Store) UpdateTarget(_ context.Context, t monitor.Target) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.targets[t.ID]; !ok {
		return fmt.Errorf("target %s: %w", t.ID, monitor.ErrNotFound)
	}
	if _, ok := s.resources[t.ResourceID]; !ok {
		return fmt.Errorf("resource %s: %w", t.ResourceID, monitor.ErrNotFound)
	}
	s.targets[t.ID] = t
	return nil
}

// DeleteTarget removes a target and its snapshots.
func (s *Store) DeleteTarget(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.targets[id]; !ok {
		return fmt.Errorf("target %s: %w", id, monitor.ErrNotFound)
	}
	delete(s.targets, id)
	delete(s.snapshots, id)
	return nil
}

// GetTarget returns a target by id.
func (s *Store) GetTarget(_ context.Context, id string) (monitor.Target, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.targets[id]
	if !ok {
		return monitor.Target{}, fmt.Errorf("target %s: %w", id, monitor.ErrNotFound)
	}
	return t, nil
}

// ListActiveTargets returns every enabled target.
func (s *Store) ListActiveTargets(_ context.Context) ([]monitor.Target, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]monitor.Target, 0, len(s.targets))
	for _, t := range s.targets {
		if t.Enabled {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListTargets returns one page of targets, optionally restricted to a resource.
func (s *Store) ListTargets(_ context.Context, resourceID string, page monitor.PageRequest) ([]monitor.Target, int, error) {
	s.mu.RLock()
	all := make([]monitor.Target, 0, len(s.targets))
	for _, t := range s.targets {
		if resourceID == "" || t.ResourceID == resourceID {
			all = append(all, t)
		}
	}
	s.mu.RUnlock()

	key := func(t monitor.Target) (string, time.Time) {
		switch page.SortBy {
		case monitor.SortByDisplayName:
			return strings.ToLower(t.DisplayName), time.Time{}
		case monitor.SortByUpdatedAt:
			return "", t.UpdatedAt
		default:
			return "", t.CreatedAt
		}
	}
	sortPage(all, page.SortDirection, key, func(t monitor.Target) string { return t.ID })
	return slicePage(all, page), len(all), nil
}

// LatestSnapshot returns the most recently inserted snapshot of a target.
func (s *Store) LatestSnapshot(_ context.Context, targetID string) (monitor.Snapshot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	history := s.snapshots[targetID]
	if len(history) == 0 {
		return monitor.Snapshot{}, false, nil
	}
	return history[len(history)-1], true, nil
}

// InsertSnapshot appends a snapshot to its target's history.
func (s *Store) InsertSnapshot(_ context.Context, snap monitor.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.targets[snap.TargetID]; !ok {
		return fmt.Errorf("target %s: %w", snap.TargetID, monitor.ErrNotFound)
	}
	s.snapshots[snap.TargetID] = append(s.snapshots[snap.TargetID], snap)
	return nil
}

// ListSnapshots returns one page of a target's snapshots ordered by creation time.
func (s *Store) ListSnapshots(_ context.Context, targetID string, page monitor.PageRequest) ([]monitor.Snapshot, int, error) {
	s.mu.RLock()
	all := append([]monitor.Snapshot(nil), s.snapshots[targetID]...)
	s.mu.RUnlock()

	if page.SortDirection != monitor.SortAscending {
		for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
			all[i], all[j] = all[j], all[i]
		}
	}
	return slicePage(all, page), len(all), nil
}

// DeleteSnapshots removes every snapshot of a target.
func (s *Store) DeleteSnapshots(_ context.Context, targetID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snapshots, targetID)
	return nil
}

// PruneSnapshots keeps the newest keep snapshots of a target and reports how many were removed.
func (s *Store) PruneSnapshots(_ context.Context, targetID string, keep int) (int, error) {
	if keep <= 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	history := s.snapshots[targetID]
	if len(history) <= keep {
		return 0, nil
	}
	removed := len(history) - keep
	s.snapshots[targetID] = append([]monitor.Snapshot(nil), history[removed:]...)
	return removed, nil
}

// sortPage orders items by a string or time key, breaking ties by id.
func sortPage[T any](
	items []T,
	dir monitor.SortDirection,
	key func(T) (string, time.Time),
	id func(T) string,
) {
	less := func(a, b T) bool {
		sa, ta := key(a)
		sb, tb := key(b)
		switch {
		case sa != sb:
			return sa < sb
		case !ta.Equal(tb):
			return ta.Before(tb)
		default:
			return id(a) < id(b)
		}
	}
	sort.SliceStable(items, func(i, j int) bool {
		if dir == monitor.SortAscending {
			return less(items[i], items[j])
		}
		return less(items[j], items[i])
	})
}

func slicePage[T any](items []T, page monitor.PageRequest) []T {
	start := page.Offset()
	if page.Count <= 0 || start >= len(items) {
		return []T{}
	}
	end := start + page.Count
	if end > len(items) {
		end = len(items)
	}
	return append([]T(nil), items[start:end]...)
}
