// Package catalog manages resources and targets on top of a monitor.Store and
// tells subscribed listeners (the scheduler, the outcome recorder) about
// every target change.
package catalog

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/JakeFAU/webpage-change-monitor/internal/monitor"
	"github.com/JakeFAU/webpage-change-monitor/internal/scheduler"
)

const (
	maxResourceNameLen        = 100
	maxResourceDescriptionLen = 500
	// listBatch is the page size used when walking every target of a resource.
	listBatch = 200
)

// ResourceInput carries the caller-supplied fields of a resource.
type ResourceInput struct {
	Name        string
	Description string
}

// TargetInput carries the caller-supplied fields of a target. A nil Enabled
// means enabled on create and unchanged on update.
type TargetInput struct {
	ResourceID    string
	DisplayName   string
	Description   string
	URL           string
	CronSchedule  string
	Change        monitor.ChangeType
	HTMLTag       string
	SelectorType  monitor.SelectorType
	SelectorValue string
	Enabled       *bool
}

// Service is the target catalog. It implements monitor.TargetRepository.
type Service struct {
	store  monitor.Store
	clock  monitor.Clock
	ids    monitor.IDGenerator
	opts   monitor.ChangeMonitorOptions
	logger *zap.Logger

	mu        sync.RWMutex
	listeners []monitor.TargetListener
}

// New constructs a Service.
func New(
	store monitor.Store,
	clock monitor.Clock,
	ids monitor.IDGenerator,
	opts monitor.ChangeMonitorOptions,
	logger *zap.Logger,
) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, clock: clock, ids: ids, opts: opts, logger: logger}
}

// Subscribe registers a listener for target lifecycle changes. A listener
// already subscribed is not added twice. Listeners must be comparable.
func (s *Service) Subscribe(l monitor.TargetListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.listeners {
		if existing == l {
			return
		}
	}
	s.listeners = append(s.listeners, l)
}

func (s *Service) each(fn func(monitor.TargetListener)) {
	s.mu.RLock()
	listeners := append([]monitor.TargetListener(nil), s.listeners...)
	s.mu.RUnlock()
	for _, l := range listeners {
		fn(l)
	}
}

// CreateResource validates and stores a new resource.
func (s *Service) CreateResource(ctx context.Context, in ResourceInput) (monitor.Resource, error) {
	name := strings.TrimSpace(in.Name)
	desc := strings.TrimSpace(in.Description)
	if name == "" {
		return monitor.Resource{}, fmt.Errorf("%w: name is required", monitor.ErrInvalidResource)
	}
	if utf8.RuneCountInString(name) > maxResourceNameLen {
		return monitor.Resource{}, fmt.Errorf("%w: name must be at most %d characters", monitor.ErrInvalidResource, maxResourceNameLen)
	}
	if utf8.RuneCountInString(desc) > maxResourceDescriptionLen {
		return monitor.Resource{}, fmt.Errorf("%w: description must be at most %d characters",
			monitor.ErrInvalidResource, maxResourceDescriptionLen)
	}
	id, err := s.ids.NewID()
	if err != nil {
		return monitor.Resource{}, fmt.Errorf("resource id: %w", err)
	}
	r := monitor.Resource{ID: id, Name: name, Description: desc, CreatedAt: s.clock.Now()}
	if err := s.store.CreateResource(ctx, r); err != nil {
		return monitor.Resource{}, fmt.Errorf("create resource: %w", err)
	}
	s.logger.Info("resource created", zap.String("resource_id", r.ID), zap.String("name", r.Name))
	return r, nil
}

// GetResource returns a resource by id.
func (s *Service) GetResource(ctx context.Context, id string) (monitor.Resource, error) {
	r, err := s.store.GetResource(ctx, id)
	if err != nil {
		return monitor.Resource{}, fmt.Errorf("get resource: %w", err)
	}
	return r, nil
}

// ListResources returns one page of resources.
func (s *Service) ListResources(ctx context.Context, page monitor.PageRequest) ([]monitor.Resource, int, error) {
	items, total, err := s.store.ListResources(ctx, page.Normalize(s.opts.DefaultResourcePageSize))
	if err != nil {
		return nil, 0, fmt.Errorf("list resources: %w", err)
	}
	return items, total, nil
}

// DeleteResource removes a resource together with its targets and their snapshots.
func (s *Service) DeleteResource(ctx context.Context, id string) error {
	if _, err := s.store.GetResource(ctx, id); err != nil {
		return fmt.Errorf("get resource: %w", err)
	}
	targetIDs, err := s.resourceTargetIDs(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.DeleteResource(ctx, id); err != nil {
		return fmt.Errorf("delete resource: %w", err)
	}
	for _, tid := range targetIDs {
		s.each(func(l monitor.TargetListener) { l.OnTargetRemoved(tid) })
	}
	s.logger.Info("resource deleted", zap.String("resource_id", id), zap.Int("targets_removed", len(targetIDs)))
	return nil
}

// CreateTarget validates, stores and announces a new target.
func (s *Service) CreateTarget(ctx context.Context, in TargetInput) (monitor.Target, error) {
	id, err := s.ids.NewID()
	if err != nil {
		return monitor.Target{}, fmt.Errorf("target id: %w", err)
	}
	now := s.clock.Now()
	t := in.target(id, now, now)
	if err := validate(t); err != nil {
		return monitor.Target{}, err
	}
	if err := s.store.CreateTarget(ctx, t); err != nil {
		return monitor.Target{}, fmt.Errorf("create target: %w", err)
	}
	s.each(func(l monitor.TargetListener) { l.OnTargetCreated(t) })
	s.logger.Info("target created", zap.String("target_id", t.ID), zap.String("url", t.URL))
	return t, nil
}

// UpdateTarget replaces every caller-supplied field of an existing target.
func (s *Service) UpdateTarget(ctx context.Context, id string, in TargetInput) (monitor.Target, error) {
	existing, err := s.store.GetTarget(ctx, id)
	if err != nil {
		return monitor.Target{}, fmt.Errorf("get target: %w", err)
	}
	t := in.target(id, existing.CreatedAt, s.clock.Now())
	if in.Enabled == nil {
		t.Enabled = existing.Enabled
	}
	if err := validate(t); err != nil {
		return monitor.Target{}, err
	}
	if err := s.store.UpdateTarget(ctx, t); err != nil {
		return monitor.Target{}, fmt.Errorf("update target: %w", err)
	}
	s.each(func(l monitor.TargetListener) { l.OnTargetUpdated(t) })
	s.logger.Info("target updated", zap.String("target_id", t.ID), zap.Bool("enabled", t.Enabled))
	return t, nil
}

// DeleteTarget removes a target and its snapshots.
func (s *Service) DeleteTarget(ctx context.Context, id string) error {
	if err := s.store.DeleteTarget(ctx, id); err != nil {
		return fmt.Errorf("delete target: %w", err)
	}
	s.each(func(l monitor.TargetListener) { l.OnTargetRemoved(id) })
	s.logger.Info("target deleted", zap.String("target_id", id))
	return nil
}

// DeleteTargetsByResource removes every target of a resource and keeps the resource.
func (s *Service) DeleteTargetsByResource(ctx context.Context, resourceID string) (int, error) {
	if _, err := s.store.GetResource(ctx, resourceID); err != nil {
		return 0, fmt.Errorf("get resource: %w", err)
	}
	ids, err := s.resourceTargetIDs(ctx, resourceID)
	if err != nil {
		return 0, err
	}
	for i, id := range ids {
		if err := s.DeleteTarget(ctx, id); err != nil {
			return i, err
		}
	}
	return len(ids), nil
}

// GetTarget returns a target by id.
func (s *Service) GetTarget(ctx context.Context, id string) (monitor.Target, error) {
	t, err := s.store.GetTarget(ctx, id)
	if err != nil {
		return monitor.Target{}, fmt.Errorf("get target: %w", err)
	}
	return t, nil
}

// ListActiveTargets returns every enabled target.
func (s *Service) ListActiveTargets(ctx context.Context) ([]monitor.Target, error) {
	targets, err := s.store.ListActiveTargets(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active targets: %w", err)
	}
	return targets, nil
}

// ListTargets returns one page of all targets.
func (s *Service) ListTargets(ctx context.Context, page monitor.PageRequest) ([]monitor.Target, int, error) {
	items, total, err := s.store.ListTargets(ctx, "", page.Normalize(s.opts.DefaultTargetPageSize))
	if err != nil {
		return nil, 0, fmt.Errorf("list targets: %w", err)
	}
	return items, total, nil
}

// ListTargetsByResource returns one page of a resource's targets.
func (s *Service) ListTargetsByResource(
	ctx context.Context,
	resourceID string,
	page monitor.PageRequest,
) ([]monitor.Target, int, error) {
	if _, err := s.store.GetResource(ctx, resourceID); err != nil {
		return nil, 0, fmt.Errorf("get resource: %w", err)
	}
	items, total, err := s.store.ListTargets(ctx, resourceID, page.Normalize(s.opts.DefaultTargetPageSize))
	if err != nil {
		return nil, 0, fmt.Errorf("list targets: %w", err)
	}
	return items, total, nil
}

// ListSnapshots returns one page of a target's snapshot history.
func (s *Service) ListSnapshots(
	ctx context.Context,
	targetID string,
	page monitor.PageRequest,
) ([]monitor.Snapshot, int, error) {
	if _, err := s.store.GetTarget(ctx, targetID); err != nil {
		return nil, 0, fmt.Errorf("get target: %w", err)
	}
	items, total, err := s.store.ListSnapshots(ctx, targetID, page.Normalize(s.opts.DefaultTargetSnapshotPageSize))
	if err != nil {
		return nil, 0, fmt.Errorf("list snapshots: %w", err)
	}
	return items, total, nil
}

func (s *Service) resourceTargetIDs(ctx context.Context, resourceID string) ([]string, error) {
	var ids []string
	for page := 1; ; page++ {
		batch, total, err := s.store.ListTargets(ctx, resourceID, monitor.PageRequest{
			Page: page, Count: listBatch, SortDirection: monitor.SortAscending, SortBy: monitor.SortByCreatedAt,
		})
		if err != nil {
			return nil, fmt.Errorf("list resource targets: %w", err)
		}
		for _, t := range batch {
			ids = append(ids, t.ID)
		}
		if len(batch) == 0 || len(ids) >= total {
			return ids, nil
		}
	}
}

func (in TargetInput) target(id string, created, updated time.Time) monitor.Target {
	enabled := true
	if in.Enabled != nil {
		enabled = *in.Enabled
	}
	return monitor.Target{
		ID:            id,
		ResourceID:    strings.TrimSpace(in.ResourceID),
		DisplayName:   strings.TrimSpace(in.DisplayName),
		Description:   strings.TrimSpace(in.Description),
		URL:           strings.TrimSpace(in.URL),
		CronSchedule:  strings.TrimSpace(in.CronSchedule),
		Change:        in.Change,
		HTMLTag:       strings.TrimSpace(in.HTMLTag),
		SelectorType:  in.SelectorType,
		SelectorValue: strings.TrimSpace(in.SelectorValue),
		Enabled:       enabled,
		CreatedAt:     created,
		UpdatedAt:     updated,
	}
}

func validate(t monitor.Target) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("validate target: %w", err)
	}
	if err := scheduler.Validate(t.CronSchedule); err != nil {
		return fmt.Errorf("validate target: %w", err)
	}
	return nil
}
