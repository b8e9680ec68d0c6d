// Package scheduler keeps one cron trigger per target and fires Monitor Jobs on time.
//
// Next-fire instants live in a min-heap served by a single loop goroutine. Each
// firing runs in its own goroutine; a per-target running flag drops firings that
// would overlap a run still in flight.
package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/webpage-change-monitor/internal/metrics"
	"github.com/JakeFAU/webpage-change-monitor/internal/monitor"
)

// idleWait bounds the sleep when no trigger is registered.
const idleWait = time.Hour

var errNeverFires = errors.New("schedule has no upcoming fire time")

var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Runner executes one Monitor Job for a target.
type Runner interface {
	Run(ctx context.Context, targetID string) monitor.Outcome
}

// Entry describes one installed trigger.
type Entry struct {
	TargetID string    `json:"targetId"`
	Schedule string    `json:"cronSchedule"`
	Next     time.Time `json:"nextFire"`
	Running  bool      `json:"running"`
}

// Scheduler owns the cron triggers of every enabled target.
type Scheduler struct {
	runner Runner
	clock  monitor.Clock
	logger *zap.Logger

	mu      sync.Mutex
	entries map[string]*entry
	queue   entryHeap
	running map[string]bool
	runCtx  context.Context
	wake    chan struct{}
	wg      sync.WaitGroup
}

// New builds a Scheduler. It does not fire anything until Run is called.
func New(runner Runner, clock monitor.Clock, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		runner:  runner,
		clock:   clock,
		logger:  logger,
		entries: make(map[string]*entry),
		running: make(map[string]bool),
		runCtx:  context.Background(),
		wake:    make(chan struct{}, 1),
	}
}

// Parse validates a cron expression. Five fields, six fields with leading
// seconds, descriptors such as @hourly and @every 5m, and Quartz '?' are accepted.
// A seventh Quartz year field restricts firing to the listed years.
func Parse(expr string) (cron.Schedule, error) {
	spec, years := splitYear(expr)
	sched, err := parser.Parse(spec)
	if err != nil {
		return nil, &monitor.InvalidScheduleError{Expr: expr, Err: err}
	}
	if years == "" || years == "*" {
		return sched, nil
	}
	ranges, err := parseYears(years)
	if err != nil {
		return nil, &monitor.InvalidScheduleError{Expr: expr, Err: err}
	}
	return &yearSchedule{inner: sched, years: ranges}, nil
}

// Validate reports whether expr would be accepted by Register.
func Validate(expr string) error {
	sched, err := Parse(expr)
	if err != nil {
		return err
	}
	if sched.Next(time.Now()).IsZero() {
		return &monitor.InvalidScheduleError{Expr: expr, Err: errNeverFires}
	}
	return nil
}

// NextN returns the next n fire instants of expr after from.
func NextN(expr string, from time.Time, n int) ([]time.Time, error) {
	sched, err := Parse(expr)
	if err != nil {
		return nil, err
	}
	out := make([]time.Time, 0, n)
	t := from
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		out = append(out, t)
	}
	return out, nil
}

// Register installs or atomically replaces the trigger for target.ID.
// A replaced trigger keeps the target's running flag.
func (s *Scheduler) Register(target monitor.Target) error {
	sched, err := Parse(target.CronSchedule)
	if err != nil {
		return err
	}
	now := s.clock.Now()
	next := sched.Next(now)
	if next.IsZero() {
		return &monitor.InvalidScheduleError{Expr: target.CronSchedule, Err: errNeverFires}
	}

	s.mu.Lock()
	if e, ok := s.entries[target.ID]; ok {
		e.expr = target.CronSchedule
		e.schedule = sched
		e.next = next
		heap.Fix(&s.queue, e.index)
	} else {
		e := &entry{targetID: target.ID, expr: target.CronSchedule, schedule: sched, next: next}
		heap.Push(&s.queue, e)
		s.entries[target.ID] = e
	}
	count := len(s.entries)
	s.mu.Unlock()

	metrics.SetRegisteredTargets(count)
	s.logger.Info("target scheduled",
		zap.String("target_id", target.ID),
		zap.String("cron", target.CronSchedule),
		zap.Time("next_fire", next),
	)
	s.signal()
	return nil
}

// Unregister removes the trigger for targetID. A run in flight finishes; nothing new fires.
func (s *Scheduler) Unregister(targetID string) {
	s.mu.Lock()
	e, ok := s.entries[targetID]
	if ok {
		heap.Remove(&s.queue, e.index)
		delete(s.entries, targetID)
	}
	count := len(s.entries)
	s.mu.Unlock()

	if !ok {
		return
	}
	metrics.SetRegisteredTargets(count)
	s.logger.Info("target unscheduled", zap.String("target_id", targetID))
	s.signal()
}

// Fire starts a run for targetID now. It returns false, and starts nothing, when a
// run for the same target is still in flight.
func (s *Scheduler) Fire(targetID string) bool {
	s.mu.Lock()
	if s.running[targetID] {
		s.mu.Unlock()
		metrics.ObserveSkippedFiring()
		s.logger.Warn("firing skipped, previous run still in flight", zap.String("target_id", targetID))
		return false
	}
	s.running[targetID] = true
	ctx := s.runCtx
	s.wg.Add(1)
	s.mu.Unlock()

	go s.execute(ctx, targetID)
	return true
}

func (s *Scheduler) execute(ctx context.Context, targetID string) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.running, targetID)
		s.mu.Unlock()
	}()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("monitor job panicked", zap.String("target_id", targetID), zap.Any("panic", r))
		}
	}()

	metrics.IncRunningJobs()
	defer metrics.DecRunningJobs()
	s.runner.Run(ctx, targetID)
}

// Running reports whether a run for targetID is in flight.
func (s *Scheduler) Running(targetID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running[targetID]
}

// Entries lists installed triggers ordered by next fire time.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, Entry{
			TargetID: e.targetID,
			Schedule: e.expr,
			Next:     e.next,
			Running:  s.running[e.targetID],
		})
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Next.Equal(out[j].Next) {
			return out[i].TargetID < out[j].TargetID
		}
		return out[i].Next.Before(out[j].Next)
	})
	return out
}

// Sync registers every active target and subscribes to catalog changes.
// Targets with a bad schedule are logged and skipped.
func (s *Scheduler) Sync(ctx context.Context, repo monitor.TargetRepository) (int, error) {
	targets, err := repo.ListActiveTargets(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active targets: %w", err)
	}
	registered := 0
	for _, t := range targets {
		if err := s.Register(t); err != nil {
			s.logger.Error("skipping target with invalid schedule",
				zap.String("target_id", t.ID),
				zap.String("cron", t.CronSchedule),
				zap.Error(err),
			)
			continue
		}
		registered++
	}
	repo.Subscribe(s)
	return registered, nil
}

// Run drives the trigger loop until ctx is done, then waits for in-flight runs.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.runCtx = ctx
	s.mu.Unlock()

	timer := time.NewTimer(idleWait)
	defer timer.Stop()

	for {
		due, wait := s.collectDue()
		for _, id := range due {
			s.Fire(id)
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			s.wg.Wait()
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return fmt.Errorf("scheduler stopped: %w", ctx.Err())
		case <-timer.C:
		case <-s.wake:
		}
	}
}

// collectDue pops every due trigger, reschedules it from the instant it fired,
// and returns the due ids with the time until the next trigger.
func (s *Scheduler) collectDue() ([]string, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	var due []string
	for s.queue.Len() > 0 && !s.queue[0].next.After(now) {
		e := s.queue[0]
		due = append(due, e.targetID)

		next := e.schedule.Next(e.next)
		if !next.After(now) {
			// Missed instants are not replayed.
			next = e.schedule.Next(now)
		}
		if next.IsZero() {
			heap.Pop(&s.queue)
			delete(s.entries, e.targetID)
			continue
		}
		e.next = next
		heap.Fix(&s.queue, 0)
	}

	wait := idleWait
	if s.queue.Len() > 0 {
		wait = s.queue[0].next.Sub(now)
	}
	return due, wait
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// OnTargetCreated implements monitor.TargetListener.
func (s *Scheduler) OnTargetCreated(target monitor.Target) {
	if !target.Enabled {
		return
	}
	if err := s.Register(target); err != nil {
		s.logger.Error("register created target", zap.String("target_id", target.ID), zap.Error(err))
	}
}

// OnTargetUpdated implements monitor.TargetListener. Disabling a target unschedules it.
func (s *Scheduler) OnTargetUpdated(target monitor.Target) {
	if !target.Enabled {
		s.Unregister(target.ID)
		return
	}
	if err := s.Register(target); err != nil {
		s.logger.Error("register updated target", zap.String("target_id", target.ID), zap.Error(err))
	}
}

// OnTargetRemoved implements monitor.TargetListener.
func (s *Scheduler) OnTargetRemoved(targetID string) {
	s.Unregister(targetID)
}

type entry struct {
	targetID string
	expr     string
	schedule cron.Schedule
	next     time.Time
	index    int
}

type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool { return h[i].next.Before(h[j].next) }

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}
