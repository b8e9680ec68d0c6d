// Package memory records notifications in memory for tests and local runs.
package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/webpage-change-monitor/internal/monitor"
	"github.com/JakeFAU/webpage-change-monitor/internal/notifier"
)

// Notifier stores every event it receives.
type Notifier struct {
	mu     sync.RWMutex
	events []notifier.Event
	err    error
}

// New returns a memory Notifier.
func New() *Notifier {
	return &Notifier{}
}

// FailWith makes subsequent Notify calls return err. Nil restores success.
func (n *Notifier) FailWith(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.err = err
}

// Notify records the event.
func (n *Notifier) Notify(_ context.Context, target monitor.Target, snap monitor.Snapshot) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.events = append(n.events, notifier.NewEvent(target, snap))
	return nil
}

// Events returns a copy of the recorded events.
func (n *Notifier) Events() []notifier.Event {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]notifier.Event, len(n.events))
	copy(out, n.events)
	return out
}
