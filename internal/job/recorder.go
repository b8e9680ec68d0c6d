package job

import (
	"sync"

	"github.com/JakeFAU/webpage-change-monitor/internal/monitor"
)

// Recorder keeps the last outcome of every target for the API.
type Recorder struct {
	mu       sync.RWMutex
	outcomes map[string]monitor.Outcome
}

// NewRecorder builds an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{outcomes: make(map[string]monitor.Outcome)}
}

// Record stores out as the latest outcome of its target.
func (r *Recorder) Record(out monitor.Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes[out.TargetID] = out
}

// Last returns the latest outcome of targetID.
func (r *Recorder) Last(targetID string) (monitor.Outcome, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out, ok := r.outcomes[targetID]
	return out, ok
}

// OnTargetCreated implements monitor.TargetListener.
func (r *Recorder) OnTargetCreated(monitor.Target) {}

// OnTargetUpdated implements monitor.TargetListener.
func (r *Recorder) OnTargetUpdated(monitor.Target) {}

// OnTargetRemoved drops the outcome of a deleted target.
func (r *Recorder) OnTargetRemoved(targetID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.outcomes, targetID)
}
