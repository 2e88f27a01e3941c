package server

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ActiveRun tracks a run that is still executing.
type ActiveRun struct {
	ID        string    `json:"id"`
	Workload  string    `json:"workload"`
	StartedAt time.Time `json:"started_at"`

	cancel context.CancelFunc
}

// RunManager tracks in-flight runs so they can be listed and cancelled.
type RunManager struct {
	mu   sync.RWMutex
	runs map[string]*ActiveRun
}

// NewRunManager creates a new RunManager.
func NewRunManager() *RunManager {
	return &RunManager{
		runs: make(map[string]*ActiveRun),
	}
}

// Start registers a new run and returns a context that is cancelled by
// Cancel, CloseAll or the parent.
func (rm *RunManager) Start(parent context.Context, workload string) (context.Context, *ActiveRun) {
	ctx, cancel := context.WithCancel(parent)
	ar := &ActiveRun{
		ID:        uuid.New().String(),
		Workload:  workload,
		StartedAt: time.Now(),
		cancel:    cancel,
	}

	rm.mu.Lock()
	rm.runs[ar.ID] = ar
	rm.mu.Unlock()
	return ctx, ar
}

// Get returns an active run if it exists.
func (rm *RunManager) Get(id string) (*ActiveRun, bool) {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	ar, ok := rm.runs[id]
	return ar, ok
}

// Finish removes a run once it has returned.
func (rm *RunManager) Finish(id string) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if ar, ok := rm.runs[id]; ok {
		ar.cancel()
		delete(rm.runs, id)
	}
}

// Cancel requests forced termination of a run. It reports false when no
// such run is in flight.
func (rm *RunManager) Cancel(id string) bool {
	rm.mu.RLock()
	ar, ok := rm.runs[id]
	rm.mu.RUnlock()
	if !ok {
		return false
	}
	ar.cancel()
	return true
}

// List returns the in-flight runs, oldest first.
func (rm *RunManager) List() []ActiveRun {
	rm.mu.RLock()
	out := make([]ActiveRun, 0, len(rm.runs))
	for _, ar := range rm.runs {
		out = append(out, ActiveRun{ID: ar.ID, Workload: ar.Workload, StartedAt: ar.StartedAt})
	}
	rm.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// CloseAll cancels every active run.
func (rm *RunManager) CloseAll() {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	for id, ar := range rm.runs {
		ar.cancel()
		delete(rm.runs, id)
	}
}
