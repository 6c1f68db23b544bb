package server

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ActiveRun tracks an in-flight job started through the server.
type ActiveRun struct {
	ID         string    `json:"id"`
	Runner     string    `json:"runner"`
	RemoteAddr string    `json:"remote_addr,omitempty"`
	StartedAt  time.Time `json:"started_at"`

	cancel context.CancelFunc
}

// RunManager tracks in-flight runs so they can be cancelled together.
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

// Start registers a run and returns a context that is cancelled by Cancel,
// CloseAll or the parent. The caller must call Remove when the run ends.
func (rm *RunManager) Start(parent context.Context, runner, remoteAddr string) (context.Context, *ActiveRun) {
	ctx, cancel := context.WithCancel(parent)
	ar := &ActiveRun{
		ID:         uuid.NewString(),
		Runner:     runner,
		RemoteAddr: remoteAddr,
		StartedAt:  time.Now(),
		cancel:     cancel,
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

// Cancel cancels a run without removing it.
func (rm *RunManager) Cancel(id string) bool {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	ar, ok := rm.runs[id]
	if ok {
		ar.cancel()
	}
	return ok
}

// Remove removes a run and releases its context.
func (rm *RunManager) Remove(id string) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if ar, ok := rm.runs[id]; ok {
		ar.cancel()
		delete(rm.runs, id)
	}
}

// Len returns the number of active runs.
func (rm *RunManager) Len() int {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return len(rm.runs)
}

// CloseAll cancels all active runs.
func (rm *RunManager) CloseAll() {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	for id, ar := range rm.runs {
		ar.cancel()
		delete(rm.runs, id)
	}
}
