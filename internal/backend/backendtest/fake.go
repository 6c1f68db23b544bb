// Package backendtest provides an in-process Backend for tests. User commands
// run directly on the host, so destDir in Push is a host directory.
package backendtest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/codesand/codesand/internal/backend"
)

// Fake records calls by operation name. RootExec calls are recorded under
// argv[0] (for example "killall" or "chown").
type Fake struct {
	RestoreDelay time.Duration
	PushErr      error
	RestoreErr   error

	mu          sync.Mutex
	calls       map[string]int
	stopped     map[string]bool
	unstartable map[string]bool
	provisioned map[string]bool
}

var _ backend.Backend = (*Fake)(nil)

func New() *Fake {
	return &Fake{
		calls:       make(map[string]int),
		stopped:     make(map[string]bool),
		unstartable: make(map[string]bool),
		provisioned: make(map[string]bool),
	}
}

// Stop marks a container stopped. If unstartable, Start leaves it stopped.
func (f *Fake) Stop(name string, unstartable bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped[name] = true
	f.unstartable[name] = unstartable
}

// Provision marks a container as existing.
func (f *Fake) Provision(names ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, n := range names {
		f.provisioned[n] = true
	}
}

// Count returns how many times op was called.
func (f *Fake) Count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *Fake) record(op string) {
	f.mu.Lock()
	f.calls[op]++
	f.mu.Unlock()
}

func (f *Fake) Status(_ context.Context, name string) (backend.Status, error) {
	f.record("status")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped[name] {
		return backend.StatusStopped, nil
	}
	return backend.StatusRunning, nil
}

func (f *Fake) Start(_ context.Context, name string) error {
	f.record("start")
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.unstartable[name] {
		delete(f.stopped, name)
	}
	return nil
}

func (f *Fake) UserCommand(_ string, argv []string) []string {
	return argv
}

func (f *Fake) RootExec(_ context.Context, _ string, argv ...string) ([]byte, error) {
	if len(argv) > 0 {
		f.record(argv[0])
	}
	return nil, nil
}

func (f *Fake) Push(_ context.Context, _ string, localPath, destDir string) error {
	f.record("push")
	if f.PushErr != nil {
		return f.PushErr
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(destDir, filepath.Base(localPath)), data, 0o644)
}

func (f *Fake) Restore(ctx context.Context, _ string, _ string) error {
	if f.RestoreDelay > 0 {
		select {
		case <-time.After(f.RestoreDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.record("restore")
	return f.RestoreErr
}

func (f *Fake) Exists(_ context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.provisioned[name], nil
}

func (f *Fake) Clone(_ context.Context, base, name string) error {
	f.record("clone")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.provisioned[name] {
		return fmt.Errorf("%s already exists", name)
	}
	f.provisioned[name] = true
	return nil
}

func (f *Fake) Snapshot(_ context.Context, _ string, _ string) error {
	f.record("snapshot")
	return nil
}
