package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/codesand/codesand/internal/backend"
)

// ErrUnavailable is returned by Acquire when every sandbox is busy or
// restarting.
var ErrUnavailable = errors.New("all containers are busy")

// Pool is a fixed set of sandboxes created at startup.
type Pool struct {
	sandboxes []*Sandbox
	byName    map[string]*Sandbox
	log       *logrus.Entry
}

// NewPool creates one sandbox per distinct, non-empty name, in order.
func NewPool(b backend.Backend, names []string, cfg Config) (*Pool, error) {
	p := &Pool{
		byName: make(map[string]*Sandbox),
		log:    logrus.WithField("component", "pool"),
	}
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, ok := p.byName[name]; ok {
			continue
		}
		sb := New(name, b, cfg)
		p.sandboxes = append(p.sandboxes, sb)
		p.byName[name] = sb
	}
	if len(p.sandboxes) == 0 {
		return nil, errors.New("no containers configured")
	}
	return p, nil
}

// EnsureRunning makes sure every container is running, starting stopped ones.
// It fails on the first container that cannot be brought up.
func (p *Pool) EnsureRunning(ctx context.Context) error {
	for _, sb := range p.sandboxes {
		if err := sb.EnsureRunning(ctx); err != nil {
			return err
		}
	}
	p.log.Infof("%d containers running", len(p.sandboxes))
	return nil
}

// Acquire checks out the first Idle sandbox, marking it Busy.
func (p *Pool) Acquire() (*Sandbox, error) {
	for _, sb := range p.sandboxes {
		if sb.tryAcquire() {
			return sb, nil
		}
	}
	return nil, ErrUnavailable
}

// Sandboxes returns the pool members in configuration order.
func (p *Pool) Sandboxes() []*Sandbox {
	return append([]*Sandbox(nil), p.sandboxes...)
}

func (p *Pool) Size() int { return len(p.sandboxes) }

// SandboxStatus is a point-in-time view of one sandbox.
type SandboxStatus struct {
	Name       string `json:"name"`
	State      State  `json:"state"`
	Recoveries int64  `json:"recoveries"`
}

// Status reports every sandbox's state.
func (p *Pool) Status() []SandboxStatus {
	out := make([]SandboxStatus, len(p.sandboxes))
	for i, sb := range p.sandboxes {
		out[i] = SandboxStatus{Name: sb.Name(), State: sb.State(), Recoveries: sb.Recoveries()}
	}
	return out
}

// Stats counts sandboxes by state.
type Stats struct {
	Total      int `json:"total"`
	Idle       int `json:"idle"`
	Busy       int `json:"busy"`
	Restarting int `json:"restarting"`
}

func (p *Pool) Stats() Stats {
	st := Stats{Total: len(p.sandboxes)}
	for _, sb := range p.sandboxes {
		switch sb.State() {
		case StateIdle:
			st.Idle++
		case StateBusy:
			st.Busy++
		case StateRestarting:
			st.Restarting++
		}
	}
	return st
}

// Close recovers any Busy sandbox and waits for all recoveries to finish.
func (p *Pool) Close(ctx context.Context) error {
	var errs []error
	for _, sb := range p.sandboxes {
		sb.Restart()
	}
	for _, sb := range p.sandboxes {
		if err := sb.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("closing pool: %w", err)
	}
	return nil
}
