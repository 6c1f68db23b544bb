package sandbox

import (
	"context"
	"fmt"
	"path"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/codesand/codesand/internal/backend"
)

// Config holds the settings shared by every sandbox in a pool.
type Config struct {
	User            backend.User
	Snapshot        string // restored after every job
	StagingDir      string // host directory for code files before push
	JoinTimeout     time.Duration
	RecoveryTimeout time.Duration

	// OnTransition, if set, observes every state change. It is called with
	// the sandbox lock held.
	OnTransition func(name string, from, to State)
}

func (c Config) withDefaults() Config {
	if c.User.Name == "" {
		c.User = backend.DefaultUser()
	}
	if c.Snapshot == "" {
		c.Snapshot = "default"
	}
	if c.StagingDir == "" {
		c.StagingDir = DefaultStagingDir()
	}
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = DefaultJoinTimeout
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = DefaultRecoveryTimeout
	}
	return c
}

// Job is one piece of code to stage and run.
type Job struct {
	FileName string // base name of the staged file, e.g. "code.py"
	Source   []byte
	// Command returns the argv to run inside the sandbox given the in-sandbox
	// path of the staged file.
	Command func(path string) []string
	Policy  Policy
	OnLine  func(line string)
}

// Result is what a job produced.
type Result struct {
	Lines    []string
	Outcome  Outcome
	Duration time.Duration
}

// Sandbox is one named container and its Idle/Busy/Restarting lifecycle.
type Sandbox struct {
	name    string
	backend backend.Backend
	cfg     Config
	log     *logrus.Entry

	mu        sync.Mutex
	state     State
	out       *Output
	proc      *Process
	checkout  uint64 // bumped on every Idle -> Busy
	recovered chan struct{} // closed when the current recovery finishes

	recoveries atomic.Int64
}

// New creates an Idle sandbox for the named container.
func New(name string, b backend.Backend, cfg Config) *Sandbox {
	return &Sandbox{
		name:    name,
		backend: b,
		cfg:     cfg.withDefaults(),
		log:     logrus.WithFields(logrus.Fields{"component": "sandbox", "sandbox": name}),
	}
}

func (s *Sandbox) Name() string { return s.name }

// State returns the current lifecycle state.
func (s *Sandbox) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Recoveries returns how many recoveries have completed.
func (s *Sandbox) Recoveries() int64 {
	return s.recoveries.Load()
}

// EnsureRunning starts the container if it is not running and verifies it
// came up.
func (s *Sandbox) EnsureRunning(ctx context.Context) error {
	st, err := s.backend.Status(ctx, s.name)
	if err == nil && st == backend.StatusRunning {
		return nil
	}
	s.log.Infof("container not running (status %s), starting", st)
	if err := s.backend.Start(ctx, s.name); err != nil {
		return fmt.Errorf("starting %s: %w", s.name, err)
	}
	st, err = s.backend.Status(ctx, s.name)
	if err != nil {
		return fmt.Errorf("checking %s: %w", s.name, err)
	}
	if st != backend.StatusRunning {
		return fmt.Errorf("container %s is %s after start", s.name, st)
	}
	return nil
}

// tryAcquire moves an Idle sandbox to Busy.
func (s *Sandbox) tryAcquire() bool {
	_, ok := s.tryCheckout()
	return ok
}

func (s *Sandbox) tryCheckout() (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle {
		return 0, false
	}
	s.checkout++
	s.setStateLocked(StateBusy)
	return s.checkout, true
}

// Revive starts the container of an Idle sandbox that is not running. The
// sandbox is held Busy meanwhile, so no job can acquire it, and goes back to
// Idle without a recovery. A sandbox that is not Idle is skipped. Revive
// reports whether it started the container.
func (s *Sandbox) Revive(ctx context.Context) (bool, error) {
	id, ok := s.tryCheckout()
	if !ok {
		return false, nil
	}
	defer s.release(id)

	st, err := s.backend.Status(ctx, s.name)
	if err == nil && st == backend.StatusRunning {
		return false, nil
	}
	if err := s.EnsureRunning(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// release returns a checkout that ran no job to Idle. It does nothing if the
// sandbox was restarted and checked out again in the meantime.
func (s *Sandbox) release(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateBusy && s.checkout == id && s.out == nil {
		s.setStateLocked(StateIdle)
	}
}

func (s *Sandbox) setStateLocked(to State) {
	from := s.state
	s.state = to
	if from != to {
		s.log.Debugf("%s -> %s", from, to)
		if s.cfg.OnTransition != nil {
			s.cfg.OnTransition(s.name, from, to)
		}
	}
}

// Execute stages the job's source, runs it as the sandbox user and collects
// its output. The sandbox must have been acquired from a Pool. When Execute
// returns, the sandbox is Restarting and will return to Idle by itself.
func (s *Sandbox) Execute(ctx context.Context, job Job) Result {
	started := time.Now()
	policy := job.Policy.Merge(DefaultPolicy())
	out := NewOutput(policy.MaxLines, policy.MaxBytes, job.OnLine)

	s.mu.Lock()
	if s.state != StateBusy {
		s.mu.Unlock()
		out.Fail(fmt.Errorf("sandbox %s is %s", s.name, s.State()))
		return s.result(out, OutcomeFailed, started)
	}
	s.out = out
	s.mu.Unlock()
	defer s.finish(out)

	staged, err := s.stage(ctx, job.FileName, job.Source)
	if err != nil {
		s.log.WithError(err).Warn("staging failed")
		out.Fail(err)
		return s.result(out, OutcomeFailed, started)
	}

	argv := job.Command(path.Join(s.cfg.User.Home, staged))
	line := backend.ShellJoin(s.backend.UserCommand(s.name, argv)) + " ; echo"
	stop := func() bool { return s.State() == StateRestarting }

	s.mu.Lock()
	if s.state != StateBusy || s.out != out {
		s.mu.Unlock()
		out.Seal(SentinelCancelled)
		return s.result(out, OutcomeCancelled, started)
	}
	proc, err := StartProcess(line, out, stop)
	if err != nil {
		s.mu.Unlock()
		s.log.WithError(err).Warn("launch failed")
		out.Fail(err)
		return s.result(out, OutcomeFailed, started)
	}
	s.proc = proc
	s.mu.Unlock()

	outcome := proc.Wait(ctx, policy.Timeout)
	s.log.WithField("outcome", outcome).Debugf("job finished in %s", time.Since(started))
	return s.result(out, outcome, started)
}

// result gives a streaming consumer up to the join grace to catch up, then
// snapshots the buffer.
func (s *Sandbox) result(out *Output, outcome Outcome, started time.Time) Result {
	if !out.Flush(s.cfg.JoinTimeout) {
		s.log.Warn("line consumer still behind, stream abandoned")
	}
	if n := out.Dropped(); n > 0 {
		s.log.Warnf("%d lines dropped from the stream", n)
	}
	return Result{Lines: out.Lines(), Outcome: outcome, Duration: time.Since(started)}
}

// finish starts recovery for the checkout that produced out. A sandbox that
// was already recovered and handed to another job is left alone.
func (s *Sandbox) finish(out *Output) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateBusy || s.out != out {
		return
	}
	s.restartLocked()
}

// Restart moves a Busy sandbox to Restarting and begins recovery in the
// background. It returns a channel closed when the sandbox is Idle again.
// Calls while a recovery is in progress return that recovery's channel.
func (s *Sandbox) Restart() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateRestarting:
		return s.recovered
	case StateBusy:
		return s.restartLocked()
	default:
		done := make(chan struct{})
		close(done)
		return done
	}
}

func (s *Sandbox) restartLocked() <-chan struct{} {
	done := make(chan struct{})
	s.recovered = done
	proc := s.proc
	s.proc = nil
	s.setStateLocked(StateRestarting)
	go s.recoverAsync(done, proc)
	return done
}

// recoverAsync kills the user's processes, waits for the local process, restores
// the snapshot and returns the sandbox to Idle. Every step is best effort and
// the sandbox always ends Idle.
func (s *Sandbox) recoverAsync(done chan struct{}, proc *Process) {
	started := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.log.Errorf("recovery panicked: %v", r)
		}
		s.mu.Lock()
		if s.out != nil {
			s.out.Clear()
		}
		s.out = nil
		s.recoveries.Add(1)
		s.setStateLocked(StateIdle)
		close(done)
		s.mu.Unlock()
		s.log.Debugf("recovered in %s", time.Since(started))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RecoveryTimeout)
	defer cancel()

	if _, err := s.backend.RootExec(ctx, s.name, "killall", "-9", "-u", s.cfg.User.Name); err != nil {
		s.log.WithError(err).Debug("killall")
	}

	if proc != nil && !proc.Join(s.cfg.JoinTimeout) {
		s.log.Warn("process did not exit after killall, killed")
	}

	if err := s.backend.Restore(ctx, s.name, s.cfg.Snapshot); err != nil {
		s.log.WithError(err).Errorf("restoring snapshot %q", s.cfg.Snapshot)
	}
}

// Wait blocks until any in-progress recovery has finished.
func (s *Sandbox) Wait(ctx context.Context) error {
	s.mu.Lock()
	var ch <-chan struct{}
	if s.state == StateRestarting {
		ch = s.recovered
	}
	s.mu.Unlock()
	if ch == nil {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close recovers a Busy sandbox and waits for any recovery to finish.
func (s *Sandbox) Close(ctx context.Context) error {
	select {
	case <-s.Restart():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("closing %s: %w", s.name, ctx.Err())
	}
}
