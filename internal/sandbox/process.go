package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Outcome is how an execution ended.
type Outcome int

const (
	OutcomeCompleted Outcome = iota // process exited and output was drained
	OutcomeTimeout                  // wall-clock limit reached first
	OutcomeCapped                   // line or byte cap reached first
	OutcomeFailed                   // process could not be started
	OutcomeCancelled                // caller context ended first
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeCapped:
		return "capped"
	case OutcomeFailed:
		return "failed"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// Process is one running shell command line with both output streams
// drained into an Output.
type Process struct {
	cmd  *exec.Cmd
	out  *Output
	done chan struct{}
	err  error // exit error, valid after done is closed
	log  *logrus.Entry
}

// StartProcess launches /bin/sh -c line in its own process group and starts
// draining stdout and stderr into out. Draining stops early when stop
// reports true or the buffer is sealed.
func StartProcess(line string, out *Output, stop func() bool) (*Process, error) {
	cmd := exec.Command("/bin/sh", "-c", line)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting shell: %w", err)
	}

	p := &Process{
		cmd:  cmd,
		out:  out,
		done: make(chan struct{}),
		log:  logrus.WithFields(logrus.Fields{"component": "process", "pid": cmd.Process.Pid}),
	}

	halted := func() bool {
		return out.Sealed() || (stop != nil && stop())
	}

	go func() {
		var g errgroup.Group
		g.Go(func() error { return p.drain(stdout, TagOut, halted) })
		g.Go(func() error { return p.drain(stderr, TagErr, halted) })
		if err := g.Wait(); err != nil {
			p.log.WithError(err).Debug("output drain ended with error")
		}
		p.err = cmd.Wait()
		close(p.done)
	}()

	return p, nil
}

func (p *Process) drain(r io.Reader, tag string, stop func() bool) error {
	lr := NewLineReader(r, maxLineLength, stop)
	for lr.Scan() {
		if !p.out.Append(tag, lr.Text()) {
			break
		}
	}
	return lr.Err()
}

// Wait blocks until the first of: both streams drained and the process
// reaped, a cap reached, the timeout elapsed, or ctx done. Timeout and
// cancellation seal the output with their sentinel. The process is not
// killed here.
func (p *Process) Wait(ctx context.Context, timeout time.Duration) Outcome {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-p.done:
		if p.capped() {
			return OutcomeCapped
		}
		return OutcomeCompleted
	case <-p.out.Capped():
		return OutcomeCapped
	case <-timer.C:
		if p.capped() {
			return OutcomeCapped
		}
		p.out.Seal(SentinelTimeout)
		return OutcomeTimeout
	case <-ctx.Done():
		if p.capped() {
			return OutcomeCapped
		}
		p.out.Seal(SentinelCancelled)
		return OutcomeCancelled
	}
}

func (p *Process) capped() bool {
	select {
	case <-p.out.Capped():
		return true
	default:
		return false
	}
}

// Done is closed once the process has been reaped.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Exited reports whether the process has been reaped.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// ExitErr returns the exit error once the process has been reaped.
func (p *Process) ExitErr() error {
	if !p.Exited() {
		return nil
	}
	return p.err
}

// Kill sends SIGKILL to the process group.
func (p *Process) Kill() error {
	if p.Exited() {
		return nil
	}
	pid := p.cmd.Process.Pid
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}
		return p.cmd.Process.Kill()
	}
	return nil
}

// Join waits up to grace for the process to exit, then kills it.
// It returns true if the process exited on its own.
func (p *Process) Join(grace time.Duration) bool {
	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case <-p.done:
		return true
	case <-t.C:
	}
	if err := p.Kill(); err != nil {
		p.log.WithError(err).Warn("killing process")
	}
	return false
}
