package sandbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/codesand/codesand/internal/backend"
	"github.com/codesand/codesand/internal/backend/backendtest"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		User: backend.User{
			Name: "codesand",
			UID:  os.Getuid(),
			GID:  os.Getgid(),
			Home: t.TempDir(),
		},
		StagingDir:      t.TempDir(),
		JoinTimeout:     100 * time.Millisecond,
		RecoveryTimeout: 5 * time.Second,
	}
}

func shellJob(script string, policy Policy) Job {
	return Job{
		FileName: "code.sh",
		Source:   []byte(script),
		Command:  func(path string) []string { return []string{"sh", path} },
		Policy:   policy,
	}
}

func acquire(t *testing.T, p *Pool) *Sandbox {
	t.Helper()
	sb, err := p.Acquire()
	if err != nil {
		t.Fatal(err)
	}
	return sb
}

func waitIdle(t *testing.T, sb *Sandbox) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sb.Wait(ctx); err != nil {
		t.Fatalf("waiting for recovery: %v", err)
	}
	if st := sb.State(); st != StateIdle {
		t.Fatalf("state = %s, want idle", st)
	}
}

func newTestPool(t *testing.T, f *backendtest.Fake, cfg Config, names ...string) *Pool {
	t.Helper()
	p, err := NewPool(f, names, cfg)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestExecuteEcho(t *testing.T) {
	f := backendtest.New()
	p := newTestPool(t, f, testConfig(t), "codesand0")
	sb := acquire(t, p)

	res := sb.Execute(context.Background(), shellJob("echo hi", Policy{}))
	if res.Outcome != OutcomeCompleted {
		t.Errorf("outcome = %s", res.Outcome)
	}
	if !reflect.DeepEqual(res.Lines, []string{"OUT: hi"}) {
		t.Errorf("lines = %q", res.Lines)
	}

	waitIdle(t, sb)
	sb.mu.Lock()
	held := sb.out
	sb.mu.Unlock()
	if held != nil {
		t.Errorf("output still held at idle: %q", held.Lines())
	}
	if f.Count("restore") != 1 || f.Count("killall") != 1 {
		t.Errorf("restore=%d killall=%d, want 1 each", f.Count("restore"), f.Count("killall"))
	}
	if f.Count("push") != 1 || f.Count("chown") != 1 {
		t.Errorf("push=%d chown=%d, want 1 each", f.Count("push"), f.Count("chown"))
	}
}

func TestExecuteStderr(t *testing.T) {
	p := newTestPool(t, backendtest.New(), testConfig(t), "codesand0")
	sb := acquire(t, p)

	res := sb.Execute(context.Background(), shellJob("echo oops >&2", Policy{}))
	if !reflect.DeepEqual(res.Lines, []string{"ERR: oops"}) {
		t.Errorf("lines = %q", res.Lines)
	}
	waitIdle(t, sb)
}

func TestExecuteMaxLines(t *testing.T) {
	p := newTestPool(t, backendtest.New(), testConfig(t), "codesand0")
	sb := acquire(t, p)

	res := sb.Execute(context.Background(), shellJob("for i in 1 2 3 4 5; do echo $i; done", Policy{MaxLines: 2}))
	want := []string{"OUT: 1", "OUT: 2", SentinelMaxLines}
	if !reflect.DeepEqual(res.Lines, want) {
		t.Errorf("lines = %q, want %q", res.Lines, want)
	}
	if res.Outcome != OutcomeCapped {
		t.Errorf("outcome = %s", res.Outcome)
	}
	waitIdle(t, sb)
}

func TestExecuteTimeout(t *testing.T) {
	p := newTestPool(t, backendtest.New(), testConfig(t), "codesand0")
	sb := acquire(t, p)

	start := time.Now()
	res := sb.Execute(context.Background(), shellJob("echo before\nsleep 10", Policy{Timeout: 500 * time.Millisecond}))
	if time.Since(start) > 5*time.Second {
		t.Fatalf("execute took %s", time.Since(start))
	}
	want := []string{"OUT: before", SentinelTimeout}
	if !reflect.DeepEqual(res.Lines, want) {
		t.Errorf("lines = %q, want %q", res.Lines, want)
	}
	if res.Outcome != OutcomeTimeout {
		t.Errorf("outcome = %s", res.Outcome)
	}
	waitIdle(t, sb)
}

func TestExecuteCancelled(t *testing.T) {
	p := newTestPool(t, backendtest.New(), testConfig(t), "codesand0")
	sb := acquire(t, p)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	res := sb.Execute(ctx, shellJob("sleep 10", Policy{}))
	if res.Outcome != OutcomeCancelled {
		t.Errorf("outcome = %s", res.Outcome)
	}
	if n := len(res.Lines); n == 0 || res.Lines[n-1] != SentinelCancelled {
		t.Errorf("lines = %q", res.Lines)
	}
	waitIdle(t, sb)
}

func TestExecuteMalformedOutput(t *testing.T) {
	p := newTestPool(t, backendtest.New(), testConfig(t), "codesand0")
	sb := acquire(t, p)

	res := sb.Execute(context.Background(), shellJob(`printf 'ok\n\377\n'`, Policy{}))
	if !reflect.DeepEqual(res.Lines, []string{malformedOutput}) {
		t.Errorf("lines = %q", res.Lines)
	}
	waitIdle(t, sb)
}

func TestExecuteStagingFailure(t *testing.T) {
	f := backendtest.New()
	f.PushErr = errors.New("no space left")
	p := newTestPool(t, f, testConfig(t), "codesand0")
	sb := acquire(t, p)

	res := sb.Execute(context.Background(), shellJob("echo hi", Policy{}))
	if res.Outcome != OutcomeFailed {
		t.Errorf("outcome = %s", res.Outcome)
	}
	if len(res.Lines) != 1 || !strings.HasPrefix(res.Lines[0], "Exception: ") {
		t.Errorf("lines = %q", res.Lines)
	}
	waitIdle(t, sb)
}

func TestExecuteStagesNamedFile(t *testing.T) {
	cfg := testConfig(t)
	p := newTestPool(t, backendtest.New(), cfg, "codesand7")
	sb := acquire(t, p)

	var staged string
	job := shellJob("true", Policy{})
	job.Command = func(path string) []string {
		staged = path
		return []string{"sh", path}
	}
	sb.Execute(context.Background(), job)
	waitIdle(t, sb)

	want := filepath.Join(cfg.User.Home, "running-codesand7-code.sh")
	if staged != want {
		t.Errorf("staged path = %s, want %s", staged, want)
	}
	if _, err := os.Stat(filepath.Join(cfg.StagingDir, "running-codesand7-code.sh")); err != nil {
		t.Errorf("host staging file: %v", err)
	}
}

func TestExecuteWithoutAcquire(t *testing.T) {
	f := backendtest.New()
	sb := New("codesand0", f, testConfig(t))
	res := sb.Execute(context.Background(), shellJob("echo hi", Policy{}))
	if res.Outcome != OutcomeFailed {
		t.Errorf("outcome = %s", res.Outcome)
	}
	if sb.State() != StateIdle || f.Count("restore") != 0 {
		t.Error("unacquired execute must not touch the sandbox")
	}
}

func TestStateTransitions(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	cfg := testConfig(t)
	cfg.OnTransition = func(_ string, from, to State) {
		mu.Lock()
		seen = append(seen, from.String()+"->"+to.String())
		mu.Unlock()
	}
	p := newTestPool(t, backendtest.New(), cfg, "codesand0")
	sb := acquire(t, p)
	sb.Execute(context.Background(), shellJob("echo hi", Policy{}))
	waitIdle(t, sb)

	mu.Lock()
	defer mu.Unlock()
	want := []string{"idle->busy", "busy->restarting", "restarting->idle"}
	if !reflect.DeepEqual(seen, want) {
		t.Errorf("transitions = %q, want %q", seen, want)
	}
}

func TestRestartCoalesces(t *testing.T) {
	f := backendtest.New()
	f.RestoreDelay = 100 * time.Millisecond
	p := newTestPool(t, f, testConfig(t), "codesand0")
	sb := acquire(t, p)

	var wg sync.WaitGroup
	chans := make([]<-chan struct{}, 10)
	for i := range chans {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			chans[i] = sb.Restart()
		}(i)
	}
	wg.Wait()
	for _, ch := range chans {
		select {
		case <-ch:
		case <-time.After(5 * time.Second):
			t.Fatal("recovery did not finish")
		}
	}

	if f.Count("restore") != 1 || f.Count("killall") != 1 {
		t.Errorf("restore=%d killall=%d, want 1 each", f.Count("restore"), f.Count("killall"))
	}
	if sb.State() != StateIdle {
		t.Errorf("state = %s", sb.State())
	}
}

func TestRestartIdleIsNoop(t *testing.T) {
	f := backendtest.New()
	sb := New("codesand0", f, testConfig(t))
	select {
	case <-sb.Restart():
	default:
		t.Fatal("restart of idle sandbox should return a closed channel")
	}
	if f.Count("restore") != 0 {
		t.Error("idle restart restored the snapshot")
	}
}

func TestRecoveryAlwaysReturnsIdle(t *testing.T) {
	f := backendtest.New()
	f.RestoreErr = errors.New("snapshot missing")
	p := newTestPool(t, f, testConfig(t), "codesand0")
	sb := acquire(t, p)
	sb.Execute(context.Background(), shellJob("echo hi", Policy{}))
	waitIdle(t, sb)
	if sb.Recoveries() != 1 {
		t.Errorf("recoveries = %d", sb.Recoveries())
	}
}

func TestPurgeStaged(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "running-codesand0-code.py")
	fresh := filepath.Join(dir, "running-codesand1-code.py")
	other := filepath.Join(dir, "keep.txt")
	for _, p := range []string{old, fresh, other} {
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	past := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(old, past, past); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(other, past, past); err != nil {
		t.Fatal(err)
	}

	n, err := PurgeStaged(dir, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("removed %d, want 1", n)
	}
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Error("old staged file still present")
	}
	for _, p := range []string{fresh, other} {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("%s removed: %v", filepath.Base(p), err)
		}
	}

	if n, err := PurgeStaged(filepath.Join(dir, "missing"), time.Hour); err != nil || n != 0 {
		t.Errorf("missing dir: n=%d err=%v", n, err)
	}
}

func TestExecuteEndlessProducer(t *testing.T) {
	p := newTestPool(t, backendtest.New(), testConfig(t), "codesand0")
	sb := acquire(t, p)

	start := time.Now()
	res := sb.Execute(context.Background(), shellJob("yes", Policy{MaxLines: 3, Timeout: 10 * time.Second}))
	if time.Since(start) > 5*time.Second {
		t.Fatalf("execute took %s", time.Since(start))
	}
	want := []string{"OUT: y", "OUT: y", "OUT: y", SentinelMaxLines}
	if !reflect.DeepEqual(res.Lines, want) {
		t.Errorf("lines = %q, want %q", res.Lines, want)
	}
	if res.Outcome != OutcomeCapped {
		t.Errorf("outcome = %s", res.Outcome)
	}
	waitIdle(t, sb)
}

func TestExecuteMaxBytes(t *testing.T) {
	p := newTestPool(t, backendtest.New(), testConfig(t), "codesand0")
	sb := acquire(t, p)

	res := sb.Execute(context.Background(), shellJob("echo aaaaaaaaaa; echo bbbbbbbbbb; echo cccc", Policy{MaxBytes: 20}))
	want := []string{"OUT: aaaaaaaaaa", SentinelMaxBytes}
	if !reflect.DeepEqual(res.Lines, want) {
		t.Errorf("lines = %q, want %q", res.Lines, want)
	}
	if res.Outcome != OutcomeCapped {
		t.Errorf("outcome = %s", res.Outcome)
	}
	waitIdle(t, sb)
}

func TestExecuteStalledConsumer(t *testing.T) {
	cfg := testConfig(t)
	p := newTestPool(t, backendtest.New(), cfg, "codesand0")
	sb := acquire(t, p)

	release := make(chan struct{})
	defer close(release)
	job := shellJob("while true; do echo x; sleep 0.05; done", Policy{Timeout: 300 * time.Millisecond})
	job.OnLine = func(string) { <-release }

	done := make(chan Result, 1)
	go func() { done <- sb.Execute(context.Background(), job) }()

	var res Result
	select {
	case res = <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("execute still blocked after timeout; state=%s", sb.State())
	}
	if res.Outcome != OutcomeTimeout {
		t.Errorf("outcome = %s", res.Outcome)
	}
	if n := len(res.Lines); n == 0 || res.Lines[n-1] != SentinelTimeout {
		t.Errorf("lines = %q", res.Lines)
	}
	waitIdle(t, sb)
}

func TestStreamedLinesPrecedeResult(t *testing.T) {
	p := newTestPool(t, backendtest.New(), testConfig(t), "codesand0")
	sb := acquire(t, p)

	var mu sync.Mutex
	var seen []string
	job := shellJob("echo one; echo two", Policy{})
	job.OnLine = func(l string) {
		mu.Lock()
		seen = append(seen, l)
		mu.Unlock()
	}
	res := sb.Execute(context.Background(), job)
	waitIdle(t, sb)

	mu.Lock()
	defer mu.Unlock()
	if !reflect.DeepEqual(seen, res.Lines) {
		t.Errorf("streamed %q, result %q", seen, res.Lines)
	}
}

func TestLateFinishSparesNextJob(t *testing.T) {
	p := newTestPool(t, backendtest.New(), testConfig(t), "codesand0")
	sb := acquire(t, p)

	// The detached sleep keeps the pipe open after the group is killed, so
	// the first job only ends at its timeout.
	first := make(chan Result, 1)
	go func() {
		first <- sb.Execute(context.Background(), shellJob("setsid sleep 3 &\necho started", Policy{Timeout: time.Second}))
	}()
	time.Sleep(200 * time.Millisecond)

	select {
	case <-sb.Restart():
	case <-time.After(5 * time.Second):
		t.Fatal("recovery did not finish")
	}

	sb2 := acquire(t, p)
	if sb2 != sb {
		t.Fatal("acquired a different sandbox")
	}
	second := make(chan Result, 1)
	go func() {
		second <- sb2.Execute(context.Background(), shellJob("sleep 2", Policy{Timeout: 5 * time.Second}))
	}()

	select {
	case res := <-first:
		if res.Outcome != OutcomeTimeout {
			t.Errorf("first outcome = %s", res.Outcome)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("first job did not return")
	}
	if st := sb.State(); st != StateBusy {
		t.Fatalf("second job's sandbox is %s after the first job finished", st)
	}

	res := <-second
	if res.Outcome != OutcomeCompleted {
		t.Errorf("second outcome = %s, lines %q", res.Outcome, res.Lines)
	}
	waitIdle(t, sb)
	if n := sb.Recoveries(); n != 2 {
		t.Errorf("recoveries = %d, want 2", n)
	}
}

func TestReviveStartsStoppedContainer(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	cfg := testConfig(t)
	cfg.OnTransition = func(_ string, from, to State) {
		mu.Lock()
		seen = append(seen, from.String()+"->"+to.String())
		mu.Unlock()
	}
	f := backendtest.New()
	f.Stop("codesand0", false)
	sb := New("codesand0", f, cfg)

	started, err := sb.Revive(context.Background())
	if err != nil || !started {
		t.Fatalf("Revive = %v, %v", started, err)
	}
	if sb.State() != StateIdle || f.Count("restore") != 0 {
		t.Errorf("state = %s, restores = %d", sb.State(), f.Count("restore"))
	}
	mu.Lock()
	defer mu.Unlock()
	want := []string{"idle->busy", "busy->idle"}
	if !reflect.DeepEqual(seen, want) {
		t.Errorf("transitions = %q, want %q", seen, want)
	}
}

func TestReviveSkipsCheckedOutSandbox(t *testing.T) {
	f := backendtest.New()
	f.Stop("codesand0", false)
	p := newTestPool(t, f, testConfig(t), "codesand0")
	sb := acquire(t, p)

	started, err := sb.Revive(context.Background())
	if err != nil || started {
		t.Errorf("Revive = %v, %v", started, err)
	}
	if f.Count("start") != 0 || f.Count("status") != 0 {
		t.Error("revive touched a checked-out container")
	}
	if sb.State() != StateBusy {
		t.Errorf("state = %s, want busy", sb.State())
	}
}

func TestReleaseIgnoresLaterCheckout(t *testing.T) {
	p := newTestPool(t, backendtest.New(), testConfig(t), "codesand0")
	sb := p.Sandboxes()[0]

	id, ok := sb.tryCheckout()
	if !ok {
		t.Fatal("checkout failed")
	}
	<-sb.Restart()
	acquire(t, p)

	sb.release(id)
	if sb.State() != StateBusy {
		t.Errorf("stale release moved the sandbox to %s", sb.State())
	}
}
