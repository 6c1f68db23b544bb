package dispatch

import (
	"context"
	"errors"
	"os"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/codesand/codesand/internal/backend"
	"github.com/codesand/codesand/internal/backend/backendtest"
	"github.com/codesand/codesand/internal/languages"
	"github.com/codesand/codesand/internal/sandbox"
	"github.com/codesand/codesand/internal/storage"
	"github.com/codesand/codesand/internal/storage/sqlite"
)

type fixture struct {
	fake  *backendtest.Fake
	pool  *sandbox.Pool
	store *sqlite.SQLiteStore
	d     *Dispatcher
}

func newFixture(t *testing.T, names ...string) *fixture {
	t.Helper()
	if len(names) == 0 {
		names = []string{"codesand0"}
	}
	fake := backendtest.New()
	pool, err := sandbox.NewPool(fake, names, sandbox.Config{
		User: backend.User{
			Name: "codesand",
			UID:  os.Getuid(),
			GID:  os.Getgid(),
			Home: t.TempDir(),
		},
		StagingDir:  t.TempDir(),
		JoinTimeout: 100 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	store, err := sqlite.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		pool.Close(ctx)
		store.Close()
	})
	return &fixture{
		fake:  fake,
		pool:  pool,
		store: store,
		d:     New(pool, languages.NewRegistry(), store, sandbox.DefaultPolicy()),
	}
}

func (f *fixture) waitIdle(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, sb := range f.pool.Sandboxes() {
		if err := sb.Wait(ctx); err != nil {
			t.Fatal(err)
		}
	}
}

func TestRunEcho(t *testing.T) {
	f := newFixture(t)
	res, err := f.d.Run(context.Background(), Request{Runner: "bash", Code: "echo hi"})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(res.Lines, []string{"OUT: hi"}) {
		t.Errorf("lines = %q", res.Lines)
	}
	if res.Sandbox != "codesand0" || res.ID == "" {
		t.Errorf("result = %+v", res)
	}
	f.waitIdle(t)
	if st := f.pool.Stats(); st.Idle != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestRunMaxLines(t *testing.T) {
	f := newFixture(t)
	res, err := f.d.Run(context.Background(), Request{
		Runner:   "bash",
		Code:     "for i in 1 2 3 4 5; do echo $i; done",
		MaxLines: 2,
	})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"OUT: 1", "OUT: 2", "max lines reached"}
	if !reflect.DeepEqual(res.Lines, want) {
		t.Errorf("lines = %q, want %q", res.Lines, want)
	}
	f.waitIdle(t)
}

func TestRunUnknownRunner(t *testing.T) {
	f := newFixture(t)
	_, err := f.d.Run(context.Background(), Request{Runner: "nope", Code: "echo hi"})
	if !errors.Is(err, ErrUnknownLanguage) {
		t.Fatalf("err = %v, want ErrUnknownLanguage", err)
	}
	if f.fake.Count("push") != 0 || f.fake.Count("restore") != 0 {
		t.Error("unknown runner touched the backend")
	}
	for _, st := range f.pool.Status() {
		if st.State != sandbox.StateIdle || st.Recoveries != 0 {
			t.Errorf("sandbox %s changed: %+v", st.Name, st)
		}
	}
}

func TestRunEmptyCode(t *testing.T) {
	f := newFixture(t)
	_, err := f.d.Run(context.Background(), Request{Runner: "bash", Code: "  \n"})
	if !errors.Is(err, ErrEmptyCode) {
		t.Fatalf("err = %v, want ErrEmptyCode", err)
	}
	if f.fake.Count("push") != 0 {
		t.Error("empty code touched the backend")
	}
}

func TestRunUnavailable(t *testing.T) {
	f := newFixture(t)
	if _, err := f.pool.Acquire(); err != nil {
		t.Fatal(err)
	}
	_, err := f.d.Run(context.Background(), Request{Runner: "bash", Code: "echo hi"})
	if !errors.Is(err, sandbox.ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
}

func TestRunConcurrentSingleSandbox(t *testing.T) {
	f := newFixture(t)
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.d.Run(context.Background(), Request{Runner: "bash", Code: "sleep 0.3; echo done"})
		}(i)
	}
	wg.Wait()

	ok, busy := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, sandbox.ErrUnavailable):
			busy++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 || busy != 1 {
		t.Errorf("ok=%d busy=%d, want 1 each", ok, busy)
	}
	f.waitIdle(t)
}

func TestRunRecordsHistory(t *testing.T) {
	f := newFixture(t)
	res, err := f.d.Run(context.Background(), Request{Runner: "sh", Code: "echo hi", RemoteAddr: "10.0.0.1", Subject: "ci-bot"})
	if err != nil {
		t.Fatal(err)
	}
	job, err := f.store.GetJob(context.Background(), res.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Runner != "bash" || job.Outcome != storage.OutcomeCompleted || job.RemoteAddr != "10.0.0.1" || job.Subject != "ci-bot" {
		t.Errorf("job = %+v", job)
	}
	if job.CodeSize != len("echo hi") {
		t.Errorf("code size = %d", job.CodeSize)
	}
	f.waitIdle(t)
}

func TestRunStreamsLines(t *testing.T) {
	f := newFixture(t)
	var mu sync.Mutex
	var streamed []string
	res, err := f.d.Run(context.Background(), Request{
		Runner: "bash",
		Code:   "echo a; echo b",
		OnLine: func(l string) {
			mu.Lock()
			streamed = append(streamed, l)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	defer mu.Unlock()
	if !reflect.DeepEqual(streamed, res.Lines) {
		t.Errorf("streamed %q, result %q", streamed, res.Lines)
	}
	f.waitIdle(t)
}

func TestPolicyFor(t *testing.T) {
	d := New(nil, languages.NewRegistry(), nil, sandbox.Policy{Timeout: 7 * time.Second})
	bash, _ := d.Languages().Get("bash")
	gcc, _ := d.Languages().Get("gcc")

	if p := d.policyFor(bash, 0); p.Timeout != 7*time.Second || p.MaxLines != sandbox.DefaultMaxLines {
		t.Errorf("bash policy = %+v", p)
	}
	if p := d.policyFor(gcc, 50); p.Timeout != gcc.Timeout || p.MaxLines != 50 {
		t.Errorf("gcc policy = %+v", p)
	}
}
