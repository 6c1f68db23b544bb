// Package dispatch turns a run request into a job on a pooled sandbox.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/codesand/codesand/internal/languages"
	"github.com/codesand/codesand/internal/sandbox"
	"github.com/codesand/codesand/internal/storage"
)

var (
	ErrUnknownLanguage = errors.New("unknown runner")
	ErrEmptyCode       = errors.New("no code given")
)

const saveTimeout = 5 * time.Second

// Request is one run of caller code.
type Request struct {
	Runner     string
	Code       string
	MaxLines   int    // 0 means the configured default
	Flags      string // compiler flags, for runners that take them
	RemoteAddr string
	Subject    string            // who authenticated the request
	OnLine     func(line string) // streams lines as they are captured
}

// Result is the captured output of a finished run.
type Result struct {
	ID      string          `json:"id"`
	Runner  string          `json:"runner"`
	Sandbox string          `json:"sandbox"`
	Outcome sandbox.Outcome `json:"outcome"`
	Lines   []string        `json:"lines"`
}

// Dispatcher validates requests, checks out a sandbox and records history.
type Dispatcher struct {
	pool     *sandbox.Pool
	langs    *languages.Registry
	store    storage.Store
	defaults sandbox.Policy
	log      *logrus.Entry
}

// New creates a dispatcher. store may be nil to disable history.
func New(pool *sandbox.Pool, langs *languages.Registry, store storage.Store, defaults sandbox.Policy) *Dispatcher {
	return &Dispatcher{
		pool:     pool,
		langs:    langs,
		store:    store,
		defaults: defaults.Merge(sandbox.DefaultPolicy()),
		log:      logrus.WithField("component", "dispatch"),
	}
}

// Languages returns the runner table.
func (d *Dispatcher) Languages() *languages.Registry {
	return d.langs
}

// Run executes req on the first idle sandbox. Unknown runners and empty code
// are rejected before the pool is touched. sandbox.ErrUnavailable is returned
// when no sandbox is idle.
func (d *Dispatcher) Run(ctx context.Context, req Request) (*Result, error) {
	lang, err := d.langs.Get(req.Runner)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownLanguage, req.Runner)
	}
	if strings.TrimSpace(req.Code) == "" {
		return nil, ErrEmptyCode
	}

	sb, err := d.pool.Acquire()
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	log := d.log.WithFields(logrus.Fields{"job": id, "runner": lang.ID, "sandbox": sb.Name()})
	log.Debug("job started")

	policy := d.policyFor(lang, req.MaxLines)
	flags := languages.SplitFlags(req.Flags)
	res := sb.Execute(ctx, sandbox.Job{
		FileName: lang.SourceFile,
		Source:   []byte(lang.Wrap(req.Code)),
		Command:  func(path string) []string { return lang.Command(path, flags) },
		Policy:   policy,
		OnLine:   req.OnLine,
	})
	log.WithFields(logrus.Fields{
		"outcome":  res.Outcome,
		"lines":    len(res.Lines),
		"duration": res.Duration,
	}).Info("job finished")

	d.record(&storage.Job{
		ID:         id,
		Runner:     lang.ID,
		Sandbox:    sb.Name(),
		Outcome:    storage.Outcome(res.Outcome.String()),
		Lines:      res.Lines,
		CodeSize:   len(req.Code),
		Duration:   res.Duration,
		RemoteAddr: req.RemoteAddr,
		Subject:    req.Subject,
	})

	return &Result{
		ID:      id,
		Runner:  lang.ID,
		Sandbox: sb.Name(),
		Outcome: res.Outcome,
		Lines:   res.Lines,
	}, nil
}

// policyFor applies the requested line cap and the longer of the language
// and configured timeouts.
func (d *Dispatcher) policyFor(lang languages.Language, maxLines int) sandbox.Policy {
	p := d.defaults
	if maxLines > 0 {
		p.MaxLines = maxLines
	}
	if lang.Timeout > p.Timeout {
		p.Timeout = lang.Timeout
	}
	return p
}

func (d *Dispatcher) record(j *storage.Job) {
	if d.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	if err := d.store.SaveJob(ctx, j); err != nil {
		d.log.WithError(err).WithField("job", j.ID).Warn("saving job history")
	}
}
