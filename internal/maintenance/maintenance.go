// Package maintenance runs periodic housekeeping next to the pool.
package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/codesand/codesand/internal/sandbox"
	"github.com/codesand/codesand/internal/storage"
)

const sweepTimeout = 2 * time.Minute

// Options configures a Maintainer. Store may be nil.
type Options struct {
	Pool          *sandbox.Pool
	Store         storage.Store
	StagingDir    string
	StagedFileTTL time.Duration
	Retention     time.Duration
}

// Report summarizes one sweep.
type Report struct {
	Purged  int
	Pruned  int64
	Started []string
	Errors  []error
}

// Maintainer purges staged files, prunes job history and restarts stopped
// idle containers on a cron schedule.
type Maintainer struct {
	opts Options
	cron *cron.Cron
	log  *logrus.Entry
}

func New(opts Options) *Maintainer {
	log := logrus.WithField("component", "maintenance")
	return &Maintainer{
		opts: opts,
		cron: cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.PrintfLogger(log)))),
		log:  log,
	}
}

// Start schedules the sweep and starts the scheduler.
func (m *Maintainer) Start(schedule string) error {
	_, err := m.cron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
		defer cancel()
		m.Sweep(ctx)
	})
	if err != nil {
		return fmt.Errorf("scheduling maintenance %q: %w", schedule, err)
	}
	m.cron.Start()
	m.log.Infof("maintenance scheduled %s", schedule)
	return nil
}

// Stop stops the scheduler and waits for a running sweep to finish.
func (m *Maintainer) Stop() {
	<-m.cron.Stop().Done()
}

// Sweep runs every housekeeping task once.
func (m *Maintainer) Sweep(ctx context.Context) Report {
	var r Report

	if m.opts.StagingDir != "" && m.opts.StagedFileTTL > 0 {
		n, err := sandbox.PurgeStaged(m.opts.StagingDir, m.opts.StagedFileTTL)
		r.Purged = n
		if err != nil {
			r.Errors = append(r.Errors, err)
		}
	}

	if m.opts.Store != nil && m.opts.Retention > 0 {
		n, err := m.opts.Store.PruneJobs(ctx, time.Now().Add(-m.opts.Retention))
		r.Pruned = n
		if err != nil {
			r.Errors = append(r.Errors, err)
		}
	}

	if m.opts.Pool != nil {
		for _, sb := range m.opts.Pool.Sandboxes() {
			started, err := sb.Revive(ctx)
			if err != nil {
				r.Errors = append(r.Errors, err)
				continue
			}
			if started {
				r.Started = append(r.Started, sb.Name())
			}
		}
	}

	for _, err := range r.Errors {
		m.log.WithError(err).Warn("maintenance task failed")
	}
	if r.Purged > 0 || r.Pruned > 0 || len(r.Started) > 0 {
		m.log.WithFields(logrus.Fields{
			"purged":  r.Purged,
			"pruned":  r.Pruned,
			"started": r.Started,
		}).Info("maintenance sweep")
	}
	return r
}
