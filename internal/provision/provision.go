// Package provision creates and resets the containers behind the pool.
package provision

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/codesand/codesand/internal/backend"
	"github.com/codesand/codesand/internal/config"
)

// Names returns amount container names starting at index start.
func Names(prefix string, amount, start int) []string {
	names := make([]string, 0, amount)
	for i := start; i < start+amount; i++ {
		names = append(names, fmt.Sprintf("%s%d", prefix, i))
	}
	return names
}

// Provisioner runs bulk container operations.
type Provisioner struct {
	backend backend.Backend
	log     *logrus.Entry
}

func New(b backend.Backend) *Provisioner {
	return &Provisioner{
		backend: b,
		log:     logrus.WithField("component", "provision"),
	}
}

// Make clones base into every name and appends each clone to listFile.
// Nothing is cloned if any name already exists.
func (p *Provisioner) Make(ctx context.Context, base string, names []string, listFile string) ([]string, error) {
	for _, name := range names {
		exists, err := p.backend.Exists(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("checking %s: %w", name, err)
		}
		if exists {
			return nil, fmt.Errorf("container %s already exists, no containers made", name)
		}
	}

	var made []string
	for _, name := range names {
		p.log.Infof("creating %s", name)
		if err := p.backend.Clone(ctx, base, name); err != nil {
			return made, fmt.Errorf("creating %s: %w", name, err)
		}
		if err := config.AppendContainerList(listFile, name); err != nil {
			return made, err
		}
		made = append(made, name)
	}
	return made, nil
}

// StartAll boots every stopped container. Already running ones are skipped.
func (p *Provisioner) StartAll(ctx context.Context, names []string) error {
	for _, name := range names {
		st, err := p.backend.Status(ctx, name)
		if err == nil && st == backend.StatusRunning {
			p.log.Infof("%s already running", name)
			continue
		}
		if err := p.backend.Start(ctx, name); err != nil {
			return fmt.Errorf("starting %s: %w", name, err)
		}
		p.log.Infof("%s started", name)
	}
	return nil
}

// RestoreAll reverts every container to snapshot, stopping at the first failure.
func (p *Provisioner) RestoreAll(ctx context.Context, names []string, snapshot string) error {
	for _, name := range names {
		if err := p.backend.Restore(ctx, name, snapshot); err != nil {
			return fmt.Errorf("restoring %s: %w", name, err)
		}
		p.log.Infof("%s restored", name)
	}
	return nil
}

// SnapshotAll records snapshot on every container.
func (p *Provisioner) SnapshotAll(ctx context.Context, names []string, snapshot string) error {
	for _, name := range names {
		if err := p.backend.Snapshot(ctx, name, snapshot); err != nil {
			return fmt.Errorf("snapshotting %s: %w", name, err)
		}
		p.log.Infof("%s snapshot %s taken", name, snapshot)
	}
	return nil
}

// ContainerStatus pairs a container with its runtime status.
type ContainerStatus struct {
	Name   string
	Status backend.Status
	Err    error
}

// Statuses queries every container. Per-container errors are reported, not returned.
func (p *Provisioner) Statuses(ctx context.Context, names []string) []ContainerStatus {
	out := make([]ContainerStatus, len(names))
	for i, name := range names {
		st, err := p.backend.Status(ctx, name)
		out[i] = ContainerStatus{Name: name, Status: st, Err: err}
	}
	return out
}
