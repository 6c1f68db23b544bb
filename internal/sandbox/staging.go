package sandbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const stagedPrefix = "running-"

// DefaultStagingDir is where code files are written before being pushed.
func DefaultStagingDir() string {
	return filepath.Join(os.TempDir(), "codesand")
}

// stage writes source to the staging directory as running-<sandbox>-<file>,
// pushes it into the user's home and hands ownership to the user. It returns
// the staged base name.
func (s *Sandbox) stage(ctx context.Context, fileName string, source []byte) (string, error) {
	fileName = filepath.Base(fileName)
	if fileName == "." || fileName == string(filepath.Separator) {
		return "", fmt.Errorf("invalid file name %q", fileName)
	}
	staged := stagedPrefix + s.name + "-" + fileName

	if err := os.MkdirAll(s.cfg.StagingDir, 0o755); err != nil {
		return "", fmt.Errorf("creating staging dir: %w", err)
	}
	local := filepath.Join(s.cfg.StagingDir, staged)
	if err := os.WriteFile(local, source, 0o644); err != nil {
		return "", fmt.Errorf("writing code file: %w", err)
	}

	if err := s.backend.Push(ctx, s.name, local, s.cfg.User.Home); err != nil {
		return "", fmt.Errorf("pushing code file: %w", err)
	}

	owner := s.cfg.User.Name + ":" + s.cfg.User.Name
	if _, err := s.backend.RootExec(ctx, s.name, "chown", "-R", owner, s.cfg.User.Home); err != nil {
		return "", fmt.Errorf("chown home: %w", err)
	}
	return staged, nil
}

// PurgeStaged removes staged code files in dir older than ttl and returns
// how many were removed. A missing dir is not an error.
func PurgeStaged(dir string, ttl time.Duration) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading staging dir: %w", err)
	}

	cutoff := time.Now().Add(-ttl)
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), stagedPrefix) {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil && !os.IsNotExist(err) {
			return removed, fmt.Errorf("removing %s: %w", e.Name(), err)
		}
		removed++
	}
	return removed, nil
}
