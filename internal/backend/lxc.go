package backend

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

var lxcStatusLine = regexp.MustCompile(`(?i)^Status:\s*(.+)$`)

// LXC drives sandboxes through the lxc command line client.
type LXC struct {
	binary string
	user   User
	log    *logrus.Entry
}

// NewLXC creates an LXC backend. An empty binary means "lxc" from PATH.
func NewLXC(binary string, user User) *LXC {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		binary = "lxc"
	}
	return &LXC{
		binary: binary,
		user:   user,
		log:    logrus.WithField("component", "lxc"),
	}
}

// run executes the lxc client and returns stdout, with stderr folded into the error.
func (l *LXC) run(ctx context.Context, args ...string) ([]byte, error) {
	l.log.Debugf("$ %s %s", l.binary, strings.Join(args, " "))
	cmd := exec.CommandContext(ctx, l.binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = strings.TrimSpace(stdout.String())
		}
		if msg != "" {
			return stdout.Bytes(), fmt.Errorf("%s %s: %s: %w", l.binary, args[0], msg, err)
		}
		return stdout.Bytes(), fmt.Errorf("%s %s: %w", l.binary, args[0], err)
	}
	return stdout.Bytes(), nil
}

func (l *LXC) Status(ctx context.Context, name string) (Status, error) {
	out, err := l.run(ctx, "info", name)
	if err != nil {
		return StatusUnknown, err
	}
	return parseLXCStatus(out), nil
}

func parseLXCStatus(info []byte) Status {
	sc := bufio.NewScanner(bytes.NewReader(info))
	for sc.Scan() {
		m := lxcStatusLine.FindStringSubmatch(strings.TrimSpace(sc.Text()))
		if m == nil {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(m[1])) {
		case "running":
			return StatusRunning
		case "stopped":
			return StatusStopped
		default:
			return StatusUnknown
		}
	}
	return StatusUnknown
}

func (l *LXC) Start(ctx context.Context, name string) error {
	_, err := l.run(ctx, "start", name)
	if err != nil && strings.Contains(err.Error(), "already running") {
		return nil
	}
	return err
}

func (l *LXC) UserCommand(name string, argv []string) []string {
	cmd := []string{
		l.binary, "exec", name,
		"--user", strconv.Itoa(l.user.UID),
		"--group", strconv.Itoa(l.user.GID),
		"-T", "--cwd", l.user.Home, "-n", "--",
	}
	return append(cmd, argv...)
}

func (l *LXC) RootExec(ctx context.Context, name string, argv ...string) ([]byte, error) {
	args := append([]string{"exec", name, "-T", "-n", "--"}, argv...)
	return l.run(ctx, args...)
}

func (l *LXC) Push(ctx context.Context, name, localPath, destDir string) error {
	target := name + path.Clean("/"+destDir) + "/"
	_, err := l.run(ctx, "file", "push", localPath, target)
	return err
}

func (l *LXC) Restore(ctx context.Context, name, snapshot string) error {
	_, err := l.run(ctx, "restore", name, snapshot)
	return err
}

func (l *LXC) Exists(ctx context.Context, name string) (bool, error) {
	cmd := exec.CommandContext(ctx, l.binary, "info", name)
	if err := cmd.Run(); err != nil {
		if _, ok := err.(*exec.ExitError); ok {
			return false, nil
		}
		return false, fmt.Errorf("%s info: %w", l.binary, err)
	}
	return true, nil
}

func (l *LXC) Clone(ctx context.Context, base, name string) error {
	_, err := l.run(ctx, "copy", base, name)
	return err
}

func (l *LXC) Snapshot(ctx context.Context, name, snapshot string) error {
	_, err := l.run(ctx, "snapshot", name, snapshot)
	return err
}
