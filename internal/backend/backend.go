package backend

import (
	"context"
	"fmt"
	"strings"
)

// Status is the coarse state a runtime reports for a named sandbox.
type Status string

const (
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
	StatusUnknown Status = "unknown"
)

// User is the unprivileged account code runs as inside every sandbox.
type User struct {
	Name string // used for kill-by-user
	UID  int
	GID  int
	Home string // working directory and push target
}

// DefaultUser matches the account baked into the base container.
func DefaultUser() User {
	return User{Name: "codesand", UID: 1000, GID: 1000, Home: "/home/codesand"}
}

// Backend is the container runtime that owns the sandboxes.
// Every call is an external, fallible operation.
type Backend interface {
	// Status reports whether the named sandbox is running.
	Status(ctx context.Context, name string) (Status, error)

	// Start boots a stopped sandbox.
	Start(ctx context.Context, name string) error

	// UserCommand returns the host argv that runs argv inside the sandbox
	// as the unprivileged user, in its home directory.
	UserCommand(name string, argv []string) []string

	// RootExec runs argv inside the sandbox as root and returns combined output.
	RootExec(ctx context.Context, name string, argv ...string) ([]byte, error)

	// Push copies a host file into destDir inside the sandbox.
	Push(ctx context.Context, name, localPath, destDir string) error

	// Restore reverts the sandbox to a named snapshot, stopping anything running.
	Restore(ctx context.Context, name, snapshot string) error

	// Exists reports whether a sandbox with this name has been provisioned.
	Exists(ctx context.Context, name string) (bool, error)

	// Clone provisions a new sandbox from a base sandbox.
	Clone(ctx context.Context, base, name string) error

	// Snapshot records the current state of a sandbox as a restorable baseline.
	Snapshot(ctx context.Context, name, snapshot string) error
}

// Options configures driver construction.
type Options struct {
	Driver      string // "lxc" or "docker"
	LXCBinary   string
	DockerImage string
	User        User
}

// New builds the backend named by opts.Driver.
func New(opts Options) (Backend, error) {
	if opts.User.Name == "" {
		opts.User = DefaultUser()
	}
	switch strings.ToLower(strings.TrimSpace(opts.Driver)) {
	case "", "lxc":
		return NewLXC(opts.LXCBinary, opts.User), nil
	case "docker":
		return NewDocker(opts.DockerImage, opts.User)
	default:
		return nil, fmt.Errorf("unknown runtime driver %q", opts.Driver)
	}
}

// ShellJoin renders argv as a single POSIX shell command line.
func ShellJoin(argv []string) string {
	quoted := make([]string, len(argv))
	for i, arg := range argv {
		quoted[i] = shellQuote(arg)
	}
	return strings.Join(quoted, " ")
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case strings.ContainsRune("-_./:=@%+,", r):
		default:
			safe = false
		}
		if !safe {
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
