package backend

import (
	"os/exec"
	"strings"
	"testing"
)

func TestParseLXCStatus(t *testing.T) {
	tests := []struct {
		name string
		info string
		want Status
	}{
		{"running", "Name: codesand0\nStatus: RUNNING\nType: container\n", StatusRunning},
		{"stopped", "Name: codesand0\nstatus: Stopped\n", StatusStopped},
		{"frozen", "Status: FROZEN\n", StatusUnknown},
		{"missing", "Name: codesand0\n", StatusUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := parseLXCStatus([]byte(tt.info)); got != tt.want {
				t.Errorf("parseLXCStatus = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLXCUserCommand(t *testing.T) {
	l := NewLXC("", DefaultUser())
	got := strings.Join(l.UserCommand("codesand3", []string{"php", "/home/codesand/x.php"}), " ")
	want := "lxc exec codesand3 --user 1000 --group 1000 -T --cwd /home/codesand -n -- php /home/codesand/x.php"
	if got != want {
		t.Errorf("UserCommand =\n  %s\nwant\n  %s", got, want)
	}
}

func TestShellJoinRoundTrip(t *testing.T) {
	argv := []string{"printf", "%s|", "plain", "two words", "it's", "", "$HOME"}
	line := ShellJoin(argv)

	out, err := exec.Command("/bin/sh", "-c", line).Output()
	if err != nil {
		t.Fatalf("running %q: %v", line, err)
	}
	want := "plain|two words|it's||$HOME|"
	if string(out) != want {
		t.Errorf("shell saw %q, want %q", out, want)
	}
}

func TestNewUnknownDriver(t *testing.T) {
	if _, err := New(Options{Driver: "qemu"}); err == nil {
		t.Fatal("expected error for unknown driver")
	}
	b, err := New(Options{Driver: "lxc"})
	if err != nil {
		t.Fatalf("New(lxc): %v", err)
	}
	if _, ok := b.(*LXC); !ok {
		t.Errorf("New(lxc) returned %T", b)
	}
}
