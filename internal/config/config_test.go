package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeFile(t, t.TempDir(), "codesand.yaml", "containers:\n  names: [codesand0]\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !reflect.DeepEqual(cfg.Server.Listen, []string{":8080"}) {
		t.Errorf("listen = %v", cfg.Server.Listen)
	}
	if cfg.Limits.MaxLines != 10 || cfg.Limits.MaxBytes != 40000 {
		t.Errorf("limits = %+v", cfg.Limits)
	}
	if cfg.Limits.Timeout != 5*time.Second || cfg.Limits.JoinTimeout != 3*time.Second {
		t.Errorf("timeouts = %+v", cfg.Limits)
	}
	if cfg.Runtime.Snapshot != "default" || cfg.Runtime.Driver != "lxc" {
		t.Errorf("runtime = %+v", cfg.Runtime)
	}
	if u := cfg.User(); u.UID != 1000 || u.Home != "/home/codesand" {
		t.Errorf("user = %+v", u)
	}
	if cfg.Storage.Retention != 168*time.Hour {
		t.Errorf("retention = %s", cfg.Storage.Retention)
	}
}

func TestLoadFileValues(t *testing.T) {
	path := writeFile(t, t.TempDir(), "codesand.yaml", `
server:
  listen: ["127.0.0.1:9000", "[::1]:9000"]
limits:
  max_lines: 40
  timeout: 8s
runtime:
  driver: docker
  snapshot: clean
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Server.Listen) != 2 {
		t.Errorf("listen = %v", cfg.Server.Listen)
	}
	p := cfg.Policy()
	if p.MaxLines != 40 || p.Timeout != 8*time.Second {
		t.Errorf("policy = %+v", p)
	}
	if sc := cfg.SandboxConfig(); sc.Snapshot != "clean" {
		t.Errorf("snapshot = %q", sc.Snapshot)
	}
	if cfg.BackendOptions().Driver != "docker" {
		t.Errorf("driver = %q", cfg.BackendOptions().Driver)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	path := writeFile(t, t.TempDir(), "codesand.yaml", "limits:\n  max_lines: 40\n")
	t.Setenv("CODESAND_LIMITS_MAX_LINES", "25")
	t.Setenv("CODESAND_AUTH_JWT_SECRET", "from-env")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Limits.MaxLines != 25 {
		t.Errorf("max_lines = %d, want 25", cfg.Limits.MaxLines)
	}
	if cfg.Auth.JWTSecret != "from-env" {
		t.Errorf("jwt_secret = %q", cfg.Auth.JWTSecret)
	}
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()
	cases := []struct {
		name    string
		content string
	}{
		{"unknown driver", "runtime:\n  driver: qemu\n"},
		{"bad log format", "log:\n  format: xml\n"},
		{"zero lines", "limits:\n  max_lines: 0\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeFile(t, dir, "c.yaml", tc.content)
			if _, err := Load(path); err == nil {
				t.Fatal("expected error")
			}
		})
	}

	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected error for explicit missing file")
	}
}

func TestContainerNames(t *testing.T) {
	dir := t.TempDir()
	list := writeFile(t, dir, "container.list", "codesand1\n\n  codesand2\ncodesand0\n")
	cfg := &Config{Containers: ContainersConfig{ListFile: list, Names: []string{"codesand0"}}}

	names, err := cfg.ContainerNames()
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"codesand0", "codesand1", "codesand2"}
	if !reflect.DeepEqual(names, want) {
		t.Errorf("names = %v, want %v", names, want)
	}

	empty := &Config{Containers: ContainersConfig{ListFile: filepath.Join(dir, "none")}}
	if _, err := empty.ContainerNames(); err == nil {
		t.Error("expected error for no containers")
	}
}

func TestAppendContainerList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "container.list")
	if err := AppendContainerList(path, "codesand0"); err != nil {
		t.Fatal(err)
	}
	if err := AppendContainerList(path, "codesand1", "codesand2"); err != nil {
		t.Fatal(err)
	}
	names, err := ReadContainerList(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 3 || names[2] != "codesand2" {
		t.Errorf("names = %v", names)
	}
}

func TestSetupLogging(t *testing.T) {
	defer logrus.SetLevel(logrus.GetLevel())
	if err := SetupLogging(LogConfig{Level: "debug", Format: "json"}); err != nil {
		t.Fatal(err)
	}
	if logrus.GetLevel() != logrus.DebugLevel {
		t.Errorf("level = %s", logrus.GetLevel())
	}
	if _, ok := logrus.StandardLogger().Formatter.(*logrus.JSONFormatter); !ok {
		t.Errorf("formatter = %T", logrus.StandardLogger().Formatter)
	}
	if err := SetupLogging(LogConfig{Level: "loud"}); err == nil {
		t.Error("expected error for bad level")
	}
}
