package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/codesand/codesand/internal/backend"
	"github.com/codesand/codesand/internal/sandbox"
)

type ServerConfig struct {
	Listen          []string      `mapstructure:"listen"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type AuthConfig struct {
	KeysFile  string   `mapstructure:"keys_file"`
	Keys      []string `mapstructure:"keys"`
	JWTSecret string   `mapstructure:"jwt_secret"`
}

type ContainersConfig struct {
	ListFile string   `mapstructure:"list_file"`
	Names    []string `mapstructure:"names"`
	Prefix   string   `mapstructure:"prefix"`
	Base     string   `mapstructure:"base"`
}

type RuntimeConfig struct {
	Driver      string `mapstructure:"driver"`
	LXCBinary   string `mapstructure:"lxc_binary"`
	Snapshot    string `mapstructure:"snapshot"`
	DockerImage string `mapstructure:"docker_image"`
}

type SandboxConfig struct {
	User       string `mapstructure:"user"`
	UID        int    `mapstructure:"uid"`
	GID        int    `mapstructure:"gid"`
	Home       string `mapstructure:"home"`
	StagingDir string `mapstructure:"staging_dir"`
}

type LimitsConfig struct {
	MaxLines        int           `mapstructure:"max_lines"`
	MaxBytes        int           `mapstructure:"max_bytes"`
	Timeout         time.Duration `mapstructure:"timeout"`
	JoinTimeout     time.Duration `mapstructure:"join_timeout"`
	RecoveryTimeout time.Duration `mapstructure:"recovery_timeout"`
}

type StorageConfig struct {
	DBPath    string        `mapstructure:"db_path"`
	Retention time.Duration `mapstructure:"retention"`
}

type MaintenanceConfig struct {
	Schedule      string        `mapstructure:"schedule"`
	StagedFileTTL time.Duration `mapstructure:"staged_file_ttl"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Containers  ContainersConfig  `mapstructure:"containers"`
	Runtime     RuntimeConfig     `mapstructure:"runtime"`
	Sandbox     SandboxConfig     `mapstructure:"sandbox"`
	Limits      LimitsConfig      `mapstructure:"limits"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
	Log         LogConfig         `mapstructure:"log"`
}

// Load reads configuration from path, or from codesand.yaml in . or
// $HOME/.codesand when path is empty. A missing default file is not an
// error. Environment variables prefixed CODESAND_ override file values.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("codesand")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.codesand")
	}

	setDefaults(v)

	v.SetEnvPrefix("CODESAND")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	user := backend.DefaultUser()

	v.SetDefault("server.listen", []string{":8080"})
	v.SetDefault("server.shutdown_timeout", "15s")

	v.SetDefault("auth.keys_file", "keys.yaml")
	v.SetDefault("auth.keys", []string{})
	v.SetDefault("auth.jwt_secret", "")

	v.SetDefault("containers.list_file", "container.list")
	v.SetDefault("containers.names", []string{})
	v.SetDefault("containers.prefix", "codesand")
	v.SetDefault("containers.base", "codesand")

	v.SetDefault("runtime.driver", "lxc")
	v.SetDefault("runtime.lxc_binary", "lxc")
	v.SetDefault("runtime.snapshot", "default")
	v.SetDefault("runtime.docker_image", "codesand:latest")

	v.SetDefault("sandbox.user", user.Name)
	v.SetDefault("sandbox.uid", user.UID)
	v.SetDefault("sandbox.gid", user.GID)
	v.SetDefault("sandbox.home", user.Home)
	v.SetDefault("sandbox.staging_dir", sandbox.DefaultStagingDir())

	v.SetDefault("limits.max_lines", sandbox.DefaultMaxLines)
	v.SetDefault("limits.max_bytes", sandbox.DefaultMaxBytes)
	v.SetDefault("limits.timeout", sandbox.DefaultTimeout.String())
	v.SetDefault("limits.join_timeout", sandbox.DefaultJoinTimeout.String())
	v.SetDefault("limits.recovery_timeout", sandbox.DefaultRecoveryTimeout.String())

	v.SetDefault("storage.db_path", filepath.Join(os.Getenv("HOME"), ".codesand", "codesand.db"))
	v.SetDefault("storage.retention", "168h")

	v.SetDefault("maintenance.schedule", "@every 10m")
	v.SetDefault("maintenance.staged_file_ttl", "1h")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Validate checks values that have no usable fallback.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Runtime.Driver) {
	case "lxc", "docker":
	default:
		return fmt.Errorf("unknown runtime driver %q", c.Runtime.Driver)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	if c.Limits.MaxLines <= 0 || c.Limits.MaxBytes <= 0 {
		return fmt.Errorf("limits.max_lines and limits.max_bytes must be positive")
	}
	if c.Limits.Timeout <= 0 {
		return fmt.Errorf("limits.timeout must be positive")
	}
	if len(c.Server.Listen) == 0 {
		return fmt.Errorf("server.listen is empty")
	}
	return nil
}

// ContainerNames returns the inline names followed by those in the list
// file, without blanks or duplicates. An empty result is an error.
func (c *Config) ContainerNames() ([]string, error) {
	fromFile, err := ReadContainerList(c.Containers.ListFile)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var names []string
	for _, n := range append(append([]string{}, c.Containers.Names...), fromFile...) {
		n = strings.TrimSpace(n)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		names = append(names, n)
	}
	if len(names) == 0 {
		return nil, errors.New("no containers listed")
	}
	return names, nil
}

// User is the unprivileged sandbox account.
func (c *Config) User() backend.User {
	return backend.User{
		Name: c.Sandbox.User,
		UID:  c.Sandbox.UID,
		GID:  c.Sandbox.GID,
		Home: c.Sandbox.Home,
	}
}

// BackendOptions configures the runtime driver.
func (c *Config) BackendOptions() backend.Options {
	return backend.Options{
		Driver:      c.Runtime.Driver,
		LXCBinary:   c.Runtime.LXCBinary,
		DockerImage: c.Runtime.DockerImage,
		User:        c.User(),
	}
}

// SandboxConfig is the per-sandbox recovery and staging configuration.
func (c *Config) SandboxConfig() sandbox.Config {
	return sandbox.Config{
		User:            c.User(),
		Snapshot:        c.Runtime.Snapshot,
		StagingDir:      c.Sandbox.StagingDir,
		JoinTimeout:     c.Limits.JoinTimeout,
		RecoveryTimeout: c.Limits.RecoveryTimeout,
	}
}

// Policy is the default per-job limit set.
func (c *Config) Policy() sandbox.Policy {
	return sandbox.Policy{
		MaxLines: c.Limits.MaxLines,
		MaxBytes: c.Limits.MaxBytes,
		Timeout:  c.Limits.Timeout,
	}
}
