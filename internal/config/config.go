// Package config handles sesh's user configuration and well-known paths.
// The config file is optional YAML at <xdg-config>/sesh/config.yml; every
// field has a default, so a missing file is not an error.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/OpenPeeDeeP/xdg"
	"github.com/kballard/go-shellquote"
	"gopkg.in/yaml.v3"
)

// Config holds the user-configurable options.
type Config struct {
	// DefaultCommand is run when `sesh start` is given no program and the
	// client has no $SHELL.  Parsed with shell quoting rules, so
	// `bash --login` works.
	DefaultCommand string `yaml:"default_command,omitempty"`

	// KillGraceMS is how long a killed session's child gets between SIGHUP
	// and SIGKILL, in milliseconds.
	KillGraceMS int `yaml:"kill_grace_ms,omitempty"`

	// DetachKey is the attach hotkey in "M-<char>" form (Alt+<char>).
	// Only validated at load; the bridge scans for ESC followed by <char>.
	DetachKey string `yaml:"detach_key,omitempty"`

	// LogLevel is the server log level (logrus level name).
	LogLevel string `yaml:"log_level,omitempty"`
}

const (
	defaultKillGraceMS = 2000
	defaultDetachKey   = `M-\`
	defaultLogLevel    = "info"
)

// Load reads the config file, applying defaults for anything unset.
// SESH_CONFIG overrides the file location.
func Load() (*Config, error) {
	cfg := &Config{
		KillGraceMS: defaultKillGraceMS,
		DetachKey:   defaultDetachKey,
		LogLevel:    defaultLogLevel,
	}

	path := os.Getenv("SESH_CONFIG")
	if path == "" {
		path = filepath.Join(ConfigDir(), "config.yml")
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if cfg.KillGraceMS <= 0 {
		cfg.KillGraceMS = defaultKillGraceMS
	}
	if cfg.DetachKey == "" {
		cfg.DetachKey = defaultDetachKey
	}
	if _, err := ParseDetachKey(cfg.DetachKey); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel
	}

	return cfg, nil
}

// KillGrace returns the SIGHUP→SIGKILL grace period.
func (c *Config) KillGrace() time.Duration {
	return time.Duration(c.KillGraceMS) * time.Millisecond
}

// DefaultArgv splits DefaultCommand into an argv using shell quoting rules.
// Returns nil when no default command is configured.
func (c *Config) DefaultArgv() ([]string, error) {
	if c.DefaultCommand == "" {
		return nil, nil
	}
	argv, err := shellquote.Split(c.DefaultCommand)
	if err != nil {
		return nil, fmt.Errorf("default_command: %w", err)
	}
	if len(argv) == 0 {
		return nil, nil
	}
	return argv, nil
}

// ParseDetachKey validates an "M-<char>" hotkey spec and returns the
// character that must follow ESC.
func ParseDetachKey(spec string) (byte, error) {
	if len(spec) != 3 || spec[0] != 'M' || spec[1] != '-' {
		return 0, fmt.Errorf("detach_key %q: want form M-<char>", spec)
	}
	return spec[2], nil
}

// ConfigDir returns the sesh config directory (not created).
func ConfigDir() string {
	return xdg.New("", "sesh").ConfigHome()
}

// SocketPath returns the server socket path.  Precedence: SESH_SOCKET env
// var, then $XDG_RUNTIME_DIR/sesh.sock, then /tmp/sesh-<uid>/sesh.sock.
func SocketPath() string {
	if env := os.Getenv("SESH_SOCKET"); env != "" {
		return env
	}
	return filepath.Join(RuntimeDir(), "sesh.sock")
}

// RuntimeDir returns the directory that holds the socket (not created).
func RuntimeDir() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return dir
	}
	return filepath.Join("/tmp", fmt.Sprintf("sesh-%d", os.Getuid()))
}

// EnsureRuntimeDir creates the socket's parent directory with private
// permissions.
func EnsureRuntimeDir(socketPath string) error {
	return os.MkdirAll(filepath.Dir(socketPath), 0o700)
}

// LogPath returns the server log file location.
func LogPath() string {
	return filepath.Join(ConfigDir(), "seshd.log")
}
