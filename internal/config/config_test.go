package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	t.Setenv("SESH_CONFIG", filepath.Join(t.TempDir(), "nope.yml"))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, cfg.KillGrace())
	assert.Equal(t, `M-\`, cfg.DetachKey)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Empty(t, cfg.DefaultCommand)
}

func TestLoadReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(
		"default_command: bash --login\nkill_grace_ms: 500\ndetach_key: M-d\nlog_level: debug\n",
	), 0o644))
	t.Setenv("SESH_CONFIG", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 500*time.Millisecond, cfg.KillGrace())
	assert.Equal(t, "M-d", cfg.DetachKey)
	assert.Equal(t, "debug", cfg.LogLevel)

	argv, err := cfg.DefaultArgv()
	require.NoError(t, err)
	assert.Equal(t, []string{"bash", "--login"}, argv)
}

func TestLoadRejectsBadDetachKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte("detach_key: ctrl-x\n"), 0o644))
	t.Setenv("SESH_CONFIG", path)

	_, err := Load()
	assert.Error(t, err)
}

func TestDefaultArgvQuoting(t *testing.T) {
	cfg := &Config{DefaultCommand: `sh -c 'echo "hi there"'`}
	argv, err := cfg.DefaultArgv()
	require.NoError(t, err)
	assert.Equal(t, []string{"sh", "-c", `echo "hi there"`}, argv)
}

func TestDefaultArgvEmpty(t *testing.T) {
	argv, err := (&Config{}).DefaultArgv()
	require.NoError(t, err)
	assert.Nil(t, argv)
}

func TestParseDetachKey(t *testing.T) {
	key, err := ParseDetachKey(`M-\`)
	require.NoError(t, err)
	assert.Equal(t, byte('\\'), key)

	_, err = ParseDetachKey("")
	assert.Error(t, err)
	_, err = ParseDetachKey("M-")
	assert.Error(t, err)
	_, err = ParseDetachKey(`C-\`)
	assert.Error(t, err)
}

func TestSocketPathPrecedence(t *testing.T) {
	t.Setenv("SESH_SOCKET", "/custom/sesh.sock")
	assert.Equal(t, "/custom/sesh.sock", SocketPath())

	t.Setenv("SESH_SOCKET", "")
	t.Setenv("XDG_RUNTIME_DIR", "/run/user/1000")
	assert.Equal(t, "/run/user/1000/sesh.sock", SocketPath())

	t.Setenv("XDG_RUNTIME_DIR", "")
	assert.Contains(t, SocketPath(), "sesh-")
	assert.Contains(t, SocketPath(), "sesh.sock")
}
