package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "node.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoadFileKeepsUnsetDefaults(t *testing.T) {
	path := writeFile(t, `
namespace: chat
seeds: ["10.0.0.2:7946", "10.0.0.3:7946"]
gossipInterval: 750ms
discovery: false
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "chat", cfg.Namespace)
	require.Equal(t, []string{"10.0.0.2:7946", "10.0.0.3:7946"}, cfg.Seeds)
	require.Equal(t, 750*time.Millisecond, cfg.GossipInterval)
	require.False(t, cfg.Discovery)
	require.Equal(t, Default().BindAddr, cfg.BindAddr)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := writeFile(t, "namespace: chat\nlogLevel: warn\n")
	t.Setenv("GOSSIPSTATE_NAMESPACE", "game")
	t.Setenv("GOSSIPSTATE_SEEDS", "a:1,b:2")
	t.Setenv("GOSSIPSTATE_GOSSIP_INTERVAL", "2s")
	t.Setenv("GOSSIPSTATE_DENIED", "key1")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "game", cfg.Namespace)
	require.Equal(t, []string{"a:1", "b:2"}, cfg.Seeds)
	require.Equal(t, 2*time.Second, cfg.GossipInterval)
	require.Equal(t, []string{"key1"}, cfg.Denied)

	level, err := cfg.Level()
	require.NoError(t, err)
	require.Equal(t, slog.LevelWarn, level)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "config: read")

	_, err = Load(writeFile(t, "namespace: [unterminated"))
	require.ErrorContains(t, err, "config: parse")

	t.Setenv("GOSSIPSTATE_GOSSIP_INTERVAL", "soon")
	_, err = Load("")
	require.ErrorContains(t, err, "config: parse env")
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Namespace = ""
	cfg.GossipInterval = 0
	cfg.LogLevel = "loud"
	err := cfg.Validate()
	require.ErrorContains(t, err, "namespace")
	require.ErrorContains(t, err, "gossipInterval")
	require.ErrorContains(t, err, "logLevel")
}
