package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SkynetNext/sockops-binder/internal/sockops"
	"github.com/SkynetNext/sockops-binder/pkg/linux"
)

func writeFile(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "sockops.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg := LoadConfig()

	assert.False(t, cfg.Sockops.ReconnectGuard)
	assert.Equal(t, 15006, cfg.Sockops.RedirectPort)
	assert.Equal(t, "127.0.0.6", cfg.Sockops.UnresolvedIP)
	assert.Equal(t, ":9090", cfg.Metrics.ListenAddr)
	assert.Equal(t, 15*time.Second, cfg.Inspect.Interval)
	assert.Equal(t, "info", cfg.LogLevel)

	p, err := cfg.Sockops.Policy()
	require.NoError(t, err)
	assert.Equal(t, sockops.DefaultPolicy(), p)
}

func TestLoadConfigEnv(t *testing.T) {
	t.Setenv("SOCKOPS_RECONNECT_GUARD", "true")
	t.Setenv("SOCKOPS_REDIRECT_PORT", "15001")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("INSPECT_INTERVAL", "1m")
	t.Setenv("AUDIT_BUFFER_SIZE", "not-a-number")

	cfg := LoadConfig()
	assert.True(t, cfg.Sockops.ReconnectGuard)
	assert.Equal(t, 15001, cfg.Sockops.RedirectPort)
	assert.Equal(t, 3, cfg.Redis.DB)
	assert.Equal(t, time.Minute, cfg.Inspect.Interval)
	assert.Equal(t, 1024, cfg.Audit.BufferSize)
}

func TestLoadConfigFromFile(t *testing.T) {
	path := writeFile(t, t.TempDir(), `
sockops:
  reconnect_guard: true
  redirect_port: 15001
  unresolved_ip: 127.0.0.7
redis:
  enabled: true
  key_prefix: "prod:"
lifecycle:
  shutdown_timeout: 10s
log_level: debug
`)
	t.Setenv("LOG_LEVEL", "warn")

	cfg, err := LoadConfigFromFile(path)
	require.NoError(t, err)

	assert.True(t, cfg.Sockops.ReconnectGuard)
	assert.Equal(t, 15001, cfg.Sockops.RedirectPort)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "prod:", cfg.Redis.KeyPrefix)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr, "unset fields keep defaults")
	assert.Equal(t, 10*time.Second, cfg.Lifecycle.ShutdownTimeout)
	assert.Equal(t, "warn", cfg.LogLevel, "env overrides the file")

	p, err := cfg.Sockops.Policy()
	require.NoError(t, err)
	assert.Equal(t, linux.MustIP2Linux("127.0.0.7"), p.UnresolvedAddr)
}

func TestLoadConfigFromFileErrors(t *testing.T) {
	_, err := LoadConfigFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := writeFile(t, t.TempDir(), "sockops: [not, a, map")
	_, err = LoadConfigFromFile(path)
	assert.Error(t, err)
}

func TestSockopsPolicyRejects(t *testing.T) {
	tests := []struct {
		name string
		cfg  SockopsConfig
	}{
		{"port out of range", SockopsConfig{RedirectPort: 70000, UnresolvedIP: "127.0.0.6"}},
		{"ipv6 sentinel", SockopsConfig{RedirectPort: 15006, UnresolvedIP: "::1"}},
		{"garbage sentinel", SockopsConfig{RedirectPort: 15006, UnresolvedIP: "nope"}},
		{"guard without port", SockopsConfig{ReconnectGuard: true, UnresolvedIP: "127.0.0.6"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.cfg.Policy()
			assert.Error(t, err)
		})
	}
}

func TestLoadPrefersEnvPath(t *testing.T) {
	path := writeFile(t, t.TempDir(), "log_level: error\n")
	t.Setenv("SOCKOPS_CONFIG", path)

	cfg, used, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, path, used)
	assert.Equal(t, "error", cfg.LogLevel)
}

func TestFileWatcherReloads(t *testing.T) {
	path := writeFile(t, t.TempDir(), "log_level: info\n")

	got := make(chan *Config, 1)
	w := NewFileWatcher(path, func(cfg *Config) { got <- cfg })
	w.interval = 10 * time.Millisecond
	w.Start()
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte("log_level: debug\n"), 0o644))
	future := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(path, future, future))

	select {
	case cfg := <-got:
		assert.Equal(t, "debug", cfg.LogLevel)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not reload")
	}
}

func TestFileWatcherIgnoresBrokenFile(t *testing.T) {
	path := writeFile(t, t.TempDir(), "log_level: info\n")

	called := make(chan struct{}, 1)
	w := NewFileWatcher(path, func(*Config) { called <- struct{}{} })
	w.interval = 10 * time.Millisecond
	w.Start()

	require.NoError(t, os.WriteFile(path, []byte("log_level: [\n"), 0o644))
	future := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(path, future, future))

	select {
	case <-called:
		t.Fatal("broken config must not be applied")
	case <-time.After(100 * time.Millisecond):
	}
	w.Stop()
	assert.NotPanics(t, w.Stop)
}

func TestLoadExplicitPathWins(t *testing.T) {
	envPath := writeFile(t, t.TempDir(), "log_level: error\n")
	flagPath := writeFile(t, t.TempDir(), "log_level: debug\n")
	t.Setenv("SOCKOPS_CONFIG", envPath)

	cfg, used, err := Load(flagPath)
	require.NoError(t, err)
	assert.Equal(t, flagPath, used)
	assert.Equal(t, "debug", cfg.LogLevel)
}
