package discovery

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SkynetNext/sockops-binder/pkg/linux"
)

func TestNewNodeFromEnv(t *testing.T) {
	t.Setenv("NODE_NAME", "worker-1")
	t.Setenv("POD_NAME", "binder-abc")
	t.Setenv("POD_NAMESPACE", "mesh-system")

	n := NewNode("")
	assert.Equal(t, "worker-1", n.Name)
	assert.Equal(t, "binder-abc", n.Pod)
	assert.Equal(t, "mesh-system", n.Namespace)
}

func TestIsLocalUsesIPListFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ips")
	require.NoError(t, os.WriteFile(path, []byte("10.0.0.5/24\n192.168.1.9/32\n"), 0o644))

	n := NewNode(path)
	assert.True(t, n.IsLocal(linux.MustIP2Linux("10.0.0.5")))
	assert.True(t, n.IsLocal(linux.MustIP2Linux("192.168.1.9")))
	assert.False(t, n.IsLocal(linux.MustIP2Linux("10.0.0.6")))
}

func TestIsLocalCaches(t *testing.T) {
	calls := 0
	now := time.Unix(1000, 0)
	n := NewNode("")
	n.isLocal = func(ip, _ string) bool {
		calls++
		return ip == "10.0.0.5"
	}
	n.now = func() time.Time { return now }

	addr := linux.MustIP2Linux("10.0.0.5")
	assert.True(t, n.IsLocal(addr))
	assert.True(t, n.IsLocal(addr))
	assert.Equal(t, 1, calls)

	now = now.Add(localCacheTTL + time.Second)
	assert.True(t, n.IsLocal(addr))
	assert.Equal(t, 2, calls)

	n.Refresh()
	assert.True(t, n.IsLocal(addr))
	assert.Equal(t, 3, calls)
}

func TestIsLocalLoopbackInterface(t *testing.T) {
	assert.True(t, NewNode("").IsLocal(linux.MustIP2Linux("127.0.0.1")))
}
