package core

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SkynetNext/sockops-binder/internal/config"
	"github.com/SkynetNext/sockops-binder/internal/maps"
	"github.com/SkynetNext/sockops-binder/internal/sockops"
)

type fakeBinder struct {
	mu        sync.Mutex
	policy    sockops.Policy
	applied   int
	inspector maps.Inspector
}

func (b *fakeBinder) Policy() sockops.Policy {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.policy
}

func (b *fakeBinder) ApplyPolicy(_ context.Context, p sockops.Policy) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.policy = p
	b.applied++
	return nil
}

func (b *fakeBinder) appliedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.applied
}

func (b *fakeBinder) Inspector() maps.Inspector { return b.inspector }
func (b *fakeBinder) IsAttached() bool          { return false }

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Metrics.Enabled = false
	cfg.Lifecycle.DrainWaitTime = 0
	return cfg
}

func TestReadyReportsDrain(t *testing.T) {
	s := NewServer(testConfig(), &fakeBinder{policy: sockops.DefaultPolicy()}, nil)
	h := s.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	s.draining.Store(true)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandlerServesMetricsAndAdmin(t *testing.T) {
	s := NewServer(testConfig(), &fakeBinder{policy: sockops.DefaultPolicy(), inspector: maps.NewMemory()}, nil)
	h := s.Handler()

	for _, path := range []string{"/metrics", "/admin/policy", "/admin/tables/pairs"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestReloadPolicyFromConfig(t *testing.T) {
	b := &fakeBinder{policy: sockops.DefaultPolicy()}
	s := NewServer(testConfig(), b, nil)

	// Unchanged policy is not reapplied.
	require.NoError(t, s.ReloadPolicy(context.Background(), "file"))
	assert.Zero(t, b.appliedCount())

	cfg := testConfig()
	cfg.Sockops.ReconnectGuard = true
	cfg.LogLevel = "debug"
	s.ApplyConfig(context.Background(), cfg)
	assert.Equal(t, 1, b.appliedCount())
	assert.True(t, b.Policy().ReconnectGuard)

	bad := testConfig()
	bad.Sockops.UnresolvedIP = "::1"
	s.ApplyConfig(context.Background(), bad)
	assert.Equal(t, 1, b.appliedCount())
}

func TestResolvePolicyWithoutRedis(t *testing.T) {
	p, err := ResolvePolicy(testConfig(), nil)
	require.NoError(t, err)
	assert.Equal(t, sockops.DefaultPolicy(), p)
}

func TestFollowUpdates(t *testing.T) {
	cfg := testConfig()
	cfg.Sockops.ReconnectGuard = true
	b := &fakeBinder{policy: sockops.DefaultPolicy()}
	s := NewServer(cfg, b, nil)

	updates := make(chan config.ConfigUpdate, 2)
	updates <- config.ConfigUpdate{Type: "unrelated"}
	updates <- config.ConfigUpdate{Type: config.UpdateTypePolicy}
	close(updates)

	done := make(chan struct{})
	go func() {
		s.followUpdates(context.Background(), updates)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("followUpdates did not return on closed channel")
	}
	assert.Equal(t, 1, b.appliedCount())
}

func TestStartAndShutdown(t *testing.T) {
	s := NewServer(testConfig(), &fakeBinder{policy: sockops.DefaultPolicy(), inspector: maps.NewMemory()}, nil)
	s.Start()
	s.GracefulShutdown(time.Second)
	assert.True(t, s.draining.Load())
}
