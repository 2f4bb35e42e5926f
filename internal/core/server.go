package core

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/SkynetNext/sockops-binder/internal/api"
	"github.com/SkynetNext/sockops-binder/internal/config"
	"github.com/SkynetNext/sockops-binder/internal/discovery"
	"github.com/SkynetNext/sockops-binder/internal/inspect"
	"github.com/SkynetNext/sockops-binder/internal/maps"
	"github.com/SkynetNext/sockops-binder/internal/metrics"
	"github.com/SkynetNext/sockops-binder/internal/sockops"
	"github.com/SkynetNext/sockops-binder/pkg/xlog"
)

// Binder is the loaded sockops hook.
type Binder interface {
	api.PolicyController
	Inspector() maps.Inspector
	IsAttached() bool
}

type Server struct {
	mu         sync.RWMutex
	cfg        *config.Config
	binder     Binder
	redisStore *config.RedisStore
	node       *discovery.Node
	admin      *api.AdminAPI
	sampler    *inspect.Sampler
	httpServer *http.Server

	draining atomic.Bool
	cancel   context.CancelFunc
	group    errgroup.Group
}

func NewServer(cfg *config.Config, binder Binder, store *config.RedisStore) *Server {
	node := discovery.NewNode(cfg.Sockops.NodeIPListFile)
	inspector := binder.Inspector()

	s := &Server{
		cfg:        cfg,
		binder:     binder,
		redisStore: store,
		node:       node,
		admin:      api.NewAdminAPI(cfg, binder, inspector, node, store),
	}
	if inspector != nil {
		s.sampler = inspect.NewSampler(inspector, cfg.Inspect.Interval)
	}
	return s
}

// Handler serves metrics, probes and the admin API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/ready", s.readyHandler) // K8s Readiness Probe
	s.admin.RegisterRoutes(mux)
	return mux
}

func (s *Server) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	metrics.SetProgramLoaded(s.binder.IsAttached())

	// 1. Start Metrics/Admin Server (if enabled)
	if s.cfg.Metrics.Enabled {
		s.httpServer = &http.Server{
			Addr:              s.cfg.Metrics.ListenAddr,
			Handler:           s.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		s.group.Go(func() error {
			xlog.Infof("Metrics server listening on %s", s.cfg.Metrics.ListenAddr)
			if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				xlog.Errorf("Metrics server error: %v", err)
				return err
			}
			return nil
		})
	}

	// 2. Start table sampler
	if s.sampler != nil {
		s.sampler.Start()
	}

	// 3. Follow Redis policy changes
	if updates := s.redisStore.Updates(); updates != nil {
		s.group.Go(func() error {
			s.followUpdates(ctx, updates)
			return nil
		})
	}
}

func (s *Server) followUpdates(ctx context.Context, updates <-chan config.ConfigUpdate) {
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			if u.Type != config.UpdateTypePolicy {
				continue
			}
			if err := s.ReloadPolicy(ctx, "redis"); err != nil {
				xlog.Errorf("Policy reload from Redis failed: %v", err)
			}
		}
	}
}

// ReloadPolicy recomputes the policy from config and Redis and applies it.
func (s *Server) ReloadPolicy(ctx context.Context, source string) error {
	s.mu.RLock()
	cfg := s.cfg
	s.mu.RUnlock()

	p, err := ResolvePolicy(cfg, s.redisStore)
	if err != nil {
		return err
	}
	if p == s.binder.Policy() {
		return nil
	}
	if err := s.binder.ApplyPolicy(ctx, p); err != nil {
		return err
	}
	metrics.RecordPolicyReload(source)
	xlog.Infof("Policy reloaded from %s: %s", source, p)
	return nil
}

// ApplyConfig takes a reloaded config file into use. Only the log level and
// the policy are hot-reloadable; other sections need a restart.
func (s *Server) ApplyConfig(ctx context.Context, cfg *config.Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()

	xlog.SetLevel(cfg.LogLevel)
	s.admin.UpdateConfig(cfg)
	if err := s.ReloadPolicy(ctx, "file"); err != nil {
		xlog.Errorf("Policy reload from file failed: %v", err)
	}
}

// ResolvePolicy builds the policy from the config file, overridden by the
// Redis policy hash when present.
func ResolvePolicy(cfg *config.Config, store *config.RedisStore) (sockops.Policy, error) {
	p, err := cfg.Sockops.Policy()
	if err != nil {
		return sockops.Policy{}, err
	}
	if store == nil {
		return p, nil
	}
	override, err := store.LoadPolicy(p)
	switch {
	case errors.Is(err, config.ErrPolicyNotFound):
		return p, nil
	case err != nil:
		return sockops.Policy{}, err
	}
	return override, nil
}

// GracefulShutdown handles the shutdown process
func (s *Server) GracefulShutdown(timeout time.Duration) {
	xlog.Infof("Entering Drain Mode...")

	// 1. Mark as Draining
	// This causes /ready to return 503, prompting K8s to remove this pod from endpoints
	s.draining.Store(true)

	s.mu.RLock()
	drainWait := s.cfg.Lifecycle.DrainWaitTime
	s.mu.RUnlock()
	if drainWait > 0 {
		xlog.Infof("Waiting %v for K8s to deregister endpoints...", drainWait)
		time.Sleep(drainWait)
	}

	// 2. Stop background work
	if s.cancel != nil {
		s.cancel()
	}
	if s.sampler != nil {
		s.sampler.Stop()
	}

	// 3. Stop the HTTP server
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			xlog.Warnf("Metrics server shutdown: %v", err)
		}
	}

	// 4. Wait for all goroutines to finish
	if err := s.group.Wait(); err != nil {
		xlog.Warnf("Background task failed: %v", err)
	}
	if s.redisStore != nil {
		if err := s.redisStore.Close(); err != nil {
			xlog.Warnf("Failed to close Redis store: %v", err)
		}
	}
	xlog.Infof("All goroutines finished. Shutdown complete.")
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// readyHandler for K8s Readiness Probe
func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() {
		// In drain mode, return 503 to signal K8s to stop sending traffic
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("Draining"))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Ready"))
}
