package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/SkynetNext/sockops-binder/internal/audit"
	"github.com/SkynetNext/sockops-binder/internal/config"
	"github.com/SkynetNext/sockops-binder/internal/core"
	"github.com/SkynetNext/sockops-binder/internal/discovery"
	"github.com/SkynetNext/sockops-binder/internal/metrics"
	"github.com/SkynetNext/sockops-binder/internal/observability"
	"github.com/SkynetNext/sockops-binder/internal/sockops"
	"github.com/SkynetNext/sockops-binder/pkg/ebpf"
	"github.com/SkynetNext/sockops-binder/pkg/xlog"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  = pflag.String("config", "", "Path to the YAML config file. Empty uses SOCKOPS_CONFIG or the standard ConfigMap mounts.")
		logLevel    = pflag.String("log-level", "", "Override the configured log level (debug, info, warn, error)")
		showVersion = pflag.Bool("version", false, "Print the version and exit")
	)
	pflag.CommandLine.SortFlags = false
	pflag.Parse()

	if *showVersion {
		fmt.Println(version)
		return nil
	}

	// 1. Load configuration
	cfg, cfgPath, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	xlog.SetLevel(cfg.LogLevel)
	xlog.Infof("Starting sockops-binder %s...", version)

	// 2. Tracing
	shutdownTracing, err := observability.InitTracing(observability.TracingOptions{
		ServiceName:    cfg.Tracing.ServiceName,
		JaegerEndpoint: cfg.Tracing.JaegerEndpoint,
		Version:        version,
		NodeName:       discovery.GetNodeName(),
	})
	if err != nil {
		xlog.Warnf("Tracing disabled: %v", err)
		shutdownTracing = func(context.Context) error { return nil }
	}

	// 3. Redis policy store (READ-ONLY, optional)
	store, err := config.NewRedisStore(&cfg.Redis)
	if err != nil {
		xlog.Warnf("Redis unavailable, using file/env policy only: %v", err)
		store = nil
	}

	policy, err := core.ResolvePolicy(cfg, store)
	if err != nil {
		return fmt.Errorf("invalid sockops policy: %w", err)
	}

	// 4. Observers for userspace dispatches
	observers := sockops.Observers{metrics.Observer{}}
	var auditLog *audit.Logger
	if cfg.Audit.Enabled {
		auditLog = audit.New(cfg.Audit.BufferSize, nil)
		observers = append(observers, auditLog)
	}

	// 5. Load the sockops program and attach it
	mgr, err := ebpf.NewManager(ebpf.Config{
		PinPath:      cfg.Sockops.BPFFSPath,
		UnpinOnClose: cfg.Sockops.UnpinOnExit,
		Policy:       policy,
		Observer:     observers,
	})
	if err != nil {
		return fmt.Errorf("failed to create sockops manager: %w", err)
	}

	ctx := context.Background()
	if err := mgr.AttachToCgroup(ctx, cfg.Sockops.CgroupPath); err != nil {
		if errors.Is(err, ebpf.ErrNotEnabled) {
			xlog.Warnf("sockops program not loaded, connections fall back to table-based redirection")
		} else {
			xlog.Errorf("Failed to attach sockops program: %v", err)
		}
	}

	// 6. Start metrics/admin server, sampler and policy reloads
	server := core.NewServer(cfg, mgr, store)
	server.Start()

	// 7. Hot-reload the mounted config file
	var watcher *config.FileWatcher
	if cfgPath != "" {
		watcher = config.NewFileWatcher(cfgPath, func(c *config.Config) {
			if *logLevel != "" {
				c.LogLevel = *logLevel
			}
			server.ApplyConfig(ctx, c)
		})
		watcher.Start()
	}

	// 8. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	xlog.Infof("Shutting down...")
	if watcher != nil {
		watcher.Stop()
	}
	server.GracefulShutdown(cfg.Lifecycle.ShutdownTimeout)
	if err := mgr.Close(); err != nil {
		xlog.Warnf("Failed to close sockops manager: %v", err)
	}
	if auditLog != nil {
		auditLog.Close()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Lifecycle.ShutdownTimeout)
	defer cancel()
	if err := shutdownTracing(shutdownCtx); err != nil {
		xlog.Warnf("Tracing shutdown: %v", err)
	}
	xlog.Infof("sockops-binder exited")
	return nil
}
