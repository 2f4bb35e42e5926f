package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/SkynetNext/sockops-binder/internal/sockops"
	"github.com/SkynetNext/sockops-binder/pkg/linux"
)

// Config holds all daemon configuration
type Config struct {
	Sockops   SockopsConfig   `yaml:"sockops"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Tracing   TracingConfig   `yaml:"tracing"`
	Redis     RedisConfig     `yaml:"redis"`
	Inspect   InspectConfig   `yaml:"inspect"`
	Audit     AuditConfig     `yaml:"audit"`
	Lifecycle LifecycleConfig `yaml:"lifecycle"`
	LogLevel  string          `yaml:"log_level" env:"LOG_LEVEL"`
}

type SockopsConfig struct {
	// Reset connections from the proxy that land back on its own inbound port
	ReconnectGuard bool   `yaml:"reconnect_guard" env:"SOCKOPS_RECONNECT_GUARD"`
	RedirectPort   int    `yaml:"redirect_port" env:"SOCKOPS_REDIRECT_PORT"`
	UnresolvedIP   string `yaml:"unresolved_ip" env:"SOCKOPS_UNRESOLVED_IP"`
	// Empty means auto-detect the cgroup v2 root
	CgroupPath  string `yaml:"cgroup_path" env:"SOCKOPS_CGROUP_PATH"`
	BPFFSPath   string `yaml:"bpffs_path" env:"SOCKOPS_BPFFS_PATH"`
	UnpinOnExit bool   `yaml:"unpin_on_exit" env:"SOCKOPS_UNPIN_ON_EXIT"`
	// Optional file listing this node's addresses, one per line
	NodeIPListFile string `yaml:"node_ip_list_file" env:"SOCKOPS_NODE_IP_LIST_FILE"`
}

type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled" env:"METRICS_ENABLED"`
	ListenAddr string `yaml:"listen_addr" env:"METRICS_LISTEN_ADDR"`
}

type TracingConfig struct {
	// Empty disables tracing
	JaegerEndpoint string `yaml:"jaeger_endpoint" env:"JAEGER_ENDPOINT"`
	ServiceName    string `yaml:"service_name" env:"SERVICE_NAME"`
}

type RedisConfig struct {
	Enabled   bool   `yaml:"enabled" env:"REDIS_ENABLED"`
	Addr      string `yaml:"addr" env:"REDIS_ADDR"`
	Password  string `yaml:"password" env:"REDIS_PASSWORD"`
	DB        int    `yaml:"db" env:"REDIS_DB"`
	KeyPrefix string `yaml:"key_prefix" env:"REDIS_KEY_PREFIX"`
}

type InspectConfig struct {
	Interval time.Duration `yaml:"interval" env:"INSPECT_INTERVAL"`
}

type AuditConfig struct {
	Enabled    bool `yaml:"enabled" env:"AUDIT_ENABLED"`
	BufferSize int  `yaml:"buffer_size" env:"AUDIT_BUFFER_SIZE"`
}

type LifecycleConfig struct {
	// Graceful shutdown timeout for the admin server
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// How long /ready reports 503 before the server stops
	DrainWaitTime time.Duration `yaml:"drain_wait_time" env:"DRAIN_WAIT_TIME"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Sockops: SockopsConfig{
			ReconnectGuard: false,
			RedirectPort:   int(sockops.DefaultRedirectPort),
			UnresolvedIP:   sockops.DefaultUnresolvedIP,
			BPFFSPath:      "/sys/fs/bpf/sockops",
			UnpinOnExit:    true,
		},
		Metrics: MetricsConfig{
			Enabled:    true,
			ListenAddr: ":9090",
		},
		Tracing: TracingConfig{
			ServiceName: "sockops-binder",
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			KeyPrefix: "mesh:",
		},
		Inspect: InspectConfig{
			Interval: 15 * time.Second,
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 1024,
		},
		Lifecycle: LifecycleConfig{
			ShutdownTimeout: 30 * time.Second,
			DrainWaitTime:   5 * time.Second,
		},
		LogLevel: "info",
	}
}

// LoadConfig loads configuration from environment variables with defaults
func LoadConfig() *Config {
	cfg := Default()
	cfg.applyEnv()
	return cfg
}

// LoadConfigFromFile loads config from a YAML file, then applies
// environment overrides.
func LoadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	s := &c.Sockops
	s.ReconnectGuard = getEnvBool("SOCKOPS_RECONNECT_GUARD", s.ReconnectGuard)
	s.RedirectPort = getEnvInt("SOCKOPS_REDIRECT_PORT", s.RedirectPort)
	s.UnresolvedIP = getEnv("SOCKOPS_UNRESOLVED_IP", s.UnresolvedIP)
	s.CgroupPath = getEnv("SOCKOPS_CGROUP_PATH", s.CgroupPath)
	s.BPFFSPath = getEnv("SOCKOPS_BPFFS_PATH", s.BPFFSPath)
	s.UnpinOnExit = getEnvBool("SOCKOPS_UNPIN_ON_EXIT", s.UnpinOnExit)
	s.NodeIPListFile = getEnv("SOCKOPS_NODE_IP_LIST_FILE", s.NodeIPListFile)

	c.Metrics.Enabled = getEnvBool("METRICS_ENABLED", c.Metrics.Enabled)
	c.Metrics.ListenAddr = getEnv("METRICS_LISTEN_ADDR", c.Metrics.ListenAddr)

	c.Tracing.JaegerEndpoint = getEnv("JAEGER_ENDPOINT", c.Tracing.JaegerEndpoint)
	c.Tracing.ServiceName = getEnv("SERVICE_NAME", c.Tracing.ServiceName)

	c.Redis.Enabled = getEnvBool("REDIS_ENABLED", c.Redis.Enabled)
	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = getEnvInt("REDIS_DB", c.Redis.DB)
	c.Redis.KeyPrefix = getEnv("REDIS_KEY_PREFIX", c.Redis.KeyPrefix)

	c.Inspect.Interval = getEnvDuration("INSPECT_INTERVAL", c.Inspect.Interval)

	c.Audit.Enabled = getEnvBool("AUDIT_ENABLED", c.Audit.Enabled)
	c.Audit.BufferSize = getEnvInt("AUDIT_BUFFER_SIZE", c.Audit.BufferSize)

	c.Lifecycle.ShutdownTimeout = getEnvDuration("SHUTDOWN_TIMEOUT", c.Lifecycle.ShutdownTimeout)
	c.Lifecycle.DrainWaitTime = getEnvDuration("DRAIN_WAIT_TIME", c.Lifecycle.DrainWaitTime)

	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
}

// Policy converts the sockops section into the dispatcher policy.
func (s SockopsConfig) Policy() (sockops.Policy, error) {
	if s.RedirectPort < 0 || s.RedirectPort > 65535 {
		return sockops.Policy{}, fmt.Errorf("redirect_port %d out of range", s.RedirectPort)
	}
	addr, err := linux.IP2Linux(s.UnresolvedIP)
	if err != nil {
		return sockops.Policy{}, fmt.Errorf("unresolved_ip: %w", err)
	}
	p := sockops.Policy{
		ReconnectGuard: s.ReconnectGuard,
		RedirectPort:   uint16(s.RedirectPort),
		UnresolvedAddr: addr,
	}
	if err := p.Validate(); err != nil {
		return sockops.Policy{}, err
	}
	return p, nil
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1"
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}
