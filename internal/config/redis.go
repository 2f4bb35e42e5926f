package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/SkynetNext/sockops-binder/internal/sockops"
	"github.com/SkynetNext/sockops-binder/pkg/linux"
	"github.com/SkynetNext/sockops-binder/pkg/xlog"
)

var (
	ErrRedisNotEnabled = errors.New("redis store not enabled")
	ErrPolicyNotFound  = errors.New("sockops policy not found in redis")
)

// Policy hash fields.
const (
	FieldReconnectGuard = "reconnect_guard"
	FieldRedirectPort   = "redirect_port"
	FieldUnresolvedIP   = "unresolved_ip"
)

// UpdateTypePolicy marks a pub/sub notification about the sockops policy.
const UpdateTypePolicy = "sockops"

// RedisStore reads the sockops policy from Redis.
// IMPORTANT: the daemon is READ-ONLY. Writes are done by external admin tools.
type RedisStore struct {
	client  *redis.Client
	prefix  string
	ctx     context.Context
	pubsub  *redis.PubSub
	updates chan ConfigUpdate
}

// ConfigUpdate represents a configuration change notification from Redis pub/sub
type ConfigUpdate struct {
	Type string          `json:"type"` // "sockops"
	Data json.RawMessage `json:"data,omitempty"`
}

// NewRedisStore creates a new Redis configuration store (READ-ONLY).
// It returns nil, nil when Redis is disabled.
func NewRedisStore(cfg *RedisConfig) (*RedisStore, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx := context.Background()
	// Test connection
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	store := &RedisStore{
		client:  client,
		prefix:  cfg.KeyPrefix,
		ctx:     ctx,
		updates: make(chan ConfigUpdate, 10),
	}

	// Subscribe to configuration changes (for hot-reload)
	store.pubsub = client.Subscribe(ctx, store.ChangeChannel())

	go store.listenUpdates()

	xlog.Infof("Redis config store initialized (READ-ONLY): addr=%s, prefix=%s", cfg.Addr, cfg.KeyPrefix)
	return store, nil
}

// PolicyKey is the hash holding the policy overrides.
func (r *RedisStore) PolicyKey() string {
	return r.prefix + "sockops:policy"
}

// ChangeChannel is the pub/sub channel announcing changes.
func (r *RedisStore) ChangeChannel() string {
	return r.prefix + "config:changed"
}

// listenUpdates listens for Redis pub/sub messages for config hot-reload
func (r *RedisStore) listenUpdates() {
	defer close(r.updates)
	for msg := range r.pubsub.Channel() {
		update, err := parseUpdate(msg.Payload)
		if err != nil {
			xlog.Warnf("Failed to parse config update: %v", err)
			continue
		}
		select {
		case r.updates <- update:
			xlog.Infof("Received config update: type=%s", update.Type)
		default:
			xlog.Warnf("Config update channel full, dropping update")
		}
	}
}

// parseUpdate accepts a JSON ConfigUpdate or a bare type name.
func parseUpdate(payload string) (ConfigUpdate, error) {
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return ConfigUpdate{}, errors.New("empty payload")
	}
	if !strings.HasPrefix(payload, "{") {
		return ConfigUpdate{Type: payload}, nil
	}
	var update ConfigUpdate
	if err := json.Unmarshal([]byte(payload), &update); err != nil {
		return ConfigUpdate{}, err
	}
	return update, nil
}

// Updates returns a channel for receiving configuration updates
func (r *RedisStore) Updates() <-chan ConfigUpdate {
	if r == nil {
		return nil
	}
	return r.updates
}

// Close closes the Redis connection
func (r *RedisStore) Close() error {
	if r == nil {
		return nil
	}
	if r.pubsub != nil {
		r.pubsub.Close()
	}
	return r.client.Close()
}

// CheckHealth checks if Redis connection is healthy
func (r *RedisStore) CheckHealth() error {
	if r == nil {
		return ErrRedisNotEnabled
	}
	return r.client.Ping(r.ctx).Err()
}

// LoadPolicy reads the policy hash and applies it on top of base.
func (r *RedisStore) LoadPolicy(base sockops.Policy) (sockops.Policy, error) {
	if r == nil {
		return base, ErrRedisNotEnabled
	}

	fields, err := r.client.HGetAll(r.ctx, r.PolicyKey()).Result()
	if err != nil {
		return base, fmt.Errorf("failed to load sockops policy: %w", err)
	}
	if len(fields) == 0 {
		return base, ErrPolicyNotFound
	}
	return ApplyPolicyFields(base, fields)
}

// ApplyPolicyFields overrides base with the recognised hash fields.
// Unknown fields are ignored.
func ApplyPolicyFields(base sockops.Policy, fields map[string]string) (sockops.Policy, error) {
	p := base
	if v, ok := fields[FieldReconnectGuard]; ok && v != "" {
		p.ReconnectGuard = v == "1" || v == "true"
	}
	if v, ok := fields[FieldRedirectPort]; ok && v != "" {
		port, err := strconv.ParseUint(v, 10, 16)
		if err != nil {
			return base, fmt.Errorf("%s: %w", FieldRedirectPort, err)
		}
		p.RedirectPort = uint16(port)
	}
	if v, ok := fields[FieldUnresolvedIP]; ok && v != "" {
		addr, err := linux.IP2Linux(v)
		if err != nil {
			return base, fmt.Errorf("%s: %w", FieldUnresolvedIP, err)
		}
		p.UnresolvedAddr = addr
	}
	if err := p.Validate(); err != nil {
		return base, err
	}
	return p, nil
}
