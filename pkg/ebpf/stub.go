//go:build !linux

package ebpf

import (
	"context"
	"net"

	"github.com/SkynetNext/sockops-binder/internal/maps"
	"github.com/SkynetNext/sockops-binder/internal/sockops"
)

// Manager stub for non-Linux platforms. eBPF is Linux-only, so everything
// is a no-op and redirection is left to the external fallback path.
type Manager struct {
	policy sockops.Policy
}

// NewManager returns a disabled manager on non-Linux platforms
func NewManager(cfg Config) (*Manager, error) {
	return &Manager{policy: cfg.Policy}, nil
}

// AttachToCgroup is not supported on non-Linux platforms
func (m *Manager) AttachToCgroup(ctx context.Context, cgroupPath string) error {
	return ErrNotEnabled
}

// ApplyPolicy only records the policy on non-Linux platforms
func (m *Manager) ApplyPolicy(ctx context.Context, p sockops.Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	m.policy = p
	return nil
}

func (m *Manager) Policy() sockops.Policy {
	return m.policy
}

// Observe always allows on non-Linux platforms
func (m *Manager) Observe(conn net.Conn) (sockops.Verdict, error) {
	return sockops.Allow, nil
}

func (m *Manager) Inspector() maps.Inspector {
	return nil
}

func (m *Manager) Close() error {
	return nil
}

// IsEnabled always returns false on non-Linux platforms
func (m *Manager) IsEnabled() bool {
	return false
}

func (m *Manager) IsAttached() bool {
	return false
}
