package sockops

import (
	"fmt"

	"github.com/SkynetNext/sockops-binder/pkg/linux"
)

const (
	// DefaultRedirectPort is the proxy's inbound redirect port.
	DefaultRedirectPort uint16 = 15006
	// DefaultUnresolvedIP is the address a socket reports before it is
	// bound to a concrete interface on this platform.
	DefaultUnresolvedIP = "127.0.0.6"
)

// Policy is the load-time configuration of the hook.
type Policy struct {
	// ReconnectGuard resets application connections that land on the
	// redirect port, which means redirection is misconfigured.
	ReconnectGuard bool
	RedirectPort   uint16
	// UnresolvedAddr is the sentinel local address, in kernel order.
	UnresolvedAddr uint32
}

func DefaultPolicy() Policy {
	return Policy{
		ReconnectGuard: false,
		RedirectPort:   DefaultRedirectPort,
		UnresolvedAddr: linux.MustIP2Linux(DefaultUnresolvedIP),
	}
}

func (p Policy) Validate() error {
	if p.ReconnectGuard && p.RedirectPort == 0 {
		return fmt.Errorf("reconnect guard enabled without a redirect port")
	}
	if p.UnresolvedAddr == 0 {
		return fmt.Errorf("unresolved address sentinel must be set")
	}
	return nil
}

func (p Policy) String() string {
	return fmt.Sprintf("reconnect_guard=%v redirect_port=%d unresolved=%s",
		p.ReconnectGuard, p.RedirectPort, linux.Linux2IP(p.UnresolvedAddr))
}
