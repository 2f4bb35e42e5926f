package ebpf

import (
	"errors"

	"github.com/SkynetNext/sockops-binder/internal/sockops"
)

var ErrNotEnabled = errors.New("eBPF not enabled")

// Config configures a Manager.
type Config struct {
	// PinPath is the bpffs directory the maps are pinned under so the
	// connect-time hook and the splicer can open them. Empty disables pinning.
	PinPath string
	// UnpinOnClose removes the pins on Close, clearing the tables.
	UnpinOnClose bool
	Policy       sockops.Policy
	// Observer sees every userspace dispatch (see Manager.Observe) and,
	// on kernels with ring buffers, every kernel hook event that found an
	// origin record. Lookup misses in the kernel are not reported.
	Observer sockops.Observer
}
