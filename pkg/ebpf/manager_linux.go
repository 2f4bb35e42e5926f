//go:build linux

package ebpf

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/cilium/ebpf/rlimit"

	"github.com/SkynetNext/sockops-binder/internal/maps"
	"github.com/SkynetNext/sockops-binder/internal/observability"
	"github.com/SkynetNext/sockops-binder/internal/sockops"
	"github.com/SkynetNext/sockops-binder/pkg/xlog"
)

// Manager owns the sockops maps, the assembled program and its cgroup link.
type Manager struct {
	cfg Config

	mu         sync.RWMutex
	maps       map[string]*ebpf.Map
	kernel     *maps.Kernel
	prog       *ebpf.Program
	cgroupLink link.Link
	policy     sockops.Policy
	dispatcher *sockops.Dispatcher
	enabled    bool

	// events carries the kernel hook's outcomes to cfg.Observer.
	events       *ebpf.Map
	eventsReader *ringbuf.Reader
	eventsDone   chan struct{}
}

// NewManager creates the maps and loads the program. When the kernel or
// the process privileges do not allow it, a disabled manager is returned
// and redirection falls back to the external path.
func NewManager(cfg Config) (*Manager, error) {
	if err := cfg.Policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy: %w", err)
	}

	// Allow the current process to lock memory for eBPF resources.
	if err := rlimit.RemoveMemlock(); err != nil {
		xlog.Warnf("Failed to remove memlock limit: %v", err)
	}

	if !isEBPFSupported() {
		xlog.Infof("eBPF not supported on this system (insufficient permissions or MEMLOCK limit too low), sockops binding disabled")
		xlog.Infof("To enable eBPF: run with CAP_BPF capability or as root, and ensure MEMLOCK limit is sufficient")
		return &Manager{cfg: cfg, policy: cfg.Policy}, nil
	}

	m := &Manager{cfg: cfg, policy: cfg.Policy}
	if err := m.loadMaps(); err != nil {
		m.closeMaps()
		logLoadFailure(err)
		return &Manager{cfg: cfg, policy: cfg.Policy}, nil
	}

	if cfg.Observer != nil {
		if err := m.loadEvents(); err != nil {
			xlog.Warnf("Kernel outcome reporting disabled: %v", err)
		}
	}

	prog, err := m.newProgram(cfg.Policy)
	if err != nil && m.events != nil {
		xlog.Warnf("Loading %s with outcome reporting failed, retrying without: %v", ProgramName, err)
		m.closeEvents()
		prog, err = m.newProgram(cfg.Policy)
	}
	if err != nil {
		m.closeEvents()
		m.closeMaps()
		logLoadFailure(err)
		return &Manager{cfg: cfg, policy: cfg.Policy}, nil
	}

	d, err := sockops.NewDispatcher(cfg.Policy, m.kernel.Tables(), cfg.Observer)
	if err != nil {
		prog.Close()
		m.closeEvents()
		m.closeMaps()
		return nil, err
	}

	m.prog = prog
	m.dispatcher = d
	m.enabled = true
	m.startEvents()
	xlog.Infof("eBPF sockops program loaded (%s)", cfg.Policy)
	return m, nil
}

func (m *Manager) loadMaps() error {
	opts := ebpf.MapOptions{}
	if m.cfg.PinPath != "" {
		if err := os.MkdirAll(m.cfg.PinPath, 0o755); err != nil {
			return fmt.Errorf("creating pin path %s: %w", m.cfg.PinPath, err)
		}
		opts.PinPath = m.cfg.PinPath
	}

	m.maps = make(map[string]*ebpf.Map)
	for name, spec := range MapSpecs() {
		if opts.PinPath != "" {
			spec.Pinning = ebpf.PinByName
		}
		em, err := ebpf.NewMapWithOptions(spec, opts)
		if err != nil {
			return fmt.Errorf("map %s: map create: %w", name, err)
		}
		m.maps[name] = em
	}

	m.kernel = &maps.Kernel{
		Origins:   m.maps[maps.TableOrigins],
		Processes: m.maps[maps.TableProcesses],
		Pairs:     m.maps[maps.TablePairs],
		Sockets:   m.maps[maps.TableSockets],
	}
	return nil
}

// loadEvents creates the outcome ring buffer (Linux 5.8+) and its reader.
func (m *Manager) loadEvents() error {
	events, err := ebpf.NewMap(EventsSpec())
	if err != nil {
		return fmt.Errorf("map %s: map create: %w", EventsMapName, err)
	}
	reader, err := ringbuf.NewReader(events)
	if err != nil {
		events.Close()
		return fmt.Errorf("create ringbuf reader: %w", err)
	}
	m.events = events
	m.eventsReader = reader
	return nil
}

func (m *Manager) startEvents() {
	if m.eventsReader == nil {
		return
	}
	m.eventsDone = make(chan struct{})
	go readEvents(m.eventsReader, m.cfg.Observer, m.eventsDone)
}

// readEvents feeds decoded kernel outcomes to obs until the reader closes.
func readEvents(rd *ringbuf.Reader, obs sockops.Observer, done chan<- struct{}) {
	defer close(done)
	for {
		record, err := rd.Read()
		if err != nil {
			if errors.Is(err, ringbuf.ErrClosed) {
				return
			}
			xlog.Warnf("Reading sockops event: %v", err)
			continue
		}
		out, err := decodeEvent(record.RawSample)
		if err != nil {
			xlog.Warnf("Dropping sockops event: %v", err)
			continue
		}
		obs.Observe(out)
	}
}

// closeEvents stops the reader goroutine, if running, then frees the ring.
func (m *Manager) closeEvents() error {
	var errs []error
	if m.eventsReader != nil {
		errs = append(errs, m.eventsReader.Close())
		m.eventsReader = nil
	}
	if m.eventsDone != nil {
		<-m.eventsDone
		m.eventsDone = nil
	}
	if m.events != nil {
		errs = append(errs, m.events.Close())
		m.events = nil
	}
	return errors.Join(errs...)
}

func (m *Manager) newProgram(p sockops.Policy) (*ebpf.Program, error) {
	pm := ProgramMaps{
		Origins:   m.maps[maps.TableOrigins].FD(),
		Processes: m.maps[maps.TableProcesses].FD(),
		Pairs:     m.maps[maps.TablePairs].FD(),
		Sockets:   m.maps[maps.TableSockets].FD(),
	}
	if m.events != nil {
		pm.Events = m.events.FD()
	}
	spec := SockOpsSpec(pm, p)
	prog, err := ebpf.NewProgram(spec)
	if err != nil {
		return nil, fmt.Errorf("program %s: %w", ProgramName, err)
	}
	return prog, nil
}

func logLoadFailure(err error) {
	errMsg := err.Error()
	xlog.Warnf("Failed to load eBPF objects: %v", err)

	switch {
	case strings.Contains(errMsg, "map create"):
		errorType := "unknown"
		if strings.Contains(errMsg, "invalid argument") {
			errorType = "EINVAL (Invalid argument)"
		} else if strings.Contains(errMsg, "operation not permitted") {
			errorType = "EPERM (Operation not permitted)"
		}
		xlog.Warnf("eBPF map creation failed: %s", errorType)
		if strings.Contains(errMsg, maps.TableSockets) {
			xlog.Warnf("Troubleshooting:")
			xlog.Warnf("  1. Check kernel version: uname -r (need >= 4.18 for SOCKHASH)")
			xlog.Warnf("  2. Check kernel config: grep CONFIG_BPF_STREAM_PARSER /boot/config-$(uname -r)")
		}
	case strings.Contains(errMsg, "program"):
		var verr *ebpf.VerifierError
		if errors.As(err, &verr) {
			xlog.Warnf("Verifier rejected %s: %+v", ProgramName, verr)
		}
	}

	if kernelLogs := readKernelLogs(); kernelLogs != "" {
		xlog.Debugf("Recent kernel logs (dmesg):\n%s", kernelLogs)
	}
	xlog.Infof("Falling back to the external redirection path.")
}

// readKernelLogs reads recent kernel logs related to BPF
func readKernelLogs() string {
	output, err := exec.Command("dmesg").CombinedOutput()
	if err != nil {
		return ""
	}

	lines := strings.Split(string(output), "\n")
	var bpfLines []string
	for i := len(lines) - 1; i >= 0 && len(bpfLines) < 20; i-- {
		line := strings.ToLower(lines[i])
		if strings.Contains(line, "bpf") || strings.Contains(line, "sockops") ||
			strings.Contains(line, "sockhash") {
			bpfLines = append([]string{lines[i]}, bpfLines...)
		}
	}
	return strings.Join(bpfLines, "\n")
}

// findCgroupPath returns the mount point of the cgroup v2 hierarchy. Both
// the hybrid layout (v1 controllers + unified) and pure v2 are handled.
func findCgroupPath() string {
	for _, path := range []string{
		"/sys/fs/cgroup/unified",
		"/sys/fs/cgroup",
	} {
		var st syscall.Statfs_t
		if err := syscall.Statfs(path, &st); err == nil && st.Type == cgroup2SuperMagic {
			return path
		}
	}
	return "/sys/fs/cgroup"
}

const cgroup2SuperMagic = 0x63677270

// AttachToCgroup attaches the sockops program to a cgroup v2 directory.
func (m *Manager) AttachToCgroup(ctx context.Context, cgroupPath string) (err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.enabled {
		return ErrNotEnabled
	}
	if m.cgroupLink != nil {
		return errors.New("sockops program already attached")
	}

	if cgroupPath == "" || cgroupPath == "/sys/fs/cgroup" {
		if detected := findCgroupPath(); detected != cgroupPath {
			xlog.Debugf("Auto-detected cgroup path: %s", detected)
			cgroupPath = detected
		}
	}
	_, span := observability.StartAttach(ctx, cgroupPath)
	defer func() { observability.Finish(span, err) }()

	l, err := link.AttachCgroup(link.CgroupOptions{
		Path:    cgroupPath,
		Attach:  ebpf.AttachCGroupSockOps,
		Program: m.prog,
	})
	if err != nil {
		return fmt.Errorf("attaching sockops to cgroup %s: %w", cgroupPath, err)
	}

	m.cgroupLink = l
	xlog.Infof("eBPF sockops attached to cgroup: %s", cgroupPath)
	return nil
}

// ApplyPolicy reassembles the program with p and swaps it in place on the
// cgroup link. Tables are untouched.
func (m *Manager) ApplyPolicy(ctx context.Context, p sockops.Policy) (err error) {
	_, span := observability.StartApplyPolicy(ctx, p)
	defer func() { observability.Finish(span, err) }()

	if err := p.Validate(); err != nil {
		return fmt.Errorf("invalid policy: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.enabled {
		m.policy = p
		return nil
	}
	if p == m.policy {
		return nil
	}

	prog, err := m.newProgram(p)
	if err != nil {
		return err
	}
	d, err := sockops.NewDispatcher(p, m.kernel.Tables(), m.cfg.Observer)
	if err != nil {
		prog.Close()
		return err
	}
	if m.cgroupLink != nil {
		if err := m.cgroupLink.Update(prog); err != nil {
			prog.Close()
			return fmt.Errorf("replacing sockops program: %w", err)
		}
	}

	old := m.prog
	m.prog = prog
	m.dispatcher = d
	m.policy = p
	if old != nil {
		old.Close()
	}
	xlog.Infof("sockops policy applied (%s)", p)
	return nil
}

// Policy returns the policy currently in effect.
func (m *Manager) Policy() sockops.Policy {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.policy
}

// Observe runs the establishment path in userspace for a connection the
// caller just dialed, against the kernel tables. It covers sockets the
// kernel hook did not see, e.g. when the program is loaded but not
// attached. On Reset the connection has already been aborted.
//
// The tables stay open for the whole dispatch; Close waits for it.
func (m *Manager) Observe(conn net.Conn) (sockops.Verdict, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d := m.dispatcher
	if d == nil {
		return sockops.Allow, nil
	}

	tc, err := tcpConn(conn)
	if err != nil {
		return sockops.Allow, err
	}
	c, err := establishedConn(tc)
	if err != nil {
		return sockops.Allow, err
	}

	verdict := sockops.Allow
	if err := withSocket(tc, c, func(c sockops.Conn) {
		verdict = d.Dispatch(c)
	}); err != nil {
		return sockops.Allow, err
	}
	if verdict == sockops.Reset {
		if err := resetConn(tc); err != nil {
			return verdict, fmt.Errorf("resetting connection: %w", err)
		}
	}
	return verdict, nil
}

// Inspector exposes the kernel tables for dumps. Nil when disabled.
func (m *Manager) Inspector() maps.Inspector {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.enabled {
		return nil
	}
	return m.kernel
}

// Close detaches and releases everything. Pinned maps are removed from
// bpffs only when UnpinOnClose is set.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.enabled {
		return nil
	}

	var errs []error
	// Stop reporting first; the reader must not outlive the ring.
	errs = append(errs, m.closeEvents())
	if m.cgroupLink != nil {
		errs = append(errs, m.cgroupLink.Close())
		m.cgroupLink = nil
	}
	if m.prog != nil {
		errs = append(errs, m.prog.Close())
		m.prog = nil
	}
	if m.cfg.UnpinOnClose {
		for name, em := range m.maps {
			if err := em.Unpin(); err != nil {
				errs = append(errs, fmt.Errorf("unpin %s: %w", name, err))
			}
		}
		if m.cfg.PinPath != "" {
			_ = os.Remove(filepath.Clean(m.cfg.PinPath))
		}
	}
	m.closeMaps()
	m.dispatcher = nil
	m.enabled = false

	xlog.Infof("eBPF sockops manager closed")
	return errors.Join(errs...)
}

func (m *Manager) closeMaps() {
	for _, em := range m.maps {
		em.Close()
	}
	m.maps = nil
}

// IsEnabled returns whether the kernel program is loaded.
func (m *Manager) IsEnabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enabled
}

// IsAttached returns whether the program is attached to a cgroup.
func (m *Manager) IsAttached() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cgroupLink != nil
}

// isEBPFSupported checks if the system supports eBPF
func isEBPFSupported() bool {
	spec := &ebpf.MapSpec{
		Type:       ebpf.Hash,
		KeySize:    4,
		ValueSize:  4,
		MaxEntries: 1,
	}

	m, err := ebpf.NewMap(spec)
	if err != nil {
		if strings.Contains(err.Error(), "operation not permitted") {
			xlog.Debugf("eBPF map creation failed: %v", err)
			xlog.Debugf("Hint: Need CAP_BPF or CAP_SYS_ADMIN capability, or run as root")
		} else {
			xlog.Debugf("eBPF map creation test failed: %v", err)
		}
		return false
	}
	m.Close()
	return true
}
