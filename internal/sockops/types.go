// Package sockops classifies outbound TCP connections at establishment time
// and binds them to their original, pre-redirection destination.
//
// It is the userspace rendition of the sockops hook: the same decisions the
// kernel program in pkg/ebpf makes, expressed over table interfaces so the
// logic can run against kernel maps, in-memory tables, or both.
//
// Control flow for one establishment event:
//
//	Dispatcher.Dispatch
//	  └─ OriginStore.Lookup(cookie)      miss => Allow, no writes
//	       ├─ Learner.Learn               process -> address
//	       ├─ Binder.Bind                 tuple   -> origin record (first writer wins)
//	       └─ Registrar.Register          tuple   -> socket        (first writer wins)
package sockops

import (
	"fmt"

	"github.com/SkynetNext/sockops-binder/pkg/linux"
)

// Op is the sock_ops callback that fired.
type Op uint32

// Callback numbers from include/uapi/linux/bpf.h.
const (
	OpVoid               Op = 0
	OpTimeoutInit        Op = 1
	OpRwndInit           Op = 2
	OpTCPConnect         Op = 3
	OpActiveEstablished  Op = 4
	OpPassiveEstablished Op = 5
	OpNeedsECN           Op = 6
	OpBaseRTT            Op = 7
	OpRTO                Op = 8
	OpRetrans            Op = 9
	OpStateChange        Op = 10
	OpTCPListen          Op = 11
)

func (o Op) String() string {
	switch o {
	case OpTCPConnect:
		return "tcp_connect"
	case OpActiveEstablished:
		return "active_established"
	case OpPassiveEstablished:
		return "passive_established"
	case OpStateChange:
		return "state_change"
	case OpTCPListen:
		return "tcp_listen"
	default:
		return fmt.Sprintf("op_%d", uint32(o))
	}
}

// Family is the socket address family.
type Family uint32

const (
	FamilyIPv4 Family = 2  // AF_INET
	FamilyIPv6 Family = 10 // AF_INET6
)

// Verdict is what the hook returns to the kernel.
type Verdict int

const (
	Allow Verdict = iota
	Reset
)

// Code is the value the kernel program returns for this verdict.
func (v Verdict) Code() int32 {
	if v == Reset {
		return 1
	}
	return 0
}

func (v Verdict) String() string {
	if v == Reset {
		return "reset"
	}
	return "allow"
}

// ClassState says whether the connect-time hook still expects this core to
// classify the connection.
type ClassState uint8

const (
	Unclassified ClassState = iota
	Classified
)

func (s ClassState) String() string {
	if s == Classified {
		return "classified"
	}
	return "unclassified"
}

// FlagClassified is the bit of OriginRecord.Flags that backs ClassState.
const FlagClassified uint8 = 1

// OriginRecord is the real destination of a redirected connection, written
// by the connect-time hook. The field order and sizes match the kernel map
// value (12 bytes).
type OriginRecord struct {
	Addr  uint32
	Port  uint16
	Flags uint8
	_     uint8
	PID   uint32
}

// State decodes the classification bit.
func (r OriginRecord) State() ClassState {
	if r.Flags&FlagClassified != 0 {
		return Classified
	}
	return Unclassified
}

func (r OriginRecord) String() string {
	return fmt.Sprintf("%s:%d pid=%d flags=%#x", linux.Linux2IP(r.Addr), r.Port, r.PID, r.Flags)
}

// TupleKey identifies a connection by its four-tuple as seen at
// establishment. Addresses are in kernel order, ports in host order.
type TupleKey struct {
	LocalAddr  uint32
	RemoteAddr uint32
	LocalPort  uint16
	RemotePort uint16
}

func (k TupleKey) String() string {
	return fmt.Sprintf("%s:%d->%s:%d",
		linux.Linux2IP(k.LocalAddr), k.LocalPort,
		linux.Linux2IP(k.RemoteAddr), k.RemotePort)
}

// Socket is the live socket handle published into the socket registry.
type Socket interface {
	Cookie() uint64
}

// Conn is the context the kernel hands the hook for one event.
type Conn struct {
	Op         Op
	Family     Family
	Cookie     uint64
	LocalAddr  uint32
	RemoteAddr uint32
	LocalPort  uint16
	RemotePort uint16
	// Socket is published into the socket registry when set. A nil Socket
	// skips registration; Outcome.RegisterTried tells it apart from a
	// conflict.
	Socket Socket
}

// Tuple derives the four-tuple key for this connection.
func (c Conn) Tuple() TupleKey {
	return TupleKey{
		LocalAddr:  c.LocalAddr,
		RemoteAddr: c.RemoteAddr,
		LocalPort:  c.LocalPort,
		RemotePort: c.RemotePort,
	}
}

// Classification is the Learner's decision about which side is the proxy.
type Classification int

const (
	Unknown Classification = iota
	// AppToProxy: an application connecting to the proxy on this node.
	AppToProxy
	// ProxyToProxy: the proxy on this node connecting out to another proxy.
	ProxyToProxy
)

func (c Classification) String() string {
	switch c {
	case AppToProxy:
		return "app_to_proxy"
	case ProxyToProxy:
		return "proxy_to_proxy"
	default:
		return "unknown"
	}
}
