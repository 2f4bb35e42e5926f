package ebpf

import (
	"github.com/cilium/ebpf"

	"github.com/SkynetNext/sockops-binder/internal/maps"
)

const (
	maxConnections = 65535
	maxProcesses   = 1024
	eventsRingSize = 1 << 18 // bytes, a multiple of the page size
)

// EventsMapName names the ring buffer outcomes are reported on.
const EventsMapName = "sockops_events"

// MapSpecs describes the four tables shared with the connect-time hook and
// the splicer. Key and value layouts follow internal/sockops.
func MapSpecs() map[string]*ebpf.MapSpec {
	return map[string]*ebpf.MapSpec{
		maps.TableOrigins: {
			Name:       maps.TableOrigins,
			Type:       ebpf.LRUHash,
			KeySize:    8,  // socket cookie
			ValueSize:  12, // sockops.OriginRecord
			MaxEntries: maxConnections,
		},
		maps.TableProcesses: {
			Name:       maps.TableProcesses,
			Type:       ebpf.LRUHash,
			KeySize:    4, // pid
			ValueSize:  4, // ipv4
			MaxEntries: maxProcesses,
		},
		maps.TablePairs: {
			Name:       maps.TablePairs,
			Type:       ebpf.LRUHash,
			KeySize:    12, // sockops.TupleKey
			ValueSize:  12, // sockops.OriginRecord
			MaxEntries: maxConnections,
		},
		maps.TableSockets: {
			Name:       maps.TableSockets,
			Type:       ebpf.SockHash,
			KeySize:    12, // sockops.TupleKey
			ValueSize:  4,  // socket fd from userspace
			MaxEntries: maxConnections,
		},
	}
}

// EventsSpec describes the outcome ring buffer. It belongs to this process
// alone and is never pinned.
func EventsSpec() *ebpf.MapSpec {
	return &ebpf.MapSpec{
		Name:       EventsMapName,
		Type:       ebpf.RingBuf,
		MaxEntries: eventsRingSize,
	}
}
