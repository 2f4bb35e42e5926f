package maps

import (
	"errors"
	"fmt"

	"github.com/cilium/ebpf"

	"github.com/SkynetNext/sockops-binder/internal/sockops"
)

// ErrNoFD is returned when a socket cannot be placed in a kernel sockhash
// because it does not expose a file descriptor.
var ErrNoFD = errors.New("socket has no file descriptor")

// FileSocket is a socket that can be inserted into a kernel sockhash.
type FileSocket interface {
	sockops.Socket
	FD() int
}

// KernelOrigins reads cookie_original_dst.
type KernelOrigins struct{ Map *ebpf.Map }

func (k KernelOrigins) Lookup(cookie uint64) (sockops.OriginRecord, bool, error) {
	var rec sockops.OriginRecord
	if err := k.Map.Lookup(&cookie, &rec); err != nil {
		if errors.Is(err, ebpf.ErrKeyNotExist) {
			return sockops.OriginRecord{}, false, nil
		}
		return sockops.OriginRecord{}, false, err
	}
	return rec, true, nil
}

// Put writes an origin record. The connect-time hook owns this map; Put
// exists for tooling and tests.
func (k KernelOrigins) Put(cookie uint64, rec sockops.OriginRecord) error {
	return k.Map.Update(&cookie, &rec, ebpf.UpdateAny)
}

// KernelProcesses writes process_ip.
type KernelProcesses struct{ Map *ebpf.Map }

func (k KernelProcesses) Put(pid uint32, addr uint32) error {
	return k.Map.Update(&pid, &addr, ebpf.UpdateAny)
}

// KernelPairs writes pair_original_dst with BPF_NOEXIST.
type KernelPairs struct{ Map *ebpf.Map }

func (k KernelPairs) InsertIfAbsent(key sockops.TupleKey, rec sockops.OriginRecord) (bool, error) {
	err := k.Map.Update(&key, &rec, ebpf.UpdateNoExist)
	if errors.Is(err, ebpf.ErrKeyExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// KernelSockets writes sock_pair_map with BPF_NOEXIST.
type KernelSockets struct{ Map *ebpf.Map }

func (k KernelSockets) RegisterIfAbsent(key sockops.TupleKey, sock sockops.Socket) (bool, error) {
	fs, ok := sock.(FileSocket)
	if !ok {
		return false, ErrNoFD
	}
	fd := uint32(fs.FD())
	err := k.Map.Update(&key, &fd, ebpf.UpdateNoExist)
	if errors.Is(err, ebpf.ErrKeyExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Kernel is the table set backed by the loaded BPF maps.
type Kernel struct {
	Origins   *ebpf.Map
	Processes *ebpf.Map
	Pairs     *ebpf.Map
	Sockets   *ebpf.Map
}

func (k *Kernel) Tables() sockops.Tables {
	return sockops.Tables{
		Origins:   KernelOrigins{Map: k.Origins},
		Processes: KernelProcesses{Map: k.Processes},
		Pairs:     KernelPairs{Map: k.Pairs},
		Sockets:   KernelSockets{Map: k.Sockets},
	}
}

func (k *Kernel) ProcessEntries() (map[uint32]uint32, error) {
	out := make(map[uint32]uint32)
	var (
		pid  uint32
		addr uint32
	)
	iter := k.Processes.Iterate()
	for iter.Next(&pid, &addr) {
		out[pid] = addr
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("iterating %s: %w", TableProcesses, err)
	}
	return out, nil
}

func (k *Kernel) PairEntries() (map[sockops.TupleKey]sockops.OriginRecord, error) {
	out := make(map[sockops.TupleKey]sockops.OriginRecord)
	var (
		key sockops.TupleKey
		rec sockops.OriginRecord
	)
	iter := k.Pairs.Iterate()
	for iter.Next(&key, &rec) {
		out[key] = rec
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("iterating %s: %w", TablePairs, err)
	}
	return out, nil
}

// Counts walks the keys of every map. Sockhash values cannot be read from
// userspace, so only keys are visited.
func (k *Kernel) Counts() (map[string]int, error) {
	counts := make(map[string]int, 4)
	for name, m := range map[string]*ebpf.Map{
		TableOrigins:   k.Origins,
		TableProcesses: k.Processes,
		TablePairs:     k.Pairs,
		TableSockets:   k.Sockets,
	} {
		n, err := countKeys(m)
		if err != nil {
			return nil, fmt.Errorf("counting %s: %w", name, err)
		}
		counts[name] = n
	}
	return counts, nil
}

func countKeys(m *ebpf.Map) (int, error) {
	var (
		n    int
		key  = make([]byte, m.KeySize())
		next = make([]byte, m.KeySize())
	)
	var cur interface{}
	for {
		err := m.NextKey(cur, next)
		if errors.Is(err, ebpf.ErrKeyNotExist) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		n++
		copy(key, next)
		cur = key
	}
}
