// Package maps implements the tables the sockops dispatcher works on: an
// in-memory set for tests and the userspace path, and adapters over the
// kernel's BPF maps.
package maps

import (
	"sync"

	"github.com/SkynetNext/sockops-binder/internal/sockops"
)

// Table names, shared by metrics and the admin API.
const (
	TableOrigins   = sockops.TableOrigins
	TableProcesses = sockops.TableProcesses
	TablePairs     = sockops.TablePairs
	TableSockets   = sockops.TableSockets
)

// Inspector reads table contents for dumps and gauges.
type Inspector interface {
	ProcessEntries() (map[uint32]uint32, error)
	PairEntries() (map[sockops.TupleKey]sockops.OriginRecord, error)
	Counts() (map[string]int, error)
}

// OriginTable is an in-memory cookie -> origin record store.
type OriginTable struct {
	m sync.Map
}

// Put is the producer side, normally owned by the connect-time hook.
func (t *OriginTable) Put(cookie uint64, rec sockops.OriginRecord) {
	t.m.Store(cookie, rec)
}

func (t *OriginTable) Delete(cookie uint64) {
	t.m.Delete(cookie)
}

func (t *OriginTable) Lookup(cookie uint64) (sockops.OriginRecord, bool, error) {
	v, ok := t.m.Load(cookie)
	if !ok {
		return sockops.OriginRecord{}, false, nil
	}
	return v.(sockops.OriginRecord), true, nil
}

// ProcessTable is an in-memory pid -> address table.
type ProcessTable struct {
	m sync.Map
}

func (t *ProcessTable) Put(pid uint32, addr uint32) error {
	t.m.Store(pid, addr)
	return nil
}

func (t *ProcessTable) Get(pid uint32) (uint32, bool) {
	v, ok := t.m.Load(pid)
	if !ok {
		return 0, false
	}
	return v.(uint32), true
}

// PairTable is an in-memory tuple -> origin record table.
type PairTable struct {
	m sync.Map
}

// InsertIfAbsent relies on LoadOrStore, so concurrent inserts for the same
// tuple leave exactly one winner.
func (t *PairTable) InsertIfAbsent(key sockops.TupleKey, rec sockops.OriginRecord) (bool, error) {
	_, loaded := t.m.LoadOrStore(key, rec)
	return !loaded, nil
}

func (t *PairTable) Get(key sockops.TupleKey) (sockops.OriginRecord, bool) {
	v, ok := t.m.Load(key)
	if !ok {
		return sockops.OriginRecord{}, false
	}
	return v.(sockops.OriginRecord), true
}

// Delete drops a binding, as the splicer does when a connection closes.
func (t *PairTable) Delete(key sockops.TupleKey) {
	t.m.Delete(key)
}

// SocketTable is an in-memory tuple -> socket registry.
type SocketTable struct {
	m sync.Map
}

func (t *SocketTable) RegisterIfAbsent(key sockops.TupleKey, sock sockops.Socket) (bool, error) {
	_, loaded := t.m.LoadOrStore(key, sock)
	return !loaded, nil
}

func (t *SocketTable) Get(key sockops.TupleKey) (sockops.Socket, bool) {
	v, ok := t.m.Load(key)
	if !ok {
		return nil, false
	}
	return v.(sockops.Socket), true
}

func (t *SocketTable) Delete(key sockops.TupleKey) {
	t.m.Delete(key)
}

// Memory is a complete in-memory table set.
type Memory struct {
	Origins   OriginTable
	Processes ProcessTable
	Pairs     PairTable
	Sockets   SocketTable
}

func NewMemory() *Memory {
	return &Memory{}
}

// Tables exposes the set to the dispatcher.
func (m *Memory) Tables() sockops.Tables {
	return sockops.Tables{
		Origins:   &m.Origins,
		Processes: &m.Processes,
		Pairs:     &m.Pairs,
		Sockets:   &m.Sockets,
	}
}

// Snapshot is a point-in-time copy of every table. Sockets are reduced to
// their cookies so two snapshots can be compared directly.
type Snapshot struct {
	Origins   map[uint64]sockops.OriginRecord
	Processes map[uint32]uint32
	Pairs     map[sockops.TupleKey]sockops.OriginRecord
	Sockets   map[sockops.TupleKey]uint64
}

func (m *Memory) Snapshot() Snapshot {
	s := Snapshot{
		Origins:   make(map[uint64]sockops.OriginRecord),
		Processes: make(map[uint32]uint32),
		Pairs:     make(map[sockops.TupleKey]sockops.OriginRecord),
		Sockets:   make(map[sockops.TupleKey]uint64),
	}
	m.Origins.m.Range(func(k, v any) bool {
		s.Origins[k.(uint64)] = v.(sockops.OriginRecord)
		return true
	})
	m.Processes.m.Range(func(k, v any) bool {
		s.Processes[k.(uint32)] = v.(uint32)
		return true
	})
	m.Pairs.m.Range(func(k, v any) bool {
		s.Pairs[k.(sockops.TupleKey)] = v.(sockops.OriginRecord)
		return true
	})
	m.Sockets.m.Range(func(k, v any) bool {
		s.Sockets[k.(sockops.TupleKey)] = v.(sockops.Socket).Cookie()
		return true
	})
	return s
}

func (m *Memory) ProcessEntries() (map[uint32]uint32, error) {
	return m.Snapshot().Processes, nil
}

func (m *Memory) PairEntries() (map[sockops.TupleKey]sockops.OriginRecord, error) {
	return m.Snapshot().Pairs, nil
}

func (m *Memory) Counts() (map[string]int, error) {
	s := m.Snapshot()
	return map[string]int{
		TableOrigins:   len(s.Origins),
		TableProcesses: len(s.Processes),
		TablePairs:     len(s.Pairs),
		TableSockets:   len(s.Sockets),
	}, nil
}
