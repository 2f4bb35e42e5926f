package maps

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SkynetNext/sockops-binder/internal/sockops"
)

type cookieSocket uint64

func (c cookieSocket) Cookie() uint64 { return uint64(c) }

func TestPairTableInsertIfAbsent(t *testing.T) {
	var pairs PairTable
	key := sockops.TupleKey{LocalAddr: 1, RemoteAddr: 2, LocalPort: 3, RemotePort: 4}

	ok, err := pairs.InsertIfAbsent(key, sockops.OriginRecord{PID: 1})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = pairs.InsertIfAbsent(key, sockops.OriginRecord{PID: 2})
	require.NoError(t, err)
	assert.False(t, ok)

	got, _ := pairs.Get(key)
	assert.Equal(t, uint32(1), got.PID)

	pairs.Delete(key)
	ok, _ = pairs.InsertIfAbsent(key, sockops.OriginRecord{PID: 3})
	assert.True(t, ok)
}

func TestSocketTableConcurrentRegister(t *testing.T) {
	var sockets SocketTable
	key := sockops.TupleKey{LocalAddr: 1, RemoteAddr: 1, LocalPort: 40000, RemotePort: 15001}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins []uint64
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(c uint64) {
			defer wg.Done()
			ok, err := sockets.RegisterIfAbsent(key, cookieSocket(c))
			if err == nil && ok {
				mu.Lock()
				wins = append(wins, c)
				mu.Unlock()
			}
		}(uint64(i))
	}
	wg.Wait()

	require.Len(t, wins, 1)
	got, ok := sockets.Get(key)
	require.True(t, ok)
	assert.Equal(t, wins[0], got.Cookie())
}

func TestMemoryInspector(t *testing.T) {
	mem := NewMemory()
	mem.Origins.Put(9, sockops.OriginRecord{PID: 42})
	mem.Processes.Put(42, 7)
	key := sockops.TupleKey{LocalAddr: 7, RemoteAddr: 7}
	mem.Pairs.InsertIfAbsent(key, sockops.OriginRecord{PID: 42})
	mem.Sockets.RegisterIfAbsent(key, cookieSocket(9))

	var _ Inspector = mem

	counts, err := mem.Counts()
	require.NoError(t, err)
	assert.Equal(t, map[string]int{
		TableOrigins:   1,
		TableProcesses: 1,
		TablePairs:     1,
		TableSockets:   1,
	}, counts)

	procs, err := mem.ProcessEntries()
	require.NoError(t, err)
	assert.Equal(t, map[uint32]uint32{42: 7}, procs)

	snap := mem.Snapshot()
	assert.Equal(t, uint64(9), snap.Sockets[key])

	mem.Origins.Delete(9)
	_, ok, err := mem.Origins.Lookup(9)
	require.NoError(t, err)
	assert.False(t, ok)
}
