package sockops

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SkynetNext/sockops-binder/pkg/linux"
)

type recordingProcesses map[uint32]uint32

func (r recordingProcesses) Put(pid, addr uint32) error {
	r[pid] = addr
	return nil
}

func TestLearnerClassify(t *testing.T) {
	l := NewLearner(DefaultPolicy(), recordingProcesses{})
	ip := linux.MustIP2Linux

	tests := []struct {
		name   string
		local  uint32
		remote uint32
		class  Classification
		addr   uint32
	}{
		{"same address", ip("10.0.0.5"), ip("10.0.0.5"), AppToProxy, ip("10.0.0.5")},
		{"unresolved local", ip("127.0.0.6"), ip("10.0.0.9"), AppToProxy, ip("10.0.0.9")},
		{"cross node", ip("192.168.1.1"), ip("10.0.0.9"), ProxyToProxy, ip("192.168.1.1")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			class, addr := l.Classify(Conn{LocalAddr: tt.local, RemoteAddr: tt.remote})
			assert.Equal(t, tt.class, class)
			assert.Equal(t, tt.addr, addr)
		})
	}
}

func TestLearnerIdempotent(t *testing.T) {
	table := recordingProcesses{}
	l := NewLearner(DefaultPolicy(), table)
	rec := OriginRecord{PID: 42}
	conn := Conn{LocalAddr: linux.MustIP2Linux("192.168.1.1"), RemoteAddr: linux.MustIP2Linux("10.0.0.9")}

	_, _, err := l.Learn(rec, conn)
	require.NoError(t, err)
	once := map[uint32]uint32{}
	for k, v := range table {
		once[k] = v
	}

	_, _, err = l.Learn(rec, conn)
	require.NoError(t, err)
	assert.Equal(t, once, map[uint32]uint32(table))
}

func TestLearnerLastWriteWins(t *testing.T) {
	table := recordingProcesses{}
	l := NewLearner(DefaultPolicy(), table)
	rec := OriginRecord{PID: 42}

	l.Learn(rec, Conn{LocalAddr: linux.MustIP2Linux("192.168.1.1"), RemoteAddr: linux.MustIP2Linux("10.0.0.9")})
	l.Learn(rec, Conn{LocalAddr: linux.MustIP2Linux("10.0.0.7"), RemoteAddr: linux.MustIP2Linux("10.0.0.7")})

	assert.Equal(t, linux.MustIP2Linux("10.0.0.7"), table[42])
}

func TestOriginRecordState(t *testing.T) {
	assert.Equal(t, Unclassified, OriginRecord{}.State())
	assert.Equal(t, Classified, OriginRecord{Flags: FlagClassified}.State())
	assert.Equal(t, Classified, OriginRecord{Flags: 0x3}.State())
	assert.Equal(t, Unclassified, OriginRecord{Flags: 0x2}.State())
}

func TestVerdictCode(t *testing.T) {
	assert.Equal(t, int32(0), Allow.Code())
	assert.Equal(t, int32(1), Reset.Code())
}

func TestPolicyValidate(t *testing.T) {
	p := DefaultPolicy()
	assert.NoError(t, p.Validate())

	p.ReconnectGuard = true
	p.RedirectPort = 0
	assert.Error(t, p.Validate())
}
