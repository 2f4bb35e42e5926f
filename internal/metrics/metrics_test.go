package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/SkynetNext/sockops-binder/internal/sockops"
)

type fakeSocket uint64

func (s fakeSocket) Cookie() uint64 { return uint64(s) }

func established() sockops.Conn {
	return sockops.Conn{Op: sockops.OpActiveEstablished, Family: sockops.FamilyIPv4, Cookie: 7, Socket: fakeSocket(7)}
}

func TestObserverCountsOutcomes(t *testing.T) {
	rec := sockops.OriginRecord{Addr: 1, Port: 80, PID: 9}
	op := sockops.OpActiveEstablished.String()

	events := testutil.ToFloat64(EventsTotal.WithLabelValues(op))
	bound := testutil.ToFloat64(DispatchTotal.WithLabelValues(string(sockops.ResultBound)))
	app := testutil.ToFloat64(ClassificationsTotal.WithLabelValues(sockops.AppToProxy.String()))

	Observer{}.Observe(sockops.Outcome{
		Conn: established(), Result: sockops.ResultBound, Class: sockops.AppToProxy,
		Record: rec, Bound: true, RegisterTried: true, Registered: true,
	})

	assert.Equal(t, events+1, testutil.ToFloat64(EventsTotal.WithLabelValues(op)))
	assert.Equal(t, bound+1, testutil.ToFloat64(DispatchTotal.WithLabelValues(string(sockops.ResultBound))))
	assert.Equal(t, app+1, testutil.ToFloat64(ClassificationsTotal.WithLabelValues(sockops.AppToProxy.String())))
}

func TestObserverCountsConflicts(t *testing.T) {
	pairs := testutil.ToFloat64(PublishConflictsTotal.WithLabelValues(sockops.TablePairs))
	socks := testutil.ToFloat64(PublishConflictsTotal.WithLabelValues(sockops.TableSockets))

	Observer{}.Observe(sockops.Outcome{
		Conn: established(), Result: sockops.ResultConflict, Class: sockops.ProxyToProxy,
		Record: sockops.OriginRecord{Addr: 1, Port: 80, PID: 9}, RegisterTried: true,
	})

	assert.Equal(t, pairs+1, testutil.ToFloat64(PublishConflictsTotal.WithLabelValues(sockops.TablePairs)))
	assert.Equal(t, socks+1, testutil.ToFloat64(PublishConflictsTotal.WithLabelValues(sockops.TableSockets)))
}

func TestObserverSkipsSocketConflictWithoutSocket(t *testing.T) {
	socks := testutil.ToFloat64(PublishConflictsTotal.WithLabelValues(sockops.TableSockets))

	conn := established()
	conn.Socket = nil
	Observer{}.Observe(sockops.Outcome{
		Conn: conn, Result: sockops.ResultBound, Class: sockops.AppToProxy,
		Record: sockops.OriginRecord{Addr: 1, Port: 80, PID: 9}, Bound: true,
	})

	assert.Equal(t, socks, testutil.ToFloat64(PublishConflictsTotal.WithLabelValues(sockops.TableSockets)))
}

func TestObserverCountsStoreErrorsPerTable(t *testing.T) {
	pairErrs := testutil.ToFloat64(StoreErrorsTotal.WithLabelValues(sockops.TablePairs))
	pairConflicts := testutil.ToFloat64(PublishConflictsTotal.WithLabelValues(sockops.TablePairs))

	err := errors.Join(&sockops.TableError{Table: sockops.TablePairs, Err: errors.New("map full")})
	Observer{}.Observe(sockops.Outcome{
		Conn: established(), Result: sockops.ResultStoreError, Class: sockops.AppToProxy,
		Record: sockops.OriginRecord{Addr: 1, Port: 80, PID: 9}, RegisterTried: true, Registered: true, Err: err,
	})

	assert.Equal(t, pairErrs+1, testutil.ToFloat64(StoreErrorsTotal.WithLabelValues(sockops.TablePairs)))
	// A failed insert is not a conflict.
	assert.Equal(t, pairConflicts, testutil.ToFloat64(PublishConflictsTotal.WithLabelValues(sockops.TablePairs)))
}

func TestObserverIgnoresMissForConflicts(t *testing.T) {
	pairs := testutil.ToFloat64(PublishConflictsTotal.WithLabelValues(sockops.TablePairs))

	Observer{}.Observe(sockops.Outcome{Conn: established(), Result: sockops.ResultMiss})

	assert.Equal(t, pairs, testutil.ToFloat64(PublishConflictsTotal.WithLabelValues(sockops.TablePairs)))
}

func TestGauges(t *testing.T) {
	SetTableEntries(map[string]int{sockops.TableProcesses: 3, sockops.TablePairs: 11})
	assert.Equal(t, 3.0, testutil.ToFloat64(TableEntries.WithLabelValues(sockops.TableProcesses)))
	assert.Equal(t, 11.0, testutil.ToFloat64(TableEntries.WithLabelValues(sockops.TablePairs)))

	SetProgramLoaded(true)
	assert.Equal(t, 1.0, testutil.ToFloat64(ProgramLoaded))
	SetProgramLoaded(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(ProgramLoaded))

	before := testutil.ToFloat64(PolicyReloadsTotal.WithLabelValues("admin"))
	RecordPolicyReload("admin")
	assert.Equal(t, before+1, testutil.ToFloat64(PolicyReloadsTotal.WithLabelValues("admin")))
}
