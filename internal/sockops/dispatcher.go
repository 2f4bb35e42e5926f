package sockops

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// debugSample keeps per-connection debug logging from flooding the log on
// busy nodes.
var debugSample = &rate.Sometimes{Interval: time.Second}

// Result is the coarse outcome of one dispatch, for metrics and audit.
type Result string

const (
	ResultSkipped    Result = "skipped"
	ResultMiss       Result = "miss"
	ResultBound      Result = "bound"
	ResultConflict   Result = "conflict"
	ResultReset      Result = "reset"
	ResultStoreError Result = "error"
)

// Outcome describes what a dispatch did.
type Outcome struct {
	Conn   Conn
	Result Result
	Class  Classification
	Record OriginRecord
	Bound  bool
	// RegisterTried is false when the connection carried no Socket, so
	// Registered == false is not a lost race.
	RegisterTried bool
	Registered    bool
	Verdict       Verdict
	Err           error
}

// Observer receives every outcome. Implementations must not block.
type Observer interface {
	Observe(Outcome)
}

type ObserverFunc func(Outcome)

func (f ObserverFunc) Observe(o Outcome) { f(o) }

// Observers fans an outcome out to several observers.
type Observers []Observer

func (obs Observers) Observe(o Outcome) {
	for _, ob := range obs {
		ob.Observe(o)
	}
}

// Dispatcher is the entry point for socket establishment events. It holds
// no per-connection state; all state lives in the tables.
type Dispatcher struct {
	origins   OriginStore
	learner   *Learner
	binder    *Binder
	registrar *Registrar
	observer  Observer
}

// NewDispatcher wires the components over tables. observer may be nil.
func NewDispatcher(policy Policy, tables Tables, observer Observer) (*Dispatcher, error) {
	if tables.Origins == nil || tables.Processes == nil || tables.Pairs == nil || tables.Sockets == nil {
		return nil, errors.New("sockops: all tables are required")
	}
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("sockops: invalid policy: %w", err)
	}
	return &Dispatcher{
		origins:   tables.Origins,
		learner:   NewLearner(policy, tables.Processes),
		binder:    NewBinder(tables.Pairs),
		registrar: NewRegistrar(tables.Sockets),
		observer:  observer,
	}, nil
}

// Dispatch handles one sock_ops event and returns the verdict.
//
// Only active-established IPv4 events are processed. Lookup misses and
// publish conflicts are not errors. Store failures are reported to the
// observer but still yield Allow: the connection simply misses the fast
// path. Reset is returned only when the reconnect guard trips.
func (d *Dispatcher) Dispatch(conn Conn) Verdict {
	out := d.dispatch(conn)
	if d.observer != nil {
		d.observer.Observe(out)
	}
	return out.Verdict
}

func (d *Dispatcher) dispatch(conn Conn) Outcome {
	out := Outcome{Conn: conn, Result: ResultSkipped, Verdict: Allow}
	if conn.Op != OpActiveEstablished || conn.Family != FamilyIPv4 {
		return out
	}

	rec, ok, err := d.origins.Lookup(conn.Cookie)
	if err != nil {
		out.Result = ResultStoreError
		out.Err = tableError(TableOrigins, fmt.Errorf("lookup origin for cookie %d: %w", conn.Cookie, err))
		return out
	}
	if !ok {
		out.Result = ResultMiss
		return out
	}
	out.Record = rec

	var errs []error
	class, verdict, err := d.learner.Learn(rec, conn)
	out.Class = class
	if err != nil {
		errs = append(errs, err)
	}
	if verdict == Reset {
		out.Result = ResultReset
		out.Verdict = Reset
		out.Err = errors.Join(errs...)
		return out
	}

	key := conn.Tuple()
	if out.Bound, err = d.binder.Bind(key, rec); err != nil {
		errs = append(errs, err)
	}
	if conn.Socket != nil {
		out.RegisterTried = true
		if out.Registered, err = d.registrar.Register(key, conn.Socket); err != nil {
			errs = append(errs, err)
		}
	}

	out.Err = errors.Join(errs...)
	switch {
	case out.Err != nil:
		out.Result = ResultStoreError
	case out.Bound:
		out.Result = ResultBound
	default:
		out.Result = ResultConflict
	}
	return out
}
