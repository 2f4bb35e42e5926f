package sockops

// OriginStore is the read side of the connect-time hook's cookie map.
// A miss is reported as ok == false with a nil error.
type OriginStore interface {
	Lookup(cookie uint64) (rec OriginRecord, ok bool, err error)
}

// ProcessTable remembers one inferred address per process. Put always
// overwrites.
type ProcessTable interface {
	Put(pid uint32, addr uint32) error
}

// PairTable publishes tuple bindings. InsertIfAbsent must be a single
// atomic operation; it returns false when the tuple is already bound.
type PairTable interface {
	InsertIfAbsent(key TupleKey, rec OriginRecord) (bool, error)
}

// SocketRegistry publishes live sockets under the same discipline as
// PairTable.
type SocketRegistry interface {
	RegisterIfAbsent(key TupleKey, sock Socket) (bool, error)
}

// Tables bundles everything the dispatcher reads and writes.
type Tables struct {
	Origins   OriginStore
	Processes ProcessTable
	Pairs     PairTable
	Sockets   SocketRegistry
}

// Table names, matching the kernel map names.
const (
	TableOrigins   = "cookie_original_dst"
	TableProcesses = "process_ip"
	TablePairs     = "pair_original_dst"
	TableSockets   = "sock_pair_map"
)

// TableError tags a store failure with the table it came from.
type TableError struct {
	Table string
	Err   error
}

func (e *TableError) Error() string { return e.Err.Error() }

func (e *TableError) Unwrap() error { return e.Err }

func tableError(table string, err error) error {
	return &TableError{Table: table, Err: err}
}

// FailedTables lists the tables named by err, including every branch of a
// joined error.
func FailedTables(err error) []string {
	switch e := err.(type) {
	case nil:
		return nil
	case *TableError:
		return []string{e.Table}
	case interface{ Unwrap() []error }:
		var tables []string
		for _, inner := range e.Unwrap() {
			tables = append(tables, FailedTables(inner)...)
		}
		return tables
	case interface{ Unwrap() error }:
		return FailedTables(e.Unwrap())
	default:
		return nil
	}
}
