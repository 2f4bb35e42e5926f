package sockops

import "fmt"

// Binder publishes tuple -> origin record bindings for the splicer.
type Binder struct {
	pairs PairTable
}

func NewBinder(pairs PairTable) *Binder {
	return &Binder{pairs: pairs}
}

// Bind inserts the binding unless the tuple is already bound. A lost race
// returns false with a nil error: someone else already bound this tuple.
func (b *Binder) Bind(key TupleKey, rec OriginRecord) (bool, error) {
	ok, err := b.pairs.InsertIfAbsent(key, rec)
	if err != nil {
		return false, tableError(TablePairs, fmt.Errorf("bind %s: %w", key, err))
	}
	return ok, nil
}

// Registrar publishes live sockets so the splicer can attach to them.
type Registrar struct {
	sockets SocketRegistry
}

func NewRegistrar(sockets SocketRegistry) *Registrar {
	return &Registrar{sockets: sockets}
}

// Register follows the same first-writer-wins rule as Bind.
func (r *Registrar) Register(key TupleKey, sock Socket) (bool, error) {
	ok, err := r.sockets.RegisterIfAbsent(key, sock)
	if err != nil {
		return false, tableError(TableSockets, fmt.Errorf("register socket %s: %w", key, err))
	}
	return ok, nil
}
