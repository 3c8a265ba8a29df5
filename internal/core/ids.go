// Package core implements the object graph shared by components B-E and
// G's dispatch wiring: Processes, Nodes, References, Threads, Transactions
// and DeathSubscriptions, plus the Host that holds the single global
// exclusion the concurrency model (spec §5) calls for.
//
// The package favors one consolidated arena over one package per spec
// component: Node, Reference, Buffer and Transaction are too tightly
// coupled (a Reference always points at a Node, a Transaction always
// carries a Buffer and walks Reference-derived targets) to live behind
// separate package boundaries without import cycles, the same judgment
// call go-ublk makes by keeping its tag state machine and I/O loop
// together in internal/queue rather than splitting state from behavior.
package core

import "sync/atomic"

var debugIDSeq uint64

// nextDebugID returns a process-wide-unique debug id, used to label every
// Node, Reference, Thread, Transaction and DeathSubscription the way the
// source driver labels its kernel objects for debugfs dumps.
func nextDebugID() uint64 {
	return atomic.AddUint64(&debugIDSeq, 1)
}
