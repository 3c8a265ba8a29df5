package core

import "github.com/binderd/binderd/internal/wire"

// WorkKind identifies what a queued WorkItem represents once it reaches
// the front of a thread's or process's todo list.
type WorkKind int

const (
	// WorkTransaction carries a Transaction to be delivered as
	// BR_TRANSACTION or BR_REPLY.
	WorkTransaction WorkKind = iota
	// WorkTransactionComplete acknowledges a command the caller just sent.
	WorkTransactionComplete
	// WorkNode is resolved lazily at drain time into BR_ACQUIRE,
	// BR_INCREFS, BR_RELEASE or BR_DECREFS depending on the Node's current
	// counter tuple (spec §4.3).
	WorkNode
	// WorkDeadBinder carries a death notification, possibly already
	// cleared (see DeathSubscription.Status).
	WorkDeadBinder
	// WorkClearDeathDone acknowledges a clear: either one that had not yet
	// been delivered as a death, or one made after delivery, once
	// BC_DEAD_BINDER_DONE acknowledges that death.
	WorkClearDeathDone
	// WorkReturnError drains a thread's stashed return_error / return_error2.
	WorkReturnError
)

// WorkItem is one entry on a Thread's or Process's todo list.
type WorkItem struct {
	Kind WorkKind

	Transaction *Transaction
	Node        *Node
	Death       *DeathSubscription
	ReturnCode  wire.Return
}
