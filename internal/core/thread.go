package core

import "github.com/binderd/binderd/internal/looper"

// Thread is owned by a Process and keyed by the host thread id
// (spec §3 "Thread").
type Thread struct {
	DebugID uint64
	Owner   *Process
	TID     uint64

	Looper *looper.Looper
	Todo   []WorkItem
	Stack  []*Transaction // top = Stack[len(Stack)-1]

	ReturnError  int // wire.Return, 0 means unset
	ReturnError2 int

	Sent     uint64
	Received uint64
}

func newThread(owner *Process, tid uint64) *Thread {
	return &Thread{
		DebugID: nextDebugID(),
		Owner:   owner,
		TID:     tid,
		Looper:  looper.New(),
	}
}

func (t *Thread) pushTransaction(tx *Transaction) { t.Stack = append(t.Stack, tx) }

func (t *Thread) popTransaction() *Transaction {
	if len(t.Stack) == 0 {
		return nil
	}
	tx := t.Stack[len(t.Stack)-1]
	t.Stack = t.Stack[:len(t.Stack)-1]
	return tx
}

func (t *Thread) topTransaction() *Transaction {
	if len(t.Stack) == 0 {
		return nil
	}
	return t.Stack[len(t.Stack)-1]
}

// idle reports whether the thread has no transaction stack and an empty
// todo, the condition spec §6 poll() checks to decide whether the process
// (rather than just this thread) is the one that's readable.
func (t *Thread) idle() bool {
	return len(t.Stack) == 0 && len(t.Todo) == 0
}
