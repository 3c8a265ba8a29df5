package core

import (
	"fmt"

	"github.com/binderd/binderd/internal/wire"
)

// maxReturnItems bounds one read call's drain loop; the real driver bounds
// itself by the caller's read buffer size instead, but since this host
// model copies return frames into a growable []byte, a count-based safety
// valve keeps Read from looping forever against a runaway todo list.
const maxReturnItems = 4096

// ProcessWrite implements the write half of WRITE_READ (spec §6): decodes
// and applies every BC_* command in data in order, stopping at the first
// hard failure "without reading" (soft failures are stashed onto the
// thread's return_error instead, per §7).
func (h *Host) ProcessWrite(t *Thread, data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	r := wire.NewCommandReader(data)
	for r.Remaining() {
		cmd, err := r.Next()
		if err != nil {
			return err
		}
		if err := h.dispatchCommand(t, cmd, r); err != nil {
			return err
		}
	}
	return nil
}

func (h *Host) dispatchCommand(t *Thread, cmd wire.Command, r *wire.CommandReader) error {
	switch cmd {
	case wire.BC_TRANSACTION:
		td, err := r.ReadTransaction()
		if err != nil {
			return err
		}
		return h.Transact(t, td, false)

	case wire.BC_REPLY:
		td, err := r.ReadTransaction()
		if err != nil {
			return err
		}
		return h.Transact(t, td, true)

	case wire.BC_FREE_BUFFER:
		ptr, err := r.ReadFreeBuffer()
		if err != nil {
			return err
		}
		return h.FreeProcessBuffer(t, uint32(ptr))

	case wire.BC_INCREFS, wire.BC_ACQUIRE, wire.BC_RELEASE, wire.BC_DECREFS:
		d, err := r.ReadDescriptor()
		if err != nil {
			return err
		}
		return h.handleRefCommand(t, cmd, d)

	case wire.BC_INCREFS_DONE:
		rd, err := r.ReadRefDone()
		if err != nil {
			return err
		}
		return h.IncRefsDone(t.Owner, rd.Ptr, rd.Cookie)

	case wire.BC_ACQUIRE_DONE:
		rd, err := r.ReadRefDone()
		if err != nil {
			return err
		}
		return h.AcquireDone(t.Owner, rd.Ptr, rd.Cookie)

	case wire.BC_REGISTER_LOOPER:
		requestPending := t.Owner.Governor.Requested > 0
		t.Looper.Register(requestPending)
		if requestPending {
			t.Owner.Governor.ThreadStarted()
		}
		return nil

	case wire.BC_ENTER_LOOPER:
		t.Looper.Enter()
		return nil

	case wire.BC_EXIT_LOOPER:
		t.Looper.Exit()
		return nil

	case wire.BC_REQUEST_DEATH_NOTIFICATION:
		d, err := r.ReadDeathNotice()
		if err != nil {
			return err
		}
		return h.RequestDeathNotification(t, d.Descriptor, d.Cookie)

	case wire.BC_CLEAR_DEATH_NOTIFICATION:
		d, err := r.ReadDeathNotice()
		if err != nil {
			return err
		}
		return h.ClearDeathNotification(t, d.Descriptor, d.Cookie)

	case wire.BC_DEAD_BINDER_DONE:
		c, err := r.ReadDeadBinderDone()
		if err != nil {
			return err
		}
		return h.DeadBinderDone(t.Owner, c)

	default:
		return fmt.Errorf("core: unknown command %d", cmd)
	}
}

// handleRefCommand implements BC_INCREFS / BC_ACQUIRE / BC_RELEASE /
// BC_DECREFS: INCREFS/DECREFS adjust the weak count, ACQUIRE/RELEASE the
// strong count (spec §6). A first touch of descriptor 0 lazily obtains the
// caller's Reference to the context manager (spec §4.2).
func (h *Host) handleRefCommand(t *Thread, cmd wire.Command, descriptor uint32) error {
	p := t.Owner
	if descriptor == 0 {
		if _, ok := p.RefsByDesc[0]; !ok {
			if _, err := h.contextManagerReference(p); err != nil {
				h.stashReturnError(t, wire.BR_DEAD_REPLY)
				return nil
			}
		}
	}
	strong := cmd == wire.BC_ACQUIRE || cmd == wire.BC_RELEASE
	delta := 1
	if cmd == wire.BC_RELEASE || cmd == wire.BC_DECREFS {
		delta = -1
	}
	return h.adjustReference(p, descriptor, strong, delta)
}

// ProcessRead implements the read half of WRITE_READ (spec §6): always
// begins with BR_NOOP, then drains return_error slots and todo items
// until at least one return beyond the NOOP is produced or the thread's
// and process's queues are both empty. When block is true and nothing is
// available yet, it drops the lock and waits on the Host's condition
// variable, the concurrency model's suspension point (a).
func (h *Host) ProcessRead(t *Thread, block bool) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	w := wire.NewReturnWriter()
	w.Noop()

	produced := 0
	for produced < maxReturnItems {
		item, ok := h.drainOne(t)
		if !ok {
			if produced > 0 || !block {
				break
			}
			t.Looper.SetWaiting(true)
			t.Owner.Governor.ThreadIdle()
			h.cond.Wait()
			t.Owner.Governor.ThreadBusy()
			t.Looper.SetWaiting(false)
			continue
		}
		if h.appendReturn(w, t, item) {
			produced++
		}
	}

	if t.Owner.Governor.MaybeSpawn(t.Looper) {
		w.Simple(wire.BR_SPAWN_LOOPER)
	}
	return w.Bytes(), nil
}

func (h *Host) drainOne(t *Thread) (WorkItem, bool) {
	if t.ReturnError != 0 {
		code := t.ReturnError
		t.ReturnError = t.ReturnError2
		t.ReturnError2 = 0
		return WorkItem{Kind: WorkReturnError, ReturnCode: wire.Return(code)}, true
	}
	if len(t.Todo) > 0 {
		item := t.Todo[0]
		t.Todo = t.Todo[1:]
		return item, true
	}
	if len(t.Owner.Todo) > 0 {
		item := t.Owner.Todo[0]
		t.Owner.Todo = t.Owner.Todo[1:]
		return item, true
	}
	return WorkItem{}, false
}

// appendReturn writes one WorkItem's wire representation. It reports false
// for a WorkNode item that resolved to "nothing to do" (spec §7), which
// does not count toward the drain loop's produced-something exit test.
func (h *Host) appendReturn(w *wire.ReturnWriter, t *Thread, item WorkItem) bool {
	switch item.Kind {
	case WorkTransaction:
		tx := item.Transaction
		if !tx.IsReply {
			h.applyPriorityInheritance(t, tx)
			if tx.NeedReply {
				tx.TargetThread = t
				t.pushTransaction(tx)
			}
		} else {
			t.Owner.DefaultPriority = tx.SavedPriority
		}
		code := wire.BR_TRANSACTION
		if tx.IsReply {
			code = wire.BR_REPLY
		}
		var targetField uint32
		var cookie uint64
		if tx.TargetNode != nil {
			targetField = uint32(tx.TargetNode.Ptr)
			cookie = tx.TargetNode.Cookie
		}
		w.Transaction(code, wire.TransactionData{
			Target:    targetField,
			Cookie:    cookie,
			Code:      tx.Code,
			Flags:     tx.Flags,
			SenderUID: tx.CallerUID,
			Data:      tx.translatedPayload,
			Offsets:   tx.offsets,
		})
		return true

	case WorkTransactionComplete:
		w.Simple(wire.BR_TRANSACTION_COMPLETE)
		return true

	case WorkNode:
		code, ok := resolveNodeWork(item.Node)
		if !ok {
			return false
		}
		w.RefReturn(code, wire.RefReturn{Ptr: item.Node.Ptr, Cookie: item.Node.Cookie})
		return true

	case WorkDeadBinder:
		w.Cookie(wire.BR_DEAD_BINDER, item.Death.Cookie)
		return true

	case WorkClearDeathDone:
		w.Cookie(wire.BR_CLEAR_DEATH_NOTIFICATION_DONE, item.Death.Cookie)
		return true

	case WorkReturnError:
		w.Simple(item.ReturnCode)
		return true

	default:
		return false
	}
}

// applyPriorityInheritance implements spec §4.4: the reader saves its
// current priority into the transaction, then adopts whichever of the
// caller's priority and the node's min_priority is numerically lower
// (lower nice means higher priority, so the stronger of the two wins).
func (h *Host) applyPriorityInheritance(t *Thread, tx *Transaction) {
	tx.SavedPriority = t.Owner.DefaultPriority
	if tx.oneway() {
		return
	}
	min := uint8(0)
	if tx.TargetNode != nil {
		min = tx.TargetNode.MinPriority
	}
	adopted := tx.CallerPriority
	if min < adopted {
		adopted = min
	}
	adopted = t.Owner.ApplyPriority(adopted)
	t.Owner.DefaultPriority = adopted
	setThreadPriority(t.TID, adopted, h.log)
}
