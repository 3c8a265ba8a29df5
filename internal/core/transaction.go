package core

import (
	"github.com/binderd/binderd/internal/bufferpool"
	"github.com/binderd/binderd/internal/wire"
)

// Transaction is transient state tying a caller to a target across one
// request or request/reply pair (spec §3 "Transaction").
type Transaction struct {
	DebugID uint64

	CallerThread   *Thread
	CallerProcess  *Process
	CallerUID      uint32
	CallerPriority uint8 // caller's nice at send time, used for priority inheritance
	SavedPriority  uint8

	TargetProcess *Process
	TargetThread  *Thread // set once dispatched, or for a direct thread-affinity/reply hit
	TargetNode    *Node   // nil for replies

	Buffer *bufferpool.Buffer

	// translatedPayload is the copy of the sender's data with every
	// flat_object offset rewritten, standing in for the host's shared
	// mapping (there being no real second address space to point a
	// pointer into in this model).
	translatedPayload []byte
	offsets           []uint32

	Code  uint32
	Flags uint32

	NeedReply bool
	IsReply   bool

	// FromParent is the transaction, on the caller thread's stack, that
	// this one is nested beneath; used for thread-affinity search and for
	// failed-reply propagation (spec §4.4, §9).
	FromParent *Transaction
}

func (tx *Transaction) oneway() bool { return tx.Flags&wire.TF_ONE_WAY != 0 }

// Transact implements BC_TRANSACTION and BC_REPLY (spec §4.4). On a soft
// failure (unknown target, OOM, malformed offsets, translation failure)
// the caller's return_error is stashed and nil is returned, since those
// are reported to the offender on its next read rather than aborting the
// write stream; a non-nil error here is a protocol-level abort (spec §7
// "unknown commands produce an abort of the write stream").
func (h *Host) Transact(caller *Thread, td wire.TransactionData, isReply bool) error {
	if isReply {
		return h.reply(caller, td)
	}
	return h.send(caller, td)
}

func (h *Host) send(caller *Thread, td wire.TransactionData) error {
	var targetNode *Node
	var targetProcess *Process

	if td.Target == 0 {
		if h.ctxMgr == nil {
			h.stashReturnError(caller, wire.BR_DEAD_REPLY)
			return nil
		}
		targetNode = h.ctxMgr
		targetProcess = targetNode.Owner
	} else {
		ref, ok := caller.Owner.RefsByDesc[td.Target]
		if !ok || ref.Node.Owner == nil {
			h.stashReturnError(caller, wire.BR_FAILED_REPLY)
			return nil
		}
		targetNode = ref.Node
		targetProcess = targetNode.Owner
	}

	tx := &Transaction{
		DebugID:        nextDebugID(),
		CallerThread:   caller,
		CallerProcess:  caller.Owner,
		CallerUID:      caller.Owner.UID,
		CallerPriority: caller.Owner.DefaultPriority,
		TargetProcess:  targetProcess,
		TargetNode:     targetNode,
		Code:           td.Code,
		Flags:          td.Flags,
		NeedReply:      td.Flags&wire.TF_ONE_WAY == 0,
		FromParent:     caller.topTransaction(),
	}

	if err := h.buildAndTranslate(tx, targetProcess, td); err != nil {
		h.stashReturnError(caller, wire.BR_FAILED_REPLY)
		return nil
	}

	if !tx.oneway() {
		caller.pushTransaction(tx)
	}

	target := h.selectDeliveryThread(tx)
	h.enqueueTransaction(tx, target)

	caller.Todo = append(caller.Todo, WorkItem{Kind: WorkTransactionComplete})
	h.wakeThread(caller)
	return nil
}

func (h *Host) reply(caller *Thread, td wire.TransactionData) error {
	orig := caller.popTransaction()
	if orig == nil || orig.TargetThread != caller || !orig.NeedReply {
		return errNoReplyTarget
	}

	tx := &Transaction{
		DebugID:       nextDebugID(),
		CallerThread:  caller,
		CallerProcess: caller.Owner,
		CallerUID:     caller.Owner.UID,
		TargetProcess: orig.CallerProcess,
		TargetThread:  orig.CallerThread,
		Code:          td.Code,
		Flags:         td.Flags,
		IsReply:       true,
	}

	if err := h.buildAndTranslate(tx, orig.CallerProcess, td); err != nil {
		h.stashReturnError(caller, wire.BR_FAILED_REPLY)
		return nil
	}

	orig.CallerThread.Todo = append(orig.CallerThread.Todo, WorkItem{Kind: WorkTransaction, Transaction: tx})
	h.wakeThread(orig.CallerThread)

	caller.Todo = append(caller.Todo, WorkItem{Kind: WorkTransactionComplete})
	h.wakeThread(caller)
	return nil
}

// selectDeliveryThread implements the thread-affinity optimization: for a
// synchronous send, walk the caller's transaction stack along FromParent;
// if any ancestor was sent by some thread T in the target process, deliver
// to T rather than the process queue. Ties are broken toward the deepest
// (most recent) match, per the decision recorded for spec §9 Open
// Question (a).
func (h *Host) selectDeliveryThread(tx *Transaction) *Thread {
	if tx.oneway() {
		return nil
	}
	for anc := tx.FromParent; anc != nil; anc = anc.FromParent {
		if anc.CallerThread != nil && anc.CallerThread.Owner == tx.TargetProcess {
			return anc.CallerThread
		}
	}
	return nil
}

// enqueueTransaction implements the §4.4 "Enqueue and stack management"
// rules for a freshly built send (replies are enqueued directly in reply()).
func (h *Host) enqueueTransaction(tx *Transaction, directThread *Thread) {
	if tx.oneway() {
		n := tx.TargetNode
		tx.Buffer.AsyncTransaction = true
		if n.HasAsyncTransaction {
			n.AsyncTodo = append(n.AsyncTodo, tx)
			return
		}
		n.HasAsyncTransaction = true
	}

	if directThread != nil {
		tx.TargetThread = directThread
		directThread.Todo = append(directThread.Todo, WorkItem{Kind: WorkTransaction, Transaction: tx})
		h.wakeThread(directThread)
		return
	}
	tx.TargetProcess.Todo = append(tx.TargetProcess.Todo, WorkItem{Kind: WorkTransaction, Transaction: tx})
	h.wakeProcess(tx.TargetProcess)
}

// buildAndTranslate allocates the target buffer, copies the payload, and
// rewrites every embedded flat_object per spec §4.4. On any failure it
// releases everything already rewritten and frees the buffer.
func (h *Host) buildAndTranslate(tx *Transaction, target *Process, td wire.TransactionData) error {
	if err := wire.ValidateOffsets(td.Offsets, uint32(len(td.Data))); err != nil {
		return err
	}
	buf, err := target.Pool.Alloc(bgCtx, uint32(len(td.Data)), uint32(len(td.Offsets)*4), tx.oneway())
	if err != nil {
		return err
	}
	payload := make([]byte, len(td.Data))
	copy(payload, td.Data)

	for i, off := range td.Offsets {
		obj := decodeFlatObject(payload, off)
		if err := h.translateObject(tx, target, payload, off, obj); err != nil {
			h.releaseTranslated(tx, target, payload, td.Offsets[:i])
			if ferr := target.Pool.Free(bgCtx, buf); ferr != nil {
				h.log.Warnf("buildAndTranslate: free after failure: %v", ferr)
			}
			return err
		}
	}

	buf.TransactionID = tx.DebugID
	if tx.TargetNode != nil {
		h.bufferNodes[buf] = tx.TargetNode
	}
	tx.Buffer = buf
	tx.translatedPayload = payload
	tx.offsets = td.Offsets
	return nil
}

// decodeFlatObject and encodeFlatObject are tiny local helpers; the real
// wire codec operates on whole command/return frames, while here we are
// rewriting objects already copied into a target buffer's payload.
type flatObjectView struct {
	Type   wire.ObjectType
	Flags  uint32
	Handle uint64
	Cookie uint64
}

func decodeFlatObject(payload []byte, off uint32) flatObjectView {
	if int(off)+24 > len(payload) {
		return flatObjectView{}
	}
	return flatObjectView{
		Type:   wire.ObjectType(payload[off]),
		Flags:  leUint32(payload[off+4 : off+8]),
		Handle: leUint64(payload[off+8 : off+16]),
		Cookie: leUint64(payload[off+16 : off+24]),
	}
}

func encodeFlatObject(payload []byte, off uint32, v flatObjectView) {
	if int(off)+24 > len(payload) {
		return
	}
	payload[off] = byte(v.Type)
	putLeUint32(payload[off+4:off+8], v.Flags)
	putLeUint64(payload[off+8:off+16], v.Handle)
	putLeUint64(payload[off+16:off+24], v.Cookie)
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
func putLeUint32(b []byte, v uint32) {
	b[0], b[1], b[2], b[3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
}
func leUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}
func putLeUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v)
		v >>= 8
	}
}

// translateObject rewrites one inline object per spec §4.4.
func (h *Host) translateObject(tx *Transaction, target *Process, payload []byte, off uint32, obj flatObjectView) error {
	caller := tx.CallerProcess
	switch obj.Type {
	case wire.TypeBinder, wire.TypeWeakBinder:
		n := h.lookupOrCreateLocalNode(caller, obj.Handle, obj.Cookie,
			obj.Flags&wire.ObjectAcceptsFDs != 0, uint8(obj.Flags&wire.ObjectPriorityMask))
		ref := target.obtainOrCreateReference(n, false)
		strong := obj.Type == wire.TypeBinder
		h.incNode(n, strong, true, tx.CallerThread)
		if strong {
			ref.Strong++
		} else {
			ref.Weak++
		}
		newType := wire.TypeHandle
		if !strong {
			newType = wire.TypeWeakHandle
		}
		encodeFlatObject(payload, off, flatObjectView{Type: newType, Flags: obj.Flags, Handle: uint64(ref.Descriptor), Cookie: obj.Cookie})

	case wire.TypeHandle, wire.TypeWeakHandle:
		ref, ok := caller.RefsByDesc[uint32(obj.Handle)]
		if !ok {
			return errUnknownDescriptor
		}
		strong := obj.Type == wire.TypeHandle
		if ref.Node.Owner == target {
			h.incNode(ref.Node, strong, false, tx.CallerThread)
			newType := wire.TypeBinder
			if !strong {
				newType = wire.TypeWeakBinder
			}
			encodeFlatObject(payload, off, flatObjectView{Type: newType, Flags: obj.Flags, Handle: ref.Node.Ptr, Cookie: ref.Node.Cookie})
		} else {
			newRef := target.obtainOrCreateReference(ref.Node, false)
			h.incNode(ref.Node, strong, true, tx.CallerThread)
			if strong {
				newRef.Strong++
			} else {
				newRef.Weak++
			}
			encodeFlatObject(payload, off, flatObjectView{Type: obj.Type, Flags: obj.Flags, Handle: uint64(newRef.Descriptor), Cookie: obj.Cookie})
		}

	case wire.TypeFD:
		acceptsFDs := (tx.TargetNode != nil && tx.TargetNode.AcceptFDs) || (tx.IsReply && tx.Flags&wire.TF_ACCEPT_FDS != 0)
		if !acceptsFDs {
			return errFDsNotAccepted
		}
		newFD := target.FDs.Install()
		encodeFlatObject(payload, off, flatObjectView{Type: wire.TypeFD, Flags: obj.Flags, Handle: uint64(newFD)})

	default:
		return errUnknownObjectType
	}
	return nil
}

// releaseTranslated undoes every already-rewritten object up to (not
// including) the failing offset, per spec §4.4.
func (h *Host) releaseTranslated(tx *Transaction, target *Process, payload []byte, done []uint32) {
	for _, off := range done {
		obj := decodeFlatObject(payload, off)
		switch obj.Type {
		case wire.TypeHandle, wire.TypeWeakHandle:
			if ref, ok := target.RefsByDesc[uint32(obj.Handle)]; ok {
				strong := obj.Type == wire.TypeHandle
				if strong {
					ref.Strong--
				} else {
					ref.Weak--
				}
				h.decNode(ref.Node, strong, true)
				if ref.eligibleForDeletion() {
					target.destroyReference(ref)
				}
			}
		case wire.TypeBinder, wire.TypeWeakBinder:
			if n, ok := target.Nodes[obj.Handle]; ok {
				h.decNode(n, obj.Type == wire.TypeBinder, false)
			}
		case wire.TypeFD:
			target.FDs.Close(uint32(obj.Handle))
		}
	}
}

// stashReturnError implements the §7 propagation rule: the primary slot
// first, the secondary slot if the primary is already occupied.
func (h *Host) stashReturnError(t *Thread, code wire.Return) {
	if t.ReturnError == 0 {
		t.ReturnError = int(code)
	} else if t.ReturnError2 == 0 {
		t.ReturnError2 = int(code)
	}
	h.wakeThread(t)
}

// propagateFailure implements the §4.4 "Failed reply propagation" rule:
// walk the FromParent chain, stashing BR_DEAD_REPLY on every ancestor
// whose originating thread is still alive and not already holding a
// return error, then detach it.
func (h *Host) propagateFailure(tx *Transaction) {
	for anc := tx.FromParent; anc != nil; {
		next := anc.FromParent
		if anc.CallerThread != nil {
			h.stashReturnError(anc.CallerThread, wire.BR_DEAD_REPLY)
		}
		anc.FromParent = nil
		anc = next
	}
}
