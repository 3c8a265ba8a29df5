package core

import (
	"testing"

	"github.com/binderd/binderd/internal/wire"
)

func newTestHost(t *testing.T) *Host {
	t.Helper()
	return New(nil, nil)
}

func openProcess(t *testing.T, h *Host, uid uint32, mapSize uint32) (*Process, *Thread) {
	t.Helper()
	p := h.Open(uid)
	if err := h.Mmap(p, mapSize); err != nil {
		t.Fatalf("Mmap: %v", err)
	}
	th := h.NewThread(p, uint64(p.ID)*1000+1)
	th.Looper.Register(true)
	return p, th
}

func encodeSimple(cmd wire.Command, descriptor uint32) []byte {
	w := wire.NewCommandWriter()
	w.Descriptor(cmd, descriptor)
	return w.Bytes()
}

// TestContextManagerHandshake is a simplified rendition of scenario S1: a
// context manager registers, a client increfs/acquires descriptor 0 and
// sends it a transaction; the context manager's next read observes the
// refcount bumps and the transaction.
func TestContextManagerHandshake(t *testing.T) {
	h := newTestHost(t)
	p0, t0 := openProcess(t, h, 0, 128*1024)
	if err := h.SetContextManager(p0); err != nil {
		t.Fatalf("SetContextManager: %v", err)
	}

	p1, t1 := openProcess(t, h, 1000, 128*1024)

	write := wire.NewCommandWriter()
	write.Descriptor(wire.BC_INCREFS, 0)
	write.Descriptor(wire.BC_ACQUIRE, 0)
	write.Transaction(wire.BC_TRANSACTION, wire.TransactionData{Target: 0, Code: 1})
	if err := h.ProcessWrite(t1, write.Bytes()); err != nil {
		t.Fatalf("ProcessWrite: %v", err)
	}

	out, err := h.ProcessRead(t1, false)
	if err != nil {
		t.Fatalf("ProcessRead (P1): %v", err)
	}
	r := wire.NewReturnReader(out)
	mustReturn(t, r, wire.BR_NOOP)
	mustReturn(t, r, wire.BR_TRANSACTION_COMPLETE)

	out0, err := h.ProcessRead(t0, false)
	if err != nil {
		t.Fatalf("ProcessRead (P0): %v", err)
	}
	r0 := wire.NewReturnReader(out0)
	mustReturn(t, r0, wire.BR_NOOP)
	mustReturn(t, r0, wire.BR_INCREFS)
	if _, err := r0.ReadRefReturn(); err != nil {
		t.Fatalf("ReadRefReturn: %v", err)
	}
	mustReturn(t, r0, wire.BR_ACQUIRE)
	if _, err := r0.ReadRefReturn(); err != nil {
		t.Fatalf("ReadRefReturn: %v", err)
	}
	code := mustReturn(t, r0, wire.BR_TRANSACTION)
	_ = code
	td, err := r0.ReadTransaction()
	if err != nil {
		t.Fatalf("ReadTransaction: %v", err)
	}
	if td.Code != 1 {
		t.Fatalf("expected code=1, got %d", td.Code)
	}

	_ = p1
}

func mustReturn(t *testing.T, r *wire.ReturnReader, want wire.Return) wire.Return {
	t.Helper()
	got, err := r.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
	return got
}

// TestIncDecRefsRoundTrip verifies the round-trip law: INCREFS n; DECREFS n
// with no intervening mutation leaves the process byte-identical — here,
// leaves the Reference's weak count back at zero.
func TestIncDecRefsRoundTrip(t *testing.T) {
	h := newTestHost(t)
	p0, _ := openProcess(t, h, 0, 64*1024)
	if err := h.SetContextManager(p0); err != nil {
		t.Fatalf("SetContextManager: %v", err)
	}
	p1, t1 := openProcess(t, h, 1, 64*1024)

	if err := h.ProcessWrite(t1, encodeSimple(wire.BC_INCREFS, 0)); err != nil {
		t.Fatalf("INCREFS: %v", err)
	}
	ref := p1.RefsByDesc[0]
	if ref.Weak != 1 {
		t.Fatalf("expected weak=1 after INCREFS, got %d", ref.Weak)
	}
	if err := h.ProcessWrite(t1, encodeSimple(wire.BC_DECREFS, 0)); err != nil {
		t.Fatalf("DECREFS: %v", err)
	}
	if ref.Weak != 0 {
		t.Fatalf("expected weak=0 after DECREFS, got %d", ref.Weak)
	}
}

// TestRequestThenClearDeathLeavesNoSubscription is the second round-trip
// law: REQUEST_DEATH_NOTIFICATION; CLEAR_DEATH_NOTIFICATION while the
// node is live leaves the subscription detached and acknowledges exactly
// once.
func TestRequestThenClearDeathLeavesNoSubscription(t *testing.T) {
	h := newTestHost(t)
	p0, _ := openProcess(t, h, 0, 64*1024)
	if err := h.SetContextManager(p0); err != nil {
		t.Fatalf("SetContextManager: %v", err)
	}
	p1, t1 := openProcess(t, h, 1, 64*1024)
	if _, err := h.contextManagerReference(p1); err != nil {
		t.Fatalf("contextManagerReference: %v", err)
	}

	if err := h.RequestDeathNotification(t1, 0, 0xC1); err != nil {
		t.Fatalf("RequestDeathNotification: %v", err)
	}
	if p1.RefsByDesc[0].Death == nil {
		t.Fatal("expected a subscription to be attached")
	}
	if err := h.ClearDeathNotification(t1, 0, 0xC1); err != nil {
		t.Fatalf("ClearDeathNotification: %v", err)
	}
	if p1.RefsByDesc[0].Death != nil {
		t.Fatal("expected the subscription to be detached after clear")
	}

	out, err := h.ProcessRead(t1, false)
	if err != nil {
		t.Fatalf("ProcessRead: %v", err)
	}
	r := wire.NewReturnReader(out)
	mustReturn(t, r, wire.BR_NOOP)
	mustReturn(t, r, wire.BR_CLEAR_DEATH_NOTIFICATION_DONE)
	if _, err := r.ReadCookie(); err != nil {
		t.Fatalf("ReadCookie: %v", err)
	}
	// A read that returned work ends with the spawn hint: t1 is a
	// registered looper and no other thread of p1 is idle.
	mustReturn(t, r, wire.BR_SPAWN_LOOPER)
	if r.Remaining() {
		t.Fatal("expected exactly one CLEAR_DEATH_NOTIFICATION_DONE and nothing else")
	}
}

// TestDeathNotificationOnOwnerTeardown exercises scenario S5: the
// subscriber observes BR_DEAD_BINDER once the owning process tears down.
func TestDeathNotificationOnOwnerTeardown(t *testing.T) {
	h := newTestHost(t)
	p0, _ := openProcess(t, h, 0, 64*1024)
	if err := h.SetContextManager(p0); err != nil {
		t.Fatalf("SetContextManager: %v", err)
	}
	p1, t1 := openProcess(t, h, 1, 64*1024)
	ref, err := h.contextManagerReference(p1)
	if err != nil {
		t.Fatalf("contextManagerReference: %v", err)
	}
	if err := h.RequestDeathNotification(t1, ref.Descriptor, 0xC1); err != nil {
		t.Fatalf("RequestDeathNotification: %v", err)
	}

	h.Teardown(p0)

	out, err := h.ProcessRead(t1, false)
	if err != nil {
		t.Fatalf("ProcessRead: %v", err)
	}
	r := wire.NewReturnReader(out)
	mustReturn(t, r, wire.BR_NOOP)
	mustReturn(t, r, wire.BR_DEAD_BINDER)
	cookie, err := r.ReadCookie()
	if err != nil || cookie != 0xC1 {
		t.Fatalf("expected cookie 0xC1, got (%d, %v)", cookie, err)
	}

	if err := h.DeadBinderDone(p1, 0xC1); err != nil {
		t.Fatalf("DeadBinderDone: %v", err)
	}
	if _, ok := p1.DeliveredDeaths[0xC1]; ok {
		t.Fatal("expected the delivered-death entry to be removed after DEAD_BINDER_DONE")
	}
}

// TestOnewayTransactionsSerializePerNode exercises scenario S4: a second
// oneway transaction to the same node only becomes deliverable after the
// first's buffer is freed.
func TestOnewayTransactionsSerializePerNode(t *testing.T) {
	h := newTestHost(t)
	p0, t0 := openProcess(t, h, 0, 64*1024)
	if err := h.SetContextManager(p0); err != nil {
		t.Fatalf("SetContextManager: %v", err)
	}
	p1, t1 := openProcess(t, h, 1, 64*1024)
	if _, err := h.contextManagerReference(p1); err != nil {
		t.Fatalf("contextManagerReference: %v", err)
	}

	for i := 0; i < 3; i++ {
		w := wire.NewCommandWriter()
		w.Transaction(wire.BC_TRANSACTION, wire.TransactionData{Target: 0, Flags: wire.TF_ONE_WAY, Code: uint32(i)})
		if err := h.ProcessWrite(t1, w.Bytes()); err != nil {
			t.Fatalf("ProcessWrite %d: %v", i, err)
		}
	}

	if !h.ctxMgr.HasAsyncTransaction {
		t.Fatal("expected the node to have an in-flight async transaction")
	}
	if len(h.ctxMgr.AsyncTodo) != 2 {
		t.Fatalf("expected 2 queued oneway transactions, got %d", len(h.ctxMgr.AsyncTodo))
	}

	out, err := h.ProcessRead(t0, false)
	if err != nil {
		t.Fatalf("ProcessRead: %v", err)
	}
	r := wire.NewReturnReader(out)
	mustReturn(t, r, wire.BR_NOOP)
	// SetContextManager queued the node's reference work on p0 first.
	mustReturn(t, r, wire.BR_INCREFS)
	if _, err := r.ReadRefReturn(); err != nil {
		t.Fatalf("ReadRefReturn: %v", err)
	}
	mustReturn(t, r, wire.BR_ACQUIRE)
	if _, err := r.ReadRefReturn(); err != nil {
		t.Fatalf("ReadRefReturn: %v", err)
	}
	mustReturn(t, r, wire.BR_TRANSACTION)
	td, err := r.ReadTransaction()
	if err != nil {
		t.Fatalf("ReadTransaction: %v", err)
	}
	if td.Code != 0 {
		t.Fatalf("expected first oneway transaction (code 0) delivered, got %d", td.Code)
	}

	buf, err := p0.Pool.Lookup(0)
	if err != nil {
		t.Fatalf("Lookup buffer at addr 0: %v", err)
	}
	if err := h.FreeProcessBuffer(t0, buf.Addr); err != nil {
		t.Fatalf("FreeProcessBuffer: %v", err)
	}
	if len(h.ctxMgr.AsyncTodo) != 1 {
		t.Fatalf("expected 1 queued oneway transaction after freeing the first, got %d", len(h.ctxMgr.AsyncTodo))
	}
	if len(t0.Todo) != 1 {
		t.Fatalf("expected the next oneway transaction moved onto the freeing thread's todo, got %d items", len(t0.Todo))
	}
}

// TestNodeNotFreedWhilePendingAck is testable property 5: a Node with
// pending_strong_ref set is never freed even if its counts drop to zero.
func TestNodeNotFreedWhilePendingAck(t *testing.T) {
	h := newTestHost(t)
	p0, _ := openProcess(t, h, 0, 64*1024)
	if err := h.SetContextManager(p0); err != nil {
		t.Fatalf("SetContextManager: %v", err)
	}
	n := p0.Nodes[0]
	n.LocalStrong = 0
	n.LocalWeak = 0
	n.HasStrongRef = false
	n.PendingStrongRef = true

	h.maybeDeleteNode(n)
	if _, ok := p0.Nodes[0]; !ok {
		t.Fatal("expected the node to survive while pending_strong_ref is set")
	}
}
