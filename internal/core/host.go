package core

import (
	"context"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/binderd/binderd/internal/bufferpool"
	"github.com/binderd/binderd/internal/logging"
)

// bgCtx is used for the few bufferpool calls made from inside the global
// lock where no caller-supplied context is threaded through yet.
var bgCtx = context.Background()

// Host owns the three items spec §9 calls out as genuinely process-wide:
// the set of all Processes, the set of orphan Nodes, and the single
// context-manager slot with its sticky uid. A single mutex covers these
// plus every Process's object tables, buffer pool and queues, per the
// concurrency model in spec §5.
type Host struct {
	mu   sync.Mutex
	cond *sync.Cond

	processes map[ProcessID]*Process
	orphans   map[uint64]*Node

	ctxMgr    *Node
	ctxMgrUID uint32
	ctxMgrSet bool

	nextProcessID ProcessID
	pageMapper    bufferpool.PageMapper
	log           *logging.Logger

	// bufferNodes tracks which Node a buffer was allocated for. A Node's
	// Ptr may legitimately be 0 (the context manager), so this can't be
	// folded into a zero-valued field on Buffer itself the way
	// Buffer.TransactionID is.
	bufferNodes map[*bufferpool.Buffer]*Node
}

// New returns an empty Host. mapper may be nil to use a no-op page mapper
// (suitable for tests and for hosts that pre-fault the whole mapping).
func New(mapper bufferpool.PageMapper, log *logging.Logger) *Host {
	if log == nil {
		log = logging.Default()
	}
	h := &Host{
		processes:   make(map[ProcessID]*Process),
		orphans:     make(map[uint64]*Node),
		pageMapper:  mapper,
		log:         log.WithCategory("core"),
		bufferNodes: make(map[*bufferpool.Buffer]*Node),
	}
	h.cond = sync.NewCond(&h.mu)
	return h
}

// Open allocates a Process and inserts it into the global process set
// (spec §6 "open").
func (h *Host) Open(uid uint32) *Process {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextProcessID++
	p := newProcess(h.nextProcessID, uid)
	p.NiceFloor = hostNiceFloor(h.log)
	h.processes[p.ID] = p
	return p
}

// Mmap reserves the process's shared mapping (spec §6 "mmap"): a single
// free buffer spanning the whole region, user_buffer_offset implied by the
// Pool's own addressing, and free_async_space = len/2.
func (h *Host) Mmap(p *Process, length uint32) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if length > 4*1024*1024 {
		return errMmapTooLarge
	}
	p.MappingSize = length
	p.Pool = bufferpool.New(length, h.pageMapper, h.log.WithCategory("bufferpool"))
	return nil
}

// NewThread registers a Thread under p, keyed by the host thread id. A
// caller that has no externally meaningful thread id of its own (tid ==
// 0) gets the real OS thread id of the calling goroutine's current
// carrier thread via gettid(2), so priority inheritance (applyPriorityInheritance)
// has a real thread to hand to setpriority(2); this is only stable if the
// caller is also the one that will later issue WriteRead on the same
// carrier thread, which holds for this package's own dispatch loop.
func (h *Host) NewThread(p *Process, tid uint64) *Thread {
	h.mu.Lock()
	defer h.mu.Unlock()
	if tid == 0 {
		tid = uint64(unix.Gettid())
	}
	t := newThread(p, tid)
	p.Threads[tid] = t
	return t
}

// HasWork reports whether t has anything a read would return right now:
// a stashed return-error slot, its own todo, or its owning process's
// todo (spec §6 poll() checks exactly this to decide readability).
func (h *Host) HasWork(t *Thread) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return t.ReturnError != 0 || len(t.Todo) > 0 || len(t.Owner.Todo) > 0
}

// SetContextManager implements SET_CONTEXT_MGR (spec §4.2): fails if the
// slot is occupied or if the caller uid does not match a previously
// recorded uid; on success creates a Node with a null service pointer,
// local_strong/local_weak bumped from zero so the owner's next read
// naturally observes the first-touch BR_INCREFS/BR_ACQUIRE pair (spec
// §4.3).
func (h *Host) SetContextManager(p *Process) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ctxMgrSet {
		if h.ctxMgrUID != p.UID {
			return errContextManagerUIDMismatch
		}
		if h.ctxMgr != nil {
			return errContextManagerTaken
		}
	}
	h.ctxMgrUID = p.UID
	h.ctxMgrSet = true

	n := newNode(0, 0, p)
	p.Nodes[0] = n
	h.ctxMgr = n
	// Bumping local_strong/local_weak here (rather than presetting
	// has_strong_ref/has_weak_ref) lets the normal node-work path queue
	// the owner's first BR_INCREFS/BR_ACQUIRE, exactly as if an ordinary
	// first reference had just appeared (spec §4.2, §4.3).
	h.incNode(n, false, false, nil)
	h.incNode(n, true, false, nil)
	return nil
}

// contextManagerReference returns (creating if needed) the calling
// process's Reference to the context-manager Node, used when a client
// looks it up via descriptor 0.
func (h *Host) contextManagerReference(p *Process) (*Reference, error) {
	if h.ctxMgr == nil {
		return nil, errNoContextManager
	}
	return p.obtainOrCreateReference(h.ctxMgr, true), nil
}

// lookupOrCreateLocalNode finds (or creates) the Node a process exports
// for a given (ptr, cookie) pair, used by BINDER_TYPE_BINDER object
// translation (spec §4.4).
func (h *Host) lookupOrCreateLocalNode(p *Process, ptr, cookie uint64, acceptFDs bool, minPriority uint8) *Node {
	if n, ok := p.Nodes[ptr]; ok {
		return n
	}
	n := newNode(ptr, cookie, p)
	n.AcceptFDs = acceptFDs
	n.MinPriority = minPriority
	p.Nodes[ptr] = n
	return n
}

// wakeProcess and wakeThread broadcast to every waiter; a single
// sync.Cond per Host is coarse but correct, matching the "single global
// exclusion" concurrency model (spec §5) where only suspension points (a)
// and (b) ever drop the lock.
func (h *Host) wakeProcess(p *Process) { h.cond.Broadcast() }
func (h *Host) wakeThread(t *Thread)   { h.cond.Broadcast() }

// WakeAll implements the flush() external interface (spec §6): every
// thread of every process gets NEED_RETURN set, and every thread blocked
// in a read wakes and re-checks its queue.
func (h *Host) WakeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, p := range h.processes {
		for _, t := range p.Threads {
			t.Looper.SetNeedReturn(true)
		}
	}
	h.cond.Broadcast()
}

// FreeProcessBuffer implements BC_FREE_BUFFER (spec §4.1, §6): releases
// the buffer and, if it carried an async transaction with a queued
// successor, moves the head of that Node's async_todo onto the freeing
// thread's todo.
func (h *Host) FreeProcessBuffer(t *Thread, addr uint32) error {
	p := t.Owner
	buf, err := p.Pool.Lookup(addr)
	if err != nil {
		return err
	}
	if !buf.AllowUserFree {
		return errBufferNotUserFreeable
	}
	node := h.bufferNodes[buf]
	delete(h.bufferNodes, buf)
	wasAsync := buf.AsyncTransaction
	if err := p.Pool.Free(bgCtx, buf); err != nil {
		return err
	}
	if wasAsync && node != nil {
		if len(node.AsyncTodo) > 0 {
			next := node.AsyncTodo[0]
			node.AsyncTodo = node.AsyncTodo[1:]
			t.Todo = append(t.Todo, WorkItem{Kind: WorkTransaction, Transaction: next})
		} else {
			node.HasAsyncTransaction = false
		}
	}
	return nil
}

// Teardown implements the deferred-release sweep (spec §9): threads, then
// nodes (orphaning ones with surviving external refs), then local
// references, then pending deaths, then buffers.
func (h *Host) Teardown(p *Process) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p.open = false

	for _, t := range p.Threads {
		h.failThreadTransactions(t)
	}
	p.Threads = nil

	for ptr, n := range p.Nodes {
		if n.refCount() > 0 {
			n.Owner = nil
			h.orphans[n.DebugID] = n
			h.notifyNodeDeath(n)
		}
		delete(p.Nodes, ptr)
	}

	for _, r := range p.RefsByDesc {
		r.Node.dropRef(r)
		h.maybeDeleteNode(r.Node)
	}
	p.RefsByDesc = nil
	p.RefsByNode = nil

	p.DeliveredDeaths = nil

	if p.Pool != nil {
		p.Pool.Walk(func(buf *bufferpool.Buffer) { delete(h.bufferNodes, buf) })
		p.Pool.TearDown()
	}
	if h.ctxMgr != nil && h.ctxMgr.Owner == p {
		h.ctxMgr = nil
	}
	delete(h.processes, p.ID)
}

// ThreadExit implements THREAD_EXIT (spec §6): tears down only the calling
// Thread, failing transactions it was receiving and detaching ones it
// sent. Unlike Teardown, every other Thread, Node, Reference and buffer
// belonging to p is left exactly as it was.
func (h *Host) ThreadExit(p *Process, t *Thread) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failThreadTransactions(t)
	delete(p.Threads, t.TID)
}

// failThreadTransactions fails every transaction this thread was receiving
// with BR_DEAD_REPLY and detaches transactions it sent (spec §6
// THREAD_EXIT, §4.4 failed-reply propagation).
func (h *Host) failThreadTransactions(t *Thread) {
	for _, tx := range t.Stack {
		h.propagateFailure(tx)
	}
	t.Stack = nil
	t.Todo = nil
}
