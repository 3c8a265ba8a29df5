package binder

import (
	"time"

	"github.com/binderd/binderd/internal/core"
	"github.com/binderd/binderd/internal/logging"
	"github.com/binderd/binderd/internal/wire"
)

// protocolVersion is returned by the VERSION ioctl (spec §6); it is the
// wire layer's ProtocolVersion.
const protocolVersion = wire.ProtocolVersion

// Host is the process-wide binder core: the shared object graph, every
// opened Process, the context-manager slot. Analogous to go-ublk's
// top-level Device/controller split, but here one Host backs many
// Endpoints the way one kernel backs many opened /dev/binder fds.
type Host struct {
	core *core.Host
	obs  Observer
}

// NewHost creates a Host. obs may be nil, in which case observations
// are discarded.
func NewHost(obs Observer) *Host {
	if obs == nil {
		obs = NoOpObserver{}
	}
	return &Host{core: core.New(nil, logging.Default()), obs: obs}
}

// Open implements the open() external interface (spec §6): allocates a
// Process and returns an Endpoint bound to it.
func (h *Host) Open(uid uint32, params ProcessParams) *Endpoint {
	p := h.core.Open(uid)
	p.Governor.SetMax(params.MaxThreads)
	p.DefaultPriority = params.DefaultPriority
	return &Endpoint{host: h, proc: p, params: params}
}

// Endpoint is the per-process handle a caller drives: one Endpoint per
// opened /dev/binder fd in the real driver, here one per Open() call.
type Endpoint struct {
	host   *Host
	proc   *core.Process
	params ProcessParams
}

// Mmap implements the mmap() external interface (spec §6).
func (e *Endpoint) Mmap(length uint32) error {
	if length == 0 {
		length = e.params.MappingSize
	}
	if err := e.host.core.Mmap(e.proc, length); err != nil {
		return WrapError("mmap", uint64(e.proc.ID), 0, ErrCodeMappingTooLarge, err)
	}
	return nil
}

// SetContextManager implements the SET_CONTEXT_MGR ioctl.
func (e *Endpoint) SetContextManager() error {
	if err := e.host.core.SetContextManager(e.proc); err != nil {
		return WrapError("ioctl(SET_CONTEXT_MGR)", uint64(e.proc.ID), 0, ErrCodeNoContextMgr, err)
	}
	return nil
}

// SetMaxThreads implements the SET_MAX_THREADS ioctl.
func (e *Endpoint) SetMaxThreads(n int) {
	e.proc.Governor.SetMax(n)
}

// Version implements the VERSION ioctl.
func (e *Endpoint) Version() uint32 { return protocolVersion }

// ThreadHandle is one looper thread's view of its Endpoint, the unit
// WRITE_READ operates on (spec §6: ioctl is issued per-thread).
type ThreadHandle struct {
	ep     *Endpoint
	thread *core.Thread
}

// NewThread implements the per-thread half of BC_REGISTER_LOOPER /
// BC_ENTER_LOOPER's precondition: registering a host thread id with the
// Endpoint before it can issue WRITE_READ.
func (e *Endpoint) NewThread(tid uint64) *ThreadHandle {
	t := e.host.core.NewThread(e.proc, tid)
	return &ThreadHandle{ep: e, thread: t}
}

// ThreadExit implements the THREAD_EXIT ioctl (spec §6): tears down only
// the calling Thread. Transactions it was mid-receiving are failed and
// ones it sent are detached; every sibling Thread, Node, Reference and
// buffer belonging to the process is untouched. release (Endpoint.Release,
// below) is the whole-process teardown path.
func (t *ThreadHandle) ThreadExit() {
	t.ep.host.core.ThreadExit(t.ep.proc, t.thread)
}

// WriteRead implements the WRITE_READ ioctl (spec §6): applies every
// BC_* command in writeData, then drains available BR_* returns into
// the result, blocking if block is true and nothing is available yet.
func (t *ThreadHandle) WriteRead(writeData []byte, block bool) ([]byte, error) {
	start := time.Now()
	if len(writeData) > 0 {
		if err := t.ep.host.core.ProcessWrite(t.thread, writeData); err != nil {
			return nil, WrapError("ioctl(WRITE_READ write)", uint64(t.ep.proc.ID), t.thread.TID, ErrCodeProtocol, err)
		}
	}
	out, err := t.ep.host.core.ProcessRead(t.thread, block)
	if err != nil {
		return nil, WrapError("ioctl(WRITE_READ read)", uint64(t.ep.proc.ID), t.thread.TID, ErrCodeProtocol, err)
	}
	t.ep.host.observeReturns(out, time.Since(start))
	return out, nil
}

// Poll implements the poll() external interface (spec §6): reports
// whether a non-blocking WRITE_READ on this thread would return
// something beyond the bare BR_NOOP.
func (t *ThreadHandle) Poll() bool {
	return t.ep.host.core.HasWork(t.thread)
}

// Flush implements the flush() external interface (spec §6): sets
// NEED_RETURN on every thread across the whole host and wakes every
// waiting thread, the same blunt wake_up_interruptible_all the real
// driver issues on flush.
func (e *Endpoint) Flush() {
	e.host.core.WakeAll()
}

// Release implements the release() external interface (spec §6): runs
// the deferred-teardown sweep of spec §9 over this Endpoint's process.
func (e *Endpoint) Release() {
	e.host.core.Teardown(e.proc)
}

// observeReturns scans a drained BR_* stream for transaction, death and
// reference-count returns and reports them to the configured Observer.
// It reports no buffer-pool occupancy. The latency passed for every
// transaction is the duration of the WriteRead call that drained it (the
// wire layer doesn't carry timing per-frame), a representative signal for
// scrape-based inspection during manual testing.
func (h *Host) observeReturns(data []byte, latency time.Duration) {
	r := wire.NewReturnReader(data)
	for r.Remaining() {
		code, err := r.Next()
		if err != nil {
			return
		}
		switch code {
		case wire.BR_TRANSACTION, wire.BR_REPLY:
			td, err := r.ReadTransaction()
			if err != nil {
				return
			}
			h.obs.ObserveTransaction(td.Flags&wire.TF_ONE_WAY != 0, uint64(latency.Nanoseconds()), true)
		case wire.BR_DEAD_BINDER:
			if _, err := r.ReadCookie(); err != nil {
				return
			}
			h.obs.ObserveDeathNotification()
		case wire.BR_INCREFS, wire.BR_ACQUIRE, wire.BR_RELEASE, wire.BR_DECREFS:
			if _, err := r.ReadRefReturn(); err != nil {
				return
			}
			h.obs.ObserveRefCountEvent(code.String())
		}
	}
}
