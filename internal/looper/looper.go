// Package looper implements the Thread Pool Governor (component F): the
// per-thread looper-state bitset and the per-process spawn-hint decision
// that together keep a process's worker pool sized to demand.
//
// State transitions are modeled the same way go-ublk's queue runner models
// a tag's in-flight state (internal/queue/runner.go's TagState): a small
// enum guarded by a per-unit mutex, with illegal transitions recorded
// rather than panicked on, since a misbehaving client should get an error
// return, not bring down the process.
package looper

import (
	"sync"
)

// State is the looper-state bitset carried by one Thread (spec §4.6).
type State uint8

const (
	// StateRegistered is set by BC_REGISTER_LOOPER; legal only when the
	// thread was spawned at the governor's request.
	StateRegistered State = 1 << iota
	// StateEntered is set by BC_ENTER_LOOPER, the application-initiated
	// counterpart to StateRegistered.
	StateEntered
	// StateExited marks a thread that has left the pool.
	StateExited
	// StateInvalid marks an illegal transition was observed.
	StateInvalid
	// StateWaiting marks a thread currently blocked in a read.
	StateWaiting
	// StateNeedReturn marks a thread that must pop back to user space to
	// complete a side effect before it may block again.
	StateNeedReturn
)

func (s State) String() string {
	if s == 0 {
		return "fresh"
	}
	names := []struct {
		bit  State
		name string
	}{
		{StateRegistered, "REGISTERED"},
		{StateEntered, "ENTERED"},
		{StateExited, "EXITED"},
		{StateInvalid, "INVALID"},
		{StateWaiting, "WAITING"},
		{StateNeedReturn, "NEED_RETURN"},
	}
	out := ""
	for _, n := range names {
		if s&n.bit != 0 {
			if out != "" {
				out += "|"
			}
			out += n.name
		}
	}
	return out
}

func (s State) has(bit State) bool { return s&bit != 0 }

// isFresh reports whether the thread has not yet announced itself as
// either a registered or an application-entered looper.
func isFresh(s State) bool {
	return !s.has(StateRegistered) && !s.has(StateEntered) && !s.has(StateExited)
}

// Looper tracks one Thread's looper state. Freshly created threads start
// with StateNeedReturn set (spec §4.6).
type Looper struct {
	mu    sync.Mutex
	state State
}

// New returns a fresh Looper for a newly created Thread.
func New() *Looper {
	return &Looper{state: StateNeedReturn}
}

// State returns the current bitset.
func (l *Looper) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Register applies BC_REGISTER_LOOPER. requestPending must be true iff the
// governor had asked for a new thread (BR_SPAWN_LOOPER was emitted); a
// registration announced without a pending request is illegal.
func (l *Looper) Register(requestPending bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch {
	case isFresh(l.state):
		if requestPending {
			l.state |= StateRegistered
		} else {
			l.state |= StateInvalid
		}
	case l.state.has(StateEntered):
		l.state |= StateInvalid
	default:
		// already REGISTERED: idempotent
	}
}

// Enter applies BC_ENTER_LOOPER.
func (l *Looper) Enter() {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch {
	case isFresh(l.state):
		l.state |= StateEntered
	case l.state.has(StateRegistered):
		l.state |= StateInvalid
	default:
		// already ENTERED: idempotent
	}
}

// Exit applies BC_EXIT_LOOPER or THREAD_EXIT teardown; legal from any state.
func (l *Looper) Exit() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state |= StateExited
}

// SetWaiting records that the thread has dropped the global lock and is
// now blocked on a wait queue (spec §5 suspension point (a)).
func (l *Looper) SetWaiting(waiting bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if waiting {
		l.state |= StateWaiting
	} else {
		l.state &^= StateWaiting
	}
}

// SetNeedReturn sets or clears the bit forcing a prompt return from the
// next read; flush sets it on every thread. Fresh threads start with the
// bit already set (see New).
func (l *Looper) SetNeedReturn(need bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if need {
		l.state |= StateNeedReturn
	} else {
		l.state &^= StateNeedReturn
	}
}

// EligibleForDispatch reports whether the thread is a registered or
// application-entered looper, the precondition for receiving process-queue
// work and for the end-of-read spawn check (spec §4.6).
func (l *Looper) EligibleForDispatch() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return (l.state.has(StateRegistered) || l.state.has(StateEntered)) && !l.state.has(StateExited)
}

// Governor tracks one Process's thread-pool counters and decides when to
// ask the client to spawn another looper (spec §4.6).
type Governor struct {
	mu sync.Mutex

	Ready            int
	Requested        int
	RequestedStarted int
	Max              int
}

// NewGovernor returns a Governor with the given max-thread ceiling
// (spec §6 SET_MAX_THREADS).
func NewGovernor(max int) *Governor {
	return &Governor{Max: max}
}

// SetMax updates the max-thread ceiling (BC_SET_MAX_THREADS / SET_MAX_THREADS).
func (g *Governor) SetMax(max int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Max = max
}

// ThreadStarted records that a previously requested thread has registered.
func (g *Governor) ThreadStarted() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.Requested > 0 {
		g.Requested--
	}
	g.RequestedStarted++
}

// ThreadIdle marks a thread as parked and ready to accept process-queue
// work; ThreadBusy reverses it. Both are called as a thread's effective
// idleness changes (entering/leaving a blocking read).
func (g *Governor) ThreadIdle()  { g.adjustReady(1) }
func (g *Governor) ThreadBusy()  { g.adjustReady(-1) }
func (g *Governor) adjustReady(delta int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Ready += delta
	if g.Ready < 0 {
		g.Ready = 0
	}
}

// MaybeSpawn implements the end-of-read spawn check: "if the thread is
// REGISTERED or ENTERED: if requested_threads + ready_threads == 0 and
// requested_threads_started < max_threads, increment requested_threads and
// emit BR_SPAWN_LOOPER" (spec §4.6).
func (g *Governor) MaybeSpawn(l *Looper) bool {
	if !l.EligibleForDispatch() {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.Requested+g.Ready == 0 && g.RequestedStarted < g.Max {
		g.Requested++
		return true
	}
	return false
}
