package binder

// NewTestHost returns a Host with no metrics wiring, suitable for unit
// tests that don't care about Observer output (go-ublk's testing.go
// plays the same role with a stub io_uring runner standing in for the
// real kernel ring).
func NewTestHost() *Host {
	return NewHost(NoOpObserver{})
}

// OpenForTest opens a process with small, fast-to-allocate defaults
// and a single registered looper thread, returning both so a test can
// drive WriteRead directly without repeating the open/mmap/register
// boilerplate.
func OpenForTest(h *Host, uid uint32, tid uint64) (*Endpoint, *ThreadHandle) {
	params := DefaultParams()
	params.MappingSize = 64 * 1024
	ep := h.Open(uid, params)
	if err := ep.Mmap(0); err != nil {
		panic(err) // test harness only; a 64 KiB mapping never exceeds the cap
	}
	th := ep.NewThread(tid)
	th.thread.Looper.Register(true)
	return ep, th
}
