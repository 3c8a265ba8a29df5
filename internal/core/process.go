package core

import (
	"github.com/binderd/binderd/internal/bufferpool"
	"github.com/binderd/binderd/internal/looper"
)

// ProcessID identifies one opened endpoint.
type ProcessID uint64

// Process represents one opened endpoint (spec §3 "Process").
type Process struct {
	ID  ProcessID
	UID uint32

	Pool *bufferpool.Pool

	Nodes      map[uint64]*Node      // keyed by owner service pointer
	RefsByDesc map[uint32]*Reference // keyed by descriptor
	RefsByNode map[*Node]*Reference  // keyed by target-node identity

	Threads map[uint64]*Thread // keyed by host thread id

	Todo            []WorkItem
	DeliveredDeaths map[uint64]*DeathSubscription // keyed by subscriber cookie

	DefaultPriority uint8
	// NiceFloor is the lowest (most-favorable) nice value a priority
	// inheritance adoption in this process may clamp to, seeded from the
	// host OS process's own nice value at open() time (spec §4.4: "saved
	// priority is clamped by the host's per-process nice rlimit").
	NiceFloor uint8
	Governor  *looper.Governor

	MappingSize uint32
	FDs         *FDTable

	open bool // false once release() has begun deferred teardown
}

func newProcess(id ProcessID, uid uint32) *Process {
	return &Process{
		ID:              id,
		UID:             uid,
		Nodes:           make(map[uint64]*Node),
		RefsByDesc:      make(map[uint32]*Reference),
		RefsByNode:      make(map[*Node]*Reference),
		Threads:         make(map[uint64]*Thread),
		DeliveredDeaths: make(map[uint64]*DeathSubscription),
		Governor:        looper.NewGovernor(15),
		FDs:             newFDTable(),
		open:            true,
	}
}

// FDTable stands in for the host's per-process file capability table,
// modeling BINDER_TYPE_FD handoff (spec §4.4) without a real kernel file
// descriptor space to dup into.
type FDTable struct {
	next uint32
	open map[uint32]struct{}
}

func newFDTable() *FDTable {
	return &FDTable{next: 3, open: make(map[uint32]struct{})}
}

// Install allocates a fresh close-on-exec descriptor standing in for a
// duplicated file capability.
func (f *FDTable) Install() uint32 {
	fd := f.next
	f.next++
	f.open[fd] = struct{}{}
	return fd
}

// Close releases a descriptor previously installed by Install.
func (f *FDTable) Close(fd uint32) {
	delete(f.open, fd)
}
