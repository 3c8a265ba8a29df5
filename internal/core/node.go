package core

// Node is the kernel-side record for one exported service (spec §3
// "Node (exported service)").
type Node struct {
	DebugID uint64

	// Owner is the home Process; nil once the Node has been orphaned onto
	// Host.orphans because its home Process died while external
	// References still exist.
	Owner *Process

	Ptr    uint64 // owner's service pointer, the cross-process identity
	Cookie uint64

	InternalStrong int // held by References in other processes
	InternalWeak   int // weak-count counterpart, tracked the same way (spec §4.3 "likewise for weak")
	LocalStrong    int // held by in-flight transactions + owner's acquire ack
	LocalWeak      int

	HasStrongRef bool // owner believes it holds a strong count
	HasWeakRef   bool

	PendingStrongRef bool // an acquire request is in flight to the owner, unacknowledged
	PendingWeakRef   bool

	AcceptFDs   bool
	MinPriority uint8

	AsyncTodo           []*Transaction
	HasAsyncTransaction bool

	refsIn map[*Reference]struct{} // iteration-only; never extends lifetime (spec §9)
}

func newNode(ptr, cookie uint64, owner *Process) *Node {
	return &Node{
		DebugID: nextDebugID(),
		Owner:   owner,
		Ptr:     ptr,
		Cookie:  cookie,
		refsIn:  make(map[*Reference]struct{}),
	}
}

func (n *Node) addRef(r *Reference) { n.refsIn[r] = struct{}{} }
func (n *Node) dropRef(r *Reference) { delete(n.refsIn, r) }
func (n *Node) refCount() int { return len(n.refsIn) }

// eligibleForDeletion implements the spec §4.3 deletion rule: refs empty
// AND local_strong, local_weak, internal_strong, internal_weak all zero
// AND neither has_ref is set.
func (n *Node) eligibleForDeletion() bool {
	return n.refCount() == 0 &&
		n.LocalStrong == 0 && n.LocalWeak == 0 &&
		n.InternalStrong == 0 && n.InternalWeak == 0 &&
		!n.HasStrongRef && !n.HasWeakRef
}
