package core

import "github.com/binderd/binderd/internal/wire"

// This file implements the Reference Engine (component C): the
// strong/weak counters on Nodes and References, and the two-phase
// "driver asks owner to acquire/release" protocol described in spec §4.3.

// incNode applies one strong-or-weak increment to n, from either an
// internal source (a Reference in another process) or a local source (an
// in-flight transaction or the owner's own acquire acknowledgement). If
// this is the node's first hold of that kind and the owner does not yet
// believe it holds one, a NodeWork item is queued so the owner learns
// about it on its next read.
func (h *Host) incNode(n *Node, strong, internal bool, requester *Thread) {
	if strong {
		before := n.InternalStrong + n.LocalStrong
		if internal {
			n.InternalStrong++
		} else {
			n.LocalStrong++
		}
		if before == 0 && !n.HasStrongRef {
			h.enqueueNodeWork(n, requester)
		}
		return
	}
	before := n.InternalWeak + n.LocalWeak
	if internal {
		n.InternalWeak++
	} else {
		n.LocalWeak++
	}
	if before == 0 && !n.HasWeakRef {
		h.enqueueNodeWork(n, requester)
	}
}

// decNode applies one strong-or-weak decrement, queuing a release
// NodeWork on the last-holder transition, and sweeps the Node if it has
// become eligible for deletion.
func (h *Host) decNode(n *Node, strong, internal bool) {
	if strong {
		if internal {
			if n.InternalStrong > 0 {
				n.InternalStrong--
			}
		} else {
			if n.LocalStrong > 0 {
				n.LocalStrong--
			}
		}
		if n.InternalStrong+n.LocalStrong == 0 && n.HasStrongRef {
			h.enqueueNodeWork(n, nil)
		}
	} else {
		if internal {
			if n.InternalWeak > 0 {
				n.InternalWeak--
			}
		} else {
			if n.LocalWeak > 0 {
				n.LocalWeak--
			}
		}
		if n.InternalWeak+n.LocalWeak == 0 && n.HasWeakRef {
			h.enqueueNodeWork(n, nil)
		}
	}
	h.maybeDeleteNode(n)
}

// enqueueNodeWork queues a WorkNode item that will be resolved lazily, at
// drain time, into the correct BR_* return (spec §4.3).
func (h *Host) enqueueNodeWork(n *Node, requester *Thread) {
	item := WorkItem{Kind: WorkNode, Node: n}
	owner := n.Owner
	if owner == nil {
		return // orphaned: no one left to notify
	}
	if requester != nil && requester.Owner == owner && requester.Looper.EligibleForDispatch() {
		requester.Todo = append(requester.Todo, item)
		return
	}
	owner.Todo = append(owner.Todo, item)
	h.wakeProcess(owner)
}

// resolveNodeWork converts a WorkNode item into the BR_* return appropriate
// for n's current counter tuple, and updates the pending_* flags the way
// the eventual BC_*_DONE acknowledgement expects (spec §4.3).
func resolveNodeWork(n *Node) (wire.Return, bool) {
	totalStrong := n.InternalStrong + n.LocalStrong
	totalWeak := n.InternalWeak + n.LocalWeak

	switch {
	case totalWeak > 0 && !n.HasWeakRef:
		n.HasWeakRef = true
		n.PendingWeakRef = true
		return wire.BR_INCREFS, true
	case totalStrong > 0 && !n.HasStrongRef:
		n.HasStrongRef = true
		n.PendingStrongRef = true
		return wire.BR_ACQUIRE, true
	case totalStrong == 0 && n.HasStrongRef:
		n.HasStrongRef = false
		return wire.BR_RELEASE, true
	case totalWeak == 0 && n.HasWeakRef:
		n.HasWeakRef = false
		return wire.BR_DECREFS, true
	default:
		// Nothing to do: the state already matches what was requested
		// (spec §7 "node-work emitted when nothing to do" — silent).
		return 0, false
	}
}

// AcquireDone implements BC_ACQUIRE_DONE: clears pending_strong_ref and
// re-checks the node for deletion. No local count is decremented here,
// and resolveNodeWork adds none when it emits BR_ACQUIRE.
func (h *Host) AcquireDone(p *Process, ptr, cookie uint64) error {
	n, ok := p.Nodes[ptr]
	if !ok {
		return errUnknownDescriptor
	}
	n.PendingStrongRef = false
	_ = cookie
	h.maybeDeleteNode(n)
	return nil
}

// IncRefsDone implements BC_INCREFS_DONE.
func (h *Host) IncRefsDone(p *Process, ptr, cookie uint64) error {
	n, ok := p.Nodes[ptr]
	if !ok {
		return errUnknownDescriptor
	}
	n.PendingWeakRef = false
	_ = cookie
	h.maybeDeleteNode(n)
	return nil
}

// maybeDeleteNode removes n from its owner's table (or the orphan list) if
// it has become eligible for deletion, honoring the invariant that a Node
// with a pending acknowledgement is never freed (spec §4.3, testable
// property 5).
func (h *Host) maybeDeleteNode(n *Node) {
	if n.PendingStrongRef || n.PendingWeakRef {
		return
	}
	if !n.eligibleForDeletion() {
		return
	}
	if n.Owner != nil {
		delete(n.Owner.Nodes, n.Ptr)
		return
	}
	delete(h.orphans, n.DebugID)
}

// adjustReference implements BC_INCREFS / BC_ACQUIRE / BC_RELEASE /
// BC_DECREFS: +1 or -1 on a Reference's weak or strong count, propagating
// the first-hold/last-hold transition onto the target Node as an internal
// count (spec §4.3).
func (h *Host) adjustReference(p *Process, descriptor uint32, strong bool, delta int) error {
	r, ok := p.RefsByDesc[descriptor]
	if !ok {
		return errUnknownDescriptor
	}
	if strong {
		before := r.Strong
		r.Strong += delta
		if r.Strong < 0 {
			r.Strong = 0
		}
		switch {
		case before == 0 && r.Strong > 0:
			h.incNode(r.Node, true, true, nil)
		case before > 0 && r.Strong == 0:
			h.decNode(r.Node, true, true)
		}
	} else {
		before := r.Weak
		r.Weak += delta
		if r.Weak < 0 {
			r.Weak = 0
		}
		switch {
		case before == 0 && r.Weak > 0:
			h.incNode(r.Node, false, true, nil)
		case before > 0 && r.Weak == 0:
			h.decNode(r.Node, false, true)
		}
	}
	if r.eligibleForDeletion() {
		p.destroyReference(r)
	}
	return nil
}
