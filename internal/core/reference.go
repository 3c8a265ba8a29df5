package core

// Reference is an imported handle, owned exclusively by its holding
// Process and linking to exactly one Node (spec §3 "Reference").
type Reference struct {
	DebugID    uint64
	Owner      *Process
	Node       *Node
	Descriptor uint32
	Strong     int
	Weak       int
	Death      *DeathSubscription
}

// eligibleForDeletion reports whether both counts have reached zero
// (spec §3: "A Reference is destroyed when both counts reach zero").
func (r *Reference) eligibleForDeletion() bool {
	return r.Strong == 0 && r.Weak == 0
}

// allocDescriptor returns the smallest non-negative integer not currently
// used as a descriptor in this process, reserving 0 for the
// context-manager Node (spec §3, §4.2).
func (p *Process) allocDescriptor(forContextManager bool) uint32 {
	if forContextManager {
		return 0
	}
	for d := uint32(1); ; d++ {
		if _, used := p.RefsByDesc[d]; !used {
			return d
		}
	}
}

// obtainOrCreateReference returns p's existing Reference to node, creating
// one (with descriptor 0 reserved for the context manager) if none exists
// yet. Used by object translation (spec §4.4) and by SET_CONTEXT_MGR
// lookups.
func (p *Process) obtainOrCreateReference(node *Node, forContextManager bool) *Reference {
	if r, ok := p.RefsByNode[node]; ok {
		return r
	}
	r := &Reference{
		DebugID:    nextDebugID(),
		Owner:      p,
		Node:       node,
		Descriptor: p.allocDescriptor(forContextManager),
	}
	p.RefsByDesc[r.Descriptor] = r
	p.RefsByNode[node] = r
	node.addRef(r)
	return r
}

// destroyReference removes r from its owner's tables and unlinks it from
// its Node. Callers must have already decremented r's counts to zero.
func (p *Process) destroyReference(r *Reference) {
	delete(p.RefsByDesc, r.Descriptor)
	delete(p.RefsByNode, r.Node)
	r.Node.dropRef(r)
}
