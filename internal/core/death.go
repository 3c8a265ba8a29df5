package core

// DeathStatus tracks a DeathSubscription's position in its lifecycle
// (spec §3 "DeathSubscription", §4.5).
type DeathStatus int

const (
	DeathPending DeathStatus = iota
	DeathDelivered
	DeathCleared
	DeathDeliveredAndCleared
)

// DeathSubscription is attached to one Reference (spec §3).
type DeathSubscription struct {
	DebugID uint64
	Ref     *Reference
	Cookie  uint64
	Status  DeathStatus
}

// RequestDeathNotification implements BC_REQUEST_DEATH_NOTIFICATION
// (spec §4.5).
func (h *Host) RequestDeathNotification(t *Thread, descriptor uint32, cookie uint64) error {
	r, ok := t.Owner.RefsByDesc[descriptor]
	if !ok {
		return errUnknownDescriptor
	}
	if r.Death != nil {
		return errDeathAlreadyRequested
	}
	sub := &DeathSubscription{DebugID: nextDebugID(), Ref: r, Cookie: cookie}
	r.Death = sub

	if r.Node.Owner == nil {
		// already orphaned: deliver immediately
		sub.Status = DeathDelivered
		h.enqueueDeathWork(t, sub)
	}
	return nil
}

// ClearDeathNotification implements BC_CLEAR_DEATH_NOTIFICATION
// (spec §4.5).
func (h *Host) ClearDeathNotification(t *Thread, descriptor uint32, cookie uint64) error {
	r, ok := t.Owner.RefsByDesc[descriptor]
	if !ok {
		return errUnknownDescriptor
	}
	sub := r.Death
	if sub == nil || sub.Cookie != cookie {
		return errDeathMismatch
	}
	r.Death = nil

	switch sub.Status {
	case DeathPending:
		sub.Status = DeathCleared
		h.enqueueWork(t.Owner, nil, WorkItem{Kind: WorkClearDeathDone, Death: sub})
	case DeathDelivered:
		sub.Status = DeathDeliveredAndCleared
		// already queued as DEAD_BINDER; the clear acknowledgement is queued
		// by DeadBinderDone once the subscriber acknowledges the death.
	}
	return nil
}

// DeadBinderDone implements BC_DEAD_BINDER_DONE (spec §4.5).
func (h *Host) DeadBinderDone(p *Process, cookie uint64) error {
	sub, ok := p.DeliveredDeaths[cookie]
	if !ok {
		return nil // silent recovery: nothing to acknowledge
	}
	delete(p.DeliveredDeaths, cookie)
	if sub.Status == DeathDeliveredAndCleared {
		h.enqueueWork(p, nil, WorkItem{Kind: WorkClearDeathDone, Death: sub})
	}
	return nil
}

// notifyNodeDeath fires every subscription on every Reference pointing at
// the now-dead node (spec §4.5 "Owner death").
func (h *Host) notifyNodeDeath(n *Node) {
	for r := range n.refsIn {
		if r.Death == nil {
			continue
		}
		sub := r.Death
		sub.Status = DeathDelivered
		h.enqueueDeathWork(nil, sub)
		_ = r.Owner
	}
}

// enqueueWork appends item to t's todo when t is non-nil, otherwise to p's
// process todo, and wakes the waiters.
func (h *Host) enqueueWork(p *Process, t *Thread, item WorkItem) {
	if t != nil {
		t.Todo = append(t.Todo, item)
		h.wakeThread(t)
		return
	}
	p.Todo = append(p.Todo, item)
	h.wakeProcess(p)
}

func (h *Host) enqueueDeathWork(t *Thread, sub *DeathSubscription) {
	owner := sub.Ref.Owner
	owner.DeliveredDeaths[sub.Cookie] = sub
	item := WorkItem{Kind: WorkDeadBinder, Death: sub}
	if t != nil && t.Owner == owner && t.Looper.EligibleForDispatch() {
		t.Todo = append(t.Todo, item)
		return
	}
	owner.Todo = append(owner.Todo, item)
	h.wakeProcess(owner)
}
