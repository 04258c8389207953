package store

import (
	"sort"
	"sync"
	"time"
)

type entry struct {
	order   Order
	lease   *Lease
	version int64
}

func (e *entry) activeLease() *Lease {
	if e.lease != nil && e.lease.Status == LeaseActive {
		return e.lease
	}
	return nil
}

// LeaseStore is the single source of truth for assignment state. One
// mutex serializes every transition, which makes TryGrant linearizable
// per order id: concurrent claimants see exactly one winner. The store
// performs no I/O; side effects are derived by the coordinator from
// return values.
type LeaseStore struct {
	mu      sync.Mutex
	entries map[string]*entry
}

func NewLeaseStore() *LeaseStore {
	return &LeaseStore{
		entries: make(map[string]*entry),
	}
}

// InsertUnassigned adds an order to the pool with no active lease.
func (s *LeaseStore) InsertUnassigned(order Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[order.ID]; ok {
		return ErrDuplicateOrder
	}
	order.Status = OrderUnassigned
	s.entries[order.ID] = &entry{order: order}
	return nil
}

// TryGrant atomically grants an active lease on orderID to agentID if
// no active lease exists. Losing callers get a typed rejection, never a
// queue slot or a retry.
func (s *LeaseStore) TryGrant(orderID, agentID string, leaseDuration time.Duration) (Lease, *RejectionError) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[orderID]
	if !ok {
		return Lease{}, reject(ReasonOrderNotFound)
	}
	if e.order.Status == OrderRemoved {
		return Lease{}, reject(ReasonOrderRemoved)
	}
	if e.activeLease() != nil {
		return Lease{}, reject(ReasonAlreadyAssigned)
	}
	now := time.Now()
	e.version++
	lease := Lease{
		OrderID:   orderID,
		AgentID:   agentID,
		GrantedAt: now,
		ExpiresAt: now.Add(leaseDuration),
		Status:    LeaseActive,
		Version:   e.version,
	}
	e.lease = &lease
	e.order.Status = OrderAssigned
	return lease, nil
}

// Release ends the active lease early and returns the order to the
// unassigned pool. Rejected with NotOwner when the caller does not hold
// the active lease, which covers a release racing an already-won sweep.
func (s *LeaseStore) Release(orderID, agentID string) (Order, Lease, *RejectionError) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[orderID]
	if !ok {
		return Order{}, Lease{}, reject(ReasonOrderNotFound)
	}
	if e.order.Status == OrderRemoved {
		return Order{}, Lease{}, reject(ReasonOrderRemoved)
	}
	active := e.activeLease()
	if active == nil || active.AgentID != agentID {
		return Order{}, Lease{}, reject(ReasonNotOwner)
	}
	active.Status = LeaseReleased
	e.order.Status = OrderUnassigned
	return e.order, *active, nil
}

// ExpireOverdue marks every active lease with expiry before now as
// expired and returns a stable snapshot for requeue and notification.
// Invoked by the periodic sweep rather than per request to bound lock
// contention.
func (s *LeaseStore) ExpireOverdue(now time.Time) []LeaseView {
	s.mu.Lock()
	defer s.mu.Unlock()
	var expired []LeaseView
	for _, e := range s.entries {
		active := e.activeLease()
		if active == nil || !active.ExpiresAt.Before(now) {
			continue
		}
		active.Status = LeaseExpired
		e.order.Status = OrderLockedExpired
		expired = append(expired, LeaseView{Lease: *active, Order: e.order})
	}
	return expired
}

// Requeue returns an expired or released order to the unassigned pool.
// Reports false if the order is gone or was re-granted in the meantime.
func (s *LeaseStore) Requeue(orderID string) (Order, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[orderID]
	if !ok || e.order.Status == OrderRemoved || e.activeLease() != nil {
		return Order{}, false
	}
	e.order.Status = OrderUnassigned
	return e.order, true
}

// Remove permanently withdraws an order. Any active lease is implicitly
// invalidated and returned so the coordinator can settle workload.
func (s *LeaseStore) Remove(orderID string) (*Lease, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[orderID]
	if !ok || e.order.Status == OrderRemoved {
		return nil, false
	}
	var invalidated *Lease
	if active := e.activeLease(); active != nil {
		active.Status = LeaseExpired
		l := *active
		invalidated = &l
	}
	// Tombstone rather than delete: a stale claim must see OrderRemoved,
	// not OrderNotFound.
	e.order.Status = OrderRemoved
	return invalidated, true
}

// Snapshot recomputes the queue view for one agent: unassigned orders
// oldest first, plus the agent's active leases.
func (s *LeaseStore) Snapshot(agentID string) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		UnassignedOrders: []Order{},
		MyLeases:         []LeaseView{},
	}
	for _, e := range s.entries {
		switch {
		case e.order.Status == OrderUnassigned:
			snap.UnassignedOrders = append(snap.UnassignedOrders, e.order)
		case e.order.Status == OrderAssigned:
			if active := e.activeLease(); active != nil && active.AgentID == agentID {
				snap.MyLeases = append(snap.MyLeases, LeaseView{Lease: *active, Order: e.order})
			}
		}
	}
	sort.Slice(snap.UnassignedOrders, func(i, j int) bool {
		return snap.UnassignedOrders[i].CreatedAt.Before(snap.UnassignedOrders[j].CreatedAt)
	})
	sort.Slice(snap.MyLeases, func(i, j int) bool {
		return snap.MyLeases[i].Lease.GrantedAt.Before(snap.MyLeases[j].Lease.GrantedAt)
	})
	return snap
}

// Counts reports the unassigned pool depth and the number of active
// leases, for metrics.
func (s *LeaseStore) Counts() (unassigned, activeLeases int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		switch e.order.Status {
		case OrderUnassigned:
			unassigned++
		case OrderAssigned:
			if e.activeLease() != nil {
				activeLeases++
			}
		}
	}
	return unassigned, activeLeases
}
