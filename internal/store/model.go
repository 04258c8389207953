package store

import (
	"time"
)

// Order lifecycle statuses. The store holds a reference to the upstream
// order plus assignment metadata, never the full document.
const (
	OrderUnassigned    = "unassigned"
	OrderAssigned      = "assigned"
	OrderLockedExpired = "locked-expired"
	OrderRemoved       = "removed"
)

// Lease statuses.
const (
	LeaseActive   = "active"
	LeaseReleased = "released"
	LeaseExpired  = "expired"
)

type Order struct {
	ID          string    `json:"id"`
	Number      string    `json:"number"`
	CustomerRef string    `json:"customer_ref"`
	TotalCents  int64     `json:"total_cents"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

// Lease is one agent's temporary ownership of one order. At most one
// active lease exists per order id. Version increases on every grant for
// that order, so a release racing the sweep resolves to one winner.
type Lease struct {
	OrderID   string    `json:"order_id"`
	AgentID   string    `json:"agent_id"`
	GrantedAt time.Time `json:"granted_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Status    string    `json:"status"`
	Version   int64     `json:"version"`
}

// LeaseView pairs an active lease with its order for snapshots.
type LeaseView struct {
	Lease Lease `json:"lease"`
	Order Order `json:"order"`
}

// Snapshot is the derived queue view for one agent: the shared pool of
// unassigned orders plus that agent's own active leases.
type Snapshot struct {
	UnassignedOrders []Order     `json:"unassigned_orders"`
	MyLeases         []LeaseView `json:"my_leases"`
}
