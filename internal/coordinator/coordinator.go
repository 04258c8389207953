package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tidilihatim/avolship-sub008/internal/availability"
	"github.com/tidilihatim/avolship-sub008/internal/config"
	"github.com/tidilihatim/avolship-sub008/internal/dispatch"
	"github.com/tidilihatim/avolship-sub008/internal/journal"
	"github.com/tidilihatim/avolship-sub008/internal/log"
	"github.com/tidilihatim/avolship-sub008/internal/metrics"
	"github.com/tidilihatim/avolship-sub008/internal/store"
)

// Release outcomes.
const (
	OutcomeRequeue   = "still-needs-agent"
	OutcomeConfirmed = "confirmed"
	OutcomeCancelled = "cancelled"
)

// Rejections raised here, ahead of the store.
const (
	ReasonAgentUnavailable    store.Reason = "AgentUnavailable"
	ReasonMaxWorkloadExceeded store.Reason = "MaxWorkloadExceeded"
)

// Result is the synchronous answer to a claim or release, and the
// payload of the assignmentResult push event.
type Result struct {
	OrderID string       `json:"order_id"`
	Success bool         `json:"success"`
	Reason  store.Reason `json:"reason,omitempty"`
	Lease   *store.Lease `json:"lease,omitempty"`
}

type orderRef struct {
	OrderID string `json:"order_id"`
}

// Coordinator is the public surface for claiming and releasing work.
// Its mutex is held across the store transition and the dispatcher
// enqueue, which is the single-writer path: for one order id no session
// can observe events out of transition order. Dispatcher enqueues never
// block, so the critical section stays short.
type Coordinator struct {
	mu         sync.Mutex
	store      *store.LeaseStore
	tracker    *availability.Tracker
	dispatcher *dispatch.Dispatcher
	journal    *journal.Journal
	metrics    *metrics.QueueMetrics
	cfg        *config.Config
	logger     *log.Logger
}

func New(leaseStore *store.LeaseStore, tracker *availability.Tracker, dispatcher *dispatch.Dispatcher, jrnl *journal.Journal, m *metrics.QueueMetrics, cfg *config.Config, logger *log.Logger) *Coordinator {
	return &Coordinator{
		store:      leaseStore,
		tracker:    tracker,
		dispatcher: dispatcher,
		journal:    jrnl,
		metrics:    m,
		cfg:        cfg,
		logger:     logger,
	}
}

// RequestAssignment tries to claim orderID for agentID. Exactly one of
// any set of racing claims succeeds; losers get a typed rejection
// synchronously and nothing is retried server-side.
func (c *Coordinator) RequestAssignment(agentID, orderID string) Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.tracker.IsOnline(agentID) || !c.tracker.IsAvailable(agentID) {
		return c.rejectClaim(agentID, orderID, ReasonAgentUnavailable)
	}
	if c.tracker.WorkloadOf(agentID) >= c.cfg.MaxWorkload {
		return c.rejectClaim(agentID, orderID, ReasonMaxWorkloadExceeded)
	}

	lease, rej := c.store.TryGrant(orderID, agentID, c.cfg.LeaseTTL)
	if rej != nil {
		return c.rejectClaim(agentID, orderID, rej.Reason)
	}

	c.tracker.IncWorkload(agentID)
	c.metrics.ClaimsTotal.WithLabelValues("granted").Inc()
	c.journal.Record(journal.Transition{
		OrderID: orderID, AgentID: agentID, Action: "granted", At: lease.GrantedAt,
	})

	result := Result{OrderID: orderID, Success: true, Lease: &lease}
	c.dispatcher.ToAgent(agentID, dispatch.Event{Name: dispatch.EventAssignmentResult, Data: result})
	c.dispatcher.ToAllExcept(agentID, dispatch.Event{Name: dispatch.EventOrderUnavailable, Data: orderRef{OrderID: orderID}})
	return result
}

// rejectClaim answers the losing requester only. Other agents lost no
// information, so nothing is broadcast. Must be called with c.mu held.
func (c *Coordinator) rejectClaim(agentID, orderID string, reason store.Reason) Result {
	c.metrics.ClaimsTotal.WithLabelValues(string(reason)).Inc()
	result := Result{OrderID: orderID, Success: false, Reason: reason}
	c.dispatcher.ToAgent(agentID, dispatch.Event{Name: dispatch.EventAssignmentResult, Data: result})
	return result
}

// ReleaseAssignment ends agentID's lease on orderID. A requeue outcome
// returns the order to the pool; a terminal outcome withdraws it.
func (c *Coordinator) ReleaseAssignment(agentID, orderID, outcome string) (Result, error) {
	switch outcome {
	case OutcomeRequeue, OutcomeConfirmed, OutcomeCancelled:
	default:
		return Result{}, fmt.Errorf("unknown release outcome %q", outcome)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	order, _, rej := c.store.Release(orderID, agentID)
	if rej != nil {
		// NotOwner is a client bug worth a log line; the rest is a stale
		// view the client fixes by resyncing.
		if rej.Reason == store.ReasonNotOwner {
			c.logger.Warnw("Release by non-holder", "agent_id", agentID, "order_id", orderID)
		}
		c.metrics.ReleasesTotal.WithLabelValues(string(rej.Reason)).Inc()
		return Result{OrderID: orderID, Success: false, Reason: rej.Reason}, nil
	}

	c.tracker.DecWorkload(agentID)
	c.metrics.ReleasesTotal.WithLabelValues(outcome).Inc()
	c.journal.Record(journal.Transition{
		OrderID: orderID, AgentID: agentID, Action: "released", Reason: outcome, At: time.Now(),
	})

	if outcome == OutcomeRequeue {
		c.dispatcher.Broadcast(dispatch.Event{Name: dispatch.EventOrderReturned, Data: order})
	} else {
		c.store.Remove(orderID)
		c.metrics.OrdersRemovedTotal.Inc()
		c.dispatcher.Broadcast(dispatch.Event{Name: dispatch.EventOrderRemoved, Data: orderRef{OrderID: orderID}})
	}
	return Result{OrderID: orderID, Success: true}, nil
}

// EnqueueNewOrder inserts an order from the upstream collaborator and
// announces it to eligible agents only.
func (c *Coordinator) EnqueueNewOrder(order store.Order) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now()
	}
	if err := c.store.InsertUnassigned(order); err != nil {
		return err
	}
	c.metrics.OrdersEnqueuedTotal.Inc()
	c.journal.Record(journal.Transition{
		OrderID: order.ID, Action: "enqueued", At: time.Now(),
	})
	c.dispatcher.ToMatching(c.tracker.IsEligible,
		dispatch.Event{Name: dispatch.EventNewOrderAvailable, Data: order})
	return nil
}

// RemoveOrder withdraws an order cancelled upstream. An active lease is
// implicitly invalidated and the holder's workload settled.
func (c *Coordinator) RemoveOrder(orderID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	invalidated, ok := c.store.Remove(orderID)
	if !ok {
		return
	}
	agentID := ""
	if invalidated != nil {
		agentID = invalidated.AgentID
		c.tracker.DecWorkload(agentID)
	}
	c.metrics.OrdersRemovedTotal.Inc()
	c.journal.Record(journal.Transition{
		OrderID: orderID, AgentID: agentID, Action: "removed", Reason: "cancelled-upstream", At: time.Now(),
	})
	c.dispatcher.Broadcast(dispatch.Event{Name: dispatch.EventOrderRemoved, Data: orderRef{OrderID: orderID}})
}

// SweepExpired reclaims overdue leases: workload settled, order back in
// the pool, the former holder told it lost the lease. The store hands
// back a stable snapshot, so a lease released concurrently is never
// reported expired.
func (c *Coordinator) SweepExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	expired := c.store.ExpireOverdue(time.Now())
	for _, view := range expired {
		c.tracker.DecWorkload(view.Lease.AgentID)
		c.metrics.LeasesExpiredTotal.Inc()
		c.journal.Record(journal.Transition{
			OrderID: view.Lease.OrderID, AgentID: view.Lease.AgentID, Action: "expired", At: time.Now(),
		})
		c.dispatcher.ToAgent(view.Lease.AgentID,
			dispatch.Event{Name: dispatch.EventLeaseExpired, Data: orderRef{OrderID: view.Lease.OrderID}})

		order, ok := c.store.Requeue(view.Lease.OrderID)
		if !ok {
			continue
		}
		c.dispatcher.ToMatching(c.tracker.IsEligible,
			dispatch.Event{Name: dispatch.EventNewOrderAvailable, Data: order})
	}
	if len(expired) > 0 {
		c.logger.Infow("Sweep reclaimed expired leases", "count", len(expired))
	}
	return len(expired)
}

// Snapshot is the stateless queue view for one agent, served both at
// subscribe time and through the fallback pull path.
func (c *Coordinator) Snapshot(agentID string) store.Snapshot {
	return c.store.Snapshot(agentID)
}

// Run drives the expiry sweep on a fixed interval. The loop is
// sequential, so sweeps never overlap.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.logger.Infow("Sweep daemon shutting down")
			return
		case <-ticker.C:
			c.SweepExpired()
		}
	}
}
