package availability

import (
	"sync"

	"github.com/tidilihatim/avolship-sub008/internal/log"
)

type record struct {
	online    bool
	available bool
	workload  int
}

// Tracker holds per-agent presence and workload. Pure in-process state,
// bounded by the number of agents; read by the coordinator on every
// claim and by the dispatcher for eligible-only fan-out.
type Tracker struct {
	mu          sync.RWMutex
	agents      map[string]*record
	maxWorkload int
	logger      *log.Logger
}

func NewTracker(maxWorkload int, logger *log.Logger) *Tracker {
	return &Tracker{
		agents:      make(map[string]*record),
		maxWorkload: maxWorkload,
		logger:      logger,
	}
}

// SetOnline reflects transport connect/disconnect. Going offline never
// revokes held leases; the sweep handles stale ones.
func (t *Tracker) SetOnline(agentID string, online bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.get(agentID).online = online
}

// SetAvailable toggles the agent's opt-in to new-order broadcasts. Held
// leases are unaffected.
func (t *Tracker) SetAvailable(agentID string, available bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.get(agentID).available = available
}

func (t *Tracker) IsOnline(agentID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.agents[agentID]
	return ok && r.online
}

func (t *Tracker) IsAvailable(agentID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.agents[agentID]
	return ok && r.available
}

func (t *Tracker) WorkloadOf(agentID string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.agents[agentID]
	if !ok {
		return 0
	}
	return r.workload
}

// IsEligible reports whether the agent may receive new work: online,
// opted in, and under the workload cap.
func (t *Tracker) IsEligible(agentID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.agents[agentID]
	return ok && r.online && r.available && r.workload < t.maxWorkload
}

// IncWorkload records a granted lease. Coordinator-only.
func (t *Tracker) IncWorkload(agentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.get(agentID).workload++
}

// DecWorkload records a released, expired, or invalidated lease. Floors
// at zero; going below would mean a transition was counted twice.
func (t *Tracker) DecWorkload(agentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.get(agentID)
	if r.workload == 0 {
		t.logger.Warnw("Workload decrement below zero", "agent_id", agentID)
		return
	}
	r.workload--
}

// must be called with t.mu held.
func (t *Tracker) get(agentID string) *record {
	r, ok := t.agents[agentID]
	if !ok {
		r = &record{}
		t.agents[agentID] = r
	}
	return r
}
