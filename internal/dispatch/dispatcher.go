package dispatch

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/tidilihatim/avolship-sub008/internal/log"
)

// Wire event names. One name per server-to-client message.
const (
	EventAuthSuccess       = "authSuccess"
	EventAuthError         = "authError"
	EventQueueSnapshot     = "queueSnapshot"
	EventNewOrderAvailable = "newOrderAvailable"
	EventOrderUnavailable  = "orderUnavailable"
	EventAssignmentResult  = "assignmentResult"
	EventOrderReturned     = "orderReturned"
	EventOrderRemoved      = "orderRemoved"
	EventLeaseExpired      = "leaseExpired"
)

type Event struct {
	Name string `json:"event"`
	Data any    `json:"data"`
}

// Session is one authenticated push connection. An agent may hold
// several (multiple tabs); every one receives that agent's events.
type Session struct {
	ID      string
	AgentID string
	ch      chan Event
}

// Events is the session's receive side, consumed by the transport loop.
func (s *Session) Events() <-chan Event {
	return s.ch
}

// Dispatcher fans coordinator decisions out to connected sessions.
// Sends never block: a session whose buffer is full loses the event and
// is expected to resync from the snapshot path. That keeps the
// coordinator's critical section free of slow-client stalls.
type Dispatcher struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	buffer   int
	dropped  atomic.Int64
	logger   *log.Logger
}

func NewDispatcher(buffer int, logger *log.Logger) *Dispatcher {
	return &Dispatcher{
		sessions: make(map[string]*Session),
		buffer:   buffer,
		logger:   logger,
	}
}

// Register creates a session for an authenticated agent. Must only be
// called after the gatekeeper accepted the credential.
func (d *Dispatcher) Register(agentID string) *Session {
	s := &Session{
		ID:      uuid.NewString(),
		AgentID: agentID,
		ch:      make(chan Event, d.buffer),
	}
	d.mu.Lock()
	d.sessions[s.ID] = s
	d.mu.Unlock()
	d.logger.Infow("Session registered", "session_id", s.ID, "agent_id", agentID)
	return s
}

// Unregister drops a session and reports how many sessions the agent
// still holds, so the caller can decide whether the agent went offline.
func (d *Dispatcher) Unregister(sessionID string) (agentID string, remaining int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.sessions[sessionID]
	if !ok {
		return "", 0
	}
	delete(d.sessions, sessionID)
	for _, other := range d.sessions {
		if other.AgentID == s.AgentID {
			remaining++
		}
	}
	return s.AgentID, remaining
}

// ToAgent pushes an event to every session of one agent.
func (d *Dispatcher) ToAgent(agentID string, ev Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, s := range d.sessions {
		if s.AgentID == agentID {
			d.send(s, ev)
		}
	}
}

// ToAllExcept pushes an event to every session not owned by agentID,
// e.g. retracting an order from everyone but the claim winner.
func (d *Dispatcher) ToAllExcept(agentID string, ev Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, s := range d.sessions {
		if s.AgentID != agentID {
			d.send(s, ev)
		}
	}
}

// ToMatching pushes an event to every session whose agent satisfies the
// predicate. Used for eligible-only announcements; the predicate keeps
// availability rules out of this package.
func (d *Dispatcher) ToMatching(pred func(agentID string) bool, ev Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, s := range d.sessions {
		if pred(s.AgentID) {
			d.send(s, ev)
		}
	}
}

// Broadcast pushes an event to every connected session.
func (d *Dispatcher) Broadcast(ev Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, s := range d.sessions {
		d.send(s, ev)
	}
}

func (d *Dispatcher) SessionCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.sessions)
}

// Dropped reports events lost to full session buffers since start.
func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

func (d *Dispatcher) send(s *Session, ev Event) {
	select {
	case s.ch <- ev:
	default:
		d.dropped.Add(1)
		d.logger.Warnw("Session buffer full, event dropped",
			"session_id", s.ID, "agent_id", s.AgentID, "event", ev.Name)
	}
}
