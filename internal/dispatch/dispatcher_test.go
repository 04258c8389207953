package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidilihatim/avolship-sub008/internal/log"
)

func drain(s *Session) []Event {
	var evs []Event
	for {
		select {
		case ev := <-s.Events():
			evs = append(evs, ev)
		default:
			return evs
		}
	}
}

func TestTargeting(t *testing.T) {
	d := NewDispatcher(8, log.NewNop())
	s1 := d.Register("a1")
	s1b := d.Register("a1")
	s2 := d.Register("a2")

	d.ToAgent("a1", Event{Name: EventLeaseExpired})
	assert.Len(t, drain(s1), 1)
	assert.Len(t, drain(s1b), 1)
	assert.Empty(t, drain(s2))

	d.ToAllExcept("a1", Event{Name: EventOrderUnavailable})
	assert.Empty(t, drain(s1))
	assert.Len(t, drain(s2), 1)

	d.ToMatching(func(agentID string) bool { return agentID == "a2" },
		Event{Name: EventNewOrderAvailable})
	assert.Empty(t, drain(s1))
	assert.Len(t, drain(s2), 1)

	d.Broadcast(Event{Name: EventOrderRemoved})
	assert.Len(t, drain(s1), 1)
	assert.Len(t, drain(s1b), 1)
	assert.Len(t, drain(s2), 1)
}

func TestUnregisterReportsRemaining(t *testing.T) {
	d := NewDispatcher(8, log.NewNop())
	s1 := d.Register("a1")
	s2 := d.Register("a1")

	agentID, remaining := d.Unregister(s1.ID)
	assert.Equal(t, "a1", agentID)
	assert.Equal(t, 1, remaining)

	agentID, remaining = d.Unregister(s2.ID)
	assert.Equal(t, "a1", agentID)
	assert.Equal(t, 0, remaining)

	_, remaining = d.Unregister(s2.ID)
	assert.Equal(t, 0, remaining)
	assert.Equal(t, 0, d.SessionCount())
}

func TestFullBufferDropsInsteadOfBlocking(t *testing.T) {
	d := NewDispatcher(1, log.NewNop())
	s := d.Register("a1")

	d.ToAgent("a1", Event{Name: EventNewOrderAvailable})
	d.ToAgent("a1", Event{Name: EventOrderUnavailable}) // buffer full, dropped

	evs := drain(s)
	require.Len(t, evs, 1)
	assert.Equal(t, EventNewOrderAvailable, evs[0].Name)
	assert.Equal(t, int64(1), d.Dropped())
}
