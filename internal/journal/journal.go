package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/sony/gobreaker"

	"github.com/tidilihatim/avolship-sub008/internal/log"
)

// Transition is one lease-state change worth auditing.
type Transition struct {
	OrderID string
	AgentID string
	Action  string // granted, released, expired, removed, enqueued
	Reason  string
	At      time.Time
}

// Journal appends lease transitions to Postgres for audit. Writes go
// through a buffered channel drained by Run, so recording never blocks
// the coordinator; a full buffer or an open breaker loses the record,
// never the state transition that already committed.
type Journal struct {
	db     *sql.DB
	ch     chan Transition
	cb     *gobreaker.CircuitBreaker
	logger *log.Logger
}

// New opens the journal database. An empty dbURL disables the journal;
// Record becomes a no-op and Run returns immediately.
func New(dbURL string, buffer int, logger *log.Logger) (*Journal, error) {
	j := &Journal{logger: logger}
	if dbURL == "" {
		return j, nil
	}
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return nil, fmt.Errorf("open journal db: %w", err)
	}
	db.SetMaxOpenConns(5)
	j.db = db
	j.ch = make(chan Transition, buffer)
	j.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "journal",
		MaxRequests: 5,
		Interval:    60 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 3
		},
	})
	return j, nil
}

func (j *Journal) Enabled() bool {
	return j.db != nil
}

// EnsureSchema creates the transitions table when the journal is on.
func (j *Journal) EnsureSchema(ctx context.Context) error {
	if j.db == nil {
		return nil
	}
	_, err := j.db.ExecContext(ctx, `
        CREATE TABLE IF NOT EXISTS lease_transitions (
            id BIGSERIAL PRIMARY KEY,
            order_id TEXT NOT NULL,
            agent_id TEXT NOT NULL DEFAULT '',
            action TEXT NOT NULL,
            reason TEXT NOT NULL DEFAULT '',
            at TIMESTAMPTZ NOT NULL
        )
    `)
	if err != nil {
		return fmt.Errorf("ensure journal schema: %w", err)
	}
	return nil
}

// Record offers a transition to the writer. Non-blocking.
func (j *Journal) Record(t Transition) {
	if j.db == nil {
		return
	}
	select {
	case j.ch <- t:
	default:
		j.logger.Warnw("Journal buffer full, transition dropped",
			"order_id", t.OrderID, "action", t.Action)
	}
}

// Run drains the buffer until ctx is done, then flushes what is left.
func (j *Journal) Run(ctx context.Context) {
	if j.db == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			j.logger.Infow("Journal shutting down, flushing buffer")
			j.drain()
			return
		case t := <-j.ch:
			j.write(context.Background(), t)
		}
	}
}

func (j *Journal) drain() {
	for {
		select {
		case t := <-j.ch:
			j.write(context.Background(), t)
		default:
			return
		}
	}
}

func (j *Journal) write(ctx context.Context, t Transition) {
	_, err := j.cb.Execute(func() (interface{}, error) {
		return j.db.ExecContext(ctx, `
            INSERT INTO lease_transitions (order_id, agent_id, action, reason, at)
            VALUES ($1, $2, $3, $4, $5)
        `, t.OrderID, t.AgentID, t.Action, t.Reason, t.At)
	})
	if err != nil {
		j.logger.Errorw("Failed to write journal transition",
			"error", err, "order_id", t.OrderID, "action", t.Action)
	}
}

// Ping reports journal database health for the health endpoint.
func (j *Journal) Ping(ctx context.Context) error {
	if j.db == nil {
		return nil
	}
	return j.db.PingContext(ctx)
}

func (j *Journal) Close() error {
	if j.db == nil {
		return nil
	}
	return j.db.Close()
}
