package store

import "errors"

// Reason is the typed rejection returned to a losing or stale caller.
// A claim race is an expected, frequent outcome, not a server error.
type Reason string

const (
	ReasonAlreadyAssigned Reason = "AlreadyAssigned"
	ReasonOrderNotFound   Reason = "OrderNotFound"
	ReasonOrderRemoved    Reason = "OrderRemoved"
	ReasonNotOwner        Reason = "NotOwner"
)

// ErrDuplicateOrder is returned when inserting an order id that already
// exists, typically a replayed upstream creation event.
var ErrDuplicateOrder = errors.New("duplicate order")

// RejectionError carries a Reason back to the single calling session.
type RejectionError struct {
	Reason Reason
}

func (e *RejectionError) Error() string {
	return string(e.Reason)
}

func reject(r Reason) *RejectionError {
	return &RejectionError{Reason: r}
}
