package queue

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrAlreadyClaimed is returned when a conditional WAITING -> ACTIVE write
	// affected no row. Expected under contention; the caller re-fetches and
	// moves on to the next candidate.
	ErrAlreadyClaimed = errors.New("ticket already claimed")

	// ErrInvalidTransition is returned when an operation is not legal from the
	// ticket's current state. The ticket is left unmodified.
	ErrInvalidTransition = errors.New("invalid ticket transition")

	// ErrNoCapableServicePoint flags a routing fallback: no enabled service
	// point declares the ticket's queue type.
	ErrNoCapableServicePoint = errors.New("no capable service point")

	// ErrPartialTransfer means the source ticket was completed but the ticket
	// at the target could not be created.
	ErrPartialTransfer = errors.New("partial transfer")

	ErrNotFound                 = errors.New("not found")
	ErrServicePointUnconfigured = errors.New("service point has no capabilities")
	ErrServicePointDisabled     = errors.New("service point disabled")
	ErrUnresolvedRouting        = errors.New("no enabled service point")
	ErrTargetIncapable          = errors.New("target service point cannot serve queue type")
)

// TransitionError describes a rejected lifecycle operation.
type TransitionError struct {
	Op       string
	TicketID uuid.UUID
	From     Status
	Held     bool
	Reason   string
	conflict bool
}

func (e *TransitionError) Error() string {
	from := string(e.From)
	if e.Held {
		from += " (held)"
	}
	msg := fmt.Sprintf("%s ticket %s from %s", e.Op, e.TicketID, from)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *TransitionError) Unwrap() error {
	if e.conflict {
		return ErrAlreadyClaimed
	}
	return ErrInvalidTransition
}

func invalidTransition(op string, t *Ticket, reason string) error {
	return &TransitionError{Op: op, TicketID: t.ID, From: t.Status, Held: t.Held(), Reason: reason}
}

func claimConflict(t *Ticket) error {
	return &TransitionError{Op: opClaim, TicketID: t.ID, From: t.Status, Held: t.Held(), conflict: true}
}

// PartialTransferError carries the already-completed source ticket so the
// operator can reconcile it.
type PartialTransferError struct {
	Source *Ticket
	Target uuid.UUID
	Err    error
}

func (e *PartialTransferError) Error() string {
	return fmt.Sprintf("transfer of ticket %s completed at source but not created at %s: %v",
		e.Source.ID, e.Target, e.Err)
}

func (e *PartialTransferError) Unwrap() []error {
	return []error{ErrPartialTransfer, e.Err}
}
