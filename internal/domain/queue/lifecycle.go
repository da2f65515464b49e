package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/queue/internal/platform/realtime"
)

const (
	opClaim    = "claim"
	opRecall   = "recall"
	opHold     = "hold"
	opReturn   = "return"
	opSkip     = "skip"
	opComplete = "complete"
	opCancel   = "cancel"
	opTransfer = "transfer"
)

// Lifecycle enforces the ticket state machine. Every write is a conditional
// update keyed on the status the ticket was read in.
type Lifecycle struct {
	tickets  TicketRepository
	resolver *Resolver
	events   realtime.Publisher
	now      func() time.Time
	logger   zerolog.Logger
}

func NewLifecycle(tickets TicketRepository, resolver *Resolver, events realtime.Publisher, logger zerolog.Logger) *Lifecycle {
	return &Lifecycle{
		tickets:  tickets,
		resolver: resolver,
		events:   events,
		now:      time.Now,
		logger:   logger,
	}
}

// SetClock replaces the time source.
func (l *Lifecycle) SetClock(now func() time.Time) { l.now = now }

// Claim moves a WAITING ticket (held or not) to ACTIVE at a service point.
// With servicePointID set the point is forced, otherwise it is resolved by
// the Resolver. Losing the conditional write yields ErrAlreadyClaimed; the
// claim is never retried here.
func (l *Lifecycle) Claim(ctx context.Context, ticketID, servicePointID uuid.UUID) (*Ticket, Routing, error) {
	t, err := l.get(ctx, ticketID)
	if err != nil {
		return nil, Unresolved(), err
	}
	switch t.Status {
	case StatusWaiting:
	case StatusActive:
		return nil, Unresolved(), claimConflict(t)
	default:
		return nil, Unresolved(), invalidTransition(opClaim, t, "")
	}

	var routing Routing
	if servicePointID != uuid.Nil {
		routing, err = l.resolver.Force(ctx, servicePointID)
	} else {
		routing, err = l.resolver.Suggest(ctx, t)
	}
	if err != nil {
		return nil, routing, err
	}
	if !routing.Resolved() {
		return nil, routing, fmt.Errorf("claim ticket %s: %w", t.ID, ErrUnresolvedRouting)
	}

	now := l.now()
	target := routing.ServicePointID()
	p := Patch{
		Status:         StatusActive,
		ServicePointID: &target,
		CalledAt:       &now,
		ClearHeldAt:    true,
	}
	ok, err := l.tickets.ConditionalUpdate(ctx, t.ID, StatusWaiting, p)
	if err != nil {
		return nil, routing, fmt.Errorf("claim ticket %s: %w", t.ID, err)
	}
	if !ok {
		l.logger.Debug().
			Str("ticket_id", t.ID.String()).
			Str("service_point_id", target.String()).
			Msg("claim lost to a concurrent caller")
		return nil, routing, claimConflict(t)
	}
	p.Apply(t)
	l.publish(ctx, opClaim, t)
	return t, routing, nil
}

// Recall refreshes calledAt of an ACTIVE ticket so the call is announced
// again. If servicePointID is set the ticket must be active there.
func (l *Lifecycle) Recall(ctx context.Context, ticketID, servicePointID uuid.UUID) (*Ticket, error) {
	t, err := l.get(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if t.Status != StatusActive {
		return nil, invalidTransition(opRecall, t, "")
	}
	if servicePointID != uuid.Nil && !t.AssignedTo(servicePointID) {
		return nil, invalidTransition(opRecall, t, "not active at this service point")
	}
	now := l.now()
	return l.apply(ctx, opRecall, t, StatusActive, Patch{Status: StatusActive, CalledAt: &now})
}

// Hold puts an ACTIVE ticket back into the waiting pool on hold. The service
// point and calledAt are kept.
func (l *Lifecycle) Hold(ctx context.Context, ticketID, servicePointID uuid.UUID) (*Ticket, error) {
	t, err := l.get(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if t.Status != StatusActive {
		return nil, invalidTransition(opHold, t, "")
	}
	if !t.AssignedTo(servicePointID) {
		return nil, invalidTransition(opHold, t, "not active at this service point")
	}
	now := l.now()
	return l.apply(ctx, opHold, t, StatusActive, Patch{Status: StatusWaiting, HeldAt: &now})
}

// ReturnToWaiting releases a held ticket (keeping its service point) or a
// skipped ticket (back to the general pool, unassigned).
func (l *Lifecycle) ReturnToWaiting(ctx context.Context, ticketID uuid.UUID) (*Ticket, error) {
	t, err := l.get(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	switch {
	case t.Held():
		return l.apply(ctx, opReturn, t, StatusWaiting, Patch{Status: StatusWaiting, ClearHeldAt: true})
	case t.Status == StatusSkipped:
		return l.apply(ctx, opReturn, t, StatusSkipped, Patch{
			Status:            StatusWaiting,
			ClearSkippedAt:    true,
			ClearServicePoint: true,
		})
	default:
		return nil, invalidTransition(opReturn, t, "only held or skipped tickets return to waiting")
	}
}

// Skip marks an ACTIVE or WAITING ticket as SKIPPED.
func (l *Lifecycle) Skip(ctx context.Context, ticketID uuid.UUID) (*Ticket, error) {
	t, err := l.get(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if t.Status != StatusActive && t.Status != StatusWaiting {
		return nil, invalidTransition(opSkip, t, "")
	}
	now := l.now()
	return l.apply(ctx, opSkip, t, t.Status, Patch{Status: StatusSkipped, SkippedAt: &now, ClearHeldAt: true})
}

// Complete finishes an ACTIVE ticket.
func (l *Lifecycle) Complete(ctx context.Context, ticketID uuid.UUID) (*Ticket, error) {
	t, err := l.get(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if t.Status != StatusActive {
		return nil, invalidTransition(opComplete, t, "")
	}
	now := l.now()
	return l.apply(ctx, opComplete, t, StatusActive, Patch{Status: StatusCompleted, CompletedAt: &now})
}

// Cancel ends a WAITING or ACTIVE ticket. The row is kept.
func (l *Lifecycle) Cancel(ctx context.Context, ticketID uuid.UUID) (*Ticket, error) {
	t, err := l.get(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	return l.cancel(ctx, t)
}

func (l *Lifecycle) cancel(ctx context.Context, t *Ticket) (*Ticket, error) {
	if t.Status != StatusWaiting && t.Status != StatusActive {
		return nil, invalidTransition(opCancel, t, "")
	}
	now := l.now()
	return l.apply(ctx, opCancel, t, t.Status, Patch{Status: StatusCancelled, CancelledAt: &now, ClearHeldAt: true})
}

// BulkItem is the outcome for one ticket of a bulk operation.
type BulkItem struct {
	TicketID uuid.UUID `json:"ticket_id"`
	Number   int       `json:"number"`
	Err      error     `json:"-"`
	Error    string    `json:"error,omitempty"`
}

// BulkResult lists per-ticket outcomes. Partial success is a valid result.
type BulkResult struct {
	Items []BulkItem `json:"items"`
}

func (r BulkResult) Succeeded() int {
	n := 0
	for _, it := range r.Items {
		if it.Err == nil {
			n++
		}
	}
	return n
}

func (r BulkResult) Failed() int { return len(r.Items) - r.Succeeded() }

// OK reports whether every item succeeded.
func (r BulkResult) OK() bool { return r.Failed() == 0 }

// CancelAllWaiting cancels every WAITING ticket of the service day, one at a
// time. A failed ticket does not stop the others. A nil codes slice means all
// queue types.
func (l *Lifecycle) CancelAllWaiting(ctx context.Context, queueDate time.Time, queueTypeCodes []string) (BulkResult, error) {
	waiting, err := l.tickets.FetchWaiting(ctx, queueDate, queueTypeCodes)
	if err != nil {
		return BulkResult{}, fmt.Errorf("fetch waiting: %w", err)
	}
	res := BulkResult{Items: make([]BulkItem, 0, len(waiting))}
	for _, t := range waiting {
		item := BulkItem{TicketID: t.ID, Number: t.Number}
		if _, err := l.cancel(ctx, t); err != nil {
			item.Err = err
			item.Error = err.Error()
		}
		res.Items = append(res.Items, item)
	}
	l.logger.Info().
		Time("queue_date", queueDate).
		Int("cancelled", res.Succeeded()).
		Int("failed", res.Failed()).
		Msg("cancelled waiting tickets")
	return res, nil
}

func (l *Lifecycle) get(ctx context.Context, id uuid.UUID) (*Ticket, error) {
	t, err := l.tickets.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("ticket %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get ticket %s: %w", id, err)
	}
	return t, nil
}

// apply performs the conditional write. A miss means the ticket moved since
// it was read, typically a double submit from a stale terminal.
func (l *Lifecycle) apply(ctx context.Context, op string, t *Ticket, expected Status, p Patch) (*Ticket, error) {
	ok, err := l.tickets.ConditionalUpdate(ctx, t.ID, expected, p)
	if err != nil {
		return nil, fmt.Errorf("%s ticket %s: %w", op, t.ID, err)
	}
	if !ok {
		current, err := l.get(ctx, t.ID)
		if err != nil {
			return nil, err
		}
		return nil, invalidTransition(op, current, "ticket changed before the write")
	}
	p.Apply(t)
	l.publish(ctx, op, t)
	return t, nil
}

func (l *Lifecycle) publish(ctx context.Context, op string, t *Ticket) {
	if l.events == nil {
		return
	}
	evt, err := realtime.NewEvent(realtime.EventTicketChanged, realtime.TicketsTopic(t.QueueDate), "Ticket", t.ID.String(), op, t)
	if err == nil {
		err = l.events.Publish(ctx, evt)
	}
	if err != nil {
		l.logger.Warn().Err(err).Str("ticket_id", t.ID.String()).Str("op", op).Msg("publish ticket change")
	}
}
