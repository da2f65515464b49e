package queue

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// TransferResult holds both halves of a successful transfer.
type TransferResult struct {
	Source *Ticket `json:"source"`
	Target *Ticket `json:"target"`
}

// TransferCoordinator moves a ticket to another service point by completing
// it at the source and issuing a ticket with the same number at the target.
type TransferCoordinator struct {
	tickets   TicketRepository
	caps      *CapabilityCache
	lifecycle *Lifecycle
	logger    zerolog.Logger
}

func NewTransferCoordinator(tickets TicketRepository, caps *CapabilityCache, lifecycle *Lifecycle, logger zerolog.Logger) *TransferCoordinator {
	return &TransferCoordinator{tickets: tickets, caps: caps, lifecycle: lifecycle, logger: logger}
}

// Transfer completes the ticket at source (tagged as transferred) and creates
// a WAITING ticket at target with the same number and queue type.
//
// Preconditions are checked before anything is written, so a rejected
// transfer changes nothing. If the source was completed but the target ticket
// could not be created, a *PartialTransferError is returned.
func (c *TransferCoordinator) Transfer(ctx context.Context, ticketID, source, target uuid.UUID) (*TransferResult, error) {
	t, err := c.lifecycle.get(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if source == target {
		return nil, invalidTransition(opTransfer, t, "source and target are the same service point")
	}
	if t.Status != StatusActive {
		return nil, invalidTransition(opTransfer, t, "")
	}
	if !t.AssignedTo(source) {
		return nil, invalidTransition(opTransfer, t, "not active at the source service point")
	}
	routing, err := c.lifecycle.resolver.Force(ctx, target)
	if err != nil {
		return nil, err
	}
	if !c.caps.Index().CanServe(target, t.QueueTypeCode) {
		return nil, fmt.Errorf("%w: %s cannot serve %s", ErrTargetIncapable, routing.ServicePoint.Code, t.QueueTypeCode)
	}

	now := c.lifecycle.now()
	src, err := c.lifecycle.apply(ctx, opTransfer, t, StatusActive, Patch{
		Status:        StatusCompleted,
		CompletedAt:   &now,
		TransferredAt: &now,
	})
	if err != nil {
		return nil, err
	}

	targetID := target
	sourceID := src.ID
	next := &Ticket{
		Number:          src.Number,
		QueueTypeCode:   src.QueueTypeCode,
		QueueDate:       src.QueueDate,
		Status:          StatusWaiting,
		ServicePointID:  &targetID,
		TransferredFrom: &sourceID,
		CreatedAt:       now,
	}
	if err := c.tickets.Create(ctx, next); err != nil {
		c.logger.Error().
			Err(err).
			Str("ticket_id", src.ID.String()).
			Int("number", src.Number).
			Str("queue_type", src.QueueTypeCode).
			Str("target_service_point_id", target.String()).
			Msg("transfer left source completed without a target ticket")
		return nil, &PartialTransferError{Source: src, Target: target, Err: err}
	}
	c.lifecycle.publish(ctx, opTransfer, next)

	c.logger.Info().
		Str("source_ticket_id", src.ID.String()).
		Str("target_ticket_id", next.ID.String()).
		Int("number", next.Number).
		Msg("ticket transferred")
	return &TransferResult{Source: src, Target: next}, nil
}
