package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// TicketRepository is the durable ticket store the engine reads and writes
// through. ConditionalUpdate is the only write path for existing tickets.
type TicketRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Ticket, error)
	// FetchWaiting returns WAITING tickets (held included) of the service
	// day. A nil codes slice means every queue type.
	FetchWaiting(ctx context.Context, queueDate time.Time, queueTypeCodes []string) ([]*Ticket, error)
	// ConditionalUpdate applies p only while the ticket is still in the
	// expected status and reports whether a row was written.
	ConditionalUpdate(ctx context.Context, id uuid.UUID, expected Status, p Patch) (bool, error)
	FetchRecentCompletions(ctx context.Context, queueTypeCode string, since time.Time) (int, error)
	Create(ctx context.Context, t *Ticket) error
}

// ConfigRepository holds administrator-managed configuration. The engine only
// reads it; the write methods back the seed command.
type ConfigRepository interface {
	ListQueueTypes(ctx context.Context) ([]*QueueType, error)
	ListServicePoints(ctx context.Context) ([]*ServicePoint, error)
	ListCapabilities(ctx context.Context) ([]Capability, error)
	UpsertQueueType(ctx context.Context, qt *QueueType) error
	UpsertServicePoint(ctx context.Context, sp *ServicePoint) error
	ReplaceCapabilities(ctx context.Context, caps []Capability) error
}
