package queue

import (
	"time"

	"github.com/google/uuid"
)

// Patch is the change set of one conditional write. Nil pointers leave the
// column untouched; the Clear flags null it out.
type Patch struct {
	Status            Status
	ServicePointID    *uuid.UUID
	ClearServicePoint bool
	CalledAt          *time.Time
	HeldAt            *time.Time
	ClearHeldAt       bool
	SkippedAt         *time.Time
	ClearSkippedAt    bool
	CompletedAt       *time.Time
	CancelledAt       *time.Time
	TransferredAt     *time.Time
}

// Apply mirrors the write onto an in-memory ticket.
func (p Patch) Apply(t *Ticket) {
	t.Status = p.Status
	switch {
	case p.ClearServicePoint:
		t.ServicePointID = nil
	case p.ServicePointID != nil:
		t.ServicePointID = cloneUUID(p.ServicePointID)
	}
	if p.CalledAt != nil {
		t.CalledAt = cloneTime(p.CalledAt)
	}
	switch {
	case p.ClearHeldAt:
		t.HeldAt = nil
	case p.HeldAt != nil:
		t.HeldAt = cloneTime(p.HeldAt)
	}
	switch {
	case p.ClearSkippedAt:
		t.SkippedAt = nil
	case p.SkippedAt != nil:
		t.SkippedAt = cloneTime(p.SkippedAt)
	}
	if p.CompletedAt != nil {
		t.CompletedAt = cloneTime(p.CompletedAt)
	}
	if p.CancelledAt != nil {
		t.CancelledAt = cloneTime(p.CancelledAt)
	}
	if p.TransferredAt != nil {
		t.TransferredAt = cloneTime(p.TransferredAt)
	}
}
