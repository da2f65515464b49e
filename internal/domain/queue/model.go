package queue

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a ticket. A held ticket is WAITING with
// HeldAt set.
type Status string

const (
	StatusWaiting   Status = "WAITING"
	StatusActive    Status = "ACTIVE"
	StatusCompleted Status = "COMPLETED"
	StatusSkipped   Status = "SKIPPED"
	StatusCancelled Status = "CANCELLED"
)

var validStatuses = map[Status]bool{
	StatusWaiting: true, StatusActive: true, StatusCompleted: true,
	StatusSkipped: true, StatusCancelled: true,
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool { return validStatuses[s] }

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Ticket maps to the ticket table.
type Ticket struct {
	ID              uuid.UUID  `db:"id" json:"id"`
	Number          int        `db:"number" json:"number"`
	QueueTypeCode   string     `db:"queue_type_code" json:"queue_type_code"`
	QueueDate       time.Time  `db:"queue_date" json:"queue_date"`
	Status          Status     `db:"status" json:"status"`
	ServicePointID  *uuid.UUID `db:"service_point_id" json:"service_point_id,omitempty"`
	TransferredFrom *uuid.UUID `db:"transferred_from" json:"transferred_from,omitempty"`
	HeldAt          *time.Time `db:"held_at" json:"held_at,omitempty"`
	CalledAt        *time.Time `db:"called_at" json:"called_at,omitempty"`
	CompletedAt     *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	SkippedAt       *time.Time `db:"skipped_at" json:"skipped_at,omitempty"`
	CancelledAt     *time.Time `db:"cancelled_at" json:"cancelled_at,omitempty"`
	TransferredAt   *time.Time `db:"transferred_at" json:"transferred_at,omitempty"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updated_at"`
}

// Held reports whether the ticket is on hold.
func (t *Ticket) Held() bool {
	return t.Status == StatusWaiting && t.HeldAt != nil
}

// Unassigned reports whether no service point has been chosen for the ticket.
func (t *Ticket) Unassigned() bool {
	return t.ServicePointID == nil || *t.ServicePointID == uuid.Nil
}

// AssignedTo reports whether the ticket is assigned to the given service point.
func (t *Ticket) AssignedTo(servicePointID uuid.UUID) bool {
	return !t.Unassigned() && *t.ServicePointID == servicePointID
}

// WaitTime is how long the ticket has been waiting at now. Never negative.
func (t *Ticket) WaitTime(now time.Time) time.Duration {
	d := now.Sub(t.CreatedAt)
	if d < 0 {
		return 0
	}
	return d
}

// Clone returns a deep copy so callers can mutate it freely.
func (t *Ticket) Clone() *Ticket {
	c := *t
	c.ServicePointID = cloneUUID(t.ServicePointID)
	c.TransferredFrom = cloneUUID(t.TransferredFrom)
	c.HeldAt = cloneTime(t.HeldAt)
	c.CalledAt = cloneTime(t.CalledAt)
	c.CompletedAt = cloneTime(t.CompletedAt)
	c.SkippedAt = cloneTime(t.SkippedAt)
	c.CancelledAt = cloneTime(t.CancelledAt)
	c.TransferredAt = cloneTime(t.TransferredAt)
	return &c
}

// QueueType is a class of demand with its own priority and numbering sequence.
type QueueType struct {
	Code      string    `db:"code" json:"code" yaml:"code"`
	Name      string    `db:"name" json:"name" yaml:"name"`
	Priority  int       `db:"priority" json:"priority" yaml:"priority"`
	Algorithm Algorithm `db:"algorithm" json:"algorithm" yaml:"algorithm"`
	Enabled   bool      `db:"enabled" json:"enabled" yaml:"enabled"`
}

// ServicePoint is a counter or staff member that serves tickets.
type ServicePoint struct {
	ID      uuid.UUID `db:"id" json:"id" yaml:"id"`
	Code    string    `db:"code" json:"code" yaml:"code"`
	Name    string    `db:"name" json:"name" yaml:"name"`
	Enabled bool      `db:"enabled" json:"enabled" yaml:"enabled"`
}

// Capability declares that a service point may serve a queue type.
type Capability struct {
	ServicePointID uuid.UUID `db:"service_point_id" json:"service_point_id"`
	QueueTypeCode  string    `db:"queue_type_code" json:"queue_type_code"`
}

// Decision is the outcome of one scheduling cycle. A nil Ticket means there
// is nothing to serve right now.
type Decision struct {
	Ticket    *Ticket   `json:"ticket,omitempty"`
	Algorithm Algorithm `json:"algorithm"`
	Routing   Routing   `json:"routing"`
}

// Empty reports whether the cycle found no candidate.
func (d Decision) Empty() bool { return d.Ticket == nil }

// ServiceDay truncates t to the calendar day in loc. Tickets of different
// service days are never mixed.
func ServiceDay(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	l := t.In(loc)
	return time.Date(l.Year(), l.Month(), l.Day(), 0, 0, 0, 0, time.UTC)
}

func cloneUUID(id *uuid.UUID) *uuid.UUID {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
