package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

func TestService_CallNextClaims(t *testing.T) {
	f := newFixture(t)
	first := f.add(t, "A", 1, 20*time.Minute)
	second := f.add(t, "A", 2, 10*time.Minute)

	d, err := f.svc.CallNext(context.Background(), f.c1.ID, "", f.day)
	if err != nil {
		t.Fatalf("CallNext: %v", err)
	}
	if d.Ticket.ID != first.ID || d.Ticket.Status != StatusActive || !d.Ticket.AssignedTo(f.c1.ID) {
		t.Fatalf("expected first ticket ACTIVE at C1, got %+v", d.Ticket)
	}

	d, err = f.svc.CallNext(context.Background(), f.c2.ID, "", f.day)
	if err != nil {
		t.Fatalf("CallNext: %v", err)
	}
	if d.Ticket.ID != second.ID || !d.Ticket.AssignedTo(f.c2.ID) {
		t.Errorf("expected second ticket at C2, got %+v", d.Ticket)
	}

	d, err = f.svc.CallNext(context.Background(), f.c1.ID, "", f.day)
	if err != nil {
		t.Fatalf("CallNext: %v", err)
	}
	if !d.Empty() {
		t.Error("expected nothing left to call")
	}
}

// racingRepo lets another terminal claim the selected ticket between
// selection and claim.
type racingRepo struct {
	*mockTicketRepo
	raced bool
}

func (r *racingRepo) ConditionalUpdate(ctx context.Context, id uuid.UUID, expected Status, p Patch) (bool, error) {
	if !r.raced && expected == StatusWaiting && p.Status == StatusActive {
		r.raced = true
		other := *p.ServicePointID
		if _, err := r.mockTicketRepo.ConditionalUpdate(ctx, id, StatusWaiting, Patch{Status: StatusActive, ServicePointID: &other}); err != nil {
			return false, err
		}
	}
	return r.mockTicketRepo.ConditionalUpdate(ctx, id, expected, p)
}

func TestService_CallNextLostRace(t *testing.T) {
	f := newFixture(t)
	tk := f.add(t, "A", 1, 0)

	repo := &racingRepo{mockTicketRepo: f.tickets}
	svc := NewService(repo, f.config, nil, ServiceConfig{}, zerolog.Nop())
	svc.SetClock(func() time.Time { return testNow })
	if _, err := svc.RefreshCapabilities(context.Background()); err != nil {
		t.Fatal(err)
	}

	d, err := svc.CallNext(context.Background(), f.c1.ID, "", f.day)
	if !errors.Is(err, ErrAlreadyClaimed) {
		t.Fatalf("expected ErrAlreadyClaimed, got %v", err)
	}
	if d.Ticket == nil || d.Ticket.ID != tk.ID {
		t.Error("expected the attempted decision to be returned")
	}
}

func TestService_DefaultAlgorithm(t *testing.T) {
	f := newFixture(t)
	svc := NewService(f.tickets, f.config, nil, ServiceConfig{DefaultAlgorithm: AlgorithmPriority}, zerolog.Nop())

	if got := svc.Algorithm(""); got != AlgorithmPriority {
		t.Errorf("expected configured default, got %s", got)
	}
	if got := svc.Algorithm("round_robin"); got != AlgorithmRoundRobin {
		t.Errorf("expected explicit request, got %s", got)
	}
	if got := svc.Algorithm("nope"); got != AlgorithmFIFO {
		t.Errorf("expected FIFO for unknown name, got %s", got)
	}
}

func TestService_ParseDay(t *testing.T) {
	f := newFixture(t)

	day, err := f.svc.ParseDay("")
	if err != nil || !day.Equal(f.day) {
		t.Errorf("expected today %v, got %v (%v)", f.day, day, err)
	}
	day, err = f.svc.ParseDay("2026-01-15")
	if err != nil || day.Format(time.DateOnly) != "2026-01-15" {
		t.Errorf("unexpected day %v (%v)", day, err)
	}
	if _, err := f.svc.ParseDay("15/01/2026"); err == nil {
		t.Error("expected error for malformed date")
	}
}

func TestServiceDay_UsesLocation(t *testing.T) {
	loc := time.FixedZone("UTC+3", 3*60*60)
	// 22:30 UTC is already the next day at UTC+3.
	now := time.Date(2026, 3, 2, 22, 30, 0, 0, time.UTC)
	if got := ServiceDay(now, loc).Format(time.DateOnly); got != "2026-03-03" {
		t.Errorf("expected 2026-03-03, got %s", got)
	}
	if got := ServiceDay(now, nil).Format(time.DateOnly); got != "2026-03-02" {
		t.Errorf("expected 2026-03-02 in UTC, got %s", got)
	}
}

func TestService_WaitingSorted(t *testing.T) {
	f := newFixture(t)
	newer := f.add(t, "B", 1, 1*time.Minute)
	older := f.add(t, "A", 1, 30*time.Minute)
	middle := f.add(t, "A", 2, 10*time.Minute)

	items, err := f.svc.Waiting(context.Background(), f.day, nil)
	if err != nil {
		t.Fatalf("Waiting: %v", err)
	}
	if len(items) != 3 || items[0].ID != older.ID || items[1].ID != middle.ID || items[2].ID != newer.ID {
		t.Errorf("expected oldest first")
	}

	items, err = f.svc.Waiting(context.Background(), f.day, []string{"B"})
	if err != nil {
		t.Fatalf("Waiting: %v", err)
	}
	if len(items) != 1 || items[0].ID != newer.ID {
		t.Errorf("expected only queue type B")
	}
}
