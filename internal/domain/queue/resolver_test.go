package queue

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
)

func TestSuggestFrom(t *testing.T) {
	ids := orderedIDs(4)
	p1 := &ServicePoint{ID: ids[0], Code: "C1", Enabled: true}
	p2 := &ServicePoint{ID: ids[1], Code: "C2", Enabled: true}
	p3 := &ServicePoint{ID: ids[2], Code: "C3", Enabled: false}
	idx := NewCapabilityIndex([]Capability{
		{ServicePointID: p2.ID, QueueTypeCode: "A"},
		{ServicePointID: p3.ID, QueueTypeCode: "B"},
	})
	points := []*ServicePoint{p3, p2, p1}

	t.Run("capable point is suggested", func(t *testing.T) {
		r := SuggestFrom(idx, points, &Ticket{QueueTypeCode: "A"})
		if r.Kind != RoutingSuggested || r.ServicePointID() != p2.ID || r.Fallback {
			t.Errorf("unexpected routing %+v", r)
		}
		if r.Err() != nil {
			t.Errorf("expected no warning, got %v", r.Err())
		}
	})

	t.Run("disabled capable point falls back", func(t *testing.T) {
		r := SuggestFrom(idx, points, &Ticket{QueueTypeCode: "B"})
		if r.ServicePointID() != p1.ID || !r.Fallback {
			t.Errorf("expected fallback to first enabled point C1, got %+v", r)
		}
		if !errors.Is(r.Err(), ErrNoCapableServicePoint) {
			t.Errorf("expected ErrNoCapableServicePoint warning, got %v", r.Err())
		}
	})

	t.Run("assigned ticket is forced", func(t *testing.T) {
		assigned := p3.ID
		r := SuggestFrom(idx, points, &Ticket{QueueTypeCode: "A", ServicePointID: &assigned})
		if r.Kind != RoutingForced || r.ServicePointID() != p3.ID {
			t.Errorf("expected forced routing to the assigned point, got %+v", r)
		}
	})

	t.Run("assigned to unknown point", func(t *testing.T) {
		unknown := ids[3]
		r := SuggestFrom(idx, points, &Ticket{QueueTypeCode: "A", ServicePointID: &unknown})
		if r.Kind != RoutingForced || r.ServicePointID() != unknown {
			t.Errorf("expected forced routing to the stored id, got %+v", r)
		}
	})

	t.Run("nothing enabled", func(t *testing.T) {
		r := SuggestFrom(idx, []*ServicePoint{p3, nil}, &Ticket{QueueTypeCode: "A"})
		if r.Resolved() || r.ServicePointID() != uuid.Nil {
			t.Errorf("expected unresolved routing, got %+v", r)
		}
		if !errors.Is(r.Err(), ErrUnresolvedRouting) {
			t.Errorf("expected ErrUnresolvedRouting, got %v", r.Err())
		}
	})
}

func TestResolver_Force(t *testing.T) {
	f := newFixture(t)
	r := f.svc.resolver

	routing, err := r.Force(context.Background(), f.c2.ID)
	if err != nil {
		t.Fatalf("Force: %v", err)
	}
	if routing.Kind != RoutingForced || routing.ServicePoint.Code != "C2" {
		t.Errorf("unexpected routing %+v", routing)
	}

	if _, err := r.Force(context.Background(), f.c3.ID); !errors.Is(err, ErrServicePointDisabled) {
		t.Errorf("expected ErrServicePointDisabled, got %v", err)
	}
	if _, err := r.Force(context.Background(), uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestService_Suggest(t *testing.T) {
	f := newFixture(t)
	tk := f.add(t, "B", 1, 0)

	routing, err := f.svc.Suggest(context.Background(), tk.ID)
	if err != nil {
		t.Fatalf("Suggest: %v", err)
	}
	// C3 serves B but is disabled, so C1 is the capable enabled point.
	if routing.ServicePointID() != f.c1.ID || routing.Fallback {
		t.Errorf("expected C1, got %+v", routing)
	}

	if _, err := f.svc.Suggest(context.Background(), uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
