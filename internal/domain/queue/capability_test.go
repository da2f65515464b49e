package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/queue/internal/platform/realtime"
)

func TestCapabilityIndex_Lookups(t *testing.T) {
	ids := orderedIDs(3)
	idx := NewCapabilityIndex([]Capability{
		{ServicePointID: ids[0], QueueTypeCode: "B"},
		{ServicePointID: ids[0], QueueTypeCode: "A"},
		{ServicePointID: ids[0], QueueTypeCode: "A"},
		{ServicePointID: ids[1], QueueTypeCode: "A"},
		{ServicePointID: uuid.Nil, QueueTypeCode: "A"},
		{ServicePointID: ids[2], QueueTypeCode: ""},
	})

	if idx.Len() != 3 {
		t.Errorf("expected 3 distinct rows, got %d", idx.Len())
	}
	if !idx.CanServe(ids[0], "B") || idx.CanServe(ids[1], "B") {
		t.Error("CanServe disagrees with the declared capabilities")
	}

	types, err := idx.TypesFor(ids[0])
	if err != nil {
		t.Fatalf("TypesFor: %v", err)
	}
	if len(types) != 2 || types[0] != "A" || types[1] != "B" {
		t.Errorf("expected sorted [A B], got %v", types)
	}

	points := idx.PointsFor("A")
	if len(points) != 2 || points[0] != ids[0] || points[1] != ids[1] {
		t.Errorf("expected points ordered by id, got %v", points)
	}
	if len(idx.PointsFor("Z")) != 0 {
		t.Error("expected no points for an undeclared queue type")
	}
}

func TestCapabilityIndex_UnconfiguredPoint(t *testing.T) {
	idx := NewCapabilityIndex(nil)
	_, err := idx.TypesFor(uuid.New())
	if !errors.Is(err, ErrServicePointUnconfigured) {
		t.Errorf("expected ErrServicePointUnconfigured, got %v", err)
	}
}

func TestCapabilityCache_RebuildSwapsIndex(t *testing.T) {
	sp := uuid.New()
	repo := &mockConfigRepo{caps: []Capability{{ServicePointID: sp, QueueTypeCode: "A"}}}
	cache := NewCapabilityCache(repo, zerolog.Nop())

	if cache.Index().Len() != 0 {
		t.Fatal("expected an empty index before the first rebuild")
	}
	if _, err := cache.Rebuild(context.Background()); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if !cache.Index().CanServe(sp, "A") {
		t.Error("expected rebuilt index to include the capability")
	}
}

func TestCapabilityCache_FailedRebuildKeepsPrevious(t *testing.T) {
	sp := uuid.New()
	repo := &mockConfigRepo{caps: []Capability{{ServicePointID: sp, QueueTypeCode: "A"}}}
	cache := NewCapabilityCache(repo, zerolog.Nop())
	if _, err := cache.Rebuild(context.Background()); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	before := cache.Index()

	repo.setCapsErr(errStore)
	if _, err := cache.Rebuild(context.Background()); !errors.Is(err, errStore) {
		t.Fatalf("expected store error, got %v", err)
	}
	if cache.Index() != before {
		t.Error("expected the previous index to stay in place after a failed rebuild")
	}
}

func TestCapabilityCache_ConcurrentReaders(t *testing.T) {
	sp := uuid.New()
	repo := &mockConfigRepo{caps: []Capability{{ServicePointID: sp, QueueTypeCode: "A"}}}
	cache := NewCapabilityCache(repo, zerolog.Nop())
	if _, err := cache.Rebuild(context.Background()); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = cache.Rebuild(context.Background())
		}()
		go func() {
			defer wg.Done()
			if !cache.Index().CanServe(sp, "A") {
				t.Error("reader observed an incomplete index")
			}
		}()
	}
	wg.Wait()
}

func TestCapabilityCache_WatchRebuildsOnChange(t *testing.T) {
	sp := uuid.New()
	repo := &mockConfigRepo{}
	cache := NewCapabilityCache(repo, zerolog.Nop())
	hub := realtime.NewHub(zerolog.Nop())

	stop := cache.Watch(hub, 10*time.Millisecond)
	defer stop()

	if err := repo.ReplaceCapabilities(context.Background(), []Capability{{ServicePointID: sp, QueueTypeCode: "A"}}); err != nil {
		t.Fatal(err)
	}
	evt, err := realtime.NewEvent(realtime.EventCapabilityChanged, realtime.TopicCapabilities, "Capability", "", "update", nil)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if err := hub.Publish(context.Background(), evt); err != nil {
			t.Fatal(err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for !cache.Index().CanServe(sp, "A") {
		if time.Now().After(deadline) {
			t.Fatal("index was not rebuilt after a capability change")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCapabilityIndex_Equal(t *testing.T) {
	ids := orderedIDs(2)
	base := []Capability{{ServicePointID: ids[0], QueueTypeCode: "A"}, {ServicePointID: ids[1], QueueTypeCode: "B"}}

	tests := []struct {
		name  string
		other []Capability
		want  bool
	}{
		{"same rows reordered", []Capability{base[1], base[0], base[0]}, true},
		{"row removed", base[:1], false},
		{"type moved", []Capability{base[0], {ServicePointID: ids[1], QueueTypeCode: "A"}}, false},
		{"point swapped", []Capability{{ServicePointID: ids[1], QueueTypeCode: "A"}, {ServicePointID: ids[0], QueueTypeCode: "B"}}, false},
		{"empty", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NewCapabilityIndex(base).Equal(NewCapabilityIndex(tt.other)); got != tt.want {
				t.Errorf("Equal = %v, want %v", got, tt.want)
			}
		})
	}
	if NewCapabilityIndex(base).Equal(nil) {
		t.Error("expected nil index to differ")
	}
}

func TestCapabilityCache_Changed(t *testing.T) {
	f := newFixture(t)
	cache := f.svc.Capabilities()

	changed, err := cache.Changed(context.Background())
	if err != nil || changed {
		t.Fatalf("expected no change right after a rebuild, got %v (%v)", changed, err)
	}
	if err := f.config.ReplaceCapabilities(context.Background(), []Capability{{ServicePointID: f.c4.ID, QueueTypeCode: "A"}}); err != nil {
		t.Fatal(err)
	}
	changed, err = cache.Changed(context.Background())
	if err != nil || !changed {
		t.Fatalf("expected a change after a store edit, got %v (%v)", changed, err)
	}
	if _, err := cache.Index().TypesFor(f.c4.ID); !errors.Is(err, ErrServicePointUnconfigured) {
		t.Error("Changed must not swap the index")
	}

	f.config.setCapsErr(errors.New("connection refused"))
	if _, err := cache.Changed(context.Background()); err == nil {
		t.Error("expected store error")
	}
}

func TestCapabilityCache_PollPicksUpStoreEdits(t *testing.T) {
	f := newFixture(t)
	cache := f.svc.Capabilities()
	hub := realtime.NewHub(zerolog.Nop())
	stop := cache.Watch(hub, 10*time.Millisecond)
	defer stop()

	var announced atomic.Int32
	unsubscribe := hub.SubscribeFunc(realtime.TopicCapabilities, func(realtime.Event) { announced.Add(1) })
	defer unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		cache.Poll(ctx, hub, 5*time.Millisecond)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	// Nothing changed yet, so polling stays quiet.
	time.Sleep(30 * time.Millisecond)
	if n := announced.Load(); n != 0 {
		t.Fatalf("expected no announcements for an unchanged store, got %d", n)
	}

	// Edited behind the server's back: no event is published by the writer.
	if err := f.config.ReplaceCapabilities(context.Background(), []Capability{{ServicePointID: f.c4.ID, QueueTypeCode: "A"}}); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		idx := cache.Index()
		types, err := idx.TypesFor(f.c4.ID)
		if err == nil && len(types) == 1 && types[0] == "A" && !idx.CanServe(f.c2.ID, "A") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("index did not pick up the store edit")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCapabilityCache_PollDisabled(t *testing.T) {
	f := newFixture(t)
	done := make(chan struct{})
	go func() {
		f.svc.Capabilities().Poll(context.Background(), realtime.NewHub(zerolog.Nop()), 0)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Poll with a zero interval should return at once")
	}
}
