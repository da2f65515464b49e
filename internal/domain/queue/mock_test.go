package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/queue/internal/platform/realtime"
)

// -- Mock Repositories --

type mockTicketRepo struct {
	mu        sync.Mutex
	tickets   map[uuid.UUID]*Ticket
	createErr error
	updates   int
}

func newMockTicketRepo() *mockTicketRepo {
	return &mockTicketRepo{tickets: make(map[uuid.UUID]*Ticket)}
}

func (m *mockTicketRepo) Create(_ context.Context, t *Ticket) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.Status == "" {
		t.Status = StatusWaiting
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	t.UpdatedAt = t.CreatedAt
	m.tickets[t.ID] = t.Clone()
	return nil
}

func (m *mockTicketRepo) GetByID(_ context.Context, id uuid.UUID) (*Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tickets[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

func (m *mockTicketRepo) FetchWaiting(_ context.Context, queueDate time.Time, codes []string) ([]*Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	allowed := make(map[string]bool, len(codes))
	for _, c := range codes {
		allowed[c] = true
	}
	day := queueDate.Format(time.DateOnly)
	var out []*Ticket
	for _, t := range m.tickets {
		if t.Status != StatusWaiting || t.QueueDate.Format(time.DateOnly) != day {
			continue
		}
		if codes != nil && !allowed[t.QueueTypeCode] {
			continue
		}
		out = append(out, t.Clone())
	}
	return out, nil
}

func (m *mockTicketRepo) ConditionalUpdate(_ context.Context, id uuid.UUID, expected Status, p Patch) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tickets[id]
	if !ok || t.Status != expected {
		return false, nil
	}
	p.Apply(t)
	t.UpdatedAt = time.Now()
	m.updates++
	return true, nil
}

func (m *mockTicketRepo) FetchRecentCompletions(_ context.Context, code string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.tickets {
		if t.QueueTypeCode == code && t.Status == StatusCompleted && t.CompletedAt != nil && !t.CompletedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *mockTicketRepo) get(id uuid.UUID) *Ticket {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tickets[id].Clone()
}

func (m *mockTicketRepo) all() []*Ticket {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Ticket, 0, len(m.tickets))
	for _, t := range m.tickets {
		out = append(out, t.Clone())
	}
	return out
}

type mockConfigRepo struct {
	mu         sync.Mutex
	queueTypes []*QueueType
	points     []*ServicePoint
	caps       []Capability
	capsErr    error
	capsCalls  int
}

func (m *mockConfigRepo) ListQueueTypes(_ context.Context) ([]*QueueType, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*QueueType, len(m.queueTypes))
	for i, qt := range m.queueTypes {
		v := *qt
		out[i] = &v
	}
	return out, nil
}

func (m *mockConfigRepo) ListServicePoints(_ context.Context) ([]*ServicePoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*ServicePoint, len(m.points))
	for i, sp := range m.points {
		v := *sp
		out[i] = &v
	}
	return out, nil
}

func (m *mockConfigRepo) ListCapabilities(_ context.Context) ([]Capability, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.capsCalls++
	if m.capsErr != nil {
		return nil, m.capsErr
	}
	return append([]Capability(nil), m.caps...), nil
}

func (m *mockConfigRepo) UpsertQueueType(_ context.Context, qt *QueueType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.queueTypes {
		if existing.Code == qt.Code {
			v := *qt
			m.queueTypes[i] = &v
			return nil
		}
	}
	v := *qt
	m.queueTypes = append(m.queueTypes, &v)
	return nil
}

func (m *mockConfigRepo) UpsertServicePoint(_ context.Context, sp *ServicePoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sp.ID == uuid.Nil {
		sp.ID = uuid.New()
	}
	for i, existing := range m.points {
		if existing.ID == sp.ID {
			v := *sp
			m.points[i] = &v
			return nil
		}
	}
	v := *sp
	m.points = append(m.points, &v)
	return nil
}

func (m *mockConfigRepo) ReplaceCapabilities(_ context.Context, caps []Capability) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.caps = append([]Capability(nil), caps...)
	return nil
}

func (m *mockConfigRepo) setCapsErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.capsErr = err
}

// recordingPublisher keeps every published event.
type recordingPublisher struct {
	mu     sync.Mutex
	events []realtime.Event
}

func (p *recordingPublisher) Publish(_ context.Context, evt realtime.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return nil
}

func (p *recordingPublisher) actions() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.Action
	}
	return out
}

var errStore = errors.New("store unavailable")

// -- Fixture --

// testNow is a fixed Monday morning.
var testNow = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

type fixture struct {
	tickets *mockTicketRepo
	config  *mockConfigRepo
	events  *recordingPublisher
	svc     *Service
	day     time.Time

	// C1 serves A and B, C2 serves A only, C3 is disabled and serves B,
	// C4 is enabled but has no capabilities.
	c1, c2, c3, c4 *ServicePoint
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		tickets: newMockTicketRepo(),
		events:  &recordingPublisher{},
		c1:      &ServicePoint{ID: uuid.New(), Code: "C1", Name: "Counter 1", Enabled: true},
		c2:      &ServicePoint{ID: uuid.New(), Code: "C2", Name: "Counter 2", Enabled: true},
		c3:      &ServicePoint{ID: uuid.New(), Code: "C3", Name: "Counter 3", Enabled: false},
		c4:      &ServicePoint{ID: uuid.New(), Code: "C4", Name: "Counter 4", Enabled: true},
	}
	f.config = &mockConfigRepo{
		queueTypes: []*QueueType{
			{Code: "A", Name: "General", Priority: 1, Enabled: true},
			{Code: "B", Name: "Priority", Priority: 5, Enabled: true},
		},
		points: []*ServicePoint{f.c1, f.c2, f.c3, f.c4},
		caps: []Capability{
			{ServicePointID: f.c1.ID, QueueTypeCode: "A"},
			{ServicePointID: f.c1.ID, QueueTypeCode: "B"},
			{ServicePointID: f.c2.ID, QueueTypeCode: "A"},
			{ServicePointID: f.c3.ID, QueueTypeCode: "B"},
		},
	}
	f.svc = NewService(f.tickets, f.config, f.events, ServiceConfig{}, zerolog.Nop())
	f.svc.SetClock(func() time.Time { return testNow })
	f.day = f.svc.Today()
	if _, err := f.svc.RefreshCapabilities(context.Background()); err != nil {
		t.Fatalf("refresh capabilities: %v", err)
	}
	return f
}

// add stores a WAITING ticket of the fixture's day that has waited age.
func (f *fixture) add(t *testing.T, code string, number int, age time.Duration) *Ticket {
	t.Helper()
	tk := &Ticket{
		ID:            uuid.New(),
		Number:        number,
		QueueTypeCode: code,
		QueueDate:     f.day,
		Status:        StatusWaiting,
		CreatedAt:     testNow.Add(-age),
	}
	if err := f.tickets.Create(context.Background(), tk); err != nil {
		t.Fatalf("create ticket: %v", err)
	}
	return tk
}

// active stores a ticket already ACTIVE at sp.
func (f *fixture) active(t *testing.T, code string, number int, sp *ServicePoint) *Ticket {
	t.Helper()
	tk := f.add(t, code, number, 5*time.Minute)
	if _, _, err := f.svc.Claim(context.Background(), tk.ID, sp.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	return f.tickets.get(tk.ID)
}

func ticketAt(id uuid.UUID, code string, created time.Time) *Ticket {
	return &Ticket{ID: id, QueueTypeCode: code, Status: StatusWaiting, CreatedAt: created}
}

// orderedIDs returns n ids in ascending byte order.
func orderedIDs(n int) []uuid.UUID {
	ids := make([]uuid.UUID, n)
	for i := range ids {
		ids[i][15] = byte(i + 1)
	}
	return ids
}
