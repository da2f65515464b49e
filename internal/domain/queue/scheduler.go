package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Scheduler picks the next ticket for a service point. It keeps no state
// between calls besides the capability snapshot it reads.
type Scheduler struct {
	tickets      TicketRepository
	config       ConfigRepository
	caps         *CapabilityCache
	recentWindow time.Duration
	now          func() time.Time
	logger       zerolog.Logger
}

func NewScheduler(tickets TicketRepository, config ConfigRepository, caps *CapabilityCache, recentWindow time.Duration, logger zerolog.Logger) *Scheduler {
	if recentWindow <= 0 {
		recentWindow = DefaultRecentWindow
	}
	return &Scheduler{
		tickets:      tickets,
		config:       config,
		caps:         caps,
		recentWindow: recentWindow,
		now:          time.Now,
		logger:       logger,
	}
}

// SetClock replaces the time source.
func (s *Scheduler) SetClock(now func() time.Time) { s.now = now }

// NextTicket runs one scheduling cycle for servicePointID over the tickets of
// queueDate. An empty algorithm falls back to the queue types' shared hint and
// then to FIFO; an unknown one to FIFO. An empty Decision is a normal outcome.
// Nothing is claimed.
func (s *Scheduler) NextTicket(ctx context.Context, servicePointID uuid.UUID, algorithm Algorithm, queueDate time.Time) (Decision, error) {
	point, err := s.servicePoint(ctx, servicePointID)
	if err != nil {
		return Decision{}, err
	}
	sc, types, err := s.context(ctx, servicePointID, queueDate)
	if err != nil {
		return Decision{}, err
	}
	algorithm = pickAlgorithm(algorithm, types)
	if algorithm == AlgorithmMultilevel {
		if sc.RecentCompleted, err = s.recentCompletions(ctx, sc); err != nil {
			return Decision{}, err
		}
	}

	d := Decision{Algorithm: algorithm, Routing: Unresolved()}
	t := Select(algorithm, sc)
	if t == nil {
		return d, nil
	}
	d.Ticket = t
	if t.Unassigned() {
		d.Routing = Suggested(point)
	} else {
		d.Routing = Forced(point)
	}
	return d, nil
}

// Preview returns up to limit tickets in the order the algorithm would serve
// them if nothing else changed. Nothing is claimed.
func (s *Scheduler) Preview(ctx context.Context, servicePointID uuid.UUID, algorithm Algorithm, queueDate time.Time, limit int) ([]*Ticket, Algorithm, error) {
	if _, err := s.servicePoint(ctx, servicePointID); err != nil {
		return nil, "", err
	}
	sc, types, err := s.context(ctx, servicePointID, queueDate)
	if err != nil {
		return nil, "", err
	}
	algorithm = pickAlgorithm(algorithm, types)
	if algorithm == AlgorithmMultilevel {
		if sc.RecentCompleted, err = s.recentCompletions(ctx, sc); err != nil {
			return nil, "", err
		}
	}
	if limit <= 0 || limit > len(sc.Candidates) {
		limit = len(sc.Candidates)
	}
	ordered := make([]*Ticket, 0, limit)
	for len(ordered) < limit {
		t := Select(algorithm, sc)
		if t == nil {
			break
		}
		ordered = append(ordered, t)
		sc = sc.Without(t)
	}
	return ordered, algorithm, nil
}

// context gathers the candidates a service point may be handed: WAITING, not
// held, of a queue type it serves, and either unassigned or assigned to it.
func (s *Scheduler) context(ctx context.Context, servicePointID uuid.UUID, queueDate time.Time) (SchedulingContext, []*QueueType, error) {
	codes, err := s.caps.Index().TypesFor(servicePointID)
	if err != nil {
		s.logger.Warn().Err(err).Str("service_point_id", servicePointID.String()).Msg("service point cannot be scheduled")
		return SchedulingContext{}, nil, err
	}
	allTypes, err := s.config.ListQueueTypes(ctx)
	if err != nil {
		return SchedulingContext{}, nil, fmt.Errorf("list queue types: %w", err)
	}

	served := make(map[string]bool, len(codes))
	for _, code := range codes {
		served[code] = true
	}
	priorities := make(map[string]int)
	var types []*QueueType
	var allowed []string
	for _, qt := range allTypes {
		if !qt.Enabled || !served[qt.Code] {
			continue
		}
		priorities[qt.Code] = qt.Priority
		types = append(types, qt)
		allowed = append(allowed, qt.Code)
	}

	sc := SchedulingContext{Priorities: priorities, Now: s.now()}
	if len(allowed) == 0 {
		return sc, types, nil
	}
	waiting, err := s.tickets.FetchWaiting(ctx, queueDate, allowed)
	if err != nil {
		return SchedulingContext{}, nil, fmt.Errorf("fetch waiting: %w", err)
	}
	day := queueDate.Format(time.DateOnly)
	for _, t := range waiting {
		if t.Status != StatusWaiting || t.Held() {
			continue
		}
		if _, ok := priorities[t.QueueTypeCode]; !ok {
			continue
		}
		if t.QueueDate.Format(time.DateOnly) != day {
			continue
		}
		if !t.Unassigned() && !t.AssignedTo(servicePointID) {
			continue
		}
		sc.Candidates = append(sc.Candidates, t)
	}
	return sc, types, nil
}

func (s *Scheduler) recentCompletions(ctx context.Context, sc SchedulingContext) (map[string]int, error) {
	since := sc.Now.Add(-s.recentWindow)
	counts := make(map[string]int)
	for _, t := range sc.Candidates {
		if _, done := counts[t.QueueTypeCode]; done {
			continue
		}
		n, err := s.tickets.FetchRecentCompletions(ctx, t.QueueTypeCode, since)
		if err != nil {
			return nil, fmt.Errorf("recent completions for %s: %w", t.QueueTypeCode, err)
		}
		counts[t.QueueTypeCode] = n
	}
	return counts, nil
}

func (s *Scheduler) servicePoint(ctx context.Context, id uuid.UUID) (*ServicePoint, error) {
	points, err := s.config.ListServicePoints(ctx)
	if err != nil {
		return nil, fmt.Errorf("list service points: %w", err)
	}
	for _, sp := range points {
		if sp.ID != id {
			continue
		}
		if !sp.Enabled {
			return nil, fmt.Errorf("%w: %s", ErrServicePointDisabled, sp.Code)
		}
		return sp, nil
	}
	return nil, fmt.Errorf("service point %s: %w", id, ErrNotFound)
}

// pickAlgorithm honours an explicit request, then a hint shared by every
// queue type the point serves, then the default.
func pickAlgorithm(requested Algorithm, types []*QueueType) Algorithm {
	if requested != "" {
		return requested.OrDefault()
	}
	var hint Algorithm
	for _, qt := range types {
		if !qt.Algorithm.Valid() {
			return DefaultAlgorithm
		}
		if hint != "" && qt.Algorithm != hint {
			return DefaultAlgorithm
		}
		hint = qt.Algorithm
	}
	if hint == "" {
		return DefaultAlgorithm
	}
	return hint
}
