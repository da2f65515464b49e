package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/queue/internal/platform/realtime"
)

// ServiceConfig tunes the engine.
type ServiceConfig struct {
	// DefaultAlgorithm applies when a caller names none. Empty defers to the
	// queue types' algorithm hints.
	DefaultAlgorithm Algorithm
	RecentWindow     time.Duration
	Location         *time.Location
}

// Service wires the engine components together for the HTTP and CLI layers.
type Service struct {
	tickets   TicketRepository
	config    ConfigRepository
	caps      *CapabilityCache
	resolver  *Resolver
	scheduler *Scheduler
	lifecycle *Lifecycle
	transfers *TransferCoordinator
	events    realtime.Publisher
	cfg       ServiceConfig
	now       func() time.Time
	logger    zerolog.Logger
}

func NewService(tickets TicketRepository, config ConfigRepository, events realtime.Publisher, cfg ServiceConfig, logger zerolog.Logger) *Service {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	caps := NewCapabilityCache(config, logger.With().Str("component", "capabilities").Logger())
	resolver := NewResolver(config, caps, logger.With().Str("component", "resolver").Logger())
	lifecycle := NewLifecycle(tickets, resolver, events, logger.With().Str("component", "lifecycle").Logger())
	return &Service{
		tickets:   tickets,
		config:    config,
		caps:      caps,
		resolver:  resolver,
		scheduler: NewScheduler(tickets, config, caps, cfg.RecentWindow, logger.With().Str("component", "scheduler").Logger()),
		lifecycle: lifecycle,
		transfers: NewTransferCoordinator(tickets, caps, lifecycle, logger.With().Str("component", "transfer").Logger()),
		events:    events,
		cfg:       cfg,
		now:       time.Now,
		logger:    logger,
	}
}

// SetClock replaces the time source of every component.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
	s.scheduler.SetClock(now)
	s.lifecycle.SetClock(now)
}

func (s *Service) Capabilities() *CapabilityCache { return s.caps }
func (s *Service) Lifecycle() *Lifecycle         { return s.lifecycle }

// Today is the current service day.
func (s *Service) Today() time.Time {
	return ServiceDay(s.now(), s.cfg.Location)
}

// ParseDay reads a YYYY-MM-DD service day, defaulting to today.
func (s *Service) ParseDay(raw string) (time.Time, error) {
	if raw == "" {
		return s.Today(), nil
	}
	d, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", raw, err)
	}
	return d, nil
}

// Algorithm turns a requested name into the algorithm to run.
func (s *Service) Algorithm(requested string) Algorithm {
	if requested == "" {
		return s.cfg.DefaultAlgorithm
	}
	a, ok := ParseAlgorithm(requested)
	if !ok {
		s.logger.Warn().Str("requested", requested).Str("algorithm", string(a)).Msg("unknown algorithm, using default")
	}
	return a
}

// NextTicket previews the next ticket for a service point without claiming it.
func (s *Service) NextTicket(ctx context.Context, servicePointID uuid.UUID, algorithm string, queueDate time.Time) (Decision, error) {
	return s.scheduler.NextTicket(ctx, servicePointID, s.Algorithm(algorithm), queueDate)
}

// Preview lists the upcoming tickets for a service point.
func (s *Service) Preview(ctx context.Context, servicePointID uuid.UUID, algorithm string, queueDate time.Time, limit int) ([]*Ticket, Algorithm, error) {
	return s.scheduler.Preview(ctx, servicePointID, s.Algorithm(algorithm), queueDate, limit)
}

// CallNext selects the next ticket and claims it for the calling service
// point. Losing the claim returns ErrAlreadyClaimed with the decision that
// was attempted; the caller decides whether to call again.
func (s *Service) CallNext(ctx context.Context, servicePointID uuid.UUID, algorithm string, queueDate time.Time) (Decision, error) {
	d, err := s.NextTicket(ctx, servicePointID, algorithm, queueDate)
	if err != nil || d.Empty() {
		return d, err
	}
	claimed, _, err := s.lifecycle.Claim(ctx, d.Ticket.ID, servicePointID)
	if err != nil {
		if errors.Is(err, ErrAlreadyClaimed) {
			s.logger.Info().
				Str("ticket_id", d.Ticket.ID.String()).
				Str("service_point_id", servicePointID.String()).
				Msg("next ticket was claimed elsewhere")
		}
		return d, err
	}
	d.Ticket = claimed
	return d, nil
}

// Suggest resolves a service point for an existing ticket.
func (s *Service) Suggest(ctx context.Context, ticketID uuid.UUID) (Routing, error) {
	t, err := s.lifecycle.get(ctx, ticketID)
	if err != nil {
		return Unresolved(), err
	}
	return s.resolver.Suggest(ctx, t)
}

func (s *Service) GetTicket(ctx context.Context, ticketID uuid.UUID) (*Ticket, error) {
	return s.lifecycle.get(ctx, ticketID)
}

// Waiting lists the WAITING tickets of a day, oldest first.
func (s *Service) Waiting(ctx context.Context, queueDate time.Time, queueTypeCodes []string) ([]*Ticket, error) {
	tickets, err := s.tickets.FetchWaiting(ctx, queueDate, queueTypeCodes)
	if err != nil {
		return nil, err
	}
	sort.Slice(tickets, func(i, j int) bool { return older(tickets[i], tickets[j]) })
	return tickets, nil
}

func (s *Service) Claim(ctx context.Context, ticketID, servicePointID uuid.UUID) (*Ticket, Routing, error) {
	return s.lifecycle.Claim(ctx, ticketID, servicePointID)
}

func (s *Service) Recall(ctx context.Context, ticketID, servicePointID uuid.UUID) (*Ticket, error) {
	return s.lifecycle.Recall(ctx, ticketID, servicePointID)
}

func (s *Service) Hold(ctx context.Context, ticketID, servicePointID uuid.UUID) (*Ticket, error) {
	return s.lifecycle.Hold(ctx, ticketID, servicePointID)
}

func (s *Service) ReturnToWaiting(ctx context.Context, ticketID uuid.UUID) (*Ticket, error) {
	return s.lifecycle.ReturnToWaiting(ctx, ticketID)
}

func (s *Service) Skip(ctx context.Context, ticketID uuid.UUID) (*Ticket, error) {
	return s.lifecycle.Skip(ctx, ticketID)
}

func (s *Service) Complete(ctx context.Context, ticketID uuid.UUID) (*Ticket, error) {
	return s.lifecycle.Complete(ctx, ticketID)
}

func (s *Service) Cancel(ctx context.Context, ticketID uuid.UUID) (*Ticket, error) {
	return s.lifecycle.Cancel(ctx, ticketID)
}

func (s *Service) CancelAllWaiting(ctx context.Context, queueDate time.Time, queueTypeCodes []string) (BulkResult, error) {
	return s.lifecycle.CancelAllWaiting(ctx, queueDate, queueTypeCodes)
}

func (s *Service) Transfer(ctx context.Context, ticketID, source, target uuid.UUID) (*TransferResult, error) {
	return s.transfers.Transfer(ctx, ticketID, source, target)
}

// RefreshCapabilities rebuilds the capability index now.
func (s *Service) RefreshCapabilities(ctx context.Context) (*CapabilityIndex, error) {
	return s.caps.Rebuild(ctx)
}

// ListQueueTypes and ListServicePoints expose read-only configuration.
func (s *Service) ListQueueTypes(ctx context.Context) ([]*QueueType, error) {
	return s.config.ListQueueTypes(ctx)
}

func (s *Service) ListServicePoints(ctx context.Context) ([]*ServicePoint, error) {
	return s.config.ListServicePoints(ctx)
}
