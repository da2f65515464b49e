package queue

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// RoutingKind tags how a service point was chosen for a ticket.
type RoutingKind string

const (
	RoutingUnresolved RoutingKind = "unresolved"
	RoutingSuggested  RoutingKind = "suggested"
	RoutingForced     RoutingKind = "forced"
)

// Routing is Suggested(point) | Forced(point) | Unresolved. Fallback marks a
// suggestion made without any capable service point.
type Routing struct {
	Kind         RoutingKind   `json:"kind"`
	ServicePoint *ServicePoint `json:"service_point,omitempty"`
	Fallback     bool          `json:"fallback"`
}

func Suggested(sp *ServicePoint) Routing {
	return Routing{Kind: RoutingSuggested, ServicePoint: sp}
}

func Forced(sp *ServicePoint) Routing {
	return Routing{Kind: RoutingForced, ServicePoint: sp}
}

func Unresolved() Routing {
	return Routing{Kind: RoutingUnresolved}
}

// Resolved reports whether a service point was chosen.
func (r Routing) Resolved() bool {
	return r.Kind != RoutingUnresolved && r.ServicePoint != nil
}

// ServicePointID returns the chosen id or uuid.Nil.
func (r Routing) ServicePointID() uuid.UUID {
	if !r.Resolved() {
		return uuid.Nil
	}
	return r.ServicePoint.ID
}

// Err surfaces the warning or failure carried by the routing: nil for an
// exact match, ErrNoCapableServicePoint for a fallback, ErrUnresolvedRouting
// when nothing could be chosen.
func (r Routing) Err() error {
	switch {
	case !r.Resolved():
		return ErrUnresolvedRouting
	case r.Fallback:
		return ErrNoCapableServicePoint
	default:
		return nil
	}
}

// SuggestFrom picks a service point for t using a capability snapshot and the
// configured service points.
//
//   - an assigned ticket keeps its service point (Forced);
//   - otherwise the first enabled capable point by code (Suggested);
//   - otherwise the first enabled point by code, flagged as a fallback;
//   - Unresolved only when no service point is enabled.
//
// Several capable points are not load-balanced here.
func SuggestFrom(idx *CapabilityIndex, points []*ServicePoint, t *Ticket) Routing {
	ordered := sortedPoints(points)

	if !t.Unassigned() {
		for _, sp := range ordered {
			if sp.ID == *t.ServicePointID {
				return Forced(sp)
			}
		}
		return Forced(&ServicePoint{ID: *t.ServicePointID})
	}

	var firstEnabled *ServicePoint
	for _, sp := range ordered {
		if !sp.Enabled {
			continue
		}
		if idx.CanServe(sp.ID, t.QueueTypeCode) {
			return Suggested(sp)
		}
		if firstEnabled == nil {
			firstEnabled = sp
		}
	}
	if firstEnabled == nil {
		return Unresolved()
	}
	r := Suggested(firstEnabled)
	r.Fallback = true
	return r
}

func sortedPoints(points []*ServicePoint) []*ServicePoint {
	out := make([]*ServicePoint, 0, len(points))
	for _, sp := range points {
		if sp != nil {
			out = append(out, sp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Code != out[j].Code {
			return out[i].Code < out[j].Code
		}
		return bytes.Compare(out[i].ID[:], out[j].ID[:]) < 0
	})
	return out
}

// Resolver suggests or forces service points for tickets.
type Resolver struct {
	config ConfigRepository
	caps   *CapabilityCache
	logger zerolog.Logger
}

func NewResolver(config ConfigRepository, caps *CapabilityCache, logger zerolog.Logger) *Resolver {
	return &Resolver{config: config, caps: caps, logger: logger}
}

// Suggest resolves a service point for t. The returned error is only set for
// store failures; routing warnings are carried by Routing.Err.
func (r *Resolver) Suggest(ctx context.Context, t *Ticket) (Routing, error) {
	points, err := r.config.ListServicePoints(ctx)
	if err != nil {
		return Unresolved(), fmt.Errorf("list service points: %w", err)
	}
	routing := SuggestFrom(r.caps.Index(), points, t)
	switch {
	case !routing.Resolved():
		r.logger.Warn().
			Str("ticket_id", t.ID.String()).
			Str("queue_type", t.QueueTypeCode).
			Msg("no enabled service point")
	case routing.Fallback:
		r.logger.Warn().
			Err(ErrNoCapableServicePoint).
			Str("ticket_id", t.ID.String()).
			Str("queue_type", t.QueueTypeCode).
			Str("fallback_service_point", routing.ServicePoint.Code).
			Msg("routing fell back to first enabled service point")
	}
	return routing, nil
}

// Force routes to a manually chosen service point, which must exist and be
// enabled.
func (r *Resolver) Force(ctx context.Context, servicePointID uuid.UUID) (Routing, error) {
	sp, err := r.lookup(ctx, servicePointID)
	if err != nil {
		return Unresolved(), err
	}
	if !sp.Enabled {
		return Unresolved(), fmt.Errorf("%w: %s", ErrServicePointDisabled, sp.Code)
	}
	return Forced(sp), nil
}

func (r *Resolver) lookup(ctx context.Context, servicePointID uuid.UUID) (*ServicePoint, error) {
	points, err := r.config.ListServicePoints(ctx)
	if err != nil {
		return nil, fmt.Errorf("list service points: %w", err)
	}
	for _, sp := range points {
		if sp.ID == servicePointID {
			return sp, nil
		}
	}
	return nil, fmt.Errorf("service point %s: %w", servicePointID, ErrNotFound)
}
