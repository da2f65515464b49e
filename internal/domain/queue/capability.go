package queue

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/ehr/queue/internal/platform/realtime"
)

// CapabilityIndex is an immutable closure of the service point x queue type
// relation. Rebuild a new one rather than mutating.
type CapabilityIndex struct {
	byPoint map[uuid.UUID]map[string]struct{}
	byType  map[string]map[uuid.UUID]struct{}
	size    int
	builtAt time.Time
}

// NewCapabilityIndex groups caps by service point and by queue type.
// Duplicate rows collapse.
func NewCapabilityIndex(caps []Capability) *CapabilityIndex {
	x := &CapabilityIndex{
		byPoint: make(map[uuid.UUID]map[string]struct{}),
		byType:  make(map[string]map[uuid.UUID]struct{}),
		builtAt: time.Now(),
	}
	for _, c := range caps {
		if c.ServicePointID == uuid.Nil || c.QueueTypeCode == "" {
			continue
		}
		types, ok := x.byPoint[c.ServicePointID]
		if !ok {
			types = make(map[string]struct{})
			x.byPoint[c.ServicePointID] = types
		}
		if _, dup := types[c.QueueTypeCode]; dup {
			continue
		}
		types[c.QueueTypeCode] = struct{}{}

		points, ok := x.byType[c.QueueTypeCode]
		if !ok {
			points = make(map[uuid.UUID]struct{})
			x.byType[c.QueueTypeCode] = points
		}
		points[c.ServicePointID] = struct{}{}
		x.size++
	}
	return x
}

// CanServe reports whether the service point declares the queue type.
func (x *CapabilityIndex) CanServe(servicePointID uuid.UUID, queueTypeCode string) bool {
	_, ok := x.byPoint[servicePointID][queueTypeCode]
	return ok
}

// TypesFor returns the sorted queue type codes a service point may serve.
// A service point without capabilities serves nothing and is reported as
// ErrServicePointUnconfigured.
func (x *CapabilityIndex) TypesFor(servicePointID uuid.UUID) ([]string, error) {
	types := x.byPoint[servicePointID]
	if len(types) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrServicePointUnconfigured, servicePointID)
	}
	codes := make([]string, 0, len(types))
	for code := range types {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes, nil
}

// PointsFor returns the service points declaring the queue type, ordered by id.
func (x *CapabilityIndex) PointsFor(queueTypeCode string) []uuid.UUID {
	points := x.byType[queueTypeCode]
	ids := make([]uuid.UUID, 0, len(points))
	for id := range points {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return bytes.Compare(ids[i][:], ids[j][:]) < 0 })
	return ids
}

// Equal reports whether both indexes hold the same relation.
func (x *CapabilityIndex) Equal(other *CapabilityIndex) bool {
	if other == nil || x.size != other.size || len(x.byPoint) != len(other.byPoint) {
		return false
	}
	for id, types := range x.byPoint {
		otherTypes, ok := other.byPoint[id]
		if !ok || len(types) != len(otherTypes) {
			return false
		}
		for code := range types {
			if _, ok := otherTypes[code]; !ok {
				return false
			}
		}
	}
	return true
}

// Len is the number of distinct capability rows.
func (x *CapabilityIndex) Len() int { return x.size }

// BuiltAt is when the index was constructed.
func (x *CapabilityIndex) BuiltAt() time.Time { return x.builtAt }

// CapabilityCache holds the current index. Readers always see a complete
// index; Rebuild swaps in a new one.
type CapabilityCache struct {
	repo    ConfigRepository
	logger  zerolog.Logger
	current atomic.Pointer[CapabilityIndex]
	group   singleflight.Group
}

func NewCapabilityCache(repo ConfigRepository, logger zerolog.Logger) *CapabilityCache {
	c := &CapabilityCache{repo: repo, logger: logger}
	c.current.Store(NewCapabilityIndex(nil))
	return c
}

// Index returns the current snapshot.
func (c *CapabilityCache) Index() *CapabilityIndex {
	return c.current.Load()
}

// Rebuild reloads the relation and swaps the index. Concurrent callers share
// one load. On error the previous index stays in place.
func (c *CapabilityCache) Rebuild(ctx context.Context) (*CapabilityIndex, error) {
	v, err, _ := c.group.Do("capabilities", func() (interface{}, error) {
		caps, err := c.repo.ListCapabilities(ctx)
		if err != nil {
			return nil, fmt.Errorf("list capabilities: %w", err)
		}
		idx := NewCapabilityIndex(caps)
		c.current.Store(idx)
		c.logger.Info().
			Int("capabilities", idx.Len()).
			Int("service_points", len(idx.byPoint)).
			Int("queue_types", len(idx.byType)).
			Msg("capability index rebuilt")
		return idx, nil
	})
	if err != nil {
		c.logger.Error().Err(err).Msg("capability index rebuild failed")
		return nil, err
	}
	return v.(*CapabilityIndex), nil
}

// CapabilitiesChannel is the database notification channel raised when the
// capability relation is replaced.
const CapabilitiesChannel = "capabilities_changed"

// AnnounceCapabilityChange publishes a capability change on the bus. Action
// names the source of the change.
func AnnounceCapabilityChange(ctx context.Context, bus realtime.Publisher, action string) error {
	evt, err := realtime.NewEvent(realtime.EventCapabilityChanged, realtime.TopicCapabilities, "Capability", "", action, nil)
	if err == nil {
		err = bus.Publish(ctx, evt)
	}
	if err != nil {
		return fmt.Errorf("announce capability change: %w", err)
	}
	return nil
}

// Changed reports whether the stored relation differs from the current
// index. The index is left as it is.
func (c *CapabilityCache) Changed(ctx context.Context) (bool, error) {
	caps, err := c.repo.ListCapabilities(ctx)
	if err != nil {
		return false, fmt.Errorf("list capabilities: %w", err)
	}
	return !NewCapabilityIndex(caps).Equal(c.Index()), nil
}

// Poll compares the store with the current index every interval and
// announces a difference on the bus, where Watch turns it into a rebuild.
// It catches edits made by other processes on stores that cannot notify.
// Poll returns when ctx is done.
func (c *CapabilityCache) Poll(ctx context.Context, bus realtime.Publisher, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		changed, err := c.Changed(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Warn().Err(err).Msg("capability poll failed")
			}
			continue
		}
		if !changed {
			continue
		}
		c.logger.Info().Msg("capability relation changed in the store")
		if err := AnnounceCapabilityChange(ctx, bus, "poll"); err != nil {
			c.logger.Warn().Err(err).Msg("capability poll announce failed")
		}
	}
}

// Watch rebuilds the index whenever a capability change is announced on the
// bus, debounced so a burst of edits costs one reload. It returns a stop
// function.
func (c *CapabilityCache) Watch(bus *realtime.Hub, debounce time.Duration) (stop func()) {
	d := realtime.NewDebouncer(debounce, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, _ = c.Rebuild(ctx)
	})
	unsubscribe := bus.SubscribeFunc(realtime.TopicCapabilities, func(realtime.Event) {
		d.Trigger()
	})
	return func() {
		unsubscribe()
		d.Stop()
	}
}
