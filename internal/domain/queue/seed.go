package queue

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/ehr/queue/internal/platform/realtime"
)

// SeedConfig is the administrator-edited YAML description of queue types,
// service points and what each point serves.
//
//	queue_types:
//	  - {code: A, name: General, priority: 1, algorithm: FIFO, enabled: true}
//	service_points:
//	  - {code: C1, name: Counter 1, enabled: true, serves: [A]}
type SeedConfig struct {
	QueueTypes    []QueueType        `yaml:"queue_types"`
	ServicePoints []SeedServicePoint `yaml:"service_points"`
}

// SeedServicePoint is a service point plus the queue type codes it serves.
type SeedServicePoint struct {
	ServicePoint `yaml:",inline"`
	Serves       []string `yaml:"serves"`
}

// LoadSeed reads a seed file from disk.
func LoadSeed(path string) (*SeedConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open seed: %w", err)
	}
	defer f.Close()
	return DecodeSeed(f)
}

// DecodeSeed parses and validates a seed document.
func DecodeSeed(r io.Reader) (*SeedConfig, error) {
	var cfg SeedConfig
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decode seed: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks codes are present and unique and that every served code
// names a declared queue type.
func (c *SeedConfig) Validate() error {
	types := make(map[string]bool, len(c.QueueTypes))
	for i := range c.QueueTypes {
		qt := &c.QueueTypes[i]
		qt.Code = strings.TrimSpace(qt.Code)
		if qt.Code == "" {
			return fmt.Errorf("queue_types[%d]: code is required", i)
		}
		if types[qt.Code] {
			return fmt.Errorf("queue_types[%d]: duplicate code %q", i, qt.Code)
		}
		if qt.Algorithm != "" {
			a, ok := ParseAlgorithm(string(qt.Algorithm))
			if !ok {
				return fmt.Errorf("queue type %s: unknown algorithm %q", qt.Code, qt.Algorithm)
			}
			qt.Algorithm = a
		}
		types[qt.Code] = true
	}
	points := make(map[string]bool, len(c.ServicePoints))
	for i := range c.ServicePoints {
		sp := &c.ServicePoints[i]
		sp.Code = strings.TrimSpace(sp.Code)
		if sp.Code == "" {
			return fmt.Errorf("service_points[%d]: code is required", i)
		}
		if points[sp.Code] {
			return fmt.Errorf("service_points[%d]: duplicate code %q", i, sp.Code)
		}
		points[sp.Code] = true
		for _, code := range sp.Serves {
			if !types[code] {
				return fmt.Errorf("service point %s serves unknown queue type %q", sp.Code, code)
			}
		}
	}
	return nil
}

// SeedSummary reports what a seed run wrote.
type SeedSummary struct {
	QueueTypes    int
	ServicePoints int
	Capabilities  int
}

// ApplySeed upserts the seed into the config store, replaces the capability
// relation and announces the change so capability caches rebuild. Service
// points without an id keep the id already stored under their code, or get a
// new one.
func ApplySeed(ctx context.Context, repo ConfigRepository, events realtime.Publisher, cfg *SeedConfig) (SeedSummary, error) {
	var sum SeedSummary
	for i := range cfg.QueueTypes {
		qt := cfg.QueueTypes[i]
		if err := repo.UpsertQueueType(ctx, &qt); err != nil {
			return sum, fmt.Errorf("upsert queue type %s: %w", qt.Code, err)
		}
		sum.QueueTypes++
	}

	existing, err := repo.ListServicePoints(ctx)
	if err != nil {
		return sum, fmt.Errorf("list service points: %w", err)
	}
	byCode := make(map[string]uuid.UUID, len(existing))
	for _, sp := range existing {
		byCode[sp.Code] = sp.ID
	}

	var caps []Capability
	for i := range cfg.ServicePoints {
		sp := cfg.ServicePoints[i].ServicePoint
		if sp.ID == uuid.Nil {
			if id, ok := byCode[sp.Code]; ok {
				sp.ID = id
			} else {
				sp.ID = uuid.New()
			}
		}
		if err := repo.UpsertServicePoint(ctx, &sp); err != nil {
			return sum, fmt.Errorf("upsert service point %s: %w", sp.Code, err)
		}
		sum.ServicePoints++
		for _, code := range cfg.ServicePoints[i].Serves {
			caps = append(caps, Capability{ServicePointID: sp.ID, QueueTypeCode: code})
		}
	}

	if err := repo.ReplaceCapabilities(ctx, caps); err != nil {
		return sum, fmt.Errorf("replace capabilities: %w", err)
	}
	sum.Capabilities = len(caps)

	if events != nil {
		if err := AnnounceCapabilityChange(ctx, events, "seed"); err != nil {
			return sum, err
		}
	}
	return sum, nil
}
