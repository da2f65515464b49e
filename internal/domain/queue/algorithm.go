package queue

import (
	"bytes"
	"math"
	"strings"
	"time"
)

// Algorithm names a ticket selection strategy.
type Algorithm string

const (
	AlgorithmFIFO               Algorithm = "FIFO"
	AlgorithmPriority           Algorithm = "PRIORITY"
	AlgorithmMultilevel         Algorithm = "MULTILEVEL"
	AlgorithmMultilevelFeedback Algorithm = "MULTILEVEL_FEEDBACK"
	AlgorithmRoundRobin         Algorithm = "ROUND_ROBIN"
)

// DefaultAlgorithm is used whenever an algorithm name is not recognized.
const DefaultAlgorithm = AlgorithmFIFO

// Starvation boosts applied by MULTILEVEL_FEEDBACK.
const (
	FeedbackFirstBoostAfter  = 15 * time.Minute
	FeedbackSecondBoostAfter = 30 * time.Minute
)

// DefaultRecentWindow is the trailing completion window MULTILEVEL weighs
// backlog against.
const DefaultRecentWindow = 60 * time.Minute

type selectFunc func(sc SchedulingContext) *Ticket

var selectors = map[Algorithm]selectFunc{
	AlgorithmFIFO:               selectFIFO,
	AlgorithmPriority:           selectPriority,
	AlgorithmMultilevel:         selectMultilevel,
	AlgorithmMultilevelFeedback: selectMultilevelFeedback,
	AlgorithmRoundRobin:         selectRoundRobin,
}

// Algorithms lists every supported algorithm in a stable order.
func Algorithms() []Algorithm {
	return []Algorithm{
		AlgorithmFIFO, AlgorithmPriority, AlgorithmMultilevel,
		AlgorithmMultilevelFeedback, AlgorithmRoundRobin,
	}
}

// ParseAlgorithm normalizes s. Unknown names resolve to DefaultAlgorithm with
// ok=false so callers can warn.
func ParseAlgorithm(s string) (a Algorithm, ok bool) {
	a = Algorithm(strings.ToUpper(strings.TrimSpace(s)))
	if _, known := selectors[a]; !known {
		return DefaultAlgorithm, false
	}
	return a, true
}

// Valid reports whether a names a supported algorithm.
func (a Algorithm) Valid() bool {
	_, ok := selectors[a]
	return ok
}

// OrDefault returns a, or DefaultAlgorithm when a is not supported.
func (a Algorithm) OrDefault() Algorithm {
	if a.Valid() {
		return a
	}
	return DefaultAlgorithm
}

// SchedulingContext is everything a selector may look at. Candidates must
// already be WAITING and filtered to the serving point's capabilities.
type SchedulingContext struct {
	Candidates []*Ticket
	// Priorities maps queue type code to priority, higher is more urgent.
	// Missing codes count as priority 0.
	Priorities map[string]int
	// RecentCompleted maps queue type code to completions inside the
	// trailing window. Only MULTILEVEL reads it.
	RecentCompleted map[string]int
	// LastServedType is the queue type handed out last. ROUND_ROBIN uses it
	// to break ties between equally old heads. Without sets it.
	LastServedType string
	Now            time.Time
}

func (sc SchedulingContext) priority(code string) int {
	return sc.Priorities[code]
}

// Without returns a copy of sc with the ticket removed from the candidates
// and its queue type recorded as the last one served.
func (sc SchedulingContext) Without(t *Ticket) SchedulingContext {
	rest := make([]*Ticket, 0, len(sc.Candidates))
	for _, c := range sc.Candidates {
		if c.ID != t.ID {
			rest = append(rest, c)
		}
	}
	sc.Candidates = rest
	sc.LastServedType = t.QueueTypeCode
	return sc
}

// Select runs the algorithm over sc and returns the chosen ticket, or nil for
// an empty candidate set. Select never mutates its input.
func Select(a Algorithm, sc SchedulingContext) *Ticket {
	if len(sc.Candidates) == 0 {
		return nil
	}
	fn, ok := selectors[a]
	if !ok {
		fn = selectFIFO
	}
	return fn(sc)
}

// older is the total order every selector falls back to: createdAt, then id.
func older(a, b *Ticket) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return bytes.Compare(a.ID[:], b.ID[:]) < 0
}

func selectFIFO(sc SchedulingContext) *Ticket {
	var best *Ticket
	for _, t := range sc.Candidates {
		if best == nil || older(t, best) {
			best = t
		}
	}
	return best
}

// selectPriority is strict: any higher-priority ticket wins regardless of how
// long lower-priority tickets have waited. There is no starvation guard.
func selectPriority(sc SchedulingContext) *Ticket {
	var best *Ticket
	bestPrio := 0
	for _, t := range sc.Candidates {
		p := sc.priority(t.QueueTypeCode)
		if best == nil || p > bestPrio || (p == bestPrio && older(t, best)) {
			best, bestPrio = t, p
		}
	}
	return best
}

func selectMultilevel(sc SchedulingContext) *Ticket {
	waiting := make(map[string]int)
	for _, t := range sc.Candidates {
		waiting[t.QueueTypeCode]++
	}
	return selectMaxScore(sc, func(t *Ticket) float64 {
		return MultilevelScore(
			waiting[t.QueueTypeCode],
			sc.RecentCompleted[t.QueueTypeCode],
			sc.priority(t.QueueTypeCode),
			t.WaitTime(sc.Now),
		)
	})
}

func selectMultilevelFeedback(sc SchedulingContext) *Ticket {
	return selectMaxScore(sc, func(t *Ticket) float64 {
		return FeedbackScore(sc.priority(t.QueueTypeCode), t.WaitTime(sc.Now))
	})
}

// selectRoundRobin takes the oldest ticket of each queue type and then the
// oldest of those heads. Heads of equal age go to a type other than
// LastServedType, then by id. With LastServedType empty, as in a single
// NextTicket call, equal heads fall to the id order alone.
func selectRoundRobin(sc SchedulingContext) *Ticket {
	heads := make(map[string]*Ticket)
	for _, t := range sc.Candidates {
		if h, ok := heads[t.QueueTypeCode]; !ok || older(t, h) {
			heads[t.QueueTypeCode] = t
		}
	}
	var best *Ticket
	for _, h := range heads {
		if best == nil || aheadInTurn(h, best, sc.LastServedType) {
			best = h
		}
	}
	return best
}

func aheadInTurn(a, b *Ticket, last string) bool {
	if a.CreatedAt.Equal(b.CreatedAt) && last != "" {
		aLast, bLast := a.QueueTypeCode == last, b.QueueTypeCode == last
		if aLast != bLast {
			return bLast
		}
	}
	return older(a, b)
}

func selectMaxScore(sc SchedulingContext, score func(*Ticket) float64) *Ticket {
	var best *Ticket
	bestScore := math.Inf(-1)
	for _, t := range sc.Candidates {
		s := score(t)
		if best == nil || s > bestScore || (s == bestScore && older(t, best)) {
			best, bestScore = t, s
		}
	}
	return best
}

// MultilevelScore is (waiting / (recentCompleted + 1)) * priority * waitMinutes.
func MultilevelScore(waiting, recentCompleted, priority int, wait time.Duration) float64 {
	backlog := float64(waiting) / float64(recentCompleted+1)
	return backlog * float64(priority) * wait.Minutes()
}

// EffectivePriority is the base priority plus the starvation boost earned by
// waiting. It never decreases as wait grows.
func EffectivePriority(base int, wait time.Duration) int {
	switch {
	case wait >= FeedbackSecondBoostAfter:
		return base + 2
	case wait >= FeedbackFirstBoostAfter:
		return base + 1
	default:
		return base
	}
}

// FeedbackScore is effectivePriority * log10(1 + waitMinutes).
func FeedbackScore(base int, wait time.Duration) float64 {
	if wait < 0 {
		wait = 0
	}
	return float64(EffectivePriority(base, wait)) * math.Log10(1+wait.Minutes())
}
