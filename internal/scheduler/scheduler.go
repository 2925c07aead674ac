// Package scheduler computes spaced-repetition intervals.
//
// A challenge moves through configurable learning steps, graduates to
// review state, and from then on its interval grows with an ease factor
// that answers adjust. The scheduler is a pure function from (item, delay)
// to the set of possible next items, one per answer grade; the storage
// engine picks the branch matching the recorded outcome.
package scheduler

import (
	"math/rand"
	"time"
)

// Answer is the three-way grade derived from a study outcome.
type Answer int

const (
	// Again means the challenge was missed and re-enters learning.
	Again Answer = iota
	// Hard means answered correctly with difficulty.
	Hard
	// Good means answered correctly.
	Good
)

func (a Answer) String() string {
	switch a {
	case Again:
		return "again"
	case Hard:
		return "hard"
	case Good:
		return "good"
	default:
		return "unknown"
	}
}

// Item is a challenge's current scheduling state.
type Item struct {
	// Learning is true while the item is in the learning steps; Step
	// indexes LearningIntervals. When false the item is in review state.
	Learning bool
	Step     int

	ReviewCount int
	LapseCount  int
	Interval    time.Duration
	Factor      float64
}

const (
	initialFactor = 2.5
	minimumFactor = 1.3

	againFactorPenalty = 0.2
	hardFactorPenalty  = 0.15
	hardIntervalGrowth = 1.2
)

// Parameters configures a Scheduler.
type Parameters struct {
	// LearningIntervals are the delays between learning steps.
	LearningIntervals []time.Duration
	// GraduatingInterval is the review interval granted on graduation
	// from the last learning step.
	GraduatingInterval time.Duration
}

// DefaultParameters mirror the classic two-step configuration.
func DefaultParameters() Parameters {
	return Parameters{
		LearningIntervals:  []time.Duration{24 * time.Hour, 4 * 24 * time.Hour},
		GraduatingInterval: 7 * 24 * time.Hour,
	}
}

// Scheduler computes outcome distributions for items.
type Scheduler struct {
	params Parameters
}

// New creates a scheduler. Zero-valued parameters fall back to defaults.
func New(params Parameters) *Scheduler {
	if len(params.LearningIntervals) == 0 {
		params.LearningIntervals = DefaultParameters().LearningIntervals
	}
	if params.GraduatingInterval <= 0 {
		params.GraduatingInterval = DefaultParameters().GraduatingInterval
	}
	return &Scheduler{params: params}
}

// NewItem returns the state of a challenge that has never been reviewed:
// sitting at the last learning step, so a single good answer graduates it.
func (s *Scheduler) NewItem() Item {
	return Item{
		Learning: true,
		Step:     len(s.params.LearningIntervals) - 1,
		Factor:   initialFactor,
	}
}

// Schedule returns the next state for every answer grade, given how
// overdue the review was.
func (s *Scheduler) Schedule(item Item, delay time.Duration) map[Answer]Item {
	if delay < 0 {
		delay = 0
	}
	if item.Factor < minimumFactor {
		item.Factor = initialFactor
	}
	return map[Answer]Item{
		Again: s.again(item),
		Hard:  s.hard(item),
		Good:  s.good(item, delay),
	}
}

func (s *Scheduler) again(item Item) Item {
	next := item
	next.ReviewCount++
	if !item.Learning {
		next.LapseCount++
		next.Factor = clampFactor(item.Factor - againFactorPenalty)
		next.Learning = true
	}
	next.Step = 0
	next.Interval = s.params.LearningIntervals[0]
	return next
}

func (s *Scheduler) hard(item Item) Item {
	next := item
	next.ReviewCount++
	if item.Learning {
		// Repeat the current step.
		next.Interval = s.params.LearningIntervals[clampStep(item.Step, s.params.LearningIntervals)]
		return next
	}
	next.Factor = clampFactor(item.Factor - hardFactorPenalty)
	next.Interval = time.Duration(float64(item.Interval) * hardIntervalGrowth)
	return next
}

func (s *Scheduler) good(item Item, delay time.Duration) Item {
	next := item
	next.ReviewCount++
	if item.Learning {
		step := clampStep(item.Step, s.params.LearningIntervals) + 1
		if step >= len(s.params.LearningIntervals) {
			// Graduate.
			next.Learning = false
			next.Step = 0
			next.Interval = s.params.GraduatingInterval
			return next
		}
		next.Step = step
		next.Interval = s.params.LearningIntervals[step]
		return next
	}
	// Half of the overdue time counts toward the next interval.
	next.Interval = time.Duration(float64(item.Interval+delay/2) * item.Factor)
	return next
}

func clampFactor(f float64) float64 {
	if f < minimumFactor {
		return minimumFactor
	}
	return f
}

func clampStep(step int, intervals []time.Duration) int {
	if step < 0 {
		return 0
	}
	if step >= len(intervals) {
		return len(intervals) - 1
	}
	return step
}

// Fuzz applies a small random jitter (up to ±5% of the interval) so that
// challenges reviewed together do not stay due at the same instant.
func Fuzz(interval time.Duration, rng *rand.Rand) time.Duration {
	if interval <= 0 || rng == nil {
		return interval
	}
	span := float64(interval) * 0.05
	jitter := (rng.Float64()*2 - 1) * span
	return interval + time.Duration(jitter)
}
