package scheduler

import (
	"math/rand"
	"testing"
	"time"
)

const day = 24 * time.Hour

// closeTo compares floats with a tolerance that forgives accumulated
// rounding in the factor arithmetic.
func closeTo(got, want float64) bool {
	diff := got - want
	if diff < 0 {
		diff = -diff
	}
	return diff < 1e-9
}

func closeDuration(got, want time.Duration) bool {
	diff := got - want
	if diff < 0 {
		diff = -diff
	}
	return diff < time.Millisecond
}

func TestNewItemGraduatesOnGood(t *testing.T) {
	s := New(DefaultParameters())
	item := s.NewItem()

	next := s.Schedule(item, 0)[Good]
	if next.Learning {
		t.Error("good answer on a new item should graduate it")
	}
	if next.Interval != 7*day {
		t.Errorf("interval = %v, want %v", next.Interval, 7*day)
	}
	if next.ReviewCount != 1 {
		t.Errorf("reviewCount = %d, want 1", next.ReviewCount)
	}
}

func TestLearningSteps(t *testing.T) {
	s := New(Parameters{
		LearningIntervals:  []time.Duration{day, 4 * day},
		GraduatingInterval: 7 * day,
	})
	item := Item{Learning: true, Step: 0, Factor: initialFactor}

	// Good advances to the second step.
	step2 := s.Schedule(item, 0)[Good]
	if !step2.Learning || step2.Step != 1 || step2.Interval != 4*day {
		t.Fatalf("after good: %+v", step2)
	}

	// Hard repeats the current step.
	repeat := s.Schedule(item, 0)[Hard]
	if !repeat.Learning || repeat.Step != 0 || repeat.Interval != day {
		t.Fatalf("after hard: %+v", repeat)
	}

	// Good from the last step graduates.
	grad := s.Schedule(step2, 0)[Good]
	if grad.Learning || grad.Interval != 7*day {
		t.Fatalf("after graduation: %+v", grad)
	}
}

func TestReviewGoodGrowsByFactor(t *testing.T) {
	s := New(DefaultParameters())
	item := Item{Interval: 10 * day, Factor: 2.0}

	next := s.Schedule(item, 0)[Good]
	if !closeDuration(next.Interval, 20*day) {
		t.Errorf("interval = %v, want about %v", next.Interval, 20*day)
	}
	if next.Factor != 2.0 {
		t.Errorf("good should not change factor, got %v", next.Factor)
	}
}

func TestReviewGoodCountsHalfTheDelay(t *testing.T) {
	s := New(DefaultParameters())
	item := Item{Interval: 10 * day, Factor: 2.0}

	next := s.Schedule(item, 4*day)[Good]
	if !closeDuration(next.Interval, 24*day) {
		t.Errorf("interval = %v, want about %v", next.Interval, 24*day)
	}
}

func TestReviewAgainLapses(t *testing.T) {
	s := New(DefaultParameters())
	item := Item{Interval: 10 * day, Factor: 2.0, ReviewCount: 3}

	next := s.Schedule(item, 0)[Again]
	if !next.Learning || next.Step != 0 {
		t.Errorf("again should re-enter learning: %+v", next)
	}
	if next.LapseCount != 1 {
		t.Errorf("lapseCount = %d, want 1", next.LapseCount)
	}
	if !closeTo(next.Factor, 1.8) {
		t.Errorf("factor = %v, want 1.8", next.Factor)
	}
	if next.Interval != day {
		t.Errorf("interval = %v, want %v", next.Interval, day)
	}
}

func TestReviewHardPenalizesFactor(t *testing.T) {
	s := New(DefaultParameters())
	item := Item{Interval: 10 * day, Factor: 2.0}

	next := s.Schedule(item, 0)[Hard]
	if !closeTo(next.Factor, 1.85) {
		t.Errorf("factor = %v, want 1.85", next.Factor)
	}
	if !closeDuration(next.Interval, 12*day) {
		t.Errorf("interval = %v, want about %v", next.Interval, 12*day)
	}
}

func TestFactorNeverBelowMinimum(t *testing.T) {
	s := New(DefaultParameters())
	item := Item{Interval: 10 * day, Factor: 1.35}

	next := s.Schedule(item, 0)[Again]
	if next.Factor != minimumFactor {
		t.Errorf("factor = %v, want clamp at %v", next.Factor, minimumFactor)
	}
}

func TestFuzzStaysWithinBounds(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	interval := 10 * day
	for i := 0; i < 1000; i++ {
		fuzzed := Fuzz(interval, rng)
		delta := fuzzed - interval
		if delta < 0 {
			delta = -delta
		}
		if float64(delta) > float64(interval)*0.05 {
			t.Fatalf("jitter %v exceeds 5%% of %v", delta, interval)
		}
	}
}

func TestFuzzZeroInterval(t *testing.T) {
	if got := Fuzz(0, rand.New(rand.NewSource(1))); got != 0 {
		t.Errorf("Fuzz(0) = %v, want 0", got)
	}
}
