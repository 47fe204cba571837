package cognitive

import (
	"errors"
	"math"
	"testing"
)

func TestNextIntervalExamples(t *testing.T) {
	e := Default()
	if got := e.NextInterval(0.9, 10); got != 13 {
		t.Errorf("NextInterval(0.9, 10) = %d, want 13", got)
	}
	if got := e.NextInterval(0.5, 10); got != 6 {
		t.Errorf("NextInterval(0.5, 10) = %d, want 6", got)
	}
	if got := e.NextInterval(0.8, 10); got != 13 {
		t.Errorf("threshold performance should take the success branch, got %d", got)
	}
}

func TestNextIntervalBounds(t *testing.T) {
	e := Default()
	for _, perf := range []float64{0, 0.3, 0.79, 0.8, 1} {
		for _, prev := range []int{-5, 0, 1, 2, 7, 50, 69, 70, 90, 1000} {
			got := e.NextInterval(perf, prev)
			if got < 1 || got > 90 {
				t.Fatalf("NextInterval(%v, %d) = %d out of [1, 90]", perf, prev, got)
			}
		}
	}
	if got := e.NextInterval(1, 70); got != 90 {
		t.Errorf("70*1.3 should clamp to 90, got %d", got)
	}
}

func TestNextIntervalRoundsHalfAwayFromZero(t *testing.T) {
	// 5 * 1.3 = 6.5 rounds up to 7.
	e := Default()
	if got := e.NextInterval(1, 5); got != 7 {
		t.Errorf("NextInterval(1, 5) = %d, want 7", got)
	}
	if got := e.NextInterval(0, 5); got != 3 {
		t.Errorf("NextInterval(0, 5) = %d, want 3", got)
	}
}

func TestRetentionMonotone(t *testing.T) {
	e := Default()
	for _, s := range []float64{0.5, 3, 30} {
		prev := e.Retention(0, s)
		if prev != 1 {
			t.Fatalf("retention at t=0 should be 1, got %v", prev)
		}
		for d := 0.25; d < 100; d += 0.25 {
			r := e.Retention(d, s)
			if !(r < prev) {
				t.Fatalf("retention not decreasing at stability %v day %v: %v >= %v", s, d, r, prev)
			}
			prev = r
		}
	}
}

func TestReviewDue(t *testing.T) {
	e := Default()
	s := 10.0
	due := e.DaysUntilDue(s)
	if math.Abs(e.Retention(due, s)-0.85) > 1e-9 {
		t.Fatalf("retention at DaysUntilDue = %v, want 0.85", e.Retention(due, s))
	}
	if e.ReviewDue(due-0.01, s) {
		t.Error("review should not be due before threshold")
	}
	if !e.ReviewDue(due+0.01, s) {
		t.Error("review should be due after threshold")
	}
}

func TestAdjustDifficultyFixedPoint(t *testing.T) {
	e := Default()
	for _, d := range []float64{0, 0.1, 0.5, 0.95, 1} {
		if got := e.AdjustDifficulty(d, 0.75); got != d {
			t.Errorf("AdjustDifficulty(%v, 0.75) = %v, want unchanged", d, got)
		}
		// Band edges are inclusive.
		if got := e.AdjustDifficulty(d, 0.8); got != d {
			t.Errorf("AdjustDifficulty(%v, 0.8) = %v, want unchanged", d, got)
		}
		if got := e.AdjustDifficulty(d, 0.7); got != d {
			t.Errorf("AdjustDifficulty(%v, 0.7) = %v, want unchanged", d, got)
		}
	}
}

func TestAdjustDifficultySteps(t *testing.T) {
	e := Default()
	if got := e.AdjustDifficulty(0.5, 0.95); math.Abs(got-0.55) > 1e-12 {
		t.Errorf("high accuracy should raise difficulty, got %v", got)
	}
	if got := e.AdjustDifficulty(0.5, 0.4); math.Abs(got-0.45) > 1e-12 {
		t.Errorf("low accuracy should lower difficulty, got %v", got)
	}
	if got := e.AdjustDifficulty(0.98, 1); got != 1 {
		t.Errorf("difficulty should clamp to 1, got %v", got)
	}
	if got := e.AdjustDifficulty(0.02, 0); got != 0 {
		t.Errorf("difficulty should clamp to 0, got %v", got)
	}
}

func TestAtRiskBoundary(t *testing.T) {
	e := Default()
	if e.AtRisk(0.6, 0.7, 6) {
		t.Error("AtRisk(0.6, 0.7, 6) should be false")
	}
	if !e.AtRisk(0.59, 0.7, 6) {
		t.Error("AtRisk(0.59, 0.7, 6) should be true")
	}
	if !e.AtRisk(0.6, 0.69, 6) {
		t.Error("AtRisk(0.6, 0.69, 6) should be true")
	}
	// Later weeks use the relaxed thresholds.
	if e.AtRisk(0.55, 0.66, 7) {
		t.Error("AtRisk(0.55, 0.66, 7) should be false")
	}
	if !e.AtRisk(0.49, 0.9, 7) {
		t.Error("AtRisk(0.49, 0.9, 7) should be true")
	}
}

func TestSeverity(t *testing.T) {
	e := Default()
	if got := e.Severity(0.6, 0.7, 3); got != 0 {
		t.Errorf("severity at thresholds = %v, want 0", got)
	}
	if got := e.Severity(0.3, 1, 3); math.Abs(got-0.5) > 1e-9 {
		t.Errorf("severity = %v, want 0.5", got)
	}
	if got := e.Severity(0, 0, 3); got != 1 {
		t.Errorf("severity = %v, want 1", got)
	}
}

func TestOptimalSpacing(t *testing.T) {
	e := Default()
	got := e.OptimalSpacing(20, 4)
	want := []float64{5, 5.75, 6.6125, 7.604375}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if math.Abs(got[i]-want[i]) > 1e-9 {
			t.Errorf("spacing[%d] = %v, want %v", i, got[i], want[i])
		}
	}

	capped := e.OptimalSpacing(3, 1)
	if capped[0] != 2 {
		t.Errorf("single session should cap at days-1, got %v", capped[0])
	}
	if short := e.OptimalSpacing(0.5, 2); short[0] != 0 || short[1] != 0 {
		t.Errorf("sub-day deadline should floor at 0, got %v", short)
	}
	if e.OptimalSpacing(10, 0) != nil {
		t.Error("zero sessions should yield nil")
	}
}

func TestNewEngineValidates(t *testing.T) {
	if _, err := NewEngine(Config{}); err != nil {
		t.Fatalf("zero config should take defaults: %v", err)
	}
	if c := (Config{DeadBand: 0, ModalityStep: 1e-9}).WithDefaults(); c.DeadBand != 0.05 || c.ModalityStep != 1e-9 {
		t.Errorf("zero must take the default and small values must survive, got %+v", c)
	}
	_, err := NewEngine(Config{MinIntervalDays: 10, MaxIntervalDays: 5})
	if !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
	_, err = NewEngine(Config{RetentionThreshold: 1.5})
	if !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
}
