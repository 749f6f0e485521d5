package domain

import (
	"errors"
	"math"
	"time"
)

// Tier is the compliance label derived from an overall score.
type Tier string

const (
	TierExcellent    Tier = "Excellent"
	TierCompliant    Tier = "Compliant"
	TierPartial      Tier = "Partial"
	TierNonCompliant Tier = "Non-compliant"
)

// ErrNoCategories is returned by Aggregate when nothing was executed.
var ErrNoCategories = errors.New("no categories executed")

// TierFor applies the fixed policy thresholds to a rounded overall score.
func TierFor(score int) Tier {
	switch {
	case score >= 90:
		return TierExcellent
	case score >= 80:
		return TierCompliant
	case score >= 60:
		return TierPartial
	default:
		return TierNonCompliant
	}
}

// Aggregate combines executed category outcomes into an overall score and tier.
// With no outcomes the score is 0 and ErrNoCategories is returned alongside it.
func Aggregate(outcomes []CategoryOutcome) (int, Tier, error) {
	if len(outcomes) == 0 {
		return 0, TierFor(0), ErrNoCategories
	}
	sum := 0
	for _, o := range outcomes {
		sum += ClampScore(o.Score)
	}
	score := int(math.Round(float64(sum) / float64(len(outcomes))))
	return score, TierFor(score), nil
}

// ClampScore bounds a score to 0..100.
func ClampScore(s int) int {
	if s < 0 {
		return 0
	}
	if s > 100 {
		return 100
	}
	return s
}

// DurationSeconds is the whole-second span between start and end, never negative.
func DurationSeconds(start, end time.Time) int {
	d := end.Sub(start)
	if d < 0 {
		return 0
	}
	return int(d / time.Second)
}
