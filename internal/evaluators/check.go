// Package evaluators holds the rule evaluators for each category of the
// compliance battery. Every evaluator reads the page through ports.Page and
// reports a score with its individual test outcomes.
package evaluators

import (
	"govcheck/internal/domain"
	"govcheck/internal/services/categories"
)

// All returns one evaluator per category, in execution order.
func All() []categories.Evaluator {
	return []categories.Evaluator{
		Usability{},
		Layout{},
		Content{},
		Security{},
		SEO{},
		Accessibility{},
	}
}

// scorecard collects test outcomes for one category. The category score is
// the mean of the non-skipped test scores.
type scorecard struct {
	category domain.Category
	tests    []domain.TestOutcome
}

func newScorecard(c domain.Category) *scorecard { return &scorecard{category: c} }

func (s *scorecard) add(name string, score int, message string, details map[string]any) {
	score = domain.ClampScore(score)
	s.tests = append(s.tests, domain.TestOutcome{
		Category: s.category,
		Name:     name,
		Status:   domain.CategoryStatus(score),
		Score:    score,
		Message:  message,
		Details:  details,
	})
}

func (s *scorecard) pass(name, message string, details map[string]any) {
	s.add(name, 100, message, details)
}

func (s *scorecard) fail(name, message string, details map[string]any) {
	s.add(name, 0, message, details)
}

func (s *scorecard) skip(name, message string) {
	s.tests = append(s.tests, domain.TestOutcome{
		Category: s.category,
		Name:     name,
		Status:   domain.TestSkipped,
		Message:  message,
	})
}

func (s *scorecard) result() domain.CategoryResult {
	total, n := 0, 0
	for _, t := range s.tests {
		if t.Status == domain.TestSkipped {
			continue
		}
		total += t.Score
		n++
	}
	score := 0
	if n > 0 {
		score = (total + n/2) / n
	}
	return domain.CategoryResult{Score: score, Tests: s.tests}
}

// ratio scores the share of good items out of total, 100 when there are none.
func ratio(good, total int) int {
	if total == 0 {
		return 100
	}
	return good * 100 / total
}
