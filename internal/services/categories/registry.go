package categories

import (
	"context"
	"fmt"

	"govcheck/internal/domain"
	"govcheck/internal/ports"
)

// Evaluator runs every check of one category against a loaded page.
type Evaluator interface {
	Category() domain.Category
	RunAllTests(ctx context.Context, page ports.Page, runID string) (domain.CategoryResult, error)
}

// Registry is the closed set of evaluators, built once at startup.
type Registry struct {
	evaluators map[domain.Category]Evaluator
}

// NewRegistry rejects duplicates and categories outside the selectable battery.
func NewRegistry(evaluators ...Evaluator) (*Registry, error) {
	r := &Registry{evaluators: make(map[domain.Category]Evaluator, len(evaluators))}
	for _, e := range evaluators {
		c := e.Category()
		if !c.Selectable() {
			return nil, fmt.Errorf("evaluator for unknown category %q", c)
		}
		if _, dup := r.evaluators[c]; dup {
			return nil, fmt.Errorf("duplicate evaluator for category %q", c)
		}
		r.evaluators[c] = e
	}
	return r, nil
}

func (r *Registry) Lookup(c domain.Category) (Evaluator, bool) {
	e, ok := r.evaluators[c]
	return e, ok
}

// Categories lists registered categories in execution order.
func (r *Registry) Categories() []domain.Category {
	out := make([]domain.Category, 0, len(r.evaluators))
	for _, c := range domain.AllCategories {
		if _, ok := r.evaluators[c]; ok {
			out = append(out, c)
		}
	}
	return out
}
