package categories

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/jonboulle/clockwork"

	"govcheck/internal/domain"
	"govcheck/internal/ports"
)

// ExecutionTestName names the synthetic outcome recorded when a category fails.
const ExecutionTestName = "category_execution"

// PanicError wraps a value recovered from an evaluator.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string { return fmt.Sprintf("evaluator panicked: %v", e.Value) }

// Runner invokes one evaluator at a time and contains its failures.
type Runner struct {
	registry *Registry
	timeout  time.Duration
	clock    clockwork.Clock
	log      *slog.Logger
}

// NewRunner builds a runner. A zero timeout leaves evaluators unbounded.
func NewRunner(registry *Registry, timeout time.Duration, clock clockwork.Clock, log *slog.Logger) *Runner {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Runner{registry: registry, timeout: timeout, clock: clock, log: log}
}

func (r *Runner) Registry() *Registry { return r.registry }

// Run evaluates category against page. The boolean is false when no evaluator
// is registered for category; the category is then treated as not selected.
// Evaluator errors and panics never escape: they become a failed outcome with score 0.
//
// The evaluator receives a deadline when a timeout is configured, but Run
// always waits for it to return so the page is never shared with the next category.
func (r *Runner) Run(ctx context.Context, category domain.Category, page ports.Page, runID string) (domain.CategoryOutcome, bool) {
	eval, ok := r.registry.Lookup(category)
	if !ok {
		r.log.Debug("skipping unregistered category", "run_id", runID, "category", category)
		return domain.CategoryOutcome{}, false
	}

	evalCtx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		evalCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	started := r.clock.Now()
	res, err := r.invoke(evalCtx, eval, page, runID)
	if err != nil {
		return r.degraded(category, runID, err, r.clock.Since(started)), true
	}

	if err := r.normalize(&res, category, runID); err != nil {
		return r.degraded(category, runID, err, r.clock.Since(started)), true
	}
	score := domain.ClampScore(res.Score)
	return domain.CategoryOutcome{
		Category:   category,
		Score:      score,
		Status:     domain.CategoryStatus(score),
		Tests:      res.Tests,
		Violations: res.Violations,
	}, true
}

// normalize stamps evaluator output and brings it within what the store
// accepts. Scores are clamped, a missing test status is derived from the test
// score and a missing severity becomes moderate. Unknown values are an error.
func (r *Runner) normalize(res *domain.CategoryResult, category domain.Category, runID string) error {
	now := r.clock.Now().UTC()
	for i := range res.Tests {
		tc := &res.Tests[i]
		tc.RunID = runID
		tc.Score = domain.ClampScore(tc.Score)
		if tc.Category == "" {
			tc.Category = category
		}
		if tc.Status == "" {
			tc.Status = domain.CategoryStatus(tc.Score)
		}
		if !tc.Status.Valid() {
			return fmt.Errorf("invalid evaluator output: test %q has status %q", tc.Name, tc.Status)
		}
		if tc.CreatedAt.IsZero() {
			tc.CreatedAt = now
		}
	}
	for i := range res.Violations {
		v := &res.Violations[i]
		v.RunID = runID
		if v.Severity == "" {
			v.Severity = domain.SeverityModerate
		}
		if !v.Severity.Valid() {
			return fmt.Errorf("invalid evaluator output: violation %q has severity %q", v.RuleID, v.Severity)
		}
		if v.CreatedAt.IsZero() {
			v.CreatedAt = now
		}
	}
	return nil
}

func (r *Runner) invoke(ctx context.Context, eval Evaluator, page ports.Page, runID string) (res domain.CategoryResult, err error) {
	defer func() {
		if v := recover(); v != nil {
			err = &PanicError{Value: v, Stack: debug.Stack()}
		}
	}()
	return eval.RunAllTests(ctx, page, runID)
}

func (r *Runner) degraded(category domain.Category, runID string, err error, elapsed time.Duration) domain.CategoryOutcome {
	msg := err.Error()
	if errors.Is(err, context.DeadlineExceeded) {
		msg = fmt.Sprintf("category %s did not finish within %s", category, r.timeout)
	}
	r.log.Warn("category failed", "run_id", runID, "category", category, "err", err, "elapsed", elapsed)

	details := map[string]any{"error": err.Error()}
	var pe *PanicError
	if errors.As(err, &pe) {
		details["panic"] = true
	}
	outcome := domain.TestOutcome{
		RunID:     runID,
		Category:  category,
		Name:      ExecutionTestName,
		Status:    domain.TestFailed,
		Score:     0,
		Message:   msg,
		Details:   details,
		CreatedAt: r.clock.Now().UTC(),
	}
	return domain.CategoryOutcome{
		Category: category,
		Score:    0,
		Status:   domain.TestFailed,
		Tests:    []domain.TestOutcome{outcome},
		Err:      err,
	}
}
