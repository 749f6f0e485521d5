package categories

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"govcheck/internal/domain"
	"govcheck/internal/logging"
	"govcheck/internal/ports"
	"govcheck/internal/ports/portstest"
)

type stubEvaluator struct {
	category domain.Category
	run      func(ctx context.Context) (domain.CategoryResult, error)
}

func (s stubEvaluator) Category() domain.Category { return s.category }

func (s stubEvaluator) RunAllTests(ctx context.Context, _ ports.Page, _ string) (domain.CategoryResult, error) {
	return s.run(ctx)
}

func newRunner(t *testing.T, timeout time.Duration, evs ...Evaluator) *Runner {
	t.Helper()
	reg, err := NewRegistry(evs...)
	require.NoError(t, err)
	return NewRunner(reg, timeout, nil, logging.Discard())
}

func TestRunSuccess(t *testing.T) {
	r := newRunner(t, 0, stubEvaluator{category: domain.CategorySEO, run: func(context.Context) (domain.CategoryResult, error) {
		return domain.CategoryResult{
			Score: 70,
			Tests: []domain.TestOutcome{{Name: "title", Status: domain.TestPassed, Score: 100}},
		}, nil
	}})

	out, ok := r.Run(context.Background(), domain.CategorySEO, &portstest.Page{}, "run-1")
	require.True(t, ok)
	assert.Equal(t, 70, out.Score)
	assert.Equal(t, domain.TestWarning, out.Status)
	assert.False(t, out.Failed())
	require.Len(t, out.Tests, 1)
	assert.Equal(t, "run-1", out.Tests[0].RunID)
	assert.Equal(t, domain.CategorySEO, out.Tests[0].Category)
	assert.False(t, out.Tests[0].CreatedAt.IsZero())
}

func TestRunContainsErrors(t *testing.T) {
	r := newRunner(t, 0, stubEvaluator{category: domain.CategorySecurity, run: func(context.Context) (domain.CategoryResult, error) {
		return domain.CategoryResult{Score: 100}, errors.New("evaluate: document detached")
	}})

	out, ok := r.Run(context.Background(), domain.CategorySecurity, &portstest.Page{}, "run-1")
	require.True(t, ok)
	assert.True(t, out.Failed())
	assert.Equal(t, 0, out.Score)
	assert.Equal(t, domain.TestFailed, out.Status)
	require.Len(t, out.Tests, 1)
	tc := out.Tests[0]
	assert.Equal(t, domain.CategorySecurity, tc.Category)
	assert.Equal(t, ExecutionTestName, tc.Name)
	assert.Equal(t, domain.TestFailed, tc.Status)
	assert.Equal(t, 0, tc.Score)
	assert.Equal(t, "evaluate: document detached", tc.Message)
}

func TestRunContainsPanics(t *testing.T) {
	r := newRunner(t, 0, stubEvaluator{category: domain.CategoryLayout, run: func(context.Context) (domain.CategoryResult, error) {
		var m map[string]int
		m["boom"]++
		return domain.CategoryResult{}, nil
	}})

	out, ok := r.Run(context.Background(), domain.CategoryLayout, &portstest.Page{}, "run-1")
	require.True(t, ok)
	var pe *PanicError
	require.ErrorAs(t, out.Err, &pe)
	assert.Equal(t, true, out.Tests[0].Details["panic"])
}

func TestRunTimeoutWaitsForEvaluator(t *testing.T) {
	returned := false
	r := newRunner(t, 20*time.Millisecond, stubEvaluator{category: domain.CategoryContent, run: func(ctx context.Context) (domain.CategoryResult, error) {
		<-ctx.Done()
		returned = true
		return domain.CategoryResult{}, ctx.Err()
	}})

	out, ok := r.Run(context.Background(), domain.CategoryContent, &portstest.Page{}, "run-1")
	require.True(t, ok)
	assert.True(t, returned, "runner waits for the evaluator to return")
	assert.True(t, out.Failed())
	assert.Contains(t, out.Tests[0].Message, "did not finish within 20ms")
}

func TestRunUnregisteredCategory(t *testing.T) {
	r := newRunner(t, 0)
	_, ok := r.Run(context.Background(), domain.CategorySEO, &portstest.Page{}, "run-1")
	assert.False(t, ok)
}

func TestRunClampsScore(t *testing.T) {
	r := newRunner(t, 0, stubEvaluator{category: domain.CategorySEO, run: func(context.Context) (domain.CategoryResult, error) {
		return domain.CategoryResult{Score: 140}, nil
	}})
	out, _ := r.Run(context.Background(), domain.CategorySEO, &portstest.Page{}, "run-1")
	assert.Equal(t, 100, out.Score)
	assert.Equal(t, domain.TestPassed, out.Status)
}

func TestRunNormalizesEvaluatorOutput(t *testing.T) {
	r := newRunner(t, 0, stubEvaluator{category: domain.CategoryAccessibility, run: func(context.Context) (domain.CategoryResult, error) {
		return domain.CategoryResult{
			Score: 90,
			Tests: []domain.TestOutcome{
				{Name: "contrast", Score: 150},
				{Name: "landmarks", Score: 65},
				{Name: "lang", Score: -3, Status: domain.TestFailed},
			},
			Violations: []domain.Violation{{RuleID: "region"}},
		}, nil
	}})

	out, ok := r.Run(context.Background(), domain.CategoryAccessibility, &portstest.Page{}, "run-1")
	require.True(t, ok)
	require.False(t, out.Failed())
	require.Len(t, out.Tests, 3)
	assert.Equal(t, 100, out.Tests[0].Score)
	assert.Equal(t, domain.TestPassed, out.Tests[0].Status)
	assert.Equal(t, domain.TestWarning, out.Tests[1].Status)
	assert.Equal(t, 0, out.Tests[2].Score)
	assert.Equal(t, domain.TestFailed, out.Tests[2].Status)
	require.Len(t, out.Violations, 1)
	assert.Equal(t, domain.SeverityModerate, out.Violations[0].Severity)
}

func TestRunRejectsUnknownEvaluatorValues(t *testing.T) {
	cases := map[string]domain.CategoryResult{
		"test status": {Score: 80, Tests: []domain.TestOutcome{{Name: "title", Status: "ok"}}},
		"severity":    {Score: 80, Violations: []domain.Violation{{RuleID: "image-alt", Severity: "blocker"}}},
	}
	for name, res := range cases {
		t.Run(name, func(t *testing.T) {
			r := newRunner(t, 0, stubEvaluator{category: domain.CategorySEO, run: func(context.Context) (domain.CategoryResult, error) {
				return res, nil
			}})
			out, ok := r.Run(context.Background(), domain.CategorySEO, &portstest.Page{}, "run-1")
			require.True(t, ok)
			assert.True(t, out.Failed())
			assert.Equal(t, 0, out.Score)
			require.Len(t, out.Tests, 1)
			assert.Equal(t, ExecutionTestName, out.Tests[0].Name)
			assert.Contains(t, out.Tests[0].Message, "invalid evaluator output")
			assert.Empty(t, out.Violations)
		})
	}
}

func TestNewRegistry(t *testing.T) {
	ok := func(context.Context) (domain.CategoryResult, error) { return domain.CategoryResult{}, nil }

	_, err := NewRegistry(stubEvaluator{category: domain.CategorySEO, run: ok}, stubEvaluator{category: domain.CategorySEO, run: ok})
	assert.ErrorContains(t, err, "duplicate")

	_, err = NewRegistry(stubEvaluator{category: "speed", run: ok})
	assert.ErrorContains(t, err, "unknown category")

	reg, err := NewRegistry(stubEvaluator{category: domain.CategoryAccessibility, run: ok}, stubEvaluator{category: domain.CategoryUsability, run: ok})
	require.NoError(t, err)
	assert.Equal(t, []domain.Category{domain.CategoryUsability, domain.CategoryAccessibility}, reg.Categories())
}
