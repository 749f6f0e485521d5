package portstest

import (
	"context"
	"sort"
	"sync"
	"time"

	"govcheck/internal/domain"
	"govcheck/internal/ports"
)

// Repository is an in-memory RunRepository, RunQueue and ProfileRepository.
type Repository struct {
	mu         sync.Mutex
	runs       map[string]domain.Run
	tests      map[string][]domain.TestOutcome
	violations map[string][]domain.Violation
	nextID     int64

	// FinalizeFailures makes that many Finalize calls fail with FinalizeErr.
	FinalizeFailures int
	FinalizeErr      error
	// RecordErr, when set, fails every RecordTestOutcomes and RecordViolations call.
	RecordErr error

	FinalizeCalls int
	// Observed captures, at finalize time, how many test outcomes were stored.
	Observed map[string]int
}

func NewRepository() *Repository {
	return &Repository{
		runs:       map[string]domain.Run{},
		tests:      map[string][]domain.TestOutcome{},
		violations: map[string][]domain.Violation{},
		Observed:   map[string]int{},
	}
}

func (r *Repository) CreateRun(ctx context.Context, run domain.Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.runs[run.ID]; ok {
		return ports.ErrAlreadyExists
	}
	run.Categories = append([]domain.Category(nil), run.Categories...)
	r.runs[run.ID] = run
	return nil
}

func (r *Repository) GetRun(ctx context.Context, id string) (domain.Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	if !ok {
		return domain.Run{}, ports.ErrNotFound
	}
	return run, nil
}

func (r *Repository) ListRuns(ctx context.Context, f ports.RunFilter) ([]domain.Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Run
	for _, run := range r.runs {
		if f.Domain != "" && run.Domain != f.Domain {
			continue
		}
		if f.Status != "" && run.Status != f.Status {
			continue
		}
		out = append(out, run)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if f.Offset >= len(out) {
		return nil, nil
	}
	out = out[f.Offset:]
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (r *Repository) DeleteRun(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	if !ok {
		return ports.ErrNotFound
	}
	if !run.Status.Terminal() {
		return ports.ErrRunActive
	}
	delete(r.runs, id)
	delete(r.tests, id)
	delete(r.violations, id)
	return nil
}

func (r *Repository) RecordTestOutcomes(ctx context.Context, runID string, outcomes []domain.TestOutcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.RecordErr != nil {
		return r.RecordErr
	}
	if err := r.active(runID); err != nil {
		return err
	}
	for _, o := range outcomes {
		r.nextID++
		o.ID = r.nextID
		r.tests[runID] = append(r.tests[runID], o)
	}
	return nil
}

func (r *Repository) RecordViolations(ctx context.Context, runID string, violations []domain.Violation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.RecordErr != nil {
		return r.RecordErr
	}
	if err := r.active(runID); err != nil {
		return err
	}
	for _, v := range violations {
		r.nextID++
		v.ID = r.nextID
		r.violations[runID] = append(r.violations[runID], v)
	}
	return nil
}

// active requires runID to exist and not be terminal. Callers hold r.mu.
func (r *Repository) active(runID string) error {
	run, ok := r.runs[runID]
	if !ok {
		return ports.ErrNotFound
	}
	if run.Status.Terminal() {
		return ports.ErrAlreadyFinalized
	}
	return nil
}

func (r *Repository) ListTestOutcomes(ctx context.Context, runID string) ([]domain.TestOutcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.TestOutcome(nil), r.tests[runID]...), nil
}

func (r *Repository) ListViolations(ctx context.Context, runID string) ([]domain.Violation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Violation(nil), r.violations[runID]...), nil
}

func (r *Repository) Finalize(ctx context.Context, f domain.Finalization) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.FinalizeCalls++
	if r.FinalizeFailures > 0 {
		r.FinalizeFailures--
		return r.FinalizeErr
	}
	run, ok := r.runs[f.RunID]
	if !ok {
		return ports.ErrNotFound
	}
	if run.Status.Terminal() {
		return ports.ErrAlreadyFinalized
	}
	end := f.EndTime
	dur := f.Duration
	run.Status = f.Status
	run.OverallScore = f.OverallScore
	run.ComplianceLevel = f.ComplianceLevel
	run.CategoryScores = f.CategoryScores
	run.Error = f.Error
	run.EndTime = &end
	run.Duration = &dur
	r.runs[f.RunID] = run
	r.Observed[f.RunID] = len(r.tests[f.RunID])
	return nil
}

func (r *Repository) ClaimNext(ctx context.Context, startedAt time.Time) (domain.Run, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var next *domain.Run
	for id := range r.runs {
		run := r.runs[id]
		if run.Status != domain.RunPending {
			continue
		}
		if next == nil || run.CreatedAt.Before(next.CreatedAt) {
			next = &run
		}
	}
	if next == nil {
		return domain.Run{}, false, nil
	}
	next.Status = domain.RunInProgress
	next.StartTime = startedAt
	r.runs[next.ID] = *next
	return *next, true, nil
}

func (r *Repository) MarkInProgress(ctx context.Context, id string, startedAt time.Time) (domain.Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	if !ok {
		return domain.Run{}, ports.ErrNotFound
	}
	if run.Status != domain.RunPending {
		return domain.Run{}, ports.ErrNotPending
	}
	run.Status = domain.RunInProgress
	run.StartTime = startedAt
	r.runs[id] = run
	return run, nil
}

func (r *Repository) FailAbandoned(ctx context.Context, reason string, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, run := range r.runs {
		if run.Status != domain.RunInProgress {
			continue
		}
		end := now
		dur := domain.DurationSeconds(run.StartTime, now)
		run.Status = domain.RunFailed
		run.Error = reason
		run.EndTime = &end
		run.Duration = &dur
		r.runs[id] = run
		r.nextID++
		r.tests[id] = append(r.tests[id], domain.TestOutcome{
			ID: r.nextID, RunID: id, Category: domain.CategorySystem, Name: "analysis",
			Status: domain.TestFailed, Message: reason, CreatedAt: now,
		})
		n++
	}
	return n, nil
}

func (r *Repository) LatestCompletedByDomain(ctx context.Context, registrable string) (domain.Run, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var best *domain.Run
	for id := range r.runs {
		run := r.runs[id]
		if run.Domain != registrable || run.Status != domain.RunCompleted {
			continue
		}
		if best == nil || run.EndTime.After(*best.EndTime) {
			best = &run
		}
	}
	if best == nil {
		return domain.Run{}, false, nil
	}
	return *best, true, nil
}
