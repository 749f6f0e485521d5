package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sethvargo/go-retry"

	"govcheck/internal/domain"
	"govcheck/internal/ports"
)

const defaultRetryDelay = 200 * time.Millisecond

// Recorder owns durable run state. It validates terminal writes and retries a
// failed finalize once before surfacing the error.
type Recorder struct {
	repo       ports.RunRepository
	clock      clockwork.Clock
	retryDelay time.Duration
	log        *slog.Logger
}

type Option func(*Recorder)

func WithClock(c clockwork.Clock) Option { return func(r *Recorder) { r.clock = c } }

func WithRetryDelay(d time.Duration) Option { return func(r *Recorder) { r.retryDelay = d } }

func New(repo ports.RunRepository, log *slog.Logger, opts ...Option) *Recorder {
	r := &Recorder{repo: repo, clock: clockwork.NewRealClock(), retryDelay: defaultRetryDelay, log: log}
	if r.log == nil {
		r.log = slog.Default()
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Recorder) Now() time.Time { return r.clock.Now().UTC() }

// CreateRun writes the initial row. Status must be pending or in_progress.
func (r *Recorder) CreateRun(ctx context.Context, run domain.Run) error {
	if run.ID == "" {
		return errors.New("create run: missing id")
	}
	if run.Status == "" {
		run.Status = domain.RunPending
	}
	if run.Status.Terminal() || !run.Status.Valid() {
		return fmt.Errorf("create run: invalid initial status %q", run.Status)
	}
	now := r.Now()
	if run.StartTime.IsZero() {
		run.StartTime = now
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.OverallScore, run.ComplianceLevel, run.EndTime, run.Duration = nil, nil, nil, nil
	if err := r.repo.CreateRun(ctx, run); err != nil {
		return fmt.Errorf("create run %s: %w", run.ID, err)
	}
	return nil
}

func (r *Recorder) RecordTestOutcomes(ctx context.Context, runID string, outcomes []domain.TestOutcome) error {
	if len(outcomes) == 0 {
		return nil
	}
	now := r.Now()
	for i := range outcomes {
		outcomes[i].RunID = runID
		if outcomes[i].CreatedAt.IsZero() {
			outcomes[i].CreatedAt = now
		}
	}
	if err := r.repo.RecordTestOutcomes(ctx, runID, outcomes); err != nil {
		return fmt.Errorf("record test outcomes for %s: %w", runID, err)
	}
	return nil
}

func (r *Recorder) RecordViolations(ctx context.Context, runID string, violations []domain.Violation) error {
	if len(violations) == 0 {
		return nil
	}
	now := r.Now()
	for i := range violations {
		violations[i].RunID = runID
		if violations[i].CreatedAt.IsZero() {
			violations[i].CreatedAt = now
		}
	}
	if err := r.repo.RecordViolations(ctx, runID, violations); err != nil {
		return fmt.Errorf("record violations for %s: %w", runID, err)
	}
	return nil
}

// Complete finalizes a run as completed with its aggregated score.
func (r *Recorder) Complete(ctx context.Context, runID string, start time.Time, score int, tier domain.Tier, perCategory map[domain.Category]int) error {
	return r.Finalize(ctx, domain.Finalization{
		RunID:           runID,
		Status:          domain.RunCompleted,
		OverallScore:    &score,
		ComplianceLevel: &tier,
		CategoryScores:  perCategory,
	}, start)
}

// Fail finalizes a run as failed with no score.
func (r *Recorder) Fail(ctx context.Context, runID string, start time.Time, reason string) error {
	return r.Finalize(ctx, domain.Finalization{
		RunID:  runID,
		Status: domain.RunFailed,
		Error:  reason,
	}, start)
}

// Finalize writes the terminal state exactly once. End time defaults to now and
// duration is derived from start, clamped at zero. ErrAlreadyFinalized and
// ErrNotFound are returned without retry.
func (r *Recorder) Finalize(ctx context.Context, f domain.Finalization, start time.Time) error {
	if err := validate(f); err != nil {
		return err
	}
	if f.EndTime.IsZero() {
		f.EndTime = r.Now()
	}
	f.Duration = domain.DurationSeconds(start, f.EndTime)

	attempt := 0
	backoff := retry.WithMaxRetries(1, retry.NewConstant(r.retryDelay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		err := r.repo.Finalize(ctx, f)
		if err == nil || errors.Is(err, ports.ErrAlreadyFinalized) || errors.Is(err, ports.ErrNotFound) {
			return err
		}
		r.log.Warn("finalize failed", "run_id", f.RunID, "status", f.Status, "attempt", attempt, "err", err)
		return retry.RetryableError(err)
	})
	if err != nil {
		return fmt.Errorf("finalize %s as %s: %w", f.RunID, f.Status, err)
	}
	return nil
}

// Stored reads the run as persisted, for callers that lost track of whether a
// terminal write landed.
func (r *Recorder) Stored(ctx context.Context, runID string) (domain.Run, error) {
	run, err := r.repo.GetRun(ctx, runID)
	if err != nil {
		return domain.Run{}, fmt.Errorf("read run %s: %w", runID, err)
	}
	return run, nil
}

func validate(f domain.Finalization) error {
	switch f.Status {
	case domain.RunCompleted:
		if f.OverallScore == nil || f.ComplianceLevel == nil {
			return fmt.Errorf("finalize %s: completed run needs a score and compliance level", f.RunID)
		}
		if *f.OverallScore < 0 || *f.OverallScore > 100 {
			return fmt.Errorf("finalize %s: score %d out of range", f.RunID, *f.OverallScore)
		}
	case domain.RunFailed:
		if f.OverallScore != nil || f.ComplianceLevel != nil {
			return fmt.Errorf("finalize %s: failed run cannot carry a score", f.RunID)
		}
	default:
		return fmt.Errorf("finalize %s: %q is not a terminal status", f.RunID, f.Status)
	}
	return nil
}
