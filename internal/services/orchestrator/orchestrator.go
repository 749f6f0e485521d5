// Package orchestrator drives one analysis run from session acquisition to the
// terminal write.
//
// A run executes its categories sequentially against a single page: evaluators
// resize the viewport and read the document, so they must never overlap.
// Distinct runs are independent and may execute concurrently.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/jonboulle/clockwork"

	"govcheck/internal/domain"
	"govcheck/internal/metrics"
	"govcheck/internal/ports"
	"govcheck/internal/services/categories"
	"govcheck/internal/services/progress"
	"govcheck/internal/services/recorder"
	"govcheck/internal/services/session"
)

// Progress milestones. Categories share the band between navigated and categoriesEnd.
const (
	progressStarted       = 5
	progressSession       = 10
	progressNavigated     = 15
	progressCategoriesEnd = 85
	progressPersisting    = 90
	progressDone          = 100
)

// finalizeTimeout bounds the terminal write, which runs even after ctx is cancelled.
const finalizeTimeout = 15 * time.Second

// Request starts a run that has no row yet.
type Request struct {
	ID         string
	Target     string
	Domain     string
	Categories []domain.Category
}

type Orchestrator struct {
	sessions   *session.Manager
	runner     *categories.Runner
	recorder   *recorder.Recorder
	bus        *progress.Bus
	metrics    *metrics.Metrics
	clock      clockwork.Clock
	navTimeout time.Duration
	log        *slog.Logger
}

type Config struct {
	Sessions          *session.Manager
	Runner            *categories.Runner
	Recorder          *recorder.Recorder
	Bus               *progress.Bus
	Metrics           *metrics.Metrics
	Clock             clockwork.Clock
	NavigationTimeout time.Duration
	Logger            *slog.Logger
}

func New(cfg Config) *Orchestrator {
	o := &Orchestrator{
		sessions:   cfg.Sessions,
		runner:     cfg.Runner,
		recorder:   cfg.Recorder,
		bus:        cfg.Bus,
		metrics:    cfg.Metrics,
		clock:      cfg.Clock,
		navTimeout: cfg.NavigationTimeout,
		log:        cfg.Logger,
	}
	if o.clock == nil {
		o.clock = clockwork.NewRealClock()
	}
	if o.log == nil {
		o.log = slog.Default()
	}
	if o.navTimeout <= 0 {
		o.navTimeout = session.DefaultTimeout
	}
	return o
}

// Analyze creates the run row in_progress and executes it synchronously.
func (o *Orchestrator) Analyze(ctx context.Context, req Request) (domain.Run, error) {
	run := domain.Run{
		ID:         req.ID,
		Target:     req.Target,
		Domain:     req.Domain,
		Categories: req.Categories,
		Status:     domain.RunInProgress,
		StartTime:  o.clock.Now().UTC(),
	}
	if err := o.recorder.CreateRun(ctx, run); err != nil {
		return run, err
	}
	status, err := o.Execute(ctx, run)
	run.Status = status
	return run, err
}

// Process satisfies the worker processor contract for claimed runs.
func (o *Orchestrator) Process(ctx context.Context, run domain.Run) error {
	_, err := o.Execute(ctx, run)
	return err
}

// Execute runs the battery of an in_progress run and writes its terminal state.
// The page is released on every path. Category failures are contained and the
// run still completes; session failures and anything else outside category
// execution fail the run. The returned error is the cause of a failed run, or
// a finalize error.
func (o *Orchestrator) Execute(ctx context.Context, run domain.Run) (domain.RunStatus, error) {
	log := o.log.With("run_id", run.ID, "target", run.Target)
	o.metrics.RunStarted()
	battery := run.Battery()
	o.publish(run.ID, progress.Update{Progress: progressStarted, CurrentTest: "starting", TotalTests: len(battery)})

	outcomes, err := o.runBattery(ctx, run, battery, log)
	if err != nil {
		return o.fail(ctx, run, len(battery), err, log)
	}
	return o.complete(ctx, run, outcomes, log)
}

func (o *Orchestrator) runBattery(ctx context.Context, run domain.Run, battery []domain.Category, log *slog.Logger) (outcomes []domain.CategoryOutcome, err error) {
	defer func() {
		if v := recover(); v != nil {
			log.Error("analysis panicked", "panic", v, "stack", string(debug.Stack()))
			err = fmt.Errorf("internal error: %v", v)
		}
	}()
	total := len(battery)

	o.publish(run.ID, progress.Update{Progress: progressSession, CurrentTest: "opening page", TotalTests: total})
	sess, err := o.sessions.Acquire(ctx, run.Target, o.navTimeout)
	if err != nil {
		return nil, err
	}
	defer func() {
		if rerr := sess.Release(); rerr != nil {
			log.Warn("release page", "err", rerr)
		}
	}()
	o.publish(run.ID, progress.Update{Progress: progressNavigated, CurrentTest: "page loaded", TotalTests: total})

	band := progressCategoriesEnd - progressNavigated
	for i, c := range battery {
		o.publish(run.ID, progress.Update{
			Progress:       progressNavigated + band*i/total,
			CurrentTest:    string(c),
			CompletedTests: i,
			TotalTests:     total,
		})
		out, ok := o.runner.Run(ctx, c, sess.Page, run.ID)
		if !ok {
			continue
		}
		o.metrics.CategoryEvaluated(out)
		log.Debug("category evaluated", "category", c, "score", out.Score, "status", out.Status)
		outcomes = append(outcomes, out)
	}

	o.publish(run.ID, progress.Update{Progress: progressPersisting, CurrentTest: "saving results", CompletedTests: total, TotalTests: total})
	var tests []domain.TestOutcome
	var violations []domain.Violation
	for _, out := range outcomes {
		tests = append(tests, out.Tests...)
		violations = append(violations, out.Violations...)
	}
	if err := o.recorder.RecordTestOutcomes(ctx, run.ID, tests); err != nil {
		return nil, err
	}
	if err := o.recorder.RecordViolations(ctx, run.ID, violations); err != nil {
		return nil, err
	}
	return outcomes, nil
}

func (o *Orchestrator) complete(ctx context.Context, run domain.Run, outcomes []domain.CategoryOutcome, log *slog.Logger) (domain.RunStatus, error) {
	score, tier, err := domain.Aggregate(outcomes)
	if errors.Is(err, domain.ErrNoCategories) {
		log.Warn("no categories executed; scoring as 0")
	}
	perCategory := make(map[domain.Category]int, len(outcomes))
	for _, out := range outcomes {
		perCategory[out.Category] = out.Score
	}

	fctx, cancel := finalizeContext(ctx)
	defer cancel()
	if err := o.recorder.Complete(fctx, run.ID, run.StartTime, score, tier, perCategory); err != nil {
		if errors.Is(err, ports.ErrAlreadyFinalized) {
			return o.settle(fctx, run, err, log)
		}
		log.Error("finalize completed run", "err", err)
		return o.fail(ctx, run, len(run.Battery()), err, log)
	}

	log.Info("analysis completed", "score", score, "tier", tier, "categories", len(outcomes))
	o.publish(run.ID, progress.Update{
		Status:         domain.RunCompleted,
		Progress:       progressDone,
		CompletedTests: len(run.Battery()),
		TotalTests:     len(run.Battery()),
	})
	return o.finished(run, domain.RunCompleted), nil
}

func (o *Orchestrator) fail(ctx context.Context, run domain.Run, total int, cause error, log *slog.Logger) (domain.RunStatus, error) {
	log.Warn("analysis failed", "err", cause)
	fctx, cancel := finalizeContext(ctx)
	defer cancel()

	now := o.clock.Now().UTC()
	var outcome domain.TestOutcome
	var navErr *session.NavigationError
	if errors.As(cause, &navErr) {
		outcome = navErr.Outcome(run.ID, now)
	} else {
		outcome = domain.TestOutcome{
			RunID:     run.ID,
			Category:  domain.CategorySystem,
			Name:      "analysis",
			Status:    domain.TestFailed,
			Message:   cause.Error(),
			Details:   map[string]any{"error": cause.Error()},
			CreatedAt: now,
		}
	}
	if err := o.recorder.RecordTestOutcomes(fctx, run.ID, []domain.TestOutcome{outcome}); err != nil {
		if errors.Is(err, ports.ErrAlreadyFinalized) {
			return o.settle(fctx, run, err, log)
		}
		log.Error("record failure outcome", "err", err)
	}

	var finalizeErr error
	if err := o.recorder.Fail(fctx, run.ID, run.StartTime, outcome.Message); err != nil {
		if errors.Is(err, ports.ErrAlreadyFinalized) {
			return o.settle(fctx, run, err, log)
		}
		log.Error("finalize failed run", "err", err)
		finalizeErr = err
	}
	o.publish(run.ID, progress.Update{
		Status:     domain.RunFailed,
		TotalTests: total,
		Error:      outcome.Message,
	})
	return o.finished(run, domain.RunFailed), errors.Join(cause, finalizeErr)
}

// settle reports whatever terminal state the store holds once a terminal write
// was rejected as already done. A retried finalize lands here when the first
// attempt committed but its reply was lost.
func (o *Orchestrator) settle(ctx context.Context, run domain.Run, cause error, log *slog.Logger) (domain.RunStatus, error) {
	stored, err := o.recorder.Stored(ctx, run.ID)
	if err != nil {
		log.Error("read finalized run", "err", err)
		o.publish(run.ID, progress.Update{Status: domain.RunFailed, Error: cause.Error()})
		return o.finished(run, domain.RunFailed), errors.Join(cause, err)
	}
	total := len(run.Battery())
	switch stored.Status {
	case domain.RunCompleted:
		log.Info("analysis completed", "score", deref(stored.OverallScore), "finalized_by", "earlier attempt")
		o.publish(run.ID, progress.Update{Status: domain.RunCompleted, Progress: progressDone, CompletedTests: total, TotalTests: total})
		return o.finished(run, domain.RunCompleted), nil
	case domain.RunFailed:
		log.Warn("run was finalized as failed elsewhere", "err", stored.Error)
		o.publish(run.ID, progress.Update{Status: domain.RunFailed, TotalTests: total, Error: stored.Error})
		return o.finished(run, domain.RunFailed), fmt.Errorf("%w: %s", ports.ErrAlreadyFinalized, stored.Error)
	}
	log.Error("run is not terminal after finalize was rejected", "status", stored.Status)
	o.publish(run.ID, progress.Update{Status: domain.RunFailed, TotalTests: total, Error: cause.Error()})
	return o.finished(run, domain.RunFailed), cause
}

func deref(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}

func (o *Orchestrator) finished(run domain.Run, status domain.RunStatus) domain.RunStatus {
	o.metrics.RunFinished(status, o.clock.Since(run.StartTime))
	return status
}

func (o *Orchestrator) publish(runID string, u progress.Update) {
	if o.bus != nil {
		o.bus.Publish(runID, u)
	}
}

func finalizeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
}
