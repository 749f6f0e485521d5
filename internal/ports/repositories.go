package ports

import (
	"context"
	"errors"

	"govcheck/internal/domain"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrAlreadyExists    = errors.New("analysis already exists")
	ErrAlreadyFinalized = errors.New("analysis already finalized")
	ErrNotPending       = errors.New("analysis is not pending")
	ErrNotReady         = errors.New("analysis result not ready")
	ErrRunActive        = errors.New("analysis is still running")
)

// RunFilter narrows ListRuns. Zero values mean no filter.
type RunFilter struct {
	Domain string
	Status domain.RunStatus
	Limit  int
	Offset int
}

// RunRepository stores analysis runs and their append-only test outcomes and violations.
type RunRepository interface {
	CreateRun(ctx context.Context, run domain.Run) error
	GetRun(ctx context.Context, id string) (domain.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]domain.Run, error)
	// DeleteRun removes a terminal run together with its outcomes and violations.
	DeleteRun(ctx context.Context, id string) error

	RecordTestOutcomes(ctx context.Context, runID string, outcomes []domain.TestOutcome) error
	RecordViolations(ctx context.Context, runID string, violations []domain.Violation) error
	ListTestOutcomes(ctx context.Context, runID string) ([]domain.TestOutcome, error)
	ListViolations(ctx context.Context, runID string) ([]domain.Violation, error)

	// Finalize writes the terminal state. It returns ErrAlreadyFinalized when the
	// run is already terminal and never overwrites it.
	Finalize(ctx context.Context, f domain.Finalization) error
}

// ProfileRepository provides the latest completed analysis per registrable domain.
type ProfileRepository interface {
	LatestCompletedByDomain(ctx context.Context, registrable string) (domain.Run, bool, error)
}
