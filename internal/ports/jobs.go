package ports

import (
	"context"
	"time"

	"govcheck/internal/domain"
)

// RunQueue supports claiming pending analyses for background execution.
type RunQueue interface {
	// ClaimNext moves the oldest pending run to in_progress with the given start time.
	ClaimNext(ctx context.Context, startedAt time.Time) (run domain.Run, found bool, err error)
	// MarkInProgress moves a specific pending run to in_progress; ErrNotPending otherwise.
	MarkInProgress(ctx context.Context, id string, startedAt time.Time) (domain.Run, error)
	// FailAbandoned finalizes every in_progress run as failed with reason.
	FailAbandoned(ctx context.Context, reason string, now time.Time) (int, error)
}
