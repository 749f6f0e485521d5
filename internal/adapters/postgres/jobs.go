package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"govcheck/internal/domain"
	"govcheck/internal/ports"
)

// ClaimNext selects the oldest pending analysis using SKIP LOCKED and marks it in_progress.
func (db *DB) ClaimNext(ctx context.Context, startedAt time.Time) (run domain.Run, found bool, err error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	tx, err := db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return run, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		} else {
			err = tx.Commit(ctx)
		}
	}()

	var id string
	err = tx.QueryRow(ctx, `
        SELECT id FROM analyses
        WHERE status = 'pending'
        ORDER BY created_at, id
        FOR UPDATE SKIP LOCKED
        LIMIT 1
    `).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return run, false, nil
	}
	if err != nil {
		return run, false, err
	}

	run, err = scanRun(tx.QueryRow(ctx, `
        UPDATE analyses SET status = 'in_progress', start_time = $2
        WHERE id = $1
        RETURNING `+runColumns, id, startedAt))
	if err != nil {
		return run, false, err
	}
	return run, true, nil
}

// MarkInProgress transitions a specific pending analysis, for the inline path.
func (db *DB) MarkInProgress(ctx context.Context, id string, startedAt time.Time) (domain.Run, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	run, err := scanRun(db.Pool.QueryRow(ctx, `
        UPDATE analyses SET status = 'in_progress', start_time = $2
        WHERE id = $1 AND status = 'pending'
        RETURNING `+runColumns, id, startedAt))
	if !errors.Is(err, pgx.ErrNoRows) {
		return run, err
	}
	var exists bool
	if err := db.Pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM analyses WHERE id = $1)`, id).Scan(&exists); err != nil {
		return domain.Run{}, err
	}
	if !exists {
		return domain.Run{}, ports.ErrNotFound
	}
	return domain.Run{}, ports.ErrNotPending
}

// FailAbandoned finalizes runs a previous process left in_progress and records
// one system outcome per run in the same statement.
func (db *DB) FailAbandoned(ctx context.Context, reason string, now time.Time) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	tag, err := db.Pool.Exec(ctx, `
        WITH failed AS (
            UPDATE analyses
            SET status = 'failed', error = $1, end_time = $2,
                duration = GREATEST(0, FLOOR(EXTRACT(EPOCH FROM ($2::timestamptz - start_time))))::int
            WHERE status = 'in_progress'
            RETURNING id
        )
        INSERT INTO test_results (analysis_id, category, test_name, status, score, message, created_at)
        SELECT id, 'system', 'analysis', 'failed', 0, $1, $2 FROM failed
    `, reason, now)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
