package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"govcheck/internal/domain"
	"govcheck/internal/ports"
)

// ClaimNext moves the oldest pending analysis to in_progress. The single
// connection serializes claimers, so no row locking is needed.
func (db *DB) ClaimNext(ctx context.Context, startedAt time.Time) (run domain.Run, found bool, err error) {
	err = db.inTx(ctx, func(tx *sql.Tx) error {
		var id string
		err := tx.QueryRowContext(ctx, `
            SELECT id FROM analyses
            WHERE status = 'pending'
            ORDER BY created_at, id
            LIMIT 1
        `).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		run, err = scanRun(tx.QueryRowContext(ctx, `
            UPDATE analyses SET status = 'in_progress', start_time = ?
            WHERE id = ?
            RETURNING `+runColumns, ts(startedAt), id))
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return domain.Run{}, false, err
	}
	return run, found, nil
}

func (db *DB) MarkInProgress(ctx context.Context, id string, startedAt time.Time) (domain.Run, error) {
	run, err := scanRun(db.conn.QueryRowContext(ctx, `
        UPDATE analyses SET status = 'in_progress', start_time = ?
        WHERE id = ? AND status = 'pending'
        RETURNING `+runColumns, ts(startedAt), id))
	if !errors.Is(err, sql.ErrNoRows) {
		return run, err
	}
	if err := db.mustExist(ctx, db.conn, id); err != nil {
		return domain.Run{}, err
	}
	return domain.Run{}, ports.ErrNotPending
}

// FailAbandoned finalizes every in_progress analysis as failed and records a
// system outcome for each, all in one transaction.
func (db *DB) FailAbandoned(ctx context.Context, reason string, now time.Time) (int, error) {
	type abandoned struct {
		id    string
		start time.Time
	}
	var n int
	err := db.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT id, start_time FROM analyses WHERE status = 'in_progress'`)
		if err != nil {
			return err
		}
		var runs []abandoned
		for rows.Next() {
			var a abandoned
			var start string
			if err := rows.Scan(&a.id, &start); err != nil {
				rows.Close()
				return err
			}
			if a.start, err = parseTS(start); err != nil {
				rows.Close()
				return err
			}
			runs = append(runs, a)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, a := range runs {
			if _, err := tx.ExecContext(ctx, `
                UPDATE analyses SET status = 'failed', error = ?, end_time = ?, duration = ?
                WHERE id = ? AND status = 'in_progress'
            `, reason, ts(now), domain.DurationSeconds(a.start, now), a.id); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `
                INSERT INTO test_results (analysis_id, category, test_name, status, score, message, created_at)
                VALUES (?, ?, 'analysis', ?, 0, ?, ?)
            `, a.id, string(domain.CategorySystem), string(domain.TestFailed), reason, ts(now)); err != nil {
				return err
			}
		}
		n = len(runs)
		return nil
	})
	return n, err
}
