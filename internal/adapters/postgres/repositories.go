package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"govcheck/internal/domain"
	"govcheck/internal/ports"
)

const runColumns = `id, target, domain, categories, status, overall_score, compliance_level,
	category_scores, error, start_time, end_time, duration, created_at`

// RunRepository

func (db *DB) CreateRun(ctx context.Context, run domain.Run) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	_, err := db.Pool.Exec(ctx, `
        INSERT INTO analyses (id, target, domain, categories, status, error, start_time, created_at)
        VALUES ($1, $2, $3, $4, $5, '', $6, $7)
    `, run.ID, run.Target, strings.ToLower(run.Domain), categoryNames(run.Categories), string(run.Status), run.StartTime, run.CreatedAt)
	if pgCode(err) == uniqueViolation {
		return ports.ErrAlreadyExists
	}
	return err
}

func (db *DB) GetRun(ctx context.Context, id string) (domain.Run, error) {
	row := db.Pool.QueryRow(ctx, `SELECT `+runColumns+` FROM analyses WHERE id = $1`, id)
	run, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Run{}, ports.ErrNotFound
	}
	return run, err
}

func (db *DB) ListRuns(ctx context.Context, f ports.RunFilter) ([]domain.Run, error) {
	var where []string
	var args []any
	if f.Domain != "" {
		args = append(args, strings.ToLower(f.Domain))
		where = append(where, fmt.Sprintf("domain = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	q := `SELECT ` + runColumns + ` FROM analyses`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		q += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := db.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func (db *DB) DeleteRun(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	tag, err := db.Pool.Exec(ctx, `DELETE FROM analyses WHERE id = $1 AND status IN ('completed', 'failed')`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var status string
	err = db.Pool.QueryRow(ctx, `SELECT status FROM analyses WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return ports.ErrNotFound
	}
	if err != nil {
		return err
	}
	return ports.ErrRunActive
}

func (db *DB) RecordTestOutcomes(ctx context.Context, runID string, outcomes []domain.TestOutcome) error {
	if len(outcomes) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, o := range outcomes {
		details, err := marshalNullable(o.Details)
		if err != nil {
			return fmt.Errorf("encode details of %s: %w", o.Name, err)
		}
		batch.Queue(`
            INSERT INTO test_results (analysis_id, category, test_name, status, score, message, details, created_at)
            VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
        `, runID, string(o.Category), o.Name, string(o.Status), o.Score, o.Message, details, o.CreatedAt)
	}
	return db.sendBatch(ctx, runID, batch)
}

func (db *DB) RecordViolations(ctx context.Context, runID string, violations []domain.Violation) error {
	if len(violations) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, v := range violations {
		batch.Queue(`
            INSERT INTO violations (analysis_id, rule_id, severity, description, help, target, html, created_at)
            VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
        `, runID, v.RuleID, string(v.Severity), v.Description, v.Help, v.Target, v.HTML, v.CreatedAt)
	}
	return db.sendBatch(ctx, runID, batch)
}

// sendBatch runs the batch in one transaction so a partial outcome set is never
// stored. The run row is share-locked so a concurrent finalize waits for it.
func (db *DB) sendBatch(ctx context.Context, runID string, batch *pgx.Batch) (err error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	tx, err := db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		} else {
			err = tx.Commit(ctx)
		}
	}()
	var status string
	err = tx.QueryRow(ctx, `SELECT status FROM analyses WHERE id = $1 FOR SHARE`, runID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return ports.ErrNotFound
	}
	if err != nil {
		return err
	}
	if domain.RunStatus(status).Terminal() {
		return ports.ErrAlreadyFinalized
	}
	if err = tx.SendBatch(ctx, batch).Close(); err != nil {
		if pgCode(err) == foreignKeyViolation {
			return ports.ErrNotFound
		}
		return err
	}
	return nil
}

func (db *DB) ListTestOutcomes(ctx context.Context, runID string) ([]domain.TestOutcome, error) {
	rows, err := db.Pool.Query(ctx, `
        SELECT id, analysis_id, category, test_name, status, score, message, details, created_at
        FROM test_results WHERE analysis_id = $1 ORDER BY id
    `, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.TestOutcome
	for rows.Next() {
		var o domain.TestOutcome
		var category, status string
		var details []byte
		if err := rows.Scan(&o.ID, &o.RunID, &category, &o.Name, &status, &o.Score, &o.Message, &details, &o.CreatedAt); err != nil {
			return nil, err
		}
		o.Category, o.Status = domain.Category(category), domain.TestStatus(status)
		if len(details) > 0 {
			if err := json.Unmarshal(details, &o.Details); err != nil {
				return nil, fmt.Errorf("decode details of test %d: %w", o.ID, err)
			}
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (db *DB) ListViolations(ctx context.Context, runID string) ([]domain.Violation, error) {
	rows, err := db.Pool.Query(ctx, `
        SELECT id, analysis_id, rule_id, severity, description, help, target, html, created_at
        FROM violations WHERE analysis_id = $1 ORDER BY id
    `, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Violation
	for rows.Next() {
		var v domain.Violation
		var severity string
		if err := rows.Scan(&v.ID, &v.RunID, &v.RuleID, &severity, &v.Description, &v.Help, &v.Target, &v.HTML, &v.CreatedAt); err != nil {
			return nil, err
		}
		v.Severity = domain.Severity(severity)
		out = append(out, v)
	}
	return out, rows.Err()
}

// Finalize is a guarded UPDATE: only a non-terminal row transitions.
func (db *DB) Finalize(ctx context.Context, f domain.Finalization) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	scores, err := marshalNullable(f.CategoryScores)
	if err != nil {
		return fmt.Errorf("encode category scores: %w", err)
	}
	var tier *string
	if f.ComplianceLevel != nil {
		s := string(*f.ComplianceLevel)
		tier = &s
	}
	tag, err := db.Pool.Exec(ctx, `
        UPDATE analyses
        SET status = $2, overall_score = $3, compliance_level = $4, category_scores = $5,
            error = $6, end_time = $7, duration = $8
        WHERE id = $1 AND status IN ('pending', 'in_progress')
    `, f.RunID, string(f.Status), f.OverallScore, tier, scores, f.Error, f.EndTime, f.Duration)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var exists bool
	if err := db.Pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM analyses WHERE id = $1)`, f.RunID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ports.ErrNotFound
	}
	return ports.ErrAlreadyFinalized
}

// ProfileRepository

func (db *DB) LatestCompletedByDomain(ctx context.Context, registrable string) (domain.Run, bool, error) {
	row := db.Pool.QueryRow(ctx, `
        SELECT `+runColumns+`
        FROM analyses
        WHERE domain = $1 AND status = 'completed'
        ORDER BY end_time DESC
        LIMIT 1
    `, strings.ToLower(registrable))
	run, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Run{}, false, nil
	}
	if err != nil {
		return domain.Run{}, false, err
	}
	return run, true, nil
}

func scanRun(row pgx.Row) (domain.Run, error) {
	var (
		run        domain.Run
		categories []string
		status     string
		tier       *string
		scores     []byte
		endTime    *time.Time
	)
	err := row.Scan(&run.ID, &run.Target, &run.Domain, &categories, &status, &run.OverallScore, &tier,
		&scores, &run.Error, &run.StartTime, &endTime, &run.Duration, &run.CreatedAt)
	if err != nil {
		return domain.Run{}, err
	}
	run.Status = domain.RunStatus(status)
	for _, c := range categories {
		run.Categories = append(run.Categories, domain.Category(c))
	}
	if tier != nil {
		t := domain.Tier(*tier)
		run.ComplianceLevel = &t
	}
	if len(scores) > 0 {
		if err := json.Unmarshal(scores, &run.CategoryScores); err != nil {
			return domain.Run{}, fmt.Errorf("decode category scores of %s: %w", run.ID, err)
		}
	}
	if endTime != nil {
		t := endTime.UTC()
		run.EndTime = &t
	}
	run.StartTime, run.CreatedAt = run.StartTime.UTC(), run.CreatedAt.UTC()
	return run, nil
}

func categoryNames(cs []domain.Category) []string {
	out := make([]string, 0, len(cs))
	for _, c := range cs {
		out = append(out, string(c))
	}
	return out
}

// marshalNullable encodes v as JSON text, or nil for an empty map.
func marshalNullable[M ~map[K]V, K comparable, V any](m M) (*string, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}
