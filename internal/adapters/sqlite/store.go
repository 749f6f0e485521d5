// Package sqlite is the single-node store on the CGO-free modernc driver.
// Timestamps are stored as fixed-width UTC text so they sort chronologically.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"govcheck/internal/domain"
	"govcheck/internal/ports"
)

//go:embed migrations/*.sql
var migrations embed.FS

const tsLayout = "2006-01-02T15:04:05.000000000Z"

const runColumns = `id, target, domain, categories, status, overall_score, compliance_level,
	category_scores, error, start_time, end_time, duration, created_at`

type DB struct {
	conn *sql.DB
}

// Open opens (and creates if missing) the database at path.
func Open(path string) (*DB, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	c, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// One writer; transactions serialize on the single connection.
	c.SetMaxOpenConns(1)
	if err := c.Ping(); err != nil {
		_ = c.Close()
		return nil, err
	}
	return &DB{conn: c}, nil
}

func (db *DB) Close() error { return db.conn.Close() }

func (db *DB) Migrate(ctx context.Context, log *slog.Logger) error {
	sub, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return err
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db.conn, sub)
	if err != nil {
		return fmt.Errorf("migration provider: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	for _, r := range results {
		log.Info("migration applied", "store", "sqlite", "version", r.Source.Version, "duration", r.Duration)
	}
	return nil
}

func (db *DB) CreateRun(ctx context.Context, run domain.Run) error {
	cats, err := json.Marshal(categoryNames(run.Categories))
	if err != nil {
		return err
	}
	_, err = db.conn.ExecContext(ctx, `
        INSERT INTO analyses (id, target, domain, categories, status, error, start_time, created_at)
        VALUES (?, ?, ?, ?, ?, '', ?, ?)
    `, run.ID, run.Target, strings.ToLower(run.Domain), string(cats), string(run.Status), ts(run.StartTime), ts(run.CreatedAt))
	if sqliteCode(err) == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY {
		return ports.ErrAlreadyExists
	}
	return err
}

func (db *DB) GetRun(ctx context.Context, id string) (domain.Run, error) {
	run, err := scanRun(db.conn.QueryRowContext(ctx, `SELECT `+runColumns+` FROM analyses WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Run{}, ports.ErrNotFound
	}
	return run, err
}

func (db *DB) ListRuns(ctx context.Context, f ports.RunFilter) ([]domain.Run, error) {
	var where []string
	var args []any
	if f.Domain != "" {
		where = append(where, "domain = ?")
		args = append(args, strings.ToLower(f.Domain))
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	q := `SELECT ` + runColumns + ` FROM analyses`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	limit := -1
	if f.Limit > 0 {
		limit = f.Limit
	}
	args = append(args, limit, f.Offset)

	rows, err := db.conn.QueryContext(ctx, q, args...)
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
	res, err := db.conn.ExecContext(ctx, `DELETE FROM analyses WHERE id = ? AND status IN ('completed', 'failed')`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	exists, err := db.exists(ctx, db.conn, id)
	if err != nil {
		return err
	}
	if !exists {
		return ports.ErrNotFound
	}
	return ports.ErrRunActive
}

func (db *DB) RecordTestOutcomes(ctx context.Context, runID string, outcomes []domain.TestOutcome) error {
	if len(outcomes) == 0 {
		return nil
	}
	return db.inTx(ctx, func(tx *sql.Tx) error {
		if err := db.mustBeActive(ctx, tx, runID); err != nil {
			return err
		}
		stmt, err := tx.PrepareContext(ctx, `
            INSERT INTO test_results (analysis_id, category, test_name, status, score, message, details, created_at)
            VALUES (?, ?, ?, ?, ?, ?, ?, ?)
        `)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, o := range outcomes {
			details, err := marshalNullable(o.Details)
			if err != nil {
				return fmt.Errorf("encode details of %s: %w", o.Name, err)
			}
			if _, err := stmt.ExecContext(ctx, runID, string(o.Category), o.Name, string(o.Status), o.Score, o.Message, details, ts(o.CreatedAt)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (db *DB) RecordViolations(ctx context.Context, runID string, violations []domain.Violation) error {
	if len(violations) == 0 {
		return nil
	}
	return db.inTx(ctx, func(tx *sql.Tx) error {
		if err := db.mustBeActive(ctx, tx, runID); err != nil {
			return err
		}
		stmt, err := tx.PrepareContext(ctx, `
            INSERT INTO violations (analysis_id, rule_id, severity, description, help, target, html, created_at)
            VALUES (?, ?, ?, ?, ?, ?, ?, ?)
        `)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, v := range violations {
			if _, err := stmt.ExecContext(ctx, runID, v.RuleID, string(v.Severity), v.Description, v.Help, v.Target, v.HTML, ts(v.CreatedAt)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (db *DB) ListTestOutcomes(ctx context.Context, runID string) ([]domain.TestOutcome, error) {
	rows, err := db.conn.QueryContext(ctx, `
        SELECT id, analysis_id, category, test_name, status, score, message, details, created_at
        FROM test_results WHERE analysis_id = ? ORDER BY id
    `, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.TestOutcome
	for rows.Next() {
		var (
			o                domain.TestOutcome
			category, status string
			details          sql.NullString
			created          string
		)
		if err := rows.Scan(&o.ID, &o.RunID, &category, &o.Name, &status, &o.Score, &o.Message, &details, &created); err != nil {
			return nil, err
		}
		o.Category, o.Status = domain.Category(category), domain.TestStatus(status)
		if details.Valid && details.String != "" {
			if err := json.Unmarshal([]byte(details.String), &o.Details); err != nil {
				return nil, fmt.Errorf("decode details of test %d: %w", o.ID, err)
			}
		}
		if o.CreatedAt, err = parseTS(created); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (db *DB) ListViolations(ctx context.Context, runID string) ([]domain.Violation, error) {
	rows, err := db.conn.QueryContext(ctx, `
        SELECT id, analysis_id, rule_id, severity, description, help, target, html, created_at
        FROM violations WHERE analysis_id = ? ORDER BY id
    `, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Violation
	for rows.Next() {
		var v domain.Violation
		var severity, created string
		if err := rows.Scan(&v.ID, &v.RunID, &v.RuleID, &severity, &v.Description, &v.Help, &v.Target, &v.HTML, &created); err != nil {
			return nil, err
		}
		v.Severity = domain.Severity(severity)
		if v.CreatedAt, err = parseTS(created); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (db *DB) Finalize(ctx context.Context, f domain.Finalization) error {
	scores, err := marshalNullable(f.CategoryScores)
	if err != nil {
		return fmt.Errorf("encode category scores: %w", err)
	}
	var tier *string
	if f.ComplianceLevel != nil {
		s := string(*f.ComplianceLevel)
		tier = &s
	}
	res, err := db.conn.ExecContext(ctx, `
        UPDATE analyses
        SET status = ?, overall_score = ?, compliance_level = ?, category_scores = ?,
            error = ?, end_time = ?, duration = ?
        WHERE id = ? AND status IN ('pending', 'in_progress')
    `, string(f.Status), f.OverallScore, tier, scores, f.Error, ts(f.EndTime), f.Duration, f.RunID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	exists, err := db.exists(ctx, db.conn, f.RunID)
	if err != nil {
		return err
	}
	if !exists {
		return ports.ErrNotFound
	}
	return ports.ErrAlreadyFinalized
}

func (db *DB) LatestCompletedByDomain(ctx context.Context, registrable string) (domain.Run, bool, error) {
	run, err := scanRun(db.conn.QueryRowContext(ctx, `
        SELECT `+runColumns+` FROM analyses
        WHERE domain = ? AND status = 'completed'
        ORDER BY end_time DESC
        LIMIT 1
    `, strings.ToLower(registrable)))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Run{}, false, nil
	}
	if err != nil {
		return domain.Run{}, false, err
	}
	return run, true, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (db *DB) exists(ctx context.Context, q queryer, id string) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT COUNT(1) FROM analyses WHERE id = ?`, id).Scan(&n)
	return n > 0, err
}

func (db *DB) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (domain.Run, error) {
	var (
		run                domain.Run
		categories, status string
		score, duration    sql.NullInt64
		tier, scores, end  sql.NullString
		start, created     string
	)
	err := row.Scan(&run.ID, &run.Target, &run.Domain, &categories, &status, &score, &tier,
		&scores, &run.Error, &start, &end, &duration, &created)
	if err != nil {
		return domain.Run{}, err
	}
	run.Status = domain.RunStatus(status)
	var names []string
	if err := json.Unmarshal([]byte(categories), &names); err != nil {
		return domain.Run{}, fmt.Errorf("decode categories of %s: %w", run.ID, err)
	}
	for _, n := range names {
		run.Categories = append(run.Categories, domain.Category(n))
	}
	if score.Valid {
		v := int(score.Int64)
		run.OverallScore = &v
	}
	if tier.Valid {
		t := domain.Tier(tier.String)
		run.ComplianceLevel = &t
	}
	if scores.Valid && scores.String != "" {
		if err := json.Unmarshal([]byte(scores.String), &run.CategoryScores); err != nil {
			return domain.Run{}, fmt.Errorf("decode category scores of %s: %w", run.ID, err)
		}
	}
	if duration.Valid {
		d := int(duration.Int64)
		run.Duration = &d
	}
	if run.StartTime, err = parseTS(start); err != nil {
		return domain.Run{}, err
	}
	if run.CreatedAt, err = parseTS(created); err != nil {
		return domain.Run{}, err
	}
	if end.Valid {
		t, err := parseTS(end.String)
		if err != nil {
			return domain.Run{}, err
		}
		run.EndTime = &t
	}
	return run, nil
}

func ts(t time.Time) string { return t.UTC().Format(tsLayout) }

func parseTS(s string) (time.Time, error) {
	t, err := time.Parse(tsLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func sqliteCode(err error) int {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code()
	}
	return 0
}

func (db *DB) mustExist(ctx context.Context, q queryer, id string) error {
	ok, err := db.exists(ctx, q, id)
	if err != nil {
		return err
	}
	if !ok {
		return ports.ErrNotFound
	}
	return nil
}

// mustBeActive rejects appends to unknown or already terminal runs.
func (db *DB) mustBeActive(ctx context.Context, q queryer, id string) error {
	var status string
	err := q.QueryRowContext(ctx, `SELECT status FROM analyses WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ports.ErrNotFound
	}
	if err != nil {
		return err
	}
	if domain.RunStatus(status).Terminal() {
		return ports.ErrAlreadyFinalized
	}
	return nil
}

func categoryNames(cs []domain.Category) []string {
	out := make([]string, 0, len(cs))
	for _, c := range cs {
		out = append(out, string(c))
	}
	return out
}

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
