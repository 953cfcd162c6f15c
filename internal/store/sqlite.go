package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("not found")

type SQLiteStore struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS tests (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    description TEXT,
    variants TEXT NOT NULL,
    audience TEXT NOT NULL,
    metrics TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'draft',
    winner TEXT,
    significance REAL NOT NULL DEFAULT 0.95,
    started_at INTEGER,
    ended_at INTEGER,
    created_by TEXT,
    created_at INTEGER NOT NULL DEFAULT (unixepoch()),
    updated_at INTEGER NOT NULL DEFAULT (unixepoch())
);

CREATE INDEX IF NOT EXISTS idx_tests_status ON tests(status);

CREATE TABLE IF NOT EXISTS assignments (
    test_id TEXT NOT NULL,
    subject_key TEXT NOT NULL,
    variant_id TEXT NOT NULL,
    assigned_at INTEGER NOT NULL,
    expires_at INTEGER,
    PRIMARY KEY (test_id, subject_key)
);

CREATE INDEX IF NOT EXISTS idx_assignments_subject ON assignments(subject_key, assigned_at);

CREATE TABLE IF NOT EXISTS impressions (
    id TEXT PRIMARY KEY,
    test_id TEXT NOT NULL,
    variant_id TEXT NOT NULL,
    subject_key TEXT NOT NULL,
    type TEXT NOT NULL,
    value REAL NOT NULL DEFAULT 1,
    metadata TEXT,
    created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_impressions_test ON impressions(test_id);
CREATE INDEX IF NOT EXISTS idx_impressions_test_variant ON impressions(test_id, variant_id, type);

CREATE TABLE IF NOT EXISTS results (
    test_id TEXT NOT NULL,
    variant_id TEXT NOT NULL,
    metric_name TEXT NOT NULL,
    value REAL NOT NULL DEFAULT 0,
    sample_size INTEGER NOT NULL DEFAULT 0,
    confidence REAL NOT NULL DEFAULT 0,
    p_value REAL NOT NULL DEFAULT 1,
    is_significant INTEGER NOT NULL DEFAULT 0,
    updated_at INTEGER NOT NULL,
    PRIMARY KEY (test_id, variant_id, metric_name)
);
`

func Open(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Wait for locks instead of failing with SQLITE_BUSY; the driver sets
	// no default busy timeout.
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	// SQLite allows one writer; a single pooled connection keeps
	// same-process write transactions from contending at all.
	db.SetMaxOpenConns(1)

	// Apply schema
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateTest(ctx context.Context, test *Test) error {
	variantsJSON, err := json.Marshal(test.Variants)
	if err != nil {
		return fmt.Errorf("failed to marshal variants: %w", err)
	}
	audienceJSON, err := json.Marshal(test.Audience)
	if err != nil {
		return fmt.Errorf("failed to marshal audience: %w", err)
	}
	metricsJSON, err := json.Marshal(test.Metrics)
	if err != nil {
		return fmt.Errorf("failed to marshal metrics: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tests (id, name, description, variants, audience, metrics, status, winner, significance, started_at, ended_at, created_by, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		test.ID, test.Name, test.Description,
		string(variantsJSON), string(audienceJSON), string(metricsJSON),
		string(test.Status), nullableStringPtr(test.Winner), test.Significance,
		nullableUnix(test.StartedAt), nullableUnix(test.EndedAt),
		test.CreatedBy, test.CreatedAt.Unix(), test.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert test: %w", err)
	}
	return nil
}

const testColumns = `id, name, description, variants, audience, metrics, status, winner, significance, started_at, ended_at, created_by, created_at, updated_at`

func (s *SQLiteStore) GetTest(ctx context.Context, id string) (*Test, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+testColumns+` FROM tests WHERE id = ?`, id)
	test, err := scanTest(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get test: %w", err)
	}
	return test, nil
}

func (s *SQLiteStore) ListTests(ctx context.Context) ([]*Test, error) {
	return s.queryTests(ctx,
		`SELECT `+testColumns+` FROM tests ORDER BY created_at DESC`)
}

func (s *SQLiteStore) ListTestsByStatus(ctx context.Context, status TestStatus) ([]*Test, error) {
	return s.queryTests(ctx,
		`SELECT `+testColumns+` FROM tests WHERE status = ? ORDER BY created_at DESC`,
		string(status))
}

func (s *SQLiteStore) queryTests(ctx context.Context, query string, args ...any) ([]*Test, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tests: %w", err)
	}
	defer rows.Close()

	var tests []*Test
	for rows.Next() {
		test, err := scanTest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan test: %w", err)
		}
		tests = append(tests, test)
	}
	return tests, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTest(row rowScanner) (*Test, error) {
	var test Test
	var description, createdBy sql.NullString
	var variantsJSON, audienceJSON, metricsJSON string
	var winner sql.NullString
	var startedAt, endedAt sql.NullInt64
	var createdAt, updatedAt int64

	err := row.Scan(&test.ID, &test.Name, &description,
		&variantsJSON, &audienceJSON, &metricsJSON,
		&test.Status, &winner, &test.Significance,
		&startedAt, &endedAt, &createdBy, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(variantsJSON), &test.Variants); err != nil {
		return nil, fmt.Errorf("failed to unmarshal variants: %w", err)
	}
	if err := json.Unmarshal([]byte(audienceJSON), &test.Audience); err != nil {
		return nil, fmt.Errorf("failed to unmarshal audience: %w", err)
	}
	if err := json.Unmarshal([]byte(metricsJSON), &test.Metrics); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metrics: %w", err)
	}

	test.Description = description.String
	test.CreatedBy = createdBy.String
	if winner.Valid {
		w := winner.String
		test.Winner = &w
	}
	if startedAt.Valid {
		t := time.Unix(startedAt.Int64, 0)
		test.StartedAt = &t
	}
	if endedAt.Valid {
		t := time.Unix(endedAt.Int64, 0)
		test.EndedAt = &t
	}
	test.CreatedAt = time.Unix(createdAt, 0)
	test.UpdatedAt = time.Unix(updatedAt, 0)

	return &test, nil
}

func (s *SQLiteStore) UpdateTest(ctx context.Context, test *Test) error {
	variantsJSON, err := json.Marshal(test.Variants)
	if err != nil {
		return fmt.Errorf("failed to marshal variants: %w", err)
	}
	audienceJSON, err := json.Marshal(test.Audience)
	if err != nil {
		return fmt.Errorf("failed to marshal audience: %w", err)
	}
	metricsJSON, err := json.Marshal(test.Metrics)
	if err != nil {
		return fmt.Errorf("failed to marshal metrics: %w", err)
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE tests SET name = ?, description = ?, variants = ?, audience = ?, metrics = ?,
		 status = ?, winner = ?, significance = ?, started_at = ?, ended_at = ?, updated_at = ?
		 WHERE id = ?`,
		test.Name, test.Description,
		string(variantsJSON), string(audienceJSON), string(metricsJSON),
		string(test.Status), nullableStringPtr(test.Winner), test.Significance,
		nullableUnix(test.StartedAt), nullableUnix(test.EndedAt),
		test.UpdatedAt.Unix(), test.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update test: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) DeleteTest(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Dependent records first
	for _, q := range []string{
		`DELETE FROM results WHERE test_id = ?`,
		`DELETE FROM impressions WHERE test_id = ?`,
		`DELETE FROM assignments WHERE test_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return fmt.Errorf("failed to delete test records: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM tests WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete test: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete: %w", err)
	}
	return nil
}

// InsertAssignmentIfAbsent atomically inserts the assignment unless a live
// one already exists for (test_id, subject_key). An expired row for the same
// key is cleared first so the subject can be reassigned. Returns the stored
// assignment and whether this call inserted it.
func (s *SQLiteStore) InsertAssignmentIfAbsent(ctx context.Context, a *Assignment) (*Assignment, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`DELETE FROM assignments WHERE test_id = ? AND subject_key = ? AND expires_at IS NOT NULL AND expires_at < ?`,
		a.TestID, a.SubjectKey, a.AssignedAt.Unix(),
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to clear expired assignment: %w", err)
	}

	// INSERT OR IGNORE against the primary key makes check-then-insert atomic
	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO assignments (test_id, subject_key, variant_id, assigned_at, expires_at)
		 VALUES (?, ?, ?, ?, ?)`,
		a.TestID, a.SubjectKey, a.VariantID, a.AssignedAt.Unix(), nullableUnix(a.ExpiresAt),
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert assignment: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	inserted := rowsAffected > 0
	stored := a
	if !inserted {
		// Lost the race; return whoever won
		stored, err = scanAssignment(tx.QueryRowContext(ctx,
			`SELECT test_id, subject_key, variant_id, assigned_at, expires_at
			 FROM assignments WHERE test_id = ? AND subject_key = ?`,
			a.TestID, a.SubjectKey))
		if err != nil {
			return nil, false, fmt.Errorf("failed to read existing assignment: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit assignment: %w", err)
	}
	return stored, inserted, nil
}

func (s *SQLiteStore) GetAssignment(ctx context.Context, testID, subjectKey string) (*Assignment, error) {
	a, err := scanAssignment(s.db.QueryRowContext(ctx,
		`SELECT test_id, subject_key, variant_id, assigned_at, expires_at
		 FROM assignments WHERE test_id = ? AND subject_key = ?`,
		testID, subjectKey))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get assignment: %w", err)
	}
	return a, nil
}

func scanAssignment(row rowScanner) (*Assignment, error) {
	var a Assignment
	var assignedAt int64
	var expiresAt sql.NullInt64

	if err := row.Scan(&a.TestID, &a.SubjectKey, &a.VariantID, &assignedAt, &expiresAt); err != nil {
		return nil, err
	}
	a.AssignedAt = time.Unix(assignedAt, 0)
	if expiresAt.Valid {
		t := time.Unix(expiresAt.Int64, 0)
		a.ExpiresAt = &t
	}
	return &a, nil
}

func (s *SQLiteStore) ListAssignmentsBySubject(ctx context.Context, subjectKey string, since time.Time, limit int) ([]*Assignment, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT test_id, subject_key, variant_id, assigned_at, expires_at
		 FROM assignments WHERE subject_key = ? AND assigned_at >= ?
		 ORDER BY assigned_at DESC LIMIT ?`,
		subjectKey, since.Unix(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list assignments: %w", err)
	}
	defer rows.Close()

	var assignments []*Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan assignment: %w", err)
		}
		assignments = append(assignments, a)
	}
	return assignments, rows.Err()
}

func (s *SQLiteStore) CountAssignments(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM assignments`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count assignments: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) RecordImpression(ctx context.Context, imp *Impression) error {
	var metadataJSON sql.NullString
	if len(imp.Metadata) > 0 {
		b, err := json.Marshal(imp.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
		metadataJSON = sql.NullString{String: string(b), Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO impressions (id, test_id, variant_id, subject_key, type, value, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		imp.ID, imp.TestID, imp.VariantID, imp.SubjectKey,
		string(imp.Type), imp.Value, metadataJSON, imp.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to record impression: %w", err)
	}
	return nil
}

// ListImpressions returns a test's raw impressions in insertion order.
func (s *SQLiteStore) ListImpressions(ctx context.Context, testID string) ([]*Impression, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, test_id, variant_id, subject_key, type, value, metadata, created_at
		 FROM impressions WHERE test_id = ? ORDER BY created_at, id`,
		testID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list impressions: %w", err)
	}
	defer rows.Close()

	var impressions []*Impression
	for rows.Next() {
		var imp Impression
		var metadataJSON sql.NullString
		var createdAt int64
		err := rows.Scan(&imp.ID, &imp.TestID, &imp.VariantID, &imp.SubjectKey,
			&imp.Type, &imp.Value, &metadataJSON, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan impression: %w", err)
		}
		if metadataJSON.Valid {
			if err := json.Unmarshal([]byte(metadataJSON.String), &imp.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
			}
		}
		imp.CreatedAt = time.Unix(createdAt, 0)
		impressions = append(impressions, &imp)
	}
	return impressions, rows.Err()
}

func (s *SQLiteStore) CountImpressions(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM impressions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count impressions: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) AggregateImpressions(ctx context.Context, testID string) ([]VariantAggregate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT variant_id, type, COUNT(*), AVG(value)
		FROM impressions
		WHERE test_id = ?
		GROUP BY variant_id, type
		ORDER BY variant_id, type
	`, testID)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate impressions: %w", err)
	}
	defer rows.Close()

	var aggs []VariantAggregate
	for rows.Next() {
		var agg VariantAggregate
		if err := rows.Scan(&agg.VariantID, &agg.MetricName, &agg.Count, &agg.Mean); err != nil {
			return nil, fmt.Errorf("failed to scan aggregate: %w", err)
		}
		aggs = append(aggs, agg)
	}
	return aggs, rows.Err()
}

func (s *SQLiteStore) SummarizeImpressions(ctx context.Context, testID string) (*TestSummary, error) {
	summary := &TestSummary{
		TestID:   testID,
		Variants: make(map[string]VariantSummary),
	}

	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(CASE WHEN type = 'view' THEN 1 END),
			COUNT(CASE WHEN type = 'click' THEN 1 END),
			COUNT(CASE WHEN type = 'conversion' THEN 1 END),
			COUNT(DISTINCT subject_key)
		FROM impressions
		WHERE test_id = ?
	`, testID).Scan(&summary.Impressions, &summary.Clicks, &summary.Conversions, &summary.UniqueSubjects)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize impressions: %w", err)
	}

	if summary.Impressions > 0 {
		summary.ConversionRate = float64(summary.Conversions) / float64(summary.Impressions)
		summary.ClickThroughRate = float64(summary.Clicks) / float64(summary.Impressions)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT
			variant_id,
			COUNT(CASE WHEN type = 'view' THEN 1 END),
			COUNT(CASE WHEN type = 'click' THEN 1 END),
			COUNT(CASE WHEN type = 'conversion' THEN 1 END)
		FROM impressions
		WHERE test_id = ?
		GROUP BY variant_id
		ORDER BY variant_id
	`, testID)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize variants: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var variantID string
		var vs VariantSummary
		if err := rows.Scan(&variantID, &vs.Impressions, &vs.Clicks, &vs.Conversions); err != nil {
			return nil, fmt.Errorf("failed to scan variant summary: %w", err)
		}
		if vs.Impressions > 0 {
			vs.ConversionRate = float64(vs.Conversions) / float64(vs.Impressions)
		}
		summary.Variants[variantID] = vs
	}
	return summary, rows.Err()
}

func (s *SQLiteStore) UpsertResult(ctx context.Context, r *Result) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO results (test_id, variant_id, metric_name, value, sample_size, confidence, p_value, is_significant, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(test_id, variant_id, metric_name) DO UPDATE SET
		   value = excluded.value,
		   sample_size = excluded.sample_size,
		   confidence = excluded.confidence,
		   p_value = excluded.p_value,
		   is_significant = excluded.is_significant,
		   updated_at = excluded.updated_at`,
		r.TestID, r.VariantID, r.MetricName, r.Value, r.SampleSize,
		r.Confidence, r.PValue, boolToInt(r.IsSignificant), r.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert result: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetResult(ctx context.Context, testID, variantID, metricName string) (*Result, error) {
	r, err := scanResult(s.db.QueryRowContext(ctx,
		`SELECT test_id, variant_id, metric_name, value, sample_size, confidence, p_value, is_significant, updated_at
		 FROM results WHERE test_id = ? AND variant_id = ? AND metric_name = ?`,
		testID, variantID, metricName))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get result: %w", err)
	}
	return r, nil
}

func (s *SQLiteStore) ListResults(ctx context.Context, testID string) ([]*Result, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT test_id, variant_id, metric_name, value, sample_size, confidence, p_value, is_significant, updated_at
		 FROM results WHERE test_id = ? ORDER BY variant_id, metric_name`,
		testID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list results: %w", err)
	}
	defer rows.Close()

	var results []*Result
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

func scanResult(row rowScanner) (*Result, error) {
	var r Result
	var isSignificant int
	var updatedAt int64

	err := row.Scan(&r.TestID, &r.VariantID, &r.MetricName, &r.Value, &r.SampleSize,
		&r.Confidence, &r.PValue, &isSignificant, &updatedAt)
	if err != nil {
		return nil, err
	}
	r.IsSignificant = isSignificant != 0
	r.UpdatedAt = time.Unix(updatedAt, 0)
	return &r, nil
}

// DB returns the underlying database connection for health checks
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func nullableUnix(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}

func nullableStringPtr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
