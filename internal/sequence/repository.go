package sequence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dfultonthebar/av-control-core/internal/infrastructure/database"
)

// defaultRecentLimit caps Recent queries when the caller passes 0.
const defaultRecentLimit = 50

// SQLiteRepository persists operation results to the operation_results
// table. It implements Repository and additionally serves the API's
// recent-operations query.
type SQLiteRepository struct {
	db *database.DB
}

// NewSQLiteRepository creates a repository over an open database.
func NewSQLiteRepository(db *database.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// SaveResults inserts a batch of results in one transaction.
func (r *SQLiteRepository) SaveResults(ctx context.Context, results []Result) error {
	if len(results) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO operation_results (
			id, kind, output, target, status, reason,
			rolled_back, stale_snapshot, duration_ms,
			step_timings, data, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close() //nolint:errcheck

	for _, res := range results {
		timings, err := json.Marshal(res.StepTimings)
		if err != nil {
			return fmt.Errorf("encoding step timings for %s: %w", res.ID, err)
		}
		data, err := json.Marshal(res.Data)
		if err != nil {
			return fmt.Errorf("encoding data for %s: %w", res.ID, err)
		}

		if _, err := stmt.ExecContext(ctx,
			res.ID,
			res.Kind,
			res.Output,
			"", // target address is recorded by diagnostics only
			res.Status,
			string(res.Reason),
			boolToInt(res.RolledBack),
			boolToInt(res.StaleSnapshot),
			res.DurationMS,
			string(timings),
			string(data),
			res.StartedAt.UTC().Format(time.RFC3339Nano),
			res.FinishedAt.UTC().Format(time.RFC3339Nano),
		); err != nil {
			return fmt.Errorf("inserting result %s: %w", res.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing results: %w", err)
	}
	return nil
}

// Recent returns the most recent results, newest first.
func (r *SQLiteRepository) Recent(ctx context.Context, limit int) ([]Result, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, kind, output, status, reason,
		       rolled_back, stale_snapshot, duration_ms,
		       step_timings, data, started_at, finished_at
		FROM operation_results
		ORDER BY started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying results: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var results []Result
	for rows.Next() {
		res, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating results: %w", err)
	}
	return results, nil
}

func scanResult(rows *sql.Rows) (Result, error) {
	var (
		res                  Result
		reason               string
		rolledBack, stale    int
		timingsJSON, dataStr string
		startedAt, finished  string
	)

	if err := rows.Scan(
		&res.ID, &res.Kind, &res.Output, &res.Status, &reason,
		&rolledBack, &stale, &res.DurationMS,
		&timingsJSON, &dataStr, &startedAt, &finished,
	); err != nil {
		return Result{}, fmt.Errorf("scanning result row: %w", err)
	}

	res.Reason = Reason(reason)
	res.RolledBack = rolledBack != 0
	res.StaleSnapshot = stale != 0

	if err := json.Unmarshal([]byte(timingsJSON), &res.StepTimings); err != nil {
		return Result{}, fmt.Errorf("decoding step timings for %s: %w", res.ID, err)
	}
	if dataStr != "" && dataStr != "null" {
		if err := json.Unmarshal([]byte(dataStr), &res.Data); err != nil {
			return Result{}, fmt.Errorf("decoding data for %s: %w", res.ID, err)
		}
	}

	var err error
	if res.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt); err != nil {
		return Result{}, fmt.Errorf("parsing started_at for %s: %w", res.ID, err)
	}
	if res.FinishedAt, err = time.Parse(time.RFC3339Nano, finished); err != nil {
		return Result{}, fmt.Errorf("parsing finished_at for %s: %w", res.ID, err)
	}

	return res, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
