package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/t77yq/execpool/internal/model"
)

// ExecutionRecord is one durable row per execution: submission, placement,
// and terminal outcome.
type ExecutionRecord struct {
	ExecutionID string        `json:"execution_id"`
	PoolID      string        `json:"pool_id"`
	ProcessID   string        `json:"process_id,omitempty"`
	EntryModule string        `json:"entry_module"`
	Outcome     model.Outcome `json:"outcome,omitempty"`
	Result      []byte        `json:"result,omitempty"`
	Error       string        `json:"error,omitempty"`
	SubmittedAt time.Time     `json:"submitted_at"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	Duration    time.Duration `json:"duration,omitempty"`
}

// ExecutionHistoryStorage persists execution records.
type ExecutionHistoryStorage interface {
	// RecordSubmission stores a new execution row at submit time.
	RecordSubmission(ctx context.Context, exec *model.Execution) error

	// RecordResult fills in the terminal outcome for an execution.
	RecordResult(ctx context.Context, result *model.ExecutionResult) error

	// Get retrieves one record by execution id.
	Get(ctx context.Context, executionID string) (*ExecutionRecord, error)

	// List retrieves records with filters and pagination, newest first.
	List(ctx context.Context, filters map[string]interface{}, offset, limit int) ([]*ExecutionRecord, error)

	// Count returns the number of records matching the filters.
	Count(ctx context.Context, filters map[string]interface{}) (int, error)

	// DeleteBefore removes records submitted before the given time.
	DeleteBefore(ctx context.Context, before time.Time) error
}

// SQLiteExecutionHistory implements ExecutionHistoryStorage using SQLite.
type SQLiteExecutionHistory struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewSQLiteExecutionHistory opens (or creates) the history database.
func NewSQLiteExecutionHistory(logger *zap.Logger, dbPath string) (*SQLiteExecutionHistory, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	storage := &SQLiteExecutionHistory{
		logger: logger.Named("history"),
		db:     db,
	}
	if err := storage.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return storage, nil
}

func (s *SQLiteExecutionHistory) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS execution_history (
			execution_id TEXT PRIMARY KEY,
			pool_id TEXT NOT NULL,
			process_id TEXT,
			entry_module TEXT NOT NULL,
			outcome TEXT,
			result BLOB,
			error TEXT,
			submitted_at DATETIME NOT NULL,
			completed_at DATETIME,
			duration INTEGER,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_execution_history_pool_id ON execution_history(pool_id);
		CREATE INDEX IF NOT EXISTS idx_execution_history_outcome ON execution_history(outcome);
		CREATE INDEX IF NOT EXISTS idx_execution_history_submitted_at ON execution_history(submitted_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}

// RecordSubmission implements ExecutionHistoryStorage.RecordSubmission.
func (s *SQLiteExecutionHistory) RecordSubmission(ctx context.Context, exec *model.Execution) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO execution_history (
			execution_id, pool_id, entry_module, submitted_at
		) VALUES (?, ?, ?, ?)`,
		exec.ID,
		exec.PoolID,
		exec.EntryModule,
		exec.SubmittedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record submission: %w", err)
	}
	return nil
}

// RecordResult implements ExecutionHistoryStorage.RecordResult. Results
// for executions without a prior submission row (e.g. after a supervisor
// restart) get a row of their own.
func (s *SQLiteExecutionHistory) RecordResult(ctx context.Context, result *model.ExecutionResult) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO execution_history (
			execution_id, pool_id, entry_module, submitted_at
		) VALUES (?, '', '', ?)`,
		result.ExecutionID,
		result.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert execution row: %w", err)
	}

	var duration time.Duration
	if result.CompletedAt != nil {
		duration = result.CompletedAt.Sub(result.StartedAt)
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE execution_history SET
			process_id = ?,
			outcome = ?,
			result = ?,
			error = ?,
			completed_at = ?,
			duration = ?
		WHERE execution_id = ?`,
		sql.NullString{String: result.ProcessID, Valid: result.ProcessID != ""},
		string(result.Outcome),
		result.Result,
		sql.NullString{String: result.Error, Valid: result.Error != ""},
		nullTime(result.CompletedAt),
		sql.NullInt64{Int64: int64(duration), Valid: duration != 0},
		result.ExecutionID,
	)
	if err != nil {
		return fmt.Errorf("failed to record result: %w", err)
	}
	return nil
}

// Get implements ExecutionHistoryStorage.Get.
func (s *SQLiteExecutionHistory) Get(ctx context.Context, executionID string) (*ExecutionRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT execution_id, pool_id, process_id, entry_module, outcome,
		       result, error, submitted_at, completed_at, duration
		FROM execution_history
		WHERE execution_id = ?`, executionID)

	record, err := scanRecord(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan execution history: %w", err)
	}
	return record, nil
}

// List implements ExecutionHistoryStorage.List.
func (s *SQLiteExecutionHistory) List(ctx context.Context, filters map[string]interface{}, offset, limit int) ([]*ExecutionRecord, error) {
	query := `SELECT execution_id, pool_id, process_id, entry_module, outcome,
	       result, error, submitted_at, completed_at, duration FROM execution_history`
	query, args := applyFilters(query, filters)
	query += " ORDER BY submitted_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list execution history: %w", err)
	}
	defer rows.Close()

	var records []*ExecutionRecord
	for rows.Next() {
		record, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution history: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return records, nil
}

// Count implements ExecutionHistoryStorage.Count.
func (s *SQLiteExecutionHistory) Count(ctx context.Context, filters map[string]interface{}) (int, error) {
	query, args := applyFilters("SELECT COUNT(*) FROM execution_history", filters)

	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count execution history: %w", err)
	}
	return count, nil
}

// DeleteBefore implements ExecutionHistoryStorage.DeleteBefore.
func (s *SQLiteExecutionHistory) DeleteBefore(ctx context.Context, before time.Time) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM execution_history WHERE submitted_at < ?", before)
	if err != nil {
		return fmt.Errorf("failed to delete execution history: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}

	s.logger.Info("Deleted old execution history records",
		zap.Time("before", before),
		zap.Int64("deleted", affected))
	return nil
}

// Close closes the database connection.
func (s *SQLiteExecutionHistory) Close() error {
	return s.db.Close()
}

func applyFilters(query string, filters map[string]interface{}) (string, []interface{}) {
	args := make([]interface{}, 0, len(filters))
	if len(filters) > 0 {
		query += " WHERE"
		first := true
		for key, value := range filters {
			if !first {
				query += " AND"
			}
			query += fmt.Sprintf(" %s = ?", key)
			args = append(args, value)
			first = false
		}
	}
	return query, args
}

func scanRecord(scan func(...interface{}) error) (*ExecutionRecord, error) {
	record := &ExecutionRecord{}
	var processID, outcome, errorStr sql.NullString
	var completedAt sql.NullTime
	var durationNanos sql.NullInt64

	err := scan(
		&record.ExecutionID,
		&record.PoolID,
		&processID,
		&record.EntryModule,
		&outcome,
		&record.Result,
		&errorStr,
		&record.SubmittedAt,
		&completedAt,
		&durationNanos,
	)
	if err != nil {
		return nil, err
	}

	if processID.Valid {
		record.ProcessID = processID.String
	}
	if outcome.Valid {
		record.Outcome = model.Outcome(outcome.String)
	}
	if errorStr.Valid {
		record.Error = errorStr.String
	}
	if completedAt.Valid {
		record.CompletedAt = &completedAt.Time
	}
	if durationNanos.Valid {
		record.Duration = time.Duration(durationNanos.Int64)
	}
	return record, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
