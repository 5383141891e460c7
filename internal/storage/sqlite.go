// Package storage persists a rolling history of routed requests for the
// control API's /history and /stats endpoints. It is purely an audit trail:
// nothing on the hot path depends on a read succeeding, and a write failure
// is logged and swallowed.
package storage

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"routerd/internal/pipeline"
)

// RequestRecord is the persisted shape of a single routed request, derived
// from a pipeline.CapturedSpan once its post-call fields are filled in.
type RequestRecord struct {
	RequestID       string    `json:"request_id"`
	Timestamp       time.Time `json:"timestamp"`
	Environment     string    `json:"environment"`
	Repo            string    `json:"repo"`
	RepoRoot        string    `json:"repo_root"`
	Complexity      string    `json:"complexity"`
	OriginalModel   string    `json:"original_model"`
	RoutedModel     string    `json:"routed_model"`
	PolicyEnforced  bool      `json:"policy_enforced"`
	ContractHash    string    `json:"contract_hash"`
	LedgerAlert     string    `json:"ledger_alert,omitempty"`
	OverrideActive  bool      `json:"override_active"`
	InputTokens     int64     `json:"input_tokens"`
	OutputTokens    int64     `json:"output_tokens"`
	TotalTokens     int64     `json:"total_tokens"`
	LatencyMillis   int64     `json:"latency_ms"`
	PromptRole      string    `json:"prompt_role,omitempty"`
	PromptContent   string    `json:"prompt_content,omitempty"`
	CompletionRole  string    `json:"completion_role,omitempty"`
	CompletionText  string    `json:"completion_text,omitempty"`
	ViolationReason string    `json:"violation_reason,omitempty"`
}

// RecordFromSpan converts a completed CapturedSpan into a RequestRecord.
// violationReason is empty unless the request was refused for a policy
// violation.
func RecordFromSpan(span pipeline.CapturedSpan, violationReason string) RequestRecord {
	return RequestRecord{
		RequestID:       span.RequestID,
		Timestamp:       time.Now().UTC(),
		Environment:     span.Environment,
		Repo:            span.Repo,
		RepoRoot:        span.RepoRoot,
		Complexity:      string(span.ComplexityClassification),
		OriginalModel:   span.OriginalModelRequested,
		RoutedModel:     span.RoutedToModel,
		PolicyEnforced:  span.PolicyEnforced,
		ContractHash:    span.ContractHash,
		LedgerAlert:     span.LedgerAlert,
		OverrideActive:  span.ComplexityOverrideActive,
		InputTokens:     span.InputTokens,
		OutputTokens:    span.OutputTokens,
		TotalTokens:     span.TotalTokens,
		LatencyMillis:   span.LatencyMillis,
		PromptRole:      span.PromptRole,
		PromptContent:   span.PromptContent,
		CompletionRole:  span.CompletionRole,
		CompletionText:  span.CompletionText,
		ViolationReason: violationReason,
	}
}

// SQLiteStore provides persistent storage for routed-request history.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-backed storage rooted at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	store := &SQLiteStore{db: db}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	slog.Info("SQLite storage initialized", "path", dbPath)
	return store, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS requests (
		request_id TEXT PRIMARY KEY,
		timestamp DATETIME NOT NULL,
		environment TEXT NOT NULL,
		repo TEXT NOT NULL DEFAULT '',
		repo_root TEXT NOT NULL DEFAULT '',
		complexity TEXT NOT NULL DEFAULT '',
		original_model TEXT NOT NULL DEFAULT '',
		routed_model TEXT NOT NULL DEFAULT '',
		policy_enforced INTEGER NOT NULL DEFAULT 0,
		contract_hash TEXT NOT NULL DEFAULT '',
		ledger_alert TEXT NOT NULL DEFAULT '',
		override_active INTEGER NOT NULL DEFAULT 0,
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		total_tokens INTEGER NOT NULL DEFAULT 0,
		latency_ms INTEGER NOT NULL DEFAULT 0,
		prompt_role TEXT NOT NULL DEFAULT '',
		prompt_content TEXT NOT NULL DEFAULT '',
		completion_role TEXT NOT NULL DEFAULT '',
		completion_text TEXT NOT NULL DEFAULT '',
		violation_reason TEXT NOT NULL DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_requests_timestamp ON requests(timestamp);
	CREATE INDEX IF NOT EXISTS idx_requests_repo ON requests(repo);
	CREATE INDEX IF NOT EXISTS idx_requests_complexity ON requests(complexity);
	`

	_, err := s.db.Exec(schema)
	return err
}

// SaveRequest saves a single routed-request record.
func (s *SQLiteStore) SaveRequest(record RequestRecord) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO requests
		(request_id, timestamp, environment, repo, repo_root, complexity, original_model, routed_model,
		 policy_enforced, contract_hash, ledger_alert, override_active, input_tokens, output_tokens,
		 total_tokens, latency_ms, prompt_role, prompt_content, completion_role, completion_text, violation_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.RequestID,
		record.Timestamp,
		record.Environment,
		record.Repo,
		record.RepoRoot,
		record.Complexity,
		record.OriginalModel,
		record.RoutedModel,
		record.PolicyEnforced,
		record.ContractHash,
		record.LedgerAlert,
		record.OverrideActive,
		record.InputTokens,
		record.OutputTokens,
		record.TotalTokens,
		record.LatencyMillis,
		record.PromptRole,
		record.PromptContent,
		record.CompletionRole,
		record.CompletionText,
		record.ViolationReason,
	)
	if err != nil {
		return fmt.Errorf("failed to save request: %w", err)
	}

	slog.Debug("request saved to history",
		"request_id", record.RequestID,
		"repo", record.Repo,
		"complexity", record.Complexity,
	)
	return nil
}

// GetRequest retrieves a request record by ID.
func (s *SQLiteStore) GetRequest(id string) (*RequestRecord, error) {
	row := s.db.QueryRow(requestColumns+" FROM requests WHERE request_id = ?", id)
	record, err := scanRequest(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get request: %w", err)
	}
	return record, nil
}

// ListRequestsOptions contains options for listing request history.
type ListRequestsOptions struct {
	Limit      int
	Offset     int
	Repo       string
	Complexity string
	Since      *time.Time
	Until      *time.Time
}

const requestColumns = `
	SELECT request_id, timestamp, environment, repo, repo_root, complexity, original_model, routed_model,
	       policy_enforced, contract_hash, ledger_alert, override_active, input_tokens, output_tokens,
	       total_tokens, latency_ms, prompt_role, prompt_content, completion_role, completion_text, violation_reason`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRequest(row rowScanner) (*RequestRecord, error) {
	var r RequestRecord
	err := row.Scan(
		&r.RequestID, &r.Timestamp, &r.Environment, &r.Repo, &r.RepoRoot, &r.Complexity,
		&r.OriginalModel, &r.RoutedModel, &r.PolicyEnforced, &r.ContractHash, &r.LedgerAlert,
		&r.OverrideActive, &r.InputTokens, &r.OutputTokens, &r.TotalTokens, &r.LatencyMillis,
		&r.PromptRole, &r.PromptContent, &r.CompletionRole, &r.CompletionText, &r.ViolationReason,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ListRequests retrieves request history with filtering and pagination.
func (s *SQLiteStore) ListRequests(opts ListRequestsOptions) ([]RequestRecord, error) {
	query := requestColumns + " FROM requests WHERE 1=1"
	args := []interface{}{}

	if opts.Repo != "" {
		query += " AND repo = ?"
		args = append(args, opts.Repo)
	}
	if opts.Complexity != "" {
		query += " AND complexity = ?"
		args = append(args, opts.Complexity)
	}
	if opts.Since != nil {
		query += " AND timestamp >= ?"
		args = append(args, *opts.Since)
	}
	if opts.Until != nil {
		query += " AND timestamp <= ?"
		args = append(args, *opts.Until)
	}

	query += " ORDER BY timestamp DESC"

	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}
	if opts.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, opts.Offset)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list requests: %w", err)
	}
	defer rows.Close()

	var records []RequestRecord
	for rows.Next() {
		record, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan request: %w", err)
		}
		records = append(records, *record)
	}
	return records, nil
}

// Stats represents aggregate statistics over request history.
type Stats struct {
	TotalRequests        int64            `json:"total_requests"`
	TotalInputTokens     int64            `json:"total_input_tokens"`
	TotalOutputTokens    int64            `json:"total_output_tokens"`
	AvgLatencyMs         float64          `json:"avg_latency_ms"`
	RequestsByComplexity map[string]int64 `json:"requests_by_complexity"`
	RequestsByRepo       map[string]int64 `json:"requests_by_repo"`
}

// GetStats retrieves aggregate statistics, optionally scoped to requests
// since a given time.
func (s *SQLiteStore) GetStats(since *time.Time) (*Stats, error) {
	stats := &Stats{
		RequestsByComplexity: make(map[string]int64),
		RequestsByRepo:       make(map[string]int64),
	}

	whereClause := "WHERE 1=1"
	args := []interface{}{}
	if since != nil {
		whereClause += " AND timestamp >= ?"
		args = append(args, *since)
	}

	row := s.db.QueryRow(fmt.Sprintf(`
		SELECT
			COUNT(*),
			COALESCE(SUM(input_tokens), 0),
			COALESCE(SUM(output_tokens), 0),
			COALESCE(AVG(latency_ms), 0)
		FROM requests %s`, whereClause), args...)

	if err := row.Scan(&stats.TotalRequests, &stats.TotalInputTokens, &stats.TotalOutputTokens, &stats.AvgLatencyMs); err != nil {
		return nil, fmt.Errorf("failed to get aggregate stats: %w", err)
	}

	rows, err := s.db.Query(fmt.Sprintf(
		`SELECT complexity, COUNT(*) FROM requests %s GROUP BY complexity`, whereClause), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get complexity stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var complexity string
		var count int64
		if err := rows.Scan(&complexity, &count); err != nil {
			return nil, err
		}
		stats.RequestsByComplexity[complexity] = count
	}

	rows, err = s.db.Query(fmt.Sprintf(
		`SELECT repo, COUNT(*) FROM requests %s GROUP BY repo`, whereClause), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get repo stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var repo string
		var count int64
		if err := rows.Scan(&repo, &count); err != nil {
			return nil, err
		}
		stats.RequestsByRepo[repo] = count
	}

	return stats, nil
}

// TimeSeriesPoint represents a point in a time series.
type TimeSeriesPoint struct {
	Timestamp    time.Time `json:"timestamp"`
	RequestCount int64     `json:"request_count"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
}

// GetTimeSeries retrieves time-series data for the control API's dashboard.
func (s *SQLiteStore) GetTimeSeries(since time.Time, interval string) ([]TimeSeriesPoint, error) {
	var dateTrunc string
	switch interval {
	case "hour":
		dateTrunc = "strftime('%Y-%m-%d %H:00:00', datetime(timestamp))"
	case "day":
		dateTrunc = "strftime('%Y-%m-%d', datetime(timestamp))"
	case "minute":
		dateTrunc = "strftime('%Y-%m-%d %H:%M:00', datetime(timestamp))"
	default:
		dateTrunc = "strftime('%Y-%m-%d %H:00:00', datetime(timestamp))"
	}

	// #nosec G201 -- dateTrunc is only set from the hardcoded switch cases above, never user input
	query := fmt.Sprintf(`
		SELECT
			COALESCE(%s, 'unknown') as bucket,
			COUNT(*) as request_count,
			COALESCE(SUM(input_tokens), 0) as input_tokens,
			COALESCE(SUM(output_tokens), 0) as output_tokens
		FROM requests
		WHERE timestamp >= ?
		GROUP BY bucket
		HAVING bucket != 'unknown'
		ORDER BY bucket ASC`, dateTrunc)

	rows, err := s.db.Query(query, since)
	if err != nil {
		return nil, fmt.Errorf("failed to get time series: %w", err)
	}
	defer rows.Close()

	var points []TimeSeriesPoint
	for rows.Next() {
		var point TimeSeriesPoint
		var bucket string
		if err := rows.Scan(&bucket, &point.RequestCount, &point.InputTokens, &point.OutputTokens); err != nil {
			return nil, err
		}
		point.Timestamp, _ = time.Parse("2006-01-02 15:04:05", bucket)
		if point.Timestamp.IsZero() {
			point.Timestamp, _ = time.Parse("2006-01-02", bucket)
		}
		points = append(points, point)
	}
	return points, nil
}

// Cleanup removes request records older than retentionDays.
func (s *SQLiteStore) Cleanup(retentionDays int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	result, err := s.db.Exec("DELETE FROM requests WHERE timestamp < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup old requests: %w", err)
	}

	deleted, _ := result.RowsAffected()
	if deleted > 0 {
		slog.Info("cleaned up old requests", "deleted", deleted, "retention_days", retentionDays)
	}
	return deleted, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
