// Package storage persists an audit trail of scored requests: one row per
// request whose aggregate score reached the warning threshold, bounded by a
// retention window. It exists so an operator can later ask "why was this
// fingerprint banned" without replaying traffic.
package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

// AuditRecord is one scored-and-flagged request.
type AuditRecord struct {
	ID             int64              `json:"id"`
	Fingerprint    string             `json:"fingerprint"`
	ClientAddr     string             `json:"client_addr"`
	Timestamp      time.Time          `json:"timestamp"`
	Score          float64            `json:"score"`
	Decision       string             `json:"decision"` // "warn", "block", or "ban"
	AnalyzerScores map[string]float64 `json:"analyzer_scores,omitempty"`
	Path           string             `json:"path,omitempty"`
}

// SQLiteStore provides persistent storage for the audit log.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if necessary) a SQLite-backed audit log.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	store := &SQLiteStore{db: db}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	slog.Info("sqlite audit log initialized", "path", dbPath)
	return store, nil
}

// migrate creates the necessary tables
func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS audit_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		fingerprint TEXT NOT NULL,
		client_addr TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		score REAL NOT NULL,
		decision TEXT NOT NULL,
		analyzer_scores TEXT,
		path TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_audit_log_fingerprint ON audit_log(fingerprint);
	CREATE INDEX IF NOT EXISTS idx_audit_log_timestamp ON audit_log(timestamp);
	CREATE INDEX IF NOT EXISTS idx_audit_log_decision ON audit_log(decision);
	`

	_, err := s.db.Exec(schema)
	return err
}

// SaveRequest appends one row to the audit log.
func (s *SQLiteStore) SaveRequest(record AuditRecord) error {
	analyzerScores, err := json.Marshal(record.AnalyzerScores)
	if err != nil {
		analyzerScores = []byte("{}")
	}

	_, err = s.db.Exec(`
		INSERT INTO audit_log
		(fingerprint, client_addr, timestamp, score, decision, analyzer_scores, path)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		record.Fingerprint,
		record.ClientAddr,
		record.Timestamp,
		record.Score,
		record.Decision,
		string(analyzerScores),
		record.Path,
	)
	if err != nil {
		return fmt.Errorf("failed to save audit record: %w", err)
	}

	slog.Debug("audit record saved",
		"fingerprint", record.Fingerprint,
		"decision", record.Decision,
		"score", record.Score,
	)
	return nil
}

// ListRequestsOptions filters and paginates ListRequests.
type ListRequestsOptions struct {
	Limit       int
	Offset      int
	Fingerprint string
	Decision    string
	Since       *time.Time
	Until       *time.Time
}

// ListRequests retrieves audit records with filtering and pagination.
func (s *SQLiteStore) ListRequests(opts ListRequestsOptions) ([]AuditRecord, error) {
	query := `
		SELECT id, fingerprint, client_addr, timestamp, score, decision, analyzer_scores, path
		FROM audit_log WHERE 1=1`

	args := []interface{}{}

	if opts.Fingerprint != "" {
		query += " AND fingerprint = ?"
		args = append(args, opts.Fingerprint)
	}
	if opts.Decision != "" {
		query += " AND decision = ?"
		args = append(args, opts.Decision)
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
		return nil, fmt.Errorf("failed to list audit records: %w", err)
	}
	defer rows.Close()

	var records []AuditRecord
	for rows.Next() {
		var record AuditRecord
		var analyzerScoresStr sql.NullString
		var pathStr sql.NullString
		err := rows.Scan(
			&record.ID,
			&record.Fingerprint,
			&record.ClientAddr,
			&record.Timestamp,
			&record.Score,
			&record.Decision,
			&analyzerScoresStr,
			&pathStr,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit record: %w", err)
		}

		if analyzerScoresStr.Valid && analyzerScoresStr.String != "" {
			_ = json.Unmarshal([]byte(analyzerScoresStr.String), &record.AnalyzerScores)
		}
		record.Path = pathStr.String

		records = append(records, record)
	}

	return records, nil
}

// Stats represents aggregate statistics over the audit log.
type Stats struct {
	TotalRequests      int64            `json:"total_requests"`
	AvgScore           float64          `json:"avg_score"`
	RequestsByDecision map[string]int64 `json:"requests_by_decision"`
}

// GetStats retrieves aggregate statistics, optionally since a point in time.
func (s *SQLiteStore) GetStats(since *time.Time) (*Stats, error) {
	stats := &Stats{
		RequestsByDecision: make(map[string]int64),
	}

	whereClause := "WHERE 1=1"
	args := []interface{}{}
	if since != nil {
		whereClause += " AND timestamp >= ?"
		args = append(args, *since)
	}

	row := s.db.QueryRow(fmt.Sprintf(`
		SELECT COUNT(*), COALESCE(AVG(score), 0)
		FROM audit_log %s`, whereClause), args...)

	if err := row.Scan(&stats.TotalRequests, &stats.AvgScore); err != nil {
		return nil, fmt.Errorf("failed to get aggregate stats: %w", err)
	}

	rows, err := s.db.Query(fmt.Sprintf(`
		SELECT decision, COUNT(*) FROM audit_log %s GROUP BY decision`, whereClause), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get decision stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var decision string
		var count int64
		if err := rows.Scan(&decision, &count); err != nil {
			return nil, err
		}
		stats.RequestsByDecision[decision] = count
	}

	return stats, nil
}

// Cleanup deletes audit records older than retentionDays.
func (s *SQLiteStore) Cleanup(retentionDays int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	result, err := s.db.Exec("DELETE FROM audit_log WHERE timestamp < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup old audit records: %w", err)
	}

	deleted, _ := result.RowsAffected()
	if deleted > 0 {
		slog.Info("cleaned up old audit records", "deleted", deleted, "retention_days", retentionDays)
	}
	return deleted, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
