package auditlog

import (
	"context"
	"database/sql"
	"time"
)

// SQLiteSink persists entries in the audit_log table.
type SQLiteSink struct {
	db *sql.DB
}

func NewSQLiteSink(db *sql.DB) *SQLiteSink {
	return &SQLiteSink{db: db}
}

func (s *SQLiteSink) WriteEntry(ctx context.Context, e Entry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (run_id, seq, ts, severity, message)
		VALUES (?, ?, ?, ?, ?)
	`, e.RunID, e.Seq, e.Time.Format(time.RFC3339Nano), string(e.Severity), e.Message)
	return err
}

func (s *SQLiteSink) Entries(ctx context.Context, runID string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, seq, ts, severity, message
		FROM audit_log WHERE run_id = ? ORDER BY seq ASC
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var ts, severity string
		if err := rows.Scan(&e.RunID, &e.Seq, &ts, &severity, &e.Message); err != nil {
			return nil, err
		}
		e.Severity = Severity(severity)
		e.Time, _ = time.Parse(time.RFC3339Nano, ts)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
