package stats

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lopxy/lopxy/lopxy-srv/status"
)

// schemaFor returns the DDL of the request_status table per driver
func schemaFor(driver string) []string {
	idColumn := "id INTEGER PRIMARY KEY AUTOINCREMENT"
	if driver == "postgres" {
		idColumn = "id BIGSERIAL PRIMARY KEY"
	}
	return []string{
		`CREATE TABLE IF NOT EXISTS request_status (
			` + idColumn + `,
			timestamp_ms BIGINT NOT NULL,
			pid BIGINT NOT NULL DEFAULT 0,
			bin_name TEXT NOT NULL DEFAULT '',
			path TEXT NOT NULL,
			status TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_request_status_timestamp ON request_status(timestamp_ms)`,
		`CREATE INDEX IF NOT EXISTS idx_request_status_path ON request_status(path)`,
	}
}

func initSchema(db *sql.DB, driver string) error {
	for _, stmt := range schemaFor(driver) {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("schema initialization failed: %w", err)
		}
	}
	return nil
}

// sqlStore shares the query code of the sqlite and postgres collectors.
// Only the placeholder style differs.
type sqlStore struct {
	db          *sql.DB
	placeholder func(n int) string
}

func (s *sqlStore) insertStatus(ctx context.Context, rec status.Record) error {
	query := fmt.Sprintf(
		`INSERT INTO request_status (timestamp_ms, pid, bin_name, path, status) VALUES (%s, %s, %s, %s, %s)`,
		s.placeholder(1), s.placeholder(2), s.placeholder(3), s.placeholder(4), s.placeholder(5))
	if _, err := s.db.ExecContext(ctx, query, rec.Timestamp, int64(rec.PID), rec.BinName, rec.Path, rec.Status); err != nil {
		return fmt.Errorf("failed to record status: %w", err)
	}
	return nil
}

func (s *sqlStore) recentStatus(ctx context.Context, limit int) (records []status.Record, err error) {
	if limit <= 0 {
		limit = status.DefaultCapacity
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT timestamp_ms, pid, bin_name, path, status FROM request_status
		 ORDER BY timestamp_ms DESC, id DESC LIMIT %s`, s.placeholder(1)), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query status history: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	records = []status.Record{}
	for rows.Next() {
		var rec status.Record
		var pid int64
		if err := rows.Scan(&rec.Timestamp, &pid, &rec.BinName, &rec.Path, &rec.Status); err != nil {
			return nil, fmt.Errorf("failed to scan status row: %w", err)
		}
		rec.PID = uint32(pid)
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *sqlStore) topFailingPaths(ctx context.Context, limit int) (summaries []PathSummary, err error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT r.path, c.cnt, r.status, r.timestamp_ms
		 FROM request_status r
		 JOIN (SELECT path, COUNT(*) AS cnt, MAX(id) AS last_id FROM request_status GROUP BY path) c
		   ON r.id = c.last_id
		 ORDER BY c.cnt DESC, r.timestamp_ms DESC
		 LIMIT %s`, s.placeholder(1)), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query failing paths: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	summaries = []PathSummary{}
	for rows.Next() {
		var sum PathSummary
		var lastMs int64
		if err := rows.Scan(&sum.Path, &sum.Count, &sum.LastStatus, &lastMs); err != nil {
			return nil, fmt.Errorf("failed to scan path summary: %w", err)
		}
		sum.LastSeen = time.UnixMilli(lastMs)
		summaries = append(summaries, sum)
	}
	return summaries, rows.Err()
}
