package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// CallRecord is one row of the call detail table.
type CallRecord struct {
	ID              int64
	CallID          string
	RemoteURI       string
	RemoteIP        string
	StartTime       time.Time
	EndTime         *time.Time
	DurationSeconds int
	Disposition     string // "completed", "rejected", "rtp-timeout", ...
	TranscriptCount int
	OrderItems      int
}

// CreateCallRecord inserts a record for a call that just started.
func (s *Store) CreateCallRecord(ctx context.Context, rec *CallRecord) error {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO call_records (call_id, remote_uri, remote_ip, start_time)
		 VALUES (?, ?, ?, ?)`,
		rec.CallID, rec.RemoteURI, rec.RemoteIP, rec.StartTime.UTC(),
	)
	if err != nil {
		return fmt.Errorf("inserting call record: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	rec.ID = id
	return nil
}

// FinishCallRecord fills in the end-of-call fields.
func (s *Store) FinishCallRecord(ctx context.Context, id int64, endTime time.Time, disposition string, transcripts, orderItems int) error {
	duration := 0
	var start time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT start_time FROM call_records WHERE id = ?`, id,
	).Scan(&start)
	if err != nil {
		return fmt.Errorf("loading call record %d: %w", id, err)
	}
	if endTime.After(start) {
		duration = int(endTime.Sub(start).Seconds())
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE call_records
		 SET end_time = ?, duration_seconds = ?, disposition = ?,
		     transcript_count = ?, order_items = ?
		 WHERE id = ?`,
		endTime.UTC(), duration, disposition, transcripts, orderItems, id,
	)
	if err != nil {
		return fmt.Errorf("finishing call record %d: %w", id, err)
	}
	return nil
}

// RecentCalls returns the newest call records, most recent first.
func (s *Store) RecentCalls(ctx context.Context, limit int) ([]CallRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, call_id, remote_uri, remote_ip, start_time, end_time,
		        duration_seconds, disposition, transcript_count, order_items
		 FROM call_records ORDER BY start_time DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying call records: %w", err)
	}
	defer rows.Close()

	var out []CallRecord
	for rows.Next() {
		var rec CallRecord
		var end sql.NullTime
		if err := rows.Scan(
			&rec.ID, &rec.CallID, &rec.RemoteURI, &rec.RemoteIP,
			&rec.StartTime, &end, &rec.DurationSeconds, &rec.Disposition,
			&rec.TranscriptCount, &rec.OrderItems,
		); err != nil {
			return nil, fmt.Errorf("scanning call record: %w", err)
		}
		if end.Valid {
			t := end.Time
			rec.EndTime = &t
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CallCount returns the total number of recorded calls.
func (s *Store) CallCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM call_records`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting call records: %w", err)
	}
	return n, nil
}
