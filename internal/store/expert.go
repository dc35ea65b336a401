package store

import (
	"context"
	"fmt"
	"time"

	"github.com/shkvoice/shkvoice/internal/expert"
)

// ExpertStats is the aggregate view over recorded expert queries.
type ExpertStats struct {
	TotalQueries   int            `json:"total_queries"`
	SuccessCount   int            `json:"success_count"`
	AvgConfidence  float64        `json:"avg_confidence"`
	AvgLatencyMS   int            `json:"avg_latency_ms"`
	QueriesByModel map[string]int `json:"queries_by_model"`
}

// RecordExpertQuery persists one expert consultation. Satisfies
// expert.Recorder.
func (s *Store) RecordExpertQuery(ctx context.Context, rec expert.QueryRecord) error {
	success := 0
	if rec.Success {
		success = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO expert_queries (question, model, urgency, confidence, success, latency_ms)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.Question, rec.Model, rec.Urgency, rec.Confidence, success,
		rec.Latency.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("inserting expert query: %w", err)
	}
	return nil
}

// ExpertStats aggregates the recorded queries.
func (s *Store) ExpertStats(ctx context.Context) (ExpertStats, error) {
	stats := ExpertStats{QueriesByModel: make(map[string]int)}

	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COALESCE(SUM(success), 0),
		        COALESCE(AVG(confidence), 0),
		        COALESCE(AVG(latency_ms), 0)
		 FROM expert_queries`,
	).Scan(&stats.TotalQueries, &stats.SuccessCount, &stats.AvgConfidence, &stats.AvgLatencyMS)
	if err != nil {
		return stats, fmt.Errorf("aggregating expert queries: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT model, COUNT(*) FROM expert_queries GROUP BY model`,
	)
	if err != nil {
		return stats, fmt.Errorf("grouping expert queries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var model string
		var n int
		if err := rows.Scan(&model, &n); err != nil {
			return stats, fmt.Errorf("scanning model group: %w", err)
		}
		stats.QueriesByModel[model] = n
	}
	return stats, rows.Err()
}

// RecentExpertQueries returns the newest query records for diagnostics.
type ExpertQueryRow struct {
	ID         int64     `json:"id"`
	Question   string    `json:"question"`
	Model      string    `json:"model"`
	Urgency    string    `json:"urgency"`
	Confidence float64   `json:"confidence"`
	Success    bool      `json:"success"`
	LatencyMS  int       `json:"latency_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

func (s *Store) RecentExpertQueries(ctx context.Context, limit int) ([]ExpertQueryRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, question, model, urgency, confidence, success, latency_ms, created_at
		 FROM expert_queries ORDER BY created_at DESC, id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying expert queries: %w", err)
	}
	defer rows.Close()

	var out []ExpertQueryRow
	for rows.Next() {
		var r ExpertQueryRow
		var success int
		if err := rows.Scan(&r.ID, &r.Question, &r.Model, &r.Urgency, &r.Confidence, &success, &r.LatencyMS, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning expert query: %w", err)
		}
		r.Success = success != 0
		out = append(out, r)
	}
	return out, rows.Err()
}
