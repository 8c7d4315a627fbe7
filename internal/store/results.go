package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mrcode/nightscout-aps/internal/models"
)

// ResultRecord is one published dosing result
type ResultRecord struct {
	CycleID   string
	Initiator string
	CreatedAt time.Time
	Result    models.DosingResult
}

// RecordResult appends a published result to the audit log
func (s *Store) RecordResult(ctx context.Context, cycleID, initiator string, res *models.DosingResult) error {
	payload, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO results (cycle_id, initiator, created_at, payload) VALUES (?, ?, ?, ?)`,
		cycleID, initiator, res.Timestamp.UnixMilli(), payload)
	if err != nil {
		return fmt.Errorf("insert result: %w", err)
	}
	return nil
}

// RecentResults returns up to limit results, newest first
func (s *Store) RecentResults(ctx context.Context, limit int) ([]ResultRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT cycle_id, initiator, created_at, payload FROM results ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("select results: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []ResultRecord
	for rows.Next() {
		var (
			rec     ResultRecord
			created int64
			payload []byte
		)
		if err := rows.Scan(&rec.CycleID, &rec.Initiator, &created, &payload); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		if err := json.Unmarshal(payload, &rec.Result); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
		rec.CreatedAt = time.UnixMilli(created)
		out = append(out, rec)
	}
	return out, rows.Err()
}
