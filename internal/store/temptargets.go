package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mrcode/nightscout-aps/internal/models"
)

// Sources of a stored temporary target
const (
	SourceLocal      = "local"
	SourceNightscout = "nightscout"
)

// ActiveAt returns the temporary target covering the instant, nil if none
func (s *Store) ActiveAt(ctx context.Context, at time.Time) (*models.TemporaryTarget, error) {
	ms := at.UnixMilli()
	row := s.db.QueryRowContext(ctx, `
		SELECT id, started_at, duration_ms, low, high, reason
		FROM temp_targets
		WHERE started_at <= ? AND started_at + duration_ms > ?
		ORDER BY started_at DESC
		LIMIT 1`, ms, ms)

	var (
		tt                models.TemporaryTarget
		started, duration int64
	)
	err := row.Scan(&tt.ID, &started, &duration, &tt.LowTarget, &tt.HighTarget, &tt.Reason)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query active temp target: %w", err)
	}
	tt.Timestamp = time.UnixMilli(started)
	tt.Duration = time.Duration(duration) * time.Millisecond
	return &tt, nil
}

// Save stores a temporary target. A target still running when the new one
// starts is cut short. An empty ID gets a fresh one; an ID already stored
// is left as it is.
func (s *Store) Save(ctx context.Context, tt models.TemporaryTarget, source string) (string, error) {
	if tt.Duration <= 0 {
		return "", fmt.Errorf("temp target duration must be positive")
	}
	if tt.LowTarget <= 0 || tt.HighTarget < tt.LowTarget {
		return "", fmt.Errorf("invalid temp target range %.0f-%.0f", tt.LowTarget, tt.HighTarget)
	}
	if tt.ID == "" {
		tt.ID = uuid.NewString()
	}

	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		if err := truncate(ctx, tx, tt.Timestamp); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO temp_targets (id, started_at, duration_ms, low, high, reason, source)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO NOTHING`,
			tt.ID, tt.Timestamp.UnixMilli(), tt.Duration.Milliseconds(),
			tt.LowTarget, tt.HighTarget, tt.Reason, source)
		if err != nil {
			return fmt.Errorf("insert temp target: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	s.logger.Debug("temp target saved",
		zap.String("id", tt.ID),
		zap.String("source", source),
		zap.Time("start", tt.Timestamp),
		zap.Duration("duration", tt.Duration))
	return tt.ID, nil
}

// Cancel ends any temporary target running at the instant
func (s *Store) Cancel(ctx context.Context, at time.Time) error {
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		return truncate(ctx, tx, at)
	})
}

func truncate(ctx context.Context, tx *sql.Tx, at time.Time) error {
	ms := at.UnixMilli()
	_, err := tx.ExecContext(ctx, `
		UPDATE temp_targets SET duration_ms = ? - started_at
		WHERE started_at < ? AND started_at + duration_ms > ?`, ms, ms, ms)
	if err != nil {
		return fmt.Errorf("truncate temp targets: %w", err)
	}
	return nil
}

// TempTargetFeed lists "Temporary Target" treatments from Nightscout
type TempTargetFeed interface {
	TemporaryTargetsSince(ctx context.Context, since time.Time) ([]models.Treatment, error)
}

// Sync pulls temporary targets from the feed, oldest first, and returns how
// many entries were applied. Cancel entries end the running target.
func (s *Store) Sync(ctx context.Context, feed TempTargetFeed, since time.Time) (int, error) {
	treatments, err := feed.TemporaryTargetsSince(ctx, since)
	if err != nil {
		return 0, fmt.Errorf("fetching temp targets: %w", err)
	}
	sort.SliceStable(treatments, func(i, j int) bool {
		return treatments[i].Time().Before(treatments[j].Time())
	})

	applied := 0
	for i := range treatments {
		t := &treatments[i]
		if t.EventType != models.EventTypeTemporaryTarget {
			continue
		}
		tt, ok := t.TemporaryTarget()
		if !ok {
			if err := s.Cancel(ctx, t.Time()); err != nil {
				return applied, err
			}
			applied++
			continue
		}
		if _, err := s.Save(ctx, tt, SourceNightscout); err != nil {
			s.logger.Warn("skipping temp target", zap.String("id", t.ID), zap.Error(err))
			continue
		}
		applied++
	}
	return applied, nil
}
