package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrcode/nightscout-aps/internal/models"
)

var t0 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "nested", "aps.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func target(start time.Time, d time.Duration, value float64) models.TemporaryTarget {
	return models.TemporaryTarget{Timestamp: start, Duration: d, LowTarget: value, HighTarget: value, Reason: "test"}
}

func TestStore_ActiveAt(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	id, err := s.Save(ctx, target(t0, time.Hour, 140), SourceLocal)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	tests := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"before", t0.Add(-time.Minute), false},
		{"at start", t0, true},
		{"inside", t0.Add(30 * time.Minute), true},
		{"at end", t0.Add(time.Hour), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.ActiveAt(ctx, tt.at)
			require.NoError(t, err)
			if !tt.want {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, id, got.ID)
			assert.Equal(t, 140.0, got.Target())
			assert.Equal(t, time.Hour, got.Duration)
			assert.True(t, t0.Equal(got.Timestamp))
		})
	}
}

func TestStore_SaveCutsRunningTarget(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	_, err := s.Save(ctx, target(t0, 2*time.Hour, 140), SourceLocal)
	require.NoError(t, err)
	second, err := s.Save(ctx, target(t0.Add(30*time.Minute), 15*time.Minute, 80), SourceLocal)
	require.NoError(t, err)

	got, err := s.ActiveAt(ctx, t0.Add(35*time.Minute))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, second, got.ID)

	// the first target does not come back after the second ends
	got, err = s.ActiveAt(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStore_Cancel(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	_, err := s.Save(ctx, target(t0, time.Hour, 140), SourceLocal)
	require.NoError(t, err)
	require.NoError(t, s.Cancel(ctx, t0.Add(10*time.Minute)))

	got, err := s.ActiveAt(ctx, t0.Add(5*time.Minute))
	require.NoError(t, err)
	assert.NotNil(t, got)

	got, err = s.ActiveAt(ctx, t0.Add(15*time.Minute))
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStore_SaveRejectsInvalid(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	_, err := s.Save(ctx, target(t0, 0, 140), SourceLocal)
	assert.Error(t, err)

	bad := target(t0, time.Hour, 140)
	bad.HighTarget = 100
	_, err = s.Save(ctx, bad, SourceLocal)
	assert.Error(t, err)
}

type fakeFeed struct {
	treatments []models.Treatment
	err        error
}

func (f fakeFeed) TemporaryTargetsSince(context.Context, time.Time) ([]models.Treatment, error) {
	return f.treatments, f.err
}

func TestStore_Sync(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	feed := fakeFeed{treatments: []models.Treatment{
		// newest first, as Nightscout returns them
		{ID: "cancel", EventType: models.EventTypeTemporaryTarget, Date: t0.Add(20 * time.Minute).UnixMilli()},
		{ID: "tt1", EventType: models.EventTypeTemporaryTarget, Date: t0.UnixMilli(), Duration: 60,
			TargetBottom: 7.5, TargetTop: 7.5, Units: "mmol", Reason: "Activity"},
		{ID: "bolus", EventType: models.EventTypeCorrection, Date: t0.UnixMilli(), Insulin: 1},
	}}

	n, err := s.Sync(ctx, feed, t0.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := s.ActiveAt(ctx, t0.Add(10*time.Minute))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "tt1", got.ID)
	assert.InDelta(t, 135.1, got.Target(), 0.1)

	got, err = s.ActiveAt(ctx, t0.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Nil(t, got, "cancel entry ends the target")

	// syncing again keeps the cancelled duration
	_, err = s.Sync(ctx, feed, t0.Add(-time.Hour))
	require.NoError(t, err)
	got, err = s.ActiveAt(ctx, t0.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStore_SyncFeedError(t *testing.T) {
	s := openTest(t)
	_, err := s.Sync(context.Background(), fakeFeed{err: errors.New("offline")}, t0)
	assert.ErrorContains(t, err, "offline")
}

func TestStore_Results(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	for i, rate := range []float64{0.5, 1.2} {
		res := &models.DosingResult{
			Rate:               rate,
			Duration:           30,
			TempBasalRequested: true,
			Reason:             "test",
			InputConstraints:   []models.Reason{{Source: "aps", Message: "max basal"}},
			Timestamp:          t0.Add(time.Duration(i) * 5 * time.Minute),
		}
		require.NoError(t, s.RecordResult(ctx, "cycle", "test", res))
	}

	recs, err := s.RecentResults(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, 1.2, recs[0].Result.Rate)
	assert.Equal(t, 0.5, recs[1].Result.Rate)
	assert.Equal(t, "aps: max basal", recs[0].Result.InputConstraints[0].String())
	assert.True(t, t0.Add(5*time.Minute).Equal(recs[0].CreatedAt))

	recs, err = s.RecentResults(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}
