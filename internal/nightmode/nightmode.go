// Package nightmode decides whether night safety rules restrict dosing.
// The result is memoized per whole second and shared by every caller of a
// Mode, inside and outside the loop cycle.
package nightmode

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mrcode/nightscout-aps/internal/hardlimits"
	"github.com/mrcode/nightscout-aps/internal/logging"
	"github.com/mrcode/nightscout-aps/internal/metrics"
	"github.com/mrcode/nightscout-aps/internal/models"
)

const (
	defaultStart         = 22 * time.Hour
	defaultEnd           = 7 * time.Hour
	defaultProfileTarget = 99.0
	day                  = 24 * time.Hour
)

// Inputs supplies the data night mode reads. A loop session satisfies it.
type Inputs interface {
	GlucoseStatus(ctx context.Context) *models.GlucoseStatus
	MealData(ctx context.Context) models.MealData
	Profile(ctx context.Context) *models.Profile
	TempTargetAt(ctx context.Context, at time.Time) *models.TemporaryTarget
}

// Mode evaluates night safety mode from preferences
type Mode struct {
	prefs    *models.Preferences
	verifier *hardlimits.Verifier
	logger   *zap.Logger
	now      func() time.Time

	mu         sync.Mutex
	evaluated  bool
	lastSecond int64
	lastResult bool
}

// New creates a night mode evaluator reading the given preferences
func New(prefs *models.Preferences, verifier *hardlimits.Verifier, logger *zap.Logger) *Mode {
	return &Mode{
		prefs:    prefs,
		verifier: verifier,
		logger:   logging.OrNop(logger),
		now:      time.Now,
	}
}

// WithClock replaces the time source, for tests and replays. The cached
// result is kept.
func (m *Mode) WithClock(now func() time.Time) *Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
	return m
}

// IsActive reports whether night mode restricts dosing right now. Within the
// same whole second the previous result is returned without re-evaluation.
func (m *Mode) IsActive(ctx context.Context, in Inputs) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	second := now.Unix()
	if m.evaluated && second == m.lastSecond {
		metrics.NightModeEvaluations.WithLabelValues("true").Inc()
		return m.lastResult
	}

	m.lastResult = m.evaluate(ctx, now, in)
	m.lastSecond = second
	m.evaluated = true

	metrics.NightModeEvaluations.WithLabelValues("false").Inc()
	if m.lastResult {
		metrics.NightModeActive.Set(1)
	} else {
		metrics.NightModeActive.Set(0)
	}
	return m.lastResult
}

func (m *Mode) evaluate(ctx context.Context, now time.Time, in Inputs) bool {
	if !m.prefs.GetBool(models.KeyNightModeEnabled, false) {
		return false
	}
	glucose := in.GlucoseStatus(ctx)
	if glucose == nil {
		return false
	}

	startOfDay := m.timeOfDay(models.KeyNightModeStart, "22:00", defaultStart)
	endOfDay := m.timeOfDay(models.KeyNightModeEnd, "07:00", defaultEnd)
	if !InWindow(now, startOfDay, endOfDay) {
		return false
	}

	if m.prefs.GetBool(models.KeyNightModeDisableWithCOB, false) && in.MealData(ctx).MealCOB > 0 {
		return false
	}

	profileTarget := defaultProfileTarget
	if p := in.Profile(ctx); p != nil {
		profileTarget = p.TargetMgdl(now)
	}

	if m.prefs.GetBool(models.KeyNightModeDisableWithLowTT, false) {
		if tt := in.TempTargetAt(ctx, now); tt != nil {
			target := tt.Target()
			if m.verifier != nil {
				target = m.verifier.Clamp("temp target value", target, hardlimits.VeryHardLimitTempTargetBG)
			}
			if target < profileTarget {
				return false
			}
		}
	}

	offset := m.prefs.GetDouble(models.KeyNightModeBgOffset, 27.0)
	return glucose.Glucose < profileTarget+offset
}

func (m *Mode) timeOfDay(key, def string, fallback time.Duration) time.Duration {
	raw := m.prefs.GetString(key, def)
	d, err := ParseTimeOfDay(raw)
	if err != nil {
		m.logger.Warn("invalid night mode time, using default", zap.String("key", key), zap.String("value", raw), zap.Error(err))
		return fallback
	}
	return d
}

// InWindow reports whether t falls in the daily window [start, end). When
// end is not after start the window crosses midnight.
func InWindow(t time.Time, startOfDay, endOfDay time.Duration) bool {
	midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	start := midnight.Add(startOfDay)
	end := midnight.Add(endOfDay)

	if end.After(start) {
		return within(t, start, end)
	}
	return within(t, start.Add(-day), end) || within(t, start, end.Add(day))
}

func within(t, from, to time.Time) bool {
	return !t.Before(from) && t.Before(to)
}

// ParseTimeOfDay parses "H:MM", "HH:MM" or "HH:MM:SS" into the offset from
// midnight
func ParseTimeOfDay(s string) (time.Duration, error) {
	for _, layout := range []string{"15:04", "15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return time.Duration(t.Hour())*time.Hour +
				time.Duration(t.Minute())*time.Minute +
				time.Duration(t.Second())*time.Second, nil
		}
	}
	return 0, fmt.Errorf("time of day %q: expected HH:MM or HH:MM:SS", s)
}
