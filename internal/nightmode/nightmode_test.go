package nightmode

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrcode/nightscout-aps/internal/hardlimits"
	"github.com/mrcode/nightscout-aps/internal/models"
	"github.com/mrcode/nightscout-aps/internal/notifications"
)

type fakeInputs struct {
	glucose *models.GlucoseStatus
	meal    models.MealData
	profile *models.Profile
	tt      *models.TemporaryTarget
}

func (f *fakeInputs) GlucoseStatus(context.Context) *models.GlucoseStatus { return f.glucose }
func (f *fakeInputs) MealData(context.Context) models.MealData            { return f.meal }
func (f *fakeInputs) Profile(context.Context) *models.Profile             { return f.profile }
func (f *fakeInputs) TempTargetAt(context.Context, time.Time) *models.TemporaryTarget {
	return f.tt
}

func targetProfile(target float64) *models.Profile {
	return &models.Profile{
		Name:     "test",
		DIA:      6,
		TargetLo: models.Schedule{{Offset: 0, Value: target}},
		TargetHi: models.Schedule{{Offset: 0, Value: target}},
		Location: time.UTC,
	}
}

func at(hour, minute int) time.Time {
	return time.Date(2024, 3, 10, hour, minute, 0, 0, time.UTC)
}

func newMode(t *testing.T, prefs map[string]any, now time.Time) (*Mode, *notifications.Recorder) {
	t.Helper()
	values := models.DefaultPreferenceValues()
	values[models.KeyNightModeEnabled] = true
	for k, v := range prefs {
		values[k] = v
	}
	rec := &notifications.Recorder{}
	m := New(models.NewPreferences(values), hardlimits.NewVerifier(models.AgeAdult, rec, nil), nil)
	m.WithClock(func() time.Time { return now })
	return m, rec
}

func TestInWindow(t *testing.T) {
	tests := []struct {
		name       string
		now        time.Time
		start, end time.Duration
		want       bool
	}{
		{"same day inside", at(12, 0), 9 * time.Hour, 17 * time.Hour, true},
		{"same day at start", at(9, 0), 9 * time.Hour, 17 * time.Hour, true},
		{"same day at end", at(17, 0), 9 * time.Hour, 17 * time.Hour, false},
		{"same day before", at(8, 59), 9 * time.Hour, 17 * time.Hour, false},
		{"crossing late evening", at(23, 30), 22 * time.Hour, 7 * time.Hour, true},
		{"crossing early morning", at(3, 0), 22 * time.Hour, 7 * time.Hour, true},
		{"crossing midday", at(12, 0), 22 * time.Hour, 7 * time.Hour, false},
		{"crossing at end", at(7, 0), 22 * time.Hour, 7 * time.Hour, false},
		{"crossing at start", at(22, 0), 22 * time.Hour, 7 * time.Hour, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, InWindow(tt.now, tt.start, tt.end))
		})
	}
}

func TestParseTimeOfDay(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"22:00", 22 * time.Hour, false},
		{"7:00", 7 * time.Hour, false},
		{"07:30", 7*time.Hour + 30*time.Minute, false},
		{"23:59:30", 23*time.Hour + 59*time.Minute + 30*time.Second, false},
		{"late", 0, true},
		{"25:00", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTimeOfDay(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestIsActive_Threshold(t *testing.T) {
	tests := []struct {
		name    string
		glucose float64
		want    bool
	}{
		{"at threshold", 127, false},
		{"just below", 126.9, true},
		{"high", 180, false},
		{"low", 80, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := newMode(t, nil, at(23, 30))
			in := &fakeInputs{
				glucose: &models.GlucoseStatus{Glucose: tt.glucose},
				profile: targetProfile(100),
			}
			assert.Equal(t, tt.want, m.IsActive(context.Background(), in))
		})
	}
}

func TestIsActive_Guards(t *testing.T) {
	ctx := context.Background()

	t.Run("disabled toggle", func(t *testing.T) {
		m, _ := newMode(t, map[string]any{models.KeyNightModeEnabled: false}, at(23, 30))
		in := &fakeInputs{glucose: &models.GlucoseStatus{Glucose: 90}, profile: targetProfile(100)}
		assert.False(t, m.IsActive(ctx, in))
	})

	t.Run("no glucose", func(t *testing.T) {
		m, _ := newMode(t, nil, at(23, 30))
		assert.False(t, m.IsActive(ctx, &fakeInputs{profile: targetProfile(100)}))
	})

	t.Run("outside window", func(t *testing.T) {
		m, _ := newMode(t, nil, at(12, 0))
		in := &fakeInputs{glucose: &models.GlucoseStatus{Glucose: 90}, profile: targetProfile(100)}
		assert.False(t, m.IsActive(ctx, in))
	})

	t.Run("custom same day window", func(t *testing.T) {
		m, _ := newMode(t, map[string]any{
			models.KeyNightModeStart: "09:00",
			models.KeyNightModeEnd:   "17:00",
		}, at(12, 0))
		in := &fakeInputs{glucose: &models.GlucoseStatus{Glucose: 90}, profile: targetProfile(100)}
		assert.True(t, m.IsActive(ctx, in))
	})

	t.Run("invalid window falls back to defaults", func(t *testing.T) {
		m, _ := newMode(t, map[string]any{models.KeyNightModeStart: "bedtime"}, at(23, 30))
		in := &fakeInputs{glucose: &models.GlucoseStatus{Glucose: 90}, profile: targetProfile(100)}
		assert.True(t, m.IsActive(ctx, in))
	})

	t.Run("no profile uses default target", func(t *testing.T) {
		m, _ := newMode(t, nil, at(23, 30))
		assert.True(t, m.IsActive(ctx, &fakeInputs{glucose: &models.GlucoseStatus{Glucose: 125.9}}))

		m, _ = newMode(t, nil, at(23, 30))
		assert.False(t, m.IsActive(ctx, &fakeInputs{glucose: &models.GlucoseStatus{Glucose: 126}}))
	})
}

func TestIsActive_COBOverride(t *testing.T) {
	ctx := context.Background()
	in := &fakeInputs{
		glucose: &models.GlucoseStatus{Glucose: 90},
		profile: targetProfile(100),
		meal:    models.MealData{MealCOB: 15},
	}

	m, _ := newMode(t, nil, at(23, 30))
	assert.True(t, m.IsActive(ctx, in), "override off ignores carbs")

	m, _ = newMode(t, map[string]any{models.KeyNightModeDisableWithCOB: true}, at(23, 30))
	assert.False(t, m.IsActive(ctx, in))

	in.meal.MealCOB = 0
	m, _ = newMode(t, map[string]any{models.KeyNightModeDisableWithCOB: true}, at(23, 30))
	assert.True(t, m.IsActive(ctx, in))
}

func TestIsActive_LowTempTargetOverride(t *testing.T) {
	ctx := context.Background()
	prefs := map[string]any{models.KeyNightModeDisableWithLowTT: true}

	t.Run("low temp target disables", func(t *testing.T) {
		m, _ := newMode(t, prefs, at(23, 30))
		in := &fakeInputs{
			glucose: &models.GlucoseStatus{Glucose: 90},
			profile: targetProfile(100),
			tt:      &models.TemporaryTarget{LowTarget: 80, HighTarget: 80},
		}
		assert.False(t, m.IsActive(ctx, in))
	})

	t.Run("high temp target keeps night mode", func(t *testing.T) {
		m, _ := newMode(t, prefs, at(23, 30))
		in := &fakeInputs{
			glucose: &models.GlucoseStatus{Glucose: 90},
			profile: targetProfile(100),
			tt:      &models.TemporaryTarget{LowTarget: 140, HighTarget: 140},
		}
		assert.True(t, m.IsActive(ctx, in))
	})

	t.Run("temp target is clamped first", func(t *testing.T) {
		m, rec := newMode(t, prefs, at(23, 30))
		in := &fakeInputs{
			glucose: &models.GlucoseStatus{Glucose: 60},
			profile: targetProfile(71),
			tt:      &models.TemporaryTarget{LowTarget: 50, HighTarget: 50},
		}
		// 50 clamps to 72, which is not below the profile target of 71
		assert.True(t, m.IsActive(ctx, in))
		assert.Len(t, rec.Messages(notifications.KindHardLimit), 1)
	})
}

func TestIsActive_MemoizedPerSecond(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 10, 23, 30, 0, 100*int(time.Millisecond), time.UTC)
	m, _ := newMode(t, nil, now)

	in := &fakeInputs{glucose: &models.GlucoseStatus{Glucose: 90}, profile: targetProfile(100)}
	require.True(t, m.IsActive(ctx, in))

	in.glucose = &models.GlucoseStatus{Glucose: 200}
	m.WithClock(func() time.Time { return now.Add(800 * time.Millisecond) })
	assert.True(t, m.IsActive(ctx, in), "same second returns the cached result")

	m.WithClock(func() time.Time { return now.Add(time.Second) })
	assert.False(t, m.IsActive(ctx, in), "next second re-evaluates")
}

func TestWithClock_ConcurrentWithQueries(t *testing.T) {
	ctx := context.Background()
	now := at(23, 30)
	m, _ := newMode(t, nil, now)
	in := &fakeInputs{glucose: &models.GlucoseStatus{Glucose: 90}, profile: targetProfile(100)}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := 0; n < 50; n++ {
				m.IsActive(ctx, in)
			}
		}()
		m.WithClock(func() time.Time { return now.Add(time.Duration(i) * time.Second) })
	}
	wg.Wait()
	assert.True(t, m.IsActive(ctx, in))
}
