package iob

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mrcode/nightscout-aps/internal/logging"
	"github.com/mrcode/nightscout-aps/internal/models"
)

const (
	historyWindow = 24 * time.Hour
	defaultTTL    = time.Minute
)

// History is the read side of the Nightscout data the calculator needs
type History interface {
	EntriesSince(ctx context.Context, since time.Time) ([]models.GlucoseEntry, error)
	TreatmentsSince(ctx context.Context, since time.Time) ([]models.Treatment, error)
}

// ProfileSource supplies the profile used for basal and sensitivity
type ProfileSource interface {
	CurrentProfile(ctx context.Context) (*models.Profile, error)
}

type snapshot struct {
	entries    []models.GlucoseEntry // newest first
	treatments []models.Treatment    // oldest first
	profile    *models.Profile
	loadedAt   time.Time
}

// Calculator computes loop inputs from cached Nightscout history
type Calculator struct {
	history  History
	profiles ProfileSource
	carbs    CarbModel
	logger   *zap.Logger
	now      func() time.Time
	ttl      time.Duration

	mu       sync.Mutex
	cached   *snapshot
	lastMeal atomic.Pointer[models.MealData]
}

// NewCalculator creates a calculator reading from history and profiles
func NewCalculator(history History, profiles ProfileSource, logger *zap.Logger) *Calculator {
	return &Calculator{
		history:  history,
		profiles: profiles,
		carbs:    DefaultCarbModel(),
		logger:   logging.OrNop(logger),
		now:      time.Now,
		ttl:      defaultTTL,
	}
}

// WithClock replaces the time source
func (c *Calculator) WithClock(now func() time.Time) *Calculator {
	c.now = now
	return c
}

// Invalidate drops cached history so the next call reloads it
func (c *Calculator) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cached = nil
}

// load returns the cached snapshot, refreshing it when older than the TTL.
// Caller must hold c.mu.
func (c *Calculator) load(ctx context.Context) (*snapshot, error) {
	now := c.now()
	if c.cached != nil && now.Sub(c.cached.loadedAt) < c.ttl {
		return c.cached, nil
	}

	since := now.Add(-historyWindow)
	entries, err := c.history.EntriesSince(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("loading entries: %w", err)
	}
	treatments, err := c.history.TreatmentsSince(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("loading treatments: %w", err)
	}

	var profile *models.Profile
	if c.profiles != nil {
		profile, err = c.profiles.CurrentProfile(ctx)
		if err != nil {
			c.logger.Warn("profile unavailable for iob", zap.Error(err))
		}
	}

	sorted := make([]models.GlucoseEntry, 0, len(entries))
	for _, e := range entries {
		if e.SGV > 0 && !e.Time().After(now) {
			sorted = append(sorted, e)
		}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Date > sorted[j].Date })

	ordered := make([]models.Treatment, len(treatments))
	copy(ordered, treatments)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Time().Before(ordered[j].Time()) })

	c.cached = &snapshot{entries: sorted, treatments: ordered, profile: profile, loadedAt: now}
	c.logger.Debug("history loaded",
		zap.Int("entries", len(sorted)),
		zap.Int("treatments", len(ordered)))
	return c.cached, nil
}

// CurrentStatus returns the glucose status of the newest reading, nil when
// there is no recent reading
func (c *Calculator) CurrentStatus(ctx context.Context) (*models.GlucoseStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap, err := c.load(ctx)
	if err != nil {
		return nil, err
	}
	return glucoseStatus(snap.entries, c.now()), nil
}

// Quality classifies the recent glucose data
func (c *Calculator) Quality(ctx context.Context) models.BgQuality {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap, err := c.load(ctx)
	if err != nil {
		c.logger.Warn("quality check without data", zap.Error(err))
		return models.BgQualityUnknown
	}
	return quality(snap.entries, c.now())
}

// MealData returns carbohydrate state. When waitForCalculation is false and
// another call is computing, the previous result is returned instead.
func (c *Calculator) MealData(ctx context.Context, waitForCalculation bool) (*models.MealData, error) {
	if waitForCalculation {
		c.mu.Lock()
	} else if !c.mu.TryLock() {
		return c.previousMeal(), nil
	}
	defer c.mu.Unlock()

	snap, err := c.load(ctx)
	if err != nil {
		return nil, err
	}
	meal := mealData(snap, c.carbs, c.now())
	stored := meal
	c.lastMeal.Store(&stored)
	return &meal, nil
}

func (c *Calculator) previousMeal() *models.MealData {
	last := c.lastMeal.Load()
	if last == nil {
		return &models.MealData{}
	}
	m := *last
	return &m
}

// LatestAutosensResult runs the sensitivity analysis over the last day.
// It returns nil when there is no glucose history to analyze.
func (c *Calculator) LatestAutosensResult(ctx context.Context) (*models.AutosensResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap, err := c.load(ctx)
	if err != nil {
		return nil, err
	}
	if len(snap.entries) == 0 || snap.profile == nil {
		return nil, nil
	}
	res := autosens(snap, c.carbs, c.now())
	return &res, nil
}

// SeriesOptions tunes the insulin on board series
type SeriesOptions struct {
	Autosens        models.AutosensResult
	ExerciseMode    bool
	HalfBasalTarget float64
	IsTempTarget    bool
	Target          float64 // mg/dL, used with exercise mode
}

// Series returns insulin on board now and every five minutes for the next
// four hours
func (c *Calculator) Series(ctx context.Context, opts SeriesOptions) ([]models.IobTotal, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap, err := c.load(ctx)
	if err != nil {
		return nil, err
	}
	if snap.profile == nil {
		return nil, fmt.Errorf("iob series: no profile")
	}
	return series(snap, c.now(), basalRatio(opts)), nil
}

// TempBasalAt returns the temp basal running at the instant, falling back to
// a running extended bolus converted to an absolute rate
func (c *Calculator) TempBasalAt(ctx context.Context, at time.Time) (*models.TempBasal, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap, err := c.load(ctx)
	if err != nil {
		return nil, err
	}
	return tempBasalAt(snap, at), nil
}

func tempBasalAt(snap *snapshot, at time.Time) *models.TempBasal {
	// the last temp basal event before the instant decides, a cancel
	// entry (zero duration) included
	var found, extended *models.TempBasal
	for i := range snap.treatments {
		t := &snap.treatments[i]
		if t.Time().After(at) {
			break
		}
		switch t.EventType {
		case models.EventTypeTempBasal:
			found = nil
			if tb, ok := t.TempBasal(); ok && tb.ActiveAt(at) {
				found = &tb
			}
		case models.EventTypeComboBolus:
			if eb, ok := t.ExtendedBolus(); ok && eb.ActiveAt(at) {
				extended = &eb
			}
		}
	}
	if found != nil {
		return found
	}
	if extended != nil && snap.profile != nil {
		extended.Rate += snap.profile.BasalAt(at)
		return extended
	}
	return nil
}
