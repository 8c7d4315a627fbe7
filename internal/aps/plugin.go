// Package aps runs the SMB loop cycle: it resolves constraints, checks hard
// limits, assembles the dosing request, calls the engine and publishes the
// post-processed result.
package aps

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mrcode/nightscout-aps/internal/constraints"
	"github.com/mrcode/nightscout-aps/internal/hardlimits"
	"github.com/mrcode/nightscout-aps/internal/iob"
	"github.com/mrcode/nightscout-aps/internal/logging"
	"github.com/mrcode/nightscout-aps/internal/models"
	"github.com/mrcode/nightscout-aps/internal/nightmode"
	"github.com/mrcode/nightscout-aps/internal/notifications"
	"github.com/mrcode/nightscout-aps/internal/session"
)

// Cycle abort reasons
var (
	ErrMissingProfile         = errors.New("no profile set")
	ErrPluginDisabled         = errors.New("loop disabled")
	ErrMissingGlucose         = errors.New("no glucose data available")
	ErrMissingSensitivityData = errors.New("no autosens data available")
)

// Engine computes a dosing recommendation. A nil result or an error both
// mean no recommendation for this cycle.
type Engine interface {
	Invoke(ctx context.Context, req *models.DosingRequest) (*models.DosingResult, error)
}

// IOBSource provides the insulin and sensitivity data of a cycle
type IOBSource interface {
	LatestAutosensResult(ctx context.Context) (*models.AutosensResult, error)
	Series(ctx context.Context, opts iob.SeriesOptions) ([]models.IobTotal, error)
	TempBasalAt(ctx context.Context, at time.Time) (*models.TempBasal, error)
}

// QualityCheck reports the state of the recent glucose readings
type QualityCheck interface {
	Quality(ctx context.Context) models.BgQuality
}

// Pump reports what the connected pump currently delivers
type Pump interface {
	BaseBasalRate(ctx context.Context) float64
	TempBasalCapable(ctx context.Context) (bool, error)
}

// ResultRecorder keeps an audit log of published results
type ResultRecorder interface {
	RecordResult(ctx context.Context, cycleID, initiator string, res *models.DosingResult) error
}

// Deps are the collaborators of the plugin. Recorder is optional.
type Deps struct {
	Sources  session.Sources
	IOB      IOBSource
	Quality  QualityCheck
	Pump     Pump
	Engine   Engine
	Sink     notifications.Sink
	Recorder ResultRecorder
}

// Options are fixed at construction
type Options struct {
	// DynamicISF marks the dynamic sensitivity variant of the plugin. Only
	// then can the use_dynamic_isf preference switch it on, and autosens is
	// disabled while it is on.
	DynamicISF      bool
	ExerciseMode    bool
	HalfBasalTarget float64
	// EngineTimeout bounds one engine call; zero waits indefinitely
	EngineTimeout time.Duration
}

// Plugin is the SMB loop plugin
type Plugin struct {
	prefs    *models.Preferences
	verifier *hardlimits.Verifier
	night    *nightmode.Mode
	deps     Deps
	opts     Options
	extra    []constraints.Provider
	logger   *zap.Logger
	now      func() time.Time

	cycleMu sync.Mutex

	mu           sync.RWMutex
	lastResult   *models.DosingResult
	lastRequest  *models.DosingRequest
	lastRun      time.Time
	lastAutosens models.AutosensResult
}

// New creates the plugin. Extra providers run after the plugin's own
// constraints in the given order.
func New(prefs *models.Preferences, verifier *hardlimits.Verifier, night *nightmode.Mode, deps Deps, opts Options, logger *zap.Logger, extra ...constraints.Provider) *Plugin {
	if opts.HalfBasalTarget == 0 {
		opts.HalfBasalTarget = 160
	}
	return &Plugin{
		prefs:        prefs,
		verifier:     verifier,
		night:        night,
		deps:         deps,
		opts:         opts,
		extra:        extra,
		logger:       logging.OrNop(logger).Named("aps"),
		now:          time.Now,
		lastAutosens: models.NewAutosensResult(),
	}
}

// WithClock replaces the time source. It must be called before the plugin
// is shared with the service loop or any query.
func (p *Plugin) WithClock(now func() time.Time) *Plugin {
	p.now = now
	return p
}

// Name identifies the plugin in constraint provenance
func (p *Plugin) Name() string {
	if p.opts.DynamicISF {
		return "OpenAPS SMB DynamicISF"
	}
	return "OpenAPS SMB"
}

// IsEnabled reports whether the loop toggle is on and the pump accepts temp
// basals. A failing capability probe counts as capable.
func (p *Plugin) IsEnabled(ctx context.Context) bool {
	if !p.prefs.GetBool(models.KeyAPSEnabled, true) {
		return false
	}
	if p.deps.Pump == nil {
		return true
	}
	capable, err := p.deps.Pump.TempBasalCapable(ctx)
	if err != nil {
		p.logger.Warn("probing temp basal capability", zap.Error(err))
		return true
	}
	return capable
}

// Checker returns the constraint chain resolved against fresh data, for
// callers outside a cycle that want to preview the current constraints
func (p *Plugin) Checker(ctx context.Context) *constraints.Checker {
	return p.checkerFor(ctx, session.New(p.deps.Sources, p.logger))
}

func (p *Plugin) checkerFor(ctx context.Context, in nightmode.Inputs) *constraints.Checker {
	providers := make([]constraints.Provider, 0, len(p.extra)+1)
	providers = append(providers, &provider{plugin: p, ctx: ctx, in: in, enabled: p.IsEnabled(ctx)})
	providers = append(providers, p.extra...)
	return constraints.NewChecker(providers...)
}

// NightModeActive reports the night safety state against fresh data
func (p *Plugin) NightModeActive(ctx context.Context) bool {
	if p.night == nil {
		return false
	}
	return p.night.IsActive(ctx, session.New(p.deps.Sources, p.logger))
}

// LastResult returns the last published recommendation, nil when none
func (p *Plugin) LastResult() *models.DosingResult {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastResult
}

// LastRequest returns the request the last published result was computed from
func (p *Plugin) LastRequest() *models.DosingRequest {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastRequest
}

// LastRun returns when the last result was published, zero when none
func (p *Plugin) LastRun() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastRun
}

// LastAutosens returns the sensitivity result used by the last completed cycle
func (p *Plugin) LastAutosens() models.AutosensResult {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastAutosens
}
