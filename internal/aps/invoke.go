package aps

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mrcode/nightscout-aps/internal/constraints"
	"github.com/mrcode/nightscout-aps/internal/hardlimits"
	"github.com/mrcode/nightscout-aps/internal/iob"
	"github.com/mrcode/nightscout-aps/internal/metrics"
	"github.com/mrcode/nightscout-aps/internal/models"
	"github.com/mrcode/nightscout-aps/internal/notifications"
	"github.com/mrcode/nightscout-aps/internal/session"
)

// Invoke runs one loop cycle. Cycles never overlap; a second call waits for
// the running one. Aborts return one of the package errors or a
// *hardlimits.ViolationError and leave the last result untouched. An engine
// that produces nothing clears the last result and is not an error.
func (p *Plugin) Invoke(ctx context.Context, initiator string, tempBasalFallback bool) error {
	p.cycleMu.Lock()
	defer p.cycleMu.Unlock()

	started := p.now()
	cycleID := uuid.NewString()
	logger := p.logger.With(zap.String("initiator", initiator), zap.String("cycle_id", cycleID))
	logger.Debug("invoke", zap.Bool("temp_basal_fallback", tempBasalFallback))

	c := &cycle{
		plugin:   p,
		logger:   logger,
		sess:     session.New(p.deps.Sources, logger),
		now:      started,
		fallback: tempBasalFallback,
	}
	defer c.sess.Refresh()

	outcome, err := c.run(ctx)
	metrics.CyclesTotal.WithLabelValues(outcome).Inc()
	metrics.CycleDuration.Observe(p.now().Sub(started).Seconds())
	if err != nil {
		logger.Debug("cycle aborted", zap.String("outcome", outcome), zap.Error(err))
		return err
	}

	res := p.LastResult()
	logger.Info("cycle finished", zap.String("outcome", outcome), zap.String("result", res.Summary()))
	if res != nil && p.deps.Recorder != nil {
		if err := p.deps.Recorder.RecordResult(ctx, cycleID, initiator, res); err != nil {
			logger.Warn("recording result", zap.Error(err))
		}
	}
	p.publish(notifications.KindUpdateGui, res.Summary())
	return nil
}

func (p *Plugin) publish(kind notifications.Kind, message string) {
	if p.deps.Sink != nil {
		p.deps.Sink.Publish(kind, message)
	}
}

// cycle is the state of one Invoke call. It is dropped when the call
// returns.
type cycle struct {
	plugin   *Plugin
	logger   *zap.Logger
	sess     *session.Session
	now      time.Time
	fallback bool
	audit    constraints.Value[float64]
}

func (c *cycle) abort(err error, outcome string) (string, error) {
	c.plugin.publish(notifications.KindResetGui, err.Error())
	return outcome, err
}

func (c *cycle) run(ctx context.Context) (string, error) {
	p := c.plugin

	profile := c.sess.Profile(ctx)
	if profile == nil {
		return c.abort(ErrMissingProfile, metrics.OutcomeNoProfile)
	}
	if !p.IsEnabled(ctx) {
		return c.abort(ErrPluginDisabled, metrics.OutcomeDisabled)
	}
	glucose := c.sess.GlucoseStatus(ctx)
	if glucose == nil {
		return c.abort(ErrMissingGlucose, metrics.OutcomeNoGlucose)
	}

	checker := p.checkerFor(ctx, c.sess)
	c.audit = constraints.New(0.0)
	maxBasal := collect(c, checker.MaxBasalAllowed(profile))
	maxIOB := collect(c, checker.MaxIOBAllowed())

	v := p.verifier
	minBG := v.Clamp("profile low target", round1(profile.TargetLowMgdl(c.now)), hardlimits.VeryHardLimitMinBG)
	maxBG := v.Clamp("profile high target", round1(profile.TargetHighMgdl(c.now)), hardlimits.VeryHardLimitMaxBG)
	targetBG := v.Clamp("target value", profile.TargetMgdl(c.now), hardlimits.VeryHardLimitTargetBG)
	tt := c.sess.TempTargetAt(ctx, c.now)
	if tt != nil {
		minBG = v.Clamp("temp target low target", tt.LowTarget, hardlimits.VeryHardLimitTempMinBG)
		maxBG = v.Clamp("temp target high target", tt.HighTarget, hardlimits.VeryHardLimitTempMaxBG)
		targetBG = v.Clamp("temp target value", tt.Target(), hardlimits.VeryHardLimitTempTargetBG)
	}

	baseBasal := 0.0
	if p.deps.Pump != nil {
		baseBasal = p.deps.Pump.BaseBasalRate(ctx)
	}
	gates := []struct {
		name  string
		value float64
		r     hardlimits.Range
	}{
		{"profile dia", profile.DIA, v.DIA()},
		{"profile carbs ratio", profile.IcAt(c.now), v.IC()},
		{"profile sensitivity", profile.IsfMgdl(c.now), hardlimits.ISF},
		{"profile max daily basal", profile.MaxDailyBasal(), hardlimits.Range{Min: hardlimits.MinMaxDailyBasal, Max: v.MaxBasal()}},
		{"current basal", baseBasal, hardlimits.Range{Min: hardlimits.MinCurrentBasal, Max: v.MaxBasal()}},
	}
	for _, g := range gates {
		if err := v.Require(g.name, g.value, g.r); err != nil {
			return metrics.OutcomeHardLimit, err
		}
	}

	autosens := models.AutosensResult{Ratio: 1.0, SensResult: "autosens disabled"}
	if checker.IsAutosensModeEnabled().Value() {
		res, err := p.deps.IOB.LatestAutosensResult(ctx)
		if err != nil {
			c.logger.Warn("loading autosens data", zap.Error(err))
		}
		if res == nil {
			return c.abort(ErrMissingSensitivityData, metrics.OutcomeNoAutosensData)
		}
		autosens = *res
	}

	iobArray, err := p.deps.IOB.Series(ctx, iob.SeriesOptions{
		Autosens:        autosens,
		ExerciseMode:    p.opts.ExerciseMode,
		HalfBasalTarget: p.opts.HalfBasalTarget,
		IsTempTarget:    tt != nil,
		Target:          targetBG,
	})
	if err != nil {
		return c.abort(fmt.Errorf("iob series: %w", err), metrics.OutcomeNoIOBData)
	}

	smb := collect(c, checker.IsSMBModeEnabled(constraints.New(!c.fallback)))
	filtering := collect(c, checker.IsAdvancedFilteringEnabled(constraints.New(!c.fallback)))
	uam := collect(c, checker.IsUAMEnabled(constraints.New(true)))
	dynISF := collect(c, checker.IsDynIsfModeEnabled(constraints.New(true)))
	flat := p.deps.Quality != nil && p.deps.Quality.Quality(ctx) == models.BgQualityFlat

	req := &models.DosingRequest{
		Profile:           profile,
		ProfileName:       profile.Name,
		MaxIOB:            maxIOB,
		MaxBasal:          maxBasal,
		MinBG:             minBG,
		MaxBG:             maxBG,
		TargetBG:          targetBG,
		BaseBasalRate:     baseBasal,
		IOBArray:          iobArray,
		GlucoseStatus:     *glucose,
		MealData:          c.sess.MealData(ctx),
		Autosens:          autosens,
		IsTempTarget:      tt != nil,
		MicroBolusAllowed: smb,
		UAMAllowed:        uam,
		AdvancedFiltering: filtering,
		DynamicISF:        dynISF,
		FlatBGsDetected:   flat,
		CurrentTime:       c.now,
	}

	res := c.callEngine(ctx, req)
	if res == nil {
		c.logger.Error("dosing engine returned no result")
		p.mu.Lock()
		p.lastResult, p.lastRequest, p.lastRun = nil, nil, time.Time{}
		p.mu.Unlock()
		return metrics.OutcomeEngineAbsent, nil
	}

	if res.Rate == 0 && res.Duration == 0 {
		running, err := p.deps.IOB.TempBasalAt(ctx, c.now)
		switch {
		case err != nil:
			c.logger.Warn("loading running temp basal", zap.Error(err))
		case running == nil:
			res.TempBasalRequested = false
		}
	}
	if len(iobArray) > 0 {
		res.IOB = iobArray[0]
	}
	res.Timestamp = p.now()
	res.InputConstraints = c.audit.Reasons()

	p.mu.Lock()
	p.lastResult, p.lastRequest, p.lastRun = res, req, res.Timestamp
	p.lastAutosens = autosens
	p.mu.Unlock()
	return metrics.OutcomeCompleted, nil
}

// collect adds a resolved value's reasons to the cycle audit trail
func collect[T any](c *cycle, v constraints.Value[T]) T {
	c.audit = c.audit.CopyReasons(v.Reasons())
	return v.Value()
}

func (c *cycle) callEngine(ctx context.Context, req *models.DosingRequest) *models.DosingResult {
	engine := c.plugin.deps.Engine
	if engine == nil {
		return nil
	}
	timeout := c.plugin.opts.EngineTimeout
	if timeout <= 0 {
		res, err := engine.Invoke(ctx, req)
		if err != nil {
			c.logger.Error("dosing engine failed", zap.Error(err))
			return nil
		}
		return res
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	type outcome struct {
		res *models.DosingResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := engine.Invoke(ctx, req)
		done <- outcome{res, err}
	}()
	select {
	case o := <-done:
		if o.err != nil {
			c.logger.Error("dosing engine failed", zap.Error(o.err))
			return nil
		}
		return o.res
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			c.logger.Error("dosing engine timed out", zap.Duration("timeout", timeout))
		}
		return nil
	}
}

func round1(v float64) float64 { return math.Round(v*10) / 10 }
