package aps

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/mrcode/nightscout-aps/internal/constraints"
	"github.com/mrcode/nightscout-aps/internal/hardlimits"
	"github.com/mrcode/nightscout-aps/internal/iob"
	"github.com/mrcode/nightscout-aps/internal/models"
	"github.com/mrcode/nightscout-aps/internal/nightmode"
	"github.com/mrcode/nightscout-aps/internal/notifications"
	"github.com/mrcode/nightscout-aps/internal/session"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var noon = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fakeData struct {
	profile *models.Profile
	glucose *models.GlucoseStatus
	meal    *models.MealData
	tt      *models.TemporaryTarget
}

func (f *fakeData) CurrentProfile(context.Context) (*models.Profile, error)  { return f.profile, nil }
func (f *fakeData) MealData(context.Context, bool) (*models.MealData, error) { return f.meal, nil }

func (f *fakeData) CurrentStatus(context.Context) (*models.GlucoseStatus, error) {
	return f.glucose, nil
}

func (f *fakeData) ActiveAt(_ context.Context, at time.Time) (*models.TemporaryTarget, error) {
	if f.tt == nil || !f.tt.ActiveAt(at) {
		return nil, nil
	}
	return f.tt, nil
}

type fakeIOB struct {
	autosens *models.AutosensResult
	series   []models.IobTotal
	running  *models.TempBasal
	opts     iob.SeriesOptions
	sensHits int
}

func (f *fakeIOB) LatestAutosensResult(context.Context) (*models.AutosensResult, error) {
	f.sensHits++
	return f.autosens, nil
}

func (f *fakeIOB) Series(_ context.Context, opts iob.SeriesOptions) ([]models.IobTotal, error) {
	f.opts = opts
	return f.series, nil
}

func (f *fakeIOB) TempBasalAt(context.Context, time.Time) (*models.TempBasal, error) {
	return f.running, nil
}

type fakeEngine struct {
	result *models.DosingResult
	err    error
	block  bool
	calls  int
	req    *models.DosingRequest
}

func (f *fakeEngine) Invoke(ctx context.Context, req *models.DosingRequest) (*models.DosingResult, error) {
	f.calls++
	f.req = req
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.result == nil {
		return nil, f.err
	}
	res := *f.result
	return &res, f.err
}

type fakePump struct {
	basal   float64
	capable bool
}

func (f fakePump) BaseBasalRate(context.Context) float64          { return f.basal }
func (f fakePump) TempBasalCapable(context.Context) (bool, error) { return f.capable, nil }

type fakeQuality struct{ q models.BgQuality }

func (f fakeQuality) Quality(context.Context) models.BgQuality { return f.q }

type fakeRecorder struct{ ids []string }

func (f *fakeRecorder) RecordResult(_ context.Context, id, _ string, _ *models.DosingResult) error {
	f.ids = append(f.ids, id)
	return nil
}

func flat(v float64) models.Schedule { return models.Schedule{{Offset: 0, Value: v}} }

func testProfile() *models.Profile {
	return &models.Profile{
		Name:     "default",
		DIA:      6,
		ISF:      flat(50),
		IC:       flat(10),
		Basal:    flat(1.0),
		TargetLo: flat(100),
		TargetHi: flat(110),
		Location: time.UTC,
	}
}

type harness struct {
	plugin   *Plugin
	data     *fakeData
	iob      *fakeIOB
	engine   *fakeEngine
	sink     *notifications.Recorder
	recorder *fakeRecorder
}

type setup struct {
	prefs   map[string]any
	now     time.Time
	opts    Options
	pump    *fakePump
	quality models.BgQuality
}

func newHarness(t *testing.T, s setup) *harness {
	t.Helper()
	if s.now.IsZero() {
		s.now = noon
	}
	if s.pump == nil {
		s.pump = &fakePump{basal: 1.0, capable: true}
	}
	values := models.DefaultPreferenceValues()
	for k, v := range s.prefs {
		values[k] = v
	}
	prefs := models.NewPreferences(values)
	clock := func() time.Time { return s.now }

	h := &harness{
		data: &fakeData{
			profile: testProfile(),
			glucose: &models.GlucoseStatus{Glucose: 110, Date: s.now},
			meal:    &models.MealData{},
		},
		iob: &fakeIOB{
			series: []models.IobTotal{{Time: s.now, IOB: 1.2}, {Time: s.now.Add(5 * time.Minute), IOB: 1.1}},
		},
		engine: &fakeEngine{
			result: &models.DosingResult{Rate: 1.5, Duration: 30, TempBasalRequested: true, Reason: "test"},
		},
		sink:     &notifications.Recorder{},
		recorder: &fakeRecorder{},
	}
	verifier := hardlimits.NewVerifier(models.AgeAdult, h.sink, nil)
	night := nightmode.New(prefs, verifier, nil).WithClock(clock)
	deps := Deps{
		Sources:  session.Sources{Profiles: h.data, Glucose: h.data, Meals: h.data, TempTargets: h.data},
		IOB:      h.iob,
		Quality:  fakeQuality{s.quality},
		Pump:     *s.pump,
		Engine:   h.engine,
		Sink:     h.sink,
		Recorder: h.recorder,
	}
	h.plugin = New(prefs, verifier, night, deps, s.opts, nil, SafetyProvider{Limits: verifier.Table}).WithClock(clock)
	return h
}

func TestInvoke_Completed(t *testing.T) {
	h := newHarness(t, setup{quality: models.BgQualityFlat})
	ctx := context.Background()

	require.NoError(t, h.plugin.Invoke(ctx, "test", false))

	req := h.engine.req
	require.NotNil(t, req)
	assert.Equal(t, 3.0, req.MaxIOB)
	assert.Equal(t, 1.0, req.MaxBasal)
	assert.Equal(t, 100.0, req.MinBG)
	assert.Equal(t, 110.0, req.MaxBG)
	assert.Equal(t, 105.0, req.TargetBG)
	assert.Equal(t, 1.0, req.BaseBasalRate)
	assert.False(t, req.IsTempTarget)
	assert.False(t, req.MicroBolusAllowed, "use_smb defaults to off")
	assert.True(t, req.AdvancedFiltering)
	assert.True(t, req.FlatBGsDetected)
	assert.Equal(t, "autosens disabled", req.Autosens.SensResult)
	assert.Equal(t, 0, h.iob.sensHits)

	res := h.plugin.LastResult()
	require.NotNil(t, res)
	assert.True(t, res.TempBasalRequested)
	assert.Equal(t, 1.2, res.IOB.IOB)
	assert.True(t, res.Timestamp.Equal(noon))
	assert.True(t, h.plugin.LastRun().Equal(noon))
	assert.Same(t, req, h.plugin.LastRequest())
	assert.NotEmpty(t, res.InputConstraints)
	assert.Contains(t, res.InputConstraints, models.Reason{Source: "OpenAPS SMB", Message: "SMB disabled in preferences"})

	assert.Len(t, h.sink.Messages(notifications.KindUpdateGui), 1)
	assert.Empty(t, h.sink.Messages(notifications.KindResetGui))
	require.Len(t, h.recorder.ids, 1)
	assert.NotEmpty(t, h.recorder.ids[0])
}

func TestInvoke_Guards(t *testing.T) {
	tests := []struct {
		name    string
		setup   setup
		mutate  func(h *harness)
		wantErr error
	}{
		{
			name:    "no profile",
			mutate:  func(h *harness) { h.data.profile = nil },
			wantErr: ErrMissingProfile,
		},
		{
			name:    "loop toggle off",
			setup:   setup{prefs: map[string]any{models.KeyAPSEnabled: false}},
			wantErr: ErrPluginDisabled,
		},
		{
			name:    "pump without temp basals",
			setup:   setup{pump: &fakePump{basal: 1.0, capable: false}},
			wantErr: ErrPluginDisabled,
		},
		{
			name:    "no glucose",
			mutate:  func(h *harness) { h.data.glucose = nil },
			wantErr: ErrMissingGlucose,
		},
		{
			name:    "autosens not ready",
			setup:   setup{prefs: map[string]any{models.KeyUseAutosens: true}},
			wantErr: ErrMissingSensitivityData,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.setup)
			ctx := context.Background()
			// a previous result must survive the abort
			prev := &models.DosingResult{Reason: "previous"}
			h.plugin.lastResult, h.plugin.lastRun = prev, noon.Add(-5*time.Minute)
			if tt.mutate != nil {
				tt.mutate(h)
			}

			err := h.plugin.Invoke(ctx, "test", false)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, 0, h.engine.calls)
			assert.Same(t, prev, h.plugin.LastResult())
			assert.True(t, h.plugin.LastRun().Equal(noon.Add(-5*time.Minute)))
			assert.Equal(t, []string{tt.wantErr.Error()}, h.sink.Messages(notifications.KindResetGui))
			assert.Empty(t, h.sink.Messages(notifications.KindUpdateGui))
		})
	}
}

func TestInvoke_HardLimitGates(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(p *models.Profile)
		basal     float64
		parameter string
	}{
		{"dia too short", func(p *models.Profile) { p.DIA = 3 }, 1.0, "profile dia"},
		{"carb ratio too low", func(p *models.Profile) { p.IC = flat(1) }, 1.0, "profile carbs ratio"},
		{"sensitivity too low", func(p *models.Profile) { p.ISF = flat(1) }, 1.0, "profile sensitivity"},
		{"max daily basal too high", func(p *models.Profile) { p.Basal = flat(11) }, 1.0, "profile max daily basal"},
		{"pump basal too low", func(*models.Profile) {}, 0.001, "current basal"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, setup{pump: &fakePump{basal: tt.basal, capable: true}})
			tt.mutate(h.data.profile)
			prev := &models.DosingResult{Reason: "previous"}
			h.plugin.lastResult, h.plugin.lastRun = prev, noon.Add(-5*time.Minute)

			err := h.plugin.Invoke(context.Background(), "test", false)
			var violation *hardlimits.ViolationError
			require.ErrorAs(t, err, &violation)
			assert.Equal(t, tt.parameter, violation.Parameter)
			assert.Equal(t, 0, h.engine.calls)
			assert.Same(t, prev, h.plugin.LastResult())
			assert.True(t, h.plugin.LastRun().Equal(noon.Add(-5*time.Minute)))
			assert.Len(t, h.sink.Messages(notifications.KindHardLimit), 1)
		})
	}
}

func TestInvoke_NightModeDisablesSMB(t *testing.T) {
	h := newHarness(t, setup{
		now: time.Date(2024, 5, 1, 23, 30, 0, 0, time.UTC),
		prefs: map[string]any{
			models.KeyUseSMB:           true,
			models.KeyNightModeEnabled: true,
		},
	})
	ctx := context.Background()

	require.NoError(t, h.plugin.Invoke(ctx, "test", false))
	assert.False(t, h.engine.req.MicroBolusAllowed)
	want := models.Reason{Source: "Night mode", Message: "SMB disabled by night mode"}
	assert.Contains(t, h.plugin.LastResult().InputConstraints, want)

	smb := h.plugin.Checker(ctx).IsSMBModeEnabled(constraints.New(true))
	assert.False(t, smb.Value())
	if diff := cmp.Diff([]models.Reason{want}, smb.Reasons()); diff != "" {
		t.Errorf("SMB provenance mismatch (-want +got):\n%s", diff)
	}
}

func TestInvoke_SMBAllowedByDay(t *testing.T) {
	h := newHarness(t, setup{prefs: map[string]any{
		models.KeyUseSMB:           true,
		models.KeyUseUAM:           true,
		models.KeyNightModeEnabled: true,
	}})

	require.NoError(t, h.plugin.Invoke(context.Background(), "test", false))
	assert.True(t, h.engine.req.MicroBolusAllowed)
	assert.True(t, h.engine.req.UAMAllowed)
}

func TestInvoke_TempBasalFallback(t *testing.T) {
	h := newHarness(t, setup{prefs: map[string]any{models.KeyUseSMB: true}})

	require.NoError(t, h.plugin.Invoke(context.Background(), "test", true))
	assert.False(t, h.engine.req.MicroBolusAllowed)
	assert.False(t, h.engine.req.AdvancedFiltering)
}

func TestInvoke_TempTarget(t *testing.T) {
	h := newHarness(t, setup{prefs: map[string]any{models.KeyNightModeEnabled: false}})
	h.data.tt = &models.TemporaryTarget{
		Timestamp:  noon.Add(-10 * time.Minute),
		Duration:   time.Hour,
		LowTarget:  50,
		HighTarget: 150,
	}

	require.NoError(t, h.plugin.Invoke(context.Background(), "test", false))
	req := h.engine.req
	assert.True(t, req.IsTempTarget)
	assert.Equal(t, 72.0, req.MinBG, "low end clamped to the temp target range")
	assert.Equal(t, 150.0, req.MaxBG)
	assert.Equal(t, 100.0, req.TargetBG)
	assert.True(t, h.iob.opts.IsTempTarget)
	assert.Len(t, h.sink.Messages(notifications.KindHardLimit), 1)
}

func TestInvoke_Autosens(t *testing.T) {
	t.Run("used when enabled", func(t *testing.T) {
		h := newHarness(t, setup{prefs: map[string]any{models.KeyUseAutosens: true}})
		h.iob.autosens = &models.AutosensResult{Ratio: 0.8, SensResult: "sensitive"}

		require.NoError(t, h.plugin.Invoke(context.Background(), "test", false))
		assert.Equal(t, 0.8, h.engine.req.Autosens.Ratio)
		assert.Equal(t, 0.8, h.iob.opts.Autosens.Ratio)
		assert.Equal(t, 0.8, h.plugin.LastAutosens().Ratio)
	})

	t.Run("excluded by dynamic isf", func(t *testing.T) {
		h := newHarness(t, setup{
			prefs: map[string]any{models.KeyUseAutosens: true, models.KeyUseDynamicISF: true},
			opts:  Options{DynamicISF: true},
		})

		require.NoError(t, h.plugin.Invoke(context.Background(), "test", false))
		assert.Equal(t, 0, h.iob.sensHits)
		assert.True(t, h.engine.req.DynamicISF)
		assert.Equal(t, 1.0, h.engine.req.Autosens.Ratio)
	})

	t.Run("dynamic isf preference needs the variant", func(t *testing.T) {
		h := newHarness(t, setup{prefs: map[string]any{models.KeyUseDynamicISF: true}})

		require.NoError(t, h.plugin.Invoke(context.Background(), "test", false))
		assert.False(t, h.engine.req.DynamicISF)
	})
}

func TestInvoke_ZeroDoseCorrection(t *testing.T) {
	tests := []struct {
		name    string
		rate    float64
		running *models.TempBasal
		want    bool
	}{
		{"zero without running temp", 0, nil, false},
		{"small rate kept", 0.05, nil, true},
		{"zero with running temp", 0, &models.TempBasal{Timestamp: noon, Duration: time.Hour, Rate: 0.5}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, setup{})
			h.engine.result = &models.DosingResult{Rate: tt.rate, Duration: 0, TempBasalRequested: true}
			h.iob.running = tt.running

			require.NoError(t, h.plugin.Invoke(context.Background(), "test", false))
			assert.Equal(t, tt.want, h.plugin.LastResult().TempBasalRequested)
		})
	}
}

func TestInvoke_EngineAbsent(t *testing.T) {
	tests := []struct {
		name  string
		setup func(h *harness)
	}{
		{"nil result", func(h *harness) { h.engine.result = nil }},
		{"error", func(h *harness) { h.engine.result, h.engine.err = nil, errors.New("boom") }},
		{"no engine", func(h *harness) { h.plugin.deps.Engine = nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, setup{})
			ctx := context.Background()
			require.NoError(t, h.plugin.Invoke(ctx, "first", false))
			require.NotNil(t, h.plugin.LastResult())

			tt.setup(h)
			require.NoError(t, h.plugin.Invoke(ctx, "second", false))
			assert.Nil(t, h.plugin.LastResult())
			assert.Nil(t, h.plugin.LastRequest())
			assert.True(t, h.plugin.LastRun().IsZero())
			assert.Len(t, h.recorder.ids, 1)
			assert.Len(t, h.sink.Messages(notifications.KindUpdateGui), 2)
		})
	}
}

func TestInvoke_EngineTimeout(t *testing.T) {
	h := newHarness(t, setup{opts: Options{EngineTimeout: 20 * time.Millisecond}})
	h.engine.block = true

	require.NoError(t, h.plugin.Invoke(context.Background(), "test", false))
	assert.Nil(t, h.plugin.LastResult())
}

func TestProvider_MaxBasalRaisesToProfileMaximum(t *testing.T) {
	h := newHarness(t, setup{prefs: map[string]any{models.KeyMaxBasal: 0.5}})
	profile := testProfile()
	profile.Basal = models.Schedule{{Offset: 0, Value: 0.4}, {Offset: 18 * time.Hour, Value: 2.0}}
	h.data.profile = profile

	got := h.plugin.Checker(context.Background()).MaxBasalAllowed(profile)
	assert.InDelta(t, 1.6, got.Value(), 1e-9)

	want := []models.Reason{
		{Source: "OpenAPS SMB", Message: increasingBasal},
		{Source: "OpenAPS SMB", Message: "Limiting max basal rate to 2.00 U/h because of max value in preferences"},
		{Source: "OpenAPS SMB", Message: "Limiting max basal rate to 1.60 U/h because of max basal multiplier"},
	}
	if diff := cmp.Diff(want, got.Reasons()); diff != "" {
		t.Errorf("max basal provenance mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, want[2:], got.MostLimiting())
}

func TestProvider_DisabledPluginLeavesBounds(t *testing.T) {
	h := newHarness(t, setup{prefs: map[string]any{models.KeyAPSEnabled: false}})
	checker := h.plugin.Checker(context.Background())

	// only the safety provider narrows
	assert.Equal(t, 22.0, checker.MaxIOBAllowed().Value())
	assert.Equal(t, 10.0, checker.MaxBasalAllowed(testProfile()).Value())
	assert.False(t, checker.IsSuperBolusEnabled().Value())
}

func TestSafetyProvider_AgeLimits(t *testing.T) {
	checker := constraints.NewChecker(SafetyProvider{Limits: hardlimits.Table{Age: models.AgeChild}})

	assert.Equal(t, 7.0, checker.MaxIOBAllowed().Value())
	assert.Equal(t, 2.0, checker.MaxBasalAllowed(testProfile()).Value())
	assert.True(t, checker.IsSMBModeEnabled(constraints.New(true)).Value())

	negative := checker.ApplyBasalConstraints(constraints.New(-1.0), testProfile())
	assert.Equal(t, 0.0, negative.Value())
}

func TestProfilePump(t *testing.T) {
	src := &fakeData{profile: testProfile()}
	pump := NewProfilePump(src, nil)
	assert.Equal(t, 1.0, pump.BaseBasalRate(context.Background()))

	src.profile = nil
	assert.Equal(t, 0.0, pump.BaseBasalRate(context.Background()))
	capable, err := pump.TempBasalCapable(context.Background())
	require.NoError(t, err)
	assert.True(t, capable)
}
