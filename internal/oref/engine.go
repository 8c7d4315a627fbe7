// Package oref is a determine-basal style dosing engine. It projects glucose
// along insulin, carb, unannounced meal and zero-temp curves and turns the
// most conservative projection into a temp basal and an optional micro
// bolus.
package oref

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mrcode/nightscout-aps/internal/iob"
	"github.com/mrcode/nightscout-aps/internal/logging"
	"github.com/mrcode/nightscout-aps/internal/models"
)

// Config tunes the engine
type Config struct {
	PredictionSteps    int     // 5 minute steps projected
	DeviationSteps     int     // steps over which the current deviation decays to zero
	UAMSteps           int     // steps over which unannounced meal impact decays
	MaxSMBBasalMinutes float64 // largest micro bolus in minutes of basal
	BasalIncrement     float64 // pump temp basal step, U/h
	BolusIncrement     float64 // pump bolus step, U
	TempDuration       int     // minutes
	MaxGlucoseAge      time.Duration
	InsulinDivisor     float64 // dynamic sensitivity curve constant, rapid acting
	Carbs              iob.CarbModel
}

// DefaultConfig returns the oref1 defaults
func DefaultConfig() Config {
	return Config{
		PredictionSteps:    48,
		DeviationSteps:     12,
		UAMSteps:           36,
		MaxSMBBasalMinutes: 30,
		BasalIncrement:     0.05,
		BolusIncrement:     0.05,
		TempDuration:       30,
		MaxGlucoseAge:      12 * time.Minute,
		InsulinDivisor:     55,
		Carbs:              iob.DefaultCarbModel(),
	}
}

const (
	minPrediction = 39.0
	maxPrediction = 401.0
	minCGM        = 39.0
)

// Engine computes dosing recommendations
type Engine struct {
	config Config
	logger *zap.Logger
}

// New creates an engine
func New(config Config, logger *zap.Logger) *Engine {
	return &Engine{config: config, logger: logging.OrNop(logger).Named("oref")}
}

// curves are the projected glucose values, index 0 is now
type curves struct {
	IOB []float64
	COB []float64
	UAM []float64
	ZT  []float64
}

// inputs are the per-request values every step of the decision reads
type inputs struct {
	bg          float64
	sens        float64
	csf         float64
	basal       float64
	minDelta    float64
	minAvgDelta float64
	bgi         float64
	deviation   float64
	threshold   float64
	cob         float64
}

// Invoke determines the temp basal and micro bolus for the request
func (e *Engine) Invoke(ctx context.Context, req *models.DosingRequest) (*models.DosingResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req == nil || req.Profile == nil {
		return nil, errors.New("oref: request without profile")
	}
	if len(req.IOBArray) == 0 {
		return nil, errors.New("oref: empty insulin on board series")
	}
	g := req.GlucoseStatus
	if g.Glucose < minCGM {
		return nil, fmt.Errorf("oref: glucose %.0f too low to be a real reading, CGM may be calibrating", g.Glucose)
	}
	if age := req.CurrentTime.Sub(g.Date); age > e.config.MaxGlucoseAge {
		return nil, fmt.Errorf("oref: glucose data is %.0f minutes old", age.Minutes())
	}

	in := e.prepare(req)
	c := e.predict(req, in)
	return e.decide(req, in, c), nil
}

func (e *Engine) prepare(req *models.DosingRequest) inputs {
	now := req.CurrentTime
	g := req.GlucoseStatus
	ratio := req.Autosens.Ratio
	if ratio <= 0 {
		ratio = 1
	}

	sens := req.Profile.IsfMgdl(now) / ratio
	if req.DynamicISF && req.TargetBG > 0 {
		// sensitivity falls as glucose rises above target
		d := e.config.InsulinDivisor
		scale := math.Log(g.Glucose/d+1) / math.Log(req.TargetBG/d+1)
		sens /= math.Max(0.7, math.Min(1.2, scale))
	}
	sens = round(sens, 1)

	in := inputs{
		bg:          g.Glucose,
		sens:        sens,
		basal:       e.roundBasal(req.BaseBasalRate * ratio),
		minDelta:    math.Min(g.Delta, g.ShortAvgDelta),
		minAvgDelta: math.Min(g.ShortAvgDelta, g.LongAvgDelta),
		threshold:   req.MinBG - 0.5*(req.MinBG-40),
		cob:         req.MealData.MealCOB,
	}
	if ic := req.Profile.IcAt(now); ic > 0 {
		in.csf = sens / ic
	}

	now0 := req.IOBArray[0]
	in.bgi = round(-now0.Activity*sens*5, 2)
	// deviation over the next 30 minutes, falling back to the longer
	// averages when glucose is dropping
	in.deviation = math.Round(6 * (in.minDelta - in.bgi))
	if in.deviation < 0 {
		in.deviation = math.Round(6 * (in.minAvgDelta - in.bgi))
		if in.deviation < 0 {
			in.deviation = math.Round(6 * (g.LongAvgDelta - in.bgi))
		}
	}
	return in
}

func (e *Engine) predict(req *models.DosingRequest, in inputs) curves {
	steps := e.config.PredictionSteps
	c := curves{
		IOB: make([]float64, 1, steps+1),
		ZT:  make([]float64, 1, steps+1),
	}
	c.IOB[0], c.ZT[0] = in.bg, in.bg
	withCarbs := in.cob > 0 && in.csf > 0
	if withCarbs {
		c.COB = append(make([]float64, 0, steps+1), in.bg)
	}
	if req.UAMAllowed {
		c.UAM = append(make([]float64, 0, steps+1), in.bg)
	}

	ci := round(in.minDelta-in.bgi, 1)
	uci := math.Max(0, ci)
	for i := 1; i <= steps; i++ {
		sample := req.IOBArray[min(i, len(req.IOBArray)-1)]
		predBGI := round(-sample.Activity*in.sens*5, 2)
		ztActivity := sample.Activity
		if sample.IOBWithZeroTemp != nil {
			ztActivity = sample.IOBWithZeroTemp.Activity
		}
		predZTBGI := round(-ztActivity*in.sens*5, 2)
		predDev := ci * (1 - math.Min(1, float64(i)/float64(e.config.DeviationSteps)))

		c.IOB = append(c.IOB, clampPrediction(c.IOB[i-1]+predBGI+predDev))
		c.ZT = append(c.ZT, clampPrediction(c.ZT[i-1]+predZTBGI))
		if withCarbs {
			at := time.Duration(i) * 5 * time.Minute
			absorbed := e.config.Carbs.Absorbed(in.cob, at, in.csf) - e.config.Carbs.Absorbed(in.cob, at-5*time.Minute, in.csf)
			c.COB = append(c.COB, clampPrediction(c.COB[i-1]+predBGI+math.Min(0, predDev)+absorbed*in.csf))
		}
		if req.UAMAllowed {
			predUCI := uci * math.Max(0, 1-float64(i)/float64(e.config.UAMSteps))
			c.UAM = append(c.UAM, clampPrediction(c.UAM[i-1]+predBGI+math.Min(0, predDev)+predUCI))
		}
	}
	return c
}

func (e *Engine) decide(req *models.DosingRequest, in inputs, c curves) *models.DosingResult {
	iobNow := req.IOBArray[0]
	naive := in.bg - iobNow.IOB*in.sens
	eventualBG := math.Round(naive + in.deviation)
	if in.cob > 0 {
		eventualBG = math.Round(eventualBG + in.cob*in.csf)
	}

	// the iob curve is always a candidate; carbs and uam raise the floor
	// only while they are in play
	minPredBG := minFrom(c.IOB, 6)
	switch {
	case len(c.COB) > 0:
		minPredBG = math.Max(minPredBG, minFrom(c.COB, 6))
	case len(c.UAM) > 0:
		minPredBG = math.Max(minPredBG, minFrom(c.UAM, 6))
	}
	minPredBG = math.Round(math.Min(minPredBG, eventualBG))
	minGuardBG := math.Round(math.Min(minFrom(c.IOB, 0), minFrom(c.ZT, 0)))

	res := &models.DosingResult{
		EventualBG: eventualBG,
		COB:        in.cob,
		Predictions: &models.Predictions{
			IOB: roundAll(c.IOB),
			COB: roundAll(c.COB),
			UAM: roundAll(c.UAM),
			ZT:  roundAll(c.ZT),
		},
	}
	var reason strings.Builder
	fmt.Fprintf(&reason, "COB: %.0f, Dev: %.0f, BGI: %.2f, ISF: %.0f, Target: %.0f, minPredBG %.0f, minGuardBG %.0f, EventualBG %.0f; ",
		in.cob, in.deviation, in.bgi, in.sens, req.TargetBG, minPredBG, minGuardBG, eventualBG)

	finish := func(rate float64, duration int, format string, args ...any) *models.DosingResult {
		res.Rate = rate
		res.Duration = duration
		res.TempBasalRequested = true
		fmt.Fprintf(&reason, format, args...)
		res.Reason = reason.String()
		e.logger.Debug("determined basal", zap.Float64("rate", rate), zap.Int("duration", duration), zap.Float64("smb", res.SMB))
		return res
	}

	if in.bg < in.threshold || minGuardBG < in.threshold {
		return finish(0, e.config.TempDuration, "minGuardBG %.0f < threshold %.0f, zero temp", minGuardBG, in.threshold)
	}

	if eventualBG < req.MinBG {
		expectedDelta := round(in.bgi+(req.TargetBG-eventualBG)/24, 1)
		if in.minDelta > expectedDelta && in.minDelta > 0 && in.cob == 0 {
			return finish(0, 0, "Eventual BG %.0f < %.0f but Delta %.1f > expectedDelta %.1f; cancel temp", eventualBG, req.MinBG, in.minDelta, expectedDelta)
		}
		insulinReq := 2 * math.Min(0, (eventualBG-req.TargetBG)/in.sens)
		rate := e.roundBasal(math.Max(0, in.basal+2*insulinReq))
		return finish(rate, e.config.TempDuration, "Eventual BG %.0f < %.0f, setting %.2f U/hr", eventualBG, req.MinBG, rate)
	}

	if eventualBG < req.MaxBG {
		return finish(0, 0, "Eventual BG %.0f in range, no temp required", eventualBG)
	}

	insulinReq := round((math.Min(minPredBG, eventualBG)-req.TargetBG)/in.sens, 2)
	if room := req.MaxIOB - iobNow.IOB; insulinReq > room {
		fmt.Fprintf(&reason, "max_iob %.1f, ", req.MaxIOB)
		insulinReq = round(math.Max(0, room), 2)
	}
	if insulinReq <= 0 {
		return finish(0, 0, "Eventual BG %.0f >= %.0f but no insulin required", eventualBG, req.MaxBG)
	}

	if req.MicroBolusAllowed {
		if req.FlatBGsDetected {
			reason.WriteString("SMB disabled: flat CGM data, ")
		} else if in.bg > in.threshold {
			maxBolus := round(in.basal*e.config.MaxSMBBasalMinutes/60, 1)
			res.SMB = e.roundBolus(math.Min(insulinReq/2, maxBolus))
			if res.SMB > 0 {
				fmt.Fprintf(&reason, "Microbolusing %.2f U, ", res.SMB)
			}
		}
	}

	rate := in.basal + 2*(insulinReq-res.SMB)
	if rate > req.MaxBasal {
		fmt.Fprintf(&reason, "adj. req. rate %.2f to maxSafeBasal %.2f, ", rate, req.MaxBasal)
		rate = req.MaxBasal
	}
	rate = e.roundBasal(rate)
	return finish(rate, e.config.TempDuration, "Eventual BG %.0f >= %.0f, insulinReq %.2f, temp %.2f U/hr", eventualBG, req.MaxBG, insulinReq, rate)
}

func (e *Engine) roundBasal(v float64) float64 {
	return roundTo(v, e.config.BasalIncrement)
}

// roundBolus rounds down so a micro bolus never exceeds the request
func (e *Engine) roundBolus(v float64) float64 {
	step := e.config.BolusIncrement
	if step <= 0 {
		return v
	}
	return round(math.Floor(v/step+1e-9)*step, 2)
}

func roundTo(v, step float64) float64 {
	if step <= 0 {
		return v
	}
	return round(math.Round(v/step)*step, 2)
}

func round(v float64, digits int) float64 {
	p := math.Pow10(digits)
	return math.Round(v*p) / p
}

func clampPrediction(v float64) float64 {
	return math.Max(minPrediction, math.Min(maxPrediction, v))
}

func minFrom(values []float64, from int) float64 {
	m := math.Inf(1)
	for i := from; i < len(values); i++ {
		m = math.Min(m, values[i])
	}
	if math.IsInf(m, 1) && len(values) > 0 {
		return values[len(values)-1]
	}
	return m
}

func roundAll(values []float64) []float64 {
	if values == nil {
		return nil
	}
	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = math.Round(v)
	}
	return out
}
