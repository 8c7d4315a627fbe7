// Package iob derives insulin on board, carbs on board, sensitivity and
// glucose status from Nightscout history
package iob

import (
	"math"
	"time"
)

// DefaultPeak is the activity peak of rapid-acting insulin
const DefaultPeak = 75 * time.Minute

// InsulinCurve is the exponential insulin activity model
type InsulinCurve struct {
	Peak time.Duration
	DIA  time.Duration
}

// NewInsulinCurve builds a curve for a DIA given in hours
func NewInsulinCurve(diaHours float64) InsulinCurve {
	return InsulinCurve{
		Peak: DefaultPeak,
		DIA:  time.Duration(diaHours * float64(time.Hour)),
	}
}

// At returns the fraction of a dose still on board and the activity per
// minute at the given time since delivery
func (c InsulinCurve) At(elapsed time.Duration) (remaining, activity float64) {
	t := elapsed.Minutes()
	td := c.DIA.Minutes()
	if t <= 0 {
		return 1, 0
	}
	if t >= td || td <= 0 {
		return 0, 0
	}

	tp := c.Peak.Minutes()
	tau := tp * (1 - tp/td) / (1 - 2*tp/td)
	if tau <= 0 || math.IsInf(tau, 0) || math.IsNaN(tau) {
		tau = tp * 0.75
	}
	a := 2 * tau / td
	S := 1 / (1 - a + (1+a)*math.Exp(-td/tau))

	activity = (S / (tau * tau)) * t * (1 - t/td) * math.Exp(-t/tau)
	remaining = 1 - S*(1-a)*((t*t/(tau*td*(1-a))-t/tau-1)*math.Exp(-t/tau)+1)
	return clamp01(remaining), math.Max(0, activity)
}

// CarbModel is the nonlinear carbohydrate absorption model
type CarbModel struct {
	Absorption  time.Duration
	Min5mImpact float64 // mg/dL per 5 minutes
}

// DefaultCarbModel absorbs in three hours with an 8 mg/dL minimum impact
func DefaultCarbModel() CarbModel {
	return CarbModel{Absorption: 180 * time.Minute, Min5mImpact: 8}
}

// Absorbed returns grams absorbed after elapsed. csf is the carb sensitivity
// factor (ISF / IC, mg/dL per gram) used for the minimum absorption rate.
func (m CarbModel) Absorbed(carbs float64, elapsed time.Duration, csf float64) float64 {
	minutes := elapsed.Minutes()
	if minutes <= 0 || carbs <= 0 {
		return 0
	}

	absorption := m.Absorption.Minutes()
	switch {
	case carbs > 60:
		absorption *= 1.3
	case carbs < 20:
		absorption *= 0.7
	}
	if minutes >= absorption {
		return carbs
	}

	// logistic curve, peak rate at 35% of the absorption time
	const k, c = 8.0, 0.35
	progress := minutes / absorption
	absorbed := carbs / (1 + math.Exp(-k*(progress-c)))

	if csf > 0 {
		absorbed = math.Max(absorbed, (minutes/5)*(m.Min5mImpact/csf))
	}
	return math.Min(absorbed, carbs)
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
