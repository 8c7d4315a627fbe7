// Package hardlimits holds the absolute safety bounds of the loop and the
// verifier that enforces them
package hardlimits

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/mrcode/nightscout-aps/internal/logging"
	"github.com/mrcode/nightscout-aps/internal/metrics"
	"github.com/mrcode/nightscout-aps/internal/models"
	"github.com/mrcode/nightscout-aps/internal/notifications"
)

// Range is an inclusive [Min, Max] bound
type Range struct {
	Min float64
	Max float64
}

// Contains reports whether v lies in the range
func (r Range) Contains(v float64) bool {
	return v >= r.Min && v <= r.Max
}

// Glucose bounds in mg/dL, independent of patient age
var (
	VeryHardLimitMinBG        = Range{80, 180}
	VeryHardLimitMaxBG        = Range{90, 270}
	VeryHardLimitTargetBG     = Range{80, 200}
	VeryHardLimitTempMinBG    = Range{72, 180}
	VeryHardLimitTempMaxBG    = Range{72, 270}
	VeryHardLimitTempTargetBG = Range{72, 200}
	ISF                       = Range{2, 1000}
	MinMaxDailyBasal          = 0.02
	MinCurrentBasal           = 0.01
)

// per age: child, teenage, adult, resistant adult, pregnant
var (
	maxIobSMB = [5]float64{7, 13, 22, 30, 70}
	maxBasal  = [5]float64{2, 5, 10, 12, 25}
	minDia    = [5]float64{5, 5, 5, 5, 5}
	maxDia    = [5]float64{9, 9, 9, 9, 10}
	minIC     = [5]float64{2, 2, 2, 2, 0.3}
	maxIC     = [5]float64{100, 100, 100, 100, 100}
)

func ageIndex(age models.PatientAge) int {
	switch age {
	case models.AgeChild:
		return 0
	case models.AgeTeenage:
		return 1
	case models.AgeResistantAdult:
		return 3
	case models.AgePregnant:
		return 4
	default:
		return 2
	}
}

// Table is the age-dependent part of the hard limits
type Table struct {
	Age models.PatientAge
}

// MaxIobSMB is the IOB ceiling with advanced dosing
func (t Table) MaxIobSMB() float64 { return maxIobSMB[ageIndex(t.Age)] }

// MaxBasal is the absolute basal rate ceiling in U/h
func (t Table) MaxBasal() float64 { return maxBasal[ageIndex(t.Age)] }

// DIA is the accepted duration of insulin action in hours
func (t Table) DIA() Range {
	i := ageIndex(t.Age)
	return Range{minDia[i], maxDia[i]}
}

// IC is the accepted insulin to carb ratio in g/U
func (t Table) IC() Range {
	i := ageIndex(t.Age)
	return Range{minIC[i], maxIC[i]}
}

// ViolationError reports a value outside its hard limit
type ViolationError struct {
	Parameter string
	Value     float64
	Limit     Range
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("%s %.2f outside hard limits [%.2f, %.2f]", e.Parameter, e.Value, e.Limit.Min, e.Limit.Max)
}

// Verifier clamps or gates values against hard limits and reports every event
type Verifier struct {
	Table
	sink   notifications.Sink
	logger *zap.Logger
}

// NewVerifier creates a verifier for the given patient age
func NewVerifier(age models.PatientAge, sink notifications.Sink, logger *zap.Logger) *Verifier {
	return &Verifier{Table: Table{Age: age}, sink: sink, logger: logging.OrNop(logger)}
}

// Clamp returns value limited to r. A clamp is reported, never fatal.
func (v *Verifier) Clamp(name string, value float64, r Range) float64 {
	limited := value
	if limited < r.Min {
		limited = r.Min
	}
	if limited > r.Max {
		limited = r.Max
	}
	if limited != value {
		msg := fmt.Sprintf("%s %.2f out of hard limits. Limited to %.2f", name, value, limited)
		v.report(name, "clamp", msg)
	}
	return limited
}

// Gate reports whether value lies in r. A false result must abort the cycle.
func (v *Verifier) Gate(name string, value float64, r Range) bool {
	if r.Contains(value) {
		return true
	}
	v.report(name, "gate", (&ViolationError{Parameter: name, Value: value, Limit: r}).Error())
	return false
}

// Require is Gate returning a *ViolationError on failure
func (v *Verifier) Require(name string, value float64, r Range) error {
	if v.Gate(name, value, r) {
		return nil
	}
	return &ViolationError{Parameter: name, Value: value, Limit: r}
}

func (v *Verifier) report(name, kind, msg string) {
	v.logger.Warn("hard limit", zap.String("parameter", name), zap.String("kind", kind), zap.String("detail", msg))
	metrics.HardLimitEvents.WithLabelValues(name, kind).Inc()
	if v.sink != nil {
		v.sink.Publish(notifications.KindHardLimit, msg)
	}
}
