package models

import "time"

// Nightscout event types the loop reads
const (
	EventTypeTempBasal       = "Temp Basal"
	EventTypeTemporaryTarget = "Temporary Target"
	EventTypeMealBolus       = "Meal Bolus"
	EventTypeCorrection      = "Correction Bolus"
	EventTypeSMB             = "SMB"
	EventTypeComboBolus      = "Combo Bolus"
)

// Treatment represents a treatment entry from Nightscout (insulin, carbs, etc.)
type Treatment struct {
	ID        string  `json:"_id,omitempty"`
	EventType string  `json:"eventType"`
	Date      int64   `json:"date"` // Unix timestamp in milliseconds
	CreatedAt string  `json:"created_at"`
	Insulin   float64 `json:"insulin"`  // Units of insulin
	Carbs     float64 `json:"carbs"`    // Grams of carbohydrates
	Duration  float64 `json:"duration"` // Duration in minutes (temp basals, temp targets)
	Notes     string  `json:"notes"`
	EnteredBy string  `json:"enteredBy"`

	// For basal changes
	Percent  float64 `json:"percent"`
	Absolute float64 `json:"absolute"` // Absolute rate in U/h
	Rate     float64 `json:"rate"`
	Relative float64 `json:"relative"` // extra U/h of an extended bolus

	// For temp targets, always mg/dL after Normalize
	TargetTop    float64 `json:"targetTop"`
	TargetBottom float64 `json:"targetBottom"`
	Units        string  `json:"units"`
	Reason       string  `json:"reason"`
}

// Time returns the time of the treatment
func (t *Treatment) Time() time.Time {
	if t.Date > 0 {
		return time.UnixMilli(t.Date)
	}
	parsed, err := time.Parse(time.RFC3339, t.CreatedAt)
	if err != nil {
		return time.Time{}
	}
	return parsed
}

// HasInsulin returns true if this treatment includes insulin
func (t *Treatment) HasInsulin() bool {
	return t.Insulin > 0
}

// HasCarbs returns true if this treatment includes carbohydrates
func (t *Treatment) HasCarbs() bool {
	return t.Carbs > 0
}

// TemporaryTarget converts a "Temporary Target" treatment. The second
// return value is false for any other event type or a cancel entry.
func (t *Treatment) TemporaryTarget() (TemporaryTarget, bool) {
	if t.EventType != EventTypeTemporaryTarget || t.Duration <= 0 {
		return TemporaryTarget{}, false
	}
	low, high := t.TargetBottom, t.TargetTop
	if t.Units == "mmol" || t.Units == "mmol/L" {
		low, high = ToMgdl(low), ToMgdl(high)
	}
	return TemporaryTarget{
		ID:         t.ID,
		Timestamp:  t.Time(),
		Duration:   time.Duration(t.Duration * float64(time.Minute)),
		LowTarget:  low,
		HighTarget: high,
		Reason:     t.Reason,
	}, true
}

// TempBasal converts a "Temp Basal" treatment into a running temp basal
func (t *Treatment) TempBasal() (TempBasal, bool) {
	if t.EventType != EventTypeTempBasal || t.Duration <= 0 {
		return TempBasal{}, false
	}
	rate := t.Absolute
	if rate == 0 {
		rate = t.Rate
	}
	return TempBasal{
		Timestamp: t.Time(),
		Duration:  time.Duration(t.Duration * float64(time.Minute)),
		Rate:      rate,
	}, true
}

// TemporaryTarget is a time-scoped override of the profile target range (mg/dL)
type TemporaryTarget struct {
	ID         string        `json:"id"`
	Timestamp  time.Time     `json:"timestamp"`
	Duration   time.Duration `json:"duration"`
	LowTarget  float64       `json:"lowTarget"`
	HighTarget float64       `json:"highTarget"`
	Reason     string        `json:"reason"`
}

// Target is the midpoint of the temp target range
func (tt TemporaryTarget) Target() float64 {
	return (tt.LowTarget + tt.HighTarget) / 2
}

// End returns when the temp target stops applying
func (tt TemporaryTarget) End() time.Time {
	return tt.Timestamp.Add(tt.Duration)
}

// ActiveAt reports whether the temp target covers the instant
func (tt TemporaryTarget) ActiveAt(at time.Time) bool {
	return !at.Before(tt.Timestamp) && at.Before(tt.End())
}

// TempBasal is a running temporary basal rate, including extended boluses
// converted to an equivalent rate
type TempBasal struct {
	Timestamp time.Time     `json:"timestamp"`
	Duration  time.Duration `json:"duration"`
	Rate      float64       `json:"rate"` // U/h
	Converted bool          `json:"converted"`
}

// ExtendedBolus converts a "Combo Bolus" treatment into its extended part.
// The returned rate is the extra U/h on top of the scheduled basal.
func (t *Treatment) ExtendedBolus() (TempBasal, bool) {
	if t.EventType != EventTypeComboBolus || t.Duration <= 0 || t.Relative <= 0 {
		return TempBasal{}, false
	}
	return TempBasal{
		Timestamp: t.Time(),
		Duration:  time.Duration(t.Duration * float64(time.Minute)),
		Rate:      t.Relative,
		Converted: true,
	}, true
}

// ActiveAt reports whether the temp basal is running at the instant
func (tb TempBasal) ActiveAt(at time.Time) bool {
	return !at.Before(tb.Timestamp) && at.Before(tb.Timestamp.Add(tb.Duration))
}
