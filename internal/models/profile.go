package models

import (
	"fmt"
	"sort"
	"time"
)

// ScheduleEntry is one block of a daily schedule; the value applies from
// Offset (time since local midnight) until the next entry.
type ScheduleEntry struct {
	Offset time.Duration `json:"offset"`
	Value  float64       `json:"value"`
}

// Schedule is a daily schedule sorted by offset
type Schedule []ScheduleEntry

// At returns the value that applies at the given time of day
func (s Schedule) At(sinceMidnight time.Duration) float64 {
	if len(s) == 0 {
		return 0
	}
	value := s[0].Value
	for _, e := range s {
		if e.Offset > sinceMidnight {
			break
		}
		value = e.Value
	}
	return value
}

// Max returns the largest value in the schedule
func (s Schedule) Max() float64 {
	var max float64
	for _, e := range s {
		if e.Value > max {
			max = e.Value
		}
	}
	return max
}

// Sorted returns a copy of the schedule ordered by offset
func (s Schedule) Sorted() Schedule {
	out := make(Schedule, len(s))
	copy(out, s)
	sort.Slice(out, func(i, j int) bool { return out[i].Offset < out[j].Offset })
	return out
}

// Profile is the therapy profile snapshot used for one loop cycle. All
// glucose values are mg/dL.
type Profile struct {
	Name     string         `json:"name"`
	DIA      float64        `json:"dia"` // hours
	ISF      Schedule       `json:"isf"` // mg/dL per U
	IC       Schedule       `json:"ic"`  // g per U
	Basal    Schedule       `json:"basal"`
	TargetLo Schedule       `json:"targetLow"`
	TargetHi Schedule       `json:"targetHigh"`
	Location *time.Location `json:"-"`
}

func (p *Profile) sinceMidnight(at time.Time) time.Duration {
	loc := p.Location
	if loc == nil {
		loc = time.Local
	}
	local := at.In(loc)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	return local.Sub(midnight)
}

// IsfMgdl returns the insulin sensitivity factor at the given time
func (p *Profile) IsfMgdl(at time.Time) float64 {
	return p.ISF.At(p.sinceMidnight(at))
}

// IcAt returns the insulin to carb ratio at the given time
func (p *Profile) IcAt(at time.Time) float64 {
	return p.IC.At(p.sinceMidnight(at))
}

// BasalAt returns the scheduled basal rate at the given time
func (p *Profile) BasalAt(at time.Time) float64 {
	return p.Basal.At(p.sinceMidnight(at))
}

// MaxDailyBasal returns the highest scheduled basal rate of the day
func (p *Profile) MaxDailyBasal() float64 {
	return p.Basal.Max()
}

// TargetLowMgdl returns the low end of the target range at the given time
func (p *Profile) TargetLowMgdl(at time.Time) float64 {
	return p.TargetLo.At(p.sinceMidnight(at))
}

// TargetHighMgdl returns the high end of the target range at the given time
func (p *Profile) TargetHighMgdl(at time.Time) float64 {
	return p.TargetHi.At(p.sinceMidnight(at))
}

// TargetMgdl returns the midpoint of the target range at the given time
func (p *Profile) TargetMgdl(at time.Time) float64 {
	return (p.TargetLowMgdl(at) + p.TargetHighMgdl(at)) / 2
}

// Validate reports structural problems that make the profile unusable
func (p *Profile) Validate() error {
	switch {
	case p.DIA <= 0:
		return fmt.Errorf("profile %q: dia must be positive", p.Name)
	case len(p.ISF) == 0:
		return fmt.Errorf("profile %q: empty sensitivity schedule", p.Name)
	case len(p.IC) == 0:
		return fmt.Errorf("profile %q: empty carb ratio schedule", p.Name)
	case len(p.Basal) == 0:
		return fmt.Errorf("profile %q: empty basal schedule", p.Name)
	case len(p.TargetLo) == 0 || len(p.TargetHi) == 0:
		return fmt.Errorf("profile %q: empty target schedule", p.Name)
	}
	return nil
}
