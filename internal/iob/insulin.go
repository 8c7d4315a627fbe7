package iob

import (
	"math"
	"time"

	"github.com/mrcode/nightscout-aps/internal/models"
)

const (
	step         = 5 * time.Minute
	seriesLength = 48
	normalTarget = 100.0
)

// dose is insulin delivered at one instant. Basal doses are net of the
// scheduled rate and may be negative.
type dose struct {
	at    time.Time
	units float64
	basal bool
}

// deliveries flattens boluses and net temp basal delivery up to now. Temp
// basals are split into five minute chunks; a later temp basal or a cancel
// entry ends the previous one.
func deliveries(snap *snapshot, now time.Time, basalRatio float64) []dose {
	var doses []dose
	type span struct {
		start, end time.Time
		rate       float64
		extra      bool
	}
	var spans []span
	lastTemp := -1

	for i := range snap.treatments {
		t := &snap.treatments[i]
		at := t.Time()
		if at.After(now) {
			continue
		}
		if t.HasInsulin() {
			doses = append(doses, dose{at: at, units: t.Insulin})
		}
		switch t.EventType {
		case models.EventTypeTempBasal:
			if lastTemp >= 0 && spans[lastTemp].end.After(at) {
				spans[lastTemp].end = at
			}
			if tb, ok := t.TempBasal(); ok {
				lastTemp = len(spans)
				spans = append(spans, span{start: tb.Timestamp, end: tb.Timestamp.Add(tb.Duration), rate: tb.Rate})
			}
		case models.EventTypeComboBolus:
			if eb, ok := t.ExtendedBolus(); ok {
				spans = append(spans, span{start: eb.Timestamp, end: eb.Timestamp.Add(eb.Duration), rate: eb.Rate, extra: true})
			}
		}
	}

	if snap.profile == nil {
		return doses
	}
	for _, s := range spans {
		end := s.end
		if end.After(now) {
			end = now
		}
		for at := s.start; at.Before(end); at = at.Add(step) {
			chunk := min(step, end.Sub(at))
			net := s.rate
			if !s.extra {
				net -= snap.profile.BasalAt(at) * basalRatio
			}
			doses = append(doses, dose{at: at, units: net * chunk.Hours(), basal: true})
		}
	}
	return doses
}

// total sums the insulin on board of doses at the instant
func total(doses []dose, curve InsulinCurve, at time.Time) models.IobTotal {
	out := models.IobTotal{Time: at}
	for _, d := range doses {
		elapsed := at.Sub(d.at)
		if elapsed < 0 || elapsed >= curve.DIA {
			continue
		}
		remaining, activity := curve.At(elapsed)
		out.IOB += d.units * remaining
		out.Activity += d.units * activity
		if d.basal {
			out.BasalIOB += d.units * remaining
			out.NetBasalInsulin += d.units
		} else {
			out.BolusIOB += d.units * remaining
		}
	}
	out.IOB = round3(out.IOB)
	out.Activity = round4(out.Activity)
	out.BolusIOB = round3(out.BolusIOB)
	out.BasalIOB = round3(out.BasalIOB)
	out.NetBasalInsulin = round3(out.NetBasalInsulin)
	return out
}

// series projects insulin on board forward. Each sample also carries the
// projection assuming a zero temp starting now.
func series(snap *snapshot, now time.Time, basalRatio float64) []models.IobTotal {
	curve := NewInsulinCurve(snap.profile.DIA)
	doses := deliveries(snap, now, basalRatio)

	out := make([]models.IobTotal, 0, seriesLength)
	zeroTemp := append([]dose(nil), doses...)
	for i := 0; i < seriesLength; i++ {
		at := now.Add(time.Duration(i) * step)
		sample := total(doses, curve, at)

		if i > 0 {
			from := at.Add(-step)
			zeroTemp = append(zeroTemp, dose{
				at:    from,
				units: -snap.profile.BasalAt(from) * basalRatio * step.Hours(),
				basal: true,
			})
		}
		zt := total(zeroTemp, curve, at)
		sample.IOBWithZeroTemp = &zt
		out = append(out, sample)
	}
	return out
}

// basalRatio is the factor applied to the scheduled basal. A high temp
// target in exercise mode lowers it by the half basal target rule.
func basalRatio(opts SeriesOptions) float64 {
	ratio := opts.Autosens.Ratio
	if ratio <= 0 {
		ratio = 1
	}
	if opts.ExerciseMode && opts.IsTempTarget && opts.Target > normalTarget && opts.HalfBasalTarget > normalTarget {
		c := opts.HalfBasalTarget - normalTarget
		ratio = c / (c + opts.Target - normalTarget)
	}
	return ratio
}

func round3(v float64) float64 { return math.Round(v*1000) / 1000 }
func round4(v float64) float64 { return math.Round(v*10000) / 10000 }
