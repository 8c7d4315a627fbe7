package iob

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/mrcode/nightscout-aps/internal/models"
)

const (
	carbWindow        = 6 * time.Hour
	deviationWindow   = 45 * time.Minute
	autosensMin       = 0.7
	autosensMax       = 1.2
	autosensMinSample = 10
)

func carbSensitivity(p *models.Profile, at time.Time) float64 {
	if p == nil {
		return 0
	}
	ic := p.IcAt(at)
	if ic <= 0 {
		return 0
	}
	return p.IsfMgdl(at) / ic
}

// mealData summarizes carbs and bolus timing; slopes come from the
// deviations of the last 45 minutes
func mealData(snap *snapshot, model CarbModel, now time.Time) models.MealData {
	var meal models.MealData
	for i := range snap.treatments {
		t := &snap.treatments[i]
		at := t.Time()
		if at.After(now) {
			continue
		}
		if t.HasInsulin() && at.After(meal.LastBolusTime) {
			meal.LastBolusTime = at
		}
		if !t.HasCarbs() || now.Sub(at) > carbWindow {
			continue
		}
		meal.Carbs += t.Carbs
		if at.After(meal.LastCarbTime) {
			meal.LastCarbTime = at
		}
		remaining := t.Carbs - model.Absorbed(t.Carbs, now.Sub(at), carbSensitivity(snap.profile, at))
		if remaining > 0 {
			meal.MealCOB += remaining
		}
	}
	meal.MealCOB = math.Round(meal.MealCOB*10) / 10

	if snap.profile != nil {
		meal.SlopeFromMaxDeviation, meal.SlopeFromMinDeviation = deviationSlopes(snap, now)
	}
	return meal
}

type deviation struct {
	at    time.Time
	value float64
}

// deviations compares each five minute glucose change with the change
// insulin activity explains. Newest first.
func deviations(snap *snapshot, since, now time.Time) []deviation {
	curve := NewInsulinCurve(snap.profile.DIA)
	doses := deliveries(snap, now, 1)

	var out []deviation
	for i := 0; i+1 < len(snap.entries); i++ {
		cur, prev := snap.entries[i], snap.entries[i+1]
		if cur.Time().Before(since) {
			break
		}
		gap := cur.Time().Sub(prev.Time()).Minutes()
		if gap < 4 || gap > 6 {
			continue
		}
		activity := total(doses, curve, cur.Time()).Activity
		bgi := -activity * snap.profile.IsfMgdl(cur.Time()) * gap
		out = append(out, deviation{at: cur.Time(), value: float64(cur.SGV-prev.SGV) - bgi})
	}
	return out
}

func deviationSlopes(snap *snapshot, now time.Time) (fromMax, fromMin float64) {
	devs := deviations(snap, now.Add(-deviationWindow), now)
	if len(devs) < 2 {
		return 0, 0
	}
	current := devs[0]
	maxDev, minDev := devs[1], devs[1]
	for _, d := range devs[1:] {
		if d.value > maxDev.value {
			maxDev = d
		}
		if d.value < minDev.value {
			minDev = d
		}
	}
	if steps := current.at.Sub(maxDev.at).Minutes() / 5; steps > 0 {
		fromMax = math.Min(0, (current.value-maxDev.value)/steps)
	}
	if steps := current.at.Sub(minDev.at).Minutes() / 5; steps > 0 {
		fromMin = math.Max(0, (current.value-minDev.value)/steps)
	}
	return round2(fromMax), round2(fromMin)
}

// autosens takes the median ratio of observed to expected glucose change
// over the day, for intervals where insulin or carbs explain a notable
// change, clamped to [0.7, 1.2]
func autosens(snap *snapshot, carbs CarbModel, now time.Time) models.AutosensResult {
	curve := NewInsulinCurve(snap.profile.DIA)
	doses := deliveries(snap, now, 1)

	var ratios []float64
	for i := 0; i+1 < len(snap.entries); i++ {
		cur, prev := snap.entries[i], snap.entries[i+1]
		gap := cur.Time().Sub(prev.Time())
		if gap < 4*time.Minute || gap > 6*time.Minute {
			continue
		}

		activity := total(doses, curve, cur.Time()).Activity
		expected := -activity * snap.profile.IsfMgdl(cur.Time()) * gap.Minutes()
		for j := range snap.treatments {
			t := &snap.treatments[j]
			if !t.HasCarbs() {
				continue
			}
			csf := carbSensitivity(snap.profile, t.Time())
			absorbed := carbs.Absorbed(t.Carbs, cur.Time().Sub(t.Time()), csf) -
				carbs.Absorbed(t.Carbs, prev.Time().Sub(t.Time()), csf)
			expected += absorbed * csf
		}

		if math.Abs(expected) > 5 {
			actual := float64(cur.SGV - prev.SGV)
			ratios = append(ratios, (actual+100)/(expected+100))
		}
	}

	res := models.NewAutosensResult()
	if len(ratios) < autosensMinSample {
		res.SensResult = fmt.Sprintf("not enough data: %d intervals", len(ratios))
		return res
	}
	sort.Float64s(ratios)
	raw := ratios[len(ratios)/2]
	res.Ratio = math.Round(math.Max(autosensMin, math.Min(autosensMax, raw))*100) / 100
	if res.Ratio != math.Round(raw*100)/100 {
		res.RatioLimit = fmt.Sprintf("ratio limited from %.2f to %.2f", raw, res.Ratio)
	}
	switch {
	case res.Ratio > 1:
		res.SensResult = "excess insulin resistance detected"
	case res.Ratio < 1:
		res.SensResult = "excess insulin sensitivity detected"
	default:
		res.SensResult = "sensitivity normal"
	}
	return res
}
