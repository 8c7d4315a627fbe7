package iob

import (
	"math"
	"time"

	"github.com/mrcode/nightscout-aps/internal/models"
)

const (
	staleAfter     = 12 * time.Minute
	flatWindow     = 45 * time.Minute
	flatMinSamples = 5
)

// glucoseStatus computes deltas from readings sorted newest first. The
// delta averages readings 2.5 to 7.5 minutes old, the short average 2.5 to
// 17.5 minutes and the long average 17.5 to 42.5 minutes, all scaled to
// mg/dL per 5 minutes.
func glucoseStatus(entries []models.GlucoseEntry, now time.Time) *models.GlucoseStatus {
	if len(entries) == 0 {
		return nil
	}
	latest := entries[0]
	if now.Sub(latest.Time()) > staleAfter {
		return nil
	}

	var last, short, long []float64
	for _, e := range entries[1:] {
		minutesAgo := latest.Time().Sub(e.Time()).Minutes()
		if minutesAgo <= 0 {
			continue
		}
		avgDelta := float64(latest.SGV-e.SGV) / minutesAgo * 5
		switch {
		case minutesAgo > 2.5 && minutesAgo < 17.5:
			short = append(short, avgDelta)
			if minutesAgo < 7.5 {
				last = append(last, avgDelta)
			}
		case minutesAgo >= 17.5 && minutesAgo < 42.5:
			long = append(long, avgDelta)
		}
		if minutesAgo >= 42.5 {
			break
		}
	}

	return &models.GlucoseStatus{
		Glucose:       float64(latest.SGV),
		Noise:         float64(latest.Noise),
		Delta:         round2(mean(last)),
		ShortAvgDelta: round2(mean(short)),
		LongAvgDelta:  round2(mean(long)),
		Date:          latest.Time(),
	}
}

// quality classifies recent readings. Five or more readings in the last
// 45 minutes with no spread are reported flat.
func quality(entries []models.GlucoseEntry, now time.Time) models.BgQuality {
	if len(entries) == 0 {
		return models.BgQualityUnknown
	}

	var recent []models.GlucoseEntry
	for _, e := range entries {
		if now.Sub(e.Time()) > flatWindow {
			break
		}
		recent = append(recent, e)
	}

	if len(recent) >= flatMinSamples {
		lo, hi := recent[0].SGV, recent[0].SGV
		for _, e := range recent[1:] {
			lo = min(lo, e.SGV)
			hi = max(hi, e.SGV)
		}
		if hi == lo {
			return models.BgQualityFlat
		}
	}

	for i := 1; i < len(recent); i++ {
		if recent[i-1].Time().Sub(recent[i].Time()) < time.Minute {
			return models.BgQualityDoubled
		}
	}
	return models.BgQualityFiveMinData
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
