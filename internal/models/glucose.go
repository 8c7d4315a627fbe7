// Package models contains data structures used throughout the loop
package models

import "time"

// mgdlPerMmol converts between the two glucose units
const mgdlPerMmol = 18.0182

// GlucoseEntry is one sgv document of the entries collection. Date is in
// unix milliseconds and SGV in mg/dL.
type GlucoseEntry struct {
	ID        string `json:"_id"`
	SGV       int    `json:"sgv"`
	Date      int64  `json:"date"`
	Direction string `json:"direction"`
	Noise     int    `json:"noise"`
	Device    string `json:"device,omitempty"`
}

func (g GlucoseEntry) Time() time.Time { return time.UnixMilli(g.Date) }

func (g GlucoseEntry) ValueMmolL() float64 { return ToMmol(float64(g.SGV)) }

var trendArrows = map[string]string{
	"DoubleUp":          "⇈",
	"SingleUp":          "↑",
	"FortyFiveUp":       "↗",
	"Flat":              "→",
	"FortyFiveDown":     "↘",
	"SingleDown":        "↓",
	"DoubleDown":        "⇊",
	"NOT COMPUTABLE":    "?",
	"RATE OUT OF RANGE": "⚠",
}

// TrendArrow renders Direction, "-" when the server sent none
func (g GlucoseEntry) TrendArrow() string {
	if arrow, ok := trendArrows[g.Direction]; ok {
		return arrow
	}
	return "-"
}

// GlucoseStatus is the glucose snapshot handed to the dosing engine.
// Deltas are expressed in mg/dL per 5 minutes.
type GlucoseStatus struct {
	Glucose       float64   `json:"glucose"`
	Noise         float64   `json:"noise"`
	Delta         float64   `json:"delta"`
	ShortAvgDelta float64   `json:"short_avgdelta"`
	LongAvgDelta  float64   `json:"long_avgdelta"`
	Date          time.Time `json:"date"`
}

// BgQuality is the state reported by the glucose quality check
type BgQuality int

const (
	BgQualityUnknown BgQuality = iota
	BgQualityFiveMinData
	BgQualityRecalculated
	BgQualityDoubled
	BgQualityFlat
)

func (q BgQuality) String() string {
	switch q {
	case BgQualityFiveMinData:
		return "FIVE_MIN_DATA"
	case BgQualityRecalculated:
		return "RECALCULATED"
	case BgQualityDoubled:
		return "DOUBLED"
	case BgQualityFlat:
		return "FLAT"
	default:
		return "UNKNOWN"
	}
}

// ServerStatus is the subset of /api/v1/status the loop reads
type ServerStatus struct {
	Status     string `json:"status"`
	Name       string `json:"name"`
	Version    string `json:"version"`
	APIEnabled bool   `json:"apiEnabled"`
}

func ToMmol(mgdl float64) float64 { return mgdl / mgdlPerMmol }

func ToMgdl(mmol float64) float64 { return mmol * mgdlPerMmol }
