package models

import "time"

// MealData summarizes carbohydrate state for the dosing engine
type MealData struct {
	Carbs                 float64   `json:"carbs"`   // carbs entered within the absorption window
	MealCOB               float64   `json:"mealCOB"` // grams still on board
	SlopeFromMaxDeviation float64   `json:"slopeFromMaxDeviation"`
	SlopeFromMinDeviation float64   `json:"slopeFromMinDeviation"`
	LastBolusTime         time.Time `json:"lastBolusTime"`
	LastCarbTime          time.Time `json:"lastCarbTime"`
}

// AutosensResult is the outcome of the sensitivity analysis
type AutosensResult struct {
	Ratio      float64 `json:"ratio"`
	SensResult string  `json:"sensResult"`
	RatioLimit string  `json:"ratioLimit"`
}

// NewAutosensResult returns the neutral sensitivity result
func NewAutosensResult() AutosensResult {
	return AutosensResult{Ratio: 1.0, SensResult: "autosens not available"}
}

// IobTotal is one sample of the insulin-on-board series
type IobTotal struct {
	Time            time.Time `json:"time"`
	IOB             float64   `json:"iob"`
	Activity        float64   `json:"activity"`
	BolusIOB        float64   `json:"bolusiob"`
	BasalIOB        float64   `json:"basaliob"`
	NetBasalInsulin float64   `json:"netbasalinsulin"`
	IOBWithZeroTemp *IobTotal `json:"iobWithZeroTemp,omitempty"`
}

// PatientAge selects the hard-limit table row
type PatientAge string

const (
	AgeChild          PatientAge = "child"
	AgeTeenage        PatientAge = "teenage"
	AgeAdult          PatientAge = "adult"
	AgeResistantAdult PatientAge = "resistantadult"
	AgePregnant       PatientAge = "pregnant"
)
