package models

import "time"

// Reason is one provenance entry of a constraint: why the value moved and
// which provider moved it
type Reason struct {
	Source  string `json:"source"`
	Message string `json:"message"`
}

func (r Reason) String() string {
	return r.Source + ": " + r.Message
}

// DosingRequest is the fully resolved input handed to the dosing engine
type DosingRequest struct {
	Profile           *Profile       `json:"-"`
	ProfileName       string         `json:"profile"`
	MaxIOB            float64        `json:"max_iob"`
	MaxBasal          float64        `json:"max_basal"`
	MinBG             float64        `json:"min_bg"`
	MaxBG             float64        `json:"max_bg"`
	TargetBG          float64        `json:"target_bg"`
	BaseBasalRate     float64        `json:"current_basal"`
	IOBArray          []IobTotal     `json:"iob_data"`
	GlucoseStatus     GlucoseStatus  `json:"glucose_status"`
	MealData          MealData       `json:"meal_data"`
	Autosens          AutosensResult `json:"autosens_data"`
	IsTempTarget      bool           `json:"temptargetSet"`
	MicroBolusAllowed bool           `json:"microBolusAllowed"`
	UAMAllowed        bool           `json:"enableUAM"`
	AdvancedFiltering bool           `json:"advancedFiltering"`
	DynamicISF        bool           `json:"dynamicIsf"`
	FlatBGsDetected   bool           `json:"flatBGsDetected"`
	CurrentTime       time.Time      `json:"currentTime"`
}

// DosingResult is the engine recommendation after post-processing
type DosingResult struct {
	Rate               float64      `json:"rate"`     // U/h
	Duration           int          `json:"duration"` // minutes
	SMB                float64      `json:"units"`    // micro bolus, U
	TempBasalRequested bool         `json:"tempBasalRequested"`
	Reason             string       `json:"reason"`
	EventualBG         float64      `json:"eventualBG"`
	IOB                IobTotal     `json:"iob"`
	COB                float64      `json:"COB"`
	Predictions        *Predictions `json:"predBGs,omitempty"`
	InputConstraints   []Reason     `json:"inputConstraints"`
	Timestamp          time.Time    `json:"timestamp"`
}

// Predictions are the glucose curves behind a recommendation, one value
// every five minutes starting now
type Predictions struct {
	IOB []float64 `json:"IOB"`
	COB []float64 `json:"COB,omitempty"`
	UAM []float64 `json:"UAM,omitempty"`
	ZT  []float64 `json:"ZT"`
}

// Summary renders the recommendation in one line
func (r *DosingResult) Summary() string {
	if r == nil {
		return "no result"
	}
	if !r.TempBasalRequested && r.SMB <= 0 {
		return "no change requested: " + r.Reason
	}
	return r.Reason
}
