package constraints

import "github.com/mrcode/nightscout-aps/internal/models"

// Provider narrows loop values. Each method receives the value resolved so
// far and returns the narrowed one; implementations must not re-enable a flag
// an earlier provider switched off.
type Provider interface {
	Name() string
	ApplyMaxIOBConstraints(maxIOB Value[float64]) Value[float64]
	ApplyBasalConstraints(absoluteRate Value[float64], profile *models.Profile) Value[float64]
	IsSMBModeEnabled(value Value[bool]) Value[bool]
	IsUAMEnabled(value Value[bool]) Value[bool]
	IsAdvancedFilteringEnabled(value Value[bool]) Value[bool]
	IsAutosensModeEnabled(value Value[bool]) Value[bool]
	IsDynIsfModeEnabled(value Value[bool]) Value[bool]
	IsSuperBolusEnabled(value Value[bool]) Value[bool]
}

// NoopProvider returns every value unchanged. Embed it to implement only
// the constraints a provider cares about.
type NoopProvider struct{}

func (NoopProvider) ApplyMaxIOBConstraints(v Value[float64]) Value[float64] { return v }

func (NoopProvider) ApplyBasalConstraints(v Value[float64], _ *models.Profile) Value[float64] {
	return v
}

func (NoopProvider) IsSMBModeEnabled(v Value[bool]) Value[bool]           { return v }
func (NoopProvider) IsUAMEnabled(v Value[bool]) Value[bool]               { return v }
func (NoopProvider) IsAdvancedFilteringEnabled(v Value[bool]) Value[bool] { return v }
func (NoopProvider) IsAutosensModeEnabled(v Value[bool]) Value[bool]      { return v }
func (NoopProvider) IsDynIsfModeEnabled(v Value[bool]) Value[bool]        { return v }
func (NoopProvider) IsSuperBolusEnabled(v Value[bool]) Value[bool]        { return v }
