package aps

import (
	"context"
	"fmt"
	"math"

	"github.com/mrcode/nightscout-aps/internal/constraints"
	"github.com/mrcode/nightscout-aps/internal/hardlimits"
	"github.com/mrcode/nightscout-aps/internal/models"
	"github.com/mrcode/nightscout-aps/internal/nightmode"
)

const (
	fromPreferences  = "max value in preferences"
	fromHardLimit    = "hard limit"
	fromBasalMult    = "max basal multiplier"
	fromDailyMult    = "max daily basal multiplier"
	increasingBasal  = "increasing max basal value because setting is lower than your max basal in profile"
	safetySourceName = "Safety"
	nightModeSource  = "Night mode"
)

func limitingIOB(v float64, why string) string {
	return fmt.Sprintf("Limiting IOB to %.1f U because of %s", v, why)
}

func limitingBasal(v float64, why string) string {
	return fmt.Sprintf("Limiting max basal rate to %.2f U/h because of %s", v, why)
}

// provider is the plugin's constraint set bound to the data of one
// resolution. The enabled state is probed once per chain.
type provider struct {
	plugin  *Plugin
	ctx     context.Context
	in      nightmode.Inputs
	enabled bool
}

func (c *provider) Name() string { return c.plugin.Name() }

func (c *provider) ApplyMaxIOBConstraints(maxIOB constraints.Value[float64]) constraints.Value[float64] {
	if !c.enabled {
		return maxIOB
	}
	pref := c.plugin.prefs.GetDouble(models.KeyMaxIOB, 3.0)
	maxIOB = constraints.TightenIfSmaller(maxIOB, pref, limitingIOB(pref, fromPreferences), c.Name())
	hard := c.plugin.verifier.MaxIobSMB()
	return constraints.TightenIfSmaller(maxIOB, hard, limitingIOB(hard, fromHardLimit), c.Name())
}

// ApplyBasalConstraints never caps below the profile's own daily maximum:
// a lower preference is raised to it before the multiplier ceilings apply.
func (c *provider) ApplyBasalConstraints(rate constraints.Value[float64], profile *models.Profile) constraints.Value[float64] {
	if !c.enabled || profile == nil {
		return rate
	}
	now := c.plugin.now()
	maxBasal := c.plugin.prefs.GetDouble(models.KeyMaxBasal, 1.0)
	if maxDaily := profile.MaxDailyBasal(); maxBasal < maxDaily {
		maxBasal = maxDaily
		rate = rate.AddReason(increasingBasal, c.Name())
	}
	rate = constraints.TightenIfSmaller(rate, maxBasal, limitingBasal(maxBasal, fromPreferences), c.Name())

	mult := c.plugin.prefs.GetDouble(models.KeyBasalSafetyMultiplier, 4.0)
	fromBasal := math.Floor(mult*profile.BasalAt(now)*100) / 100
	rate = constraints.TightenIfSmaller(rate, fromBasal, limitingBasal(fromBasal, fromBasalMult), c.Name())

	dailyMult := c.plugin.prefs.GetDouble(models.KeyMaxDailySafetyMultiplier, 3.0)
	fromDaily := math.Floor(profile.MaxDailyBasal()*dailyMult*100) / 100
	return constraints.TightenIfSmaller(rate, fromDaily, limitingBasal(fromDaily, fromDailyMult), c.Name())
}

func (c *provider) IsSMBModeEnabled(v constraints.Value[bool]) constraints.Value[bool] {
	switch {
	case !c.plugin.prefs.GetBool(models.KeyUseSMB, false):
		return v.Set(false, "SMB disabled in preferences", c.Name())
	case c.plugin.night != nil && c.plugin.night.IsActive(c.ctx, c.in):
		return v.Set(false, "SMB disabled by night mode", nightModeSource)
	}
	return v
}

func (c *provider) IsUAMEnabled(v constraints.Value[bool]) constraints.Value[bool] {
	if !c.plugin.prefs.GetBool(models.KeyUseUAM, false) {
		return v.Set(false, "UAM disabled in preferences", c.Name())
	}
	return v
}

func (c *provider) IsAdvancedFilteringEnabled(v constraints.Value[bool]) constraints.Value[bool] {
	return v
}

func (c *provider) IsAutosensModeEnabled(v constraints.Value[bool]) constraints.Value[bool] {
	switch {
	case !c.plugin.prefs.GetBool(models.KeyUseAutosens, false):
		return v.Set(false, "Autosens disabled in preferences", c.Name())
	case c.dynamicISF():
		return v.Set(false, "Autosens disabled in DynISF", c.Name())
	}
	return v
}

func (c *provider) IsDynIsfModeEnabled(v constraints.Value[bool]) constraints.Value[bool] {
	switch {
	case !c.plugin.opts.DynamicISF:
		return v.Set(false, "Dynamic ISF not supported by "+c.Name(), c.Name())
	case !c.plugin.prefs.GetBool(models.KeyUseDynamicISF, false):
		return v.Set(false, "Dynamic ISF disabled in preferences", c.Name())
	}
	return v
}

func (c *provider) IsSuperBolusEnabled(v constraints.Value[bool]) constraints.Value[bool] {
	return v.Set(false, "Super bolus not allowed with SMB", c.Name())
}

func (c *provider) dynamicISF() bool {
	return c.plugin.opts.DynamicISF && c.plugin.prefs.GetBool(models.KeyUseDynamicISF, false)
}

// SafetyProvider caps the loop at the absolute hard limits of the patient
// age, whatever the plugin preferences say
type SafetyProvider struct {
	constraints.NoopProvider
	Limits hardlimits.Table
}

func (SafetyProvider) Name() string { return safetySourceName }

func (s SafetyProvider) ApplyMaxIOBConstraints(maxIOB constraints.Value[float64]) constraints.Value[float64] {
	hard := s.Limits.MaxIobSMB()
	return constraints.TightenIfSmaller(maxIOB, hard, limitingIOB(hard, fromHardLimit), safetySourceName)
}

func (s SafetyProvider) ApplyBasalConstraints(rate constraints.Value[float64], _ *models.Profile) constraints.Value[float64] {
	hard := s.Limits.MaxBasal()
	rate = constraints.TightenIfSmaller(rate, hard, limitingBasal(hard, fromHardLimit), safetySourceName)
	if rate.Value() < 0 {
		rate = rate.Set(0, "Limiting max basal rate to 0.00 U/h because of negative value", safetySourceName)
	}
	return rate
}
