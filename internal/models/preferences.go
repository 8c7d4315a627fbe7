package models

import (
	"fmt"
	"strconv"
	"sync"
)

// Preference keys recognized by the loop
const (
	KeyAPSEnabled                = "aps_enabled"
	KeyMaxIOB                    = "max_iob"
	KeyMaxBasal                  = "max_basal"
	KeyBasalSafetyMultiplier     = "basal_safety_multiplier"
	KeyMaxDailySafetyMultiplier  = "max_daily_safety_multiplier"
	KeyUseSMB                    = "use_smb"
	KeyUseUAM                    = "use_uam"
	KeyUseAutosens               = "use_autosens"
	KeyUseDynamicISF             = "use_dynamic_isf"
	KeyNightModeEnabled          = "night_mode_enabled"
	KeyNightModeStart            = "night_mode_start"
	KeyNightModeEnd              = "night_mode_end"
	KeyNightModeBgOffset         = "night_mode_bg_offset"
	KeyNightModeDisableWithCOB   = "night_mode_disable_with_cob"
	KeyNightModeDisableWithLowTT = "night_mode_disable_with_low_temp_target"
)

// DefaultPreferenceValues lists every recognized key with its default
func DefaultPreferenceValues() map[string]any {
	return map[string]any{
		KeyAPSEnabled:                true,
		KeyMaxIOB:                    3.0,
		KeyMaxBasal:                  1.0,
		KeyBasalSafetyMultiplier:     4.0,
		KeyMaxDailySafetyMultiplier:  3.0,
		KeyUseSMB:                    false,
		KeyUseUAM:                    false,
		KeyUseAutosens:               false,
		KeyUseDynamicISF:             false,
		KeyNightModeEnabled:          false,
		KeyNightModeStart:            "22:00",
		KeyNightModeEnd:              "07:00",
		KeyNightModeBgOffset:         27.0,
		KeyNightModeDisableWithCOB:   false,
		KeyNightModeDisableWithLowTT: false,
	}
}

// Preferences is a typed key/default lookup over operator settings.
// Missing keys and values of the wrong type fall back to the caller's default.
type Preferences struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewPreferences creates a store holding the given values
func NewPreferences(values map[string]any) *Preferences {
	p := &Preferences{values: make(map[string]any, len(values))}
	for k, v := range values {
		p.values[k] = v
	}
	return p
}

// GetDouble returns a numeric preference
func (p *Preferences) GetDouble(key string, def float64) float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()

	switch v := p.values[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case string:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

// GetBool returns a boolean preference
func (p *Preferences) GetBool(key string, def bool) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	switch v := p.values[key].(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// GetString returns a string preference
func (p *Preferences) GetString(key string, def string) string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	switch v := p.values[key].(type) {
	case string:
		if v != "" {
			return v
		}
	case fmt.Stringer:
		return v.String()
	}
	return def
}

// Set stores a single value
func (p *Preferences) Set(key string, value any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.values[key] = value
}

// Replace swaps the whole value set, used on config reload
func (p *Preferences) Replace(values map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.values = make(map[string]any, len(values))
	for k, v := range values {
		p.values[k] = v
	}
}

// Clone creates an independent copy of the preferences
func (p *Preferences) Clone() *Preferences {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return NewPreferences(p.values)
}
