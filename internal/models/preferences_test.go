package models

import (
	"testing"
)

func TestPreferences_Defaults(t *testing.T) {
	prefs := NewPreferences(nil)

	if got := prefs.GetDouble(KeyMaxIOB, 3.0); got != 3.0 {
		t.Errorf("GetDouble(max_iob) = %v, want 3.0", got)
	}
	if got := prefs.GetBool(KeyUseSMB, false); got {
		t.Error("GetBool(use_smb) should fall back to false")
	}
	if got := prefs.GetString(KeyNightModeStart, "22:00"); got != "22:00" {
		t.Errorf("GetString(night_mode_start) = %s, want 22:00", got)
	}
}

func TestPreferences_TypedLookups(t *testing.T) {
	prefs := NewPreferences(map[string]any{
		KeyMaxIOB:           5,
		KeyMaxBasal:         "2.5",
		KeyUseSMB:           "true",
		KeyNightModeEnabled: true,
		KeyNightModeEnd:     "",
	})

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"int as double", prefs.GetDouble(KeyMaxIOB, 0), 5.0},
		{"string as double", prefs.GetDouble(KeyMaxBasal, 0), 2.5},
		{"string as bool", prefs.GetBool(KeyUseSMB, false), true},
		{"bool", prefs.GetBool(KeyNightModeEnabled, false), true},
		{"empty string uses default", prefs.GetString(KeyNightModeEnd, "07:00"), "07:00"},
		{"wrong type uses default", prefs.GetBool(KeyMaxIOB, true), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %v, want %v", tt.got, tt.want)
			}
		})
	}
}

func TestPreferences_Clone(t *testing.T) {
	original := NewPreferences(DefaultPreferenceValues())
	clone := original.Clone()

	clone.Set(KeyMaxIOB, 9.0)
	if original.GetDouble(KeyMaxIOB, 0) != 3.0 {
		t.Error("Modifying clone affected original")
	}
}

func TestPreferences_Replace(t *testing.T) {
	prefs := NewPreferences(DefaultPreferenceValues())
	prefs.Replace(map[string]any{KeyUseUAM: true})

	if !prefs.GetBool(KeyUseUAM, false) {
		t.Error("Replace did not install new value")
	}
	if got := prefs.GetDouble(KeyMaxIOB, 1.5); got != 1.5 {
		t.Errorf("Replace should drop old keys, got %v", got)
	}
}
