// Package config loads and validates the loop configuration file
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/mrcode/nightscout-aps/internal/models"
	"github.com/mrcode/nightscout-aps/internal/nightmode"
)

const appName = "nightscout-aps"

// Config is the whole configuration file
type Config struct {
	Nightscout    NightscoutConfig   `yaml:"nightscout"`
	Loop          LoopConfig         `yaml:"loop"`
	Notifications NotificationConfig `yaml:"notifications"`
	Preferences   map[string]any     `yaml:"preferences"`
}

// NightscoutConfig locates the Nightscout site
type NightscoutConfig struct {
	URL       string `yaml:"url" validate:"required,url"`
	APISecret string `yaml:"api_secret"`
	APIToken  string `yaml:"api_token"`
	UseToken  bool   `yaml:"use_token"`
}

// LoopConfig drives the decision cycle
type LoopConfig struct {
	Enabled          bool          `yaml:"enabled"`
	Interval         time.Duration `yaml:"interval" validate:"gte=1s"`
	PatientAge       string        `yaml:"patient_age" validate:"oneof=child teenage adult resistantadult pregnant"`
	DynamicISF       bool          `yaml:"dynamic_isf"`
	ExerciseMode     bool          `yaml:"exercise_mode"`
	HalfBasalTarget  float64       `yaml:"half_basal_exercise_target" validate:"gte=100,lte=300"`
	EngineTimeout    time.Duration `yaml:"engine_timeout" validate:"gte=0"`
	TempTargetSync   time.Duration `yaml:"temp_target_sync" validate:"gte=0"`
	DatabasePath     string        `yaml:"database_path"`
	MetricsAddr      string        `yaml:"metrics_addr" validate:"omitempty,hostname_port"`
	ProfileCacheTime time.Duration `yaml:"profile_cache" validate:"gte=0"`
}

// NotificationConfig controls the desktop notification sink
type NotificationConfig struct {
	Desktop bool          `yaml:"desktop"`
	Repeat  time.Duration `yaml:"repeat" validate:"gte=0"`
}

// Default returns the configuration used when no file exists
func Default() *Config {
	return &Config{
		Loop: LoopConfig{
			Enabled:          true,
			Interval:         5 * time.Minute,
			PatientAge:       string(models.AgeAdult),
			HalfBasalTarget:  160,
			TempTargetSync:   5 * time.Minute,
			ProfileCacheTime: 15 * time.Minute,
		},
		Notifications: NotificationConfig{
			Desktop: true,
			Repeat:  15 * time.Minute,
		},
		Preferences: models.DefaultPreferenceValues(),
	}
}

// GetConfigDir returns the configuration directory path
func GetConfigDir() (string, error) {
	var configDir string

	switch runtime.GOOS {
	case "windows":
		configDir = os.Getenv("APPDATA")
		if configDir == "" {
			configDir = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Roaming")
		}
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		configDir = filepath.Join(home, "Library", "Application Support")
	default: // Linux and others
		configDir = os.Getenv("XDG_CONFIG_HOME")
		if configDir == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			configDir = filepath.Join(home, ".config")
		}
	}

	return filepath.Join(configDir, appName), nil
}

// DefaultPath returns the full path to the config file
func DefaultPath() (string, error) {
	dir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// Load reads the config at path over the defaults. A missing file yields the
// defaults and an error wrapping os.ErrNotExist.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path) //nolint:gosec // path is chosen by the operator
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, fmt.Errorf("config %s: %w", path, err)
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}

	// preferences merge key by key over the defaults
	defaults := cfg.Preferences
	cfg.Preferences = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	for k, v := range cfg.Preferences {
		defaults[k] = v
	}
	cfg.Preferences = defaults

	if cfg.Loop.DatabasePath == "" {
		cfg.Loop.DatabasePath = filepath.Join(filepath.Dir(path), appName+".db")
	}
	return cfg, nil
}

// Save writes the config to path, creating its directory
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("timeofday", func(fl validator.FieldLevel) bool {
		_, err := nightmode.ParseTimeOfDay(fl.Field().String())
		return err == nil
	})
	return v
}

// preference value rules; keys missing here only need the default's type
var preferenceRules = map[string]string{
	models.KeyMaxIOB:                   "gte=0",
	models.KeyMaxBasal:                 "gte=0",
	models.KeyBasalSafetyMultiplier:    "gt=0",
	models.KeyMaxDailySafetyMultiplier: "gt=0",
	models.KeyNightModeStart:           "timeofday",
	models.KeyNightModeEnd:             "timeofday",
	models.KeyNightModeBgOffset:        "gte=0,lte=100",
}

// Validate checks the struct tags and every preference value
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return validatePreferences(c.Preferences)
}

func validatePreferences(prefs map[string]any) error {
	defaults := models.DefaultPreferenceValues()
	var problems []string

	keys := make([]string, 0, len(prefs))
	for k := range prefs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		value := prefs[key]
		def, known := defaults[key]
		if !known {
			problems = append(problems, fmt.Sprintf("%s: unknown preference", key))
			continue
		}

		var typed any
		switch def.(type) {
		case float64:
			f, ok := asFloat(value)
			if !ok {
				problems = append(problems, fmt.Sprintf("%s: expected a number, got %v", key, value))
				continue
			}
			typed = f
		case bool:
			if _, ok := value.(bool); !ok {
				problems = append(problems, fmt.Sprintf("%s: expected true or false, got %v", key, value))
				continue
			}
			typed = value
		case string:
			if _, ok := value.(string); !ok {
				problems = append(problems, fmt.Sprintf("%s: expected a string, got %v", key, value))
				continue
			}
			typed = value
		}

		if rule, ok := preferenceRules[key]; ok {
			if err := validate.Var(typed, rule); err != nil {
				problems = append(problems, fmt.Sprintf("%s: %v fails %s", key, value, rule))
			}
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid preferences: %s", strings.Join(problems, "; "))
	}
	return nil
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
