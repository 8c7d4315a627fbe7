package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/mrcode/nightscout-aps/internal/app"
	"github.com/mrcode/nightscout-aps/internal/aps"
	"github.com/mrcode/nightscout-aps/internal/config"
	"github.com/mrcode/nightscout-aps/internal/hardlimits"
	"github.com/mrcode/nightscout-aps/internal/iob"
	"github.com/mrcode/nightscout-aps/internal/logging"
	"github.com/mrcode/nightscout-aps/internal/models"
	"github.com/mrcode/nightscout-aps/internal/nightmode"
	"github.com/mrcode/nightscout-aps/internal/nightscout"
	"github.com/mrcode/nightscout-aps/internal/notifications"
	"github.com/mrcode/nightscout-aps/internal/oref"
	"github.com/mrcode/nightscout-aps/internal/session"
	"github.com/mrcode/nightscout-aps/internal/store"
)

// enteredBy tags treatments uploaded to Nightscout
const enteredBy = "nightscout-aps"

// loop holds every wired component of one process
type loop struct {
	path     string
	cfg      *config.Config
	logger   *zap.Logger
	prefs    *models.Preferences
	client   *nightscout.Client
	profiles *nightscout.ProfileSource
	store    *store.Store
	notify   *notifications.Manager
	plugin   *aps.Plugin
}

// loadConfig reads the config file. A missing file falls back to the
// defaults.
func loadConfig(path string, logger *zap.Logger) (string, *config.Config, error) {
	if path == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return "", nil, fmt.Errorf("locating config: %w", err)
		}
		path = p
	}
	cfg, err := config.Load(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return "", nil, err
		}
		logger.Warn("config file not found, using defaults", zap.String("path", path))
	}
	if err := cfg.Validate(); err != nil {
		return "", nil, err
	}
	return path, cfg, nil
}

func newLoop(path string, cfg *config.Config, logger *zap.Logger) (*loop, error) {
	logger = logging.OrNop(logger)

	db, err := store.Open(cfg.Loop.DatabasePath, logger.Named("store"))
	if err != nil {
		return nil, err
	}

	ns := cfg.Nightscout
	client := nightscout.NewClient(ns.URL, ns.APISecret, ns.APIToken, ns.UseToken)
	profiles := nightscout.NewProfileSource(client, cfg.Loop.ProfileCacheTime, logger.Named("profile"))
	calc := iob.NewCalculator(client, profiles, logger.Named("iob"))

	notify := notifications.NewManager(logger.Named("notify"), cfg.Notifications.Desktop, cfg.Notifications.Repeat)
	prefs := models.NewPreferences(cfg.Preferences)
	verifier := hardlimits.NewVerifier(models.PatientAge(cfg.Loop.PatientAge), notify, logger)
	night := nightmode.New(prefs, verifier, logger)

	plugin := aps.New(prefs, verifier, night, aps.Deps{
		Sources: session.Sources{
			Profiles:    profiles,
			Glucose:     calc,
			Meals:       calc,
			TempTargets: db,
		},
		IOB:      calc,
		Quality:  calc,
		Pump:     aps.NewProfilePump(profiles, logger.Named("pump")),
		Engine:   oref.New(oref.DefaultConfig(), logger),
		Sink:     notify,
		Recorder: db,
	}, aps.Options{
		DynamicISF:      cfg.Loop.DynamicISF,
		ExerciseMode:    cfg.Loop.ExerciseMode,
		HalfBasalTarget: cfg.Loop.HalfBasalTarget,
		EngineTimeout:   cfg.Loop.EngineTimeout,
	}, logger, aps.SafetyProvider{Limits: verifier.Table})

	return &loop{
		path:     path,
		cfg:      cfg,
		logger:   logger,
		prefs:    prefs,
		client:   client,
		profiles: profiles,
		store:    db,
		notify:   notify,
		plugin:   plugin,
	}, nil
}

func (l *loop) Close() error {
	return l.store.Close()
}

func serviceOptions(cfg *config.Config) app.Options {
	return app.Options{
		Enabled:      cfg.Loop.Enabled,
		Interval:     cfg.Loop.Interval,
		SyncInterval: cfg.Loop.TempTargetSync,
	}
}

func (l *loop) syncTempTargets(ctx context.Context, since time.Time) (int, error) {
	return l.store.Sync(ctx, l.client, since)
}

// reload applies a changed config file. Options fixed at construction keep
// their startup values until restart.
func (l *loop) reload(svc *app.Service) func(*config.Config) {
	return func(cfg *config.Config) {
		l.prefs.Replace(cfg.Preferences)
		svc.Reconfigure(serviceOptions(cfg))
	}
}
