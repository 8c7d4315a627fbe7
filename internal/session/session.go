// Package session holds the per-cycle snapshot of profile, glucose and meal
// data. A Session loads each snapshot at most once until Refresh is called;
// it is owned by a single cycle and dropped when the cycle ends.
package session

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mrcode/nightscout-aps/internal/logging"
	"github.com/mrcode/nightscout-aps/internal/models"
)

// ProfileSource returns the active profile, nil when none is set
type ProfileSource interface {
	CurrentProfile(ctx context.Context) (*models.Profile, error)
}

// GlucoseSource returns the current glucose status, nil when no data
type GlucoseSource interface {
	CurrentStatus(ctx context.Context) (*models.GlucoseStatus, error)
}

// MealSource returns carbohydrate state, optionally waiting for a running
// calculation to finish
type MealSource interface {
	MealData(ctx context.Context, waitForCalculation bool) (*models.MealData, error)
}

// TempTargetSource answers the point query for the active temporary target
type TempTargetSource interface {
	ActiveAt(ctx context.Context, at time.Time) (*models.TemporaryTarget, error)
}

// Sources bundles the collaborators a session reads from
type Sources struct {
	Profiles    ProfileSource
	Glucose     GlucoseSource
	Meals       MealSource
	TempTargets TempTargetSource
}

// Session is the snapshot of one cycle
type Session struct {
	src    Sources
	logger *zap.Logger

	profile       *models.Profile
	profileLoaded bool
	glucose       *models.GlucoseStatus
	glucoseLoaded bool
	meal          *models.MealData
}

// New starts an empty session; nothing is loaded until first requested
func New(src Sources, logger *zap.Logger) *Session {
	return &Session{src: src, logger: logging.OrNop(logger)}
}

// Profile returns the profile snapshot, loading it on first use
func (s *Session) Profile(ctx context.Context) *models.Profile {
	if !s.profileLoaded {
		s.profileLoaded = true
		if s.src.Profiles == nil {
			return nil
		}
		p, err := s.src.Profiles.CurrentProfile(ctx)
		if err != nil {
			s.logger.Warn("loading profile", zap.Error(err))
			p = nil
		}
		s.profile = p
	}
	return s.profile
}

// GlucoseStatus returns the glucose snapshot, loading it on first use
func (s *Session) GlucoseStatus(ctx context.Context) *models.GlucoseStatus {
	if !s.glucoseLoaded {
		s.glucoseLoaded = true
		if s.src.Glucose == nil {
			return nil
		}
		g, err := s.src.Glucose.CurrentStatus(ctx)
		if err != nil {
			s.logger.Warn("loading glucose status", zap.Error(err))
			g = nil
		}
		s.glucose = g
	}
	return s.glucose
}

// MealData returns the meal snapshot, loading it on first use. A failed
// load yields empty meal data.
func (s *Session) MealData(ctx context.Context) models.MealData {
	if s.meal == nil {
		s.meal = &models.MealData{}
		if s.src.Meals != nil {
			m, err := s.src.Meals.MealData(ctx, true)
			if err != nil {
				s.logger.Warn("loading meal data", zap.Error(err))
			} else if m != nil {
				s.meal = m
			}
		}
	}
	return *s.meal
}

// TempTargetAt queries the temporary target active at the instant. The
// result is not cached since it depends on the instant.
func (s *Session) TempTargetAt(ctx context.Context, at time.Time) *models.TemporaryTarget {
	if s.src.TempTargets == nil {
		return nil
	}
	tt, err := s.src.TempTargets.ActiveAt(ctx, at)
	if err != nil {
		s.logger.Warn("loading temporary target", zap.Error(err))
		return nil
	}
	return tt
}

// Refresh drops every cached snapshot so the next access reloads it
func (s *Session) Refresh() {
	s.profile, s.profileLoaded = nil, false
	s.glucose, s.glucoseLoaded = nil, false
	s.meal = nil
}
