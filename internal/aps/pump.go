package aps

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mrcode/nightscout-aps/internal/logging"
	"github.com/mrcode/nightscout-aps/internal/session"
)

// ProfilePump is a virtual pump that delivers the scheduled profile basal.
// It always accepts temp basals.
type ProfilePump struct {
	profiles session.ProfileSource
	logger   *zap.Logger
	now      func() time.Time
}

// NewProfilePump creates a virtual pump over the profile source
func NewProfilePump(profiles session.ProfileSource, logger *zap.Logger) *ProfilePump {
	return &ProfilePump{profiles: profiles, logger: logging.OrNop(logger), now: time.Now}
}

// BaseBasalRate returns the profile basal now, zero when no profile is set
func (p *ProfilePump) BaseBasalRate(ctx context.Context) float64 {
	profile, err := p.profiles.CurrentProfile(ctx)
	if err != nil {
		p.logger.Warn("reading pump base basal", zap.Error(err))
		return 0
	}
	if profile == nil {
		return 0
	}
	return profile.BasalAt(p.now())
}

func (p *ProfilePump) TempBasalCapable(context.Context) (bool, error) { return true, nil }
