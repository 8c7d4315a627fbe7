package nightscout

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mrcode/nightscout-aps/internal/logging"
	"github.com/mrcode/nightscout-aps/internal/models"
)

// number accepts both JSON numbers and numeric strings, as profile editors
// store either
type number float64

func (n *number) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*n = 0
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid number %s", data)
	}
	*n = number(f)
	return nil
}

type scheduleItem struct {
	Time          string `json:"time"`
	Value         number `json:"value"`
	TimeAsSeconds number `json:"timeAsSeconds"`
}

type profileRecord struct {
	DIA        number         `json:"dia"`
	CarbRatio  []scheduleItem `json:"carbratio"`
	Sens       []scheduleItem `json:"sens"`
	Basal      []scheduleItem `json:"basal"`
	TargetLow  []scheduleItem `json:"target_low"`
	TargetHigh []scheduleItem `json:"target_high"`
	Timezone   string         `json:"timezone"`
	Units      string         `json:"units"`
}

type profileDocument struct {
	ID             string                   `json:"_id"`
	DefaultProfile string                   `json:"defaultProfile"`
	StartDate      string                   `json:"startDate"`
	Units          string                   `json:"units"`
	Store          map[string]profileRecord `json:"store"`
}

// GetProfile retrieves the active profile. It returns nil when Nightscout
// holds no profile.
func (c *Client) GetProfile(ctx context.Context) (*models.Profile, error) {
	var docs []profileDocument
	if err := c.get(ctx, "/api/v1/profile.json", nil, "profile", &docs); err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, nil
	}
	return docs[0].active()
}

func (d profileDocument) active() (*models.Profile, error) {
	name := d.DefaultProfile
	record, ok := d.Store[name]
	if !ok {
		return nil, nil
	}

	units := record.Units
	if units == "" {
		units = d.Units
	}
	mmol := strings.HasPrefix(strings.ToLower(units), "mmol")

	loc := time.Local
	if record.Timezone != "" {
		if l, err := time.LoadLocation(record.Timezone); err == nil {
			loc = l
		}
	}

	sens, err := schedule(record.Sens, mmol)
	if err != nil {
		return nil, fmt.Errorf("profile %q sens: %w", name, err)
	}
	ic, err := schedule(record.CarbRatio, false)
	if err != nil {
		return nil, fmt.Errorf("profile %q carbratio: %w", name, err)
	}
	basal, err := schedule(record.Basal, false)
	if err != nil {
		return nil, fmt.Errorf("profile %q basal: %w", name, err)
	}
	low, err := schedule(record.TargetLow, mmol)
	if err != nil {
		return nil, fmt.Errorf("profile %q target_low: %w", name, err)
	}
	high, err := schedule(record.TargetHigh, mmol)
	if err != nil {
		return nil, fmt.Errorf("profile %q target_high: %w", name, err)
	}

	p := &models.Profile{
		Name:     name,
		DIA:      float64(record.DIA),
		ISF:      sens,
		IC:       ic,
		Basal:    basal,
		TargetLo: low,
		TargetHi: high,
		Location: loc,
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func schedule(items []scheduleItem, mmol bool) (models.Schedule, error) {
	out := make(models.Schedule, 0, len(items))
	for _, item := range items {
		offset := time.Duration(item.TimeAsSeconds) * time.Second
		if item.TimeAsSeconds == 0 && item.Time != "" {
			t, err := time.Parse("15:04", item.Time)
			if err != nil {
				return nil, fmt.Errorf("invalid time %q", item.Time)
			}
			offset = time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute
		}
		value := float64(item.Value)
		if mmol {
			value = models.ToMgdl(value)
		}
		out = append(out, models.ScheduleEntry{Offset: offset, Value: value})
	}
	return out.Sorted(), nil
}

// ProfileSource serves the active profile from Nightscout with a short cache
type ProfileSource struct {
	client *Client
	ttl    time.Duration
	logger *zap.Logger
	now    func() time.Time

	mu       sync.Mutex
	profile  *models.Profile
	loadedAt time.Time
}

// NewProfileSource creates a cached profile source
func NewProfileSource(client *Client, ttl time.Duration, logger *zap.Logger) *ProfileSource {
	return &ProfileSource{client: client, ttl: ttl, logger: logging.OrNop(logger), now: time.Now}
}

// CurrentProfile returns the cached profile, reloading after the TTL. A
// failed reload keeps serving the previous profile.
func (s *ProfileSource) CurrentProfile(ctx context.Context) (*models.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if s.profile != nil && now.Sub(s.loadedAt) < s.ttl {
		return s.profile, nil
	}

	p, err := s.client.GetProfile(ctx)
	if err != nil {
		if s.profile != nil {
			s.logger.Warn("profile reload failed, keeping previous", zap.Error(err))
			return s.profile, nil
		}
		return nil, err
	}
	s.profile, s.loadedAt = p, now
	return p, nil
}
