package nightscout

import (
	"context"
	"net/url"
	"strconv"
	"time"

	"github.com/mrcode/nightscout-aps/internal/models"
)

// TreatmentsSince retrieves treatments created after since in server order
func (c *Client) TreatmentsSince(ctx context.Context, since time.Time) ([]models.Treatment, error) {
	params := url.Values{}
	params.Set("find[created_at][$gte]", since.UTC().Format(time.RFC3339))
	params.Set("count", "1000")

	var treatments []models.Treatment
	if err := c.get(ctx, "/api/v1/treatments", params, "treatments", &treatments); err != nil {
		return nil, err
	}
	return treatments, nil
}

// TemporaryTargetsSince retrieves "Temporary Target" treatments after since,
// including cancel entries
func (c *Client) TemporaryTargetsSince(ctx context.Context, since time.Time) ([]models.Treatment, error) {
	params := url.Values{}
	params.Set("find[eventType]", models.EventTypeTemporaryTarget)
	params.Set("find[created_at][$gte]", since.UTC().Format(time.RFC3339))
	params.Set("count", strconv.Itoa(500))

	var treatments []models.Treatment
	if err := c.get(ctx, "/api/v1/treatments", params, "temporary targets", &treatments); err != nil {
		return nil, err
	}
	return treatments, nil
}

// UploadTemporaryTarget posts a temporary target as a treatment
func (c *Client) UploadTemporaryTarget(ctx context.Context, tt models.TemporaryTarget, enteredBy string) error {
	treatment := models.Treatment{
		EventType:    models.EventTypeTemporaryTarget,
		CreatedAt:    tt.Timestamp.UTC().Format(time.RFC3339),
		Date:         tt.Timestamp.UnixMilli(),
		Duration:     tt.Duration.Minutes(),
		TargetBottom: tt.LowTarget,
		TargetTop:    tt.HighTarget,
		Units:        "mg/dl",
		Reason:       tt.Reason,
		EnteredBy:    enteredBy,
	}
	return c.post(ctx, "/api/v1/treatments", []models.Treatment{treatment})
}
