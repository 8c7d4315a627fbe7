// Package nightscout talks to the Nightscout REST API
package nightscout

import (
	"bytes"
	"context"
	"crypto/sha1" //nolint:gosec // the v1 API authenticates with the SHA1 of the secret
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mrcode/nightscout-aps/internal/models"
)

const (
	defaultTimeout = 30 * time.Second

	// a day of one minute readings
	entriesPerSync = 2000
)

// APIError is returned for any non 2xx response
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("nightscout %s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// IsUnauthorized reports whether err is a rejected credential
func IsUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) &&
		(apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden)
}

// Client is a Nightscout v1 API client. It is safe for concurrent use.
type Client struct {
	baseURL string
	header  string
	value   string
	http    *http.Client
}

// NewClient returns a client for baseURL. A token is sent as a bearer when
// useToken is set; otherwise the hashed API secret is used.
func NewClient(baseURL, apiSecret, apiToken string, useToken bool) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: defaultTimeout},
	}
	switch {
	case useToken && apiToken != "":
		c.header, c.value = "Authorization", "Bearer "+apiToken
	case apiSecret != "":
		c.header, c.value = "API-SECRET", hashSecret(apiSecret)
	}
	return c
}

func hashSecret(secret string) string {
	sum := sha1.Sum([]byte(secret)) //nolint:gosec // see import
	return hex.EncodeToString(sum[:])
}

// call sends one request and returns the raw body of a successful response
func (c *Client) call(ctx context.Context, method, path string, query url.Values, payload any) ([]byte, error) {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encoding %s body: %w", path, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.header != "" {
		req.Header.Set(c.header, c.value)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("nightscout %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	if resp.StatusCode/100 != 2 {
		return nil, &APIError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(data)),
		}
	}
	return data, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, what string, out any) error {
	data, err := c.call(ctx, http.MethodGet, path, query, nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parsing %s: %w", what, err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, v any) error {
	_, err := c.call(ctx, http.MethodPost, path, nil, v)
	return err
}

// GetStatus returns the server status document
func (c *Client) GetStatus(ctx context.Context) (*models.ServerStatus, error) {
	status := new(models.ServerStatus)
	if err := c.get(ctx, "/api/v1/status", nil, "status", status); err != nil {
		return nil, err
	}
	return status, nil
}

// TestConnection checks that the server is reachable with the configured
// credentials
func (c *Client) TestConnection(ctx context.Context) error {
	_, err := c.GetStatus(ctx)
	return err
}

// GetCurrentEntry returns the newest reading. Servers answer either with a
// single document or with a one element list.
func (c *Client) GetCurrentEntry(ctx context.Context) (*models.GlucoseEntry, error) {
	var raw json.RawMessage
	if err := c.get(ctx, "/api/v1/entries/current", url.Values{"count": {"1"}}, "entry", &raw); err != nil {
		return nil, err
	}

	if trimmed := bytes.TrimSpace(raw); len(trimmed) > 0 && trimmed[0] == '[' {
		var list []models.GlucoseEntry
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return nil, fmt.Errorf("parsing entry: %w", err)
		}
		if len(list) == 0 {
			return nil, errors.New("no entries returned")
		}
		return &list[0], nil
	}

	entry := new(models.GlucoseEntry)
	if err := json.Unmarshal(raw, entry); err != nil {
		return nil, fmt.Errorf("parsing entry: %w", err)
	}
	return entry, nil
}

// GetEntries returns readings between from and to. Zero bounds and a
// non-positive count are left out of the query.
func (c *Client) GetEntries(ctx context.Context, from, to time.Time, count int) ([]models.GlucoseEntry, error) {
	query := url.Values{}
	if !from.IsZero() {
		query.Set("find[date][$gte]", strconv.FormatInt(from.UnixMilli(), 10))
	}
	if !to.IsZero() {
		query.Set("find[date][$lte]", strconv.FormatInt(to.UnixMilli(), 10))
	}
	if count > 0 {
		query.Set("count", strconv.Itoa(count))
	}

	var entries []models.GlucoseEntry
	if err := c.get(ctx, "/api/v1/entries/sgv", query, "entries", &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// EntriesSince returns every reading newer than since
func (c *Client) EntriesSince(ctx context.Context, since time.Time) ([]models.GlucoseEntry, error) {
	return c.GetEntries(ctx, since, time.Time{}, entriesPerSync)
}
