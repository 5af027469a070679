package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ppiankov/secdash/internal/api"
	"github.com/ppiankov/secdash/internal/health"
	"github.com/ppiankov/secdash/internal/models"
)

// ErrNoClient is returned by every call on a nil Client
var ErrNoClient = errors.New("no server configured")

// Client reads from and drives a running `secdash serve` instance.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates an API client. Returns nil if baseURL is empty.
func New(baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		return nil
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// History is the response of GET /api/metrics/history.
type History struct {
	History   []models.MetricsSnapshot `json:"history"`
	Sparkline []int                    `json:"sparkline"`
}

// JobRef is the response of the sync trigger endpoints.
type JobRef struct {
	JobID string `json:"job_id"`
	Job   string `json:"job"`
}

// Connectors returns every configured connector with its live status.
func (c *Client) Connectors(ctx context.Context) ([]models.ConnectorConfig, error) {
	var body struct {
		Connectors []models.ConnectorConfig `json:"connectors"`
	}
	if _, err := c.get(ctx, "/api/connectors", nil, &body); err != nil {
		return nil, err
	}
	return body.Connectors, nil
}

// LatestMetrics returns the newest snapshot, or nil when none is recorded.
func (c *Client) LatestMetrics(ctx context.Context) (*models.MetricsSnapshot, error) {
	var snap models.MetricsSnapshot
	found, err := c.get(ctx, "/api/metrics/latest", nil, &snap)
	if err != nil || !found {
		return nil, err
	}
	return &snap, nil
}

// MetricsHistory returns snapshots since the given duration or RFC3339 time.
func (c *Client) MetricsHistory(ctx context.Context, since string) (*History, error) {
	q := url.Values{}
	if since != "" {
		q.Set("since", since)
	}
	var h History
	if _, err := c.get(ctx, "/api/metrics/history", q, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// Trend compares the two newest snapshots, or nil with fewer than two.
func (c *Client) Trend(ctx context.Context) (*health.Trend, error) {
	var t health.Trend
	found, err := c.get(ctx, "/api/metrics/trend", nil, &t)
	if err != nil || !found {
		return nil, err
	}
	return &t, nil
}

// TriggerSync enqueues a sync job on the server. since only applies to incidents.
func (c *Client) TriggerSync(ctx context.Context, syncType models.SyncType, since string) (*JobRef, error) {
	if c == nil {
		return nil, ErrNoClient
	}

	body, err := json.Marshal(api.SyncRequest{Since: since})
	if err != nil {
		return nil, fmt.Errorf("marshal sync request: %w", err)
	}

	path := "/api/sync/" + string(syncType)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("trigger sync: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusAccepted {
		return nil, apiError(resp)
	}

	var ref JobRef
	if err := json.NewDecoder(resp.Body).Decode(&ref); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &ref, nil
}

// get decodes a 200 response into out. A 404 reports found=false without error.
func (c *Client) get(ctx context.Context, path string, q url.Values, out any) (bool, error) {
	if c == nil {
		return false, ErrNoClient
	}

	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("GET %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return false, nil
	default:
		return false, apiError(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return false, fmt.Errorf("decode response: %w", err)
	}
	return true, nil
}

func apiError(resp *http.Response) error {
	var errResp map[string]string
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	_ = json.Unmarshal(data, &errResp)
	msg := errResp["error"]
	if msg == "" {
		msg = resp.Status
	}
	return fmt.Errorf("API error (HTTP %d): %s", resp.StatusCode, msg)
}
