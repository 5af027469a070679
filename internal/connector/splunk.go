package connector

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ppiankov/secdash/internal/models"
	"github.com/ppiankov/secdash/internal/normalize"
)

const (
	splunkSource          = "splunk"
	splunkPageSize        = 500
	defaultSearchQuery    = "search `notable` | fields event_id, rule_name, rule_title, description, urgency, status, status_label, _time, dest, src, user, orig_sid"
	defaultAssetQuery     = "| inputlookup asset_lookup_by_str"
	defaultPollInterval   = 2 * time.Second
	defaultMaxPollAttempt = 30
)

// Splunk syncs notable events and the asset lookup through the asynchronous
// search job API: submit a job, poll until done, then page through results.
type Splunk struct {
	*Base
	api          *client
	searchQuery  string
	assetQuery   string
	pollInterval time.Duration
	maxPolls     int
	pageSize     int
}

// NewSplunk creates a Splunk connector. It accepts a bearer token or basic auth.
func NewSplunk(cfg models.ConnectorConfig, deps Deps) (Connector, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("connector %s: base_url is required", cfg.ID)
	}

	var auth func(*http.Request)
	switch {
	case cfg.HasBearerToken():
		auth = bearerAuth(cfg.Token)
	case cfg.HasBasicAuth():
		auth = basicAuth(cfg.Username, cfg.Password)
	default:
		return nil, fmt.Errorf("connector %s: splunk requires a token or username and password", cfg.ID)
	}

	base := newBase(cfg, splunkSource, deps)
	return &Splunk{
		Base:         base,
		api:          newClient(cfg.BaseURL, base.deps.HTTPClient, auth),
		searchQuery:  stringOption(cfg.Config, "search_query", defaultSearchQuery),
		assetQuery:   stringOption(cfg.Config, "asset_query", defaultAssetQuery),
		pollInterval: durationOption(cfg.Config, "poll_interval", defaultPollInterval),
		maxPolls:     intOption(cfg.Config, "max_poll_attempts", defaultMaxPollAttempt),
		pageSize:     intOption(cfg.Config, "page_size", splunkPageSize),
	}, nil
}

type splunkJob struct {
	SID string `json:"sid"`
}

type splunkJobStatus struct {
	Entry []struct {
		Content struct {
			IsDone        bool   `json:"isDone"`
			IsFailed      bool   `json:"isFailed"`
			DispatchState string `json:"dispatchState"`
			ResultCount   int    `json:"resultCount"`
		} `json:"content"`
	} `json:"entry"`
}

type splunkResults struct {
	Results []map[string]any `json:"results"`
}

func (s *Splunk) probe(ctx context.Context) error {
	var info map[string]any
	return s.api.getJSON(ctx, "/services/server/info", url.Values{"output_mode": {"json"}}, &info)
}

// TestConnection reports whether the management API accepts the credentials
func (s *Splunk) TestConnection(ctx context.Context) bool {
	return s.probe(ctx) == nil
}

// GetHealth reports the outcome of a connection probe
func (s *Splunk) GetHealth(ctx context.Context) models.Health {
	return s.health(ctx, s.probe)
}

// submit creates a search job and returns its sid
func (s *Splunk) submit(ctx context.Context, query, earliest string) (string, error) {
	if !strings.HasPrefix(strings.TrimSpace(query), "search") && !strings.HasPrefix(strings.TrimSpace(query), "|") {
		query = "search " + query
	}

	form := url.Values{
		"search":      {query},
		"output_mode": {"json"},
		"exec_mode":   {"normal"},
	}
	if earliest != "" {
		form.Set("earliest_time", earliest)
		form.Set("latest_time", "now")
	}

	var job splunkJob
	if err := s.api.postForm(ctx, "/services/search/jobs", form, &job); err != nil {
		return "", fmt.Errorf("submit search: %w", err)
	}
	if job.SID == "" {
		return "", fmt.Errorf("submit search: response carried no sid")
	}
	return job.SID, nil
}

// wait polls the job on a fixed interval up to maxPolls times
func (s *Splunk) wait(ctx context.Context, sid string) error {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for attempt := 1; attempt <= s.maxPolls; attempt++ {
		var status splunkJobStatus
		q := url.Values{"output_mode": {"json"}}
		if err := s.api.getJSON(ctx, "/services/search/jobs/"+url.PathEscape(sid), q, &status); err != nil {
			return fmt.Errorf("poll search %s: %w", sid, err)
		}

		if len(status.Entry) > 0 {
			content := status.Entry[0].Content
			if content.IsFailed || strings.EqualFold(content.DispatchState, "FAILED") {
				return fmt.Errorf("search %s failed", sid)
			}
			if content.IsDone || strings.EqualFold(content.DispatchState, "DONE") {
				return nil
			}
		}

		if attempt == s.maxPolls {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return fmt.Errorf("search %s not done after %d polls: %w", sid, s.maxPolls, ErrJobTimeout)
}

// resultPages pages through a finished job's results by offset
func (s *Splunk) resultPages(sid string) PageFunc[map[string]any] {
	return func(ctx context.Context, cursor string) ([]map[string]any, string, error) {
		offset, _ := strconv.Atoi(cursor)
		q := url.Values{
			"output_mode": {"json"},
			"count":       {strconv.Itoa(s.pageSize)},
			"offset":      {strconv.Itoa(offset)},
		}

		var out splunkResults
		if err := s.api.getJSON(ctx, "/services/search/jobs/"+url.PathEscape(sid)+"/results", q, &out); err != nil {
			return nil, "", fmt.Errorf("fetch results: %w", err)
		}
		if len(out.Results) < s.pageSize {
			return out.Results, "", nil
		}
		return out.Results, strconv.Itoa(offset + len(out.Results)), nil
	}
}

// search runs query to completion and returns its lazily paged results
func (s *Splunk) search(ctx context.Context, query, earliest string) (PageFunc[map[string]any], error) {
	sid, err := s.submit(ctx, query, earliest)
	if err != nil {
		return nil, err
	}
	if err := s.wait(ctx, sid); err != nil {
		return nil, err
	}
	return s.resultPages(sid), nil
}

// SyncIncidents reconciles notable events with _time at or after since
func (s *Splunk) SyncIncidents(ctx context.Context, since *time.Time) *models.SyncResult {
	started := s.now()
	result := models.NewSyncResult()
	from := s.sinceOrDefault(since)

	pages, err := s.search(ctx, s.searchQuery, strconv.FormatInt(from.Unix(), 10))
	if err != nil {
		result.Fail(err)
		return s.finish(ctx, result, models.SyncIncidents, started)
	}

	for page, err := range Pages(ctx, pages) {
		if err != nil {
			result.Fail(err)
			break
		}
		for _, row := range page {
			s.item(result, "notable "+splunkField(row, "event_id"), func() error {
				inc, err := s.toIncident(row)
				if err != nil {
					return err
				}
				return s.reconcileIncident(ctx, result, inc)
			})
		}
	}

	return s.finish(ctx, result, models.SyncIncidents, started)
}

func (s *Splunk) toIncident(row map[string]any) (*models.Incident, error) {
	id := splunkField(row, "event_id")
	if id == "" {
		return nil, fmt.Errorf("missing event_id")
	}

	detected, err := parseTimestamp(splunkField(row, "_time"))
	if err != nil {
		return nil, fmt.Errorf("_time: %w", err)
	}

	status := splunkStatus(splunkField(row, "status_label"), splunkField(row, "status"))
	inc := &models.Incident{
		SourceID:      id,
		Title:         firstNonEmpty(splunkField(row, "rule_title"), splunkField(row, "rule_name"), splunkField(row, "search_name"), "Splunk notable event"),
		Description:   splunkField(row, "description"),
		Severity:      normalize.Severity(firstNonEmpty(splunkField(row, "urgency"), splunkField(row, "severity"))),
		Status:        status,
		DetectedAt:    detected,
		FalsePositive: strings.Contains(strings.ToLower(splunkField(row, "disposition_label")), "false positive"),
	}

	var assets []string
	for _, key := range []string{"dest", "dest_host", "src", "src_host"} {
		if v := splunkField(row, key); v != "" {
			assets = append(assets, v)
		}
	}
	inc.AffectedAssets = assets

	iocs := map[string]any{}
	for _, key := range []string{"src_ip", "dest_ip", "user", "file_hash", "url", "orig_sid"} {
		if v := splunkField(row, key); v != "" {
			iocs[key] = v
		}
	}
	if len(iocs) > 0 {
		inc.IOCs = iocs
	}

	if status == models.StatusResolved || status == models.StatusClosed {
		if changed, err := parseTimestamp(splunkField(row, "status_time")); err == nil {
			inc.ResolvedAt = &changed
		}
	}
	return inc, nil
}

// splunkStatus prefers the status label and falls back to the numeric
// notable status codes (0 unassigned, 1 new, 2 in progress, 3 pending,
// 4 resolved, 5 closed).
func splunkStatus(label, code string) models.IncidentStatus {
	if label != "" {
		return normalize.Status(label)
	}
	switch strings.TrimSpace(code) {
	case "0", "1":
		return models.StatusNew
	case "2", "3":
		return models.StatusInProgress
	case "4":
		return models.StatusResolved
	case "5":
		return models.StatusClosed
	default:
		return normalize.Status(code)
	}
}

// SyncAssets reconciles every row of the asset inventory search
func (s *Splunk) SyncAssets(ctx context.Context) *models.SyncResult {
	started := s.now()
	result := models.NewSyncResult()

	pages, err := s.search(ctx, s.assetQuery, "")
	if err != nil {
		result.Fail(err)
		return s.finish(ctx, result, models.SyncAssets, started)
	}

	for page, err := range Pages(ctx, pages) {
		if err != nil {
			result.Fail(err)
			break
		}
		for _, row := range page {
			label := firstNonEmpty(splunkField(row, "nt_host"), splunkField(row, "dns"), splunkField(row, "ip"))
			s.item(result, "asset "+label, func() error {
				asset, upd := s.toAsset(row)
				return s.reconcileAsset(ctx, result, asset, upd)
			})
		}
	}

	return s.finish(ctx, result, models.SyncAssets, started)
}

func (s *Splunk) toAsset(row map[string]any) (*models.Asset, models.AssetUpdate) {
	hostname := firstNonEmpty(splunkField(row, "nt_host"), splunkField(row, "dns"))
	ip := splunkField(row, "ip")

	sourceID := splunkField(row, "asset_id")
	if sourceID == "" {
		sum := sha256.Sum256([]byte(strings.ToLower(hostname) + "|" + ip))
		sourceID = hex.EncodeToString(sum[:8])
	}

	asset := &models.Asset{
		Name:             firstNonEmpty(splunkField(row, "asset"), hostname, ip),
		Hostname:         hostname,
		IPAddress:        ip,
		Type:             normalize.AssetType(splunkField(row, "category")),
		Department:       splunkField(row, "bunit"),
		Criticality:      normalize.Criticality(splunkField(row, "priority")),
		ComplianceStatus: models.ComplianceUnknown,
		SourceID:         sourceID,
	}
	upd := models.AssetUpdate{LastScan: s.now()}

	if required, err := strconv.ParseBool(splunkField(row, "requires_av")); err == nil && required {
		asset.ComplianceStatus = models.ComplianceNonCompliant
		if av, err := strconv.ParseBool(splunkField(row, "av_installed")); err == nil && av {
			asset.ComplianceStatus = models.ComplianceCompliant
			asset.AVInstalled = true
			upd.AVInstalled = models.Bool(true)
		}
	}
	return asset, upd
}

// splunkField returns a result field as a string. Multi-value fields
// arrive as arrays; their first value is used.
func splunkField(row map[string]any, key string) string {
	switch v := row[key].(type) {
	case string:
		return v
	case []any:
		if len(v) > 0 {
			if s, ok := v[0].(string); ok {
				return s
			}
		}
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	}
	return ""
}
