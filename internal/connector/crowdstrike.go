package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ppiankov/secdash/internal/models"
	"github.com/ppiankov/secdash/internal/normalize"
)

const (
	crowdStrikeSource   = "crowdstrike"
	crowdStrikePageSize = 100
)

// CrowdStrike syncs Falcon detections and sensor hosts over the bearer-token REST API.
// Every host it reports has the EDR sensor installed.
type CrowdStrike struct {
	*Base
	api        *client
	pageSize   int
	thresholds normalize.Thresholds
}

// NewCrowdStrike creates a Falcon connector
func NewCrowdStrike(cfg models.ConnectorConfig, deps Deps) (Connector, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("connector %s: base_url is required", cfg.ID)
	}
	if !cfg.HasBearerToken() {
		return nil, fmt.Errorf("connector %s: crowdstrike requires a bearer token", cfg.ID)
	}

	base := newBase(cfg, crowdStrikeSource, deps)
	return &CrowdStrike{
		Base:       base,
		api:        newClient(cfg.BaseURL, base.deps.HTTPClient, bearerAuth(cfg.Token)),
		pageSize:   intOption(cfg.Config, "page_size", crowdStrikePageSize),
		thresholds: normalize.DefaultScoreThresholds,
	}, nil
}

type csMeta struct {
	Pagination struct {
		Offset json.RawMessage `json:"offset"`
		Limit  int             `json:"limit"`
		Total  int             `json:"total"`
	} `json:"pagination"`
}

type csIDs struct {
	Meta      csMeta   `json:"meta"`
	Resources []string `json:"resources"`
}

type csDetection struct {
	DetectionID      string       `json:"detection_id"`
	MaxSeverity      float64      `json:"max_severity"`
	Status           string       `json:"status"`
	CreatedTimestamp string       `json:"created_timestamp"`
	FirstBehavior    string       `json:"first_behavior"`
	DateUpdated      string       `json:"date_updated"`
	Device           csDevice     `json:"device"`
	Behaviors        []csBehavior `json:"behaviors"`
}

type csBehavior struct {
	Tactic      string `json:"tactic"`
	Technique   string `json:"technique"`
	Description string `json:"description"`
	Filename    string `json:"filename"`
	CmdLine     string `json:"cmdline"`
	SHA256      string `json:"sha256"`
	IOCType     string `json:"ioc_type"`
	IOCValue    string `json:"ioc_value"`
}

type csDevice struct {
	DeviceID        string   `json:"device_id"`
	Hostname        string   `json:"hostname"`
	LocalIP         string   `json:"local_ip"`
	OSVersion       string   `json:"os_version"`
	PlatformName    string   `json:"platform_name"`
	ProductTypeDesc string   `json:"product_type_desc"`
	LastSeen        string   `json:"last_seen"`
	OU              []string `json:"ou"`
}

type csDetectionSummaries struct {
	Resources []csDetection `json:"resources"`
}

type csDevices struct {
	Resources []csDevice `json:"resources"`
}

// probe lists a single detection id
func (c *CrowdStrike) probe(ctx context.Context) error {
	var out csIDs
	return c.api.getJSON(ctx, "/detects/queries/detects/v1", url.Values{"limit": {"1"}}, &out)
}

// TestConnection reports whether the API accepts the token
func (c *CrowdStrike) TestConnection(ctx context.Context) bool {
	return c.probe(ctx) == nil
}

// GetHealth reports the outcome of a connection probe
func (c *CrowdStrike) GetHealth(ctx context.Context) models.Health {
	return c.health(ctx, c.probe)
}

// detectionPages queries detection ids by offset, then expands each page to summaries
func (c *CrowdStrike) detectionPages(since time.Time) PageFunc[csDetection] {
	filter := fmt.Sprintf("last_behavior:>='%s'", since.UTC().Format(time.RFC3339))

	return func(ctx context.Context, cursor string) ([]csDetection, string, error) {
		offset, _ := strconv.Atoi(cursor)
		q := url.Values{
			"filter": {filter},
			"sort":   {"last_behavior.asc"},
			"limit":  {strconv.Itoa(c.pageSize)},
			"offset": {strconv.Itoa(offset)},
		}

		var ids csIDs
		if err := c.api.getJSON(ctx, "/detects/queries/detects/v1", q, &ids); err != nil {
			return nil, "", err
		}
		if len(ids.Resources) == 0 {
			return nil, "", nil
		}

		var summaries csDetectionSummaries
		body := map[string][]string{"ids": ids.Resources}
		if err := c.api.postJSON(ctx, "/detects/entities/summaries/GET/v1", body, &summaries); err != nil {
			return nil, "", err
		}

		next := offset + len(ids.Resources)
		total := ids.Meta.Pagination.Total
		if len(ids.Resources) < c.pageSize || (total > 0 && next >= total) {
			return summaries.Resources, "", nil
		}
		return summaries.Resources, strconv.Itoa(next), nil
	}
}

// SyncIncidents reconciles detections whose last behavior is at or after since
func (c *CrowdStrike) SyncIncidents(ctx context.Context, since *time.Time) *models.SyncResult {
	started := c.now()
	result := models.NewSyncResult()
	from := c.sinceOrDefault(since)

	for page, err := range Pages(ctx, c.detectionPages(from)) {
		if err != nil {
			result.Fail(fmt.Errorf("fetch detections: %w", err))
			break
		}
		for _, det := range page {
			c.item(result, "detection "+det.DetectionID, func() error {
				inc, err := c.toIncident(det)
				if err != nil {
					return err
				}
				return c.reconcileIncident(ctx, result, inc)
			})
		}
	}

	return c.finish(ctx, result, models.SyncIncidents, started)
}

func (c *CrowdStrike) toIncident(det csDetection) (*models.Incident, error) {
	detected, err := parseTimestamp(firstNonEmpty(det.FirstBehavior, det.CreatedTimestamp))
	if err != nil {
		return nil, fmt.Errorf("detected time: %w", err)
	}

	status := normalize.Status(det.Status)
	inc := &models.Incident{
		SourceID:      det.DetectionID,
		Title:         crowdStrikeTitle(det),
		Description:   crowdStrikeDescription(det),
		Severity:      normalize.SeverityFromScore(det.MaxSeverity, c.thresholds),
		Status:        status,
		DetectedAt:    detected,
		FalsePositive: strings.EqualFold(det.Status, "false_positive"),
		IOCs:          crowdStrikeIOCs(det),
	}
	if det.Device.Hostname != "" {
		inc.AffectedAssets = []string{det.Device.Hostname}
	}
	if status == models.StatusResolved || status == models.StatusClosed {
		if updated, err := parseTimestamp(det.DateUpdated); err == nil {
			inc.ResolvedAt = &updated
		}
	}
	return inc, nil
}

func crowdStrikeTitle(det csDetection) string {
	host := firstNonEmpty(det.Device.Hostname, det.Device.DeviceID, "unknown host")
	if len(det.Behaviors) > 0 {
		b := det.Behaviors[0]
		if label := firstNonEmpty(b.Technique, b.Tactic); label != "" {
			return fmt.Sprintf("%s on %s", label, host)
		}
	}
	return "Falcon detection on " + host
}

func crowdStrikeDescription(det csDetection) string {
	var parts []string
	for _, b := range det.Behaviors {
		if b.Description != "" {
			parts = append(parts, b.Description)
		}
	}
	return strings.Join(parts, "\n")
}

func crowdStrikeIOCs(det csDetection) map[string]any {
	iocs := map[string]any{}
	var hashes, files, cmdlines []string
	for _, b := range det.Behaviors {
		if b.SHA256 != "" {
			hashes = append(hashes, b.SHA256)
		}
		if b.Filename != "" {
			files = append(files, b.Filename)
		}
		if b.CmdLine != "" {
			cmdlines = append(cmdlines, b.CmdLine)
		}
		if b.IOCType != "" && b.IOCValue != "" {
			iocs[b.IOCType] = b.IOCValue
		}
	}
	if len(hashes) > 0 {
		iocs["sha256"] = hashes
	}
	if len(files) > 0 {
		iocs["filenames"] = files
	}
	if len(cmdlines) > 0 {
		iocs["cmdlines"] = cmdlines
	}
	if det.Device.LocalIP != "" {
		iocs["local_ip"] = det.Device.LocalIP
	}
	if len(iocs) == 0 {
		return nil
	}
	return iocs
}

// hostPages scrolls device ids by continuation token, then expands each page
func (c *CrowdStrike) hostPages() PageFunc[csDevice] {
	return func(ctx context.Context, cursor string) ([]csDevice, string, error) {
		q := url.Values{"limit": {strconv.Itoa(c.pageSize)}}
		if cursor != "" {
			q.Set("offset", cursor)
		}

		var ids csIDs
		if err := c.api.getJSON(ctx, "/devices/queries/devices-scroll/v1", q, &ids); err != nil {
			return nil, "", err
		}
		if len(ids.Resources) == 0 {
			return nil, "", nil
		}

		var devices csDevices
		if err := c.api.getJSON(ctx, "/devices/entities/devices/v2", url.Values{"ids": ids.Resources}, &devices); err != nil {
			return nil, "", err
		}
		return devices.Resources, scrollToken(ids.Meta.Pagination.Offset), nil
	}
}

// SyncAssets reconciles every host with a Falcon sensor
func (c *CrowdStrike) SyncAssets(ctx context.Context) *models.SyncResult {
	started := c.now()
	result := models.NewSyncResult()

	for page, err := range Pages(ctx, c.hostPages()) {
		if err != nil {
			result.Fail(fmt.Errorf("fetch hosts: %w", err))
			break
		}
		for _, dev := range page {
			c.item(result, "host "+firstNonEmpty(dev.Hostname, dev.DeviceID), func() error {
				asset, upd := c.toAsset(dev)
				return c.reconcileAsset(ctx, result, asset, upd)
			})
		}
	}

	return c.finish(ctx, result, models.SyncAssets, started)
}

func (c *CrowdStrike) toAsset(dev csDevice) (*models.Asset, models.AssetUpdate) {
	scan := c.now()
	if seen, err := parseTimestamp(dev.LastSeen); err == nil {
		scan = seen
	}
	osName := strings.TrimSpace(firstNonEmpty(dev.OSVersion, dev.PlatformName))

	asset := &models.Asset{
		Name:             dev.Hostname,
		Hostname:         dev.Hostname,
		IPAddress:        dev.LocalIP,
		Type:             normalize.AssetType(dev.ProductTypeDesc),
		Criticality:      models.SeverityLow,
		OS:               osName,
		EDRInstalled:     true,
		ComplianceStatus: models.ComplianceUnknown,
		SourceID:         dev.DeviceID,
	}
	if len(dev.OU) > 0 {
		asset.Department = dev.OU[0]
	}
	upd := models.AssetUpdate{
		OS:           osName,
		EDRInstalled: models.Bool(true),
		LastScan:     scan,
	}
	return asset, upd
}

// scrollToken reads the continuation token, which Falcon sends as a string
// for scroll endpoints and a number for offset endpoints
func scrollToken(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}
