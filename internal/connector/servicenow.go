package connector

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ppiankov/secdash/internal/models"
	"github.com/ppiankov/secdash/internal/normalize"
)

const (
	serviceNowSource     = "servicenow"
	serviceNowPageSize   = 100
	serviceNowTimeLayout = "2006-01-02 15:04:05"
)

// ServiceNow syncs security incidents from a Table API incident table and
// configuration items from a CMDB table, using basic auth and offset paging.
type ServiceNow struct {
	*Base
	api           *client
	pageSize      int
	incidentTable string
	incidentQuery string
	assetTable    string
	edrField      string
	avField       string
}

// NewServiceNow creates a ServiceNow connector
func NewServiceNow(cfg models.ConnectorConfig, deps Deps) (Connector, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("connector %s: base_url is required", cfg.ID)
	}
	if !cfg.HasBasicAuth() {
		return nil, fmt.Errorf("connector %s: servicenow requires username and password", cfg.ID)
	}

	base := newBase(cfg, serviceNowSource, deps)
	return &ServiceNow{
		Base:          base,
		api:           newClient(cfg.BaseURL, base.deps.HTTPClient, basicAuth(cfg.Username, cfg.Password)),
		pageSize:      intOption(cfg.Config, "page_size", serviceNowPageSize),
		incidentTable: stringOption(cfg.Config, "incident_table", "incident"),
		incidentQuery: stringOption(cfg.Config, "incident_query", ""),
		assetTable:    stringOption(cfg.Config, "asset_table", "cmdb_ci_computer"),
		edrField:      stringOption(cfg.Config, "edr_field", ""),
		avField:       stringOption(cfg.Config, "av_field", ""),
	}, nil
}

type snowIncident struct {
	SysID            string `json:"sys_id"`
	Number           string `json:"number"`
	ShortDescription string `json:"short_description"`
	Description      string `json:"description"`
	Priority         string `json:"priority"`
	State            string `json:"state"`
	OpenedAt         string `json:"opened_at"`
	ResolvedAt       string `json:"resolved_at"`
	ClosedAt         string `json:"closed_at"`
	CloseCode        string `json:"close_code"`
	CmdbCI           string `json:"cmdb_ci"`
	Category         string `json:"category"`
}

type snowCI map[string]string

type snowPage[T any] struct {
	Result []T `json:"result"`
}

// tablePages walks a Table API table with sysparm_offset paging. A short page ends it.
func tablePages[T any](s *ServiceNow, table string, query url.Values) PageFunc[T] {
	return func(ctx context.Context, cursor string) ([]T, string, error) {
		offset, _ := strconv.Atoi(cursor)

		q := url.Values{}
		for k, v := range query {
			q[k] = v
		}
		q.Set("sysparm_limit", strconv.Itoa(s.pageSize))
		q.Set("sysparm_offset", strconv.Itoa(offset))
		q.Set("sysparm_exclude_reference_link", "true")

		var page snowPage[T]
		if err := s.api.getJSON(ctx, "/api/now/table/"+table, q, &page); err != nil {
			return nil, "", err
		}
		if len(page.Result) < s.pageSize {
			return page.Result, "", nil
		}
		return page.Result, strconv.Itoa(offset + len(page.Result)), nil
	}
}

func (s *ServiceNow) probe(ctx context.Context) error {
	var page snowPage[snowIncident]
	q := url.Values{"sysparm_limit": {"1"}, "sysparm_fields": {"sys_id"}}
	return s.api.getJSON(ctx, "/api/now/table/"+s.incidentTable, q, &page)
}

// TestConnection reports whether the Table API accepts the credentials
func (s *ServiceNow) TestConnection(ctx context.Context) bool {
	return s.probe(ctx) == nil
}

// GetHealth reports the outcome of a connection probe
func (s *ServiceNow) GetHealth(ctx context.Context) models.Health {
	return s.health(ctx, s.probe)
}

// SyncIncidents reconciles incidents updated at or after since
func (s *ServiceNow) SyncIncidents(ctx context.Context, since *time.Time) *models.SyncResult {
	started := s.now()
	result := models.NewSyncResult()
	from := s.sinceOrDefault(since)

	encoded := "sys_updated_on>=" + from.UTC().Format(serviceNowTimeLayout)
	if s.incidentQuery != "" {
		encoded += "^" + s.incidentQuery
	}
	encoded += "^ORDERBYsys_updated_on"

	query := url.Values{"sysparm_query": {encoded}}
	for page, err := range Pages(ctx, tablePages[snowIncident](s, s.incidentTable, query)) {
		if err != nil {
			result.Fail(fmt.Errorf("fetch incidents: %w", err))
			break
		}
		for _, rec := range page {
			s.item(result, "incident "+firstNonEmpty(rec.Number, rec.SysID), func() error {
				inc, err := s.toIncident(rec)
				if err != nil {
					return err
				}
				return s.reconcileIncident(ctx, result, inc)
			})
		}
	}

	return s.finish(ctx, result, models.SyncIncidents, started)
}

func (s *ServiceNow) toIncident(rec snowIncident) (*models.Incident, error) {
	opened, err := parseTimestamp(rec.OpenedAt)
	if err != nil {
		return nil, fmt.Errorf("opened_at: %w", err)
	}

	inc := &models.Incident{
		SourceID:      rec.SysID,
		Title:         strings.TrimSpace(rec.Number + " " + rec.ShortDescription),
		Description:   rec.Description,
		Severity:      normalize.SeverityFromPriority(rec.Priority),
		Status:        normalize.ServiceNowState(rec.State),
		DetectedAt:    opened,
		FalsePositive: strings.Contains(strings.ToLower(rec.CloseCode), "false positive"),
	}
	if rec.CmdbCI != "" {
		inc.AffectedAssets = []string{rec.CmdbCI}
	}
	if rec.Category != "" {
		inc.IOCs = map[string]any{"category": rec.Category}
	}

	if resolvedRaw := firstNonEmpty(rec.ResolvedAt, rec.ClosedAt); resolvedRaw != "" {
		resolved, err := parseTimestamp(resolvedRaw)
		if err != nil {
			return nil, fmt.Errorf("resolved_at: %w", err)
		}
		inc.ResolvedAt = &resolved
	}
	return inc, nil
}

// SyncAssets reconciles every configuration item in the asset table
func (s *ServiceNow) SyncAssets(ctx context.Context) *models.SyncResult {
	started := s.now()
	result := models.NewSyncResult()

	query := url.Values{"sysparm_query": {"ORDERBYsys_id"}}
	for page, err := range Pages(ctx, tablePages[snowCI](s, s.assetTable, query)) {
		if err != nil {
			result.Fail(fmt.Errorf("fetch configuration items: %w", err))
			break
		}
		for _, ci := range page {
			s.item(result, "ci "+firstNonEmpty(ci["name"], ci["sys_id"]), func() error {
				asset, upd, err := s.toAsset(ci)
				if err != nil {
					return err
				}
				return s.reconcileAsset(ctx, result, asset, upd)
			})
		}
	}

	return s.finish(ctx, result, models.SyncAssets, started)
}

func (s *ServiceNow) toAsset(ci snowCI) (*models.Asset, models.AssetUpdate, error) {
	hostname := firstNonEmpty(ci["host_name"], ci["dns_domain_name"], ci["name"])
	osName := strings.TrimSpace(ci["os"] + " " + ci["os_version"])

	scan := s.now()
	if raw := firstNonEmpty(ci["last_discovered"], ci["sys_updated_on"]); raw != "" {
		parsed, err := parseTimestamp(raw)
		if err != nil {
			return nil, models.AssetUpdate{}, fmt.Errorf("last_discovered: %w", err)
		}
		scan = parsed
	}

	asset := &models.Asset{
		Name:             firstNonEmpty(ci["name"], hostname),
		Hostname:         hostname,
		IPAddress:        ci["ip_address"],
		Type:             normalize.AssetType(firstNonEmpty(ci["sys_class_name"], ci["category"])),
		Department:       ci["department"],
		Criticality:      normalize.Criticality(ci["business_criticality"]),
		OS:               osName,
		ComplianceStatus: models.ComplianceUnknown,
		SourceID:         ci["sys_id"],
	}
	upd := models.AssetUpdate{OS: osName, LastScan: scan}

	if flag, ok := snowBool(ci, s.edrField); ok {
		asset.EDRInstalled = flag
		upd.EDRInstalled = models.Bool(flag)
	}
	if flag, ok := snowBool(ci, s.avField); ok {
		asset.AVInstalled = flag
		upd.AVInstalled = models.Bool(flag)
	}
	return asset, upd, nil
}

// snowBool reads a true/false field when one is configured and present
func snowBool(ci snowCI, field string) (bool, bool) {
	if field == "" {
		return false, false
	}
	raw, ok := ci[field]
	if !ok || raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}
