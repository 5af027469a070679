package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/ppiankov/secdash/internal/models"
	"github.com/sirupsen/logrus"
)

// PostgresStorage implements Gateway on PostgreSQL
type PostgresStorage struct {
	db     *sql.DB
	logger *logrus.Logger
}

// NewPostgres opens a connection pool and verifies it
func NewPostgres(ctx context.Context, dsn string, logger *logrus.Logger) (*PostgresStorage, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresStorage{db: db, logger: logger}, nil
}

// EnsureSchema creates the tables the pipeline reads and writes
func (s *PostgresStorage) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	s.logger.Debug("database schema ensured")
	return nil
}

// Close closes the connection pool
func (s *PostgresStorage) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable
func (s *PostgresStorage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const incidentColumns = `id, source, source_id, title, description, severity, status,
	detected_at, resolved_at, affected_assets, iocs, false_positive, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIncident(row rowScanner) (*models.Incident, error) {
	var inc models.Incident
	var severity, status string
	var resolvedAt sql.NullTime
	var iocs []byte

	err := row.Scan(&inc.ID, &inc.Source, &inc.SourceID, &inc.Title, &inc.Description,
		&severity, &status, &inc.DetectedAt, &resolvedAt, pq.Array(&inc.AffectedAssets),
		&iocs, &inc.FalsePositive, &inc.CreatedAt, &inc.UpdatedAt)
	if err != nil {
		return nil, err
	}

	inc.Severity = models.Severity(severity)
	inc.Status = models.IncidentStatus(status)
	if resolvedAt.Valid {
		t := resolvedAt.Time
		inc.ResolvedAt = &t
	}
	if len(iocs) > 0 {
		if err := json.Unmarshal(iocs, &inc.IOCs); err != nil {
			return nil, fmt.Errorf("failed to decode iocs: %w", err)
		}
	}
	return &inc, nil
}

// FindIncident looks up an incident by its reconciliation key
func (s *PostgresStorage) FindIncident(ctx context.Context, source, sourceID string) (*models.Incident, error) {
	query := `SELECT ` + incidentColumns + ` FROM incidents WHERE source = $1 AND source_id = $2`

	inc, err := scanIncident(s.db.QueryRowContext(ctx, query, source, sourceID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query incident: %w", err)
	}
	return inc, nil
}

// InsertIncident inserts a new incident. A collision on (source, source_id)
// returns ErrDuplicate instead of a second row.
func (s *PostgresStorage) InsertIncident(ctx context.Context, inc *models.Incident) error {
	if inc.ID == "" {
		inc.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if inc.CreatedAt.IsZero() {
		inc.CreatedAt = now
	}
	if inc.UpdatedAt.IsZero() {
		inc.UpdatedAt = now
	}

	iocs, err := marshalNullable(inc.IOCs)
	if err != nil {
		return fmt.Errorf("failed to encode iocs: %w", err)
	}

	query := `
		INSERT INTO incidents (` + incidentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (source, source_id) DO NOTHING
	`
	res, err := s.db.ExecContext(ctx, query, inc.ID, inc.Source, inc.SourceID, inc.Title,
		inc.Description, string(inc.Severity), string(inc.Status), inc.DetectedAt,
		nullTime(inc.ResolvedAt), textArray(inc.AffectedAssets), iocs, inc.FalsePositive,
		inc.CreatedAt, inc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert incident: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("incident %s/%s: %w", inc.Source, inc.SourceID, ErrDuplicate)
	}
	return nil
}

// UpdateIncident writes the mutable incident fields
func (s *PostgresStorage) UpdateIncident(ctx context.Context, id string, upd models.IncidentUpdate) error {
	if upd.UpdatedAt.IsZero() {
		upd.UpdatedAt = time.Now().UTC()
	}

	query := `
		UPDATE incidents
		SET status = $2, resolved_at = $3, false_positive = $4, updated_at = $5
		WHERE id = $1
	`
	res, err := s.db.ExecContext(ctx, query, id, string(upd.Status), nullTime(upd.ResolvedAt),
		upd.FalsePositive, upd.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update incident: %w", err)
	}
	return expectOneRow(res, "incident", id)
}

// ListIncidents returns incidents newest first
func (s *PostgresStorage) ListIncidents(ctx context.Context, filter IncidentFilter) ([]models.Incident, error) {
	query := `SELECT ` + incidentColumns + ` FROM incidents
		WHERE ($1 = '' OR source = $1) AND detected_at >= $2
		ORDER BY detected_at DESC`
	args := []any{filter.Source, filter.Since}
	if filter.Limit > 0 {
		query += ` LIMIT $3`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query incidents: %w", err)
	}
	defer rows.Close()

	var result []models.Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan incident: %w", err)
		}
		result = append(result, *inc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating incidents: %w", err)
	}
	return result, nil
}

const assetColumns = `id, name, hostname, ip_address, type, department, criticality, os,
	edr_installed, av_installed, compliance_status, last_scan, source, source_id, created_at, updated_at`

func scanAsset(row rowScanner) (*models.Asset, error) {
	var a models.Asset
	var criticality string
	var lastScan sql.NullTime

	err := row.Scan(&a.ID, &a.Name, &a.Hostname, &a.IPAddress, &a.Type, &a.Department,
		&criticality, &a.OS, &a.EDRInstalled, &a.AVInstalled, &a.ComplianceStatus,
		&lastScan, &a.Source, &a.SourceID, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}

	a.Criticality = models.Severity(criticality)
	if lastScan.Valid {
		t := lastScan.Time
		a.LastScan = &t
	}
	return &a, nil
}

// FindAssetByHostOrIP matches hostname (case-insensitive) before IP; oldest row wins
func (s *PostgresStorage) FindAssetByHostOrIP(ctx context.Context, hostname, ip string) (*models.Asset, error) {
	query := `SELECT ` + assetColumns + ` FROM assets
		WHERE ($1 <> '' AND (lower(hostname) = lower($1) OR lower(name) = lower($1)))
		   OR ($2 <> '' AND ip_address = $2)
		ORDER BY CASE WHEN $1 <> '' AND (lower(hostname) = lower($1) OR lower(name) = lower($1)) THEN 0 ELSE 1 END,
			created_at
		LIMIT 1`

	a, err := scanAsset(s.db.QueryRowContext(ctx, query, hostname, ip))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query asset: %w", err)
	}
	return a, nil
}

// InsertAsset inserts a new asset
func (s *PostgresStorage) InsertAsset(ctx context.Context, a *models.Asset) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = now
	}

	query := `INSERT INTO assets (` + assetColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`
	_, err := s.db.ExecContext(ctx, query, a.ID, a.Name, a.Hostname, a.IPAddress, a.Type,
		a.Department, string(a.Criticality), a.OS, a.EDRInstalled, a.AVInstalled,
		a.ComplianceStatus, nullTime(a.LastScan), a.Source, a.SourceID, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert asset: %w", err)
	}
	return nil
}

// UpdateAsset refreshes scan-derived asset fields
func (s *PostgresStorage) UpdateAsset(ctx context.Context, id string, upd models.AssetUpdate) error {
	if upd.UpdatedAt.IsZero() {
		upd.UpdatedAt = time.Now().UTC()
	}

	query := `
		UPDATE assets SET
			os = COALESCE(NULLIF($2, ''), os),
			edr_installed = COALESCE($3, edr_installed),
			av_installed = COALESCE($4, av_installed),
			last_scan = $5,
			updated_at = $6
		WHERE id = $1
	`
	res, err := s.db.ExecContext(ctx, query, id, upd.OS, nullBool(upd.EDRInstalled),
		nullBool(upd.AVInstalled), upd.LastScan, upd.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update asset: %w", err)
	}
	return expectOneRow(res, "asset", id)
}

// ListAssets returns all assets oldest first
func (s *PostgresStorage) ListAssets(ctx context.Context) ([]models.Asset, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+assetColumns+` FROM assets ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to query assets: %w", err)
	}
	defer rows.Close()

	var result []models.Asset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan asset: %w", err)
		}
		result = append(result, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating assets: %w", err)
	}
	return result, nil
}

const connectorColumns = `id, name, type, implementation, base_url, token, username, password,
	enabled, sync_interval_seconds, last_sync, status, last_error, config, created_at, updated_at`

func scanConnector(row rowScanner) (*models.ConnectorConfig, error) {
	var c models.ConnectorConfig
	var ctype, status string
	var intervalSeconds int64
	var lastSync sql.NullTime
	var config []byte

	err := row.Scan(&c.ID, &c.Name, &ctype, &c.Implementation, &c.BaseURL, &c.Token,
		&c.Username, &c.Password, &c.Enabled, &intervalSeconds, &lastSync, &status,
		&c.LastError, &config, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}

	c.Type = models.ConnectorType(ctype)
	c.Status = models.ConnectorState(status)
	c.SyncInterval = time.Duration(intervalSeconds) * time.Second
	if lastSync.Valid {
		t := lastSync.Time
		c.LastSync = &t
	}
	if len(config) > 0 {
		if err := json.Unmarshal(config, &c.Config); err != nil {
			return nil, fmt.Errorf("failed to decode connector config: %w", err)
		}
	}
	return &c, nil
}

// ListConnectorConfigs returns connector configs ordered by id
func (s *PostgresStorage) ListConnectorConfigs(ctx context.Context, enabledOnly bool) ([]models.ConnectorConfig, error) {
	query := `SELECT ` + connectorColumns + ` FROM connector_configs
		WHERE enabled OR NOT $1 ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, enabledOnly)
	if err != nil {
		return nil, fmt.Errorf("failed to query connector configs: %w", err)
	}
	defer rows.Close()

	var result []models.ConnectorConfig
	for rows.Next() {
		c, err := scanConnector(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan connector config: %w", err)
		}
		result = append(result, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating connector configs: %w", err)
	}
	return result, nil
}

// GetConnectorConfig returns nil, nil for an unknown id
func (s *PostgresStorage) GetConnectorConfig(ctx context.Context, id string) (*models.ConnectorConfig, error) {
	query := `SELECT ` + connectorColumns + ` FROM connector_configs WHERE id = $1`

	c, err := scanConnector(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query connector config: %w", err)
	}
	return c, nil
}

// UpsertConnectorConfig writes the administrator-managed fields only
func (s *PostgresStorage) UpsertConnectorConfig(ctx context.Context, c models.ConnectorConfig) error {
	if c.ID == "" {
		return fmt.Errorf("connector config requires an id")
	}

	config, err := marshalNullable(c.Config)
	if err != nil {
		return fmt.Errorf("failed to encode connector config: %w", err)
	}

	query := `
		INSERT INTO connector_configs (id, name, type, implementation, base_url, token, username,
			password, enabled, sync_interval_seconds, status, last_error, config, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 'inactive', '', $11, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			type = EXCLUDED.type,
			implementation = EXCLUDED.implementation,
			base_url = EXCLUDED.base_url,
			token = EXCLUDED.token,
			username = EXCLUDED.username,
			password = EXCLUDED.password,
			enabled = EXCLUDED.enabled,
			sync_interval_seconds = EXCLUDED.sync_interval_seconds,
			config = EXCLUDED.config,
			updated_at = NOW()
	`
	_, err = s.db.ExecContext(ctx, query, c.ID, c.Name, string(c.Type), c.Implementation,
		c.BaseURL, c.Token, c.Username, c.Password, c.Enabled,
		int64(c.SyncInterval/time.Second), config)
	if err != nil {
		return fmt.Errorf("failed to upsert connector config: %w", err)
	}
	return nil
}

// UpdateConnectorStatus stamps last sync, status and last error
func (s *PostgresStorage) UpdateConnectorStatus(ctx context.Context, id string, upd ConnectorStatusUpdate) error {
	query := `
		UPDATE connector_configs
		SET status = $2, last_sync = $3, last_error = $4, updated_at = NOW()
		WHERE id = $1
	`
	res, err := s.db.ExecContext(ctx, query, id, string(upd.Status), upd.LastSync, upd.LastError)
	if err != nil {
		return fmt.Errorf("failed to update connector status: %w", err)
	}
	return expectOneRow(res, "connector", id)
}

// AppendSyncLog inserts an audit record
func (s *PostgresStorage) AppendSyncLog(ctx context.Context, e models.SyncLog) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	errs, err := json.Marshal(e.Errors)
	if err != nil {
		return fmt.Errorf("failed to encode sync errors: %w", err)
	}

	query := `
		INSERT INTO sync_logs (id, connector_id, sync_type, status, items_processed, items_created,
			items_updated, error_count, errors, started_at, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err = s.db.ExecContext(ctx, query, e.ID, e.ConnectorID, string(e.SyncType), string(e.Status),
		e.ItemsProcessed, e.ItemsCreated, e.ItemsUpdated, e.ErrorCount, errs, e.StartedAt,
		e.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("failed to insert sync log: %w", err)
	}
	return nil
}

// ListSyncLogs returns audit records newest first
func (s *PostgresStorage) ListSyncLogs(ctx context.Context, connectorID string, limit int) ([]models.SyncLog, error) {
	var lim sql.NullInt64
	if limit > 0 {
		lim = sql.NullInt64{Int64: int64(limit), Valid: true}
	}

	query := `
		SELECT id, connector_id, sync_type, status, items_processed, items_created, items_updated,
			error_count, errors, started_at, duration_ms
		FROM sync_logs
		WHERE ($1 = '' OR connector_id = $1)
		ORDER BY started_at DESC
		LIMIT $2
	`
	rows, err := s.db.QueryContext(ctx, query, connectorID, lim)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync logs: %w", err)
	}
	defer rows.Close()

	var result []models.SyncLog
	for rows.Next() {
		var e models.SyncLog
		var syncType, status string
		var errs []byte
		var durationMs int64
		if err := rows.Scan(&e.ID, &e.ConnectorID, &syncType, &status, &e.ItemsProcessed,
			&e.ItemsCreated, &e.ItemsUpdated, &e.ErrorCount, &errs, &e.StartedAt, &durationMs); err != nil {
			return nil, fmt.Errorf("failed to scan sync log: %w", err)
		}
		e.SyncType = models.SyncType(syncType)
		e.Status = models.SyncLogStatus(status)
		e.Duration = time.Duration(durationMs) * time.Millisecond
		if len(errs) > 0 {
			_ = json.Unmarshal(errs, &e.Errors)
		}
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync logs: %w", err)
	}
	return result, nil
}

// DeleteSyncLogsBefore removes audit records older than cutoff
func (s *PostgresStorage) DeleteSyncLogsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sync_logs WHERE started_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete sync logs: %w", err)
	}
	return res.RowsAffected()
}

// AppendMetrics inserts a metrics snapshot
func (s *PostgresStorage) AppendMetrics(ctx context.Context, snap models.MetricsSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode metrics snapshot: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO metrics_history (captured_at, snapshot) VALUES ($1, $2)`,
		snap.Timestamp, data)
	if err != nil {
		return fmt.Errorf("failed to insert metrics snapshot: %w", err)
	}
	return nil
}

// LatestMetrics returns nil, nil when the history is empty
func (s *PostgresStorage) LatestMetrics(ctx context.Context) (*models.MetricsSnapshot, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT snapshot FROM metrics_history ORDER BY captured_at DESC, id DESC LIMIT 1`).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query latest metrics: %w", err)
	}

	var snap models.MetricsSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode metrics snapshot: %w", err)
	}
	return &snap, nil
}

// MetricsHistory returns snapshots at or after since, oldest first
func (s *PostgresStorage) MetricsHistory(ctx context.Context, since time.Time, limit int) ([]models.MetricsSnapshot, error) {
	// LIMIT NULL is unlimited
	var lim sql.NullInt64
	if limit > 0 {
		lim = sql.NullInt64{Int64: int64(limit), Valid: true}
	}

	query := `
		SELECT snapshot FROM (
			SELECT id, captured_at, snapshot FROM metrics_history
			WHERE captured_at >= $1
			ORDER BY captured_at DESC, id DESC
			LIMIT $2
		) recent ORDER BY captured_at, id
	`
	rows, err := s.db.QueryContext(ctx, query, since, lim)
	if err != nil {
		return nil, fmt.Errorf("failed to query metrics history: %w", err)
	}
	defer rows.Close()

	var result []models.MetricsSnapshot
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan metrics snapshot: %w", err)
		}
		var snap models.MetricsSnapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			return nil, fmt.Errorf("failed to decode metrics snapshot: %w", err)
		}
		result = append(result, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating metrics history: %w", err)
	}
	return result, nil
}

// DeleteMetricsBefore removes snapshots older than cutoff
func (s *PostgresStorage) DeleteMetricsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM metrics_history WHERE captured_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete metrics history: %w", err)
	}
	return res.RowsAffected()
}

func expectOneRow(res sql.Result, kind, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// textArray binds a TEXT[] value. A nil slice binds as '{}' because
// pq.Array sends NULL for it.
func textArray(values []string) driver.Valuer {
	if values == nil {
		values = []string{}
	}
	return pq.Array(values)
}

func nullBool(b *bool) sql.NullBool {
	if b == nil {
		return sql.NullBool{}
	}
	return sql.NullBool{Bool: *b, Valid: true}
}

// marshalNullable encodes a map as JSON, or NULL when empty
func marshalNullable(m map[string]any) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return json.Marshal(m)
}
