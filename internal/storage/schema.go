package storage

// schemaStatements is applied in order by EnsureSchema. Every statement is idempotent.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS incidents (
		id              TEXT PRIMARY KEY,
		source          TEXT NOT NULL,
		source_id       TEXT NOT NULL,
		title           TEXT NOT NULL DEFAULT '',
		description     TEXT NOT NULL DEFAULT '',
		severity        TEXT NOT NULL,
		status          TEXT NOT NULL,
		detected_at     TIMESTAMPTZ NOT NULL,
		resolved_at     TIMESTAMPTZ,
		affected_assets TEXT[] NOT NULL DEFAULT '{}',
		iocs            JSONB,
		false_positive  BOOLEAN NOT NULL DEFAULT FALSE,
		created_at      TIMESTAMPTZ NOT NULL,
		updated_at      TIMESTAMPTZ NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS incidents_source_key ON incidents (source, source_id)`,
	`CREATE INDEX IF NOT EXISTS incidents_detected_at ON incidents (detected_at DESC)`,

	`CREATE TABLE IF NOT EXISTS assets (
		id                TEXT PRIMARY KEY,
		name              TEXT NOT NULL DEFAULT '',
		hostname          TEXT NOT NULL DEFAULT '',
		ip_address        TEXT NOT NULL DEFAULT '',
		type              TEXT NOT NULL DEFAULT 'other',
		department        TEXT NOT NULL DEFAULT '',
		criticality       TEXT NOT NULL DEFAULT 'low',
		os                TEXT NOT NULL DEFAULT '',
		edr_installed     BOOLEAN NOT NULL DEFAULT FALSE,
		av_installed      BOOLEAN NOT NULL DEFAULT FALSE,
		compliance_status TEXT NOT NULL DEFAULT 'unknown',
		last_scan         TIMESTAMPTZ,
		source            TEXT NOT NULL DEFAULT '',
		source_id         TEXT NOT NULL DEFAULT '',
		created_at        TIMESTAMPTZ NOT NULL,
		updated_at        TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS assets_hostname ON assets (lower(hostname))`,
	`CREATE INDEX IF NOT EXISTS assets_ip_address ON assets (ip_address)`,

	`CREATE TABLE IF NOT EXISTS connector_configs (
		id                    TEXT PRIMARY KEY,
		name                  TEXT NOT NULL,
		type                  TEXT NOT NULL,
		implementation        TEXT NOT NULL DEFAULT '',
		base_url              TEXT NOT NULL DEFAULT '',
		token                 TEXT NOT NULL DEFAULT '',
		username              TEXT NOT NULL DEFAULT '',
		password              TEXT NOT NULL DEFAULT '',
		enabled               BOOLEAN NOT NULL DEFAULT TRUE,
		sync_interval_seconds BIGINT NOT NULL DEFAULT 0,
		last_sync             TIMESTAMPTZ,
		status                TEXT NOT NULL DEFAULT 'inactive',
		last_error            TEXT NOT NULL DEFAULT '',
		config                JSONB,
		created_at            TIMESTAMPTZ NOT NULL,
		updated_at            TIMESTAMPTZ NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS sync_logs (
		id              TEXT PRIMARY KEY,
		connector_id    TEXT NOT NULL,
		sync_type       TEXT NOT NULL,
		status          TEXT NOT NULL,
		items_processed INTEGER NOT NULL DEFAULT 0,
		items_created   INTEGER NOT NULL DEFAULT 0,
		items_updated   INTEGER NOT NULL DEFAULT 0,
		error_count     INTEGER NOT NULL DEFAULT 0,
		errors          JSONB,
		started_at      TIMESTAMPTZ NOT NULL,
		duration_ms     BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS sync_logs_started_at ON sync_logs (started_at DESC)`,

	`CREATE TABLE IF NOT EXISTS metrics_history (
		id          BIGSERIAL PRIMARY KEY,
		captured_at TIMESTAMPTZ NOT NULL,
		snapshot    JSONB NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS metrics_history_captured_at ON metrics_history (captured_at DESC)`,
}
