package connector

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ppiankov/secdash/internal/models"
	"github.com/xeipuuv/gojsonschema"
)

const crowdStrikeSchema = `{
  "type": "object",
  "properties": {
    "page_size": {"type": ["integer", "string"], "minimum": 1, "maximum": 5000}
  },
  "additionalProperties": false
}`

const serviceNowSchema = `{
  "type": "object",
  "properties": {
    "page_size":      {"type": ["integer", "string"], "minimum": 1, "maximum": 10000},
    "incident_table": {"type": "string", "pattern": "^[a-z0-9_]+$"},
    "incident_query": {"type": "string"},
    "asset_table":    {"type": "string", "pattern": "^[a-z0-9_]+$"},
    "edr_field":      {"type": "string"},
    "av_field":       {"type": "string"}
  },
  "additionalProperties": false
}`

const splunkSchema = `{
  "type": "object",
  "properties": {
    "search_query":      {"type": "string", "minLength": 1},
    "asset_query":       {"type": "string", "minLength": 1},
    "poll_interval":     {"type": ["string", "number"]},
    "max_poll_attempts": {"type": ["integer", "string"], "minimum": 1, "maximum": 1000},
    "page_size":         {"type": ["integer", "string"], "minimum": 1, "maximum": 50000}
  },
  "additionalProperties": false
}`

// ValidationError lists every problem found in a connector config
type ValidationError struct {
	ConnectorID string
	Problems    []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("connector %s: invalid config: %s", e.ConnectorID, strings.Join(e.Problems, "; "))
}

// ValidateConfig checks the connection fields and the source-specific config
// against the implementation's JSON schema. It makes no network calls.
func ValidateConfig(impl Implementation, cfg models.ConnectorConfig) error {
	var problems []string

	if cfg.ID == "" {
		problems = append(problems, "id is required")
	}
	if cfg.BaseURL == "" {
		problems = append(problems, "base_url is required")
	} else if !strings.HasPrefix(cfg.BaseURL, "http://") && !strings.HasPrefix(cfg.BaseURL, "https://") {
		problems = append(problems, "base_url must be an http(s) URL")
	}
	if !cfg.HasBearerToken() && !cfg.HasBasicAuth() {
		problems = append(problems, "a token or username and password is required")
	}

	if impl.Schema != "" {
		schemaProblems, err := validateAgainstSchema(impl.Schema, cfg.Config)
		if err != nil {
			return fmt.Errorf("connector %s: %w", cfg.ID, err)
		}
		problems = append(problems, schemaProblems...)
	}

	if len(problems) > 0 {
		return &ValidationError{ConnectorID: cfg.ID, Problems: problems}
	}
	return nil
}

func validateAgainstSchema(schema string, config map[string]any) ([]string, error) {
	if config == nil {
		config = map[string]any{}
	}
	data, err := json.Marshal(config)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}

	result, err := gojsonschema.Validate(gojsonschema.NewStringLoader(schema), gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, fmt.Errorf("schema validation error: %w", err)
	}
	if result.Valid() {
		return nil, nil
	}

	var problems []string
	for _, desc := range result.Errors() {
		problems = append(problems, "config: "+desc.String())
	}
	return problems, nil
}
