package connector

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ppiankov/secdash/internal/models"
)

// Factory builds a connector from its config
type Factory func(cfg models.ConnectorConfig, deps Deps) (Connector, error)

// Implementation describes one concrete connector
type Implementation struct {
	Key      string
	Factory  Factory
	Types    []models.ConnectorType // declared types it may serve
	Keywords []string               // name substrings used when no implementation is set
	Schema   string                 // JSON schema for the source-specific config
}

// Registry maps implementation keys to constructors
var Registry = map[string]Implementation{
	"crowdstrike": {
		Key:      "crowdstrike",
		Factory:  NewCrowdStrike,
		Types:    []models.ConnectorType{models.TypeEDR},
		Keywords: []string{"crowdstrike", "falcon"},
		Schema:   crowdStrikeSchema,
	},
	"servicenow": {
		Key:      "servicenow",
		Factory:  NewServiceNow,
		Types:    []models.ConnectorType{models.TypeCMDB, models.TypeTicketing},
		Keywords: []string{"servicenow", "service-now", "snow"},
		Schema:   serviceNowSchema,
	},
	"splunk": {
		Key:      "splunk",
		Factory:  NewSplunk,
		Types:    []models.ConnectorType{models.TypeSIEM},
		Keywords: []string{"splunk"},
		Schema:   splunkSchema,
	},
}

// Implementations returns the registered keys in sorted order
func Implementations() []string {
	keys := make([]string, 0, len(Registry))
	for k := range Registry {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Resolve picks the implementation for a config. An explicit implementation
// wins; otherwise the declared type and a name substring must both match.
func Resolve(cfg models.ConnectorConfig) (Implementation, error) {
	if cfg.Implementation != "" {
		impl, ok := Registry[strings.ToLower(cfg.Implementation)]
		if !ok {
			return Implementation{}, fmt.Errorf("%w: implementation %q", ErrUnsupported, cfg.Implementation)
		}
		return impl, nil
	}

	name := strings.ToLower(cfg.Name)
	for _, key := range Implementations() {
		impl := Registry[key]
		if !impl.serves(cfg.Type) {
			continue
		}
		for _, kw := range impl.Keywords {
			if strings.Contains(name, kw) {
				return impl, nil
			}
		}
	}
	return Implementation{}, fmt.Errorf("%w: type %q with name %q", ErrUnsupported, cfg.Type, cfg.Name)
}

func (i Implementation) serves(t models.ConnectorType) bool {
	for _, known := range i.Types {
		if known == t {
			return true
		}
	}
	return false
}

// New resolves, validates and constructs the connector for cfg
func New(cfg models.ConnectorConfig, deps Deps) (Connector, error) {
	impl, err := Resolve(cfg)
	if err != nil {
		return nil, err
	}
	if err := ValidateConfig(impl, cfg); err != nil {
		return nil, err
	}
	return impl.Factory(cfg, deps)
}
