// Package connector speaks the protocols of external security systems and
// reconciles their incidents and assets into the normalized store.
package connector

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ppiankov/secdash/internal/broadcast"
	"github.com/ppiankov/secdash/internal/models"
	"github.com/ppiankov/secdash/internal/storage"
	"github.com/sirupsen/logrus"
)

// DefaultLookback is the incident window used when no since is given
const DefaultLookback = 24 * time.Hour

// DefaultHTTPTimeout bounds every request to a remote API
const DefaultHTTPTimeout = 30 * time.Second

// Connector is the capability every external-system integration provides
type Connector interface {
	ID() string
	Name() string

	// TestConnection probes reachability and credentials. It has no side effects.
	TestConnection(ctx context.Context) bool

	// SyncIncidents fetches items detected or changed at or after since
	// (DefaultLookback when nil) and reconciles them by (source, source_id).
	SyncIncidents(ctx context.Context, since *time.Time) *models.SyncResult

	// SyncAssets enumerates the full remote inventory and reconciles it by hostname or IP.
	SyncAssets(ctx context.Context) *models.SyncResult

	// GetHealth wraps TestConnection and never panics
	GetHealth(ctx context.Context) models.Health
}

// Deps are the collaborators shared by every connector instance
type Deps struct {
	Store       storage.Gateway
	Sink        broadcast.Sink // optional
	Logger      *logrus.Logger
	HTTPTimeout time.Duration
	HTTPClient  *http.Client // optional, overrides HTTPTimeout
	Now         func() time.Time
}

func (d Deps) withDefaults() Deps {
	if d.Logger == nil {
		d.Logger = logrus.New()
	}
	if d.HTTPTimeout <= 0 {
		d.HTTPTimeout = DefaultHTTPTimeout
	}
	if d.HTTPClient == nil {
		d.HTTPClient = &http.Client{Timeout: d.HTTPTimeout}
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return d
}

// ErrUnsupported is returned for a config no implementation recognizes
var ErrUnsupported = errors.New("unsupported connector")

// ErrUnauthorized is wrapped by FetchError for 401 and 403 responses
var ErrUnauthorized = errors.New("authorization failed")

// ErrJobTimeout is returned when a search job does not finish within the poll budget
var ErrJobTimeout = errors.New("search job timed out")

// FetchError is a fetch-level failure that fails the whole run
type FetchError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *FetchError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: HTTP %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: HTTP %d: %s", e.Op, e.StatusCode, e.Message)
}

// Unwrap exposes ErrUnauthorized for credential failures
func (e *FetchError) Unwrap() error {
	if e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden {
		return ErrUnauthorized
	}
	return nil
}
