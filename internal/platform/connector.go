// Package platform fetches raw performance rows from the ad platforms'
// reporting APIs and translates them into the shared insight-row shape.
// Nothing here aggregates: connectors hand per-campaign rows to the
// normalizer exactly as the platform reported them.
package platform

import (
	"context"
	"net/http"
	"time"

	"github.com/staylytics/funnel-core/internal/models"
	"github.com/staylytics/funnel-core/internal/period"
)

// Connector fetches raw performance rows for one ad platform.
type Connector interface {
	// Platform names the platform this connector talks to.
	Platform() models.Platform
	// Fetch returns one row per campaign for the exact date range,
	// authenticated with the client's stored credentials. Errors follow
	// the CredentialError / RateLimitError / UpstreamError taxonomy.
	Fetch(ctx context.Context, client *models.Client, r period.Range) ([]models.RawInsightRow, error)
}

// Registry maps platforms to their connectors.
type Registry map[models.Platform]Connector

// NewRegistry builds a registry from the given connectors.
func NewRegistry(connectors ...Connector) Registry {
	reg := make(Registry, len(connectors))
	for _, c := range connectors {
		reg[c.Platform()] = c
	}
	return reg
}

// HTTPClient is the subset of http.Client the connectors use. Tests
// substitute a stub.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// NewHTTPClient returns an http.Client with the timeout applied. A timeout
// surfaces as an UpstreamError at the call site.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}
