package models

import "time"

// Platform identifies one of the supported ad platforms.
type Platform string

const (
	PlatformMeta   Platform = "meta"
	PlatformGoogle Platform = "google"
)

// Platforms lists every supported platform.
func Platforms() []Platform {
	return []Platform{PlatformMeta, PlatformGoogle}
}

// Valid reports whether p names a supported platform.
func (p Platform) Valid() bool {
	return p == PlatformMeta || p == PlatformGoogle
}

// ClientHealth reflects the state of a client's stored credentials.
type ClientHealth string

const (
	HealthValid    ClientHealth = "valid"
	HealthDegraded ClientHealth = "degraded"
	HealthInvalid  ClientHealth = "invalid"
)

// MetaCredentials holds access to a client's Meta ad account.
type MetaCredentials struct {
	AccessToken string `json:"access_token"`
	AdAccountID string `json:"ad_account_id"`
}

// GoogleCredentials holds access to a client's Google Ads account.
type GoogleCredentials struct {
	DeveloperToken string `json:"developer_token"`
	RefreshToken   string `json:"refresh_token"`
	CustomerID     string `json:"customer_id"`
}

// Client is an advertiser account owned by an external system. The core
// only reads it; health flags are the single field written back.
type Client struct {
	ID        string             `json:"id"`
	Name      string             `json:"name"`
	Meta      *MetaCredentials   `json:"meta,omitempty"`
	Google    *GoogleCredentials `json:"google,omitempty"`
	Health    ClientHealth       `json:"health"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// HasPlatform reports whether the client carries credentials for p.
func (c *Client) HasPlatform(p Platform) bool {
	switch p {
	case PlatformMeta:
		return c.Meta != nil && c.Meta.AccessToken != "" && c.Meta.AdAccountID != ""
	case PlatformGoogle:
		return c.Google != nil && c.Google.DeveloperToken != "" && c.Google.CustomerID != ""
	}
	return false
}

// ActivePlatforms returns the platforms this client can be collected from.
func (c *Client) ActivePlatforms() []Platform {
	var out []Platform
	for _, p := range Platforms() {
		if c.HasPlatform(p) {
			out = append(out, p)
		}
	}
	return out
}
