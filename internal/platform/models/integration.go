package models

import "fmt"

type Provider string

const (
	ProviderFireflies  Provider = "fireflies"
	ProviderLinear     Provider = "linear"
	ProviderSlack      Provider = "slack"
	ProviderGoogleDocs Provider = "google_docs"
)

var AllProviders = []Provider{ProviderFireflies, ProviderLinear, ProviderSlack, ProviderGoogleDocs}

func ParseProvider(s string) (Provider, error) {
	for _, p := range AllProviders {
		if string(p) == s {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown provider %q", s)
}

// Connection states surfaced to the user.
const (
	StatusConnected      = "connected"
	StatusNeedsReconnect = "needs_reconnect"
	StatusDisconnected   = "disconnected"
)

type Integration struct {
	ID             string                 `json:"id"`
	UserID         string                 `json:"user_id"`
	Provider       Provider               `json:"service"`
	IsActive       bool                   `json:"is_active"`
	NeedsReauth    bool                   `json:"needs_reauth"`
	AccessToken    string                 `json:"-"`
	RefreshToken   string                 `json:"-"`
	TokenExpiresAt int64                  `json:"token_expires_at,omitempty"` // 0 means no expiry
	TeamID         string                 `json:"team_id"`
	TeamName       string                 `json:"team_name,omitempty"`
	UserEmail      string                 `json:"user_email,omitempty"`
	Scopes         []string               `json:"scopes"`
	LastSyncAt     int64                  `json:"last_sync_at,omitempty"`
	SyncCursor     string                 `json:"-"`
	Config         map[string]interface{} `json:"config,omitempty"`
	LastError      string                 `json:"last_error,omitempty"`
	CreatedAt      int64                  `json:"created_at"`
	UpdatedAt      int64                  `json:"updated_at"`
}

func (i *Integration) Status() string {
	switch {
	case !i.IsActive:
		return StatusDisconnected
	case i.NeedsReauth:
		return StatusNeedsReconnect
	default:
		return StatusConnected
	}
}

// AccountInfo describes the external account a token belongs to.
type AccountInfo struct {
	TeamID    string
	TeamName  string
	UserEmail string
}
