package credentials

import (
	"golang.org/x/oauth2"

	"actsync/internal/platform/config"
	"actsync/internal/platform/models"
)

var defaultEndpoints = map[models.Provider]oauth2.Endpoint{
	models.ProviderLinear: {
		AuthURL:  "https://linear.app/oauth/authorize",
		TokenURL: "https://api.linear.app/oauth/token",
	},
	models.ProviderSlack: {
		AuthURL:  "https://slack.com/oauth/v2/authorize",
		TokenURL: "https://slack.com/api/oauth.v2.access",
	},
	models.ProviderGoogleDocs: {
		AuthURL:  "https://accounts.google.com/o/oauth2/auth",
		TokenURL: "https://oauth2.googleapis.com/token",
	},
}

// OAuthConfigs builds one oauth2.Config per provider that has a client id.
// Client credentials are sent in the form body.
func OAuthConfigs(providers map[string]config.ProviderConfig) map[models.Provider]*oauth2.Config {
	out := make(map[models.Provider]*oauth2.Config)
	for _, p := range models.AllProviders {
		pc, ok := providers[string(p)]
		if !ok || pc.ClientID == "" {
			continue
		}

		endpoint := defaultEndpoints[p]
		if pc.AuthURL != "" {
			endpoint.AuthURL = pc.AuthURL
		}
		if pc.TokenURL != "" {
			endpoint.TokenURL = pc.TokenURL
		}
		if endpoint.TokenURL == "" {
			continue
		}
		endpoint.AuthStyle = oauth2.AuthStyleInParams

		out[p] = &oauth2.Config{
			ClientID:     pc.ClientID,
			ClientSecret: pc.ClientSecret,
			Endpoint:     endpoint,
			RedirectURL:  pc.RedirectURI,
			Scopes:       pc.Scopes,
		}
	}
	return out
}

// APIKeys returns the static keys configured for providers that accept them as bearer tokens.
func APIKeys(providers map[string]config.ProviderConfig) map[models.Provider]string {
	out := make(map[models.Provider]string)
	for _, p := range models.AllProviders {
		if pc, ok := providers[string(p)]; ok && pc.APIKey != "" {
			out[p] = pc.APIKey
		}
	}
	return out
}
