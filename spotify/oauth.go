package spotify

import (
	"golang.org/x/oauth2"
	spotifyauth "golang.org/x/oauth2/spotify"
)

// Scopes requested when a user links their Spotify account. Reading the
// library and top tracks is enough; nothing is ever written back.
var oauthScopes = []string{
	"user-read-private",
	"user-library-read",
	"user-top-read",
}

// NewOAuthConfig builds the authorization-code flow configuration for
// linking a Spotify account. The returned config also handles token refresh
// via its TokenSource.
func NewOAuthConfig(clientID, clientSecret, redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Scopes:       oauthScopes,
		Endpoint:     spotifyauth.Endpoint,
	}
}
