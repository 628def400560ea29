package gmail

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmailapi "google.golang.org/api/gmail/v1"
)

// Scopes requested for the OAuth client.
var Scopes = []string{
	gmailapi.GmailModifyScope,
	gmailapi.GmailSendScope,
}

// OAuthConfig loads an OAuth client configuration from a credentials JSON
// file downloaded from the Google Cloud console.
func OAuthConfig(credentialsFile string) (*oauth2.Config, error) {
	b, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("reading credentials %s: %w", credentialsFile, err)
	}
	cfg, err := google.ConfigFromJSON(b, Scopes...)
	if err != nil {
		return nil, fmt.Errorf("parsing credentials %s: %w", credentialsFile, err)
	}
	return cfg, nil
}

// TokenSource returns a static source when accessToken is set, and
// otherwise a refreshing source built from the OAuth client config and a
// token previously stored as JSON.
func TokenSource(ctx context.Context, accessToken string, cfg *oauth2.Config, tokenJSON string) (oauth2.TokenSource, error) {
	if accessToken != "" {
		return oauth2.StaticTokenSource(&oauth2.Token{
			AccessToken: accessToken,
			TokenType:   "Bearer",
		}), nil
	}
	if cfg == nil || tokenJSON == "" {
		return nil, errors.New("no gmail access token or stored OAuth token; run `inboxd login gmail`")
	}

	tok, err := DecodeToken(tokenJSON)
	if err != nil {
		return nil, err
	}
	return cfg.TokenSource(ctx, tok), nil
}

// AuthCodeURL returns the consent URL the user visits to grant access.
func AuthCodeURL(cfg *oauth2.Config) string {
	return cfg.AuthCodeURL("state-token", oauth2.AccessTypeOffline)
}

// Exchange trades an authorization code for a token encoded as JSON,
// ready to be stored.
func Exchange(ctx context.Context, cfg *oauth2.Config, code string) (string, error) {
	tok, err := cfg.Exchange(ctx, code)
	if err != nil {
		return "", classify("exchanging authorization code", err)
	}
	return EncodeToken(tok)
}

// EncodeToken serializes tok for storage.
func EncodeToken(tok *oauth2.Token) (string, error) {
	b, err := json.Marshal(tok)
	if err != nil {
		return "", fmt.Errorf("encoding token: %w", err)
	}
	return string(b), nil
}

// DecodeToken parses a token stored by EncodeToken.
func DecodeToken(s string) (*oauth2.Token, error) {
	tok := &oauth2.Token{}
	if err := json.Unmarshal([]byte(s), tok); err != nil {
		return nil, fmt.Errorf("decoding stored token: %w", err)
	}
	return tok, nil
}
