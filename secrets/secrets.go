// Package secrets reads per-adapter credential blobs from the secrets
// directory. Credentials are loaded lazily, on the adapter's first
// outbound call; they are never embedded in plan files, intake
// wrappers, audit entries, or dashboard state.
package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/oauth2"

	"github.com/c360studio/valet/fault"
)

// Well-known blob names.
const (
	GmailToken           = "gmail_token.json"
	LinkedInToken        = "linkedin_token.json"
	InstagramCredentials = "instagram_credentials.json"
	OdooCredentials      = "odoo_credentials.json"
	WhatsAppSession      = "whatsapp_session"
	AICredentials        = "ai_credentials.json"
)

// Store reads credential blobs from a single secrets directory.
type Store struct {
	dir string
}

// NewStore creates a store for the given secrets directory. The
// directory need not exist yet; individual loads fail as auth errors.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Path returns the absolute path of a named blob or session directory.
func (s *Store) Path(name string) string {
	return filepath.Join(s.dir, name)
}

// Load reads and decodes a JSON credential blob. Missing or malformed
// blobs are auth errors: the adapter cannot authenticate without them.
func (s *Store) Load(name string, dst any) error {
	data, err := os.ReadFile(s.Path(name))
	if err != nil {
		return fault.Wrap(fault.KindAuth, fmt.Sprintf("credentials %s unavailable", name), err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fault.Wrap(fault.KindAuth, fmt.Sprintf("credentials %s malformed", name), err)
	}
	return nil
}

// OAuthBlob is the stored shape of an OAuth2 credential file.
type OAuthBlob struct {
	ClientID     string    `json:"client_id"`
	ClientSecret string    `json:"client_secret"`
	TokenURL     string    `json:"token_url"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	Expiry       time.Time `json:"expiry"`
	Scopes       []string  `json:"scopes,omitempty"`
}

// TokenSource builds an oauth2 token source from a stored blob. An
// expired access token is refreshed once before the first outbound
// request of a call; refresh failures surface as auth errors, not
// transient ones.
func (s *Store) TokenSource(ctx context.Context, name string) (oauth2.TokenSource, []string, error) {
	var blob OAuthBlob
	if err := s.Load(name, &blob); err != nil {
		return nil, nil, err
	}
	cfg := &oauth2.Config{
		ClientID:     blob.ClientID,
		ClientSecret: blob.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: blob.TokenURL},
		Scopes:       blob.Scopes,
	}
	tok := &oauth2.Token{
		AccessToken:  blob.AccessToken,
		RefreshToken: blob.RefreshToken,
		Expiry:       blob.Expiry,
	}
	return cfg.TokenSource(ctx, tok), blob.Scopes, nil
}

// AccessToken resolves the current access token from a source,
// classifying refresh failures as auth errors.
func AccessToken(ts oauth2.TokenSource) (string, error) {
	tok, err := ts.Token()
	if err != nil {
		return "", fault.Wrap(fault.KindAuth, "token refresh failed", err)
	}
	return tok.AccessToken, nil
}
