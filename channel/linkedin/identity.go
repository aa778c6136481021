package linkedin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/c360studio/valet/fault"
)

// Identity resolution methods, in fallback-chain order.
const (
	MethodV2Me    = "v2_me"
	MethodOIDCSub = "oidc_sub"
)

// Identity is the cached author identity blob. The resolution method is
// recorded with it; a change in method invalidates the cache.
type Identity struct {
	URN      string    `json:"urn"`
	Method   string    `json:"method"`
	Name     string    `json:"name,omitempty"`
	CachedAt time.Time `json:"cached_at"`
}

const identityCacheFile = "linkedin_identity.json"

// resolveIdentity returns the author URN, using /v2/me when the profile
// scope is granted and falling back to the OIDC id_token sub claim
// otherwise. Cache hits skip the network.
func (a *Adapter) resolveIdentity(ctx context.Context, blob *tokenBlob) (*Identity, error) {
	method := MethodOIDCSub
	if hasProfileScope(blob.Scopes) {
		method = MethodV2Me
	}

	if cached := a.loadIdentityCache(); cached != nil && cached.Method == method {
		return cached, nil
	}

	var id *Identity
	switch method {
	case MethodV2Me:
		var err error
		if id, err = a.fetchV2Me(ctx, blob); err != nil {
			return nil, err
		}
	case MethodOIDCSub:
		sub, err := oidcSub(blob.IDToken)
		if err != nil {
			return nil, err
		}
		id = &Identity{URN: "urn:li:person:" + sub, Method: MethodOIDCSub}
	}
	id.CachedAt = time.Now().UTC()
	a.saveIdentityCache(id)
	return id, nil
}

func hasProfileScope(scopes []string) bool {
	for _, s := range scopes {
		if s == "r_liteprofile" || s == "r_basicprofile" {
			return true
		}
	}
	return false
}

func (a *Adapter) fetchV2Me(ctx context.Context, blob *tokenBlob) (*Identity, error) {
	resp, err := a.client.DoJSON(ctx, http.MethodGet, a.baseURL+"/v2/me",
		map[string]string{"Authorization": "Bearer " + blob.AccessToken}, nil)
	if err != nil {
		return nil, err
	}
	if ferr := fault.FromHTTPStatus(resp.Status, "linkedin /v2/me"); ferr != nil {
		return nil, ferr
	}
	var me struct {
		ID                 string `json:"id"`
		LocalizedFirstName string `json:"localizedFirstName"`
		LocalizedLastName  string `json:"localizedLastName"`
	}
	if err := resp.Decode(&me); err != nil {
		return nil, err
	}
	return &Identity{
		URN:    "urn:li:person:" + me.ID,
		Method: MethodV2Me,
		Name:   fmt.Sprintf("%s %s", me.LocalizedFirstName, me.LocalizedLastName),
	}, nil
}

// oidcSub extracts the sub claim from an OIDC id_token. The token is
// parsed unverified: it came from the trusted secret store and is used
// for identity display only, never for authorization.
func oidcSub(idToken string) (string, error) {
	if idToken == "" {
		return "", fault.New(fault.KindAuth, "no id_token available for OIDC identity fallback")
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(idToken, claims); err != nil {
		return "", fault.Wrap(fault.KindAuth, "parse id_token", err)
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return "", fault.New(fault.KindAuth, "id_token carries no sub claim")
	}
	return sub, nil
}

func (a *Adapter) loadIdentityCache() *Identity {
	data, err := os.ReadFile(a.store.Path(identityCacheFile))
	if err != nil {
		return nil
	}
	var id Identity
	if err := json.Unmarshal(data, &id); err != nil {
		return nil
	}
	return &id
}

func (a *Adapter) saveIdentityCache(id *Identity) {
	data, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return
	}
	// Cache write failure is not fatal; the next call re-resolves.
	_ = os.WriteFile(a.store.Path(identityCacheFile), data, 0o600)
}
