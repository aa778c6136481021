// Package linkedin bridges the executor to the LinkedIn REST API.
// Posts go through the versioned rest/posts endpoint; the adapter
// normalizes version headers, retries NONEXISTENT_VERSION once within
// the same call, and falls back to the legacy ugcPosts endpoint only
// when the primary is reported as migrated.
package linkedin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/c360studio/valet/channel"
	"github.com/c360studio/valet/channel/rest"
	"github.com/c360studio/valet/fault"
	"github.com/c360studio/valet/secrets"
)

const apiBase = "https://api.linkedin.com"

// defaultVersion is used when the token blob does not pin one.
const defaultVersion = "202502"

// PostPayload is the payload variant for post_text and post_image.
type PostPayload struct {
	Text       string `json:"text" validate:"required"`
	ImageURN   string `json:"image_urn,omitempty"`
	Visibility string `json:"visibility,omitempty" validate:"omitempty,oneof=PUBLIC CONNECTIONS"`
}

// tokenBlob is the stored LinkedIn credential shape.
type tokenBlob struct {
	secrets.OAuthBlob
	IDToken string `json:"id_token,omitempty"`
	Version string `json:"version,omitempty"`
}

// Adapter implements channel.Adapter for LinkedIn.
type Adapter struct {
	mode    channel.Mode
	store   *secrets.Store
	client  *rest.Client
	baseURL string
}

// NewAdapter creates the linkedin adapter.
func NewAdapter(store *secrets.Store, mode channel.Mode) *Adapter {
	return &Adapter{
		mode:    mode,
		store:   store,
		client:  rest.NewClient(rest.DefaultTimeout, 2, 4),
		baseURL: apiBase,
	}
}

// Channel returns channel.LinkedIn.
func (a *Adapter) Channel() channel.Channel { return channel.LinkedIn }

// Capabilities reports authentication state and the resolved identity
// when cached.
func (a *Adapter) Capabilities(ctx context.Context) (channel.Capabilities, error) {
	if a.mode == channel.ModeMock {
		return channel.Capabilities{
			Authenticated: true, CanRead: true, CanWrite: true,
			DisplayIdentity: "urn:li:person:mock",
		}, nil
	}
	var blob tokenBlob
	if err := a.store.Load(secrets.LinkedInToken, &blob); err != nil {
		return channel.Capabilities{}, nil
	}
	caps := channel.Capabilities{
		Authenticated: blob.AccessToken != "",
		CanRead:       true,
		CanWrite:      hasScope(blob.Scopes, "w_member_social"),
		GrantedScopes: blob.Scopes,
	}
	if cached := a.loadIdentityCache(); cached != nil {
		caps.DisplayIdentity = cached.URN
	}
	return caps, nil
}

func hasScope(scopes []string, want string) bool {
	for _, s := range scopes {
		if s == want {
			return true
		}
	}
	return false
}

var versionPattern = regexp.MustCompile(`^\d{6}(\d{2})?$`)

// NormalizeVersion truncates a YYYYMMDD version to the YYYYMM form the
// upstream demands. Unknown formats fail fast with a typed error.
func NormalizeVersion(v string) (string, error) {
	if !versionPattern.MatchString(v) {
		return "", fault.Newf(fault.KindPrecondition, "unrecognized LinkedIn version format: %q", v)
	}
	if len(v) == 8 {
		return v[:6], nil
	}
	return v, nil
}

// DryRun validates the payload, composes the post body, and resolves
// the author URN (cache hit or read-only identity call).
func (a *Adapter) DryRun(ctx context.Context, action channel.ActionType, payload json.RawMessage) (channel.Preview, error) {
	p, err := a.decode(action, payload)
	if err != nil {
		return channel.Preview{}, err
	}

	author := "urn:li:person:mock"
	version := defaultVersion
	if a.mode == channel.ModeReal {
		blob, err := a.creds()
		if err != nil {
			return channel.Preview{}, err
		}
		if version, err = blobVersion(blob); err != nil {
			return channel.Preview{}, err
		}
		id, err := a.resolveIdentity(ctx, blob)
		if err != nil {
			return channel.Preview{}, err
		}
		author = id.URN
	}

	body := postBody(author, p)
	raw, _ := json.Marshal(body)
	return channel.Preview{
		Summary: fmt.Sprintf("Author: %s, Action: %s, Size: %d bytes", author, action, len(raw)),
		Detail: map[string]any{
			"author":     author,
			"text":       p.Text,
			"visibility": visibilityOf(p),
			"version":    version,
			"endpoint":   "rest/posts",
		},
	}, nil
}

// Execute publishes the post. A 426 NONEXISTENT_VERSION response is
// retried exactly once within the same call after version
// normalization; a migrated primary endpoint falls back to the
// documented legacy one, reported in endpoint_used.
func (a *Adapter) Execute(ctx context.Context, action channel.ActionType, payload json.RawMessage) (channel.Result, error) {
	p, err := a.decode(action, payload)
	if err != nil {
		return channel.Result{}, err
	}

	if a.mode == channel.ModeMock {
		return channel.Result{
			ObjectRef:    fmt.Sprintf("urn:li:share:mock-%d", time.Now().UnixNano()),
			EndpointUsed: "rest/posts",
		}, nil
	}

	blob, err := a.creds()
	if err != nil {
		return channel.Result{}, err
	}
	version, err := blobVersion(blob)
	if err != nil {
		return channel.Result{}, err
	}
	id, err := a.resolveIdentity(ctx, blob)
	if err != nil {
		return channel.Result{}, err
	}

	body := postBody(id.URN, p)
	resp, err := a.post(ctx, "/rest/posts", blob.AccessToken, version, body)
	if err != nil {
		return channel.Result{}, err
	}

	if resp.Status == http.StatusUpgradeRequired && strings.Contains(string(resp.Body), "NONEXISTENT_VERSION") {
		// Version rejected: normalize and retry once within this call.
		normalized, nerr := NormalizeVersion(blob.Version)
		if nerr != nil {
			return channel.Result{}, nerr
		}
		resp, err = a.post(ctx, "/rest/posts", blob.AccessToken, normalized, body)
		if err != nil {
			return channel.Result{}, err
		}
	}

	if resp.Status == http.StatusGone {
		// Documented endpoint migration: rest/posts replaced the legacy
		// share API; a Gone primary means this token is pinned to the
		// legacy surface.
		legacy := legacyBody(id.URN, p)
		resp, err = a.post(ctx, "/v2/ugcPosts", blob.AccessToken, version, legacy)
		if err != nil {
			return channel.Result{}, err
		}
		if ferr := fault.FromHTTPStatus(resp.Status, "linkedin v2/ugcPosts"); ferr != nil {
			return channel.Result{}, ferr
		}
		return channel.Result{ObjectRef: resp.objectRef(), EndpointUsed: "v2/ugcPosts"}, nil
	}

	if ferr := fault.FromHTTPStatus(resp.Status, "linkedin rest/posts"); ferr != nil {
		return channel.Result{}, ferr
	}
	return channel.Result{ObjectRef: resp.objectRef(), EndpointUsed: "rest/posts"}, nil
}

func (a *Adapter) post(ctx context.Context, path, token, version string, body any) (*postResponse, error) {
	resp, err := a.client.DoJSON(ctx, http.MethodPost, a.baseURL+path, map[string]string{
		"Authorization":             "Bearer " + token,
		"LinkedIn-Version":          version,
		"X-Restli-Protocol-Version": "2.0.0",
	}, body)
	if err != nil {
		return nil, err
	}
	return &postResponse{resp}, nil
}

// postResponse adds LinkedIn's id-in-body extraction.
type postResponse struct {
	*rest.Response
}

// objectRef returns the created object URN from the response body.
func (r *postResponse) objectRef() string {
	var out struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(r.Body, &out); err == nil && out.ID != "" {
		return out.ID
	}
	return ""
}

func (a *Adapter) decode(action channel.ActionType, payload json.RawMessage) (*PostPayload, error) {
	if action != channel.ActionPostText && action != channel.ActionPostImage {
		return nil, fault.Newf(fault.KindPrecondition, "linkedin does not support action %s", action)
	}
	var p PostPayload
	if err := channel.DecodePayload(payload, &p); err != nil {
		return nil, err
	}
	if action == channel.ActionPostImage && p.ImageURN == "" {
		return nil, fault.New(fault.KindPrecondition, "post_image requires image_urn")
	}
	return &p, nil
}

func (a *Adapter) creds() (*tokenBlob, error) {
	var blob tokenBlob
	if err := a.store.Load(secrets.LinkedInToken, &blob); err != nil {
		return nil, err
	}
	if blob.AccessToken == "" {
		return nil, fault.New(fault.KindAuth, "linkedin access token missing")
	}
	return &blob, nil
}

func blobVersion(blob *tokenBlob) (string, error) {
	if blob.Version == "" {
		return defaultVersion, nil
	}
	// A user-supplied YYYYMMDD is accepted as-is here; the upstream
	// rejection path normalizes it within the call.
	if !versionPattern.MatchString(blob.Version) {
		return "", fault.Newf(fault.KindPrecondition, "unrecognized LinkedIn version format: %q", blob.Version)
	}
	return blob.Version, nil
}

func visibilityOf(p *PostPayload) string {
	if p.Visibility == "" {
		return "PUBLIC"
	}
	return p.Visibility
}

func postBody(author string, p *PostPayload) map[string]any {
	body := map[string]any{
		"author":     author,
		"commentary": p.Text,
		"visibility": visibilityOf(p),
		"distribution": map[string]any{
			"feedDistribution": "MAIN_FEED",
		},
		"lifecycleState": "PUBLISHED",
	}
	if p.ImageURN != "" {
		body["content"] = map[string]any{
			"media": map[string]any{"id": p.ImageURN},
		}
	}
	return body
}

func legacyBody(author string, p *PostPayload) map[string]any {
	return map[string]any{
		"author":         author,
		"lifecycleState": "PUBLISHED",
		"specificContent": map[string]any{
			"com.linkedin.ugc.ShareContent": map[string]any{
				"shareCommentary":    map[string]any{"text": p.Text},
				"shareMediaCategory": "NONE",
			},
		},
		"visibility": map[string]any{
			"com.linkedin.ugc.MemberNetworkVisibility": visibilityOf(p),
		},
	}
}
