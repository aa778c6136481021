// Package instagram bridges the executor to the Instagram Graph API.
// Publishing is the documented two-step flow: create a media container,
// then publish it. Both steps happen within one Execute call; a failure
// between them leaves an unpublished container upstream, which the
// Graph API garbage-collects.
package instagram

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/c360studio/valet/channel"
	"github.com/c360studio/valet/channel/rest"
	"github.com/c360studio/valet/fault"
	"github.com/c360studio/valet/secrets"
)

const apiBase = "https://graph.facebook.com/v19.0"

// credentials is the stored instagram_credentials.json shape.
type credentials struct {
	AccessToken string `json:"access_token"`
	UserID      string `json:"ig_user_id"`
	Username    string `json:"username,omitempty"`
}

// PostPayload is the payload variant for post_image.
type PostPayload struct {
	ImageURL string `json:"image_url" validate:"required,url"`
	Caption  string `json:"caption,omitempty" validate:"max=2200"`
}

// Adapter implements channel.Adapter and channel.Reader for Instagram.
type Adapter struct {
	mode    channel.Mode
	store   *secrets.Store
	client  *rest.Client
	baseURL string
}

// NewAdapter creates the instagram adapter. The Graph API rate limit is
// per-user and generous; the local limiter just smooths bursts.
func NewAdapter(store *secrets.Store, mode channel.Mode) *Adapter {
	return &Adapter{
		mode:    mode,
		store:   store,
		client:  rest.NewClient(rest.DefaultTimeout, 2, 4),
		baseURL: apiBase,
	}
}

// Channel returns channel.Instagram.
func (a *Adapter) Channel() channel.Channel { return channel.Instagram }

// Capabilities reports authentication state from the stored credentials.
func (a *Adapter) Capabilities(ctx context.Context) (channel.Capabilities, error) {
	if a.mode == channel.ModeMock {
		return channel.Capabilities{
			Authenticated: true, CanRead: true, CanWrite: true,
			DisplayIdentity: "mock-ig",
		}, nil
	}
	creds, err := a.creds()
	if err != nil {
		return channel.Capabilities{}, nil
	}
	return channel.Capabilities{
		Authenticated:   true,
		CanRead:         true,
		CanWrite:        true,
		DisplayIdentity: creds.Username,
	}, nil
}

// DryRun validates the payload and previews the container that would be
// created. No container is created.
func (a *Adapter) DryRun(ctx context.Context, action channel.ActionType, payload json.RawMessage) (channel.Preview, error) {
	p, err := a.decode(action, payload)
	if err != nil {
		return channel.Preview{}, err
	}
	return channel.Preview{
		Summary: fmt.Sprintf("Image: %s, Caption: %d chars", p.ImageURL, len([]rune(p.Caption))),
		Detail: map[string]any{
			"image_url": p.ImageURL,
			"caption":   p.Caption,
		},
	}, nil
}

// Execute creates the media container and publishes it.
func (a *Adapter) Execute(ctx context.Context, action channel.ActionType, payload json.RawMessage) (channel.Result, error) {
	p, err := a.decode(action, payload)
	if err != nil {
		return channel.Result{}, err
	}

	if a.mode == channel.ModeMock {
		return channel.Result{
			ObjectRef:    fmt.Sprintf("mock-media-%d", time.Now().UnixNano()),
			EndpointUsed: "media+media_publish",
		}, nil
	}

	creds, err := a.creds()
	if err != nil {
		return channel.Result{}, err
	}

	container, err := a.graphPost(ctx, creds, "/media", map[string]string{
		"image_url": p.ImageURL,
		"caption":   p.Caption,
	})
	if err != nil {
		return channel.Result{}, err
	}

	mediaID, err := a.graphPost(ctx, creds, "/media_publish", map[string]string{
		"creation_id": container,
	})
	if err != nil {
		return channel.Result{}, err
	}
	return channel.Result{
		ObjectRef:    mediaID,
		EndpointUsed: "media+media_publish",
		Detail:       map[string]any{"creation_id": container},
	}, nil
}

// graphPost performs one Graph API POST under the user node and returns
// the created object id.
func (a *Adapter) graphPost(ctx context.Context, creds *credentials, path string, params map[string]string) (string, error) {
	q := url.Values{}
	for k, v := range params {
		if v != "" {
			q.Set(k, v)
		}
	}
	q.Set("access_token", creds.AccessToken)
	endpoint := fmt.Sprintf("%s/%s%s?%s", a.baseURL, creds.UserID, path, q.Encode())

	resp, err := a.client.DoJSON(ctx, http.MethodPost, endpoint, nil, nil)
	if err != nil {
		return "", err
	}
	if resp.Status == http.StatusBadRequest && hasOAuthError(resp.Body) {
		return "", fault.New(fault.KindAuth, "instagram token invalid or expired")
	}
	if ferr := fault.FromHTTPStatus(resp.Status, "instagram "+path); ferr != nil {
		return "", ferr
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := resp.Decode(&out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", fault.Newf(fault.KindPermanent, "instagram %s returned no id", path)
	}
	return out.ID, nil
}

// hasOAuthError detects the Graph API's OAuthException envelope, which
// arrives as HTTP 400 rather than 401.
func hasOAuthError(body []byte) bool {
	var envelope struct {
		Error struct {
			Type string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return false
	}
	return envelope.Error.Type == "OAuthException"
}

func (a *Adapter) decode(action channel.ActionType, payload json.RawMessage) (*PostPayload, error) {
	if action != channel.ActionPostImage {
		return nil, fault.Newf(fault.KindPrecondition, "instagram does not support action %s", action)
	}
	var p PostPayload
	if err := channel.DecodePayload(payload, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (a *Adapter) creds() (*credentials, error) {
	var creds credentials
	if err := a.store.Load(secrets.InstagramCredentials, &creds); err != nil {
		return nil, err
	}
	if creds.AccessToken == "" || creds.UserID == "" {
		return nil, fault.New(fault.KindAuth, "instagram credentials incomplete")
	}
	return &creds, nil
}

// List returns recent comments on the account's media for the instagram
// watcher. Each comment is one item; the media id rides in Raw.
func (a *Adapter) List(ctx context.Context, q channel.Query) ([]channel.Item, error) {
	if a.mode == channel.ModeMock {
		return filterSince(mockComments(), q), nil
	}
	creds, err := a.creds()
	if err != nil {
		return nil, err
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 10
	}
	endpoint := fmt.Sprintf(
		"%s/%s/media?fields=id,caption,timestamp,comments{id,text,username,timestamp}&limit=%d&access_token=%s",
		a.baseURL, creds.UserID, limit, url.QueryEscape(creds.AccessToken))
	resp, err := a.client.DoJSON(ctx, http.MethodGet, endpoint, nil, nil)
	if err != nil {
		return nil, err
	}
	if resp.Status == http.StatusBadRequest && hasOAuthError(resp.Body) {
		return nil, fault.New(fault.KindAuth, "instagram token invalid or expired")
	}
	if ferr := fault.FromHTTPStatus(resp.Status, "instagram /media"); ferr != nil {
		return nil, ferr
	}

	var feed struct {
		Data []struct {
			ID       string `json:"id"`
			Caption  string `json:"caption"`
			Comments struct {
				Data []struct {
					ID        string `json:"id"`
					Text      string `json:"text"`
					Username  string `json:"username"`
					Timestamp string `json:"timestamp"`
				} `json:"data"`
			} `json:"comments"`
		} `json:"data"`
	}
	if err := resp.Decode(&feed); err != nil {
		return nil, err
	}

	var items []channel.Item
	for _, media := range feed.Data {
		for _, c := range media.Comments.Data {
			item := channel.Item{
				ID:      c.ID,
				Sender:  c.Username,
				Subject: fmt.Sprintf("Comment on %s", media.ID),
				Body:    c.Text,
				Raw:     map[string]any{"media_id": media.ID},
			}
			// Graph API timestamps use a colon-less offset.
			if t, err := time.Parse("2006-01-02T15:04:05-0700", c.Timestamp); err == nil {
				item.ReceivedAt = t.UTC()
			} else if t, err := time.Parse(time.RFC3339, c.Timestamp); err == nil {
				item.ReceivedAt = t.UTC()
			}
			items = append(items, item)
		}
	}
	return filterSince(items, q), nil
}

// Read returns one comment by id from the current feed page.
func (a *Adapter) Read(ctx context.Context, id string) (channel.Item, error) {
	items, err := a.List(ctx, channel.Query{})
	if err != nil {
		return channel.Item{}, err
	}
	for _, it := range items {
		if it.ID == id {
			return it, nil
		}
	}
	return channel.Item{}, fault.Newf(fault.KindPermanent, "comment %s not found", id)
}

// filterSince drops items at or below the numeric cursor. Graph API
// ids are stringified integers, so comparing them as strings would
// skip every id with more digits than the cursor.
func filterSince(items []channel.Item, q channel.Query) []channel.Item {
	cursor, haveCursor := int64(0), false
	if q.SinceID != "" {
		if n, err := strconv.ParseInt(q.SinceID, 10, 64); err == nil {
			cursor, haveCursor = n, true
		}
	}
	var out []channel.Item
	for _, it := range items {
		if haveCursor {
			if n, err := strconv.ParseInt(it.ID, 10, 64); err == nil && n <= cursor {
				continue
			}
		}
		if !q.Since.IsZero() && it.ReceivedAt.Before(q.Since) {
			continue
		}
		out = append(out, it)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out
}

func mockComments() []channel.Item {
	return []channel.Item{
		{
			ID:         "17900001",
			Sender:     "fan_one",
			Subject:    "Comment on 18000001",
			Body:       "Love this! Do you ship to Austria?",
			ReceivedAt: time.Now().UTC().Add(-3 * time.Hour),
			Raw:        map[string]any{"media_id": "18000001"},
		},
		{
			ID:         "17900002",
			Sender:     "studio_collab",
			Subject:    "Comment on 18000001",
			Body:       "DM'd you about a collab.",
			ReceivedAt: time.Now().UTC().Add(-time.Hour),
			Raw:        map[string]any{"media_id": "18000001"},
		},
	}
}
