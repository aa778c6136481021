package linkedin

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/c360studio/valet/channel"
	"github.com/c360studio/valet/fault"
)

// List returns the author's recent posts for the linkedin watcher,
// newest last. URNs carry no ordering, so no cursor filter is applied;
// the watcher dedupes by processed-id ring and wrapper-file existence.
func (a *Adapter) List(ctx context.Context, q channel.Query) ([]channel.Item, error) {
	if a.mode == channel.ModeMock {
		return filterSince(mockPosts(), q), nil
	}
	blob, err := a.creds()
	if err != nil {
		return nil, err
	}
	version, err := blobVersion(blob)
	if err != nil {
		return nil, err
	}
	id, err := a.resolveIdentity(ctx, blob)
	if err != nil {
		return nil, err
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 10
	}
	endpoint := fmt.Sprintf("%s/rest/posts?author=%s&q=author&count=%d",
		a.baseURL, url.QueryEscape(id.URN), limit)
	resp, err := a.client.DoJSON(ctx, http.MethodGet, endpoint, map[string]string{
		"Authorization":             "Bearer " + blob.AccessToken,
		"LinkedIn-Version":          version,
		"X-Restli-Protocol-Version": "2.0.0",
	}, nil)
	if err != nil {
		return nil, err
	}
	if ferr := fault.FromHTTPStatus(resp.Status, "linkedin rest/posts listing"); ferr != nil {
		return nil, ferr
	}

	var feed struct {
		Elements []struct {
			ID           string `json:"id"`
			Commentary   string `json:"commentary"`
			CreatedAt    int64  `json:"createdAt"`
			LastModified int64  `json:"lastModifiedAt"`
		} `json:"elements"`
	}
	if err := resp.Decode(&feed); err != nil {
		return nil, err
	}

	items := make([]channel.Item, 0, len(feed.Elements))
	for _, el := range feed.Elements {
		item := channel.Item{
			ID:     el.ID,
			Sender: id.URN,
			Body:   el.Commentary,
			Raw:    map[string]any{"urn": el.ID},
		}
		if el.CreatedAt > 0 {
			item.ReceivedAt = time.UnixMilli(el.CreatedAt).UTC()
		}
		items = append(items, item)
	}
	return filterSince(items, q), nil
}

// Read returns one post by URN from the current listing page.
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
	return channel.Item{}, fault.Newf(fault.KindPermanent, "post %s not in listing", id)
}

func filterSince(items []channel.Item, q channel.Query) []channel.Item {
	var out []channel.Item
	for _, it := range items {
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

func mockPosts() []channel.Item {
	return []channel.Item{
		{
			ID:         "urn:li:share:7001",
			Sender:     "urn:li:person:mock",
			Body:       "Shipping the new integration next week.",
			ReceivedAt: time.Now().UTC().Add(-4 * time.Hour),
			Raw:        map[string]any{"urn": "urn:li:share:7001"},
		},
		{
			ID:         "urn:li:share:7002",
			Sender:     "urn:li:person:mock",
			Body:       "Hiring a contractor for the spring project.",
			ReceivedAt: time.Now().UTC().Add(-time.Hour),
			Raw:        map[string]any{"urn": "urn:li:share:7002"},
		},
	}
}
