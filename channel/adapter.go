package channel

import (
	"context"
	"encoding/json"
	"time"
)

// Capabilities reports what an adapter can currently do. It is pure:
// computing it must not persist side effects.
type Capabilities struct {
	Authenticated   bool     `json:"authenticated"`
	CanRead         bool     `json:"can_read"`
	CanWrite        bool     `json:"can_write"`
	GrantedScopes   []string `json:"granted_scopes,omitempty"`
	DisplayIdentity string   `json:"display_identity,omitempty"`
}

// Preview is the fullest obtainable description of what Execute would
// do, produced without any mutating remote call.
type Preview struct {
	Summary string         `json:"summary"`
	Detail  map[string]any `json:"detail,omitempty"`
}

// Result describes a completed Execute call. EndpointUsed records the
// upstream endpoint, including any documented endpoint-migration
// fallback the adapter took within the call.
type Result struct {
	ObjectRef    string         `json:"object_ref,omitempty"`
	EndpointUsed string         `json:"endpoint_used,omitempty"`
	Detail       map[string]any `json:"detail,omitempty"`
}

// Item is one upstream object returned by an adapter's read paths.
// Watchers consume items to build intake wrappers.
type Item struct {
	ID         string         `json:"id"`
	Sender     string         `json:"sender,omitempty"`
	Subject    string         `json:"subject,omitempty"`
	Body       string         `json:"body,omitempty"`
	BodyIsHTML bool           `json:"body_is_html,omitempty"`
	ReceivedAt time.Time      `json:"received_at,omitempty"`
	Raw        map[string]any `json:"raw,omitempty"`
}

// Query filters an adapter's List read path.
type Query struct {
	SinceID string
	Since   time.Time
	Filter  string
	Limit   int
}

// Adapter bridges abstract operations to one external system. Adapters
// own all third-party I/O: token refresh, rate limits, and wire-format
// translation. DryRun must validate the payload completely and must not
// perform any mutating remote call.
type Adapter interface {
	Channel() Channel
	Capabilities(ctx context.Context) (Capabilities, error)
	DryRun(ctx context.Context, action ActionType, payload json.RawMessage) (Preview, error)
	Execute(ctx context.Context, action ActionType, payload json.RawMessage) (Result, error)
}

// Reader is the optional read path used by watchers and preview
// surfaces. Adapters that cannot list upstream objects simply do not
// implement it.
type Reader interface {
	List(ctx context.Context, q Query) ([]Item, error)
	Read(ctx context.Context, id string) (Item, error)
}
