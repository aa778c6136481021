// Package gmail bridges the executor to the Gmail REST API: sending
// and drafting email, plus the read paths the gmail watcher uses.
package gmail

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/c360studio/valet/channel"
	"github.com/c360studio/valet/channel/rest"
	"github.com/c360studio/valet/fault"
	"github.com/c360studio/valet/secrets"
)

const apiBase = "https://gmail.googleapis.com/gmail/v1/users/me"

// EmailPayload is the payload variant for send_email and draft_email.
type EmailPayload struct {
	To      string   `json:"to" validate:"required,email"`
	Cc      []string `json:"cc,omitempty" validate:"omitempty,dive,email"`
	Subject string   `json:"subject" validate:"required"`
	Body    string   `json:"body" validate:"required"`
	ReplyTo string   `json:"in_reply_to,omitempty"`
}

// Adapter implements channel.Adapter and channel.Reader for Gmail.
type Adapter struct {
	mode    channel.Mode
	store   *secrets.Store
	client  *rest.Client
	baseURL string
}

// NewAdapter creates the gmail adapter. In mock mode no network calls
// are made; dry-run behavior is identical in both modes.
func NewAdapter(store *secrets.Store, mode channel.Mode) *Adapter {
	return &Adapter{
		mode:    mode,
		store:   store,
		client:  rest.NewClient(rest.DefaultTimeout, 5, 10),
		baseURL: apiBase,
	}
}

// Channel returns channel.Gmail.
func (a *Adapter) Channel() channel.Channel { return channel.Gmail }

// Capabilities reports authentication state from the stored token blob.
func (a *Adapter) Capabilities(ctx context.Context) (channel.Capabilities, error) {
	if a.mode == channel.ModeMock {
		return channel.Capabilities{
			Authenticated: true, CanRead: true, CanWrite: true,
			DisplayIdentity: "mock@example.test",
		}, nil
	}
	var blob secrets.OAuthBlob
	if err := a.store.Load(secrets.GmailToken, &blob); err != nil {
		return channel.Capabilities{}, nil
	}
	return channel.Capabilities{
		Authenticated: blob.AccessToken != "" || blob.RefreshToken != "",
		CanRead:       hasScope(blob.Scopes, "gmail.readonly") || hasScope(blob.Scopes, "gmail.modify"),
		CanWrite:      hasScope(blob.Scopes, "gmail.send") || hasScope(blob.Scopes, "gmail.modify"),
		GrantedScopes: blob.Scopes,
	}, nil
}

func hasScope(scopes []string, suffix string) bool {
	for _, s := range scopes {
		if strings.HasSuffix(s, suffix) {
			return true
		}
	}
	return false
}

// DryRun validates the payload, assembles the full MIME message, and
// reports recipient, subject, and exact wire size. No remote call.
func (a *Adapter) DryRun(ctx context.Context, action channel.ActionType, payload json.RawMessage) (channel.Preview, error) {
	p, err := a.decode(action, payload)
	if err != nil {
		return channel.Preview{}, err
	}
	mime := BuildMIME(p)
	return channel.Preview{
		Summary: fmt.Sprintf("To: %s, Subject: %s, Size: %d bytes", p.To, p.Subject, len(mime)),
		Detail: map[string]any{
			"to":         p.To,
			"cc":         p.Cc,
			"subject":    p.Subject,
			"size_bytes": len(mime),
			"action":     string(action),
		},
	}, nil
}

// Execute sends or drafts the message. The upstream message id is
// returned in the result.
func (a *Adapter) Execute(ctx context.Context, action channel.ActionType, payload json.RawMessage) (channel.Result, error) {
	p, err := a.decode(action, payload)
	if err != nil {
		return channel.Result{}, err
	}
	raw := base64.URLEncoding.EncodeToString([]byte(BuildMIME(p)))

	var endpoint string
	var body any
	switch action {
	case channel.ActionSendEmail:
		endpoint = "/messages/send"
		body = map[string]string{"raw": raw}
	case channel.ActionDraftEmail:
		endpoint = "/drafts"
		body = map[string]any{"message": map[string]string{"raw": raw}}
	}

	if a.mode == channel.ModeMock {
		return channel.Result{
			ObjectRef:    fmt.Sprintf("mock-%s-%d", action, time.Now().UnixNano()),
			EndpointUsed: endpoint,
		}, nil
	}

	token, err := a.token(ctx)
	if err != nil {
		return channel.Result{}, err
	}
	resp, err := a.client.DoJSON(ctx, http.MethodPost, a.baseURL+endpoint,
		map[string]string{"Authorization": "Bearer " + token}, body)
	if err != nil {
		return channel.Result{}, err
	}
	if ferr := fault.FromHTTPStatus(resp.Status, "gmail "+endpoint); ferr != nil {
		return channel.Result{}, ferr
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := resp.Decode(&out); err != nil {
		return channel.Result{}, err
	}
	return channel.Result{ObjectRef: out.ID, EndpointUsed: endpoint}, nil
}

func (a *Adapter) decode(action channel.ActionType, payload json.RawMessage) (*EmailPayload, error) {
	if action != channel.ActionSendEmail && action != channel.ActionDraftEmail {
		return nil, fault.Newf(fault.KindPrecondition, "gmail does not support action %s", action)
	}
	var p EmailPayload
	if err := channel.DecodePayload(payload, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// token lazily resolves credentials; an expired access token is
// refreshed once before the first outbound request.
func (a *Adapter) token(ctx context.Context) (string, error) {
	ts, _, err := a.store.TokenSource(ctx, secrets.GmailToken)
	if err != nil {
		return "", err
	}
	return secrets.AccessToken(ts)
}

// BuildMIME assembles the RFC 2822 message. The body is
// base64-encoded; decoding it yields the payload body byte for byte.
func BuildMIME(p *EmailPayload) string {
	var b strings.Builder
	fmt.Fprintf(&b, "To: %s\r\n", p.To)
	if len(p.Cc) > 0 {
		fmt.Fprintf(&b, "Cc: %s\r\n", strings.Join(p.Cc, ", "))
	}
	if p.ReplyTo != "" {
		fmt.Fprintf(&b, "In-Reply-To: %s\r\n", p.ReplyTo)
		fmt.Fprintf(&b, "References: %s\r\n", p.ReplyTo)
	}
	fmt.Fprintf(&b, "Subject: %s\r\n", p.Subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"UTF-8\"\r\n")
	b.WriteString("Content-Transfer-Encoding: base64\r\n")
	b.WriteString("\r\n")
	b.WriteString(base64.StdEncoding.EncodeToString([]byte(p.Body)))
	b.WriteString("\r\n")
	return b.String()
}

// List returns messages matching the query, newest first, for the
// gmail watcher. Message ids are opaque hex with no ordering, so no
// cursor filter is applied; the watcher dedupes by processed-id ring
// and wrapper-file existence.
func (a *Adapter) List(ctx context.Context, q channel.Query) ([]channel.Item, error) {
	if a.mode == channel.ModeMock {
		return mockMessages(q), nil
	}
	token, err := a.token(ctx)
	if err != nil {
		return nil, err
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 25
	}
	listURL := fmt.Sprintf("%s/messages?maxResults=%d", a.baseURL, limit)
	if q.Filter != "" {
		listURL += "&q=" + url.QueryEscape(q.Filter)
	}
	resp, err := a.client.DoJSON(ctx, http.MethodGet, listURL,
		map[string]string{"Authorization": "Bearer " + token}, nil)
	if err != nil {
		return nil, err
	}
	if ferr := fault.FromHTTPStatus(resp.Status, "gmail /messages"); ferr != nil {
		return nil, ferr
	}

	var list struct {
		Messages []struct {
			ID string `json:"id"`
		} `json:"messages"`
	}
	if err := resp.Decode(&list); err != nil {
		return nil, err
	}

	var items []channel.Item
	for _, m := range list.Messages {
		item, err := a.Read(ctx, m.ID)
		if err != nil {
			return items, err
		}
		items = append(items, item)
	}
	return items, nil
}

// Read fetches one message's headers and body.
func (a *Adapter) Read(ctx context.Context, id string) (channel.Item, error) {
	if a.mode == channel.ModeMock {
		for _, m := range mockMessages(channel.Query{}) {
			if m.ID == id {
				return m, nil
			}
		}
		return channel.Item{}, fault.Newf(fault.KindPermanent, "mock message %s not found", id)
	}
	token, err := a.token(ctx)
	if err != nil {
		return channel.Item{}, err
	}
	resp, err := a.client.DoJSON(ctx, http.MethodGet,
		fmt.Sprintf("%s/messages/%s?format=full", a.baseURL, id),
		map[string]string{"Authorization": "Bearer " + token}, nil)
	if err != nil {
		return channel.Item{}, err
	}
	if ferr := fault.FromHTTPStatus(resp.Status, "gmail /messages/"+id); ferr != nil {
		return channel.Item{}, ferr
	}

	var msg message
	if err := resp.Decode(&msg); err != nil {
		return channel.Item{}, err
	}
	return msg.toItem(), nil
}

// message is the subset of the Gmail message resource the watcher needs.
type message struct {
	ID           string `json:"id"`
	InternalDate string `json:"internalDate"`
	Payload      struct {
		Headers []struct {
			Name  string `json:"name"`
			Value string `json:"value"`
		} `json:"headers"`
		MimeType string `json:"mimeType"`
		Body     struct {
			Data string `json:"data"`
		} `json:"body"`
		Parts []struct {
			MimeType string `json:"mimeType"`
			Filename string `json:"filename"`
			Body     struct {
				Data string `json:"data"`
			} `json:"body"`
		} `json:"parts"`
	} `json:"payload"`
}

func (m *message) header(name string) string {
	for _, h := range m.Payload.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

func (m *message) toItem() channel.Item {
	body, isHTML := m.body()
	item := channel.Item{
		ID:         m.ID,
		Sender:     m.header("From"),
		Subject:    m.header("Subject"),
		Body:       body,
		BodyIsHTML: isHTML,
	}
	var ms int64
	if _, err := fmt.Sscan(m.InternalDate, &ms); err == nil && ms > 0 {
		item.ReceivedAt = time.UnixMilli(ms).UTC()
	}
	for _, part := range m.Payload.Parts {
		if part.Filename != "" {
			item.Raw = map[string]any{"has_attachments": true}
			break
		}
	}
	return item
}

// body picks text/plain, falling back to text/html.
func (m *message) body() (string, bool) {
	decode := func(data string) string {
		raw, err := base64.URLEncoding.DecodeString(data)
		if err != nil {
			// Gmail pads inconsistently; retry unpadded.
			raw, err = base64.RawURLEncoding.DecodeString(data)
			if err != nil {
				return ""
			}
		}
		return string(raw)
	}

	if m.Payload.Body.Data != "" {
		return decode(m.Payload.Body.Data), strings.Contains(m.Payload.MimeType, "html")
	}
	var html string
	for _, part := range m.Payload.Parts {
		switch part.MimeType {
		case "text/plain":
			if s := decode(part.Body.Data); s != "" {
				return s, false
			}
		case "text/html":
			html = decode(part.Body.Data)
		}
	}
	return html, html != ""
}

func mockMessages(channel.Query) []channel.Item {
	return []channel.Item{
		{
			ID:         "mock-18e001",
			Sender:     "client@example.test",
			Subject:    "Q1 invoice",
			Body:       "Please find the Q1 invoice attached.",
			ReceivedAt: time.Now().UTC().Add(-time.Hour),
		},
		{
			ID:         "mock-18e002",
			Sender:     "partner@example.test",
			Subject:    "Meeting follow-up",
			Body:       "<p>Notes from <b>today</b>.</p>",
			BodyIsHTML: true,
			ReceivedAt: time.Now().UTC().Add(-30 * time.Minute),
		},
	}
}
