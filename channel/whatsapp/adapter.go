// Package whatsapp bridges the executor to WhatsApp Web through a local
// browser bridge. The bridge owns the logged-in session (stored under
// the secrets directory) and exposes a small HTTP surface: POST /send,
// GET /snapshot, GET /status. There is no official API; if the bridge
// is down the adapter degrades rather than failing the process.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/c360studio/valet/channel"
	"github.com/c360studio/valet/channel/rest"
	"github.com/c360studio/valet/fault"
	"github.com/c360studio/valet/secrets"
)

// DefaultBridgeURL is where the local bridge listens.
const DefaultBridgeURL = "http://127.0.0.1:8077"

// MessagePayload is the payload variant for send_message.
type MessagePayload struct {
	ChatID string `json:"chat_id" validate:"required"`
	Text   string `json:"text" validate:"required"`
}

// Adapter implements channel.Adapter and channel.Reader for WhatsApp.
type Adapter struct {
	mode      channel.Mode
	store     *secrets.Store
	client    *rest.Client
	bridgeURL string
}

// NewAdapter creates the whatsapp adapter.
func NewAdapter(store *secrets.Store, mode channel.Mode) *Adapter {
	return &Adapter{
		mode:      mode,
		store:     store,
		client:    rest.NewClient(rest.DefaultTimeout, 1, 2),
		bridgeURL: DefaultBridgeURL,
	}
}

// SetBridgeURL overrides the bridge endpoint.
func (a *Adapter) SetBridgeURL(url string) {
	if url != "" {
		a.bridgeURL = url
	}
}

// Channel returns channel.WhatsApp.
func (a *Adapter) Channel() channel.Channel { return channel.WhatsApp }

// Capabilities asks the bridge for session state. An unreachable bridge
// reports unauthenticated; the watcher treats that as degradation, not
// as an error.
func (a *Adapter) Capabilities(ctx context.Context) (channel.Capabilities, error) {
	if a.mode == channel.ModeMock {
		return channel.Capabilities{
			Authenticated: true, CanRead: true, CanWrite: true,
			DisplayIdentity: "mock-device",
		}, nil
	}
	if _, err := os.Stat(a.store.Path(secrets.WhatsAppSession)); err != nil {
		return channel.Capabilities{}, nil
	}
	resp, err := a.client.DoJSON(ctx, http.MethodGet, a.bridgeURL+"/status", nil, nil)
	if err != nil || resp.Status != http.StatusOK {
		return channel.Capabilities{}, nil
	}
	var status struct {
		Connected bool   `json:"connected"`
		Identity  string `json:"identity"`
	}
	if err := resp.Decode(&status); err != nil {
		return channel.Capabilities{}, nil
	}
	return channel.Capabilities{
		Authenticated:   status.Connected,
		CanRead:         status.Connected,
		CanWrite:        status.Connected,
		DisplayIdentity: status.Identity,
	}, nil
}

// DryRun validates the payload and previews the outgoing message.
func (a *Adapter) DryRun(ctx context.Context, action channel.ActionType, payload json.RawMessage) (channel.Preview, error) {
	p, err := a.decode(action, payload)
	if err != nil {
		return channel.Preview{}, err
	}
	return channel.Preview{
		Summary: fmt.Sprintf("Chat: %s, Length: %d chars", p.ChatID, len([]rune(p.Text))),
		Detail: map[string]any{
			"chat_id": p.ChatID,
			"text":    p.Text,
		},
	}, nil
}

// Execute sends the message through the bridge.
func (a *Adapter) Execute(ctx context.Context, action channel.ActionType, payload json.RawMessage) (channel.Result, error) {
	p, err := a.decode(action, payload)
	if err != nil {
		return channel.Result{}, err
	}

	if a.mode == channel.ModeMock {
		return channel.Result{
			ObjectRef:    fmt.Sprintf("%s/mock-%d", p.ChatID, time.Now().UnixNano()),
			EndpointUsed: "bridge/send",
		}, nil
	}

	resp, err := a.client.DoJSON(ctx, http.MethodPost, a.bridgeURL+"/send", nil,
		map[string]string{"chat_id": p.ChatID, "text": p.Text})
	if err != nil {
		return channel.Result{}, err
	}
	if resp.Status == http.StatusUnauthorized {
		return channel.Result{}, fault.New(fault.KindAuth, "whatsapp session expired; bridge needs re-link")
	}
	if ferr := fault.FromHTTPStatus(resp.Status, "whatsapp bridge /send"); ferr != nil {
		return channel.Result{}, ferr
	}
	var out struct {
		MessageID string `json:"message_id"`
	}
	if err := resp.Decode(&out); err != nil {
		return channel.Result{}, err
	}
	return channel.Result{
		ObjectRef:    fmt.Sprintf("%s/%s", p.ChatID, out.MessageID),
		EndpointUsed: "bridge/send",
	}, nil
}

func (a *Adapter) decode(action channel.ActionType, payload json.RawMessage) (*MessagePayload, error) {
	if action != channel.ActionSendMessage {
		return nil, fault.Newf(fault.KindPrecondition, "whatsapp does not support action %s", action)
	}
	var p MessagePayload
	if err := channel.DecodePayload(payload, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// List fetches a DOM snapshot from the bridge and parses it into items.
// Query.Filter narrows to one chat. "<chatID>/<dataID>" keys carry no
// ordering across chats, so no cursor filter is applied; the watcher
// dedupes by processed-id ring and wrapper-file existence.
func (a *Adapter) List(ctx context.Context, q channel.Query) ([]channel.Item, error) {
	if a.mode == channel.ModeMock {
		return a.filterSince(mockMessages(), q), nil
	}

	snapURL := a.bridgeURL + "/snapshot"
	if q.Filter != "" {
		snapURL += "?chat=" + url.QueryEscape(q.Filter)
	}
	resp, err := a.client.DoJSON(ctx, http.MethodGet, snapURL, nil, nil)
	if err != nil {
		return nil, err
	}
	if resp.Status == http.StatusUnauthorized {
		return nil, fault.New(fault.KindAuth, "whatsapp session expired; bridge needs re-link")
	}
	if ferr := fault.FromHTTPStatus(resp.Status, "whatsapp bridge /snapshot"); ferr != nil {
		return nil, ferr
	}
	items, err := ParseSnapshot(bytes.NewReader(resp.Body))
	if err != nil {
		return nil, err
	}
	return a.filterSince(items, q), nil
}

// Read returns one message by its "<chatID>/<dataID>" key. The bridge
// has no per-message fetch, so this scans the current snapshot.
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
	return channel.Item{}, fault.Newf(fault.KindPermanent, "message %s not in snapshot", id)
}

func (a *Adapter) filterSince(items []channel.Item, q channel.Query) []channel.Item {
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

func mockMessages() []channel.Item {
	return []channel.Item{
		{
			ID:         "4912345@c.us/false_4912345@c.us_AA01",
			Sender:     "4912345@c.us",
			Body:       "Can you send over the contract?",
			ReceivedAt: time.Now().UTC().Add(-2 * time.Hour),
			Raw:        map[string]any{"chat_id": "4912345@c.us", "data_id": "false_4912345@c.us_AA01"},
		},
		{
			ID:         "4912345@c.us/false_4912345@c.us_AA02",
			Sender:     "4912345@c.us",
			Body:       "Also, are we still on for Thursday?",
			ReceivedAt: time.Now().UTC().Add(-time.Hour),
			Raw:        map[string]any{"chat_id": "4912345@c.us", "data_id": "false_4912345@c.us_AA02"},
		},
	}
}
