package whatsapp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/c360studio/valet/channel"
	"github.com/c360studio/valet/fault"
	"github.com/c360studio/valet/secrets"
)

const sampleSnapshot = `<!DOCTYPE html>
<html><body>
  <div id="pane">
    <div class="msg" data-id="false_4912345@c.us_AA02" data-chat="4912345@c.us" data-sender="4912345@c.us" data-t="1740000120">
      <span class="selectable-text">Are we still on for <b>Thursday</b>?</span>
    </div>
    <div class="msg" data-id="false_4912345@c.us_AA01" data-chat="4912345@c.us" data-sender="4912345@c.us" data-t="1740000060">
      <span>Can you send over the contract?</span>
    </div>
    <div class="msg" data-id="false_4999999@c.us_BB01" data-t="1740000200">
      <span>Invoice looks good, thanks!</span>
    </div>
    <div class="msg" data-id="false_4912345@c.us_AA03" data-chat="4912345@c.us" data-t="1740000300"></div>
  </div>
</body></html>`

func TestParseSnapshot(t *testing.T) {
	items, err := ParseSnapshot(strings.NewReader(sampleSnapshot))
	if err != nil {
		t.Fatalf("ParseSnapshot: %v", err)
	}
	// The empty-body row is skipped; three messages remain, oldest first.
	if len(items) != 3 {
		t.Fatalf("got %d items, want 3", len(items))
	}
	if items[0].ID != "4912345@c.us/false_4912345@c.us_AA01" {
		t.Errorf("first id = %q", items[0].ID)
	}
	if items[0].Body != "Can you send over the contract?" {
		t.Errorf("body = %q", items[0].Body)
	}
	if !items[0].ReceivedAt.Equal(time.Unix(1740000060, 0).UTC()) {
		t.Errorf("received_at = %v", items[0].ReceivedAt)
	}

	// Nested markup flattens to plain text.
	if items[1].Body != "Are we still on for Thursday?" {
		t.Errorf("nested body = %q", items[1].Body)
	}

	// data-chat missing: chat JID recovered from the data-id.
	if items[2].ID != "4999999@c.us/false_4999999@c.us_BB01" {
		t.Errorf("recovered id = %q", items[2].ID)
	}
	if items[2].Sender != "4999999@c.us" {
		t.Errorf("fallback sender = %q", items[2].Sender)
	}
}

func TestParseSnapshot_SameDataIDDifferentChats(t *testing.T) {
	snap := `<div data-id="shared_X_01" data-chat="a@c.us" data-t="1"><span>hi a</span></div>
<div data-id="shared_X_01" data-chat="b@c.us" data-t="2"><span>hi b</span></div>`
	items, err := ParseSnapshot(strings.NewReader(snap))
	if err != nil {
		t.Fatalf("ParseSnapshot: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("got %d items", len(items))
	}
	if items[0].ID == items[1].ID {
		t.Error("items in different chats must have distinct keys")
	}
}

func TestList_BridgeSnapshot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/snapshot" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		fmt.Fprint(w, sampleSnapshot)
	}))
	defer srv.Close()

	a := NewAdapter(secrets.NewStore(t.TempDir()), channel.ModeReal)
	a.bridgeURL = srv.URL

	items, err := a.List(context.Background(), channel.Query{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("got %d items", len(items))
	}

	// "<chatID>/<dataID>" keys are not ordered across chats: a cursor
	// landing on one chat's JID would drop every message from a
	// lexicographically smaller chat, so List must ignore it.
	again, err := a.List(context.Background(), channel.Query{SinceID: items[1].ID})
	if err != nil {
		t.Fatalf("List since: %v", err)
	}
	if len(again) != 3 {
		t.Errorf("got %d items with cursor set, want 3", len(again))
	}
}

func TestExecute_SessionExpiredIsAuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	a := NewAdapter(secrets.NewStore(t.TempDir()), channel.ModeReal)
	a.bridgeURL = srv.URL

	_, err := a.Execute(context.Background(), channel.ActionSendMessage,
		json.RawMessage(`{"chat_id":"4912345@c.us","text":"hi"}`))
	if !fault.IsKind(err, fault.KindAuth) {
		t.Errorf("kind = %v, want auth_error", fault.KindOf(err))
	}
}

func TestExecute_MockAndPreconditions(t *testing.T) {
	a := NewAdapter(secrets.NewStore(t.TempDir()), channel.ModeMock)

	res, err := a.Execute(context.Background(), channel.ActionSendMessage,
		json.RawMessage(`{"chat_id":"4912345@c.us","text":"hi"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.HasPrefix(res.ObjectRef, "4912345@c.us/") {
		t.Errorf("object_ref = %q", res.ObjectRef)
	}

	if _, err := a.Execute(context.Background(), channel.ActionSendMessage,
		json.RawMessage(`{"text":"no chat"}`)); !fault.IsKind(err, fault.KindPrecondition) {
		t.Errorf("kind = %v, want precondition_error", fault.KindOf(err))
	}
	if _, err := a.Execute(context.Background(), channel.ActionPostText,
		json.RawMessage(`{}`)); !fault.IsKind(err, fault.KindPrecondition) {
		t.Errorf("kind = %v, want precondition_error", fault.KindOf(err))
	}
}
