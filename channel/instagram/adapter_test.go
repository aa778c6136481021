package instagram

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/c360studio/valet/channel"
	"github.com/c360studio/valet/fault"
	"github.com/c360studio/valet/secrets"
)

func realIG(t *testing.T, url string) *Adapter {
	t.Helper()
	store := secrets.NewStore(t.TempDir())
	data, _ := json.Marshal(credentials{AccessToken: "tok", UserID: "18000", Username: "studio"})
	if err := os.WriteFile(store.Path(secrets.InstagramCredentials), data, 0o600); err != nil {
		t.Fatalf("write creds: %v", err)
	}
	a := NewAdapter(store, channel.ModeReal)
	a.baseURL = url
	return a
}

func TestExecute_TwoStepPublish(t *testing.T) {
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		switch r.URL.Path {
		case "/18000/media":
			if r.URL.Query().Get("image_url") == "" {
				t.Error("container request lacks image_url")
			}
			fmt.Fprint(w, `{"id":"container-1"}`)
		case "/18000/media_publish":
			if r.URL.Query().Get("creation_id") != "container-1" {
				t.Errorf("creation_id = %q", r.URL.Query().Get("creation_id"))
			}
			fmt.Fprint(w, `{"id":"media-9"}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	a := realIG(t, srv.URL)
	res, err := a.Execute(context.Background(), channel.ActionPostImage,
		json.RawMessage(`{"image_url":"https://cdn.example.test/a.jpg","caption":"New drop"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(paths) != 2 {
		t.Fatalf("made %d calls, want 2 (container then publish)", len(paths))
	}
	if res.ObjectRef != "media-9" {
		t.Errorf("object_ref = %q", res.ObjectRef)
	}
	if res.Detail["creation_id"] != "container-1" {
		t.Errorf("creation_id = %v", res.Detail["creation_id"])
	}
}

func TestExecute_OAuthExceptionIsAuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"message":"Invalid OAuth access token","type":"OAuthException","code":190}}`)
	}))
	defer srv.Close()

	a := realIG(t, srv.URL)
	_, err := a.Execute(context.Background(), channel.ActionPostImage,
		json.RawMessage(`{"image_url":"https://cdn.example.test/a.jpg"}`))
	if !fault.IsKind(err, fault.KindAuth) {
		t.Errorf("kind = %v, want auth_error", fault.KindOf(err))
	}
}

func TestDryRun_Preconditions(t *testing.T) {
	a := NewAdapter(secrets.NewStore(t.TempDir()), channel.ModeMock)

	tests := []struct {
		name    string
		action  channel.ActionType
		payload string
	}{
		{"unsupported_action", channel.ActionPostText, `{"image_url":"https://x.test/a.jpg"}`},
		{"missing_image", channel.ActionPostImage, `{"caption":"hi"}`},
		{"bad_url", channel.ActionPostImage, `{"image_url":"not a url"}`},
		{"caption_too_long", channel.ActionPostImage, fmt.Sprintf(`{"image_url":"https://x.test/a.jpg","caption":%q}`, strings.Repeat("x", 2201))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.DryRun(context.Background(), tt.action, json.RawMessage(tt.payload))
			if !fault.IsKind(err, fault.KindPrecondition) {
				t.Errorf("kind = %v, want precondition_error", fault.KindOf(err))
			}
		})
	}
}

func TestList_FlattensCommentsPerMedia(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":[
			{"id":"18000001","caption":"drop","comments":{"data":[
				{"id":"17900001","text":"ship to Austria?","username":"fan_one","timestamp":"2026-02-20T10:00:00+0000"},
				{"id":"17900002","text":"collab?","username":"studio_collab","timestamp":"2026-02-20T11:00:00+0000"}
			]}},
			{"id":"18000002","caption":"bts","comments":{"data":[]}}
		]}`)
	}))
	defer srv.Close()

	a := realIG(t, srv.URL)
	items, err := a.List(context.Background(), channel.Query{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("got %d items, want 2", len(items))
	}
	if items[0].Raw["media_id"] != "18000001" {
		t.Errorf("media_id = %v", items[0].Raw["media_id"])
	}

	since, err := a.List(context.Background(), channel.Query{SinceID: "17900001"})
	if err != nil {
		t.Fatalf("List since: %v", err)
	}
	if len(since) != 1 || since[0].ID != "17900002" {
		t.Errorf("since items = %+v", since)
	}

	// Cursor comparison is numeric: a shorter cursor must not hide
	// longer ids.
	all, err := a.List(context.Background(), channel.Query{SinceID: "999"})
	if err != nil {
		t.Fatalf("List since short cursor: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("got %d items after cursor 999, want 2", len(all))
	}
}
