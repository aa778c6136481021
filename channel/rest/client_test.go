package rest

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/valet/fault"
)

func TestDoJSON_RoundTrip(t *testing.T) {
	var gotContentType, gotCustom string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		gotCustom = r.Header.Get("Authorization")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"abc-1"}`))
	}))
	defer srv.Close()

	c := NewClient(time.Second, 10, 10)
	resp, err := c.DoJSON(context.Background(), http.MethodPost, srv.URL,
		map[string]string{"Authorization": "Bearer tok"},
		map[string]string{"name": "x"})
	require.NoError(t, err)

	assert.Equal(t, http.StatusCreated, resp.Status)
	assert.Equal(t, "application/json", gotContentType)
	assert.Equal(t, "Bearer tok", gotCustom)
	assert.JSONEq(t, `{"name":"x"}`, string(gotBody))

	var out struct {
		ID string `json:"id"`
	}
	require.NoError(t, resp.Decode(&out))
	assert.Equal(t, "abc-1", out.ID)
}

func TestDoJSON_StatusPassesThroughUntouched(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUpgradeRequired)
		_, _ = w.Write([]byte(`{"code":"NONEXISTENT_VERSION"}`))
	}))
	defer srv.Close()

	c := NewClient(time.Second, 10, 10)
	resp, err := c.DoJSON(context.Background(), http.MethodGet, srv.URL, nil, nil)
	require.NoError(t, err, "non-2xx statuses are the adapter's business, not an error")
	assert.Equal(t, http.StatusUpgradeRequired, resp.Status)
	assert.Contains(t, string(resp.Body), "NONEXISTENT_VERSION")
}

func TestDoJSON_TimeoutIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := NewClient(20*time.Millisecond, 10, 10)
	_, err := c.DoJSON(context.Background(), http.MethodGet, srv.URL, nil, nil)
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindTransient), "timeout should classify as transient, got %v", err)
	assert.True(t, fault.Retryable(err))
}

func TestDoJSON_CancellationIsNotRetryable(t *testing.T) {
	started := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	c := NewClient(time.Second, 10, 10)
	_, err := c.DoJSON(ctx, http.MethodGet, srv.URL, nil, nil)
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindCancelled), "got %v", err)
	assert.False(t, fault.Retryable(err))
}

func TestDecode_BadBodyIsPermanent(t *testing.T) {
	resp := &Response{Status: 200, Body: []byte("<html>not json</html>")}
	var out map[string]any
	err := resp.Decode(&out)
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindPermanent))
}
