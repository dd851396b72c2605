package httpcache

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iTrooz/offline-cache/internal/cache"
)

func TestIdentity(t *testing.T) {
	tests := []struct {
		name   string
		method string
		target string
		want   string
		ok     bool
	}{
		{name: "get", method: http.MethodGet, target: "https://Example.COM:443/main.css#top", want: "GET https://example.com/main.css", ok: true},
		{name: "empty path", method: http.MethodGet, target: "http://example.com", want: "GET http://example.com/", ok: true},
		{name: "query kept", method: http.MethodGet, target: "http://example.com:8080/api?page=2", want: "GET http://example.com:8080/api?page=2", ok: true},
		{name: "post has no identity", method: http.MethodPost, target: "http://example.com/api"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(tt.method, tt.target, nil)
			require.NoError(t, err)
			got, ok := Identity(req)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTargetURLFromHostHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/main.css", nil)
	req.Host = "shop.example"
	assert.Equal(t, "http://shop.example/main.css", TargetURL(req).String())
}

func TestCapturePreservesBody(t *testing.T) {
	resp := &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": {"text/css"}, "Content-Length": {"6"}},
		Body:       io.NopCloser(strings.NewReader("body{}")),
	}

	snap, err := Capture(resp)
	require.NoError(t, err)
	assert.Equal(t, []byte("body{}"), snap.Body)
	assert.Empty(t, snap.Header.Get("Content-Length"))
	assert.True(t, snap.Success())

	// the caller still gets the whole body
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "body{}", string(b))
}

func TestSerializeRoundTrip(t *testing.T) {
	stored := time.Unix(1700000000, 42)
	snap := &Snapshot{
		Status:   http.StatusOK,
		Header:   http.Header{"Content-Type": {"application/json"}, "Etag": {`"abc"`}},
		Body:     []byte(`{"data":[]}`),
		StoredAt: stored,
	}

	b, err := Serialize(snap)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(b), PREFIX))

	got, err := Deserialize(b)
	require.NoError(t, err)
	assert.Equal(t, snap.Status, got.Status)
	assert.Equal(t, snap.Body, got.Body)
	assert.Equal(t, "application/json", got.Header.Get("Content-Type"))
	assert.Equal(t, `"abc"`, got.Header.Get("Etag"))
	assert.Empty(t, got.Header.Get(storedAtHeader))
	assert.Empty(t, got.Header.Get(digestHeader))
	assert.True(t, stored.Equal(got.StoredAt))
}

func TestDeserializeRejectsCorruptEntries(t *testing.T) {
	_, err := Deserialize([]byte("garbage"))
	assert.Error(t, err)

	b, err := Serialize(NewSynthetic(http.StatusOK, "hello"))
	require.NoError(t, err)
	corrupt := []byte(strings.Replace(string(b), "hello", "HELLO", 1))
	_, err = Deserialize(corrupt)
	assert.Error(t, err)
}

func TestHTTPCacheGetSet(t *testing.T) {
	ctx := context.Background()
	p, err := cache.NewMemory().Open(ctx, "static-v1")
	require.NoError(t, err)
	h := NewHTTP(p)

	got, err := h.Get(ctx, "GET http://example.com/")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, h.Set(ctx, "GET http://example.com/", NewSynthetic(http.StatusOK, "shell")))
	got, err = h.Get(ctx, "GET http://example.com/")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "shell", string(got.Body))
}

func TestHTTPCacheIgnoresEntriesOfOtherIdentities(t *testing.T) {
	ctx := context.Background()
	p, err := cache.NewMemory().Open(ctx, "api-v1")
	require.NoError(t, err)
	h := NewHTTP(p)

	require.NoError(t, h.Set(ctx, "GET http://example.com/users?page=1", NewSynthetic(http.StatusOK, "page 1")))
	data, err := p.Get(ctx, "GET http://example.com/users?page=1")
	require.NoError(t, err)

	// same bytes under another key, as a colliding backend slot would hold
	require.NoError(t, p.Put(ctx, "GET http://example.com/users?page=2", data))
	got, err := h.Get(ctx, "GET http://example.com/users?page=2")
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = h.Get(ctx, "GET http://example.com/users?page=1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "GET http://example.com/users?page=1", got.Identity)
	assert.Empty(t, got.Header.Get(identityHeader))
}

func TestSnapshotResponse(t *testing.T) {
	snap := NewSynthetic(http.StatusServiceUnavailable, "Offline")
	req := &http.Request{Method: http.MethodGet, URL: &url.URL{Scheme: "http", Host: "x", Path: "/"}}

	resp := snap.Response(req)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "7", resp.Header.Get("Content-Length"))
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "Offline", string(b))

	// each response reads independently
	b, err = io.ReadAll(snap.Response(req).Body)
	require.NoError(t, err)
	assert.Equal(t, "Offline", string(b))
}
