package generation

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iTrooz/offline-cache/internal/cache"
	"github.com/iTrooz/offline-cache/internal/cache/httpcache"
	"github.com/iTrooz/offline-cache/internal/strategy"
)

func shellServer(t *testing.T) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/", "/main.css":
			_, _ = w.Write([]byte("asset " + r.URL.Path))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestNameAndParse(t *testing.T) {
	g := Generation{Kind: strategy.KindStatic, Version: 2}
	assert.Equal(t, "static-v2", g.Name())

	parsed, err := Parse("images-v12")
	require.NoError(t, err)
	assert.Equal(t, Generation{Kind: strategy.KindImages, Version: 12}, parsed)

	for _, bad := range []string{"static", "static-v0", "static-vx", "videos-v1", "-v1"} {
		_, err := Parse(bad)
		assert.Error(t, err, bad)
	}
}

func TestInitializePrecaches(t *testing.T) {
	srv := shellServer(t)
	ctx := context.Background()
	backend := cache.NewMemory()
	s := New(backend, Options{Version: 2, Precache: []string{srv.URL + "/", srv.URL + "/main.css"}})

	require.NoError(t, s.Initialize(ctx))

	names, err := s.Partitions(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"static-v2", "api-v2", "images-v2"}, names)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/main.css", nil)
	identity, _ := httpcache.Identity(req)
	snap, err := s.Lookup(ctx, strategy.KindStatic, identity)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, "asset /main.css", string(snap.Body))
}

func TestInitializeFailsAsAWhole(t *testing.T) {
	srv := shellServer(t)
	ctx := context.Background()
	s := New(cache.NewMemory(), Options{Precache: []string{srv.URL + "/main.css", srv.URL + "/missing.js"}})

	require.Error(t, s.Initialize(ctx))

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/main.css", nil)
	identity, _ := httpcache.Identity(req)
	snap, err := s.Lookup(ctx, strategy.KindStatic, identity)
	require.NoError(t, err)
	assert.Nil(t, snap, "nothing is stored when one asset fails")
}

type failingTransport struct{}

func (failingTransport) RoundTrip(*http.Request) (*http.Response, error) {
	return nil, errors.New("offline")
}

func TestInitializeNetworkFailure(t *testing.T) {
	s := New(cache.NewMemory(), Options{Precache: []string{"http://shop.example/"}, Transport: failingTransport{}})
	assert.Error(t, s.Initialize(context.Background()))
}

func TestActivateNewVersion(t *testing.T) {
	ctx := context.Background()
	backend := cache.NewMemory()
	for _, name := range []string{"static-v1", "api-v1", "images-v1", "static-v2", "legacy-cache"} {
		_, err := backend.Open(ctx, name)
		require.NoError(t, err)
	}

	s := New(backend, Options{Version: 2})
	require.NoError(t, s.Initialize(ctx))

	deleted, err := s.ActivateNewVersion(ctx)
	require.NoError(t, err)
	sort.Strings(deleted)
	assert.Equal(t, []string{"api-v1", "images-v1", "legacy-cache", "static-v1"}, deleted)

	names, err := backend.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"api-v2", "images-v2", "static-v2"}, names)

	// idempotent
	deleted, err = s.ActivateNewVersion(ctx)
	require.NoError(t, err)
	assert.Empty(t, deleted)
}

func TestActivateNeverCreates(t *testing.T) {
	ctx := context.Background()
	backend := cache.NewMemory()
	_, err := backend.Open(ctx, "static-v1")
	require.NoError(t, err)

	s := New(backend, Options{Version: 2})
	deleted, err := s.ActivateNewVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"static-v1"}, deleted)

	names, err := backend.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestLookupMissingPartitionIsAbsent(t *testing.T) {
	s := New(cache.NewMemory(), Options{Version: 1})

	snap, err := s.Lookup(context.Background(), strategy.KindAPI, "GET http://shop.example/api/x")
	require.NoError(t, err)
	assert.Nil(t, snap)

	_, found, err := s.Get(context.Background(), strategy.KindAPI)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestEntriesAndEvict(t *testing.T) {
	ctx := context.Background()
	s := New(cache.NewMemory(), Options{Version: 1})
	require.NoError(t, s.Initialize(ctx))

	entries, err := s.Entries(ctx, strategy.KindAPI)
	require.NoError(t, err)
	assert.Empty(t, entries)

	for _, id := range []string{"GET http://shop.example/api/profile", "GET http://shop.example/api/campaigns"} {
		require.NoError(t, s.Put(ctx, strategy.KindAPI, id, httpcache.NewSynthetic(http.StatusOK, "{}")))
	}
	require.NoError(t, s.Evict(ctx, strategy.KindAPI, "GET http://shop.example/api/profile"))

	entries, err = s.Entries(ctx, strategy.KindAPI)
	require.NoError(t, err)
	assert.Equal(t, []string{"GET http://shop.example/api/campaigns"}, entries)

	snap, err := s.Lookup(ctx, strategy.KindAPI, "GET http://shop.example/api/profile")
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestPutOpensPartition(t *testing.T) {
	ctx := context.Background()
	s := New(cache.NewMemory(), Options{Version: 1})

	require.NoError(t, s.Put(ctx, strategy.KindImages, "GET http://shop.example/a.png", httpcache.NewSynthetic(http.StatusOK, "png")))
	snap, err := s.Lookup(ctx, strategy.KindImages, "GET http://shop.example/a.png")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, "png", string(snap.Body))
}
