package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iTrooz/offline-cache/internal/cache"
	"github.com/iTrooz/offline-cache/internal/cache/httpcache"
	"github.com/iTrooz/offline-cache/internal/generation"
	"github.com/iTrooz/offline-cache/internal/query"
	"github.com/iTrooz/offline-cache/internal/strategy"
)

type fakeWarmer struct{ triggered int }

func (f *fakeWarmer) Trigger() bool {
	f.triggered++
	return true
}

func fixtureHandler(t *testing.T) (*Handler, *cache.MemoryCache, *query.Cache, *fakeWarmer) {
	backend := cache.NewMemory()
	ctx := context.Background()
	_, err := backend.Open(ctx, "static-v1")
	require.NoError(t, err)

	store := generation.New(backend, generation.Options{Version: 2})
	require.NoError(t, store.Initialize(ctx))

	queries := query.New()
	warmer := &fakeWarmer{}
	h := &Handler{
		Generations: store,
		Queries:     queries,
		Warmer:      warmer,
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("metrics"))
		}),
	}
	return h, backend, queries, warmer
}

func call(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var out map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func TestHealth(t *testing.T) {
	h, _, _, _ := fixtureHandler(t)
	rec, out := call(t, h.Router(), http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", out["status"])
}

func TestPartitionsAndActivate(t *testing.T) {
	h, _, _, _ := fixtureHandler(t)
	router := h.Router()

	rec, out := call(t, router, http.MethodGet, "/partitions", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.ElementsMatch(t, []any{"static-v2", "api-v2", "images-v2"}, out["current"])
	assert.Contains(t, out["partitions"], "static-v1")

	rec, out = call(t, router, http.MethodPost, "/partitions/activate", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{"static-v1"}, out["deleted"])

	_, out = call(t, router, http.MethodPost, "/partitions/activate", "")
	assert.Equal(t, []any{}, out["deleted"])
}

func TestPartitionEntries(t *testing.T) {
	h, _, _, _ := fixtureHandler(t)
	router := h.Router()
	store := h.Generations.(*generation.Store)
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, strategy.KindImages, "GET http://shop.example/logo.png", httpcache.NewSynthetic(http.StatusOK, "PNG")))

	rec, out := call(t, router, http.MethodGet, "/partitions/images/entries", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{"GET http://shop.example/logo.png"}, out["entries"])

	rec, _ = call(t, router, http.MethodDelete, "/partitions/images/entries", `{"identity":"GET http://shop.example/logo.png"}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	_, out = call(t, router, http.MethodGet, "/partitions/images/entries", "")
	assert.Equal(t, []any{}, out["entries"])

	rec, _ = call(t, router, http.MethodGet, "/partitions/videos/entries", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = call(t, router, http.MethodDelete, "/partitions/images/entries", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInvalidateAndState(t *testing.T) {
	h, _, queries, _ := fixtureHandler(t)
	router := h.Router()
	queries.SetData(query.Key{"coupons", "user", "7"}, "x", time.Hour)

	_, out := call(t, router, http.MethodGet, "/queries/coupons/user/7", "")
	assert.Equal(t, "fresh", out["state"])

	rec, out := call(t, router, http.MethodPost, "/queries/invalidate", `{"key":["user","7"]}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, out["removed"])

	_, out = call(t, router, http.MethodGet, "/queries/coupons/user/7", "")
	assert.Equal(t, "absent", out["state"])

	rec, _ = call(t, router, http.MethodPost, "/queries/invalidate", `{"key":[]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec, _ = call(t, router, http.MethodPost, "/queries/invalidate", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWarmAndMetrics(t *testing.T) {
	h, _, _, warmer := fixtureHandler(t)
	router := h.Router()

	rec, out := call(t, router, http.MethodPost, "/warm", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, true, out["started"])
	assert.Equal(t, 1, warmer.triggered)

	rec, _ = call(t, router, http.MethodGet, "/metrics", "")
	assert.Equal(t, "metrics", rec.Body.String())
}

func TestDisabledRoutes(t *testing.T) {
	h := &Handler{}
	rec, _ := call(t, h.Router(), http.MethodPost, "/warm", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
