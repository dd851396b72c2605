package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iTrooz/offline-cache/internal/intercept"
	"github.com/iTrooz/offline-cache/internal/query"
	"github.com/iTrooz/offline-cache/internal/strategy"
)

var (
	_ intercept.Observer = (*Metrics)(nil)
	_ query.Observer     = (*Metrics)(nil)
)

func TestCounters(t *testing.T) {
	m := New()

	m.Served(strategy.ClassStatic, intercept.Hit, 10*time.Millisecond)
	m.Served(strategy.ClassStatic, intercept.Hit, 10*time.Millisecond)
	m.Stored(strategy.KindAPI, nil)
	m.Stored(strategy.KindAPI, errors.New("disk full"))
	m.Miss("campaigns")
	m.Invalidated(3)
	m.WarmRun(0)

	out := scrape(t, m)
	assert.Contains(t, out, `offline_cache_requests_total{class="static",outcome="HIT"} 2`)
	assert.Contains(t, out, `offline_cache_partition_writes_total{kind="api",result="error"} 1`)
	assert.Contains(t, out, `offline_cache_partition_writes_total{kind="api",result="ok"} 1`)
	assert.Contains(t, out, `offline_cache_query_events_total{domain="campaigns",event="miss"} 1`)
	assert.Contains(t, out, `offline_cache_query_invalidated_entries_total 3`)
	assert.Contains(t, out, `offline_cache_warm_runs_total{result="ok"} 1`)
}

func TestHandler(t *testing.T) {
	m := New()
	m.Hit("profile")

	assert.Contains(t, scrape(t, m), `offline_cache_query_events_total{domain="profile",event="hit"} 1`)
}

func scrape(t *testing.T, m *Metrics) string {
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}
