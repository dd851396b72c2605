package tests

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"time"

	"github.com/iTrooz/offline-cache/internal/app"
	"github.com/iTrooz/offline-cache/internal/config"
)

// upstream is a test origin counting hits per path
type upstream struct {
	*httptest.Server
	mu   sync.Mutex
	hits map[string]int
}

func (u *upstream) Hits(path string) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.hits[path]
}

// fixture_upstream creates a test upstream server
func fixture_upstream() *upstream {
	u := &upstream{hits: make(map[string]int)}
	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, requ *http.Request) {
		u.mu.Lock()
		u.hits[requ.URL.Path]++
		u.mu.Unlock()

		switch requ.URL.Path {
		case "/":
			w.Header().Set("Content-Type", "text/html")
			_, _ = w.Write([]byte("<html>app shell</html>"))
		case "/main.css":
			w.Header().Set("Content-Type", "text/css")
			_, _ = w.Write([]byte("body{}"))
		case "/api/campaigns":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"data":[{"id":1},{"id":2}]}`))
		case "/api/coupons/redeem":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"ok":true}`))
		default:
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"message": "Hello from upstream", "path": "` + requ.URL.Path + `"}`))
		}
	}))
	return u
}

// fixture_config creates a test config storing partitions on disk under tempDir
func fixture_config(upstreamURL, tempDir string, rules *config.RulesConfig) *config.Config {
	cfg := config.Default()
	cfg.Server.Port = 0 // Will be set by test server
	cfg.Admin.Port = 0
	cfg.Storage.Folder = tempDir
	cfg.Generations.Origin = upstreamURL
	cfg.Generations.Precache = []string{"/"}
	cfg.Fetch.Timeout = "5s"
	cfg.Retry.InitialBackoff = "1ms"
	cfg.Retry.MaxBackoff = "2ms"

	if rules != nil {
		cfg.Rules = *rules
	}

	return &cfg
}

// fixture_app creates the application and an HTTP client using its proxy
func fixture_app(cfg *config.Config) (*app.App, *httptest.Server, *http.Client, error) {
	a, err := app.New(context.Background(), cfg)
	if err != nil {
		return nil, nil, nil, err
	}

	// Create test proxy HTTP server using goproxy
	proxyTestServer := httptest.NewServer(a.Proxy.GetProxy())

	// Create HTTP client that uses our proxy
	proxyURL, _ := url.Parse(proxyTestServer.URL)
	client := &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyURL(proxyURL),
		},
		Timeout: 10 * time.Second,
	}

	return a, proxyTestServer, client, nil
}
