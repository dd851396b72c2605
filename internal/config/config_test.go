package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to create test file: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	configFile := writeFile(t, t.TempDir(), "test_config.yaml", `
server:
  port: 9999
storage:
  backend: leveldb
  folder: "./test_cache"
generations:
  version: 3
  origin: "https://shop.example"
  precache: ["/", "/main.css"]
query:
  staleness:
    campaigns: "7m"
warm:
  targets:
    - key: ["campaigns", "list"]
      url: "/api/campaigns"
      expand:
        path: "data.#.id"
        url_template: "/api/campaigns/{id}"
        key: ["campaigns", "detail"]
rules:
  mode: "whitelist"
  rules:
    - base_uri: "https://example.com"
      methods: ["GET"]
`)

	config, err := Load(configFile)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if config.Server.Port != 9999 {
		t.Errorf("Expected port 9999, got %d", config.Server.Port)
	}
	if config.Storage.Backend != "leveldb" {
		t.Errorf("Expected backend 'leveldb', got '%s'", config.Storage.Backend)
	}
	if config.Generations.Version != 3 {
		t.Errorf("Expected version 3, got %d", config.Generations.Version)
	}
	if config.Rules.Mode != "whitelist" {
		t.Errorf("Expected mode 'whitelist', got '%s'", config.Rules.Mode)
	}
	if len(config.Rules.Rules) != 1 {
		t.Errorf("Expected 1 rule, got %d", len(config.Rules.Rules))
	}
	if len(config.Warm.Targets) != 1 || config.Warm.Targets[0].Expand == nil {
		t.Fatalf("Expected 1 expanded warm target, got %+v", config.Warm.Targets)
	}
	if got := config.Warm.Targets[0].Expand.URLTemplate; got != "/api/campaigns/{id}" {
		t.Errorf("Unexpected url template %q", got)
	}

	// Defaults survive next to file values
	if config.Admin.Port != 9090 {
		t.Errorf("Expected default admin port 9090, got %d", config.Admin.Port)
	}
	if got := config.GetStaleness("campaigns"); got != 7*time.Minute {
		t.Errorf("Expected campaigns staleness 7m, got %s", got)
	}
	if got := config.GetStaleness("notifications"); got != 30*time.Second {
		t.Errorf("Expected notifications staleness 30s, got %s", got)
	}
	if err := config.Validate(); err != nil {
		t.Errorf("Loaded config should be valid: %v", err)
	}
}

func TestLoadWithoutFile(t *testing.T) {
	config, err := Load("")
	if err != nil {
		t.Fatalf("Failed to load defaults: %v", err)
	}
	if config.Server.Port != 8080 {
		t.Errorf("Expected default port 8080, got %d", config.Server.Port)
	}
	if err := config.Validate(); err != nil {
		t.Errorf("Default config should be valid: %v", err)
	}
}

func TestLoadEnvironmentOverride(t *testing.T) {
	t.Setenv("OFFLINE_CACHE_SERVER__PORT", "7000")
	t.Setenv("OFFLINE_CACHE_STORAGE__BACKEND", "memory")

	config, err := Load("")
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if config.Server.Port != 7000 {
		t.Errorf("Expected port 7000 from environment, got %d", config.Server.Port)
	}
	if config.Storage.Backend != "memory" {
		t.Errorf("Expected backend 'memory' from environment, got '%s'", config.Storage.Backend)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Expected an error for a missing config file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid config", mutate: func(c *Config) {}},
		{name: "invalid port", mutate: func(c *Config) { c.Server.Port = -1 }, wantErr: true},
		{name: "invalid admin port", mutate: func(c *Config) { c.Admin.Port = 70000 }, wantErr: true},
		{name: "unknown backend", mutate: func(c *Config) { c.Storage.Backend = "s3" }, wantErr: true},
		{name: "redis without url", mutate: func(c *Config) { c.Storage.Backend = "redis" }, wantErr: true},
		{name: "zero version", mutate: func(c *Config) { c.Generations.Version = 0 }, wantErr: true},
		{name: "relative api prefix", mutate: func(c *Config) { c.Strategy.APIPrefix = "api/" }, wantErr: true},
		{name: "invalid timeout", mutate: func(c *Config) { c.Fetch.Timeout = "soon" }, wantErr: true},
		{name: "negative timeout", mutate: func(c *Config) { c.Fetch.Timeout = "-1s" }, wantErr: true},
		{name: "invalid staleness", mutate: func(c *Config) { c.Query.Staleness["coupons"] = "x" }, wantErr: true},
		{name: "negative retries", mutate: func(c *Config) { c.Retry.QueryRetries = -1 }, wantErr: true},
		{name: "invalid backoff", mutate: func(c *Config) { c.Retry.MaxBackoff = "never" }, wantErr: true},
		{name: "invalid warm period", mutate: func(c *Config) { c.Warm.Every = "often" }, wantErr: true},
		{
			name:    "warm target without url",
			mutate:  func(c *Config) { c.Warm.Targets = []WarmTarget{{Key: []string{"profile"}}} },
			wantErr: true,
		},
		{
			name: "expand without id placeholder",
			mutate: func(c *Config) {
				c.Warm.Targets = []WarmTarget{{Key: []string{"campaigns"}, URL: "/api/campaigns", Expand: &WarmExpand{URLTemplate: "/api/campaigns"}}}
			},
			wantErr: true,
		},
		{name: "invalid mode", mutate: func(c *Config) { c.Rules.Mode = "invalid" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := Default()
			tt.mutate(&config)
			err := config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestGetStalenessDefault(t *testing.T) {
	config := Default()
	if got := config.GetStaleness("unknown"); got != time.Minute {
		t.Errorf("Expected default staleness 1m, got %s", got)
	}
	config.Query.DefaultStaleness = "broken"
	if got := config.GetStaleness("unknown"); got != time.Minute {
		t.Errorf("Expected fallback staleness 1m, got %s", got)
	}
}

func TestGetBackoffAndSchedule(t *testing.T) {
	config := Default()
	initial, max, err := config.GetBackoff()
	if err != nil {
		t.Fatalf("GetBackoff() error = %v", err)
	}
	if initial != time.Second || max != 30*time.Second {
		t.Errorf("Expected 1s/30s backoff, got %s/%s", initial, max)
	}

	config.Warm.InitialDelay = "5s"
	config.Warm.Every = "10m"
	delay, every, err := config.GetWarmSchedule()
	if err != nil {
		t.Fatalf("GetWarmSchedule() error = %v", err)
	}
	if delay != 5*time.Second || every != 10*time.Minute {
		t.Errorf("Expected 5s/10m schedule, got %s/%s", delay, every)
	}
}

func TestPrecacheURLs(t *testing.T) {
	dir := t.TempDir()
	manifest := writeFile(t, dir, "manifest.yaml", `
assets:
  - /main.css
  - /app.js
  - https://cdn.example/font.woff2
`)

	config := Default()
	config.Generations.Origin = "https://shop.example/"
	config.Generations.Precache = []string{"/", "/main.css"}
	config.Generations.PrecacheFile = manifest

	urls, err := config.PrecacheURLs()
	if err != nil {
		t.Fatalf("PrecacheURLs() error = %v", err)
	}
	want := []string{
		"https://shop.example/",
		"https://shop.example/main.css",
		"https://shop.example/app.js",
		"https://cdn.example/font.woff2",
	}
	if len(urls) != len(want) {
		t.Fatalf("Expected %v, got %v", want, urls)
	}
	for i := range want {
		if urls[i] != want[i] {
			t.Errorf("Expected %s at %d, got %s", want[i], i, urls[i])
		}
	}
}

func TestPrecacheURLsRequiresOrigin(t *testing.T) {
	config := Default()
	config.Generations.Precache = []string{"/main.css"}
	if _, err := config.PrecacheURLs(); err == nil {
		t.Error("Expected an error for a relative entry without origin")
	}
}
