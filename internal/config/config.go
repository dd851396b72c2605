package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix of environment variables overriding file values.
// Nested keys are separated by a double underscore, e.g. OFFLINE_CACHE_SERVER__PORT.
const EnvPrefix = "OFFLINE_CACHE_"

// Config represents the application configuration
type Config struct {
	Server      ServerConfig     `koanf:"server"`
	Admin       AdminConfig      `koanf:"admin"`
	Log         LogConfig        `koanf:"log"`
	Storage     StorageConfig    `koanf:"storage"`
	Generations GenerationConfig `koanf:"generations"`
	Strategy    StrategyConfig   `koanf:"strategy"`
	Fetch       FetchConfig      `koanf:"fetch"`
	Query       QueryConfig      `koanf:"query"`
	Retry       RetryConfig      `koanf:"retry"`
	Warm        WarmConfig       `koanf:"warm"`
	Rules       RulesConfig      `koanf:"rules"`
}

// ServerConfig contains proxy server configuration
type ServerConfig struct {
	Port  int         `koanf:"port"`
	HTTPS HTTPSConfig `koanf:"https"`
}

// HTTPSConfig contains TLS interception settings
type HTTPSConfig struct {
	Enabled    bool   `koanf:"enabled"`
	CACertFile string `koanf:"ca_cert_file"`
	CAKeyFile  string `koanf:"ca_key_file"`
	// TransparentAddr enables a transparent HTTPS listener (SNI based) when set
	TransparentAddr string `koanf:"transparent_addr"`
}

// AdminConfig contains the admin/metrics server configuration
type AdminConfig struct {
	Port int `koanf:"port"`
}

// LogConfig contains logging configuration
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // "auto", "text" or "json"
}

// StorageConfig selects the durable partition backend
type StorageConfig struct {
	Backend     string `koanf:"backend"` // "disk", "leveldb", "redis" or "memory"
	Folder      string `koanf:"folder"`
	RedisURL    string `koanf:"redis_url"`
	RedisPrefix string `koanf:"redis_prefix"`
}

// GenerationConfig describes the current durable cache generation
type GenerationConfig struct {
	Version int `koanf:"version"`
	// Precache lists the app shell assets that must be stored at startup
	Precache     []string `koanf:"precache"`
	PrecacheFile string   `koanf:"precache_file"`
	// Origin is prepended to relative precache entries
	Origin       string `koanf:"origin"`
	RootDocument string `koanf:"root_document"`
}

// StrategyConfig tunes request classification
type StrategyConfig struct {
	APIPrefix      string   `koanf:"api_prefix"`
	StaticSuffixes []string `koanf:"static_suffixes"`
}

// FetchConfig contains upstream fetch settings
type FetchConfig struct {
	Timeout      string `koanf:"timeout"`
	WriteWorkers int    `koanf:"write_workers"`
}

// QueryConfig contains staleness windows per data domain
type QueryConfig struct {
	DefaultStaleness string            `koanf:"default_staleness"`
	Staleness        map[string]string `koanf:"staleness"`
}

// RetryConfig contains the retry policies of queries and mutations
type RetryConfig struct {
	QueryRetries    int    `koanf:"query_retries"`
	MutationRetries int    `koanf:"mutation_retries"`
	InitialBackoff  string `koanf:"initial_backoff"`
	MaxBackoff      string `koanf:"max_backoff"`
}

// WarmConfig contains warmer settings
type WarmConfig struct {
	InitialDelay string       `koanf:"initial_delay"`
	Every        string       `koanf:"every"`
	Concurrency  int          `koanf:"concurrency"`
	Targets      []WarmTarget `koanf:"targets"`
	// URLs are fetched through the interceptor to fill durable partitions
	URLs []string `koanf:"urls"`
}

// WarmTarget is a query key to prefetch
type WarmTarget struct {
	Key    []string    `koanf:"key"`
	URL    string      `koanf:"url"`
	Domain string      `koanf:"domain"`
	Expand *WarmExpand `koanf:"expand"`
}

// WarmExpand prefetches one detail query per id found in the list response
type WarmExpand struct {
	// Path is a gjson path selecting ids, e.g. "data.#.id"
	Path string `koanf:"path"`
	// URLTemplate contains "{id}", e.g. "/api/campaigns/{id}"
	URLTemplate string   `koanf:"url_template"`
	Key         []string `koanf:"key"`
	Domain      string   `koanf:"domain"`
}

// RulesConfig contains caching rules configuration
type RulesConfig struct {
	Mode  string      `koanf:"mode"` // "whitelist" or "blacklist"
	Rules []CacheRule `koanf:"rules"`
}

// CacheRule defines a caching rule
type CacheRule struct {
	BaseURI string   `koanf:"base_uri"`
	Methods []string `koanf:"methods"`
}

// Default returns the configuration used when no file overrides a value
func Default() Config {
	return Config{
		Server: ServerConfig{Port: 8080},
		Admin:  AdminConfig{Port: 9090},
		Log:    LogConfig{Level: "info", Format: "auto"},
		Storage: StorageConfig{
			Backend:     "disk",
			Folder:      "./cache",
			RedisPrefix: "offline-cache",
		},
		Generations: GenerationConfig{
			Version:      1,
			RootDocument: "/",
		},
		Strategy: StrategyConfig{
			APIPrefix:      "/api/",
			StaticSuffixes: []string{".js", ".css"},
		},
		Fetch: FetchConfig{
			Timeout:      "30s",
			WriteWorkers: 16,
		},
		Query: QueryConfig{
			DefaultStaleness: "1m",
			Staleness: map[string]string{
				"notifications": "30s",
				"analytics":     "2m",
				"campaigns":     "5m",
				"coupons":       "2m",
				"profile":       "10m",
				"static":        "30m",
			},
		},
		Retry: RetryConfig{
			QueryRetries:    3,
			MutationRetries: 1,
			InitialBackoff:  "1s",
			MaxBackoff:      "30s",
		},
		Warm: WarmConfig{
			InitialDelay: "0s",
			Concurrency:  4,
		},
		Rules: RulesConfig{Mode: "blacklist"},
	}
}

// Load loads configuration from defaults, an optional YAML file and the environment
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	envKey := func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}

	var config Config
	if err := k.UnmarshalWithConf("", &config, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	return &config, nil
}

// GetFetchTimeout parses and returns the upstream fetch timeout
func (c *Config) GetFetchTimeout() (time.Duration, error) {
	return time.ParseDuration(c.Fetch.Timeout)
}

// GetStaleness returns the staleness window of a data domain.
// Unknown domains use the default window.
func (c *Config) GetStaleness(domain string) time.Duration {
	if raw, ok := c.Query.Staleness[domain]; ok {
		if d, err := time.ParseDuration(raw); err == nil {
			return d
		}
	}
	d, err := time.ParseDuration(c.Query.DefaultStaleness)
	if err != nil {
		return time.Minute
	}
	return d
}

// GetBackoff parses the initial and maximum retry backoff
func (c *Config) GetBackoff() (initial, max time.Duration, err error) {
	initial, err = time.ParseDuration(c.Retry.InitialBackoff)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid initial backoff: %w", err)
	}
	max, err = time.ParseDuration(c.Retry.MaxBackoff)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid max backoff: %w", err)
	}
	return initial, max, nil
}

// GetWarmSchedule parses the warmer initial delay and period.
// A zero period means the warmer runs once.
func (c *Config) GetWarmSchedule() (delay, every time.Duration, err error) {
	if c.Warm.InitialDelay != "" {
		if delay, err = time.ParseDuration(c.Warm.InitialDelay); err != nil {
			return 0, 0, fmt.Errorf("invalid warm initial delay: %w", err)
		}
	}
	if c.Warm.Every != "" {
		if every, err = time.ParseDuration(c.Warm.Every); err != nil {
			return 0, 0, fmt.Errorf("invalid warm period: %w", err)
		}
	}
	return delay, every, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}

	if c.Admin.Port < 0 || c.Admin.Port > 65535 {
		return fmt.Errorf("invalid admin port: %d", c.Admin.Port)
	}

	switch c.Storage.Backend {
	case "disk":
		if c.Storage.Folder == "" {
			return fmt.Errorf("cache folder is required for the disk backend")
		}
	case "leveldb":
		if c.Storage.Folder == "" {
			return fmt.Errorf("cache folder is required for the leveldb backend")
		}
	case "redis":
		if c.Storage.RedisURL == "" {
			return fmt.Errorf("redis URL is required for the redis backend")
		}
	case "memory":
	default:
		return fmt.Errorf("storage backend must be 'disk', 'leveldb', 'redis' or 'memory', got: %s", c.Storage.Backend)
	}

	if c.Generations.Version < 1 {
		return fmt.Errorf("generation version must be positive, got: %d", c.Generations.Version)
	}

	if !strings.HasPrefix(c.Strategy.APIPrefix, "/") {
		return fmt.Errorf("api prefix must start with '/', got: %s", c.Strategy.APIPrefix)
	}

	if d, err := c.GetFetchTimeout(); err != nil {
		return fmt.Errorf("invalid fetch timeout format: %w", err)
	} else if d <= 0 {
		return fmt.Errorf("fetch timeout must be positive")
	}

	if _, err := time.ParseDuration(c.Query.DefaultStaleness); err != nil {
		return fmt.Errorf("invalid default staleness: %w", err)
	}
	for domain, raw := range c.Query.Staleness {
		if _, err := time.ParseDuration(raw); err != nil {
			return fmt.Errorf("invalid staleness for %s: %w", domain, err)
		}
	}

	if c.Retry.QueryRetries < 0 || c.Retry.MutationRetries < 0 {
		return fmt.Errorf("retry counts must not be negative")
	}
	if _, _, err := c.GetBackoff(); err != nil {
		return err
	}

	if _, _, err := c.GetWarmSchedule(); err != nil {
		return err
	}
	for i, t := range c.Warm.Targets {
		if len(t.Key) == 0 || t.URL == "" {
			return fmt.Errorf("warm.targets[%d]: key and url are required", i)
		}
		if t.Expand != nil && !strings.Contains(t.Expand.URLTemplate, "{id}") {
			return fmt.Errorf("warm.targets[%d].expand: url_template must contain {id}", i)
		}
	}

	if c.Rules.Mode != "whitelist" && c.Rules.Mode != "blacklist" {
		return fmt.Errorf("rules mode must be 'whitelist' or 'blacklist', got: %s", c.Rules.Mode)
	}

	return nil
}
