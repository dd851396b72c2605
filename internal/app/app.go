// Package app wires the durable partitions, the interceptor, the query cache,
// the warmer and the servers together.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/iTrooz/offline-cache/internal/admin"
	"github.com/iTrooz/offline-cache/internal/apiclient"
	"github.com/iTrooz/offline-cache/internal/cache"
	"github.com/iTrooz/offline-cache/internal/config"
	"github.com/iTrooz/offline-cache/internal/generation"
	"github.com/iTrooz/offline-cache/internal/intercept"
	"github.com/iTrooz/offline-cache/internal/metrics"
	"github.com/iTrooz/offline-cache/internal/proxy"
	"github.com/iTrooz/offline-cache/internal/query"
	"github.com/iTrooz/offline-cache/internal/retry"
	"github.com/iTrooz/offline-cache/internal/strategy"
	"github.com/iTrooz/offline-cache/internal/warm"
)

// App is the assembled cache manager
type App struct {
	cfg *config.Config

	Store       *generation.Store
	Interceptor *intercept.Interceptor
	Queries     *query.Cache
	Client      *apiclient.Client
	Warmer      *warm.Warmer
	Metrics     *metrics.Metrics
	Proxy       *proxy.Server
	Admin       *admin.Handler

	queryPolicy retry.Policy
}

// New builds the application. A precache failure is returned as an error:
// the app shell must be available offline before anything is served.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	backend, err := cache.New(cfg.Storage.Backend, cache.Options{
		Folder:      cfg.Storage.Folder,
		RedisURL:    cfg.Storage.RedisURL,
		RedisPrefix: cfg.Storage.RedisPrefix,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	a, err := build(ctx, cfg, backend)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	return a, nil
}

func build(ctx context.Context, cfg *config.Config, backend cache.Backend) (*App, error) {
	m := metrics.New()
	upstream := apiclient.NewTransport(apiclient.DefaultTransportConfig())

	precache, err := cfg.PrecacheURLs()
	if err != nil {
		return nil, err
	}
	store := generation.New(backend, generation.Options{
		Version:   cfg.Generations.Version,
		Precache:  precache,
		Transport: upstream,
	})
	if err := store.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize generation: %w", err)
	}
	if deleted, err := store.ActivateNewVersion(ctx); err != nil {
		return nil, fmt.Errorf("failed to activate generation: %w", err)
	} else if len(deleted) > 0 {
		logrus.Infof("Activated generation v%d, deleted %d stale partitions", cfg.Generations.Version, len(deleted))
	}

	fetchTimeout, err := cfg.GetFetchTimeout()
	if err != nil {
		return nil, fmt.Errorf("invalid fetch timeout: %w", err)
	}
	rules := proxy.NewRules(cfg.Rules)
	interceptor, err := intercept.New(intercept.Options{
		Store:        store,
		Resolver:     strategy.NewResolver(cfg.Strategy.APIPrefix, cfg.Strategy.StaticSuffixes),
		Upstream:     upstream,
		FetchTimeout: fetchTimeout,
		WriteWorkers: cfg.Fetch.WriteWorkers,
		RootDocument: cfg.Generations.RootDocument,
		Bypass:       rules.Bypass,
		Observer:     m,
	})
	if err != nil {
		return nil, err
	}

	initial, maxBackoff, err := cfg.GetBackoff()
	if err != nil {
		return nil, err
	}
	a := &App{
		cfg:         cfg,
		Store:       store,
		Interceptor: interceptor,
		Metrics:     m,
		queryPolicy: retry.Policy{MaxRetries: cfg.Retry.QueryRetries, InitialBackoff: initial, MaxBackoff: maxBackoff},
	}
	a.Queries = query.New(
		query.WithObserver(m),
		query.WithFetchTimeout(queryBudget(a.queryPolicy, fetchTimeout)),
		query.WithMutationPolicy(retry.Policy{MaxRetries: cfg.Retry.MutationRetries, InitialBackoff: initial, MaxBackoff: maxBackoff}),
	)

	if cfg.Generations.Origin != "" {
		if a.Client, err = apiclient.New(cfg.Generations.Origin, interceptor); err != nil {
			return nil, err
		}
	} else if len(cfg.Warm.Targets) > 0 {
		return nil, fmt.Errorf("warm targets require generations.origin")
	}

	if a.Warmer, err = a.buildWarmer(); err != nil {
		return nil, err
	}

	if a.Proxy, err = proxy.New(cfg, interceptor); err != nil {
		return nil, err
	}

	a.Admin = &admin.Handler{
		Generations: store,
		Queries:     a.Queries,
		Warmer:      a.Warmer,
		Metrics:     m.Handler(),
	}
	return a, nil
}

func (a *App) buildWarmer() (*warm.Warmer, error) {
	delay, every, err := a.cfg.GetWarmSchedule()
	if err != nil {
		return nil, err
	}

	targets := make([]warm.Target, 0, len(a.cfg.Warm.Targets))
	for _, t := range a.cfg.Warm.Targets {
		target := warm.Target{
			Key:       query.Key(t.Key),
			Path:      t.URL,
			Staleness: a.cfg.GetStaleness(domainOf(t.Domain, t.Key)),
		}
		if t.Expand != nil {
			target.Expand = &warm.Expand{
				IDPath:       t.Expand.Path,
				PathTemplate: t.Expand.URLTemplate,
				Key:          query.Key(t.Expand.Key),
				Staleness:    a.cfg.GetStaleness(domainOf(t.Expand.Domain, t.Expand.Key)),
			}
		}
		targets = append(targets, target)
	}

	urls := make([]string, 0, len(a.cfg.Warm.URLs))
	for _, u := range a.cfg.Warm.URLs {
		if strings.HasPrefix(u, "/") && a.Client != nil {
			u = a.Client.Resolve(u)
		}
		urls = append(urls, u)
	}

	opts := warm.Options{
		Queries:      a.Queries,
		Targets:      targets,
		URLs:         urls,
		Transport:    a.Interceptor,
		Concurrency:  a.cfg.Warm.Concurrency,
		InitialDelay: delay,
		Every:        every,
		OnRun:        a.Metrics.WarmRun,
	}
	if a.Client != nil {
		opts.Fetcher = func(path string) query.Fetcher {
			return query.WithRetry(a.queryPolicy, a.Client.Fetcher(path))
		}
	}
	return warm.New(opts), nil
}

func domainOf(domain string, key []string) string {
	if domain != "" {
		return domain
	}
	return query.Key(key).Domain()
}

// Fetch reads an API resource through the query cache, with the staleness
// window of the key's data domain and the query retry policy
func (a *App) Fetch(ctx context.Context, key query.Key, path string) (json.RawMessage, error) {
	if a.Client == nil {
		return nil, fmt.Errorf("generations.origin is not configured")
	}
	fetch := func(ctx context.Context) (json.RawMessage, error) {
		return retry.Do(ctx, a.queryPolicy, func(ctx context.Context) (json.RawMessage, error) {
			return a.Client.Get(ctx, path)
		})
	}
	return query.Get(ctx, a.Queries, key, fetch, a.cfg.GetStaleness(key.Domain()))
}

// Mutate sends a side-effecting request under the mutation retry policy and
// invalidates the given query patterns once it succeeds
func (a *App) Mutate(ctx context.Context, method, path string, body any, invalidate ...query.Key) (json.RawMessage, error) {
	if a.Client == nil {
		return nil, fmt.Errorf("generations.origin is not configured")
	}
	v, err := a.Queries.Mutate(ctx, func(ctx context.Context) (any, error) {
		return a.Client.Do(ctx, method, path, body)
	}, invalidate...)
	if err != nil {
		return nil, err
	}
	raw, _ := v.(json.RawMessage)
	return raw, nil
}

// Start runs the warmer, the admin server and the proxy until ctx is cancelled
func (a *App) Start(ctx context.Context) error {
	a.Warmer.Start()

	g, ctx := errgroup.WithContext(ctx)
	if a.cfg.Admin.Port > 0 {
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", a.cfg.Admin.Port))
		if err != nil {
			return fmt.Errorf("failed to listen on admin port %d: %w", a.cfg.Admin.Port, err)
		}
		g.Go(func() error {
			return admin.Serve(ctx, ln, a.Admin.Router())
		})
	}
	g.Go(func() error {
		return a.Proxy.Start(ctx)
	})
	return g.Wait()
}

// Close stops background work, flushes pending writes and releases storage
func (a *App) Close() error {
	a.Warmer.Stop()
	a.Interceptor.Close()
	a.Queries.Clear()
	return a.Store.Close()
}

// queryBudget bounds a whole query fetch: every attempt plus the waits between them
func queryBudget(p retry.Policy, attempt time.Duration) time.Duration {
	budget := attempt * time.Duration(p.MaxRetries+1)
	for i := 0; i < p.MaxRetries; i++ {
		budget += p.Backoff(i)
	}
	return budget
}
