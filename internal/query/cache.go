// Package query is an in-memory cache of application query results with
// per-key staleness windows, deduplicated in-flight fetches and cascading
// invalidation.
package query

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/iTrooz/offline-cache/internal/retry"
)

// Fetcher loads the data of a query
type Fetcher func(ctx context.Context) (any, error)

// State is the lifecycle state of a key
type State string

const (
	StateAbsent   State = "absent"
	StateFetching State = "fetching"
	StateFresh    State = "fresh"
	StateStale    State = "stale"
)

// Observer receives cache events, e.g. for metrics
type Observer interface {
	Hit(domain string)
	Miss(domain string)
	Shared(domain string)
	FetchError(domain string)
	Invalidated(count int)
}

type nopObserver struct{}

func (nopObserver) Hit(string)        {}
func (nopObserver) Miss(string)       {}
func (nopObserver) Shared(string)     {}
func (nopObserver) FetchError(string) {}
func (nopObserver) Invalidated(int)   {}

type entry struct {
	key       Key
	data      any
	fetchedAt time.Time
	staleness time.Duration
}

// Cache is the query cache. The zero value is not usable, create one with New.
type Cache struct {
	mu       sync.Mutex
	entries  map[string]*entry
	// inflight maps a key id to the token of its latest running fetch
	inflight map[string]uint64
	fetchSeq uint64
	group    singleflight.Group

	now            func() time.Time
	observer       Observer
	mutationPolicy retry.Policy
	fetchTimeout   time.Duration
}

// Option configures a Cache
type Option func(*Cache)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithObserver registers an event observer
func WithObserver(o Observer) Option {
	return func(c *Cache) { c.observer = o }
}

// WithMutationPolicy sets the retry policy of Mutate
func WithMutationPolicy(p retry.Policy) Option {
	return func(c *Cache) { c.mutationPolicy = p }
}

// WithFetchTimeout bounds every fetcher invocation. Zero disables the bound.
func WithFetchTimeout(d time.Duration) Option {
	return func(c *Cache) { c.fetchTimeout = d }
}

// New creates an empty query cache
func New(opts ...Option) *Cache {
	c := &Cache{
		entries:        make(map[string]*entry),
		inflight:       make(map[string]uint64),
		now:            time.Now,
		observer:       nopObserver{},
		mutationPolicy: retry.MutationPolicy(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WithRetry wraps a fetcher so failures are retried according to p
func WithRetry(p retry.Policy, fetch Fetcher) Fetcher {
	return func(ctx context.Context) (any, error) {
		return retry.Do[any](ctx, p, fetch)
	}
}

// Query returns the cached data of key when it is younger than staleness.
// Otherwise fetch is invoked, unless a fetch for key is already running, in
// which case the caller waits for and shares its outcome.
func (c *Cache) Query(ctx context.Context, key Key, fetch Fetcher, staleness time.Duration) (any, error) {
	id := key.id()

	if data, ok := c.fresh(id, staleness); ok {
		c.observer.Hit(key.Domain())
		return data, nil
	}

	ch := c.group.DoChan(id, func() (any, error) {
		// Another fetch may have completed since the check above
		c.mu.Lock()
		if e, ok := c.entries[id]; ok && c.now().Sub(e.fetchedAt) < staleness {
			c.mu.Unlock()
			c.observer.Hit(key.Domain())
			return e.data, nil
		}
		c.fetchSeq++
		token := c.fetchSeq
		c.inflight[id] = token
		c.mu.Unlock()
		defer func() {
			c.mu.Lock()
			if c.inflight[id] == token {
				delete(c.inflight, id)
			}
			c.mu.Unlock()
		}()

		c.observer.Miss(key.Domain())

		// The fetch is shared, it must not be cancelled by the first caller going away
		fctx := context.WithoutCancel(ctx)
		if c.fetchTimeout > 0 {
			var cancel context.CancelFunc
			fctx, cancel = context.WithTimeout(fctx, c.fetchTimeout)
			defer cancel()
		}

		data, err := fetch(fctx)
		if err != nil {
			c.observer.FetchError(key.Domain())
			return nil, err
		}
		c.store(key, data, staleness)
		return data, nil
	})

	select {
	case res := <-ch:
		if res.Shared {
			c.observer.Shared(key.Domain())
		}
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// fresh returns the data of id when it was fetched less than staleness ago
func (c *Cache) fresh(id string, staleness time.Duration) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok || c.now().Sub(e.fetchedAt) >= staleness {
		return nil, false
	}
	return e.data, true
}

// Get is a typed Query
func Get[T any](ctx context.Context, c *Cache, key Key, fetch func(ctx context.Context) (T, error), staleness time.Duration) (T, error) {
	v, err := c.Query(ctx, key, func(ctx context.Context) (any, error) {
		return fetch(ctx)
	}, staleness)
	if err != nil {
		var zero T
		return zero, err
	}
	t, _ := v.(T)
	return t, nil
}

// Prefetch warms key. Failures are logged and never returned.
func (c *Cache) Prefetch(ctx context.Context, key Key, fetch Fetcher, staleness time.Duration) {
	if _, err := c.Query(ctx, key, fetch, staleness); err != nil {
		logrus.Warnf("Prefetch of %s failed: %v", key, err)
	}
}

// Invalidate removes every entry matched by pattern (see Key.Matches) and
// returns how many were removed. Running fetches of matched keys are detached,
// so the next Query starts a new fetch.
func (c *Cache) Invalidate(pattern Key) int {
	c.mu.Lock()
	removed := 0
	for id, e := range c.entries {
		if e.key.Matches(pattern) {
			delete(c.entries, id)
			removed++
		}
	}
	var detached []string
	for id := range c.inflight {
		if Key(splitID(id)).Matches(pattern) {
			detached = append(detached, id)
		}
	}
	c.mu.Unlock()

	for _, id := range detached {
		c.group.Forget(id)
	}
	c.observer.Invalidated(removed)
	logrus.Debugf("Invalidated %d queries matching %s", removed, pattern)
	return removed
}

// Mutate runs a side-effecting operation under the mutation retry policy and,
// when it succeeds, invalidates the given patterns.
func (c *Cache) Mutate(ctx context.Context, op func(ctx context.Context) (any, error), invalidate ...Key) (any, error) {
	v, err := retry.Do(ctx, c.mutationPolicy, op)
	if err != nil {
		return nil, err
	}
	for _, pattern := range invalidate {
		c.Invalidate(pattern)
	}
	return v, nil
}

// SetData stores data for key as if it had just been fetched
func (c *Cache) SetData(key Key, data any, staleness time.Duration) {
	c.store(key, data, staleness)
}

// Peek returns the stored data of key regardless of staleness
func (c *Cache) Peek(key Key) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key.id()]
	if !ok {
		return nil, false
	}
	return e.data, true
}

// State reports the lifecycle state of key. Freshness is judged against the
// window the entry was stored with.
func (c *Cache) State(key Key) State {
	id := key.id()
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.inflight[id]; ok {
		return StateFetching
	}
	e, ok := c.entries[id]
	if !ok {
		return StateAbsent
	}
	if c.now().Sub(e.fetchedAt) < e.staleness {
		return StateFresh
	}
	return StateStale
}

// Keys returns the keys of all stored entries
func (c *Cache) Keys() []Key {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Key, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e.key)
	}
	return out
}

// Len returns the number of stored entries
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Clear drops every entry
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*entry)
}

func (c *Cache) store(key Key, data any, staleness time.Duration) {
	k := append(Key(nil), key...)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[k.id()] = &entry{key: k, data: data, fetchedAt: c.now(), staleness: staleness}
}
