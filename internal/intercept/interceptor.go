// Package intercept serves GET requests from the durable partitions or the
// network, according to the caching strategy bound to each resource class.
package intercept

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/iTrooz/offline-cache/internal/cache/httpcache"
	"github.com/iTrooz/offline-cache/internal/generation"
	"github.com/iTrooz/offline-cache/internal/strategy"
)

// Outcome is reported in the X-Cache response header
type Outcome string

const (
	// Hit is a response served from a durable partition
	Hit Outcome = "HIT"
	// Miss is a network response
	Miss Outcome = "MISS"
	// Bypass is a network response that skipped caching entirely
	Bypass Outcome = "BYPASS"
	// Fallback is a cached response served because the network failed
	Fallback Outcome = "FALLBACK"
	// Offline is a synthesized response
	Offline Outcome = "OFFLINE"
)

const (
	HeaderCache    = "X-Cache"
	HeaderStrategy = "X-Cache-Strategy"

	offlineBody          = "Offline"
	imageUnavailableBody = "Image unavailable"

	writeTimeout = 10 * time.Second
)

// Observer receives per-request events, e.g. for metrics
type Observer interface {
	Served(class strategy.Class, outcome Outcome, elapsed time.Duration)
	Stored(kind strategy.Kind, err error)
}

type nopObserver struct{}

func (nopObserver) Served(strategy.Class, Outcome, time.Duration) {}
func (nopObserver) Stored(strategy.Kind, error)                   {}

// Options configures an Interceptor
type Options struct {
	Store    *generation.Store
	Resolver *strategy.Resolver
	// Upstream performs network fetches, http.DefaultTransport when nil
	Upstream http.RoundTripper
	// FetchTimeout bounds every network attempt, body included. Zero disables it.
	FetchTimeout time.Duration
	WriteWorkers int
	// RootDocument is the path of the document served to navigations when offline
	RootDocument string
	// Bypass reports requests that must skip caching, optional
	Bypass   func(*http.Request) bool
	Observer Observer
}

// Interceptor is an http.RoundTripper applying the caching strategies
type Interceptor struct {
	generations  *generation.Store
	resolver     *strategy.Resolver
	upstream     http.RoundTripper
	fetchTimeout time.Duration
	rootDocument string
	bypass       func(*http.Request) bool
	observer     Observer
	writes       *writePool
}

// New creates an interceptor
func New(opts Options) (*Interceptor, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("a generation store is required")
	}
	i := &Interceptor{
		generations:  opts.Store,
		resolver:     opts.Resolver,
		upstream:     opts.Upstream,
		fetchTimeout: opts.FetchTimeout,
		rootDocument: opts.RootDocument,
		bypass:       opts.Bypass,
		observer:     opts.Observer,
		writes:       newWritePool(opts.WriteWorkers),
	}
	if i.resolver == nil {
		i.resolver = strategy.NewResolver("", nil)
	}
	if i.upstream == nil {
		i.upstream = http.DefaultTransport
	}
	if i.rootDocument == "" {
		i.rootDocument = "/"
	}
	if i.observer == nil {
		i.observer = nopObserver{}
	}
	return i, nil
}

// RoundTrip implements http.RoundTripper. Network failures never surface as
// errors: they resolve to a cached or synthesized response.
func (i *Interceptor) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	d := strategy.DescriptorFromRequest(req)
	class := i.resolver.Classify(d)
	strat := strategy.StrategyFor(class)

	log := logrus.WithFields(logrus.Fields{
		"request_id": uuid.NewString(),
		"method":     req.Method,
		"url":        httpcache.TargetURL(req).String(),
		"class":      class,
		"strategy":   strat,
	})

	var (
		snap    *httpcache.Snapshot
		outcome Outcome
	)
	identity, cacheable := httpcache.Identity(req)
	switch {
	case !cacheable || (i.bypass != nil && i.bypass(req)):
		snap, outcome = i.passThrough(req, log)
	case strat == strategy.CacheFirst:
		snap, outcome = i.cacheFirst(req, class, identity, log)
	case strat == strategy.NetworkFirst:
		snap, outcome = i.networkFirst(req, class, identity, log)
	default:
		snap, outcome = i.staleWhileRevalidate(req, log)
	}

	resp := snap.Response(req)
	resp.Header.Set(HeaderCache, string(outcome))
	resp.Header.Set(HeaderStrategy, string(strat))

	elapsed := time.Since(start)
	i.observer.Served(class, outcome, elapsed)
	log.WithFields(logrus.Fields{"status": snap.Status, "cache": outcome}).Debugf("Served in %s", elapsed)
	return resp, nil
}

func (i *Interceptor) passThrough(req *http.Request, log *logrus.Entry) (*httpcache.Snapshot, Outcome) {
	snap, err := i.fetch(req)
	if err != nil {
		log.Warnf("Network failure: %v", err)
		return httpcache.NewSynthetic(http.StatusServiceUnavailable, offlineBody), Offline
	}
	return snap, Bypass
}

func (i *Interceptor) cacheFirst(req *http.Request, class strategy.Class, identity string, log *logrus.Entry) (*httpcache.Snapshot, Outcome) {
	kind := strategy.PartitionFor(class)
	if cached := i.lookup(req.Context(), kind, identity, log); cached != nil {
		return cached, Hit
	}

	snap, err := i.fetch(req)
	if err != nil {
		log.Warnf("Network failure, nothing cached: %v", err)
		if class == strategy.ClassImage {
			return httpcache.NewSynthetic(http.StatusNotFound, imageUnavailableBody), Offline
		}
		return httpcache.NewSynthetic(http.StatusServiceUnavailable, offlineBody), Offline
	}
	i.store(kind, identity, snap, log)
	return snap, Miss
}

func (i *Interceptor) networkFirst(req *http.Request, class strategy.Class, identity string, log *logrus.Entry) (*httpcache.Snapshot, Outcome) {
	kind := strategy.PartitionFor(class)
	snap, err := i.fetch(req)
	if err == nil {
		i.store(kind, identity, snap, log)
		return snap, Miss
	}

	log.Warnf("Network failure, falling back to cache: %v", err)
	if cached := i.lookup(req.Context(), kind, identity, log); cached != nil {
		return cached, Fallback
	}
	return httpcache.NewSynthetic(http.StatusServiceUnavailable, offlineBody), Offline
}

// staleWhileRevalidate prefers the network without storing the result. When
// the network fails, the cached root document of the same origin stands in.
func (i *Interceptor) staleWhileRevalidate(req *http.Request, log *logrus.Entry) (*httpcache.Snapshot, Outcome) {
	snap, err := i.fetch(req)
	if err == nil {
		return snap, Miss
	}

	log.Warnf("Network failure, falling back to root document: %v", err)
	if cached := i.lookup(req.Context(), strategy.KindStatic, i.rootIdentity(req), log); cached != nil {
		return cached, Fallback
	}
	return httpcache.NewSynthetic(http.StatusServiceUnavailable, offlineBody), Offline
}

func (i *Interceptor) rootIdentity(req *http.Request) string {
	target := httpcache.TargetURL(req)
	root := &url.URL{Scheme: target.Scheme, Host: target.Host, Path: i.rootDocument}
	return http.MethodGet + " " + httpcache.NormalizeURL(root)
}

// fetch performs one network attempt and captures the whole response.
// Any transport error, including a timeout, is a network failure.
func (i *Interceptor) fetch(req *http.Request) (*httpcache.Snapshot, error) {
	ctx := req.Context()
	if i.fetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, i.fetchTimeout)
		defer cancel()
	}

	out := req.Clone(ctx)
	out.RequestURI = ""
	out.URL = httpcache.TargetURL(req)

	resp, err := i.upstream.RoundTrip(out)
	if err != nil {
		return nil, err
	}
	return httpcache.Capture(resp)
}

func (i *Interceptor) lookup(ctx context.Context, kind strategy.Kind, identity string, log *logrus.Entry) *httpcache.Snapshot {
	snap, err := i.generations.Lookup(ctx, kind, identity)
	if err != nil {
		log.Errorf("Failed to read %s from %s partition: %v", identity, kind, err)
		return nil
	}
	return snap
}

// store writes a successful snapshot in the background
func (i *Interceptor) store(kind strategy.Kind, identity string, snap *httpcache.Snapshot, log *logrus.Entry) {
	if !snap.Success() {
		log.Debugf("Not caching status %d", snap.Status)
		return
	}
	accepted := i.writes.submit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		err := i.generations.Put(ctx, kind, identity, snap)
		i.observer.Stored(kind, err)
		if err != nil {
			log.Errorf("Failed to cache response in %s partition: %v", kind, err)
			return
		}
		log.Debugf("Cached response in %s partition", kind)
	})
	if !accepted {
		log.Debugf("Interceptor closed, dropping write")
	}
}

// Wait blocks until every pending write has completed
func (i *Interceptor) Wait() {
	i.writes.wait()
}

// Close stops accepting writes and waits for pending ones
func (i *Interceptor) Close() {
	i.writes.close()
}
