// Package warm prefetches query keys and durable cache entries ahead of use.
package warm

import (
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"

	"github.com/iTrooz/offline-cache/internal/intercept"
	"github.com/iTrooz/offline-cache/internal/query"
	"github.com/iTrooz/offline-cache/internal/strategy"
)

const runTimeout = 2 * time.Minute

// Target is a query to prefetch
type Target struct {
	Key       query.Key
	Path      string
	Staleness time.Duration
	Expand    *Expand
}

// Expand prefetches one detail query per id listed in the target's response
type Expand struct {
	// IDPath is a gjson path selecting ids, e.g. "data.#.id"
	IDPath string
	// PathTemplate and Key may contain "{id}"
	PathTemplate string
	Key          query.Key
	Staleness    time.Duration
}

// FetcherFactory builds the fetcher loading an API path
type FetcherFactory func(path string) query.Fetcher

// Options configures a Warmer
type Options struct {
	Queries *query.Cache
	Fetcher FetcherFactory
	Targets []Target
	// URLs are fetched through Transport to fill the durable partitions
	URLs      []string
	Transport http.RoundTripper
	// Header is added to every URL request, e.g. credentials
	Header http.Header

	Concurrency  int
	InitialDelay time.Duration
	// Every repeats runs periodically when positive
	Every time.Duration
	// OnRun is called after each run with the number of failures, optional
	OnRun func(failed int)
}

// Warmer runs prefetches in the background
type Warmer struct {
	opts Options

	running atomic.Bool
	stopCh  chan struct{}
	stop    sync.Once
	wg      sync.WaitGroup
}

// New creates a warmer
func New(opts Options) *Warmer {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.Transport == nil {
		opts.Transport = http.DefaultTransport
	}
	return &Warmer{opts: opts, stopCh: make(chan struct{})}
}

// Trigger starts a run in the background and returns immediately.
// It returns false when a run is already in progress.
func (w *Warmer) Trigger() bool {
	if !w.running.CompareAndSwap(false, true) {
		return false
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer w.running.Store(false)
		w.runOnce()
	}()
	return true
}

// Start runs the warmer after the initial delay, then periodically when
// configured, until Stop is called
func (w *Warmer) Start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()

		if w.opts.InitialDelay > 0 {
			select {
			case <-w.stopCh:
				return
			case <-time.After(w.opts.InitialDelay):
			}
		}
		w.Trigger()
		if w.opts.Every <= 0 {
			return
		}

		t := time.NewTicker(w.opts.Every)
		defer t.Stop()
		for {
			select {
			case <-w.stopCh:
				return
			case <-t.C:
				if !w.Trigger() {
					logrus.Debugf("Warm run still in progress, skipping tick")
				}
			}
		}
	}()
}

// Stop stops the periodic loop and waits for running prefetches
func (w *Warmer) Stop() {
	w.stop.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

func (w *Warmer) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()
	go func() {
		select {
		case <-w.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	failed := w.Run(ctx)
	logrus.Infof("Warm run done: %d targets, %d urls, %d failures", len(w.opts.Targets), len(w.opts.URLs), failed)
	if w.opts.OnRun != nil {
		w.opts.OnRun(failed)
	}
}

// Run prefetches every target and URL and returns the number of failures.
// Failures are never fatal.
func (w *Warmer) Run(ctx context.Context) int {
	var failed atomic.Int32
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(w.opts.Concurrency)

	if w.opts.Queries != nil && w.opts.Fetcher != nil {
		for _, t := range w.opts.Targets {
			t := t
			g.Go(func() error {
				failed.Add(int32(w.warmTarget(ctx, g, t)))
				return nil
			})
		}
	}
	for _, u := range w.opts.URLs {
		u := u
		g.Go(func() error {
			if err := w.precache(ctx, u); err != nil {
				logrus.Warnf("Failed to warm %s: %v", u, err)
				failed.Add(1)
			}
			return nil
		})
	}

	_ = g.Wait()
	return int(failed.Load())
}

// warmTarget fetches a list query, then schedules its detail queries on g
func (w *Warmer) warmTarget(ctx context.Context, g *errgroup.Group, t Target) int {
	data, err := w.opts.Queries.Query(ctx, t.Key, w.opts.Fetcher(t.Path), t.Staleness)
	if err != nil {
		logrus.Warnf("Failed to warm %s: %v", t.Key, err)
		return 1
	}
	if t.Expand == nil {
		return 0
	}

	ids, err := ExtractIDs(data, t.Expand.IDPath)
	if err != nil {
		logrus.Warnf("Failed to expand %s: %v", t.Key, err)
		return 1
	}
	for _, id := range ids {
		key := expandKey(t.Expand.Key, id)
		path := strings.ReplaceAll(t.Expand.PathTemplate, "{id}", id)
		staleness := t.Expand.Staleness
		// this goroutine already holds a slot, blocking on g.Go could deadlock
		if !g.TryGo(func() error {
			w.opts.Queries.Prefetch(ctx, key, w.opts.Fetcher(path), staleness)
			return nil
		}) {
			w.opts.Queries.Prefetch(ctx, key, w.opts.Fetcher(path), staleness)
		}
	}
	return 0
}

func (w *Warmer) precache(ctx context.Context, u string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	for k, v := range w.opts.Header {
		req.Header[k] = v
	}
	setDestination(req)
	resp, err := w.opts.Transport.RoundTrip(req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	if s := resp.Header.Get(intercept.HeaderStrategy); s == string(strategy.StaleWhileRevalidate) {
		logrus.Warnf("Warmed %s with the %s strategy, it is not kept in a durable partition", u, s)
	}
	return nil
}

// setDestination declares what a browser would when loading the URL, so the
// request lands in the partition of its resource class
func setDestination(req *http.Request) {
	if req.Header.Get("Sec-Fetch-Dest") != "" {
		return
	}
	ctype := mime.TypeByExtension(strings.ToLower(path.Ext(req.URL.Path)))
	switch {
	case strings.HasPrefix(ctype, "image/"):
		req.Header.Set("Sec-Fetch-Dest", "image")
		req.Header.Set("Accept", "image/*")
	case strings.HasPrefix(ctype, "text/css"):
		req.Header.Set("Sec-Fetch-Dest", "style")
	case strings.Contains(ctype, "javascript"):
		req.Header.Set("Sec-Fetch-Dest", "script")
	}
}

// ExtractIDs returns the values selected by a gjson path in JSON data
func ExtractIDs(data any, path string) ([]string, error) {
	var raw []byte
	switch v := data.(type) {
	case json.RawMessage:
		raw = v
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to encode data: %w", err)
		}
		raw = b
	}
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("data is not valid JSON")
	}

	res := gjson.GetBytes(raw, path)
	if !res.Exists() {
		return nil, nil
	}
	var ids []string
	if res.IsArray() {
		for _, r := range res.Array() {
			if s := r.String(); s != "" {
				ids = append(ids, s)
			}
		}
		return ids, nil
	}
	if s := res.String(); s != "" {
		ids = append(ids, s)
	}
	return ids, nil
}

func expandKey(template query.Key, id string) query.Key {
	key := make(query.Key, 0, len(template)+1)
	replaced := false
	for _, s := range template {
		if strings.Contains(s, "{id}") {
			s = strings.ReplaceAll(s, "{id}", id)
			replaced = true
		}
		key = append(key, s)
	}
	if !replaced {
		key = append(key, id)
	}
	return key
}
