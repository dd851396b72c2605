// Package generation manages the versioned durable partitions of the interception cache.
package generation

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/iTrooz/offline-cache/internal/cache"
	"github.com/iTrooz/offline-cache/internal/cache/httpcache"
	"github.com/iTrooz/offline-cache/internal/strategy"
)

// Generation identifies a durable partition: a kind and a version
type Generation struct {
	Kind    strategy.Kind
	Version int
}

// Name renders the partition name, e.g. "static-v2"
func (g Generation) Name() string {
	return fmt.Sprintf("%s-v%d", g.Kind, g.Version)
}

// Parse parses a partition name produced by Name
func Parse(name string) (Generation, error) {
	i := strings.LastIndex(name, "-v")
	if i <= 0 {
		return Generation{}, fmt.Errorf("invalid generation name: %q", name)
	}
	version, err := strconv.Atoi(name[i+2:])
	if err != nil || version < 1 {
		return Generation{}, fmt.Errorf("invalid generation version in %q", name)
	}
	kind := strategy.Kind(name[:i])
	for _, k := range strategy.Kinds {
		if k == kind {
			return Generation{Kind: kind, Version: version}, nil
		}
	}
	return Generation{}, fmt.Errorf("unknown partition kind in %q", name)
}

// Options configures a Store
type Options struct {
	Version int
	// Precache lists absolute URLs stored in the static partition by Initialize
	Precache []string
	// Transport fetches precache assets
	Transport http.RoundTripper
}

// Store owns the durable partitions of the current generation
type Store struct {
	backend   cache.Backend
	version   int
	precache  []string
	transport http.RoundTripper

	mu         sync.RWMutex
	partitions map[strategy.Kind]*httpcache.HTTPCache
}

// New creates a store over a partition backend
func New(backend cache.Backend, opts Options) *Store {
	transport := opts.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	version := opts.Version
	if version < 1 {
		version = 1
	}
	return &Store{
		backend:    backend,
		version:    version,
		precache:   opts.Precache,
		transport:  transport,
		partitions: make(map[strategy.Kind]*httpcache.HTTPCache),
	}
}

// Current returns the current generation of every kind
func (s *Store) Current() []Generation {
	out := make([]Generation, 0, len(strategy.Kinds))
	for _, k := range strategy.Kinds {
		out = append(out, Generation{Kind: k, Version: s.version})
	}
	return out
}

// Initialize opens the current partitions and stores the precache manifest in
// the static partition. Any precache failure fails the whole call and nothing
// is written: the app shell must be fully available offline or not claimed at all.
func (s *Store) Initialize(ctx context.Context) error {
	for _, g := range s.Current() {
		p, err := s.backend.Open(ctx, g.Name())
		if err != nil {
			return fmt.Errorf("failed to open partition %s: %w", g.Name(), err)
		}
		s.mu.Lock()
		s.partitions[g.Kind] = httpcache.NewHTTP(p)
		s.mu.Unlock()
	}

	type fetched struct {
		identity string
		snapshot *httpcache.Snapshot
	}
	shell := make([]fetched, 0, len(s.precache))
	for _, u := range s.precache {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return fmt.Errorf("invalid precache URL %s: %w", u, err)
		}
		resp, err := s.transport.RoundTrip(req)
		if err != nil {
			return fmt.Errorf("failed to precache %s: %w", u, err)
		}
		snap, err := httpcache.Capture(resp)
		if err != nil {
			return fmt.Errorf("failed to precache %s: %w", u, err)
		}
		if !snap.Success() {
			return fmt.Errorf("failed to precache %s: status %d", u, snap.Status)
		}
		identity, _ := httpcache.Identity(req)
		shell = append(shell, fetched{identity: identity, snapshot: snap})
	}

	for _, f := range shell {
		if err := s.Put(ctx, strategy.KindStatic, f.identity, f.snapshot); err != nil {
			return fmt.Errorf("failed to store precached asset: %w", err)
		}
	}

	logrus.Infof("Initialized generation v%d, precached %d assets", s.version, len(shell))
	return nil
}

// ActivateNewVersion deletes every partition that is not a current generation.
// It only deletes, never creates, and re-running it is a no-op.
func (s *Store) ActivateNewVersion(ctx context.Context) ([]string, error) {
	keep := make(map[string]struct{}, len(strategy.Kinds))
	for _, g := range s.Current() {
		keep[g.Name()] = struct{}{}
	}

	names, err := s.backend.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list partitions: %w", err)
	}

	var deleted []string
	for _, name := range names {
		if _, ok := keep[name]; ok {
			continue
		}
		if err := s.backend.Drop(ctx, name); err != nil {
			return deleted, fmt.Errorf("failed to delete partition %s: %w", name, err)
		}
		logrus.Infof("Deleted stale partition %s", name)
		deleted = append(deleted, name)
	}
	return deleted, nil
}

// Get returns the entry store handle of a kind's current partition.
// The boolean is false when the partition has not been opened or does not exist.
func (s *Store) Get(ctx context.Context, kind strategy.Kind) (*httpcache.HTTPCache, bool, error) {
	s.mu.RLock()
	h, ok := s.partitions[kind]
	s.mu.RUnlock()
	if ok {
		return h, true, nil
	}

	name := Generation{Kind: kind, Version: s.version}.Name()
	p, found, err := s.backend.Lookup(ctx, name)
	if err != nil || !found {
		return nil, false, err
	}
	return httpcache.NewHTTP(p), true, nil
}

// Put stores a snapshot in a kind's current partition, creating the partition if needed
func (s *Store) Put(ctx context.Context, kind strategy.Kind, identity string, snap *httpcache.Snapshot) error {
	s.mu.RLock()
	h, ok := s.partitions[kind]
	s.mu.RUnlock()
	if !ok {
		name := Generation{Kind: kind, Version: s.version}.Name()
		p, err := s.backend.Open(ctx, name)
		if err != nil {
			return fmt.Errorf("failed to open partition %s: %w", name, err)
		}
		h = httpcache.NewHTTP(p)
		s.mu.Lock()
		s.partitions[kind] = h
		s.mu.Unlock()
	}
	return h.Set(ctx, identity, snap)
}

// Lookup returns the stored snapshot for an identity, or nil when absent.
// A missing partition is reported as absent, never as an error.
func (s *Store) Lookup(ctx context.Context, kind strategy.Kind, identity string) (*httpcache.Snapshot, error) {
	h, ok, err := s.Get(ctx, kind)
	if err != nil || !ok {
		return nil, err
	}
	return h.Get(ctx, identity)
}

// Entries lists the identities stored in a kind's current partition
func (s *Store) Entries(ctx context.Context, kind strategy.Kind) ([]string, error) {
	h, ok, err := s.Get(ctx, kind)
	if err != nil || !ok {
		return nil, err
	}
	return h.Identities(ctx)
}

// Evict removes one identity from a kind's current partition
func (s *Store) Evict(ctx context.Context, kind strategy.Kind, identity string) error {
	h, ok, err := s.Get(ctx, kind)
	if err != nil || !ok {
		return err
	}
	logrus.Debugf("Evicting %s from %s", identity, kind)
	return h.Delete(ctx, identity)
}

// Partitions lists every partition held by the backend
func (s *Store) Partitions(ctx context.Context) ([]string, error) {
	return s.backend.List(ctx)
}

// Close releases the backend
func (s *Store) Close() error {
	return s.backend.Close()
}
