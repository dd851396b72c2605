package httpcache

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/iTrooz/offline-cache/internal/cache"
)

// HTTPCache stores response snapshots in a partition, keyed by request identity
type HTTPCache struct {
	partition cache.Partition
}

func NewHTTP(partition cache.Partition) *HTTPCache {
	return &HTTPCache{
		partition: partition,
	}
}

// Identity returns the normalized identity of a request: method and URL.
// Only GET requests have an identity; ok is false for anything else.
func Identity(request *http.Request) (string, bool) {
	if request.Method != http.MethodGet {
		return "", false
	}
	return http.MethodGet + " " + NormalizeURL(TargetURL(request)), true
}

// TargetURL returns the absolute URL a request is addressed to
func TargetURL(r *http.Request) *url.URL {
	if r.URL.IsAbs() {
		return r.URL
	}

	// Reconstruct URL from Host header
	u := *r.URL
	u.Scheme = "http"
	if r.TLS != nil {
		u.Scheme = "https"
	}
	if u.Host == "" {
		u.Host = r.Host
	}
	return &u
}

// NormalizeURL lower-cases scheme and host, strips default ports and drops the fragment
func NormalizeURL(u *url.URL) string {
	n := *u
	n.Scheme = strings.ToLower(n.Scheme)
	n.Host = strings.ToLower(n.Host)
	if host, port, err := net.SplitHostPort(n.Host); err == nil {
		if (n.Scheme == "http" && port == "80") || (n.Scheme == "https" && port == "443") {
			n.Host = host
		}
	}
	if n.Path == "" {
		n.Path = "/"
	}
	n.Fragment = ""
	n.RawFragment = ""
	return n.String()
}

// Get returns the stored snapshot for a request identity, or nil when absent
func (d *HTTPCache) Get(ctx context.Context, identity string) (*Snapshot, error) {
	data, err := d.partition.Get(ctx, identity)
	if err != nil {
		return nil, fmt.Errorf("failed to get cache: %w", err)
	}
	if data == nil {
		return nil, nil // Cache miss
	}

	s, err := Deserialize(data)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize response: %w", err)
	}
	// backends may map distinct identities to the same slot
	if s.Identity != "" && s.Identity != identity {
		return nil, nil
	}
	return s, nil
}

// Delete removes the snapshot of a request identity
func (d *HTTPCache) Delete(ctx context.Context, identity string) error {
	if err := d.partition.Delete(ctx, identity); err != nil {
		return fmt.Errorf("failed to delete cache entry: %w", err)
	}
	return nil
}

// Identities lists the request identities stored in the partition
func (d *HTTPCache) Identities(ctx context.Context) ([]string, error) {
	keys, err := d.partition.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list cache entries: %w", err)
	}
	return keys, nil
}

// Set stores a snapshot under a request identity, replacing any previous one
func (d *HTTPCache) Set(ctx context.Context, identity string, s *Snapshot) error {
	stored := *s
	stored.Identity = identity
	data, err := Serialize(&stored)
	if err != nil {
		return fmt.Errorf("failed to serialize response: %w", err)
	}

	if err := d.partition.Put(ctx, identity, data); err != nil {
		return fmt.Errorf("failed to set cache: %w", err)
	}

	return nil
}
