// Package strategy classifies requests and binds each resource class to a caching strategy.
package strategy

import (
	"net/http"
	"strings"
)

// Class is the resource class of a request
type Class string

const (
	ClassStatic     Class = "static"
	ClassAPI        Class = "api"
	ClassImage      Class = "image"
	ClassNavigation Class = "navigation"
	ClassDynamic    Class = "dynamic"
)

// Strategy is the caching strategy applied to a request
type Strategy string

const (
	CacheFirst           Strategy = "cache-first"
	NetworkFirst         Strategy = "network-first"
	StaleWhileRevalidate Strategy = "stale-while-revalidate"
)

// Kind is a durable partition kind
type Kind string

const (
	KindStatic Kind = "static"
	KindAPI    Kind = "api"
	KindImages Kind = "images"
)

// Kinds lists every durable partition kind
var Kinds = []Kind{KindStatic, KindAPI, KindImages}

// Descriptor holds the request attributes classification depends on
type Descriptor struct {
	Method string
	Path   string
	// Destination is the declared destination, e.g. "image" or "document"
	Destination string
	// Mode is the request mode, "navigate" for page loads
	Mode string
}

// DescriptorFromRequest derives a descriptor from the Sec-Fetch headers,
// falling back to the Accept header when they are absent
func DescriptorFromRequest(r *http.Request) Descriptor {
	d := Descriptor{
		Method:      r.Method,
		Path:        r.URL.Path,
		Destination: strings.ToLower(r.Header.Get("Sec-Fetch-Dest")),
		Mode:        strings.ToLower(r.Header.Get("Sec-Fetch-Mode")),
	}
	accept := strings.ToLower(r.Header.Get("Accept"))
	if d.Destination == "" && strings.HasPrefix(accept, "image/") {
		d.Destination = "image"
	}
	if d.Mode == "" && r.Method == http.MethodGet && strings.Contains(accept, "text/html") {
		d.Mode = "navigate"
	}
	return d
}

// Resolver maps request descriptors to classes and strategies
type Resolver struct {
	apiPrefix      string
	staticSuffixes []string
}

// NewResolver creates a resolver. Empty arguments fall back to "/api/" and [".js", ".css"].
func NewResolver(apiPrefix string, staticSuffixes []string) *Resolver {
	if apiPrefix == "" {
		apiPrefix = "/api/"
	}
	if len(staticSuffixes) == 0 {
		staticSuffixes = []string{".js", ".css"}
	}
	suffixes := make([]string, len(staticSuffixes))
	for i, s := range staticSuffixes {
		suffixes[i] = strings.ToLower(s)
	}
	return &Resolver{apiPrefix: apiPrefix, staticSuffixes: suffixes}
}

// Classify returns the resource class of a request. First match wins.
func (r *Resolver) Classify(d Descriptor) Class {
	switch {
	case strings.HasPrefix(d.Path, r.apiPrefix) || d.Path == strings.TrimSuffix(r.apiPrefix, "/"):
		return ClassAPI
	case d.Destination == "image":
		return ClassImage
	case r.isStatic(d.Path):
		return ClassStatic
	case d.Mode == "navigate":
		return ClassNavigation
	default:
		return ClassDynamic
	}
}

// Resolve returns the strategy bound to the request's class
func (r *Resolver) Resolve(d Descriptor) Strategy {
	return StrategyFor(r.Classify(d))
}

func (r *Resolver) isStatic(path string) bool {
	p := strings.ToLower(path)
	for _, s := range r.staticSuffixes {
		if strings.HasSuffix(p, s) {
			return true
		}
	}
	return false
}

// StrategyFor returns the strategy bound to a class
func StrategyFor(c Class) Strategy {
	switch c {
	case ClassAPI:
		return NetworkFirst
	case ClassImage, ClassStatic:
		return CacheFirst
	default:
		return StaleWhileRevalidate
	}
}

// PartitionFor returns the durable partition kind a class reads and writes
func PartitionFor(c Class) Kind {
	switch c {
	case ClassAPI:
		return KindAPI
	case ClassImage:
		return KindImages
	default:
		return KindStatic
	}
}
