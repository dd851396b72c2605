// Package apiclient fetches JSON resources of the backend API through the
// interceptor, so every read also flows through the durable partitions.
package apiclient

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/andybalholm/brotli"

	"github.com/iTrooz/offline-cache/internal/retry"
)

const maxBodySize = 16 << 20

// Client is a small JSON client over an arbitrary transport
type Client struct {
	base *url.URL
	http *http.Client
}

// New creates a client resolving relative paths against baseURL.
// The transport is typically an *intercept.Interceptor.
func New(baseURL string, transport http.RoundTripper) (*Client, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if !base.IsAbs() {
		return nil, fmt.Errorf("base URL must be absolute: %s", baseURL)
	}
	return &Client{base: base, http: &http.Client{Transport: transport}}, nil
}

// Resolve returns the absolute URL of a path
func (c *Client) Resolve(path string) string {
	ref, err := url.Parse(path)
	if err != nil {
		return c.base.String() + path
	}
	return c.base.ResolveReference(ref).String()
}

// Do sends a request with an optional JSON body and returns the decoded
// response body. Non-2xx responses are returned as *retry.StatusError.
func (c *Client) Do(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	target := c.Resolve(path)
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Encoding", "br, gzip")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &retry.StatusError{StatusCode: resp.StatusCode, URL: target}
	}

	decoded, err := decompressBody(raw, resp.Header.Get("Content-Encoding"))
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s body: %w", target, err)
	}
	return json.RawMessage(decoded), nil
}

// Get fetches a JSON resource
func (c *Client) Get(ctx context.Context, path string) (json.RawMessage, error) {
	return c.Do(ctx, http.MethodGet, path, nil)
}

// GetInto fetches a JSON resource and decodes it into out
func (c *Client) GetInto(ctx context.Context, path string, out any) error {
	raw, err := c.Get(ctx, path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return nil
}

// Fetcher returns a query fetcher loading path. The data is a json.RawMessage.
func (c *Client) Fetcher(path string) func(ctx context.Context) (any, error) {
	return func(ctx context.Context) (any, error) {
		return c.Get(ctx, path)
	}
}

func decompressBody(body []byte, contentEncoding string) ([]byte, error) {
	encoding := strings.ToLower(strings.TrimSpace(strings.Split(contentEncoding, ",")[0]))
	if len(body) == 0 || encoding == "" || encoding == "identity" {
		return body, nil
	}

	var reader io.Reader
	switch encoding {
	case "gzip":
		gz, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		reader = gz
	case "deflate":
		fl := flate.NewReader(bytes.NewReader(body))
		defer fl.Close()
		reader = fl
	case "br":
		reader = brotli.NewReader(bytes.NewReader(body))
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", encoding)
	}
	return io.ReadAll(io.LimitReader(reader, maxBodySize))
}
