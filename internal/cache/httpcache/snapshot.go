package httpcache

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Snapshot is an immutable copy of a response: status, headers and body.
// Response bodies can only be read once, so a snapshot is captured before a
// response is handed to the caller and stored.
type Snapshot struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
	// Identity is the request identity the snapshot was stored under
	Identity string
}

// Capture reads the response body into a snapshot and replaces resp.Body with
// a fresh reader over the same bytes, so the caller can still consume it.
func Capture(resp *http.Response) (*Snapshot, error) {
	var body []byte
	if resp.Body != nil {
		b, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read response body: %w", err)
		}
		body = b
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))

	header := resp.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	header.Del("Content-Length")
	header.Del("Transfer-Encoding")

	return &Snapshot{
		Status:   resp.StatusCode,
		Header:   header,
		Body:     append([]byte(nil), body...),
		StoredAt: time.Now(),
	}, nil
}

// NewSynthetic builds a plain text snapshot that was never fetched
func NewSynthetic(status int, body string) *Snapshot {
	return &Snapshot{
		Status:   status,
		Header:   http.Header{"Content-Type": []string{"text/plain; charset=utf-8"}},
		Body:     []byte(body),
		StoredAt: time.Now(),
	}
}

// Success reports whether the snapshot has a 2xx status
func (s *Snapshot) Success() bool {
	return s.Status >= 200 && s.Status < 300
}

// Digest returns a hex checksum of the body
func (s *Snapshot) Digest() string {
	return fmt.Sprintf("%016x", xxhash.Sum64(s.Body))
}

// Response builds a new *http.Response reading from the snapshot
func (s *Snapshot) Response(req *http.Request) *http.Response {
	header := s.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	header.Set("Content-Length", strconv.Itoa(len(s.Body)))
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", s.Status, http.StatusText(s.Status)),
		StatusCode:    s.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(s.Body)),
		ContentLength: int64(len(s.Body)),
		Request:       req,
	}
}
