package httpcache

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"strconv"
	"time"
)

const PREFIX = "---HTTP-RESPONSE---\n"

const (
	storedAtHeader = "X-Cache-Stored-At"
	digestHeader   = "X-Cache-Digest"
	identityHeader = "X-Cache-Identity"
)

// Serialize writes the snapshot as an HTTP/1.1 response dump.
// The storage timestamp and body digest travel as extra headers.
func Serialize(s *Snapshot) ([]byte, error) {
	header := s.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	header.Set(storedAtHeader, strconv.FormatInt(s.StoredAt.UnixNano(), 10))
	header.Set(digestHeader, s.Digest())
	if s.Identity != "" {
		header.Set(identityHeader, s.Identity)
	}

	resp := &http.Response{
		Status:        fmt.Sprintf("%d %s", s.Status, http.StatusText(s.Status)),
		StatusCode:    s.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(s.Body)),
		ContentLength: int64(len(s.Body)),
	}

	b, err := httputil.DumpResponse(resp, true)
	if err != nil {
		return nil, err
	}

	return append([]byte(PREFIX), b...), nil
}

// Deserialize parses data written by Serialize
func Deserialize(b []byte) (*Snapshot, error) {
	if len(b) < len(PREFIX) || string(b[:len(PREFIX)]) != PREFIX {
		return nil, fmt.Errorf("invalid prefix: expected '%s'", PREFIX)
	}

	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(b[len(PREFIX):])), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize response: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read stored body: %w", err)
	}

	s := &Snapshot{
		Status:   resp.StatusCode,
		Header:   resp.Header,
		Body:     body,
		Identity: resp.Header.Get(identityHeader),
	}
	if raw := resp.Header.Get(storedAtHeader); raw != "" {
		if ns, err := strconv.ParseInt(raw, 10, 64); err == nil {
			s.StoredAt = time.Unix(0, ns)
		}
	}
	if want := resp.Header.Get(digestHeader); want != "" && want != s.Digest() {
		return nil, fmt.Errorf("stored body digest mismatch")
	}
	s.Header.Del(storedAtHeader)
	s.Header.Del(digestHeader)
	s.Header.Del(identityHeader)
	s.Header.Del("Content-Length")

	return s, nil
}
