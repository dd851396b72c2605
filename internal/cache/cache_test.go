package cache

import (
	"path/filepath"
	"regexp"
	"testing"
)

func TestNew(t *testing.T) {
	tests := []struct {
		kind    string
		wantErr bool
	}{
		{kind: "disk"},
		{kind: "memory"},
		{kind: "leveldb"},
		{kind: "redis", wantErr: true}, // empty URL
		{kind: "s3", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			backend, err := New(tt.kind, Options{Folder: t.TempDir()})
			if (err != nil) != tt.wantErr {
				t.Fatalf("New(%q) error = %v, wantErr %v", tt.kind, err, tt.wantErr)
			}
			if err == nil {
				_ = backend.Close()
			}
		})
	}
}

func TestDiskPath(t *testing.T) {
	tests := []struct {
		name string
		key  string
		want string
	}{
		{
			name: "simple URL",
			key:  "GET https://example.com/api/users",
			want: filepath.Join("example.com", "api", "users", "GET.bin"),
		},
		{
			name: "root path",
			key:  "GET https://example.com/",
			want: filepath.Join("example.com", "GET.bin"),
		},
		{
			name: "default port is dropped",
			key:  "GET http://example.com:80/main.css",
			want: filepath.Join("example.com", "main.css", "GET.bin"),
		},
		{
			name: "dot segments cannot escape",
			key:  "GET https://example.com/../../etc/passwd",
			want: filepath.Join("example.com", "etc", "passwd", "GET.bin"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := diskPath(tt.key); got != tt.want {
				t.Errorf("diskPath() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDiskPathQueryAndOpaqueKeys(t *testing.T) {
	withQuery := diskPath("GET https://api.github.com/users?page=1")
	if !regexp.MustCompile(`^api\.github\.com/users/GET_q[0-9a-f]{16}\.bin$`).MatchString(filepath.ToSlash(withQuery)) {
		t.Errorf("Unexpected path for query URL: %s", withQuery)
	}
	if withQuery == diskPath("GET https://api.github.com/users?page=2") {
		t.Error("Different queries must map to different files")
	}

	opaque := diskPath("not-a-request-key")
	if !regexp.MustCompile(`^_keys/[0-9a-f]{16}\.bin$`).MatchString(filepath.ToSlash(opaque)) {
		t.Errorf("Unexpected path for opaque key: %s", opaque)
	}
}

func TestValidPartitionName(t *testing.T) {
	for _, name := range []string{"", ".", "..", "a/b", `a\b`} {
		if err := validPartitionName(name); err == nil {
			t.Errorf("Expected %q to be rejected", name)
		}
	}
	if err := validPartitionName("static-v1"); err != nil {
		t.Errorf("Expected static-v1 to be accepted: %v", err)
	}
}
