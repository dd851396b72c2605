package cache

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/sirupsen/logrus"
)

// DiskCache implements Backend with one directory per partition
// and one file per entry. Each file starts with its key on its own line.
type DiskCache struct {
	cacheDir string
	mu       sync.RWMutex
}

// NewDisk creates a new disk backend rooted at cacheDir
func NewDisk(cacheDir string) *DiskCache {
	return &DiskCache{cacheDir: cacheDir}
}

func (d *DiskCache) Open(_ context.Context, name string) (Partition, error) {
	if err := validPartitionName(name); err != nil {
		return nil, err
	}
	dir := filepath.Join(d.cacheDir, name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create partition directory: %w", err)
	}
	return &diskPartition{name: name, dir: dir, backend: d}, nil
}

func (d *DiskCache) Lookup(_ context.Context, name string) (Partition, bool, error) {
	if err := validPartitionName(name); err != nil {
		return nil, false, err
	}
	dir := filepath.Join(d.cacheDir, name)
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	if !info.IsDir() {
		return nil, false, nil
	}
	return &diskPartition{name: name, dir: dir, backend: d}, true, nil
}

func (d *DiskCache) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(d.cacheDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list partitions: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

func (d *DiskCache) Drop(_ context.Context, name string) error {
	if err := validPartitionName(name); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return os.RemoveAll(filepath.Join(d.cacheDir, name))
}

// Close is a no-op for the disk backend
func (d *DiskCache) Close() error {
	return nil
}

type diskPartition struct {
	name    string
	dir     string
	backend *DiskCache
}

func (p *diskPartition) Name() string {
	return p.name
}

func (p *diskPartition) Get(_ context.Context, key string) ([]byte, error) {
	p.backend.mu.RLock()
	defer p.backend.mu.RUnlock()

	data, err := os.ReadFile(filepath.Join(p.dir, diskPath(key)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	stored, value, ok := bytes.Cut(data, []byte("\n"))
	if !ok {
		return nil, fmt.Errorf("corrupt cache file for %s", key)
	}
	// another key hashing to the same file
	if string(stored) != key {
		return nil, nil
	}
	return value, nil
}

func (p *diskPartition) Put(_ context.Context, key string, value []byte) error {
	if strings.Contains(key, "\n") {
		return fmt.Errorf("invalid entry key: %q", key)
	}
	p.backend.mu.RLock()
	defer p.backend.mu.RUnlock()

	cachePath := filepath.Join(p.dir, diskPath(key))

	// Ensure directory exists
	dir := filepath.Dir(cachePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	// Write atomically using temp file + rename, readers never see a partial entry
	tmp, err := os.CreateTemp(dir, ".entry-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(append([]byte(key+"\n"), value...)); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), cachePath); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}

	logrus.Debugf("Cached entry: %s", cachePath)
	return nil
}

func (p *diskPartition) Delete(_ context.Context, key string) error {
	p.backend.mu.RLock()
	defer p.backend.mu.RUnlock()

	err := os.Remove(filepath.Join(p.dir, diskPath(key)))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (p *diskPartition) Keys(_ context.Context) ([]string, error) {
	p.backend.mu.RLock()
	defer p.backend.mu.RUnlock()

	var keys []string
	err := filepath.WalkDir(p.dir, func(name string, e fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".bin") {
			return nil
		}
		key, err := readKey(name)
		if err != nil {
			return err
		}
		keys = append(keys, key)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

func readKey(name string) (string, error) {
	f, err := os.Open(name)
	if err != nil {
		return "", err
	}
	defer f.Close()
	line, err := bufio.NewReader(f).ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("corrupt cache file %s: %w", name, err)
	}
	return strings.TrimSuffix(line, "\n"), nil
}

// diskPath maps an entry key of the form "METHOD URL" to a relative file path:
// host/path/METHOD[_q<queryhash>].bin
func diskPath(key string) string {
	method, rawURL, ok := strings.Cut(key, " ")
	if !ok {
		return fmt.Sprintf("_keys/%016x.bin", xxhash.Sum64String(key))
	}
	parsedURL, err := url.Parse(rawURL)
	if err != nil || parsedURL.Host == "" {
		return fmt.Sprintf("_keys/%016x.bin", xxhash.Sum64String(key))
	}

	host := strings.TrimSuffix(strings.TrimSuffix(parsedURL.Host, ":80"), ":443")
	pathParts := []string{host}

	cleaned := strings.Trim(path.Clean("/"+parsedURL.Path), "/")
	if cleaned != "" {
		pathParts = append(pathParts, cleaned)
	}

	filename := method
	if parsedURL.RawQuery != "" {
		filename += fmt.Sprintf("_q%016x", xxhash.Sum64String(parsedURL.RawQuery))
	}
	filename += ".bin"

	pathParts = append(pathParts, filename)

	return filepath.Join(pathParts...)
}

func validPartitionName(name string) error {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return fmt.Errorf("invalid partition name: %q", name)
	}
	return nil
}
