package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LevelDBCache implements Backend on a single goleveldb database.
// Partition markers live under "p:<name>", entries under "e:<name>\x00<key>".
type LevelDBCache struct {
	db *leveldb.DB
}

// NewLevelDB opens (or creates) a leveldb database at path
func NewLevelDB(path string) (*LevelDBCache, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open leveldb at %s: %w", path, err)
	}
	return &LevelDBCache{db: db}, nil
}

func markerKey(name string) []byte {
	return []byte("p:" + name)
}

func entryPrefix(name string) []byte {
	return []byte("e:" + name + "\x00")
}

func (l *LevelDBCache) Open(_ context.Context, name string) (Partition, error) {
	if name == "" {
		return nil, fmt.Errorf("invalid partition name: %q", name)
	}
	if err := l.db.Put(markerKey(name), nil, nil); err != nil {
		return nil, fmt.Errorf("failed to create partition %s: %w", name, err)
	}
	return &levelDBPartition{name: name, db: l.db}, nil
}

func (l *LevelDBCache) Lookup(_ context.Context, name string) (Partition, bool, error) {
	ok, err := l.db.Has(markerKey(name), nil)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return &levelDBPartition{name: name, db: l.db}, true, nil
}

func (l *LevelDBCache) List(_ context.Context) ([]string, error) {
	it := l.db.NewIterator(util.BytesPrefix([]byte("p:")), nil)
	defer it.Release()

	var names []string
	for it.Next() {
		names = append(names, string(it.Key()[len("p:"):]))
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

func (l *LevelDBCache) Drop(_ context.Context, name string) error {
	it := l.db.NewIterator(util.BytesPrefix(entryPrefix(name)), nil)
	defer it.Release()

	batch := new(leveldb.Batch)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	if err := it.Error(); err != nil {
		return err
	}
	batch.Delete(markerKey(name))
	return l.db.Write(batch, nil)
}

func (l *LevelDBCache) Close() error {
	return l.db.Close()
}

type levelDBPartition struct {
	name string
	db   *leveldb.DB
}

func (p *levelDBPartition) key(key string) []byte {
	return append(entryPrefix(p.name), key...)
}

func (p *levelDBPartition) Name() string {
	return p.name
}

func (p *levelDBPartition) Get(_ context.Context, key string) ([]byte, error) {
	b, err := p.db.Get(p.key(key), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return b, nil
}

func (p *levelDBPartition) Put(_ context.Context, key string, value []byte) error {
	batch := new(leveldb.Batch)
	batch.Put(markerKey(p.name), nil)
	batch.Put(p.key(key), value)
	return p.db.Write(batch, nil)
}

func (p *levelDBPartition) Delete(_ context.Context, key string) error {
	return p.db.Delete(p.key(key), nil)
}

func (p *levelDBPartition) Keys(_ context.Context) ([]string, error) {
	prefix := entryPrefix(p.name)
	it := p.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()

	var keys []string
	for it.Next() {
		keys = append(keys, string(it.Key()[len(prefix):]))
	}
	return keys, it.Error()
}
