package weave

import (
	"errors"
	"fmt"
	"log"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/dgraph-io/ristretto/v2"
	"github.com/go-analyze/bulk"
)

const debugStorage = false

// Storage holds method body snapshots while a method is being rewritten.
type Storage interface {
	SaveState(key string, blob []byte) error
	LoadState(key string) ([]byte, bool, error)
	DeleteState(key string) error
	// ListKeys returns all keys in the store, sorted.
	ListKeys() ([]string, error)
	Close()
}

type memStorage struct {
	mu   sync.Mutex
	data map[string][]byte
}

// NewMemStorage returns an in-memory Storage implementation.
func NewMemStorage() Storage {
	return &memStorage{data: make(map[string][]byte)}
}

func (m *memStorage) SaveState(key string, blob []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data[key] = slices.Clone(blob)
	return nil
}

func (m *memStorage) LoadState(key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	blob, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	return slices.Clone(blob), true, nil
}

func (m *memStorage) DeleteState(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.data, key)
	return nil
}

func (m *memStorage) ListKeys() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := bulk.MapKeysSlice(m.data)
	slices.Sort(keys)
	return keys, nil
}

func (m *memStorage) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	clear(m.data)
}

type badgerStorage struct {
	path string
	db   *badger.DB
}

// NewBadgerStorage opens a Badger backed Storage in the given directory. The directory is removed on Close.
func NewBadgerStorage(path string, maxMemMB int) (Storage, error) {
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("create snapshot dir failed: %w", err)
	}

	clamp := func(val, lo, high int64) int64 {
		return min(max(val, lo), high)
	}
	memTableSize := clamp(int64(maxMemMB/4), 8, 64) << 20
	// snapshots are snappy compressed before they reach the store
	opts := badger.DefaultOptions(path).
		WithInMemory(false).
		WithSyncWrites(false).
		WithCompression(options.None).
		WithNumMemtables(2).
		WithMemTableSize(memTableSize).
		WithBaseTableSize(memTableSize).
		WithIndexCacheSize(clamp(int64(maxMemMB/4), 8, 64) << 20).
		WithValueLogFileSize(64 << 20)

	if !debugStorage {
		opts = opts.
			WithLoggingLevel(badger.ERROR).
			WithMetricsEnabled(false)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open snapshot db failed: %w", err)
	}
	if debugStorage {
		go logCacheMetrics(db)
	}
	return &badgerStorage{path: path, db: db}, nil
}

func logCacheMetrics(db *badger.DB) {
	for {
		time.Sleep(30 * time.Second)
		if db.IsClosed() {
			return
		}
		logMetrics := func(name string, metrics *ristretto.Metrics) {
			if metrics == nil {
				return
			} else if metrics.Hits() != 0 || metrics.Misses() != 0 {
				log.Println("snapshot " + name + " cache: " + metrics.String())
			}
			metrics.Clear()
		}
		logMetrics("block", db.BlockCacheMetrics())
		logMetrics("index", db.IndexCacheMetrics())
	}
}

func (b *badgerStorage) SaveState(key string, blob []byte) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), blob)
	})
}

func (b *badgerStorage) LoadState(key string) ([]byte, bool, error) {
	var blob []byte
	var found bool
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		} else if err != nil {
			return err
		}
		found = true
		blob, err = item.ValueCopy(nil)
		return err
	})
	return blob, found, err
}

func (b *badgerStorage) DeleteState(key string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

func (b *badgerStorage) ListKeys() ([]string, error) {
	var keys []string
	err := b.db.View(func(txn *badger.Txn) error {
		itOpts := badger.DefaultIteratorOptions
		itOpts.PrefetchValues = false
		it := txn.NewIterator(itOpts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, string(it.Item().Key()))
		}
		return nil
	})
	return keys, err
}

func (b *badgerStorage) Close() {
	_ = b.db.Close()
	_ = os.RemoveAll(b.path)
}

// snapshotKey builds the storage key of a method snapshot. The selection index keeps overloads apart.
func snapshotKey(index int, m *MethodDef) string {
	return fmt.Sprintf("%06d;%s", index, m.FullName())
}
