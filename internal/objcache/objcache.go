// Package objcache stores compiled objects on disk, keyed by a digest of the
// target triple and the module text.
package objcache

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// schemaVersion is bumped whenever Record changes shape.
const schemaVersion uint16 = 1

var ErrCorrupt = errors.New("corrupt cache entry")

// Key identifies one compiled object.
type Key [sha256.Size]byte

// KeyFor derives the cache key of module text compiled for triple.
func KeyFor(triple, moduleText string) Key {
	h := sha256.New()
	h.Write([]byte(triple))
	h.Write([]byte{0})
	h.Write([]byte(moduleText))
	var k Key
	copy(k[:], h.Sum(nil))
	return k
}

func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

// Record is the on-disk form of one entry.
type Record struct {
	Schema  uint16
	Key     string
	Triple  string
	Created time.Time
	Object  []byte
}

// Cache is a directory of msgpack encoded records. It is safe for concurrent
// use; a nil *Cache never hits and discards writes.
type Cache struct {
	mu  sync.RWMutex
	dir string
	now func() time.Time
}

// Open returns a cache rooted at dir, creating it if needed.
func Open(dir string) (*Cache, error) {
	if dir == "" {
		return nil, errors.New("objcache: empty directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &Cache{dir: dir, now: time.Now}, nil
}

// DefaultDir returns $XDG_CACHE_HOME/jitlink or ~/.cache/jitlink.
func DefaultDir() (string, error) {
	base := os.Getenv("XDG_CACHE_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".cache")
	}
	return filepath.Join(base, "jitlink"), nil
}

// Dir returns the cache directory.
func (c *Cache) Dir() string {
	if c == nil {
		return ""
	}
	return c.dir
}

func (c *Cache) pathFor(key Key) string {
	hexKey := key.String()
	return filepath.Join(c.dir, "objects", hexKey[:2], hexKey+".mp")
}

// Get returns the object stored under key. Entries written with another
// schema or for another triple are reported as misses.
func (c *Cache) Get(key Key, triple string) ([]byte, bool, error) {
	if c == nil {
		return nil, false, nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	f, err := os.Open(c.pathFor(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer f.Close()

	var rec Record
	if err := msgpack.NewDecoder(f).Decode(&rec); err != nil {
		return nil, false, fmt.Errorf("%w %s: %v", ErrCorrupt, key, err)
	}
	if rec.Schema != schemaVersion || rec.Key != key.String() || rec.Triple != triple {
		return nil, false, nil
	}
	return rec.Object, true, nil
}

// Put stores object under key. The entry is written to a temporary file and
// renamed into place so readers never see a partial record.
func (c *Cache) Put(key Key, triple string, object []byte) (err error) {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	p := c.pathFor(key)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(filepath.Dir(p), "tmp-*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(f.Name())
		}
	}()

	rec := Record{
		Schema:  schemaVersion,
		Key:     key.String(),
		Triple:  triple,
		Created: c.now().UTC(),
		Object:  object,
	}
	if err := msgpack.NewEncoder(f).Encode(&rec); err != nil {
		return fmt.Errorf("encode cache record: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(f.Name(), p)
}

// Clear removes every entry.
func (c *Cache) Clear() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	return os.RemoveAll(filepath.Join(c.dir, "objects"))
}
