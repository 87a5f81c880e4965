// Package cache stores decoded derived-file content on local disk.
package cache

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Entry describes one cached item.
type Entry struct {
	Key        string
	LocalPath  string
	Size       int64
	LastAccess time.Time
	pins       int // open readers; pinned entries are never evicted
}

// Cache manages locally cached content with LRU eviction.
type Cache struct {
	dir     string
	maxSize int64 // Maximum cache size in bytes

	mu      sync.Mutex
	entries map[string]*Entry
	size    int64
}

// New creates a cache rooted at dir.
func New(dir string, maxSize int64) (*Cache, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &Cache{
		dir:     dir,
		maxSize: maxSize,
		entries: make(map[string]*Entry),
	}, nil
}

// File is cached content opened for reading. The entry stays pinned until
// Close.
type File struct {
	*os.File
	c    *Cache
	key  string
	once sync.Once
}

// Close closes the file and unpins its entry.
func (f *File) Close() error {
	err := f.File.Close()
	f.once.Do(func() { f.c.unpin(f.key) })
	return err
}

// Open returns the cached content for key, pinned against eviction while
// it is open.
func (c *Cache) Open(key string) (*File, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, os.ErrNotExist
	}
	f, err := os.Open(entry.LocalPath)
	if err != nil {
		if entry.pins == 0 {
			c.drop(entry)
		}
		return nil, err
	}
	entry.LastAccess = time.Now()
	entry.pins++
	return &File{File: f, c: c, key: key}, nil
}

func (c *Cache) unpin(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.entries[key]; ok && entry.pins > 0 {
		entry.pins--
	}
}

// Put stores the content of r under key. Content is written atomically
// (temp file then rename).
func (c *Cache) Put(key string, r io.Reader) (string, int64, error) {
	localPath := filepath.Join(c.dir, fileName(key))
	tempPath := localPath + ".tmp"

	f, err := os.Create(tempPath)
	if err != nil {
		return "", 0, fmt.Errorf("create temp file: %w", err)
	}
	written, err := io.Copy(f, r)
	f.Close()
	if err != nil {
		os.Remove(tempPath)
		return "", 0, fmt.Errorf("write content: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var pins int
	if old, ok := c.entries[key]; ok {
		pins = old.pins
		c.size -= old.Size
		delete(c.entries, key)
	}
	for c.size+written > c.maxSize {
		if !c.evictOldest() {
			break // Nothing to evict
		}
	}

	if err := os.Rename(tempPath, localPath); err != nil {
		os.Remove(tempPath)
		return "", 0, fmt.Errorf("rename temp file: %w", err)
	}

	c.entries[key] = &Entry{
		Key:        key,
		LocalPath:  localPath,
		Size:       written,
		LastAccess: time.Now(),
		pins:       pins,
	}
	c.size += written
	return localPath, written, nil
}

// evictOldest removes the least recently used entry that is not pinned.
// Must be called with lock held.
func (c *Cache) evictOldest() bool {
	var oldest *Entry
	for _, entry := range c.entries {
		if entry.pins > 0 {
			continue
		}
		if oldest == nil || entry.LastAccess.Before(oldest.LastAccess) {
			oldest = entry
		}
	}
	if oldest == nil {
		return false
	}
	c.drop(oldest)
	return true
}

// drop removes entry and its file. Must be called with lock held.
func (c *Cache) drop(entry *Entry) {
	os.Remove(entry.LocalPath)
	c.size -= entry.Size
	delete(c.entries, entry.Key)
}

// Clear removes every unpinned entry and returns how many were removed.
func (c *Cache) Clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	count := 0
	for _, entry := range c.entries {
		if entry.pins > 0 {
			continue
		}
		c.drop(entry)
		count++
	}
	return count
}

func fileName(key string) string {
	return strconv.FormatUint(xxhash.Sum64String(key), 16)
}
