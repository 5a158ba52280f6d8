// Package preview materializes protected file bytes as local, revocable
// handles for inline viewing.
package preview

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/slateboard/slateboard/internal/logging"
	"github.com/slateboard/slateboard/internal/metrics"
)

// Fetcher is the slice of the API client the cache needs.
type Fetcher interface {
	FetchFile(ctx context.Context, url string, download bool) (io.ReadCloser, int64, error)
}

// Entry is one cached preview.
type Entry struct {
	ID         string
	LocalPath  string
	Size       int64
	LastAccess time.Time
}

// Cache fetches file bytes once per item and hands out a local path.
// At most one live handle exists per id; a released id's handle must not be
// used afterwards.
type Cache struct {
	dir     string
	maxSize int64
	fetcher Fetcher

	mu       sync.Mutex
	entries  map[string]*Entry
	inflight map[string]chan struct{}
	// revoked marks ids released while their fetch was still in flight;
	// the finishing fetch must discard its result instead of installing it.
	revoked map[string]bool
	size    int64
}

// New creates a preview cache rooted at dir.
func New(dir string, maxSize int64, fetcher Fetcher) (*Cache, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create preview dir: %w", err)
	}
	return &Cache{
		dir:      dir,
		maxSize:  maxSize,
		fetcher:  fetcher,
		entries:  make(map[string]*Entry),
		inflight: make(map[string]chan struct{}),
		revoked:  make(map[string]bool),
	}, nil
}

// Path returns the cached handle for id, if present.
func (c *Cache) Path(id string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return "", false
	}
	e.LastAccess = time.Now()
	return e.LocalPath, true
}

// Ensure returns the cached handle for id, fetching and materializing the
// bytes on first use. Concurrent calls for the same id share one fetch.
func (c *Cache) Ensure(ctx context.Context, id, url string) (string, error) {
	for {
		c.mu.Lock()
		if e, ok := c.entries[id]; ok {
			e.LastAccess = time.Now()
			c.mu.Unlock()
			metrics.RecordPreviewFetch("hit")
			return e.LocalPath, nil
		}
		ch, busy := c.inflight[id]
		if !busy {
			ch = make(chan struct{})
			c.inflight[id] = ch
			c.mu.Unlock()
			break
		}
		c.mu.Unlock()

		select {
		case <-ch:
			// The other fetch finished; loop to read its result.
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	path, err := c.fetch(ctx, id, url)

	c.mu.Lock()
	ch := c.inflight[id]
	delete(c.inflight, id)
	delete(c.revoked, id)
	c.mu.Unlock()
	close(ch)

	if err != nil {
		metrics.RecordPreviewFetch("error")
		return "", err
	}
	metrics.RecordPreviewFetch("ok")
	return path, nil
}

// fetch downloads the bytes and installs the entry. Runs outside the lock.
func (c *Cache) fetch(ctx context.Context, id, url string) (string, error) {
	body, _, err := c.fetcher.FetchFile(ctx, url, false)
	if err != nil {
		return "", fmt.Errorf("preview fetch: %w", err)
	}
	defer body.Close()

	localPath := filepath.Join(c.dir, id)
	tempPath := localPath + ".tmp"

	f, err := os.Create(tempPath)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}

	written, err := io.Copy(f, body)
	f.Close()
	if err != nil {
		os.Remove(tempPath)
		return "", fmt.Errorf("write preview: %w", err)
	}

	if err := os.Rename(tempPath, localPath); err != nil {
		os.Remove(tempPath)
		return "", fmt.Errorf("rename temp file: %w", err)
	}

	c.mu.Lock()
	if c.revoked[id] {
		// The item was deleted while its bytes were in flight; the handle
		// must never become visible.
		c.mu.Unlock()
		os.Remove(localPath)
		return "", fmt.Errorf("preview %s released during fetch", id)
	}
	for c.maxSize > 0 && c.size+written > c.maxSize {
		if !c.evictOldestLocked() {
			break
		}
	}
	c.entries[id] = &Entry{
		ID:         id,
		LocalPath:  localPath,
		Size:       written,
		LastAccess: time.Now(),
	}
	c.size += written
	c.mu.Unlock()

	logging.Debug("preview cached",
		zap.String("id", id), zap.Int64("bytes", written))
	return localPath, nil
}

// Release revokes and discards the handle for id. Invoked on item deletion;
// releasing an uncached id is a no-op. A release that lands while the id's
// fetch is still in flight revokes that fetch's result too.
func (c *Cache) Release(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.inflight[id]; busy {
		c.revoked[id] = true
	}
	c.releaseLocked(id)
}

func (c *Cache) releaseLocked(id string) {
	e, ok := c.entries[id]
	if !ok {
		return
	}
	os.Remove(e.LocalPath)
	c.size -= e.Size
	delete(c.entries, id)
}

// ReleaseAll revokes every handle, including those still being fetched.
// Invoked on component teardown.
func (c *Cache) ReleaseAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id := range c.inflight {
		c.revoked[id] = true
	}
	for id := range c.entries {
		c.releaseLocked(id)
	}
}

// evictOldestLocked removes the least recently used entry.
// Must be called with the lock held.
func (c *Cache) evictOldestLocked() bool {
	var oldest *Entry
	for _, e := range c.entries {
		if oldest == nil || e.LastAccess.Before(oldest.LastAccess) {
			oldest = e
		}
	}
	if oldest == nil {
		return false
	}
	c.releaseLocked(oldest.ID)
	return true
}

// Stats returns the current byte size and entry count.
func (c *Cache) Stats() (size int64, count int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size, len(c.entries)
}
