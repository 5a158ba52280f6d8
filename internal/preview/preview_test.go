package preview

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeFetcher serves url -> bytes, counting fetches.
type fakeFetcher struct {
	mu      sync.Mutex
	data    map[string][]byte
	fetches int32
	block   chan struct{} // when set, fetches wait here
	started chan struct{} // when set, receives one signal per fetch entry
}

func (f *fakeFetcher) FetchFile(ctx context.Context, url string, download bool) (io.ReadCloser, int64, error) {
	atomic.AddInt32(&f.fetches, 1)
	if f.started != nil {
		select {
		case f.started <- struct{}{}:
		default:
		}
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		}
	}
	f.mu.Lock()
	data, ok := f.data[url]
	f.mu.Unlock()
	if !ok {
		return nil, 0, errors.New("not found")
	}
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

func newCache(t *testing.T, maxSize int64, f *fakeFetcher) *Cache {
	t.Helper()
	c, err := New(t.TempDir(), maxSize, f)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestCacheEnsureFetchesOnce(t *testing.T) {
	f := &fakeFetcher{data: map[string][]byte{"/f/a": []byte("hello")}}
	c := newCache(t, 0, f)

	path1, err := c.Ensure(context.Background(), "a", "/f/a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := os.ReadFile(path1)
	if err != nil || string(got) != "hello" {
		t.Fatalf("materialized file = %q, %v", got, err)
	}

	// Second call is a cache hit, same handle, no network.
	path2, err := c.Ensure(context.Background(), "a", "/f/a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if path1 != path2 {
		t.Errorf("expected the same handle, got %q and %q", path1, path2)
	}
	if n := atomic.LoadInt32(&f.fetches); n != 1 {
		t.Errorf("expected 1 fetch, got %d", n)
	}

	if p, ok := c.Path("a"); !ok || p != path1 {
		t.Errorf("Path(a) = %q, %v", p, ok)
	}
	if _, ok := c.Path("missing"); ok {
		t.Error("Path must miss for unknown ids")
	}
}

func TestCacheConcurrentEnsureSharesFetch(t *testing.T) {
	f := &fakeFetcher{
		data:  map[string][]byte{"/f/a": []byte("payload")},
		block: make(chan struct{}),
	}
	c := newCache(t, 0, f)

	const n = 8
	var wg sync.WaitGroup
	paths := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			paths[i], errs[i] = c.Ensure(context.Background(), "a", "/f/a")
		}(i)
	}

	// Let the single fetch proceed once everyone is waiting on it.
	time.Sleep(20 * time.Millisecond)
	close(f.block)
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if paths[i] != paths[0] {
			t.Fatalf("caller %d got a different handle", i)
		}
	}
	if got := atomic.LoadInt32(&f.fetches); got != 1 {
		t.Errorf("expected a single shared fetch, got %d", got)
	}
}

func TestCacheFetchErrorNotCached(t *testing.T) {
	f := &fakeFetcher{data: map[string][]byte{}}
	c := newCache(t, 0, f)

	if _, err := c.Ensure(context.Background(), "a", "/f/a"); err == nil {
		t.Fatal("expected fetch error")
	}
	if _, ok := c.Path("a"); ok {
		t.Error("failed fetch must not install an entry")
	}

	// A later attempt retries instead of replaying the failure.
	f.mu.Lock()
	f.data["/f/a"] = []byte("late")
	f.mu.Unlock()
	if _, err := c.Ensure(context.Background(), "a", "/f/a"); err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
}

func TestCacheReleaseRevokesHandle(t *testing.T) {
	f := &fakeFetcher{data: map[string][]byte{"/f/a": []byte("hello")}}
	c := newCache(t, 0, f)

	path, err := c.Ensure(context.Background(), "a", "/f/a")
	if err != nil {
		t.Fatal(err)
	}

	c.Release("a")
	if _, ok := c.Path("a"); ok {
		t.Error("released id must not resolve")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("released file must be removed from disk")
	}

	// Releasing an uncached id is a no-op.
	c.Release("never")

	// Re-ensure re-fetches.
	if _, err := c.Ensure(context.Background(), "a", "/f/a"); err != nil {
		t.Fatal(err)
	}
	if n := atomic.LoadInt32(&f.fetches); n != 2 {
		t.Errorf("expected a fresh fetch after release, got %d total", n)
	}
}

func TestCacheReleaseDuringFetchRevokesResult(t *testing.T) {
	f := &fakeFetcher{
		data:    map[string][]byte{"/f/a": []byte("late bytes")},
		block:   make(chan struct{}),
		started: make(chan struct{}, 1),
	}
	c := newCache(t, 0, f)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Ensure(context.Background(), "a", "/f/a")
		errCh <- err
	}()

	// The item is deleted while its bytes are still in flight; the fetch
	// finishing later must not resurrect the handle.
	<-f.started
	c.Release("a")
	close(f.block)

	if err := <-errCh; err == nil {
		t.Fatal("a fetch revoked mid-flight must not return a handle")
	}
	if _, ok := c.Path("a"); ok {
		t.Fatal("released id must not resolve after the fetch finishes")
	}
	size, count := c.Stats()
	if size != 0 || count != 0 {
		t.Fatalf("dangling handle after revoked fetch: size=%d count=%d", size, count)
	}
	if _, err := os.Stat(filepath.Join(c.dir, "a")); !os.IsNotExist(err) {
		t.Error("revoked fetch must not leave bytes on disk")
	}

	// The revocation applies to that fetch only; a later Ensure works.
	if _, err := c.Ensure(context.Background(), "a", "/f/a"); err != nil {
		t.Fatalf("fresh fetch after revocation: %v", err)
	}
}

func TestCacheReleaseAll(t *testing.T) {
	f := &fakeFetcher{data: map[string][]byte{
		"/f/a": []byte("aa"),
		"/f/b": []byte("bb"),
	}}
	c := newCache(t, 0, f)
	c.Ensure(context.Background(), "a", "/f/a")
	c.Ensure(context.Background(), "b", "/f/b")

	c.ReleaseAll()
	size, count := c.Stats()
	if size != 0 || count != 0 {
		t.Errorf("expected empty cache, got size=%d count=%d", size, count)
	}
}

func TestCacheEvictsLeastRecentlyUsed(t *testing.T) {
	f := &fakeFetcher{data: map[string][]byte{
		"/f/a": make([]byte, 40),
		"/f/b": make([]byte, 40),
		"/f/c": make([]byte, 40),
	}}
	c := newCache(t, 100, f)

	c.Ensure(context.Background(), "a", "/f/a")
	time.Sleep(2 * time.Millisecond)
	c.Ensure(context.Background(), "b", "/f/b")
	time.Sleep(2 * time.Millisecond)

	// Touch a so b becomes the oldest.
	c.Path("a")
	time.Sleep(2 * time.Millisecond)

	c.Ensure(context.Background(), "c", "/f/c")

	if _, ok := c.Path("b"); ok {
		t.Error("least recently used entry must be evicted")
	}
	if _, ok := c.Path("a"); !ok {
		t.Error("recently touched entry must survive")
	}
	if _, ok := c.Path("c"); !ok {
		t.Error("new entry must be present")
	}
	size, count := c.Stats()
	if count != 2 || size != 80 {
		t.Errorf("expected 2 entries / 80 bytes, got %d / %d", count, size)
	}
}
