// Package store holds the canonical, deduplicated timeline of transfer items
// and the selection state layered over it.
package store

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/slateboard/slateboard/internal/logging"
	"github.com/slateboard/slateboard/internal/metrics"
	"github.com/slateboard/slateboard/internal/protocol"
)

const (
	// MaxItems bounds the store after incremental merges.
	MaxItems = 200
	// MaxInitialItems bounds the initial bulk load.
	MaxInitialItems = 1000
)

// Lister is the slice of the API client the store needs.
type Lister interface {
	HasToken() bool
	ListItems(ctx context.Context, typ string, limit int) ([]protocol.TransferItem, error)
}

// Store is the single source of truth for the chronological feed, the file
// list, and the image grid. All mutations are idempotent and keyed by item id.
type Store struct {
	api Lister

	mu    sync.RWMutex
	items map[string]protocol.TransferItem

	hookMu      sync.RWMutex
	removeHooks []func(id string)
	addHooks    []func(item protocol.TransferItem)
}

// New creates an empty store backed by the given API client.
func New(api Lister) *Store {
	return &Store{
		api:   api,
		items: make(map[string]protocol.TransferItem),
	}
}

// OnRemove registers a hook invoked after an item leaves the store. Used to
// cascade deletions into the selection set and the preview cache.
func (s *Store) OnRemove(fn func(id string)) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.removeHooks = append(s.removeHooks, fn)
}

// OnAdd registers a hook invoked after a new item enters the store.
func (s *Store) OnAdd(fn func(item protocol.TransferItem)) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.addHooks = append(s.addHooks, fn)
}

// Load replaces the local cache with the server's current set filtered by
// kind (all/file/photo). Callers without a token get an empty, non-error
// result: unauthorized is reduced functionality, not failure.
func (s *Store) Load(ctx context.Context, typ string) error {
	if !s.api.HasToken() {
		s.mu.Lock()
		s.items = make(map[string]protocol.TransferItem)
		s.mu.Unlock()
		metrics.SetStoreItems(0)
		return nil
	}

	items, err := s.api.ListItems(ctx, typ, MaxInitialItems)
	if err != nil {
		return err
	}

	fresh := make(map[string]protocol.TransferItem, len(items))
	for _, it := range items {
		if it.ID == "" {
			continue
		}
		fresh[it.ID] = it
	}

	s.mu.Lock()
	s.items = fresh
	// Trimming here touches only the fresh server set, which was never
	// visible, so no remove hooks fire.
	s.truncateLocked(MaxInitialItems)
	n := len(s.items)
	s.mu.Unlock()

	metrics.SetStoreItems(n)
	logging.Debug("item store loaded", zap.String("type", typ), zap.Int("items", n))
	return nil
}

// MergeAdd inserts an item unless its id is already present. Returns true if
// the item was inserted. Duplicate adds are no-ops, which is what makes the
// at-least-once push contract safe.
func (s *Store) MergeAdd(item protocol.TransferItem) bool {
	if item.ID == "" {
		return false
	}

	s.mu.Lock()
	if _, exists := s.items[item.ID]; exists {
		s.mu.Unlock()
		return false
	}
	s.items[item.ID] = item
	evicted := s.truncateLocked(MaxItems)
	_, kept := s.items[item.ID]
	n := len(s.items)
	s.mu.Unlock()

	metrics.SetStoreItems(n)

	s.hookMu.RLock()
	removeHooks := s.removeHooks
	addHooks := s.addHooks
	s.hookMu.RUnlock()

	// Capacity evictions cascade exactly like deletions, so an evicted
	// item cannot keep a selection entry or preview handle alive.
	for _, id := range evicted {
		for _, fn := range removeHooks {
			fn(id)
		}
	}
	if kept {
		for _, fn := range addHooks {
			fn(item)
		}
	}
	return kept
}

// MergeDelete removes the item with the given id and cascades through the
// remove hooks. Deleting an absent id is a no-op.
func (s *Store) MergeDelete(id string) bool {
	s.mu.Lock()
	_, exists := s.items[id]
	if exists {
		delete(s.items, id)
	}
	n := len(s.items)
	s.mu.Unlock()

	if !exists {
		return false
	}

	metrics.SetStoreItems(n)
	s.hookMu.RLock()
	hooks := s.removeHooks
	s.hookMu.RUnlock()
	for _, fn := range hooks {
		fn(id)
	}
	return true
}

// Get returns the item with the given id.
func (s *Store) Get(id string) (protocol.TransferItem, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	it, ok := s.items[id]
	return it, ok
}

// Len returns the number of items held.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Items returns the chronological feed, sorted ascending by timestamp at
// read time. Insertion order is never relied on: push events arrive
// newest-first, loads oldest-first.
func (s *Store) Items() []protocol.TransferItem {
	return s.filtered(func(protocol.TransferItem) bool { return true })
}

// Files returns the file-only view, oldest first.
func (s *Store) Files() []protocol.TransferItem {
	return s.filtered(func(it protocol.TransferItem) bool {
		return it.Kind == protocol.KindFile
	})
}

// Images returns the image-grid view, oldest first.
func (s *Store) Images() []protocol.TransferItem {
	return s.filtered(func(it protocol.TransferItem) bool {
		return it.IsImage()
	})
}

func (s *Store) filtered(keep func(protocol.TransferItem) bool) []protocol.TransferItem {
	s.mu.RLock()
	out := make([]protocol.TransferItem, 0, len(s.items))
	for _, it := range s.items {
		if keep(it) {
			out = append(out, it)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp < out[j].Timestamp
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// truncateLocked drops the oldest entries until at most max remain and
// returns the evicted ids so callers can fire the remove hooks outside the
// lock. Must be called with the write lock held.
func (s *Store) truncateLocked(max int) []string {
	if len(s.items) <= max {
		return nil
	}
	ids := make([]string, 0, len(s.items))
	for id := range s.items {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := s.items[ids[i]], s.items[ids[j]]
		if a.Timestamp != b.Timestamp {
			return a.Timestamp > b.Timestamp
		}
		return a.ID > b.ID
	})
	evicted := ids[max:]
	for _, id := range evicted {
		delete(s.items, id)
	}
	return evicted
}
