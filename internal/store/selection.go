package store

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/slateboard/slateboard/internal/logging"
)

// Deleter is the slice of the API client the selection controller needs.
type Deleter interface {
	DeleteItem(ctx context.Context, id string) error
}

// MenuPos is a clamped context-menu anchor.
type MenuPos struct {
	X, Y int
}

// ClampMenu positions a context menu so it never renders off-screen.
func ClampMenu(x, y, menuW, menuH, viewW, viewH int) MenuPos {
	if x+menuW > viewW {
		x = viewW - menuW
	}
	if y+menuH > viewH {
		y = viewH - menuH
	}
	if x < 0 {
		x = 0
	}
	if y < 0 {
		y = 0
	}
	return MenuPos{X: x, Y: y}
}

// BulkResult reports the outcome of a best-effort bulk operation.
type BulkResult struct {
	Succeeded int
	Failed    int
	Errors    []string
}

// Selection tracks multi-select state over the store and runs bulk deletes.
// The set is UI-scoped: cleared on view switch, never persisted.
type Selection struct {
	store *Store
	api   Deleter

	mu  sync.Mutex
	ids map[string]bool
}

// NewSelection creates a selection controller over the store.
func NewSelection(s *Store, api Deleter) *Selection {
	return &Selection{
		store: s,
		api:   api,
		ids:   make(map[string]bool),
	}
}

// Toggle flips the selected state of an id. Only ids present in the store
// can be selected.
func (sel *Selection) Toggle(id string) bool {
	if _, ok := sel.store.Get(id); !ok {
		return false
	}
	sel.mu.Lock()
	defer sel.mu.Unlock()
	if sel.ids[id] {
		delete(sel.ids, id)
		return false
	}
	sel.ids[id] = true
	return true
}

// Has reports whether an id is selected.
func (sel *Selection) Has(id string) bool {
	sel.mu.Lock()
	defer sel.mu.Unlock()
	return sel.ids[id]
}

// Count returns the number of selected ids.
func (sel *Selection) Count() int {
	sel.mu.Lock()
	defer sel.mu.Unlock()
	return len(sel.ids)
}

// Selected returns the selected ids in feed order.
func (sel *Selection) Selected() []string {
	sel.mu.Lock()
	picked := make(map[string]bool, len(sel.ids))
	for id := range sel.ids {
		picked[id] = true
	}
	sel.mu.Unlock()

	out := make([]string, 0, len(picked))
	for _, it := range sel.store.Items() {
		if picked[it.ID] {
			out = append(out, it.ID)
		}
	}
	return out
}

// Clear empties the selection set. Called on view switch or explicit clear.
func (sel *Selection) Clear() {
	sel.mu.Lock()
	defer sel.mu.Unlock()
	sel.ids = make(map[string]bool)
}

// Discard drops an id from the set without touching the server. Wired as a
// store remove hook so deletions cascade.
func (sel *Selection) Discard(id string) {
	sel.mu.Lock()
	defer sel.mu.Unlock()
	delete(sel.ids, id)
}

// DeleteSelected issues one delete per selected id, sequentially, awaiting
// each. A failure on one id does not abort the rest: best-effort and
// non-atomic, simplicity over atomicity. Successful deletes are merged out of
// the store (which cascades back into this set and the preview cache).
func (sel *Selection) DeleteSelected(ctx context.Context) BulkResult {
	var res BulkResult
	for _, id := range sel.Selected() {
		if err := sel.api.DeleteItem(ctx, id); err != nil {
			res.Failed++
			res.Errors = append(res.Errors, id+": "+err.Error())
			logging.Warn("bulk delete: item failed",
				zap.String("id", id), zap.Error(err))
			continue
		}
		sel.store.MergeDelete(id)
		res.Succeeded++
	}
	return res
}
