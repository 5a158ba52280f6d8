package transfer

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/slateboard/slateboard/internal/logging"
	"github.com/slateboard/slateboard/internal/metrics"
	"github.com/slateboard/slateboard/internal/protocol"
)

// Status of a queued upload.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusUploading Status = "uploading"
	StatusPaused    Status = "paused"
	StatusFailed    Status = "failed"
	StatusCompleted Status = "completed"
)

// DefaultMaxConcurrency is the default bound on simultaneously active
// transfer sessions.
const DefaultMaxConcurrency = 2

// Item is one ephemeral, client-only upload task. Its id lives in a
// different space from TransferItem ids: completion produces a new store
// entry, the queue item never becomes one.
type Item struct {
	ID       string
	Source   *Source
	Status   Status
	Progress float64
	Err      string

	session *Session
}

// ItemView is a copy-safe snapshot of an Item.
type ItemView struct {
	ID       string
	Name     string
	Size     int64
	Status   Status
	Progress float64
	Err      string
}

// Sink receives the outcome of completed sessions: either the finalized item
// or, when the server omitted it, a request to reload the timeline.
type Sink interface {
	MergeAdd(item protocol.TransferItem) bool
	Load(ctx context.Context, typ string) error
}

// Queue accepts any number of enqueued files and guarantees that at most
// maxConcurrency sessions are active at once, FIFO among queued items.
// Resumed items re-enter at the back.
type Queue struct {
	api       API
	sink      Sink
	chunkSize int64
	maxActive int

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	items  []*Item
	byID   map[string]*Item
	active int

	wg sync.WaitGroup
}

// Option configures a Queue.
type Option func(*Queue)

// WithMaxConcurrency overrides the concurrency bound.
func WithMaxConcurrency(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxActive = n
		}
	}
}

// WithChunkSize overrides the proposed chunk size.
func WithChunkSize(n int64) Option {
	return func(q *Queue) {
		if n > 0 {
			q.chunkSize = n
		}
	}
}

// NewQueue creates an upload queue. Sessions run until ctx is cancelled or
// Close is called.
func NewQueue(ctx context.Context, a API, sink Sink, opts ...Option) *Queue {
	qctx, cancel := context.WithCancel(ctx)
	q := &Queue{
		api:       a,
		sink:      sink,
		chunkSize: 5 * 1024 * 1024,
		maxActive: DefaultMaxConcurrency,
		ctx:       qctx,
		cancel:    cancel,
		byID:      make(map[string]*Item),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue creates one queue item per source, drops zero-byte entries, and
// runs a scheduling pass. Returns the ids of the accepted items.
func (q *Queue) Enqueue(sources ...*Source) []string {
	q.mu.Lock()
	ids := make([]string, 0, len(sources))
	for _, src := range sources {
		if src.Size <= 0 {
			logging.Warn("skipping zero-size file", zap.String("name", src.Name))
			src.Close()
			continue
		}
		it := &Item{
			ID:     uuid.NewString(),
			Source: src,
			Status: StatusQueued,
		}
		q.items = append(q.items, it)
		q.byID[it.ID] = it
		ids = append(ids, it.ID)
	}
	q.scheduleLocked()
	q.publishGaugesLocked()
	q.mu.Unlock()
	return ids
}

// scheduleLocked starts queued items, earliest first, while slots are free.
// Must be called with the lock held; runs synchronously between suspension
// points so no two passes can race.
func (q *Queue) scheduleLocked() {
	for q.active < q.maxActive {
		var next *Item
		for _, it := range q.items {
			if it.Status == StatusQueued {
				next = it
				break
			}
		}
		if next == nil {
			return
		}
		q.startLocked(next)
	}
}

func (q *Queue) startLocked(it *Item) {
	it.Status = StatusUploading
	it.Err = ""
	it.session = NewSession(q.api, it.Source, q.chunkSize, func(p float64) {
		q.mu.Lock()
		// Progress only ever moves forward while uploading.
		if it.Status == StatusUploading && p > it.Progress {
			it.Progress = p
		}
		q.mu.Unlock()
	})
	q.active++

	q.wg.Add(1)
	go q.run(it, it.session)
}

// run drives one session to its end and frees the slot.
func (q *Queue) run(it *Item, sess *Session) {
	defer q.wg.Done()

	item, err := sess.Run(q.ctx)

	q.mu.Lock()
	q.active--
	if cur, ok := q.byID[it.ID]; !ok || cur != it {
		// Removed while running; nothing left to update.
		q.scheduleLocked()
		q.publishGaugesLocked()
		q.mu.Unlock()
		return
	}

	switch {
	case err == nil:
		it.Status = StatusCompleted
		it.Progress = 1
		q.dropLocked(it.ID)
		metrics.RecordUpload(string(StatusCompleted))
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		// Pause, not failure: progress on the server stays valid.
		if it.Status == StatusUploading {
			it.Status = StatusPaused
		}
	default:
		it.Status = StatusFailed
		it.Err = err.Error()
		metrics.RecordUpload(string(StatusFailed))
		logging.Error("upload failed",
			zap.String("file", it.Source.Name), zap.Error(err))
	}
	q.scheduleLocked()
	q.publishGaugesLocked()
	q.mu.Unlock()

	if err != nil {
		return
	}

	// Fold the completed transfer into the store outside the lock: the
	// merge is id-keyed and idempotent, so a duplicate complete (or the
	// same item arriving over push) cannot produce a second entry.
	if item != nil {
		q.sink.MergeAdd(*item)
	} else if loadErr := q.sink.Load(q.ctx, protocol.TypeAll); loadErr != nil {
		logging.Warn("reload after complete failed", zap.Error(loadErr))
	}
}

// Pause aborts only the in-flight network step of an active item; confirmed
// chunks stay valid on the server. Progress is kept.
func (q *Queue) Pause(id string) bool {
	q.mu.Lock()
	it, ok := q.byID[id]
	if !ok || it.Status != StatusUploading || it.session == nil {
		q.mu.Unlock()
		return false
	}
	sess := it.session
	q.mu.Unlock()

	// The session flips the item to paused when it unwinds.
	sess.Cancel()
	return true
}

// Resume re-queues a paused or failed item at the back and runs a
// scheduling pass. Retry after failure is always manual.
func (q *Queue) Resume(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, ok := q.byID[id]
	if !ok || (it.Status != StatusPaused && it.Status != StatusFailed) {
		return false
	}

	for i, cur := range q.items {
		if cur == it {
			q.items = append(q.items[:i], q.items[i+1:]...)
			break
		}
	}
	it.Status = StatusQueued
	it.Err = ""
	it.session = nil
	q.items = append(q.items, it)

	q.scheduleLocked()
	q.publishGaugesLocked()
	return true
}

// Remove pauses the item if active, then unconditionally drops it.
func (q *Queue) Remove(id string) bool {
	q.mu.Lock()
	it, ok := q.byID[id]
	if !ok {
		q.mu.Unlock()
		return false
	}
	sess := it.session
	active := it.Status == StatusUploading
	q.dropLocked(id)
	q.publishGaugesLocked()
	q.mu.Unlock()

	if active && sess != nil {
		sess.Cancel()
	}
	return true
}

// dropLocked removes an item from the queue and closes its source.
// Must be called with the lock held.
func (q *Queue) dropLocked(id string) {
	it, ok := q.byID[id]
	if !ok {
		return
	}
	delete(q.byID, id)
	for i, cur := range q.items {
		if cur == it {
			q.items = append(q.items[:i], q.items[i+1:]...)
			break
		}
	}
	it.Source.Close()
}

// Items returns a snapshot of the queue in order.
func (q *Queue) Items() []ItemView {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]ItemView, 0, len(q.items))
	for _, it := range q.items {
		out = append(out, ItemView{
			ID:       it.ID,
			Name:     it.Source.Name,
			Size:     it.Source.Size,
			Status:   it.Status,
			Progress: it.Progress,
			Err:      it.Err,
		})
	}
	return out
}

// ActiveCount returns the number of sessions currently transferring.
func (q *Queue) ActiveCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active
}

// Len returns the number of items in the queue.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Wait blocks until every running session goroutine has unwound. Meant for
// shutdown and tests; pair with Close to stop in-flight work.
func (q *Queue) Wait() {
	q.wg.Wait()
}

// Close cancels all in-flight sessions and waits for them to unwind.
func (q *Queue) Close() {
	q.cancel()
	q.wg.Wait()
}

func (q *Queue) publishGaugesLocked() {
	metrics.SetActiveSessions(q.active)
	metrics.SetQueueLength(len(q.items))
}
