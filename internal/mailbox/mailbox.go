// Package mailbox assembles the transfer engine: API client, upload queue,
// item store, push channel, preview cache, and selection, with an explicit
// lifecycle. One instance per mounted transfer view; nothing is ambient.
package mailbox

import (
	"context"

	"go.uber.org/zap"

	"github.com/slateboard/slateboard/internal/api"
	"github.com/slateboard/slateboard/internal/config"
	"github.com/slateboard/slateboard/internal/logging"
	"github.com/slateboard/slateboard/internal/preview"
	"github.com/slateboard/slateboard/internal/protocol"
	"github.com/slateboard/slateboard/internal/realtime"
	"github.com/slateboard/slateboard/internal/store"
	"github.com/slateboard/slateboard/internal/transfer"
)

// Mailbox owns one transfer view's worth of state. Collaborators hold
// references to each other through it; separate instances cannot interfere.
type Mailbox struct {
	Client    *api.Client
	Store     *store.Store
	Queue     *transfer.Queue
	Previews  *preview.Cache
	Selection *store.Selection

	sse     *api.SSEClient
	channel *realtime.Channel
	cancel  context.CancelFunc
}

// New builds a mailbox from config. Call Start to load the timeline and open
// the push subscription, Stop to tear everything down.
func New(cfg *config.Config) (*Mailbox, error) {
	client := api.New(api.Config{
		BaseURL:   cfg.ServerURL,
		Timeout:   cfg.HTTPTimeout,
		AuthToken: cfg.AuthToken,
	})

	st := store.New(client)

	previews, err := preview.New(cfg.PreviewCacheDir, cfg.PreviewCacheMax, client)
	if err != nil {
		return nil, err
	}

	sel := store.NewSelection(st, client)

	// Deleting an item must drop it from the selection set and close its
	// preview handle in the same turn as the store removal.
	st.OnRemove(func(id string) {
		sel.Discard(id)
		previews.Release(id)
	})

	sse := api.NewSSEClient(cfg.ServerURL)
	sse.SetAuthToken(cfg.AuthToken)

	m := &Mailbox{
		Client:    client,
		Store:     st,
		Previews:  previews,
		Selection: sel,
		sse:       sse,
	}

	// Grid-visible images are fetched proactively; everything else waits
	// for an explicit open.
	m.channel = realtime.New(sse, st, func(item protocol.TransferItem) {
		if item.IsImage() {
			go m.prefetch(item)
		}
	})

	return m, nil
}

// Start loads the initial timeline, opens the push channel, and starts the
// upload queue. The initial load failure is not fatal: the engine keeps
// working from pushes and retries on the next explicit load.
func (m *Mailbox) Start(ctx context.Context, cfg *config.Config) error {
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.Queue = transfer.NewQueue(runCtx, m.Client, m.Store,
		transfer.WithMaxConcurrency(cfg.MaxConcurrency),
		transfer.WithChunkSize(cfg.ChunkSize))

	if err := m.Store.Load(runCtx, protocol.TypeAll); err != nil {
		logging.Warn("initial timeline load failed", zap.Error(err))
	}

	for _, it := range m.Store.Images() {
		it := it
		go m.prefetch(it)
	}

	m.channel.Start(runCtx)
	return nil
}

// Stop tears the mailbox down: push channel closed, in-flight uploads
// cancelled, every preview handle released.
func (m *Mailbox) Stop() {
	m.channel.Stop()
	if m.Queue != nil {
		m.Queue.Close()
	}
	if m.cancel != nil {
		m.cancel()
	}
	m.Previews.ReleaseAll()
}

// SendText posts a text item and merges the server's entry locally without
// waiting for the push echo.
func (m *Mailbox) SendText(ctx context.Context, text string) (*protocol.TransferItem, error) {
	item, err := m.Client.SendText(ctx, text)
	if err != nil {
		return nil, err
	}
	m.Store.MergeAdd(*item)
	return item, nil
}

// Delete removes an item on the server and locally.
func (m *Mailbox) Delete(ctx context.Context, id string) error {
	if err := m.Client.DeleteItem(ctx, id); err != nil {
		return err
	}
	m.Store.MergeDelete(id)
	return nil
}

// Open returns a local preview path for a file item. On failure the caller
// should offer the download path instead.
func (m *Mailbox) Open(ctx context.Context, id string) (string, error) {
	item, ok := m.Store.Get(id)
	if !ok || item.Kind != protocol.KindFile || item.File == nil {
		return "", &api.ProtocolError{Op: "open", Msg: "no such file item: " + id}
	}
	return m.Previews.Ensure(ctx, id, item.File.URL)
}

func (m *Mailbox) prefetch(item protocol.TransferItem) {
	if item.File == nil {
		return
	}
	if _, err := m.Previews.Ensure(context.Background(), item.ID, item.File.URL); err != nil {
		logging.Debug("image prefetch failed",
			zap.String("id", item.ID), zap.Error(err))
	}
}
