package mailbox

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/slateboard/slateboard/internal/config"
	"github.com/slateboard/slateboard/internal/protocol"
)

// mailboxServer fakes the endpoints one mounted transfer view touches.
type mailboxServer struct {
	mux *http.ServeMux

	mu      sync.Mutex
	items   map[string]protocol.TransferItem
	deleted []string

	fileGate    chan struct{} // when set, file fetches wait here
	fileStarted chan struct{}
}

func newMailboxServer() *mailboxServer {
	s := &mailboxServer{
		items: map[string]protocol.TransferItem{
			"t1": {
				ID: "t1", Timestamp: 100, Kind: protocol.KindFile,
				File: &protocol.FileMeta{
					Name: "report.pdf", Size: 9, Mime: "application/pdf", URL: "/files/t1",
				},
			},
		},
	}
	s.mux = s.routes()
	return s
}

func (s *mailboxServer) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/transfer/items", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		items := make([]protocol.TransferItem, 0, len(s.items))
		for _, it := range s.items {
			items = append(items, it)
		}
		s.mu.Unlock()
		json.NewEncoder(w).Encode(protocol.ItemListResponse{Success: true, Items: items})
	})
	mux.HandleFunc("/transfer/items/", func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Path[len("/transfer/items/"):]
		s.mu.Lock()
		delete(s.items, id)
		s.deleted = append(s.deleted, id)
		s.mu.Unlock()
		json.NewEncoder(w).Encode(protocol.AckResponse{Success: true})
	})
	mux.HandleFunc("/transfer/events", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	})
	mux.HandleFunc("/files/t1", func(w http.ResponseWriter, r *http.Request) {
		if s.fileStarted != nil {
			select {
			case s.fileStarted <- struct{}{}:
			default:
			}
		}
		if s.fileGate != nil {
			select {
			case <-s.fileGate:
			case <-r.Context().Done():
				return
			}
		}
		w.Write([]byte("pdf bytes"))
	})
	return mux
}

func (s *mailboxServer) handler() http.Handler { return s.mux }

func newTestMailbox(t *testing.T, s *mailboxServer) *Mailbox {
	t.Helper()
	srv := httptest.NewServer(s.handler())
	t.Cleanup(srv.Close)

	cfg := &config.Config{
		ServerURL:       srv.URL,
		AuthToken:       "tok",
		MaxConcurrency:  2,
		ChunkSize:       1 << 20,
		HTTPTimeout:     5 * time.Second,
		PreviewCacheDir: t.TempDir(),
	}
	m, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Start(context.Background(), cfg); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(m.Stop)
	return m
}

func TestMailboxDeleteCascades(t *testing.T) {
	srv := newMailboxServer()
	m := newTestMailbox(t, srv)
	ctx := context.Background()

	if _, ok := m.Store.Get("t1"); !ok {
		t.Fatal("initial load must populate the store")
	}
	if !m.Selection.Toggle("t1") {
		t.Fatal("item must be selectable")
	}

	path, err := m.Open(ctx, "t1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if data, err := os.ReadFile(path); err != nil || string(data) != "pdf bytes" {
		t.Fatalf("preview bytes = %q, %v", data, err)
	}

	if err := m.Delete(ctx, "t1"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	// One delete removes the item from the store, the selection set, and
	// the preview cache together.
	if _, ok := m.Store.Get("t1"); ok {
		t.Error("item must leave the store")
	}
	if m.Selection.Has("t1") {
		t.Error("item must leave the selection set")
	}
	if _, ok := m.Previews.Path("t1"); ok {
		t.Error("item must leave the preview cache")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("preview bytes must be removed from disk")
	}

	srv.mu.Lock()
	defer srv.mu.Unlock()
	if len(srv.deleted) != 1 || srv.deleted[0] != "t1" {
		t.Errorf("server deletes = %v", srv.deleted)
	}
}

func TestMailboxDeleteDuringPreviewFetch(t *testing.T) {
	srv := newMailboxServer()
	srv.fileGate = make(chan struct{})
	srv.fileStarted = make(chan struct{}, 1)
	m := newTestMailbox(t, srv)
	ctx := context.Background()

	openErr := make(chan error, 1)
	go func() {
		_, err := m.Open(ctx, "t1")
		openErr <- err
	}()

	// The item is deleted while its preview bytes are still in flight.
	<-srv.fileStarted
	if err := m.Delete(ctx, "t1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	close(srv.fileGate)

	if err := <-openErr; err == nil {
		t.Fatal("open racing a delete must not hand out a handle")
	}
	if _, ok := m.Previews.Path("t1"); ok {
		t.Error("deleted item must not gain a preview handle from the late fetch")
	}
	if size, count := m.Previews.Stats(); size != 0 || count != 0 {
		t.Errorf("dangling preview after delete: size=%d count=%d", size, count)
	}
}

func TestMailboxSendTextMergesLocally(t *testing.T) {
	srv := newMailboxServer()
	srv.mux.HandleFunc("/transfer/text", func(w http.ResponseWriter, r *http.Request) {
		var req protocol.SendTextRequest
		json.NewDecoder(r.Body).Decode(&req)
		json.NewEncoder(w).Encode(protocol.SendTextResponse{
			Success: true,
			Item:    &protocol.TransferItem{ID: "tx1", Timestamp: 200, Kind: protocol.KindText, Content: req.Text},
		})
	})
	m := newTestMailbox(t, srv)

	item, err := m.SendText(context.Background(), "hello")
	if err != nil {
		t.Fatalf("send text: %v", err)
	}
	if item.ID != "tx1" {
		t.Fatalf("item = %+v", item)
	}
	// Merged immediately, without waiting for the push echo.
	if _, ok := m.Store.Get("tx1"); !ok {
		t.Error("sent text must appear in the local store")
	}
}
