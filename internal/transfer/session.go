// Package transfer implements the resumable chunked upload protocol and the
// bounded-concurrency queue that drives it.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/slateboard/slateboard/internal/logging"
	"github.com/slateboard/slateboard/internal/metrics"
	"github.com/slateboard/slateboard/internal/protocol"
	"github.com/slateboard/slateboard/internal/retry"
)

// ErrCancelled reports an explicit pause. It is not a true failure: the
// session stops where it is and a later session resumes from the server's
// confirmed chunk set.
var ErrCancelled = errors.New("transfer cancelled")

// ValidationError reports a contract violation: a zero-size file or a
// negotiate response missing required fields. Never retried.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return e.Msg
}

// AsValidation checks if an error is a ValidationError.
func AsValidation(err error) (*ValidationError, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}

// API is the slice of the HTTP client a session needs.
type API interface {
	InitUpload(ctx context.Context, req protocol.InitUploadRequest) (*protocol.InitUploadResponse, error)
	UploadChunk(ctx context.Context, uploadID string, index int, chunk []byte) error
	CompleteUpload(ctx context.Context, uploadID string) (*protocol.TransferItem, error)
}

// Session is the state machine moving one local file to the server. Single
// use: a paused session is finished, and resuming creates a fresh session
// that skips the chunks the server already confirmed.
type Session struct {
	api        API
	src        *Source
	chunkSize  int64 // proposed; the server's answer is authoritative
	onProgress func(float64)

	mu        sync.Mutex
	cancel    context.CancelFunc // handle for the current in-flight request only
	cancelled bool
}

// NewSession creates a session for one source file. onProgress may be nil.
func NewSession(a API, src *Source, chunkSize int64, onProgress func(float64)) *Session {
	return &Session{
		api:        a,
		src:        src,
		chunkSize:  chunkSize,
		onProgress: onProgress,
	}
}

// Cancel pauses the session: it aborts only the in-flight network step.
// Chunks the server already confirmed stay valid and are skipped on resume.
func (s *Session) Cancel() {
	s.mu.Lock()
	s.cancelled = true
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *Session) isCancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

// beginRequest installs a fresh cancellation handle for one network step.
// The handle is replaced, never reused, so a pause cannot abort a later,
// unrelated request. The returned release func must run on every exit path.
func (s *Session) beginRequest(ctx context.Context) (context.Context, func()) {
	reqCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	return reqCtx, func() {
		s.mu.Lock()
		if s.cancel != nil {
			s.cancel = nil
		}
		s.mu.Unlock()
		cancel()
	}
}

func (s *Session) report(doneBytes int64) {
	if s.onProgress == nil || s.src.Size <= 0 {
		return
	}
	p := float64(doneBytes) / float64(s.src.Size)
	if p < 0 {
		p = 0
	}
	if p > 1 {
		p = 1
	}
	s.onProgress(p)
}

// Run drives the full transfer: negotiate, resume accounting, chunk loop,
// complete. Returns the finalized item, which may be nil when the server
// omits it from the complete response — the caller then re-fetches the item
// list to discover it.
func (s *Session) Run(ctx context.Context) (*protocol.TransferItem, error) {
	if s.src.Size <= 0 {
		return nil, &ValidationError{Msg: "refusing to transfer zero-size file"}
	}
	if s.isCancelled() {
		return nil, ErrCancelled
	}

	// Negotiate. Short, not independently cancellable, never retried:
	// a failure here is a session failure.
	init, err := s.api.InitUpload(ctx, protocol.InitUploadRequest{
		FileName:  s.src.Name,
		Size:      s.src.Size,
		Mime:      s.src.Mime,
		FileKey:   s.src.FileKey(),
		ChunkSize: s.chunkSize,
	})
	if err != nil {
		return nil, err
	}
	if init.UploadID == "" {
		return nil, &ValidationError{Msg: "negotiate response missing uploadId"}
	}
	if init.TotalChunks <= 0 {
		return nil, &ValidationError{Msg: fmt.Sprintf("negotiate response has invalid totalChunks %d", init.TotalChunks)}
	}
	if init.ChunkSize <= 0 {
		return nil, &ValidationError{Msg: "negotiate response missing chunkSize"}
	}

	// All byte-range math follows the server's chunk size, not the
	// proposed one.
	chunkSize := init.ChunkSize

	uploaded := make(map[int]bool, len(init.Uploaded))
	for _, idx := range init.Uploaded {
		uploaded[idx] = true
	}

	// Resume accounting: confirmed chunks count as done without being
	// re-transferred.
	doneBytes := int64(len(uploaded)) * chunkSize
	if doneBytes > s.src.Size {
		doneBytes = s.src.Size
	}
	s.report(doneBytes)

	logging.Debug("upload negotiated",
		zap.String("upload_id", init.UploadID),
		zap.String("file", s.src.Name),
		zap.Int("total_chunks", init.TotalChunks),
		zap.Int("confirmed", len(uploaded)),
		zap.Int64("chunk_size", chunkSize))

	buf := make([]byte, chunkSize)

	// Chunks go strictly in ascending index order; no speculative dispatch.
	for index := 0; index < init.TotalChunks; index++ {
		if s.isCancelled() {
			return nil, ErrCancelled
		}
		if uploaded[index] {
			metrics.RecordChunkSkipped()
			continue
		}

		start := int64(index) * chunkSize
		end := start + chunkSize
		if end > s.src.Size {
			end = s.src.Size
		}
		if start >= end {
			return nil, &ValidationError{Msg: fmt.Sprintf("chunk %d is beyond end of file", index)}
		}

		chunk := buf[:end-start]
		n, err := s.src.Reader.ReadAt(chunk, start)
		if err != nil && err != io.EOF {
			return nil, fmt.Errorf("read chunk %d: %w", index, err)
		}
		if int64(n) != end-start {
			return nil, fmt.Errorf("read chunk %d: short read %d of %d bytes", index, n, end-start)
		}

		if err := s.sendChunk(ctx, init.UploadID, index, chunk); err != nil {
			return nil, err
		}

		doneBytes += end - start
		metrics.RecordUploadBytes(end - start)
		s.report(doneBytes)
	}

	if s.isCancelled() {
		return nil, ErrCancelled
	}

	// Complete. Short, not independently cancellable, never retried.
	item, err := s.api.CompleteUpload(ctx, init.UploadID)
	if err != nil {
		return nil, err
	}

	logging.Info("upload completed",
		zap.String("upload_id", init.UploadID),
		zap.String("file", s.src.Name),
		zap.Int64("size", s.src.Size))
	return item, nil
}

// sendChunk transfers one chunk with up to three attempts and a linear
// backoff. Cancellation is detected by an explicit pause check, not by error
// type: a pause mid-request surfaces as a transport error, and retrying it
// would be wrong.
func (s *Session) sendChunk(ctx context.Context, uploadID string, index int, chunk []byte) error {
	attempt := 0
	return retry.Do(ctx, retry.ChunkConfig(), func() error {
		attempt++
		if attempt > 1 {
			metrics.RecordChunkRetry()
		}
		if s.isCancelled() {
			return ErrCancelled
		}

		reqCtx, release := s.beginRequest(ctx)
		err := s.api.UploadChunk(reqCtx, uploadID, index, chunk)
		release()

		if err != nil {
			if s.isCancelled() {
				return ErrCancelled
			}
			logging.Warn("chunk send failed",
				zap.String("upload_id", uploadID),
				zap.Int("index", index),
				zap.Int("attempt", attempt),
				zap.Error(err))
			return err
		}
		return nil
	})
}
