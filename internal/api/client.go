// Package api provides the HTTP client for the transfer mailbox endpoints.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/slateboard/slateboard/internal/logging"
	"github.com/slateboard/slateboard/internal/protocol"
	"github.com/slateboard/slateboard/internal/retry"
)

// Client talks to the transfer mailbox API with bearer-token auth. Each
// method performs exactly one attempt; retry policy belongs to the caller
// because only the chunk loop retries automatically.
type Client struct {
	baseURL    string
	httpClient *http.Client

	mu        sync.RWMutex
	online    bool
	lastPing  time.Time
	authToken string
}

// Config holds client configuration.
type Config struct {
	BaseURL   string
	Timeout   time.Duration
	AuthToken string
}

// New creates a new client.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	return &Client{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        100,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		online:    true,
		authToken: cfg.AuthToken,
	}
}

// BaseURL returns the configured server URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// SetAuthToken sets the bearer token for requests.
func (c *Client) SetAuthToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authToken = token
}

// HasToken reports whether a bearer token is set. Callers without a token
// get reduced functionality rather than errors.
func (c *Client) HasToken() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authToken != ""
}

func (c *Client) applyAuth(req *http.Request) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
}

// IsOnline returns true if the server is reachable.
func (c *Client) IsOnline() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.online
}

func (c *Client) setOnline(online bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.online != online {
		if online {
			logging.Info("server is back online")
		} else {
			logging.Error("server is offline")
		}
	}
	c.online = online
	c.lastPing = time.Now()
}

// Ping checks if the server is reachable.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/health", nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.setOnline(false)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.setOnline(false)
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}

	c.setOnline(true)
	return nil
}

// ProtocolError means the server answered but reported failure or returned a
// malformed payload. It signals a contract violation, never transience, so it
// is never retried.
type ProtocolError struct {
	Op  string
	Msg string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Msg)
}

// AsProtocol checks if an error is a ProtocolError and returns it.
func AsProtocol(err error) (*ProtocolError, bool) {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// statusErr classifies a non-2xx response. Transport-level failures and 5xx
// responses are marked retryable; everything else is a plain network error.
func (c *Client) statusErr(op string, resp *http.Response) error {
	c.setOnline(false)
	if resp.StatusCode >= 500 {
		return retry.Retryable(fmt.Errorf("%s: server error: %d", op, resp.StatusCode))
	}
	var ack protocol.AckResponse
	if json.NewDecoder(resp.Body).Decode(&ack) == nil && ack.Error != "" {
		return fmt.Errorf("%s: %s (%d)", op, ack.Error, resp.StatusCode)
	}
	return fmt.Errorf("%s: server returned %d", op, resp.StatusCode)
}

func (c *Client) postJSON(ctx context.Context, op, path string, body interface{}, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.applyAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.setOnline(false)
		return retry.Retryable(fmt.Errorf("%s: %w", op, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return c.statusErr(op, resp)
	}

	c.setOnline(true)

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &ProtocolError{Op: op, Msg: "malformed response: " + err.Error()}
		}
	}
	return nil
}

// InitUpload negotiates a new or resumed chunked upload.
func (c *Client) InitUpload(ctx context.Context, req protocol.InitUploadRequest) (*protocol.InitUploadResponse, error) {
	var out protocol.InitUploadResponse
	if err := c.postJSON(ctx, "init upload", "/transfer/upload/init", req, &out); err != nil {
		return nil, err
	}
	if !out.Success {
		return nil, &ProtocolError{Op: "init upload", Msg: "server reported failure"}
	}
	return &out, nil
}

// UploadChunk sends one chunk as a multipart body with uploadId and index
// fields. A single attempt; the session retries on its own schedule.
func (c *Client) UploadChunk(ctx context.Context, uploadID string, index int, chunk []byte) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("uploadId", uploadID); err != nil {
		return err
	}
	if err := mw.WriteField("index", strconv.Itoa(index)); err != nil {
		return err
	}
	part, err := mw.CreateFormFile("chunk", "chunk")
	if err != nil {
		return err
	}
	if _, err := part.Write(chunk); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/transfer/upload/chunk", &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	c.applyAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.setOnline(false)
		return retry.Retryable(fmt.Errorf("upload chunk %d: %w", index, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return c.statusErr(fmt.Sprintf("upload chunk %d", index), resp)
	}

	c.setOnline(true)

	var ack protocol.AckResponse
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return &ProtocolError{Op: "upload chunk", Msg: "malformed response: " + err.Error()}
	}
	if !ack.Success {
		return &ProtocolError{Op: "upload chunk", Msg: "server reported failure"}
	}
	return nil
}

// CompleteUpload finalizes an upload. The returned item may be nil even on
// success; the caller then re-fetches the item list to discover it.
func (c *Client) CompleteUpload(ctx context.Context, uploadID string) (*protocol.TransferItem, error) {
	var out protocol.CompleteUploadResponse
	err := c.postJSON(ctx, "complete upload", "/transfer/upload/complete",
		protocol.CompleteUploadRequest{UploadID: uploadID}, &out)
	if err != nil {
		return nil, err
	}
	if !out.Success {
		return nil, &ProtocolError{Op: "complete upload", Msg: "server reported failure"}
	}
	return out.Item, nil
}

// ListItems fetches the current item set filtered by kind (all/file/photo).
func (c *Client) ListItems(ctx context.Context, typ string, limit int) ([]protocol.TransferItem, error) {
	url := fmt.Sprintf("%s/transfer/items?type=%s&limit=%d", c.baseURL, typ, limit)
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, err
	}
	c.applyAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.setOnline(false)
		return nil, retry.Retryable(fmt.Errorf("list items: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.statusErr("list items", resp)
	}

	c.setOnline(true)

	var out protocol.ItemListResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &ProtocolError{Op: "list items", Msg: "malformed response: " + err.Error()}
	}
	if !out.Success {
		return nil, &ProtocolError{Op: "list items", Msg: "server reported failure"}
	}
	return out.Items, nil
}

// SendText posts a text item and returns the server-created entry.
func (c *Client) SendText(ctx context.Context, text string) (*protocol.TransferItem, error) {
	var out protocol.SendTextResponse
	err := c.postJSON(ctx, "send text", "/transfer/text",
		protocol.SendTextRequest{Text: text}, &out)
	if err != nil {
		return nil, err
	}
	if !out.Success || out.Item == nil {
		return nil, &ProtocolError{Op: "send text", Msg: "server returned no item"}
	}
	return out.Item, nil
}

// DeleteItem removes an item. A 404 is treated as success: the item is
// already gone, which is what the caller wanted.
func (c *Client) DeleteItem(ctx context.Context, id string) error {
	req, err := http.NewRequestWithContext(ctx, "DELETE", c.baseURL+"/transfer/items/"+id, nil)
	if err != nil {
		return err
	}
	c.applyAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.setOnline(false)
		return retry.Retryable(fmt.Errorf("delete item: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		c.setOnline(true)
		return nil
	}
	if resp.StatusCode != http.StatusOK {
		return c.statusErr("delete item", resp)
	}

	c.setOnline(true)
	return nil
}

// FetchFile performs an authorized byte fetch of a protected file URL. The
// URL may be absolute or a path relative to the server base.
func (c *Client) FetchFile(ctx context.Context, fileURL string, download bool) (io.ReadCloser, int64, error) {
	url := fileURL
	if strings.HasPrefix(url, "/") {
		url = c.baseURL + url
	}
	if download {
		sep := "?"
		if strings.Contains(url, "?") {
			sep = "&"
		}
		url += sep + "download=1"
	}

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, 0, err
	}
	c.applyAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.setOnline(false)
		return nil, 0, retry.Retryable(fmt.Errorf("fetch file: %w", err))
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		defer resp.Body.Close()
		return nil, 0, c.statusErr("fetch file", resp)
	}

	c.setOnline(true)

	var size int64 = -1
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		if v, err := strconv.ParseInt(cl, 10, 64); err == nil {
			size = v
		}
	}

	logging.Debug("file fetch started", zap.String("url", fileURL), zap.Int64("size", size))
	return resp.Body, size, nil
}
