// Package protocol defines the transfer mailbox API request/response types.
package protocol

// Item kinds.
const (
	KindText = "text"
	KindFile = "file"
)

// List filters for GET /transfer/items.
const (
	TypeAll   = "all"
	TypeFile  = "file"
	TypePhoto = "photo"
)

// FileMeta describes the file half of a file item.
type FileMeta struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
	Mime string `json:"mime"`
	Ext  string `json:"ext,omitempty"`
	URL  string `json:"url"`
}

// TransferItem is one entry in the shared timeline: a text message or a
// completed file. Immutable once created; the id is opaque and globally
// unique, the timestamp is epoch milliseconds.
type TransferItem struct {
	ID        string    `json:"id"`
	Timestamp int64     `json:"timestamp"`
	Kind      string    `json:"kind"`
	Content   string    `json:"content,omitempty"`
	File      *FileMeta `json:"file,omitempty"`
}

// IsImage reports whether a file item is renderable in the image grid.
func (it *TransferItem) IsImage() bool {
	if it.Kind != KindFile || it.File == nil {
		return false
	}
	switch it.File.Ext {
	case "jpg", "jpeg", "png", "gif", "webp", "bmp", "svg", "avif":
		return true
	}
	return len(it.File.Mime) > 6 && it.File.Mime[:6] == "image/"
}

// InitUploadRequest is the body for POST /transfer/upload/init.
type InitUploadRequest struct {
	FileName  string `json:"fileName"`
	Size      int64  `json:"size"`
	Mime      string `json:"mime"`
	FileKey   string `json:"fileKey"`
	ChunkSize int64  `json:"chunkSize"`
}

// InitUploadResponse is returned by POST /transfer/upload/init. ChunkSize is
// authoritative: the server may override the proposed size and all byte-range
// math must follow it.
type InitUploadResponse struct {
	Success     bool   `json:"success"`
	UploadID    string `json:"uploadId"`
	ChunkSize   int64  `json:"chunkSize"`
	TotalChunks int    `json:"totalChunks"`
	Uploaded    []int  `json:"uploaded"`
}

// CompleteUploadRequest is the body for POST /transfer/upload/complete.
type CompleteUploadRequest struct {
	UploadID string `json:"uploadId"`
}

// CompleteUploadResponse is returned by POST /transfer/upload/complete. Item
// may be absent, in which case the caller re-fetches the item list to
// discover the finalized entry.
type CompleteUploadResponse struct {
	Success bool          `json:"success"`
	Item    *TransferItem `json:"item,omitempty"`
}

// ItemListResponse is returned by GET /transfer/items.
type ItemListResponse struct {
	Success bool           `json:"success"`
	Items   []TransferItem `json:"items"`
}

// SendTextRequest is the body for POST /transfer/text.
type SendTextRequest struct {
	Text string `json:"text"`
}

// SendTextResponse is returned by POST /transfer/text.
type SendTextResponse struct {
	Success bool          `json:"success"`
	Item    *TransferItem `json:"item"`
}

// AckResponse is the generic {success} body.
type AckResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Push event types delivered on the transfer:update channel.
const (
	PushAdd    = "add"
	PushDelete = "delete"
)

// PushEvent is the payload of a transfer:update push event.
type PushEvent struct {
	Type string        `json:"type"`
	Item *TransferItem `json:"item,omitempty"`
	ID   string        `json:"id,omitempty"`
}
