package transfer

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"time"
)

// Source describes one local file to be transferred. The fingerprint over
// (name, size, mtime) lets the server recognize a resumed transfer of the
// same logical file.
type Source struct {
	Name    string
	Size    int64
	Mime    string
	ModTime time.Time
	Reader  io.ReaderAt

	closer io.Closer
}

// OpenSource opens a local file as an upload source.
func OpenSource(path string) (*Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	mimeType := mime.TypeByExtension(filepath.Ext(path))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	return &Source{
		Name:    info.Name(),
		Size:    info.Size(),
		Mime:    mimeType,
		ModTime: info.ModTime(),
		Reader:  f,
		closer:  f,
	}, nil
}

// Close releases the underlying file handle, if any.
func (s *Source) Close() error {
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

// FileKey returns the stable fingerprint of (name, size, mtime). The server
// treats it as opaque; only stability matters.
func (s *Source) FileKey() string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%d", s.Name, s.Size, s.ModTime.UnixMilli())))
	return hex.EncodeToString(sum[:])
}
