package upload

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// File is a named binary blob to upload
type File interface {
	// Name returns the file name sent in the multipart part
	Name() string

	// Size returns the length in bytes, or -1 when it is not known up front
	Size() int64

	// Open returns a fresh reader over the content
	Open() (io.ReadCloser, error)
}

// BytesFile is an in-memory File
type BytesFile struct {
	FileName string
	Data     []byte
}

func (b *BytesFile) Name() string { return b.FileName }
func (b *BytesFile) Size() int64  { return int64(len(b.Data)) }

func (b *BytesFile) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(b.Data)), nil
}

// ReaderFile wraps a stream of unknown length. It can be opened once.
type ReaderFile struct {
	FileName string
	Reader   io.Reader
	opened   bool
}

func (r *ReaderFile) Name() string { return r.FileName }
func (r *ReaderFile) Size() int64  { return -1 }

func (r *ReaderFile) Open() (io.ReadCloser, error) {
	if r.opened {
		return nil, fmt.Errorf("reader for %s already consumed", r.FileName)
	}
	r.opened = true
	if rc, ok := r.Reader.(io.ReadCloser); ok {
		return rc, nil
	}
	return io.NopCloser(r.Reader), nil
}

// LocalFile is a File on disk
type LocalFile struct {
	path string
	size int64
}

// OpenLocalFile stats path and returns a File for it
func OpenLocalFile(path string) (*LocalFile, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat file: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}
	return &LocalFile{path: path, size: info.Size()}, nil
}

func (l *LocalFile) Name() string { return filepath.Base(l.path) }
func (l *LocalFile) Size() int64  { return l.size }

func (l *LocalFile) Open() (io.ReadCloser, error) {
	f, err := os.Open(l.path)
	if err != nil {
		return nil, fmt.Errorf("opening file: %w", err)
	}
	return f, nil
}

// ContentTypeFor guesses a MIME type from the file extension. Accepted
// document and image types are advisory; unknown extensions fall back to
// application/octet-stream.
func ContentTypeFor(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".tif", ".tiff":
		return "image/tiff"
	case ".webp":
		return "image/webp"
	case ".heic":
		return "image/heic"
	case ".heif":
		return "image/heif"
	case ".pdf":
		return "application/pdf"
	case ".doc":
		return "application/msword"
	case ".docx":
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	case ".txt":
		return "text/plain"
	default:
		return "application/octet-stream"
	}
}
