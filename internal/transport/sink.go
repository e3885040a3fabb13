package transport

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sheerbytes/transferq/internal/transfer"
)

const maxNameLength = 1024

var (
	// ErrInvalidName rejects names that are empty, absolute or escape their root.
	ErrInvalidName = errors.New("invalid name")
	// ErrNameTooLong rejects names longer than maxNameLength.
	ErrNameTooLong = errors.New("name too long")
)

// WriterAtCloser is an open destination for one attempt.
type WriterAtCloser interface {
	io.WriterAt
	io.Closer
}

// Sink stores delivered bytes. Transports open it once per attempt and
// close it when the attempt ends.
type Sink interface {
	Open(req transfer.Request) (WriterAtCloser, error)
}

// DirSink writes each item to Dir/<item name>. Existing files are never
// truncated so resumed attempts keep earlier bytes.
type DirSink struct {
	Dir string
}

// Open creates parent directories and opens the item's file for writing.
func (d DirSink) Open(req transfer.Request) (WriterAtCloser, error) {
	name := req.Name
	if name == "" {
		name = req.Handle.ItemID
	}
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	path := filepath.Join(d.Dir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("open output file: %w", err)
	}
	if req.TotalBytes > 0 {
		if fi, err := f.Stat(); err == nil && fi.Size() < req.TotalBytes {
			if err := f.Truncate(req.TotalBytes); err != nil {
				f.Close()
				return nil, fmt.Errorf("size output file: %w", err)
			}
		}
	}
	return f, nil
}

// ValidateName accepts slash separated relative names that stay inside
// their root.
func ValidateName(name string) error {
	if name == "" || strings.Contains(name, "\\") || strings.HasPrefix(name, "/") {
		return ErrInvalidName
	}
	if len(name) > maxNameLength {
		return ErrNameTooLong
	}
	for _, part := range strings.Split(name, "/") {
		if part == "" || part == "." || part == ".." {
			return ErrInvalidName
		}
	}
	return nil
}

// Discard drops everything written to it.
type Discard struct{}

// Open implements Sink.
func (Discard) Open(transfer.Request) (WriterAtCloser, error) {
	return discardWriter{}, nil
}

type discardWriter struct{}

func (discardWriter) WriteAt(p []byte, _ int64) (int, error) { return len(p), nil }
func (discardWriter) Close() error                          { return nil }
