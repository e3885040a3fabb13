package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

const (
	fileMagic   = "TQS1"
	fileVersion = uint16(1)
	headerLen   = 4 + 2 + 4
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// FileStore keeps the checkpoint in a single file framed with a magic,
// version, payload length and a trailing CRC32C. Writes go to a temp file
// that is renamed into place.
type FileStore struct {
	Path string
	mu   sync.Mutex
}

// NewFileStore returns a store writing to path.
func NewFileStore(path string) *FileStore {
	return &FileStore{Path: path}
}

// Save writes data atomically.
func (s *FileStore) Save(_ context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if dir := filepath.Dir(s.Path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	buf := new(bytes.Buffer)
	buf.Grow(headerLen + len(data) + 4)
	buf.WriteString(fileMagic)
	if err := binary.Write(buf, binary.BigEndian, fileVersion); err != nil {
		return err
	}
	if err := binary.Write(buf, binary.BigEndian, uint32(len(data))); err != nil {
		return err
	}
	buf.Write(data)
	crc := crc32.Checksum(buf.Bytes(), crc32cTable)
	if err := binary.Write(buf, binary.BigEndian, crc); err != nil {
		return err
	}

	temp := s.Path + ".tmp"
	if err := os.WriteFile(temp, buf.Bytes(), 0644); err != nil {
		return err
	}
	return os.Rename(temp, s.Path)
}

// Load reads and verifies the checkpoint.
func (s *FileStore) Load(_ context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNoState
	}
	if err != nil {
		return nil, err
	}
	if len(data) < headerLen+4 {
		return nil, fmt.Errorf("checkpoint too small")
	}
	if string(data[:4]) != fileMagic {
		return nil, fmt.Errorf("invalid checkpoint magic")
	}
	reader := bytes.NewReader(data[4:])
	var version uint16
	if err := binary.Read(reader, binary.BigEndian, &version); err != nil {
		return nil, err
	}
	if version != fileVersion {
		return nil, fmt.Errorf("unsupported checkpoint version %d", version)
	}
	var n uint32
	if err := binary.Read(reader, binary.BigEndian, &n); err != nil {
		return nil, err
	}
	if int(n) != len(data)-headerLen-4 {
		return nil, fmt.Errorf("checkpoint length mismatch")
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(reader, payload); err != nil {
		return nil, err
	}
	var crc uint32
	if err := binary.Read(reader, binary.BigEndian, &crc); err != nil {
		return nil, err
	}
	if checksum := crc32.Checksum(data[:len(data)-4], crc32cTable); checksum != crc {
		return nil, fmt.Errorf("checkpoint checksum mismatch")
	}
	return payload, nil
}

// Close is a no-op.
func (s *FileStore) Close() error {
	return nil
}
