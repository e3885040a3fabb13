// Package quicrange moves byte ranges of named content over QUIC. Each
// request uses its own bidirectional stream:
//
//	request:  "TQR1" | keyLen uint16 | key | offset uint64 | length uint64
//	response: status uint8 | msgLen uint16 | msg | data[length] | crc32 uint32
//
// Integers are big endian. Data and checksum follow only when status is OK.
package quicrange

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/sheerbytes/transferq/internal/transport"
)

const (
	magic = "TQR1"

	maxKeyLength     = 1024
	maxMessageLength = 1024
)

// Response status codes.
const (
	StatusOK byte = iota
	StatusNotFound
	StatusBadRequest
	StatusRange
	StatusInternal
)

var (
	// ErrInvalidMagic means the peer does not speak this protocol.
	ErrInvalidMagic = errors.New("invalid magic bytes")
	// ErrChecksum means the received range does not match the source's checksum.
	ErrChecksum = errors.New("range checksum mismatch")
	// ErrNotFound is returned when the source does not hold the key.
	ErrNotFound = errors.New("content not found")
	// ErrRange is returned when the requested range exceeds the content.
	ErrRange = errors.New("range not satisfiable")
)

// rangeRequest is the header a client sends on a fresh stream.
type rangeRequest struct {
	Key    string
	Offset int64
	Length int64
}

func writeRequest(w io.Writer, req rangeRequest) error {
	if err := transport.ValidateName(req.Key); err != nil {
		return err
	}
	if req.Offset < 0 || req.Length < 0 {
		return fmt.Errorf("negative range %d+%d", req.Offset, req.Length)
	}
	buf := make([]byte, 0, len(magic)+2+len(req.Key)+16)
	buf = append(buf, magic...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(req.Key)))
	buf = append(buf, req.Key...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(req.Offset))
	buf = binary.BigEndian.AppendUint64(buf, uint64(req.Length))
	_, err := w.Write(buf)
	return err
}

func readRequest(r io.Reader) (rangeRequest, error) {
	var hdr [len(magic) + 2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return rangeRequest{}, fmt.Errorf("read header: %w", err)
	}
	if string(hdr[:len(magic)]) != magic {
		return rangeRequest{}, ErrInvalidMagic
	}
	keyLen := binary.BigEndian.Uint16(hdr[len(magic):])
	if keyLen > maxKeyLength {
		return rangeRequest{}, transport.ErrNameTooLong
	}
	rest := make([]byte, int(keyLen)+16)
	if _, err := io.ReadFull(r, rest); err != nil {
		return rangeRequest{}, fmt.Errorf("read request: %w", err)
	}
	req := rangeRequest{
		Key:    string(rest[:keyLen]),
		Offset: int64(binary.BigEndian.Uint64(rest[keyLen:])),
		Length: int64(binary.BigEndian.Uint64(rest[keyLen+8:])),
	}
	if err := transport.ValidateName(req.Key); err != nil {
		return rangeRequest{}, err
	}
	if req.Offset < 0 || req.Length < 0 {
		return rangeRequest{}, fmt.Errorf("negative range %d+%d", req.Offset, req.Length)
	}
	return req, nil
}

func writeStatus(w io.Writer, status byte, msg string) error {
	if len(msg) > maxMessageLength {
		msg = msg[:maxMessageLength]
	}
	buf := make([]byte, 0, 3+len(msg))
	buf = append(buf, status)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(msg)))
	buf = append(buf, msg...)
	_, err := w.Write(buf)
	return err
}

// readStatus returns nil for StatusOK and a descriptive error otherwise.
func readStatus(r io.Reader) error {
	var hdr [3]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return fmt.Errorf("read status: %w", err)
	}
	n := binary.BigEndian.Uint16(hdr[1:])
	if n > maxMessageLength {
		return fmt.Errorf("status message too long: %d", n)
	}
	msg := make([]byte, n)
	if _, err := io.ReadFull(r, msg); err != nil {
		return fmt.Errorf("read status message: %w", err)
	}
	switch hdr[0] {
	case StatusOK:
		return nil
	case StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, msg)
	case StatusRange:
		return fmt.Errorf("%w: %s", ErrRange, msg)
	default:
		return fmt.Errorf("source error %d: %s", hdr[0], msg)
	}
}
