package backup

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// MagicNumber starts every archive.
var MagicNumber = [8]byte{'C', 'V', 'L', 'T', '_', 'B', 'K', 'P'}

// FormatVersion is the archive layout written by Create.
const FormatVersion = 1

// maxHeaderSize bounds the header read from untrusted input.
const maxHeaderSize = 64 * 1024

// Mode records which secret protects an archive.
type Mode string

const (
	ModePassword Mode = "password"
	ModeKeyFile  Mode = "key"
)

// KDFParams are the scrypt parameters and salt of a password archive.
type KDFParams struct {
	Salt []byte `json:"salt"`
	N    int    `json:"n"`
	R    int    `json:"r"`
	P    int    `json:"p"`
}

// Header describes an archive. It is authenticated by the trailing HMAC but
// not encrypted.
type Header struct {
	Version       int        `json:"version"`
	CreatedAt     time.Time  `json:"created_at"`
	SchemaVersion uint       `json:"schema_version"`
	Mode          Mode       `json:"mode"`
	KDF           *KDFParams `json:"kdf,omitempty"`
	// HKDFSalt separates the keys of archives sealed with the same key file.
	HKDFSalt []byte `json:"hkdf_salt"`
	Size     int64  `json:"size"`
}

func encodeHeader(h *Header) ([]byte, error) {
	body, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("backup: failed to marshal header: %w", err)
	}
	var buf bytes.Buffer
	buf.Write(MagicNumber[:])
	if err := binary.Write(&buf, binary.BigEndian, uint32(len(body))); err != nil {
		return nil, err
	}
	buf.Write(body)
	return buf.Bytes(), nil
}

// decodeHeader parses the header at the start of data and returns it with
// the number of bytes it occupied.
func decodeHeader(data []byte) (*Header, int, error) {
	r := bytes.NewReader(data)

	var magic [8]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil || magic != MagicNumber {
		return nil, 0, ErrInvalidMagic
	}

	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, 0, fmt.Errorf("backup: failed to read header length: %w", err)
	}
	if n > maxHeaderSize {
		return nil, 0, fmt.Errorf("backup: header too large: %d bytes", n)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, 0, fmt.Errorf("backup: failed to read header: %w", err)
	}

	var h Header
	if err := json.Unmarshal(body, &h); err != nil {
		return nil, 0, fmt.Errorf("backup: failed to unmarshal header: %w", err)
	}
	if h.Version < 1 || h.Version > FormatVersion {
		return nil, 0, fmt.Errorf("%w: got %d, max supported %d", ErrUnsupportedVersion, h.Version, FormatVersion)
	}
	return &h, len(MagicNumber) + 4 + int(n), nil
}

// IsArchive reports whether data starts with the archive magic number.
func IsArchive(data []byte) bool {
	return len(data) >= len(MagicNumber) && bytes.Equal(data[:len(MagicNumber)], MagicNumber[:])
}
