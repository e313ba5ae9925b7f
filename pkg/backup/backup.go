package backup

import (
	"bytes"
	"context"
	"crypto/hmac"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/forest6511/credvault/pkg/crypto"
	"github.com/forest6511/credvault/pkg/vault"
)

// Create seals a consistent snapshot of v and writes the archive to w.
func Create(ctx context.Context, v *vault.Vault, w io.Writer, creds Credentials) (*Header, error) {
	tmp, err := os.MkdirTemp(filepath.Dir(v.Path()), ".backup-")
	if err != nil {
		return nil, fmt.Errorf("backup: failed to create temp directory: %w", err)
	}
	defer os.RemoveAll(tmp)

	snapshot := filepath.Join(tmp, "vault.db")
	if err := v.Backup(ctx, snapshot); err != nil {
		return nil, err
	}
	plaintext, err := os.ReadFile(snapshot)
	if err != nil {
		return nil, fmt.Errorf("backup: failed to read snapshot: %w", err)
	}
	defer crypto.SecureWipe(plaintext)

	h := &Header{
		Version:       FormatVersion,
		CreatedAt:     time.Now().UTC(),
		SchemaVersion: v.SchemaVersion(),
		Size:          int64(len(plaintext)),
	}
	data, err := seal(h, plaintext, creds)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("backup: failed to write archive: %w", err)
	}
	return h, nil
}

// CreateFile is Create writing to a new file at dest with mode 0600. A
// partial file is removed on failure.
func CreateFile(ctx context.Context, v *vault.Vault, dest string, creds Credentials) (h *Header, err error) {
	f, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, vault.FileMode)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("%w: %s", ErrDestinationExists, dest)
		}
		return nil, fmt.Errorf("backup: failed to create archive: %w", err)
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("backup: failed to close archive: %w", cerr)
		}
		if err != nil {
			os.Remove(dest)
		}
	}()
	return Create(ctx, v, f, creds)
}

func seal(h *Header, plaintext []byte, creds Credentials) ([]byte, error) {
	root, err := creds.rootKey(h, true)
	if err != nil {
		return nil, err
	}
	defer crypto.SecureWipe(root)

	if h.HKDFSalt, err = crypto.RandomBytes(SaltLength); err != nil {
		return nil, err
	}
	encKey, macKey, err := deriveKeys(root, h.HKDFSalt)
	if err != nil {
		return nil, err
	}
	defer crypto.SecureWipe(encKey)
	defer crypto.SecureWipe(macKey)

	sealed, err := crypto.Encrypt(encKey, plaintext)
	if err != nil {
		return nil, fmt.Errorf("backup: %w", err)
	}

	head, err := encodeHeader(h)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.Grow(len(head) + crypto.IVLength + crypto.TagLength + len(sealed.Ciphertext) + HMACLength)
	buf.Write(head)
	buf.Write(sealed.IV)
	buf.Write(sealed.Tag)
	buf.Write(sealed.Ciphertext)
	buf.Write(computeHMAC(buf.Bytes(), macKey))
	return buf.Bytes(), nil
}

// Inspect parses the header without checking the archive.
func Inspect(data []byte) (*Header, error) {
	h, _, err := decodeHeader(data)
	return h, err
}

// Open verifies the archive and returns the snapshot it holds. The caller
// should wipe the returned bytes.
func Open(data []byte, creds Credentials) (*Header, []byte, error) {
	h, n, err := decodeHeader(data)
	if err != nil {
		return nil, nil, err
	}
	if len(data) < n+crypto.IVLength+crypto.TagLength+HMACLength {
		return nil, nil, fmt.Errorf("%w: archive truncated", ErrIntegrityFailed)
	}

	root, err := creds.rootKey(h, false)
	if err != nil {
		return nil, nil, err
	}
	defer crypto.SecureWipe(root)
	encKey, macKey, err := deriveKeys(root, h.HKDFSalt)
	if err != nil {
		return nil, nil, err
	}
	defer crypto.SecureWipe(encKey)
	defer crypto.SecureWipe(macKey)

	body, mac := data[:len(data)-HMACLength], data[len(data)-HMACLength:]
	if !hmac.Equal(computeHMAC(body, macKey), mac) {
		return nil, nil, ErrIntegrityFailed
	}

	rest := body[n:]
	sealed := &crypto.Sealed{
		IV:         rest[:crypto.IVLength],
		Tag:        rest[crypto.IVLength : crypto.IVLength+crypto.TagLength],
		Ciphertext: rest[crypto.IVLength+crypto.TagLength:],
	}
	plaintext, err := crypto.Decrypt(encKey, sealed)
	if err != nil {
		return nil, nil, ErrDecryptionFailed
	}
	if int64(len(plaintext)) != h.Size {
		crypto.SecureWipe(plaintext)
		return nil, nil, fmt.Errorf("%w: size mismatch", ErrIntegrityFailed)
	}
	return h, plaintext, nil
}

// Extract opens the archive at src and writes the snapshot to dest, which
// must not exist.
func Extract(src, dest string, creds Credentials) (*Header, error) {
	data, err := os.ReadFile(src)
	if err != nil {
		return nil, fmt.Errorf("backup: failed to read archive: %w", err)
	}
	h, plaintext, err := Open(data, creds)
	if err != nil {
		return nil, err
	}
	defer crypto.SecureWipe(plaintext)

	f, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, vault.FileMode)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("%w: %s", ErrDestinationExists, dest)
		}
		return nil, fmt.Errorf("backup: failed to create %s: %w", dest, err)
	}
	if _, err := f.Write(plaintext); err != nil {
		f.Close()
		os.Remove(dest)
		return nil, fmt.Errorf("backup: failed to write snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(dest)
		return nil, fmt.Errorf("backup: failed to write snapshot: %w", err)
	}
	return h, nil
}
