package backup

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/hkdf"

	"github.com/forest6511/credvault/pkg/crypto"
)

const (
	SaltLength = 32
	HMACLength = sha256.Size
)

const (
	hkdfInfoEncryption = "credvault-backup-encryption"
	hkdfInfoMAC        = "credvault-backup-mac"
)

// Credentials unlock an archive. KeyFile takes precedence over Password.
type Credentials struct {
	Password []byte
	KeyFile  string
	// KDF overrides crypto.DefaultKDFParams when sealing with a password.
	KDF *crypto.KDFParams
}

// rootKey returns the secret both subkeys are expanded from. For a password
// archive being created it fills h.KDF.
func (c Credentials) rootKey(h *Header, sealing bool) ([]byte, error) {
	if c.KeyFile != "" {
		if sealing {
			h.Mode = ModeKeyFile
		}
		return ReadKeyFile(c.KeyFile)
	}
	if c.Password == nil {
		return nil, ErrNoCredentials
	}
	if len(c.Password) == 0 {
		return nil, ErrEmptyPassword
	}

	if sealing {
		params := crypto.DefaultKDFParams
		if c.KDF != nil {
			params = *c.KDF
		}
		salt, err := crypto.RandomBytes(SaltLength)
		if err != nil {
			return nil, err
		}
		h.Mode = ModePassword
		h.KDF = &KDFParams{Salt: salt, N: params.N, R: params.R, P: params.P}
	}
	if h.Mode != ModePassword || h.KDF == nil {
		return nil, fmt.Errorf("%w: archive was sealed with a key file", ErrNoCredentials)
	}
	return crypto.DeriveKeyWithParams(c.Password, h.KDF.Salt,
		crypto.KDFParams{N: h.KDF.N, R: h.KDF.R, P: h.KDF.P})
}

// deriveKeys expands root into independent encryption and MAC keys.
func deriveKeys(root, salt []byte) (encKey, macKey []byte, err error) {
	if encKey, err = deriveHKDF(root, salt, hkdfInfoEncryption); err != nil {
		return nil, nil, err
	}
	if macKey, err = deriveHKDF(root, salt, hkdfInfoMAC); err != nil {
		crypto.SecureWipe(encKey)
		return nil, nil, err
	}
	return encKey, macKey, nil
}

func deriveHKDF(secret, salt []byte, info string) ([]byte, error) {
	key := make([]byte, crypto.KeyLength)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("backup: failed to derive key: %w", err)
	}
	return key, nil
}

func computeHMAC(data, key []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

// ReadKeyFile reads a 32-byte archive key.
func ReadKeyFile(path string) ([]byte, error) {
	key, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("backup: failed to read key file: %w", err)
	}
	if len(key) != crypto.KeyLength {
		crypto.SecureWipe(key)
		return nil, ErrInvalidKeyFile
	}
	return key, nil
}

// GenerateKeyFile writes a new random key to path with mode 0600. An
// existing file is never overwritten.
func GenerateKeyFile(path string) error {
	key, err := crypto.RandomKey()
	if err != nil {
		return err
	}
	defer crypto.SecureWipe(key)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("backup: failed to create key file: %w", err)
	}
	if _, err := f.Write(key); err != nil {
		f.Close()
		return fmt.Errorf("backup: failed to write key file: %w", err)
	}
	return f.Close()
}
