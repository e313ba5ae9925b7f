// Package crypto provides the cryptographic primitives used by the credvault
// store.
//
// This package implements AES-256-GCM authenticated encryption, scrypt
// password-based key derivation and the fixed-length token encodings handed
// to callers.
//
// # Security Features
//
//   - AES-256-GCM authenticated encryption with a fresh 12-byte IV per call
//   - scrypt key derivation (N=2^17, r=8, p=1)
//   - Tag stored separately from the ciphertext so rows carry {iv, tag, ct}
//   - Strict length checks on decoded tokens
//   - Secure memory wiping for sensitive data
//
// # Example Usage
//
//	salt, _ := crypto.RandomBytes(crypto.SaltLength)
//	key, err := crypto.DeriveKey([]byte("password"), salt)
//
//	sealed, err := crypto.Encrypt(key, plaintext)
//	plaintext, err := crypto.Decrypt(key, sealed)
//
//	crypto.SecureWipe(key)
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"runtime"

	"golang.org/x/crypto/scrypt"
)

// scrypt parameters. Changing them invalidates nothing already stored only
// if the stored salt is re-derived with the same values, so they are fixed.
const (
	// ScryptN is the CPU/memory cost (2^17, about 128 MiB).
	ScryptN = 1 << 17

	// ScryptR is the block size.
	ScryptR = 8

	// ScryptP is the parallelization factor.
	ScryptP = 1

	// KeyLength is the length of encryption keys in bytes (256 bits).
	KeyLength = 32

	// SaltLength is the length of KDF salts in bytes.
	SaltLength = 16

	// IVLength is the length of GCM IVs in bytes (96 bits).
	IVLength = 12

	// TagLength is the length of GCM authentication tags in bytes.
	TagLength = 16
)

// Sentinel errors returned by crypto functions.
var (
	// ErrInvalidKeyLength indicates the key is not 32 bytes.
	ErrInvalidKeyLength = errors.New("crypto: invalid key length, must be 32 bytes")

	// ErrInvalidIVLength indicates the IV is not 12 bytes.
	ErrInvalidIVLength = errors.New("crypto: invalid iv length, must be 12 bytes")

	// ErrInvalidTagLength indicates the authentication tag is not 16 bytes.
	ErrInvalidTagLength = errors.New("crypto: invalid auth tag length, must be 16 bytes")

	// ErrAuthenticationFailed indicates the authentication tag did not verify:
	// wrong key or tampered ciphertext.
	ErrAuthenticationFailed = errors.New("crypto: authentication failed")
)

// KDFParams holds scrypt cost parameters.
type KDFParams struct {
	N int
	R int
	P int
}

// DefaultKDFParams are the parameters used for every stored vault.
var DefaultKDFParams = KDFParams{N: ScryptN, R: ScryptR, P: ScryptP}

// Sealed is the output of Encrypt. The three parts are stored in separate
// columns.
type Sealed struct {
	IV         []byte
	Tag        []byte
	Ciphertext []byte
}

// Wipe zeroes all three buffers.
func (s *Sealed) Wipe() {
	if s == nil {
		return
	}
	SecureWipe(s.IV)
	SecureWipe(s.Tag)
	SecureWipe(s.Ciphertext)
}

// DeriveKey derives a 256-bit key from a password with scrypt using
// DefaultKDFParams.
func DeriveKey(password, salt []byte) ([]byte, error) {
	return DeriveKeyWithParams(password, salt, DefaultKDFParams)
}

// DeriveKeyWithParams derives a 256-bit key with explicit scrypt parameters.
func DeriveKeyWithParams(password, salt []byte, p KDFParams) ([]byte, error) {
	key, err := scrypt.Key(password, salt, p.N, p.R, p.P, KeyLength)
	if err != nil {
		return nil, fmt.Errorf("crypto: failed to derive key: %w", err)
	}
	return key, nil
}

// Encrypt encrypts plaintext using AES-256-GCM.
//
// A new random 12-byte IV is generated on every call. The 16-byte tag that
// GCM appends is split off into Sealed.Tag.
func Encrypt(key, plaintext []byte) (*Sealed, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	iv := make([]byte, IVLength)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("crypto: failed to generate iv: %w", err)
	}

	out := gcm.Seal(nil, iv, plaintext, nil)
	split := len(out) - TagLength

	return &Sealed{
		IV:         iv,
		Tag:        out[split:],
		Ciphertext: out[:split:split],
	}, nil
}

// Decrypt verifies and decrypts a Sealed value.
//
// Any tag mismatch is reported as ErrAuthenticationFailed. No partial
// plaintext is returned on failure.
func Decrypt(key []byte, s *Sealed) ([]byte, error) {
	if s == nil {
		return nil, ErrAuthenticationFailed
	}
	if len(s.IV) != IVLength {
		return nil, ErrInvalidIVLength
	}
	if len(s.Tag) != TagLength {
		return nil, ErrInvalidTagLength
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, 0, len(s.Ciphertext)+TagLength)
	buf = append(buf, s.Ciphertext...)
	buf = append(buf, s.Tag...)

	plaintext, err := gcm.Open(nil, s.IV, buf, nil)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeyLength {
		return nil, ErrInvalidKeyLength
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: failed to create GCM: %w", err)
	}
	return gcm, nil
}

// RandomBytes returns n bytes from crypto/rand.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("crypto: failed to read random bytes: %w", err)
	}
	return b, nil
}

// RandomKey returns a new random 32-byte key.
func RandomKey() ([]byte, error) {
	return RandomBytes(KeyLength)
}

// SecureWipe overwrites a byte slice with zeros.
//
// runtime.KeepAlive keeps the compiler from eliding the writes.
func SecureWipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b)
}
