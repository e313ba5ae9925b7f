// Package backup seals vault snapshots into password- or key-protected
// archives and opens them again.
//
// An archive is the magic number, a length-prefixed JSON header, the
// AES-256-GCM sealed snapshot and an HMAC-SHA256 over everything before it.
// The encryption and MAC keys are expanded with HKDF from a scrypt key (or
// a 32-byte key file) under a salt generated for each archive.
package backup

import "errors"

var (
	ErrInvalidMagic       = errors.New("backup: not a credvault archive")
	ErrUnsupportedVersion = errors.New("backup: unsupported archive version")

	// ErrIntegrityFailed means the HMAC did not match: wrong password,
	// wrong key file or a modified archive.
	ErrIntegrityFailed = errors.New("backup: integrity check failed")

	ErrDecryptionFailed  = errors.New("backup: decryption failed")
	ErrInvalidKeyFile    = errors.New("backup: key file must be exactly 32 bytes")
	ErrEmptyPassword     = errors.New("backup: password cannot be empty")
	ErrNoCredentials     = errors.New("backup: a password or key file is required")
	ErrDestinationExists = errors.New("backup: destination already exists")
)
