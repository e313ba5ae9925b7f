package vault

import (
	"errors"
	"fmt"
)

// Error kinds. Callers discriminate with errors.Is; the specific errors
// below wrap exactly one kind.
var (
	ErrNotInitialized       = errors.New("vault: not initialized")
	ErrAlreadyInitialized   = errors.New("vault: already initialized")
	ErrAuthenticationFailed = errors.New("vault: authentication failed")
	ErrNotFound             = errors.New("vault: not found")
	ErrAlreadyExists        = errors.New("vault: already exists")
	ErrCorrupted            = errors.New("vault: corrupted")
	ErrSessionExpired       = errors.New("vault: session expired")
	ErrInvalidToken         = errors.New("vault: invalid token")
)

var (
	ErrInvalidPassword = fmt.Errorf("%w: invalid password", ErrAuthenticationFailed)

	ErrProjectNotFound = fmt.Errorf("%w: project", ErrNotFound)
	ErrDetailNotFound  = fmt.Errorf("%w: detail", ErrNotFound)
	ErrSessionNotFound = fmt.Errorf("%w: session", ErrNotFound)

	ErrProjectExists = fmt.Errorf("%w: project", ErrAlreadyExists)
)

// Validation errors.
var (
	ErrInvalidName      = errors.New("vault: invalid name")
	ErrValueTooLarge    = errors.New("vault: value too large")
	ErrSamePassword     = errors.New("vault: new password must differ from the current one")
	ErrBackupExists     = errors.New("vault: backup destination already exists")
	ErrInsufficientDisk = errors.New("vault: insufficient disk space")
)

// ErrorCode maps an error to the short code recorded in the audit log and
// shown by the CLI.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotInitialized):
		return "NOT_INITIALIZED"
	case errors.Is(err, ErrAlreadyInitialized):
		return "ALREADY_INITIALIZED"
	case errors.Is(err, ErrAuthenticationFailed):
		return "AUTH_FAILED"
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrAlreadyExists):
		return "ALREADY_EXISTS"
	case errors.Is(err, ErrCorrupted):
		return "CORRUPTED"
	case errors.Is(err, ErrSessionExpired):
		return "EXPIRED"
	case errors.Is(err, ErrInvalidToken):
		return "INVALID_TOKEN"
	case errors.Is(err, ErrInvalidName), errors.Is(err, ErrValueTooLarge), errors.Is(err, ErrSamePassword):
		return "INVALID_INPUT"
	default:
		return "INTERNAL"
	}
}
