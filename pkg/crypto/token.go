package crypto

import (
	"encoding/base64"
	"errors"
	"strings"
)

const (
	// SessionIDLength is the length of the session id prefix of a session token.
	SessionIDLength = 16

	// ProjectTokenLength is the decoded length of a project token.
	ProjectTokenLength = KeyLength

	// SessionTokenLength is the decoded length of a session token.
	SessionTokenLength = SessionIDLength + KeyLength
)

// ErrInvalidToken indicates a token that is not valid base64 or does not
// decode to the expected length.
var ErrInvalidToken = errors.New("crypto: invalid token")

// EncodeProjectToken returns the exportable form of a project key.
func EncodeProjectToken(projectKey []byte) (string, error) {
	if len(projectKey) != KeyLength {
		return "", ErrInvalidKeyLength
	}
	return base64.StdEncoding.EncodeToString(projectKey), nil
}

// DecodeProjectToken parses a project token into the raw project key.
// The decoded length must be exactly ProjectTokenLength.
func DecodeProjectToken(token string) ([]byte, error) {
	return decodeFixed(token, ProjectTokenLength)
}

// EncodeSessionToken returns base64(id || sessionKey).
func EncodeSessionToken(id, sessionKey []byte) (string, error) {
	if len(id) != SessionIDLength {
		return "", ErrInvalidToken
	}
	if len(sessionKey) != KeyLength {
		return "", ErrInvalidKeyLength
	}

	raw := make([]byte, 0, SessionTokenLength)
	raw = append(raw, id...)
	raw = append(raw, sessionKey...)
	defer SecureWipe(raw)

	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeSessionToken splits a session token into its id and session key.
// The decoded length must be exactly SessionTokenLength.
func DecodeSessionToken(token string) (id, sessionKey []byte, err error) {
	raw, err := decodeFixed(token, SessionTokenLength)
	if err != nil {
		return nil, nil, err
	}
	return raw[:SessionIDLength:SessionIDLength], raw[SessionIDLength:], nil
}

func decodeFixed(token string, want int) ([]byte, error) {
	token = strings.TrimSpace(token)
	if base64.StdEncoding.DecodedLen(len(token)) < want {
		return nil, ErrInvalidToken
	}

	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return nil, ErrInvalidToken
	}
	if len(raw) != want {
		SecureWipe(raw)
		return nil, ErrInvalidToken
	}
	return raw, nil
}
