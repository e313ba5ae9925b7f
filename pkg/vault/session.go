package vault

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/forest6511/credvault/pkg/audit"
	"github.com/forest6511/credvault/pkg/crypto"
)

// SessionInfo is session metadata.
type SessionInfo struct {
	ID        string
	ExpiresAt time.Time
}

// CreateSession wraps masterKey under a fresh session key and returns
// base64(id || sessionKey). The session key is never stored. Expired
// sessions are deleted as a side effect.
//
// A non-positive duration produces a session that is already expired.
func (v *Vault) CreateSession(ctx context.Context, masterKey []byte, d time.Duration) (token string, err error) {
	var id uuid.UUID
	defer func() { v.record(audit.OpSessionCreate, sessionSubject(id), err) }()

	id, err = uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("vault: failed to generate session id: %w", err)
	}
	sessionKey, err := crypto.RandomKey()
	if err != nil {
		return "", err
	}
	defer crypto.SecureWipe(sessionKey)

	sealed, err := crypto.Encrypt(sessionKey, masterKey)
	if err != nil {
		return "", fmt.Errorf("vault: failed to wrap master key: %w", err)
	}

	now := v.now()
	expiresAt := now.Add(d)

	var purged int64
	err = v.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := checkMasterKey(ctx, tx, masterKey); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= ?`, now.UnixMilli())
		if err != nil {
			return fmt.Errorf("vault: failed to purge expired sessions: %w", err)
		}
		purged, _ = res.RowsAffected()

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO sessions (`+sessionColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
			id.String(), sealed.IV, sealed.Tag, sealed.Ciphertext, expiresAt.UnixMilli(), now.UnixMilli()); err != nil {
			return fmt.Errorf("vault: failed to store session: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	v.log.Info().
		Str("session", sessionSubject(id)).
		Time("expires_at", expiresAt).
		Int64("expired_purged", purged).
		Msg("session created")
	return crypto.EncodeSessionToken(id[:], sessionKey)
}

// GetMasterKeyFromSession redeems a session token. Expiry is checked before
// any decryption, so an expired session reports ErrSessionExpired and never
// an authentication failure.
func (v *Vault) GetMasterKeyFromSession(ctx context.Context, token string) (key []byte, err error) {
	id, sessionKey, err := decodeSessionToken(token)
	if err != nil {
		return nil, err
	}
	defer crypto.SecureWipe(sessionKey)
	defer func() { v.record(audit.OpSessionRedeem, sessionSubject(id), err) }()

	row, err := v.getSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if !v.now().Before(time.UnixMilli(row.ExpiresAt)) {
		return nil, ErrSessionExpired
	}

	return unwrapKey(sessionKey, row.sealed(), "session")
}

// GetSessionExpiry returns the session's expiry without decrypting anything.
func (v *Vault) GetSessionExpiry(ctx context.Context, token string) (*SessionInfo, error) {
	id, sessionKey, err := decodeSessionToken(token)
	if err != nil {
		return nil, err
	}
	crypto.SecureWipe(sessionKey)

	row, err := v.getSession(ctx, id)
	if err != nil {
		return nil, err
	}
	return &SessionInfo{ID: id.String(), ExpiresAt: time.UnixMilli(row.ExpiresAt)}, nil
}

// DeleteSession revokes a session.
func (v *Vault) DeleteSession(ctx context.Context, token string) (err error) {
	id, sessionKey, err := decodeSessionToken(token)
	if err != nil {
		return err
	}
	crypto.SecureWipe(sessionKey)
	defer func() { v.record(audit.OpSessionDelete, sessionSubject(id), err) }()

	res, err := v.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("vault: failed to delete session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("vault: failed to delete session: %w", err)
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// decodeSessionToken validates the token length before anything touches
// the database.
func decodeSessionToken(token string) (uuid.UUID, []byte, error) {
	idBytes, sessionKey, err := crypto.DecodeSessionToken(token)
	if err != nil {
		return uuid.Nil, nil, fmt.Errorf("%w: session token must decode to %d bytes", ErrInvalidToken, crypto.SessionTokenLength)
	}
	id, err := uuid.FromBytes(idBytes)
	if err != nil {
		crypto.SecureWipe(sessionKey)
		return uuid.Nil, nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return id, sessionKey, nil
}

func (v *Vault) getSession(ctx context.Context, id uuid.UUID) (*sessionRow, error) {
	var row sessionRow
	err := v.db.GetContext(ctx, &row, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id.String())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("vault: failed to read session: %w", err)
	}
	return &row, nil
}

// sessionSubject is the short id prefix used in logs and audit records.
func sessionSubject(id uuid.UUID) string {
	if id == uuid.Nil {
		return ""
	}
	return id.String()[:8]
}
