// Package vault stores operator credentials under envelope encryption.
//
// A single operator password derives the master key (scrypt over a stored
// salt). Every project owns a random 32-byte key wrapped by the master key,
// and every detail (secret) is encrypted under its own data-encryption key
// (DEK) which is wrapped twice: once under the master key for the admin path
// and once under the project key for the automation path. Rotating a project
// or changing the password therefore rewraps keys only; value ciphertext is
// never touched.
//
// The store is a single SQLite file owned by one process at a time. Key
// material is passed explicitly to each operation and never cached on the
// Vault.
package vault

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/text/unicode/norm"

	"github.com/forest6511/credvault/pkg/audit"
	"github.com/forest6511/credvault/pkg/crypto"

	_ "modernc.org/sqlite"
)

const (
	driverName = "sqlite"

	FileMode = 0600
	DirMode  = 0700

	// MaxNameLength bounds project names and detail keys.
	MaxNameLength = 256
	// MaxValueSize bounds a single detail value (1 MiB).
	MaxValueSize = 1024 * 1024

	// MinDiskSpaceBytes is the free space required before writes that
	// create files (initialize, backup).
	MinDiskSpaceBytes = 10 * 1024 * 1024

	configSalt          = "salt"
	configPasswordCheck = "password_check"

	passwordCheckMagic = "credvault:password-check:v1"

	tracerName = "github.com/forest6511/credvault/pkg/vault"
)

// Vault is an open credential store.
type Vault struct {
	path          string
	db            *sqlx.DB
	schemaVersion uint

	log    zerolog.Logger
	audit  *audit.Logger
	tracer trace.Tracer
	now    func() time.Time
	kdf    crypto.KDFParams
}

// Option configures a Vault at Open.
type Option func(*Vault)

// WithLogger sets the structured logger. Default is zerolog.Nop().
func WithLogger(log zerolog.Logger) Option {
	return func(v *Vault) { v.log = log.With().Str("component", "vault").Logger() }
}

// WithAuditLogger records every operation to an audit log.
func WithAuditLogger(l *audit.Logger) Option {
	return func(v *Vault) { v.audit = l }
}

// WithClock overrides time.Now for session expiry and timestamps.
func WithClock(now func() time.Time) Option {
	return func(v *Vault) { v.now = now }
}

// WithTracerProvider sets the OpenTelemetry provider. Default is the global one.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(v *Vault) { v.tracer = tp.Tracer(tracerName) }
}

// WithKDFParams overrides the scrypt cost. The parameters are not stored,
// so a vault must always be opened with the ones it was initialized with.
// Only tests should lower them.
func WithKDFParams(p crypto.KDFParams) Option {
	return func(v *Vault) { v.kdf = p }
}

// Open opens the store at path, creating the file and schema if needed.
// Opening an existing store is safe and leaves its data untouched.
func Open(ctx context.Context, path string, opts ...Option) (*Vault, error) {
	if path == "" {
		return nil, errors.New("vault: empty path")
	}

	if err := os.MkdirAll(filepath.Dir(path), DirMode); err != nil {
		return nil, fmt.Errorf("vault: failed to create vault directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, FileMode)
	if err != nil {
		return nil, fmt.Errorf("vault: failed to create database file: %w", err)
	}
	f.Close()

	dsn := path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_txlock=immediate"

	version, err := migrateSchema(dsn)
	if err != nil {
		return nil, err
	}

	db, err := sqlx.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("vault: failed to open database: %w", err)
	}
	// One connection: savepoints and PRAGMAs are per connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("vault: failed to open database: %w", err)
	}

	v := &Vault{
		path:          path,
		db:            db,
		schemaVersion: version,
		log:           zerolog.Nop(),
		tracer:        otel.Tracer(tracerName),
		now:           time.Now,
		kdf:           crypto.DefaultKDFParams,
	}
	for _, opt := range opts {
		opt(v)
	}

	v.log.Debug().Str("path", path).Uint("schema_version", version).Msg("vault opened")
	return v, nil
}

// Close releases the database handle.
func (v *Vault) Close() error {
	return v.db.Close()
}

// Path returns the database file path.
func (v *Vault) Path() string {
	return v.path
}

// SchemaVersion returns the migration version the store is at.
func (v *Vault) SchemaVersion() uint {
	return v.schemaVersion
}

// IsInitialized reports whether a salt record exists.
func (v *Vault) IsInitialized(ctx context.Context) (bool, error) {
	var n int
	if err := v.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM config WHERE key = ?`, configSalt); err != nil {
		return false, fmt.Errorf("vault: failed to read config: %w", err)
	}
	return n > 0, nil
}

// Initialize creates the salt and password-check records.
func (v *Vault) Initialize(ctx context.Context, password string) (err error) {
	ctx, span := v.tracer.Start(ctx, "vault.Initialize")
	defer func() {
		endSpan(span, err)
		v.record(audit.OpVaultInit, "", err)
	}()

	initialized, err := v.IsInitialized(ctx)
	if err != nil {
		return err
	}
	if initialized {
		return ErrAlreadyInitialized
	}
	if err := v.checkDiskSpaceForWrite(0); err != nil {
		return err
	}

	salt, err := crypto.RandomBytes(crypto.SaltLength)
	if err != nil {
		return err
	}
	key, err := v.deriveKey(ctx, password, salt)
	if err != nil {
		return err
	}
	defer crypto.SecureWipe(key)

	check, err := crypto.Encrypt(key, []byte(passwordCheckMagic))
	if err != nil {
		return fmt.Errorf("vault: failed to encrypt password check: %w", err)
	}

	err = v.inTx(ctx, func(tx *sqlx.Tx) error {
		var n int
		if err := tx.GetContext(ctx, &n, `SELECT COUNT(*) FROM config WHERE key = ?`, configSalt); err != nil {
			return fmt.Errorf("vault: failed to read config: %w", err)
		}
		if n > 0 {
			return ErrAlreadyInitialized
		}
		return writeConfig(ctx, tx, salt, check)
	})
	if err != nil {
		return err
	}

	v.log.Info().Msg("vault initialized")
	return nil
}

// DeriveMasterKey verifies password and returns the master key. The caller
// owns the returned slice and should wipe it when done.
func (v *Vault) DeriveMasterKey(ctx context.Context, password string) (key []byte, err error) {
	ctx, span := v.tracer.Start(ctx, "vault.DeriveMasterKey")
	defer func() {
		endSpan(span, err)
		if err != nil && errors.Is(err, ErrAuthenticationFailed) {
			v.record(audit.OpVaultUnlockFailed, "", err)
		} else {
			v.record(audit.OpVaultUnlock, "", err)
		}
	}()

	cfg, err := loadConfig(ctx, v.db)
	if err != nil {
		return nil, err
	}

	key, err = v.deriveKey(ctx, password, cfg.salt)
	if err != nil {
		return nil, err
	}
	if err := verifyPasswordCheck(key, cfg.check); err != nil {
		crypto.SecureWipe(key)
		return nil, err
	}
	return key, nil
}

// ChangePassword re-derives the master key under a new salt and rewraps
// every master-dependent record in one transaction. All sessions are
// deleted. On any failure the store is left exactly as it was.
func (v *Vault) ChangePassword(ctx context.Context, oldPassword, newPassword string) (err error) {
	ctx, span := v.tracer.Start(ctx, "vault.ChangePassword")
	defer func() {
		endSpan(span, err)
		v.record(audit.OpVaultPasswordChange, "", err)
	}()

	cfg, err := loadConfig(ctx, v.db)
	if err != nil {
		return err
	}
	oldKey, err := v.deriveKey(ctx, oldPassword, cfg.salt)
	if err != nil {
		return err
	}
	defer crypto.SecureWipe(oldKey)
	if err := verifyPasswordCheck(oldKey, cfg.check); err != nil {
		return err
	}

	if norm.NFC.String(oldPassword) == norm.NFC.String(newPassword) {
		return ErrSamePassword
	}

	newSalt, err := crypto.RandomBytes(crypto.SaltLength)
	if err != nil {
		return err
	}
	newKey, err := v.deriveKey(ctx, newPassword, newSalt)
	if err != nil {
		return err
	}
	defer crypto.SecureWipe(newKey)

	newCheck, err := crypto.Encrypt(newKey, []byte(passwordCheckMagic))
	if err != nil {
		return fmt.Errorf("vault: failed to encrypt password check: %w", err)
	}

	var projects, details, sessions int64
	err = v.inTx(ctx, func(tx *sqlx.Tx) error {
		// The store may have changed since the unlocked read above.
		current, err := loadConfig(ctx, tx)
		if err != nil {
			return err
		}
		if err := verifyPasswordCheck(oldKey, current.check); err != nil {
			return err
		}

		if err := savepoint(ctx, tx, "rewrap_config", func() error {
			if _, err := tx.ExecContext(ctx, `DELETE FROM config`); err != nil {
				return fmt.Errorf("vault: failed to clear config: %w", err)
			}
			return writeConfig(ctx, tx, newSalt, newCheck)
		}); err != nil {
			return err
		}

		if err := savepoint(ctx, tx, "rewrap_projects", func() error {
			n, err := rewrapProjectKeys(ctx, tx, oldKey, newKey, v.now())
			projects = n
			return err
		}); err != nil {
			return err
		}

		if err := savepoint(ctx, tx, "rewrap_details", func() error {
			n, err := rewrapMasterDEKs(ctx, tx, oldKey, newKey)
			details = n
			return err
		}); err != nil {
			return err
		}

		return savepoint(ctx, tx, "drop_sessions", func() error {
			res, err := tx.ExecContext(ctx, `DELETE FROM sessions`)
			if err != nil {
				return fmt.Errorf("vault: failed to delete sessions: %w", err)
			}
			sessions, _ = res.RowsAffected()
			return nil
		})
	})
	if err != nil {
		return err
	}

	v.log.Info().
		Int64("projects", projects).
		Int64("details", details).
		Int64("sessions_revoked", sessions).
		Msg("master password changed")
	return nil
}

func rewrapProjectKeys(ctx context.Context, tx *sqlx.Tx, oldKey, newKey []byte, now time.Time) (int64, error) {
	var rows []projectRow
	if err := tx.SelectContext(ctx, &rows, `SELECT `+projectColumns+` FROM projects ORDER BY name`); err != nil {
		return 0, fmt.Errorf("vault: failed to read projects: %w", err)
	}

	for i := range rows {
		row := &rows[i]
		pk, err := unwrapKey(oldKey, row.sealedKey(), "project "+row.Name)
		if err != nil {
			return 0, err
		}
		sealed, err := crypto.Encrypt(newKey, pk)
		crypto.SecureWipe(pk)
		if err != nil {
			return 0, fmt.Errorf("vault: failed to wrap project key: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE projects SET key_iv = ?, key_auth_tag = ?, key_ciphertext = ?, updated_at = ? WHERE name = ?`,
			sealed.IV, sealed.Tag, sealed.Ciphertext, now.UnixMilli(), row.Name); err != nil {
			return 0, fmt.Errorf("vault: failed to update project %s: %w", row.Name, err)
		}
	}
	return int64(len(rows)), nil
}

func rewrapMasterDEKs(ctx context.Context, tx *sqlx.Tx, oldKey, newKey []byte) (int64, error) {
	var rows []detailRow
	if err := tx.SelectContext(ctx, &rows, `SELECT `+detailColumns+` FROM details ORDER BY project, key`); err != nil {
		return 0, fmt.Errorf("vault: failed to read details: %w", err)
	}

	for i := range rows {
		row := &rows[i]
		dek, err := unwrapKey(oldKey, row.masterDEK(), "detail "+row.subject())
		if err != nil {
			return 0, err
		}
		sealed, err := crypto.Encrypt(newKey, dek)
		crypto.SecureWipe(dek)
		if err != nil {
			return 0, fmt.Errorf("vault: failed to wrap detail key: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE details SET master_dek_iv = ?, master_dek_auth_tag = ?, master_dek_ciphertext = ?
			 WHERE project = ? AND key = ?`,
			sealed.IV, sealed.Tag, sealed.Ciphertext, row.Project, row.Key); err != nil {
			return 0, fmt.Errorf("vault: failed to update detail %s: %w", row.subject(), err)
		}
	}
	return int64(len(rows)), nil
}

// deriveKey normalises the password to NFC so the same passphrase typed on
// different platforms derives the same key.
func (v *Vault) deriveKey(ctx context.Context, password string, salt []byte) ([]byte, error) {
	_, span := v.tracer.Start(ctx, "vault.kdf")
	defer span.End()

	pw := []byte(norm.NFC.String(password))
	defer crypto.SecureWipe(pw)

	start := time.Now()
	key, err := crypto.DeriveKeyWithParams(pw, salt, v.kdf)
	if err != nil {
		return nil, err
	}
	v.log.Debug().Dur("elapsed", time.Since(start)).Msg("master key derived")
	return key, nil
}

type vaultConfig struct {
	salt  []byte
	check *crypto.Sealed
}

// loadConfig distinguishes a store that was never initialized (no salt)
// from one missing its companion check record (corrupted).
func loadConfig(ctx context.Context, q sqlx.QueryerContext) (*vaultConfig, error) {
	var rows []configRow
	if err := sqlx.SelectContext(ctx, q, &rows, `SELECT key, iv, auth_tag, ciphertext FROM config`); err != nil {
		return nil, fmt.Errorf("vault: failed to read config: %w", err)
	}

	cfg := &vaultConfig{}
	for i := range rows {
		switch rows[i].Key {
		case configSalt:
			cfg.salt = rows[i].Ciphertext
		case configPasswordCheck:
			cfg.check = rows[i].sealed()
		}
	}

	switch {
	case cfg.salt == nil:
		return nil, ErrNotInitialized
	case len(cfg.salt) != crypto.SaltLength:
		return nil, fmt.Errorf("%w: salt has length %d", ErrCorrupted, len(cfg.salt))
	case cfg.check == nil:
		return nil, fmt.Errorf("%w: password check record missing", ErrCorrupted)
	}
	return cfg, nil
}

func writeConfig(ctx context.Context, tx *sqlx.Tx, salt []byte, check *crypto.Sealed) error {
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO config (key, iv, auth_tag, ciphertext) VALUES (?, NULL, NULL, ?)`,
		configSalt, salt); err != nil {
		return fmt.Errorf("vault: failed to write salt: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO config (key, iv, auth_tag, ciphertext) VALUES (?, ?, ?, ?)`,
		configPasswordCheck, check.IV, check.Tag, check.Ciphertext); err != nil {
		return fmt.Errorf("vault: failed to write password check: %w", err)
	}
	return nil
}

// verifyPasswordCheck reports any AEAD failure or magic mismatch as a wrong
// password.
func verifyPasswordCheck(key []byte, check *crypto.Sealed) error {
	plain, err := crypto.Decrypt(key, check)
	switch {
	case errors.Is(err, crypto.ErrInvalidIVLength), errors.Is(err, crypto.ErrInvalidTagLength):
		return fmt.Errorf("%w: password check record: %v", ErrCorrupted, err)
	case err != nil:
		return ErrInvalidPassword
	}
	defer crypto.SecureWipe(plain)

	if subtle.ConstantTimeCompare(plain, []byte(passwordCheckMagic)) != 1 {
		return ErrInvalidPassword
	}
	return nil
}

// checkMasterKey confirms masterKey is the store's current master key.
func checkMasterKey(ctx context.Context, q sqlx.QueryerContext, masterKey []byte) error {
	cfg, err := loadConfig(ctx, q)
	if err != nil {
		return err
	}
	if err := verifyPasswordCheck(masterKey, cfg.check); err != nil {
		if errors.Is(err, ErrInvalidPassword) {
			return fmt.Errorf("%w: master key", ErrAuthenticationFailed)
		}
		return err
	}
	return nil
}

// openSealed maps crypto failures onto vault error kinds.
func openSealed(key []byte, s *crypto.Sealed, what string) ([]byte, error) {
	plain, err := crypto.Decrypt(key, s)
	switch {
	case err == nil:
		return plain, nil
	case errors.Is(err, crypto.ErrInvalidIVLength), errors.Is(err, crypto.ErrInvalidTagLength):
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupted, what, err)
	case errors.Is(err, crypto.ErrAuthenticationFailed), errors.Is(err, crypto.ErrInvalidKeyLength):
		return nil, fmt.Errorf("%w: %s", ErrAuthenticationFailed, what)
	default:
		return nil, fmt.Errorf("vault: failed to decrypt %s: %w", what, err)
	}
}

// unwrapKey opens a wrapped 32-byte key.
func unwrapKey(key []byte, s *crypto.Sealed, what string) ([]byte, error) {
	k, err := openSealed(key, s, what)
	if err != nil {
		return nil, err
	}
	if len(k) != crypto.KeyLength {
		crypto.SecureWipe(k)
		return nil, fmt.Errorf("%w: %s: unwrapped key has length %d", ErrCorrupted, what, len(k))
	}
	return k, nil
}

func (v *Vault) record(op, subject string, err error) {
	if v.audit == nil {
		return
	}
	var aerr error
	if err == nil {
		aerr = v.audit.LogSuccess(op, subject)
	} else {
		aerr = v.audit.LogError(op, subject, ErrorCode(err), err.Error())
	}
	if aerr != nil {
		v.log.Warn().Err(aerr).Str("op", op).Msg("failed to write audit record")
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
