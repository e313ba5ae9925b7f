package vault

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/forest6511/credvault/pkg/audit"
)

// DiskSpaceInfo contains disk usage information.
type DiskSpaceInfo struct {
	Total     uint64 `json:"total"`
	Free      uint64 `json:"free"`
	Available uint64 `json:"available"`
	UsedPct   int    `json:"used_pct"`
}

// checkDiskSpaceForWrite requires MinDiskSpaceBytes or twice dataSize,
// whichever is larger. Failure to stat the volume is logged, not fatal.
func (v *Vault) checkDiskSpaceForWrite(dataSize int64) error {
	return v.checkDiskSpaceAt(filepath.Dir(v.path), dataSize)
}

func (v *Vault) checkDiskSpaceAt(dir string, dataSize int64) error {
	info, err := diskSpace(dir)
	if err != nil {
		v.log.Warn().Err(err).Msg("failed to check disk space")
		return nil
	}

	required := uint64(MinDiskSpaceBytes)
	if uint64(dataSize*2) > required {
		required = uint64(dataSize * 2)
	}
	if info.Available < required {
		return fmt.Errorf("%w: only %d MB available, need at least %d MB",
			ErrInsufficientDisk, info.Available/(1024*1024), required/(1024*1024))
	}
	if info.UsedPct >= 90 {
		v.log.Warn().Int("used_pct", info.UsedPct).Msg("disk almost full")
	}
	return nil
}

// Backup writes a consistent snapshot of the store to dest. The copy is a
// complete vault that opens with the same password. dest must not exist.
func (v *Vault) Backup(ctx context.Context, dest string) (err error) {
	defer func() { v.record(audit.OpVaultBackup, filepath.Base(dest), err) }()

	if _, err := os.Stat(dest); err == nil {
		return fmt.Errorf("%w: %s", ErrBackupExists, dest)
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("vault: failed to stat backup destination: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(dest), DirMode); err != nil {
		return fmt.Errorf("vault: failed to create backup directory: %w", err)
	}

	var size int64
	if fi, err := os.Stat(v.path); err == nil {
		size = fi.Size()
	}
	if err := v.checkDiskSpaceAt(filepath.Dir(dest), size); err != nil {
		return err
	}

	if _, err := v.db.ExecContext(ctx, `VACUUM INTO ?`, dest); err != nil {
		return fmt.Errorf("vault: failed to write backup: %w", err)
	}
	if err := os.Chmod(dest, FileMode); err != nil {
		return fmt.Errorf("vault: failed to set backup permissions: %w", err)
	}

	v.log.Info().Str("dest", dest).Msg("vault backed up")
	return nil
}

// IntegrityCheckResult reports the outcome of CheckIntegrity.
type IntegrityCheckResult struct {
	Valid            bool     `json:"valid"`
	Initialized      bool     `json:"initialized"`
	SchemaVersion    uint     `json:"schema_version"`
	DBIntegrity      bool     `json:"db_integrity"`
	ForeignKeys      bool     `json:"foreign_keys"`
	PermissionsValid bool     `json:"permissions_valid"`
	Projects         int      `json:"projects"`
	Details          int      `json:"details"`
	Sessions         int      `json:"sessions"`
	ExpiredSessions  int      `json:"expired_sessions"`
	Errors           []string `json:"errors,omitempty"`
	Warnings         []string `json:"warnings,omitempty"`
}

func (r *IntegrityCheckResult) fail(format string, args ...any) {
	r.Valid = false
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// CheckIntegrity inspects file permissions, SQLite consistency, foreign
// keys and the config records. It needs no key material.
func (v *Vault) CheckIntegrity(ctx context.Context) (*IntegrityCheckResult, error) {
	result := &IntegrityCheckResult{
		Valid:            true,
		SchemaVersion:    v.schemaVersion,
		PermissionsValid: true,
	}

	if fi, err := os.Stat(v.path); err != nil {
		result.fail("database file not accessible: %v", err)
	} else if perm := fi.Mode().Perm(); perm&0077 != 0 {
		result.PermissionsValid = false
		result.fail("database file has insecure permissions: %04o (expected 0600)", perm)
	}
	if fi, err := os.Stat(filepath.Dir(v.path)); err == nil {
		if perm := fi.Mode().Perm(); perm&0077 != 0 {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("vault directory has permissions %04o (0700 recommended)", perm))
		}
	}

	var integrity []string
	if err := v.db.SelectContext(ctx, &integrity, `PRAGMA integrity_check`); err != nil {
		result.fail("integrity check failed: %v", err)
	} else if len(integrity) != 1 || integrity[0] != "ok" {
		result.fail("integrity check returned: %v", integrity)
	} else {
		result.DBIntegrity = true
	}

	var fkEnabled int
	if err := v.db.GetContext(ctx, &fkEnabled, `PRAGMA foreign_keys`); err != nil || fkEnabled != 1 {
		result.fail("foreign key enforcement is off")
	} else {
		result.ForeignKeys = true
	}

	rows, err := v.db.QueryxContext(ctx, `PRAGMA foreign_key_check`)
	if err != nil {
		result.fail("foreign key check failed: %v", err)
	} else {
		violations := 0
		for rows.Next() {
			violations++
		}
		rows.Close()
		if violations > 0 {
			result.fail("%d rows violate foreign keys", violations)
		}
	}

	for _, table := range []string{"config", "projects", "details", "sessions"} {
		var n int
		if err := v.db.GetContext(ctx, &n,
			`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table); err != nil || n == 0 {
			result.fail("required table not found: %s", table)
		}
	}

	switch _, err := loadConfig(ctx, v.db); {
	case err == nil:
		result.Initialized = true
	case errors.Is(err, ErrNotInitialized):
		result.Warnings = append(result.Warnings, "vault is not initialized")
	default:
		result.Initialized = true
		result.fail("%v", err)
	}

	counts := []struct {
		dst   *int
		query string
		args  []any
	}{
		{&result.Projects, `SELECT COUNT(*) FROM projects`, nil},
		{&result.Details, `SELECT COUNT(*) FROM details`, nil},
		{&result.Sessions, `SELECT COUNT(*) FROM sessions`, nil},
		{&result.ExpiredSessions, `SELECT COUNT(*) FROM sessions WHERE expires_at <= ?`, []any{v.now().UnixMilli()}},
	}
	for _, c := range counts {
		if err := v.db.GetContext(ctx, c.dst, c.query, c.args...); err != nil {
			return nil, fmt.Errorf("vault: failed to count rows: %w", err)
		}
	}
	if result.ExpiredSessions > 0 {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("%d expired sessions will be purged at next login", result.ExpiredSessions))
	}

	return result, nil
}
