package vault

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackup(t *testing.T) {
	ctx := context.Background()
	v, mk := unlockedVault(t)
	_, err := v.CreateProject(ctx, mk, "acme")
	require.NoError(t, err)
	require.NoError(t, v.SetDetail(ctx, mk, "acme", "api_key", "sk-123"))

	dest := filepath.Join(t.TempDir(), "backups", "vault.bak")
	require.NoError(t, v.Backup(ctx, dest))

	fi, err := os.Stat(dest)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(FileMode), fi.Mode().Perm())

	assert.ErrorIs(t, v.Backup(ctx, dest), ErrBackupExists)

	restored, err := Open(ctx, dest, WithKDFParams(testKDF))
	require.NoError(t, err)
	defer restored.Close()

	rk, err := restored.DeriveMasterKey(ctx, testPassword)
	require.NoError(t, err)
	got, err := restored.GetDetail(ctx, rk, "acme", "api_key")
	require.NoError(t, err)
	assert.Equal(t, "sk-123", got)
}

func TestCheckIntegrity(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	v, mk := unlockedVault(t, WithClock(clock.now))
	_, err := v.CreateProject(ctx, mk, "acme")
	require.NoError(t, err)
	require.NoError(t, v.SetDetail(ctx, mk, "acme", "a", "1"))
	_, err = v.CreateSession(ctx, mk, time.Minute)
	require.NoError(t, err)
	clock.advance(time.Hour)

	result, err := v.CheckIntegrity(ctx)
	require.NoError(t, err)
	assert.True(t, result.Valid, "errors: %v", result.Errors)
	assert.True(t, result.Initialized)
	assert.True(t, result.DBIntegrity)
	assert.True(t, result.ForeignKeys)
	assert.True(t, result.PermissionsValid)
	assert.Equal(t, 1, result.Projects)
	assert.Equal(t, 1, result.Details)
	assert.Equal(t, 1, result.Sessions)
	assert.Equal(t, 1, result.ExpiredSessions)
	assert.NotEmpty(t, result.Warnings)
}

func TestCheckIntegrityUninitialized(t *testing.T) {
	v := openTestVault(t)

	result, err := v.CheckIntegrity(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.False(t, result.Initialized)
	assert.Contains(t, result.Warnings, "vault is not initialized")
}

func TestCheckIntegrityFindings(t *testing.T) {
	ctx := context.Background()
	v, _ := unlockedVault(t)

	require.NoError(t, os.Chmod(v.Path(), 0644))
	_, err := v.db.ExecContext(ctx, `DELETE FROM config WHERE key = ?`, configPasswordCheck)
	require.NoError(t, err)

	result, err := v.CheckIntegrity(ctx)
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.False(t, result.PermissionsValid)
	assert.Len(t, result.Errors, 2)
}

func TestSavepointRollsBackOnlyItsWork(t *testing.T) {
	ctx := context.Background()
	v, mk := unlockedVault(t)
	_, err := v.CreateProject(ctx, mk, "acme")
	require.NoError(t, err)

	boom := errors.New("boom")
	err = v.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `UPDATE projects SET updated_at = 1`); err != nil {
			return err
		}
		err := savepoint(ctx, tx, "inner", func() error {
			if _, err := tx.ExecContext(ctx, `UPDATE projects SET updated_at = 2`); err != nil {
				return err
			}
			return boom
		})
		assert.ErrorIs(t, err, boom)
		return nil
	})
	require.NoError(t, err)

	var updated int64
	require.NoError(t, v.db.GetContext(ctx, &updated, `SELECT updated_at FROM projects`))
	assert.Equal(t, int64(1), updated)
}

func TestInTxRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	v, mk := unlockedVault(t)
	_, err := v.CreateProject(ctx, mk, "acme")
	require.NoError(t, err)
	before := snapshot(t, v)

	boom := errors.New("boom")
	err = v.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM projects`); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, before, snapshot(t, v))

	assert.Panics(t, func() {
		_ = v.inTx(ctx, func(tx *sqlx.Tx) error {
			_, _ = tx.ExecContext(ctx, `DELETE FROM projects`)
			panic("boom")
		})
	})
	assert.Equal(t, before, snapshot(t, v))
}

func TestValidateMasterPassword(t *testing.T) {
	tests := []struct {
		password string
		valid    bool
		strength PasswordStrength
	}{
		{"short", false, PasswordWeak},
		{"alllowercase", true, PasswordFair},
		{"abcdefgh", true, PasswordWeak},
		{"Abcdefgh1234", true, PasswordGood},
		{"Correct-Horse-Battery-9", true, PasswordStrong},
		{string(make([]rune, MaxPasswordLength+1)), false, PasswordWeak},
	}
	for _, tc := range tests {
		r := ValidateMasterPassword(tc.password)
		assert.Equal(t, tc.valid, r.Valid, "%q", tc.password)
		assert.Equal(t, tc.strength, r.Strength, "%q", tc.password)
	}
	assert.Equal(t, "strong", PasswordStrong.String())
}
