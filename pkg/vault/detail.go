package vault

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/forest6511/credvault/pkg/audit"
	"github.com/forest6511/credvault/pkg/crypto"
)

// DetailInfo is detail metadata. Values are never included.
type DetailInfo struct {
	Project   string
	Key       string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SetDetail stores value under (project, key). Every call seals the value
// under a brand-new DEK, even when overwriting; the previous DEK is
// discarded with the old row.
func (v *Vault) SetDetail(ctx context.Context, masterKey []byte, project, key, value string) (err error) {
	defer func() { v.record(audit.OpDetailSet, project+"/"+key, err) }()

	if err := validateName("detail key", key); err != nil {
		return err
	}
	if err := validateValue(value); err != nil {
		return err
	}

	return v.inTx(ctx, func(tx *sqlx.Tx) error {
		pk, err := projectKeyTx(ctx, tx, masterKey, project)
		if err != nil {
			return err
		}
		defer crypto.SecureWipe(pk)
		return v.putDetail(ctx, tx, masterKey, pk, project, key, value)
	})
}

// ImportDetails stores many values for one project in a single
// transaction. Either every value is written or none is.
func (v *Vault) ImportDetails(ctx context.Context, masterKey []byte, project string, values map[string]string) (n int, err error) {
	ctx, span := v.tracer.Start(ctx, "vault.ImportDetails", trace.WithAttributes(
		attribute.String("project", project), attribute.Int("details", len(values))))
	defer func() {
		endSpan(span, err)
		v.record(audit.OpDetailImport, project, err)
	}()

	keys := make([]string, 0, len(values))
	for k, val := range values {
		if err := validateName("detail key", k); err != nil {
			return 0, err
		}
		if err := validateValue(val); err != nil {
			return 0, fmt.Errorf("%s: %w", k, err)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	err = v.inTx(ctx, func(tx *sqlx.Tx) error {
		pk, err := projectKeyTx(ctx, tx, masterKey, project)
		if err != nil {
			return err
		}
		defer crypto.SecureWipe(pk)

		return savepoint(ctx, tx, "import_details", func() error {
			for _, k := range keys {
				if err := v.putDetail(ctx, tx, masterKey, pk, project, k, values[k]); err != nil {
					return err
				}
			}
			return nil
		})
	})
	if err != nil {
		return 0, err
	}

	v.log.Info().Str("project", project).Int("details", len(keys)).Msg("details imported")
	return len(keys), nil
}

// putDetail writes a fresh envelope: new DEK, value sealed under it, DEK
// wrapped under both masterKey and projectKey.
func (v *Vault) putDetail(ctx context.Context, tx *sqlx.Tx, masterKey, projectKey []byte, project, key, value string) error {
	dek, err := crypto.RandomKey()
	if err != nil {
		return err
	}
	defer crypto.SecureWipe(dek)

	sealedValue, err := crypto.Encrypt(dek, []byte(value))
	if err != nil {
		return fmt.Errorf("vault: failed to encrypt value: %w", err)
	}
	masterDEK, err := crypto.Encrypt(masterKey, dek)
	if err != nil {
		return fmt.Errorf("%w: master key: %v", ErrAuthenticationFailed, err)
	}
	projectDEK, err := crypto.Encrypt(projectKey, dek)
	if err != nil {
		return fmt.Errorf("vault: failed to wrap detail key: %w", err)
	}

	now := v.now().UnixMilli()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO details (`+detailColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(project, key) DO UPDATE SET
			value_iv = excluded.value_iv,
			value_auth_tag = excluded.value_auth_tag,
			value_ciphertext = excluded.value_ciphertext,
			master_dek_iv = excluded.master_dek_iv,
			master_dek_auth_tag = excluded.master_dek_auth_tag,
			master_dek_ciphertext = excluded.master_dek_ciphertext,
			project_dek_iv = excluded.project_dek_iv,
			project_dek_auth_tag = excluded.project_dek_auth_tag,
			project_dek_ciphertext = excluded.project_dek_ciphertext,
			updated_at = excluded.updated_at`,
		project, key,
		sealedValue.IV, sealedValue.Tag, sealedValue.Ciphertext,
		masterDEK.IV, masterDEK.Tag, masterDEK.Ciphertext,
		projectDEK.IV, projectDEK.Tag, projectDEK.Ciphertext,
		now, now)
	if err != nil {
		return fmt.Errorf("vault: failed to store detail %s/%s: %w", project, key, err)
	}
	return nil
}

// GetDetail decrypts a value through its master-wrapped DEK.
func (v *Vault) GetDetail(ctx context.Context, masterKey []byte, project, key string) (value string, err error) {
	defer func() { v.record(audit.OpDetailGet, project+"/"+key, err) }()

	row, err := v.getDetail(ctx, project, key)
	if err != nil {
		return "", err
	}

	dek, err := unwrapKey(masterKey, row.masterDEK(), "detail "+row.subject())
	if err != nil {
		return "", err
	}
	defer crypto.SecureWipe(dek)

	plain, err := openSealed(dek, row.value(), "detail "+row.subject())
	if err != nil {
		return "", err
	}
	defer crypto.SecureWipe(plain)
	return string(plain), nil
}

// LoadProjectDetails resolves needs (local name -> stored detail key) using
// only the project key. Every requested detail must exist and decrypt; on
// any failure nothing is returned.
//
// The key is checked against every requested detail that exists before a
// missing one is reported, and against some detail of the project when none
// of them exists (an empty needs map included), so a wrong key fails with
// ErrAuthenticationFailed rather than ErrDetailNotFound. A project without
// details holds nothing the key could be checked against.
func (v *Vault) LoadProjectDetails(ctx context.Context, projectKey []byte, project string, needs map[string]string) (out map[string]string, err error) {
	defer func() { v.record(audit.OpDetailLoad, project, err) }()

	if len(projectKey) != crypto.KeyLength {
		return nil, fmt.Errorf("%w: project key must be %d bytes", ErrInvalidToken, crypto.KeyLength)
	}
	if _, err := getProject(ctx, v.db, project); err != nil {
		return nil, err
	}

	wanted := make([]string, 0, len(needs))
	seen := make(map[string]bool, len(needs))
	for _, key := range needs {
		if !seen[key] {
			seen[key] = true
			wanted = append(wanted, key)
		}
	}
	sort.Strings(wanted)

	var rows []detailRow
	if len(wanted) > 0 {
		query, args, err := sqlx.In(`SELECT `+detailColumns+` FROM details WHERE project = ? AND key IN (?)`, project, wanted)
		if err != nil {
			return nil, fmt.Errorf("vault: failed to build query: %w", err)
		}
		if err := v.db.SelectContext(ctx, &rows, v.db.Rebind(query), args...); err != nil {
			return nil, fmt.Errorf("vault: failed to read details: %w", err)
		}
	}
	if len(rows) == 0 {
		if err := v.checkProjectKey(ctx, projectKey, project); err != nil {
			return nil, err
		}
	}

	deks := make(map[string][]byte, len(rows))
	defer func() {
		for _, dek := range deks {
			crypto.SecureWipe(dek)
		}
	}()
	byKey := make(map[string]*detailRow, len(rows))
	for i := range rows {
		row := &rows[i]
		dek, err := unwrapKey(projectKey, row.projectDEK(), "detail "+row.subject())
		if err != nil {
			return nil, err
		}
		deks[row.Key] = dek
		byKey[row.Key] = row
	}

	for _, key := range wanted {
		if _, ok := byKey[key]; !ok {
			return nil, fmt.Errorf("%w: %s/%s", ErrDetailNotFound, project, key)
		}
	}

	plain := make(map[string]string, len(wanted))
	for _, key := range wanted {
		row := byKey[key]
		b, err := openSealed(deks[key], row.value(), "detail "+row.subject())
		if err != nil {
			return nil, err
		}
		plain[key] = string(b)
		crypto.SecureWipe(b)
	}

	out = make(map[string]string, len(needs))
	for name, key := range needs {
		out[name] = plain[key]
	}

	v.log.Debug().Str("project", project).Int("details", len(out)).Msg("project details loaded")
	return out, nil
}

// checkProjectKey unwraps the project-wrapped DEK of the project's first
// detail with projectKey.
func (v *Vault) checkProjectKey(ctx context.Context, projectKey []byte, project string) error {
	var row detailRow
	err := v.db.GetContext(ctx, &row,
		`SELECT `+detailColumns+` FROM details WHERE project = ? ORDER BY key LIMIT 1`, project)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("vault: failed to read details: %w", err)
	}
	dek, err := unwrapKey(projectKey, row.projectDEK(), "detail "+row.subject())
	if err != nil {
		return err
	}
	crypto.SecureWipe(dek)
	return nil
}

// ListDetails returns detail metadata ordered by (project, key). An empty
// project lists every project's details.
func (v *Vault) ListDetails(ctx context.Context, project string) ([]DetailInfo, error) {
	var rows []struct {
		Project   string `db:"project"`
		Key       string `db:"key"`
		CreatedAt int64  `db:"created_at"`
		UpdatedAt int64  `db:"updated_at"`
	}

	var err error
	if project == "" {
		err = v.db.SelectContext(ctx, &rows,
			`SELECT project, key, created_at, updated_at FROM details ORDER BY project, key`)
	} else {
		if _, err := getProject(ctx, v.db, project); err != nil {
			return nil, err
		}
		err = v.db.SelectContext(ctx, &rows,
			`SELECT project, key, created_at, updated_at FROM details WHERE project = ? ORDER BY key`, project)
	}
	if err != nil {
		return nil, fmt.Errorf("vault: failed to list details: %w", err)
	}

	out := make([]DetailInfo, 0, len(rows))
	for _, r := range rows {
		out = append(out, DetailInfo{
			Project:   r.Project,
			Key:       r.Key,
			CreatedAt: time.UnixMilli(r.CreatedAt),
			UpdatedAt: time.UnixMilli(r.UpdatedAt),
		})
	}
	return out, nil
}

// DetailExists reports whether (project, key) is stored.
func (v *Vault) DetailExists(ctx context.Context, project, key string) (bool, error) {
	var n int
	if err := v.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM details WHERE project = ? AND key = ?`, project, key); err != nil {
		return false, fmt.Errorf("vault: failed to read detail: %w", err)
	}
	return n > 0, nil
}

// RemoveDetail deletes one detail.
func (v *Vault) RemoveDetail(ctx context.Context, project, key string) (err error) {
	defer func() { v.record(audit.OpDetailRemove, project+"/"+key, err) }()

	res, err := v.db.ExecContext(ctx, `DELETE FROM details WHERE project = ? AND key = ?`, project, key)
	if err != nil {
		return fmt.Errorf("vault: failed to delete detail: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("vault: failed to delete detail: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s/%s", ErrDetailNotFound, project, key)
	}
	return nil
}

func (v *Vault) getDetail(ctx context.Context, project, key string) (*detailRow, error) {
	var row detailRow
	err := v.db.GetContext(ctx, &row,
		`SELECT `+detailColumns+` FROM details WHERE project = ? AND key = ?`, project, key)
	if err == nil {
		return &row, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("vault: failed to read detail: %w", err)
	}
	if _, perr := getProject(ctx, v.db, project); perr != nil {
		return nil, perr
	}
	return nil, fmt.Errorf("%w: %s/%s", ErrDetailNotFound, project, key)
}

func projectKeyTx(ctx context.Context, tx *sqlx.Tx, masterKey []byte, project string) ([]byte, error) {
	row, err := getProject(ctx, tx, project)
	if err != nil {
		return nil, err
	}
	return unwrapKey(masterKey, row.sealedKey(), "project "+project)
}
