package vault

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/forest6511/credvault/pkg/audit"
	"github.com/forest6511/credvault/pkg/crypto"
)

// ProjectInfo is project metadata. It never carries key material.
type ProjectInfo struct {
	Name      string
	Details   int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CreateProject generates a project key, stores it wrapped under masterKey
// and returns the exportable project token.
func (v *Vault) CreateProject(ctx context.Context, masterKey []byte, name string) (token string, err error) {
	defer func() { v.record(audit.OpProjectCreate, name, err) }()

	if err := validateName("project name", name); err != nil {
		return "", err
	}

	pk, err := crypto.RandomKey()
	if err != nil {
		return "", err
	}
	defer crypto.SecureWipe(pk)

	sealed, err := crypto.Encrypt(masterKey, pk)
	if err != nil {
		return "", fmt.Errorf("%w: master key: %v", ErrAuthenticationFailed, err)
	}

	err = v.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := checkMasterKey(ctx, tx, masterKey); err != nil {
			return err
		}
		exists, err := projectExists(ctx, tx, name)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("%w: %s", ErrProjectExists, name)
		}

		now := v.now().UnixMilli()
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO projects (name, key_iv, key_auth_tag, key_ciphertext, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			name, sealed.IV, sealed.Tag, sealed.Ciphertext, now, now); err != nil {
			return fmt.Errorf("vault: failed to insert project: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	v.log.Info().Str("project", name).Msg("project created")
	return crypto.EncodeProjectToken(pk)
}

// GetProjectKey unwraps and returns the project key. The caller owns the
// returned slice.
func (v *Vault) GetProjectKey(ctx context.Context, masterKey []byte, name string) ([]byte, error) {
	row, err := getProject(ctx, v.db, name)
	if err != nil {
		return nil, err
	}
	return unwrapKey(masterKey, row.sealedKey(), "project "+name)
}

// ProjectToken re-exports the current token of an existing project.
func (v *Vault) ProjectToken(ctx context.Context, masterKey []byte, name string) (token string, err error) {
	defer func() { v.record(audit.OpProjectToken, name, err) }()

	pk, err := v.GetProjectKey(ctx, masterKey, name)
	if err != nil {
		return "", err
	}
	defer crypto.SecureWipe(pk)
	return crypto.EncodeProjectToken(pk)
}

// RotateProject replaces the project key. Every detail's project-wrapped DEK
// is rewrapped under the new key in the same transaction; master-wrapped DEKs
// and value ciphertext are untouched. Tokens issued before the rotation stop
// working.
func (v *Vault) RotateProject(ctx context.Context, masterKey []byte, name string) (token string, err error) {
	ctx, span := v.tracer.Start(ctx, "vault.RotateProject", trace.WithAttributes(attribute.String("project", name)))
	defer func() {
		endSpan(span, err)
		v.record(audit.OpProjectRotate, name, err)
	}()

	newKey, err := crypto.RandomKey()
	if err != nil {
		return "", err
	}
	defer crypto.SecureWipe(newKey)

	var rewrapped int
	err = v.inTx(ctx, func(tx *sqlx.Tx) error {
		row, err := getProject(ctx, tx, name)
		if err != nil {
			return err
		}
		oldKey, err := unwrapKey(masterKey, row.sealedKey(), "project "+name)
		if err != nil {
			return err
		}
		defer crypto.SecureWipe(oldKey)

		sealed, err := crypto.Encrypt(masterKey, newKey)
		if err != nil {
			return fmt.Errorf("vault: failed to wrap project key: %w", err)
		}

		return savepoint(ctx, tx, "rotate_project", func() error {
			if _, err := tx.ExecContext(ctx,
				`UPDATE projects SET key_iv = ?, key_auth_tag = ?, key_ciphertext = ?, updated_at = ? WHERE name = ?`,
				sealed.IV, sealed.Tag, sealed.Ciphertext, v.now().UnixMilli(), name); err != nil {
				return fmt.Errorf("vault: failed to update project: %w", err)
			}

			var details []detailRow
			if err := tx.SelectContext(ctx, &details,
				`SELECT `+detailColumns+` FROM details WHERE project = ? ORDER BY key`, name); err != nil {
				return fmt.Errorf("vault: failed to read details: %w", err)
			}

			for i := range details {
				d := &details[i]
				dek, err := unwrapKey(oldKey, d.projectDEK(), "detail "+d.subject())
				if err != nil {
					return err
				}
				wrapped, err := crypto.Encrypt(newKey, dek)
				crypto.SecureWipe(dek)
				if err != nil {
					return fmt.Errorf("vault: failed to wrap detail key: %w", err)
				}
				if _, err := tx.ExecContext(ctx,
					`UPDATE details SET project_dek_iv = ?, project_dek_auth_tag = ?, project_dek_ciphertext = ?
					 WHERE project = ? AND key = ?`,
					wrapped.IV, wrapped.Tag, wrapped.Ciphertext, d.Project, d.Key); err != nil {
					return fmt.Errorf("vault: failed to update detail %s: %w", d.subject(), err)
				}
			}
			rewrapped = len(details)
			return nil
		})
	})
	if err != nil {
		return "", err
	}

	v.log.Info().Str("project", name).Int("details", rewrapped).Msg("project key rotated")
	return crypto.EncodeProjectToken(newKey)
}

// RenameProject moves a project to a new name. The wrapped key is carried
// over unchanged, so existing tokens stay valid.
func (v *Vault) RenameProject(ctx context.Context, oldName, newName string) (err error) {
	ctx, span := v.tracer.Start(ctx, "vault.RenameProject", trace.WithAttributes(
		attribute.String("project", oldName), attribute.String("new_name", newName)))
	defer func() {
		endSpan(span, err)
		v.record(audit.OpProjectRename, oldName+" -> "+newName, err)
	}()

	if err := validateName("project name", newName); err != nil {
		return err
	}

	err = v.inTx(ctx, func(tx *sqlx.Tx) error {
		row, err := getProject(ctx, tx, oldName)
		if err != nil {
			return err
		}
		if oldName == newName {
			return nil
		}
		exists, err := projectExists(ctx, tx, newName)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("%w: %s", ErrProjectExists, newName)
		}

		// name is a foreign-key target: insert, repoint children, delete.
		return savepoint(ctx, tx, "rename_project", func() error {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO projects (name, key_iv, key_auth_tag, key_ciphertext, created_at, updated_at)
				 VALUES (?, ?, ?, ?, ?, ?)`,
				newName, row.KeyIV, row.KeyTag, row.KeyCiphertext, row.CreatedAt, v.now().UnixMilli()); err != nil {
				return fmt.Errorf("vault: failed to insert project: %w", err)
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE details SET project = ? WHERE project = ?`, newName, oldName); err != nil {
				return fmt.Errorf("vault: failed to move details: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM projects WHERE name = ?`, oldName); err != nil {
				return fmt.Errorf("vault: failed to delete project: %w", err)
			}
			return nil
		})
	})
	if err != nil {
		return err
	}

	v.log.Info().Str("project", oldName).Str("new_name", newName).Msg("project renamed")
	return nil
}

// RemoveProject deletes a project and, by cascade, all of its details.
func (v *Vault) RemoveProject(ctx context.Context, name string) (err error) {
	defer func() { v.record(audit.OpProjectRemove, name, err) }()

	res, err := v.db.ExecContext(ctx, `DELETE FROM projects WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("vault: failed to delete project: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("vault: failed to delete project: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrProjectNotFound, name)
	}

	v.log.Info().Str("project", name).Msg("project removed")
	return nil
}

// ListProjects returns project names in ascending order.
func (v *Vault) ListProjects(ctx context.Context) ([]string, error) {
	names := []string{}
	if err := v.db.SelectContext(ctx, &names, `SELECT name FROM projects ORDER BY name`); err != nil {
		return nil, fmt.Errorf("vault: failed to list projects: %w", err)
	}
	return names, nil
}

// ListProjectInfo returns project metadata with detail counts, ordered by name.
func (v *Vault) ListProjectInfo(ctx context.Context) ([]ProjectInfo, error) {
	var rows []struct {
		Name      string `db:"name"`
		Details   int    `db:"details"`
		CreatedAt int64  `db:"created_at"`
		UpdatedAt int64  `db:"updated_at"`
	}
	if err := v.db.SelectContext(ctx, &rows, `
		SELECT p.name, COUNT(d.key) AS details, p.created_at, p.updated_at
		FROM projects p LEFT JOIN details d ON d.project = p.name
		GROUP BY p.name ORDER BY p.name`); err != nil {
		return nil, fmt.Errorf("vault: failed to list projects: %w", err)
	}

	out := make([]ProjectInfo, 0, len(rows))
	for _, r := range rows {
		out = append(out, ProjectInfo{
			Name:      r.Name,
			Details:   r.Details,
			CreatedAt: time.UnixMilli(r.CreatedAt),
			UpdatedAt: time.UnixMilli(r.UpdatedAt),
		})
	}
	return out, nil
}

func getProject(ctx context.Context, q sqlx.QueryerContext, name string) (*projectRow, error) {
	var row projectRow
	err := sqlx.GetContext(ctx, q, &row, `SELECT `+projectColumns+` FROM projects WHERE name = ?`, name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrProjectNotFound, name)
		}
		return nil, fmt.Errorf("vault: failed to read project: %w", err)
	}
	return &row, nil
}

func projectExists(ctx context.Context, q sqlx.QueryerContext, name string) (bool, error) {
	var n int
	if err := sqlx.GetContext(ctx, q, &n, `SELECT COUNT(*) FROM projects WHERE name = ?`, name); err != nil {
		return false, fmt.Errorf("vault: failed to read project: %w", err)
	}
	return n > 0, nil
}
