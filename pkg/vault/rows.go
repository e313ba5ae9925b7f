package vault

import "github.com/forest6511/credvault/pkg/crypto"

type configRow struct {
	Key        string `db:"key"`
	IV         []byte `db:"iv"`
	Tag        []byte `db:"auth_tag"`
	Ciphertext []byte `db:"ciphertext"`
}

func (r *configRow) sealed() *crypto.Sealed {
	return &crypto.Sealed{IV: r.IV, Tag: r.Tag, Ciphertext: r.Ciphertext}
}

const projectColumns = `name, key_iv, key_auth_tag, key_ciphertext, created_at, updated_at`

type projectRow struct {
	Name          string `db:"name"`
	KeyIV         []byte `db:"key_iv"`
	KeyTag        []byte `db:"key_auth_tag"`
	KeyCiphertext []byte `db:"key_ciphertext"`
	CreatedAt     int64  `db:"created_at"`
	UpdatedAt     int64  `db:"updated_at"`
}

func (r *projectRow) sealedKey() *crypto.Sealed {
	return &crypto.Sealed{IV: r.KeyIV, Tag: r.KeyTag, Ciphertext: r.KeyCiphertext}
}

const detailColumns = `project, key,
	value_iv, value_auth_tag, value_ciphertext,
	master_dek_iv, master_dek_auth_tag, master_dek_ciphertext,
	project_dek_iv, project_dek_auth_tag, project_dek_ciphertext,
	created_at, updated_at`

type detailRow struct {
	Project string `db:"project"`
	Key     string `db:"key"`

	ValueIV         []byte `db:"value_iv"`
	ValueTag        []byte `db:"value_auth_tag"`
	ValueCiphertext []byte `db:"value_ciphertext"`

	MasterDEKIV         []byte `db:"master_dek_iv"`
	MasterDEKTag        []byte `db:"master_dek_auth_tag"`
	MasterDEKCiphertext []byte `db:"master_dek_ciphertext"`

	ProjectDEKIV         []byte `db:"project_dek_iv"`
	ProjectDEKTag        []byte `db:"project_dek_auth_tag"`
	ProjectDEKCiphertext []byte `db:"project_dek_ciphertext"`

	CreatedAt int64 `db:"created_at"`
	UpdatedAt int64 `db:"updated_at"`
}

func (r *detailRow) subject() string { return r.Project + "/" + r.Key }

func (r *detailRow) value() *crypto.Sealed {
	return &crypto.Sealed{IV: r.ValueIV, Tag: r.ValueTag, Ciphertext: r.ValueCiphertext}
}

func (r *detailRow) masterDEK() *crypto.Sealed {
	return &crypto.Sealed{IV: r.MasterDEKIV, Tag: r.MasterDEKTag, Ciphertext: r.MasterDEKCiphertext}
}

func (r *detailRow) projectDEK() *crypto.Sealed {
	return &crypto.Sealed{IV: r.ProjectDEKIV, Tag: r.ProjectDEKTag, Ciphertext: r.ProjectDEKCiphertext}
}

const sessionColumns = `id, iv, auth_tag, ciphertext, expires_at, created_at`

type sessionRow struct {
	ID         string `db:"id"`
	IV         []byte `db:"iv"`
	Tag        []byte `db:"auth_tag"`
	Ciphertext []byte `db:"ciphertext"`
	ExpiresAt  int64  `db:"expires_at"`
	CreatedAt  int64  `db:"created_at"`
}

func (r *sessionRow) sealed() *crypto.Sealed {
	return &crypto.Sealed{IV: r.IV, Tag: r.Tag, Ciphertext: r.Ciphertext}
}
