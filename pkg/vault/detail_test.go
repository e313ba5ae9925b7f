package vault

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forest6511/credvault/pkg/crypto"
)

func TestSetAndGetDetail(t *testing.T) {
	ctx := context.Background()
	v, mk := unlockedVault(t)
	token, err := v.CreateProject(ctx, mk, "acme")
	require.NoError(t, err)

	values := map[string]string{
		"api_key":        "sk-123",
		"db/password":    "p@ss\nword",
		"empty":          "",
		"unicode.value":  "пароль 🔑",
		"large-value_01": strings.Repeat("x", MaxValueSize),
	}
	for k, val := range values {
		require.NoError(t, v.SetDetail(ctx, mk, "acme", k, val))
	}

	needs := map[string]string{}
	for k := range values {
		got, err := v.GetDetail(ctx, mk, "acme", k)
		require.NoError(t, err)
		assert.Equal(t, values[k], got)
		needs[strings.NewReplacer("/", "_", ".", "_", "-", "_").Replace(k)] = k
	}

	loaded, err := v.LoadProjectDetails(ctx, projectKey(t, token), "acme", needs)
	require.NoError(t, err)
	for name, k := range needs {
		assert.Equal(t, values[k], loaded[name])
	}
}

func TestSetDetailFreshDEK(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	v, mk := unlockedVault(t, WithClock(clock.now))
	_, err := v.CreateProject(ctx, mk, "acme")
	require.NoError(t, err)

	require.NoError(t, v.SetDetail(ctx, mk, "acme", "k", "same"))
	first := snapshot(t, v).Details[0]

	clock.advance(time.Minute)
	require.NoError(t, v.SetDetail(ctx, mk, "acme", "k", "same"))
	second := snapshot(t, v).Details[0]

	assert.NotEqual(t, first.ValueCiphertext, second.ValueCiphertext)
	assert.NotEqual(t, first.MasterDEKCiphertext, second.MasterDEKCiphertext)
	assert.NotEqual(t, first.ProjectDEKCiphertext, second.ProjectDEKCiphertext)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)
	assert.Equal(t, first.UpdatedAt+time.Minute.Milliseconds(), second.UpdatedAt)

	for _, s := range [][]byte{second.ValueIV, second.MasterDEKIV, second.ProjectDEKIV} {
		assert.Len(t, s, crypto.IVLength)
	}
	for _, s := range [][]byte{second.ValueTag, second.MasterDEKTag, second.ProjectDEKTag} {
		assert.Len(t, s, crypto.TagLength)
	}
}

func TestSetDetailErrors(t *testing.T) {
	ctx := context.Background()
	v, mk := unlockedVault(t)
	_, err := v.CreateProject(ctx, mk, "acme")
	require.NoError(t, err)

	assert.ErrorIs(t, v.SetDetail(ctx, mk, "nope", "k", "v"), ErrProjectNotFound)
	assert.ErrorIs(t, v.SetDetail(ctx, mk, "acme", "", "v"), ErrInvalidName)
	assert.ErrorIs(t, v.SetDetail(ctx, mk, "acme", "k", strings.Repeat("x", MaxValueSize+1)), ErrValueTooLarge)

	wrong, err := crypto.RandomKey()
	require.NoError(t, err)
	assert.ErrorIs(t, v.SetDetail(ctx, wrong, "acme", "k", "v"), ErrAuthenticationFailed)

	var n int
	require.NoError(t, v.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM details`))
	assert.Zero(t, n)
}

func TestGetDetailErrors(t *testing.T) {
	ctx := context.Background()
	v, mk := unlockedVault(t)
	_, err := v.CreateProject(ctx, mk, "acme")
	require.NoError(t, err)
	require.NoError(t, v.SetDetail(ctx, mk, "acme", "k", "value"))

	_, err = v.GetDetail(ctx, mk, "acme", "missing")
	assert.ErrorIs(t, err, ErrDetailNotFound)
	_, err = v.GetDetail(ctx, mk, "nope", "k")
	assert.ErrorIs(t, err, ErrProjectNotFound)

	wrong, err := crypto.RandomKey()
	require.NoError(t, err)
	_, err = v.GetDetail(ctx, wrong, "acme", "k")
	assert.ErrorIs(t, err, ErrAuthenticationFailed)

	_, err = v.db.ExecContext(ctx, `UPDATE details SET value_iv = x'00'`)
	require.NoError(t, err)
	_, err = v.GetDetail(ctx, mk, "acme", "k")
	assert.ErrorIs(t, err, ErrCorrupted)
}

func TestLoadProjectDetails(t *testing.T) {
	ctx := context.Background()
	v, mk := unlockedVault(t)
	token, err := v.CreateProject(ctx, mk, "acme")
	require.NoError(t, err)
	require.NoError(t, v.SetDetail(ctx, mk, "acme", "user", "admin"))
	require.NoError(t, v.SetDetail(ctx, mk, "acme", "pass", "hunter2"))
	pk := projectKey(t, token)

	t.Run("same key under two names", func(t *testing.T) {
		got, err := v.LoadProjectDetails(ctx, pk, "acme", map[string]string{"U1": "user", "U2": "user"})
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"U1": "admin", "U2": "admin"}, got)
	})

	t.Run("empty needs", func(t *testing.T) {
		got, err := v.LoadProjectDetails(ctx, pk, "acme", nil)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("missing detail aborts the load", func(t *testing.T) {
		got, err := v.LoadProjectDetails(ctx, pk, "acme", map[string]string{"U": "user", "X": "missing"})
		assert.ErrorIs(t, err, ErrDetailNotFound)
		assert.Nil(t, got)
	})

	t.Run("one corrupt detail aborts the load", func(t *testing.T) {
		_, err := v.db.ExecContext(ctx,
			`UPDATE details SET value_ciphertext = zeroblob(length(value_ciphertext)) WHERE key = 'pass'`)
		require.NoError(t, err)
		got, err := v.LoadProjectDetails(ctx, pk, "acme", map[string]string{"U": "user", "P": "pass"})
		assert.ErrorIs(t, err, ErrAuthenticationFailed)
		assert.Nil(t, got)
	})

	t.Run("unknown project", func(t *testing.T) {
		_, err := v.LoadProjectDetails(ctx, pk, "nope", map[string]string{"U": "user"})
		assert.ErrorIs(t, err, ErrProjectNotFound)
	})

	t.Run("wrong key length", func(t *testing.T) {
		_, err := v.LoadProjectDetails(ctx, pk[:16], "acme", map[string]string{"U": "user"})
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestLoadProjectDetailsWrongKey(t *testing.T) {
	ctx := context.Background()
	v, mk := unlockedVault(t)
	_, err := v.CreateProject(ctx, mk, "alpha")
	require.NoError(t, err)
	betaToken, err := v.CreateProject(ctx, mk, "beta")
	require.NoError(t, err)
	require.NoError(t, v.SetDetail(ctx, mk, "alpha", "user", "admin"))
	require.NoError(t, v.SetDetail(ctx, mk, "beta", "user", "root"))
	betaKey := projectKey(t, betaToken)

	tests := []struct {
		name  string
		needs map[string]string
	}{
		{"present and missing details", map[string]string{"A": "aaa", "U": "user"}},
		{"only missing details", map[string]string{"A": "aaa"}},
		{"empty needs", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := v.LoadProjectDetails(ctx, betaKey, "alpha", tt.needs)
			assert.ErrorIs(t, err, ErrAuthenticationFailed)
			assert.NotErrorIs(t, err, ErrNotFound)
			assert.Nil(t, got)
		})
	}

	t.Run("right key still reports the missing detail", func(t *testing.T) {
		_, err := v.LoadProjectDetails(ctx, betaKey, "beta", map[string]string{"A": "aaa", "U": "user"})
		assert.ErrorIs(t, err, ErrDetailNotFound)
	})

	t.Run("project without details has nothing to check against", func(t *testing.T) {
		_, err := v.CreateProject(ctx, mk, "empty")
		require.NoError(t, err)
		got, err := v.LoadProjectDetails(ctx, betaKey, "empty", nil)
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

func TestImportDetails(t *testing.T) {
	ctx := context.Background()
	v, mk := unlockedVault(t)
	_, err := v.CreateProject(ctx, mk, "acme")
	require.NoError(t, err)
	require.NoError(t, v.SetDetail(ctx, mk, "acme", "existing", "old"))

	n, err := v.ImportDetails(ctx, mk, "acme", map[string]string{
		"existing":        "new",
		"github/username": "octocat",
		"github/password": "s3cret",
	})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	got, err := v.GetDetail(ctx, mk, "acme", "existing")
	require.NoError(t, err)
	assert.Equal(t, "new", got)

	before := snapshot(t, v)
	_, err = v.ImportDetails(ctx, mk, "acme", map[string]string{
		"fine":  "ok",
		"..bad": "nope",
	})
	assert.ErrorIs(t, err, ErrInvalidName)
	assert.Equal(t, before, snapshot(t, v))

	_, err = v.ImportDetails(ctx, mk, "nope", map[string]string{"a": "b"})
	assert.ErrorIs(t, err, ErrProjectNotFound)
	assert.Equal(t, before, snapshot(t, v))
}

func TestListDetails(t *testing.T) {
	ctx := context.Background()
	v, mk := unlockedVault(t)
	for _, p := range []string{"beta", "alpha"} {
		_, err := v.CreateProject(ctx, mk, p)
		require.NoError(t, err)
	}
	require.NoError(t, v.SetDetail(ctx, mk, "beta", "z", "1"))
	require.NoError(t, v.SetDetail(ctx, mk, "beta", "a", "2"))
	require.NoError(t, v.SetDetail(ctx, mk, "alpha", "m", "3"))

	all, err := v.ListDetails(ctx, "")
	require.NoError(t, err)
	var got []string
	for _, d := range all {
		got = append(got, d.Project+"/"+d.Key)
	}
	assert.Equal(t, []string{"alpha/m", "beta/a", "beta/z"}, got)

	beta, err := v.ListDetails(ctx, "beta")
	require.NoError(t, err)
	require.Len(t, beta, 2)
	assert.Equal(t, "a", beta[0].Key)

	_, err = v.ListDetails(ctx, "nope")
	assert.ErrorIs(t, err, ErrProjectNotFound)

	ok, err := v.DetailExists(ctx, "beta", "z")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = v.DetailExists(ctx, "beta", "m")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRemoveDetail(t *testing.T) {
	ctx := context.Background()
	v, mk := unlockedVault(t)
	_, err := v.CreateProject(ctx, mk, "acme")
	require.NoError(t, err)
	require.NoError(t, v.SetDetail(ctx, mk, "acme", "k", "v"))

	require.NoError(t, v.RemoveDetail(ctx, "acme", "k"))
	assert.ErrorIs(t, v.RemoveDetail(ctx, "acme", "k"), ErrDetailNotFound)

	_, err = v.GetDetail(ctx, mk, "acme", "k")
	assert.ErrorIs(t, err, ErrDetailNotFound)
}

func TestValidateName(t *testing.T) {
	valid := []string{"a", "api_key", "aws/prod/api-key", "v1.2", "A-Z_0-9", strings.Repeat("a", MaxNameLength)}
	for _, name := range valid {
		assert.NoError(t, ValidateName(name), name)
	}

	invalid := []string{
		"", ".hidden", "-flag", "a..b", "/abs", "trailing/", "has space", "semi;colon",
		"naïve", strings.Repeat("a", MaxNameLength+1),
	}
	for _, name := range invalid {
		assert.ErrorIs(t, ValidateName(name), ErrInvalidName, "%q", name)
	}
}
