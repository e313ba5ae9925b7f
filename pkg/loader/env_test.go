package loader

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func secretsOf(values map[string]string) *Secrets {
	needs := make(Needs, len(values))
	for name := range values {
		needs[name] = strings.ToLower(name)
	}
	return newSecrets(needs, values)
}

func TestKeyToEnvName(t *testing.T) {
	tests := []struct {
		key  string
		want string
	}{
		{"api-key", "API_KEY"},
		{"API_KEY", "API_KEY"},
		{"aws/prod/api-key", "AWS_PROD_API_KEY"},
		{"my-Api-Key", "MY_API_KEY"},
		{"github.com/token", "GITHUB_COM_TOKEN"},
		{"a", "A"},
		{"", ""},
	}
	for _, tc := range tests {
		t.Run(tc.key, func(t *testing.T) {
			assert.Equal(t, tc.want, KeyToEnvName(tc.key))
		})
	}
}

func TestValidateEnvName(t *testing.T) {
	for _, name := range []string{"A", "_", "ABC", "_ABC", "A1", "a_b_c", "k"} {
		assert.NoError(t, ValidateEnvName(name), name)
	}
	for _, name := range []string{"", "1A", "A-B", "A B", "A=B", "A\x00B", "É"} {
		assert.ErrorIs(t, ValidateEnvName(name), ErrInvalidEnvName, "%q", name)
	}
}

func TestEnviron(t *testing.T) {
	s := secretsOf(map[string]string{"API_KEY": "sk-123", "TOKEN": "abc"})

	env, err := s.Environ([]string{"PATH=/bin", "API_KEY=stale", "OTHER=1"}, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"PATH=/bin", "OTHER=1", "API_KEY=sk-123", "TOKEN=abc"}, env)

	env, err = s.Environ([]string{"API_KEY=kept"}, "APP_")
	require.NoError(t, err)
	assert.Equal(t, []string{"API_KEY=kept", "APP_API_KEY=sk-123", "APP_TOKEN=abc"}, env)
}

func TestEnvironRejects(t *testing.T) {
	for _, name := range []string{"PATH", "HOME", "LC_ALL", "IFS"} {
		s := secretsOf(map[string]string{name: "value"})
		_, err := s.Environ(nil, "")
		assert.ErrorIs(t, err, ErrReservedEnvVar, name)
	}

	s := secretsOf(map[string]string{"PATH": "value"})
	_, err := s.Environ(nil, "MY_")
	assert.NoError(t, err, "prefix avoids the reserved name")

	s = secretsOf(map[string]string{"K": "a\x00b"})
	_, err = s.Environ(nil, "")
	assert.ErrorIs(t, err, ErrNulByte)

	s = secretsOf(map[string]string{"K": "v"})
	_, err = s.Environ(nil, "1")
	assert.ErrorIs(t, err, ErrInvalidEnvName)
}

func TestSecretsWipe(t *testing.T) {
	s := secretsOf(map[string]string{"K": "secret"})
	raw := s.values["K"]
	s.Wipe()

	assert.Equal(t, make([]byte, len(raw)), raw)
	assert.Zero(t, s.Len())
	_, ok := s.Get("K")
	assert.False(t, ok)
}

func TestSanitizer(t *testing.T) {
	s := secretsOf(map[string]string{"API_KEY": "sk-12345", "PIN": "123"})
	san := NewSanitizer(s)
	s.Wipe()

	out := san.Sanitize([]byte("key=sk-12345 pin=123"))
	assert.Equal(t, "key=[REDACTED:API_KEY] pin=123", string(out), "short values are left alone")

	assert.Equal(t, "nothing here", string(san.Sanitize([]byte("nothing here"))))
}

// chunkReader returns at most n bytes per Read.
type chunkReader struct {
	r io.Reader
	n int
}

func (c *chunkReader) Read(p []byte) (int, error) {
	if len(p) > c.n {
		p = p[:c.n]
	}
	return c.r.Read(p)
}

func TestSanitizerCopySplitAcrossReads(t *testing.T) {
	s := secretsOf(map[string]string{"PASSWORD": "hunter2-very-secret"})
	san := NewSanitizer(s)

	input := strings.Repeat("log line ", 5) + "password=hunter2-very-secret\n" + "done\n"
	for _, size := range []int{1, 3, 7, 16, 4096} {
		var dst bytes.Buffer
		err := san.Copy(&dst, &chunkReader{r: strings.NewReader(input), n: size})
		require.NoError(t, err)
		assert.Equal(t,
			strings.Repeat("log line ", 5)+"password=[REDACTED:PASSWORD]\ndone\n",
			dst.String(), "chunk size %d", size)
	}
}

func TestSanitizerBinaryPassThrough(t *testing.T) {
	s := secretsOf(map[string]string{"K": "secret"})
	san := NewSanitizer(s)

	data := append(bytes.Repeat([]byte{0x01, 0x02}, 10), []byte("secret")...)
	var dst bytes.Buffer
	require.NoError(t, san.Copy(&dst, bytes.NewReader(data)))
	assert.Equal(t, data, dst.Bytes())

	assert.False(t, isBinaryData([]byte("plain text\n")))
	assert.False(t, isBinaryData(nil))
	assert.True(t, isBinaryData([]byte{0, 1, 2, 'a'}))
}
