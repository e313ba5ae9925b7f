package crypto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKDF = KDFParams{N: 1 << 10, R: 8, P: 1}

func newKey(t *testing.T) []byte {
	t.Helper()
	key, err := RandomKey()
	require.NoError(t, err)
	return key
}

func TestDeriveKey(t *testing.T) {
	salt, err := RandomBytes(SaltLength)
	require.NoError(t, err)

	key, err := DeriveKeyWithParams([]byte("pw1"), salt, testKDF)
	require.NoError(t, err)
	assert.Len(t, key, KeyLength)

	again, err := DeriveKeyWithParams([]byte("pw1"), salt, testKDF)
	require.NoError(t, err)
	assert.Equal(t, key, again, "same password and salt must give the same key")

	other, err := DeriveKeyWithParams([]byte("pw2"), salt, testKDF)
	require.NoError(t, err)
	assert.NotEqual(t, key, other)

	salt2, err := RandomBytes(SaltLength)
	require.NoError(t, err)
	other, err = DeriveKeyWithParams([]byte("pw1"), salt2, testKDF)
	require.NoError(t, err)
	assert.NotEqual(t, key, other)
}

func TestDeriveKeyDefaultParams(t *testing.T) {
	if testing.Short() {
		t.Skip("production scrypt cost")
	}
	assert.Equal(t, KDFParams{N: 131072, R: 8, P: 1}, DefaultKDFParams)

	key, err := DeriveKey([]byte("pw1"), make([]byte, SaltLength))
	require.NoError(t, err)
	assert.Len(t, key, KeyLength)
}

func TestDeriveKeyInvalidParams(t *testing.T) {
	_, err := DeriveKeyWithParams([]byte("pw"), []byte("salt"), KDFParams{N: 3, R: 8, P: 1})
	assert.Error(t, err, "N must be a power of two")
}

func TestEncryptLayout(t *testing.T) {
	key := newKey(t)
	plaintext := []byte("sk-123")

	sealed, err := Encrypt(key, plaintext)
	require.NoError(t, err)
	assert.Len(t, sealed.IV, IVLength)
	assert.Len(t, sealed.Tag, TagLength)
	assert.Len(t, sealed.Ciphertext, len(plaintext))
	assert.NotEqual(t, plaintext, sealed.Ciphertext)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := newKey(t)
	large, err := RandomBytes(10000)
	require.NoError(t, err)

	tests := []struct {
		name      string
		plaintext []byte
	}{
		{"empty", []byte{}},
		{"small", []byte("x")},
		{"utf8", []byte("pässwörd ✓")},
		{"large", large},
		{"binary", []byte{0x00, 0xFF, 0x01, 0xFE}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sealed, err := Encrypt(key, tt.plaintext)
			require.NoError(t, err)

			got, err := Decrypt(key, sealed)
			require.NoError(t, err)
			assert.True(t, bytes.Equal(tt.plaintext, got))
		})
	}
}

func TestEncryptUniqueIV(t *testing.T) {
	key := newKey(t)
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		sealed, err := Encrypt(key, []byte("same"))
		require.NoError(t, err)
		require.False(t, seen[string(sealed.IV)], "iv reused on iteration %d", i)
		seen[string(sealed.IV)] = true
	}
}

func TestDecryptAuthenticationFailure(t *testing.T) {
	key := newKey(t)
	sealed, err := Encrypt(key, []byte("secret data that should be protected"))
	require.NoError(t, err)

	clone := func() *Sealed {
		return &Sealed{
			IV:         append([]byte(nil), sealed.IV...),
			Tag:        append([]byte(nil), sealed.Tag...),
			Ciphertext: append([]byte(nil), sealed.Ciphertext...),
		}
	}

	tests := []struct {
		name   string
		key    []byte
		mutate func(s *Sealed)
	}{
		{"wrong key", newKey(t), func(*Sealed) {}},
		{"tampered ciphertext", key, func(s *Sealed) { s.Ciphertext[0] ^= 0x01 }},
		{"tampered tag", key, func(s *Sealed) { s.Tag[15] ^= 0x80 }},
		{"tampered iv", key, func(s *Sealed) { s.IV[0] ^= 0x01 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := clone()
			tt.mutate(s)
			got, err := Decrypt(tt.key, s)
			assert.ErrorIs(t, err, ErrAuthenticationFailed)
			assert.Nil(t, got)
		})
	}
}

func TestDecryptInvalidLengths(t *testing.T) {
	key := newKey(t)
	good := &Sealed{IV: make([]byte, IVLength), Tag: make([]byte, TagLength), Ciphertext: []byte("x")}

	_, err := Decrypt(make([]byte, 16), good)
	assert.ErrorIs(t, err, ErrInvalidKeyLength)

	_, err = Decrypt(key, &Sealed{IV: make([]byte, 8), Tag: good.Tag})
	assert.ErrorIs(t, err, ErrInvalidIVLength)

	_, err = Decrypt(key, &Sealed{IV: good.IV, Tag: make([]byte, 4)})
	assert.ErrorIs(t, err, ErrInvalidTagLength)

	_, err = Decrypt(key, nil)
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestEncryptInvalidKeyLength(t *testing.T) {
	for _, n := range []int{0, 16, 24, 48} {
		_, err := Encrypt(make([]byte, n), []byte("x"))
		assert.ErrorIs(t, err, ErrInvalidKeyLength, "key length %d", n)
	}
}

func TestSecureWipe(t *testing.T) {
	data := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	SecureWipe(data)
	assert.Equal(t, make([]byte, 8), data)

	SecureWipe(nil)
	SecureWipe([]byte{})

	s := &Sealed{IV: []byte{1}, Tag: []byte{2}, Ciphertext: []byte{3}}
	s.Wipe()
	assert.Equal(t, []byte{0}, s.IV)
	assert.Equal(t, []byte{0}, s.Tag)
	assert.Equal(t, []byte{0}, s.Ciphertext)
}

func TestLockMemory(t *testing.T) {
	buf := make([]byte, KeyLength)
	if err := LockMemory(buf); err != nil {
		t.Skipf("mlock unavailable: %v", err)
	}
	assert.NoError(t, UnlockMemory(buf))
	assert.NoError(t, LockMemory(nil))
}
