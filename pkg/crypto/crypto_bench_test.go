package crypto_test

import (
	"testing"

	"github.com/forest6511/credvault/pkg/crypto"
)

// BenchmarkDeriveKey measures the production scrypt cost.
// Expected: a few hundred milliseconds and ~128MB per derivation.
func BenchmarkDeriveKey(b *testing.B) {
	password := []byte("testpassword123!")
	salt, err := crypto.RandomBytes(crypto.SaltLength)
	if err != nil {
		b.Fatal(err)
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := crypto.DeriveKey(password, salt); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkEncrypt1KB(b *testing.B)   { benchmarkEncrypt(b, 1024) }
func BenchmarkEncrypt100KB(b *testing.B) { benchmarkEncrypt(b, 100*1024) }
func BenchmarkDecrypt1KB(b *testing.B)   { benchmarkDecrypt(b, 1024) }
func BenchmarkDecrypt100KB(b *testing.B) { benchmarkDecrypt(b, 100*1024) }

func benchmarkEncrypt(b *testing.B, size int) {
	b.Helper()
	key, data := benchInput(b, size)

	b.ReportAllocs()
	b.SetBytes(int64(size))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := crypto.Encrypt(key, data); err != nil {
			b.Fatal(err)
		}
	}
}

func benchmarkDecrypt(b *testing.B, size int) {
	b.Helper()
	key, data := benchInput(b, size)
	sealed, err := crypto.Encrypt(key, data)
	if err != nil {
		b.Fatal(err)
	}

	b.ReportAllocs()
	b.SetBytes(int64(size))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := crypto.Decrypt(key, sealed); err != nil {
			b.Fatal(err)
		}
	}
}

func benchInput(b *testing.B, size int) ([]byte, []byte) {
	b.Helper()
	key, err := crypto.RandomKey()
	if err != nil {
		b.Fatal(err)
	}
	data, err := crypto.RandomBytes(size)
	if err != nil {
		b.Fatal(err)
	}
	return key, data
}
