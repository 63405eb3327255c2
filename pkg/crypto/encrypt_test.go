package crypto

import (
	"bytes"
	"encoding/base64"
	"errors"
	"testing"
)

func newTestCipher(t *testing.T) *Cipher {
	t.Helper()
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	c, err := NewCipher(key)
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	return c
}

func TestCipher_EncryptDecrypt(t *testing.T) {
	c := newTestCipher(t)

	tests := []struct {
		name      string
		plaintext string
	}{
		{"API ключ", "vmPUZE6mv9SD5VNHk4HlWFsOr6aKE2zvsw0MuIgwCIPy6utIco14y7Ju91duEh8A"},
		{"секрет со спецсимволами", "s3cr3t!@#$%^&*()_+-=[]{}|;':\",./<>?"},
		{"юникод", "ключ-🔑"},
		{"пустая строка", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc, err := c.Encrypt(tt.plaintext)
			if err != nil {
				t.Fatalf("Encrypt: %v", err)
			}
			if enc == tt.plaintext && tt.plaintext != "" {
				t.Fatal("шифртекст совпадает с открытым текстом")
			}

			dec, err := c.Decrypt(enc)
			if err != nil {
				t.Fatalf("Decrypt: %v", err)
			}
			if dec != tt.plaintext {
				t.Errorf("Decrypt = %q, want %q", dec, tt.plaintext)
			}
		})
	}
}

func TestCipher_EncryptUsesRandomNonce(t *testing.T) {
	c := newTestCipher(t)

	a, _ := c.Encrypt("same")
	b, _ := c.Encrypt("same")
	if a == b {
		t.Error("два шифрования одного текста не должны совпадать")
	}
}

func TestNewCipher_InvalidKeyLength(t *testing.T) {
	for _, n := range []int{0, 16, 31, 33, 64} {
		if _, err := NewCipher(make([]byte, n)); !errors.Is(err, ErrInvalidKeyLength) {
			t.Errorf("len=%d: ожидался ErrInvalidKeyLength, получено %v", n, err)
		}
	}
}

func TestCipher_DecryptFailures(t *testing.T) {
	c := newTestCipher(t)
	other := newTestCipher(t)

	valid, _ := c.Encrypt("api-secret")
	raw, _ := base64.StdEncoding.DecodeString(valid)
	raw[len(raw)-1] ^= 0xff
	tampered := base64.StdEncoding.EncodeToString(raw)

	tests := []struct {
		name    string
		cipher  *Cipher
		input   string
		wantErr error
	}{
		{"не base64", c, "%%%not-base64%%%", ErrInvalidCiphertext},
		{"слишком короткий", c, base64.StdEncoding.EncodeToString([]byte("short")), ErrCiphertextTooShort},
		{"изменённый шифртекст", c, tampered, ErrDecryptionFailed},
		{"чужой ключ", other, valid, ErrDecryptionFailed},
		{"открытый текст вместо шифртекста", c, "plainApiKeyValue", ErrCiphertextTooShort},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.cipher.Decrypt(tt.input)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("ошибка = %v, want %v", err, tt.wantErr)
			}
			if got != "" {
				t.Errorf("при ошибке plaintext должен быть пустым, получено %q", got)
			}
		})
	}
}

func TestDeriveKey(t *testing.T) {
	k1, err := DeriveKey("server-secret", "salt-1")
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	if len(k1) != KeySize {
		t.Fatalf("длина ключа = %d, want %d", len(k1), KeySize)
	}

	k2, _ := DeriveKey("server-secret", "salt-1")
	if !bytes.Equal(k1, k2) {
		t.Error("вывод ключа должен быть детерминированным")
	}

	k3, _ := DeriveKey("server-secret", "salt-2")
	if bytes.Equal(k1, k3) {
		t.Error("разная соль должна давать разные ключи")
	}

	if _, err := DeriveKey("", "salt"); !errors.Is(err, ErrEmptySecret) {
		t.Errorf("ожидался ErrEmptySecret, получено %v", err)
	}
}

func TestNewCipherFromSecret(t *testing.T) {
	c1, err := NewCipherFromSecret("server-secret", "salt")
	if err != nil {
		t.Fatalf("NewCipherFromSecret: %v", err)
	}
	c2, _ := NewCipherFromSecret("server-secret", "salt")

	enc, _ := c1.Encrypt("rotate-me")
	dec, err := c2.Decrypt(enc)
	if err != nil || dec != "rotate-me" {
		t.Fatalf("шифр с тем же секретом должен расшифровывать: %q, %v", dec, err)
	}
}
