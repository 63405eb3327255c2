package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/scrypt"
)

// Ошибки шифрования
var (
	ErrInvalidKeyLength   = errors.New("encryption key must be exactly 32 bytes for AES-256")
	ErrEmptySecret        = errors.New("encryption secret is empty")
	ErrInvalidCiphertext  = errors.New("invalid ciphertext")
	ErrCiphertextTooShort = errors.New("ciphertext too short")
	ErrDecryptionFailed   = errors.New("decryption failed: authentication error")
)

const KeySize = 32

// Параметры scrypt (N=2^15, r=8, p=1) - рекомендованные для интерактивного использования
const (
	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

// DeriveKey выводит 32-байтный ключ AES-256 из секрета и соли через scrypt.
// Секрет из окружения может быть любой длины.
func DeriveKey(secret, salt string) ([]byte, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	key, err := scrypt.Key([]byte(secret), []byte(salt), scryptN, scryptR, scryptP, KeySize)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

// GenerateKey генерирует криптографически стойкий случайный ключ
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, err
	}
	return key, nil
}

// Cipher шифрует поля записей (API ключи бирж) через AES-256-GCM.
// Формат шифртекста: base64(nonce || ciphertext || tag).
// Безопасен для конкурентного использования.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher создаёт Cipher для 32-байтного ключа
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeyLength
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	return &Cipher{aead: aead}, nil
}

// NewCipherFromSecret выводит ключ через DeriveKey и создаёт Cipher
func NewCipherFromSecret(secret, salt string) (*Cipher, error) {
	key, err := DeriveKey(secret, salt)
	if err != nil {
		return nil, err
	}
	return NewCipher(key)
}

// Encrypt шифрует plaintext со случайным nonce
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt расшифровывает и проверяет тег аутентификации.
// При любой ошибке plaintext не возвращается.
func (c *Cipher) Decrypt(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", ErrInvalidCiphertext
	}

	nonceSize := c.aead.NonceSize()
	if len(raw) < nonceSize+c.aead.Overhead() {
		return "", ErrCiphertextTooShort
	}

	plaintext, err := c.aead.Open(nil, raw[:nonceSize], raw[nonceSize:], nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}

	return string(plaintext), nil
}
