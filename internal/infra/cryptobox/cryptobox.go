package cryptobox

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"bsky-scheduler/internal/domain"
)

// Формат запечатанных данных: магическая метка, байт версии, случайный
// nonce и шифртекст с тегом аутентификации. Длины не кодируются —
// шифртекст занимает остаток буфера.
var magic = []byte("SBED")

const (
	version     = 0x00
	keyLength   = 32
	nonceLength = 12
)

// GenerateKey создаёт свежий 256-битный ключ.
func GenerateKey() ([]byte, error) {
	key := make([]byte, keyLength)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return key, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != keyLength {
		return nil, fmt.Errorf("key must be %d bytes, got %d", keyLength, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Encrypt запечатывает данные ключом. Каждый вызов использует новый
// случайный nonce.
func Encrypt(data, key []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, nonceLength)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	sealed := make([]byte, 0, len(magic)+1+nonceLength+len(data)+gcm.Overhead())
	sealed = append(sealed, magic...)
	sealed = append(sealed, version)
	sealed = append(sealed, nonce...)
	return gcm.Seal(sealed, nonce, data, nil), nil
}

// Decrypt распечатывает данные. Возвращает domain.ErrFormat при
// несовпадении метки или версии и domain.ErrAuthentication, если не
// сошёлся тег; частично расшифрованные данные не возвращаются никогда.
func Decrypt(sealed, key []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	minLength := len(magic) + 1 + nonceLength + gcm.Overhead()
	if len(sealed) < minLength {
		return nil, domain.ErrFormat
	}
	if !bytes.Equal(sealed[:len(magic)], magic) {
		return nil, domain.ErrFormat
	}
	if sealed[len(magic)] != version {
		return nil, domain.ErrFormat
	}
	nonce := sealed[len(magic)+1 : len(magic)+1+nonceLength]
	ciphertext := sealed[len(magic)+1+nonceLength:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, domain.ErrAuthentication
	}
	return plaintext, nil
}

// EncryptJSON сериализует значение в JSON и запечатывает его.
func EncryptJSON(v any, key []byte) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return Encrypt(data, key)
}

// DecryptJSON распечатывает данные и разбирает JSON в out.
func DecryptJSON(sealed, key []byte, out any) error {
	data, err := Decrypt(sealed, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &domain.ValidationError{Message: fmt.Sprintf("decrypted payload is not valid JSON: %v", err)}
	}
	return nil
}

// jwk — переносимое JSON-представление симметричного ключа. Позволяет
// хранить ключ в строке ThreadRef и передавать его между клиентом и
// сервером.
type jwk struct {
	Kty string `json:"kty"`
	Alg string `json:"alg,omitempty"`
	K   string `json:"k"`
}

// ExportJWK сериализует ключ в переносимую JSON-форму.
func ExportJWK(key []byte) (string, error) {
	if len(key) != keyLength {
		return "", fmt.Errorf("key must be %d bytes, got %d", keyLength, len(key))
	}
	data, err := json.Marshal(jwk{
		Kty: "oct",
		Alg: "A256GCM",
		K:   base64.RawURLEncoding.EncodeToString(key),
	})
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ImportJWK восстанавливает ключ из переносимой JSON-формы.
func ImportJWK(raw string) ([]byte, error) {
	var parsed jwk
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, fmt.Errorf("parse key: %w", err)
	}
	if parsed.Kty != "oct" {
		return nil, fmt.Errorf("unexpected key type %q", parsed.Kty)
	}
	key, err := base64.RawURLEncoding.DecodeString(parsed.K)
	if err != nil {
		// WebCrypto экспортирует k без набивки, но принимаем и вариант с ней.
		key, err = base64.URLEncoding.DecodeString(parsed.K)
		if err != nil {
			return nil, fmt.Errorf("decode key material: %w", err)
		}
	}
	if len(key) != keyLength {
		return nil, fmt.Errorf("key must be %d bytes, got %d", keyLength, len(key))
	}
	return key, nil
}
