package credentials

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// sealVersion prefixes every sealed value and is authenticated with it.
const sealVersion byte = 0x01

var hkdfInfo = []byte("shodan.oauth_tokens.v1")

// ErrSealed is returned when a stored token is encrypted but no key is configured.
var ErrSealed = errors.New("credentials: token is encrypted but ENCRYPTION_KEY is not set")

// Sealer encrypts token values at rest with XChaCha20-Poly1305. The key is
// derived from a 32-byte master key with HKDF-SHA256; the provider name is
// bound in as additional data so rows cannot be swapped.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer creates a Sealer from a base64-encoded 32-byte key, e.g. the
// output of `openssl rand -base64 32`.
func NewSealer(base64Key string) (*Sealer, error) {
	if base64Key == "" {
		return nil, errors.New("encryption key is empty")
	}
	master, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key: base64 decode failed: %w", err)
	}
	if len(master) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("invalid encryption key: must be %d bytes, got %d", chacha20poly1305.KeySize, len(master))
	}
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, hkdfInfo), key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// Seal encrypts plaintext for provider and returns base64 text. Empty
// values stay empty.
//
//	[version: 1 byte] [nonce: 24 bytes] [ciphertext+tag]
func (s *Sealer) Seal(provider, plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	var nonce [chacha20poly1305.NonceSizeX]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	out := make([]byte, 1+chacha20poly1305.NonceSizeX, 1+chacha20poly1305.NonceSizeX+len(plaintext)+s.aead.Overhead())
	out[0] = sealVersion
	copy(out[1:], nonce[:])
	out = s.aead.Seal(out, nonce[:], []byte(plaintext), aad(provider))
	return base64.StdEncoding.EncodeToString(out), nil
}

// Open reverses Seal.
func (s *Sealer) Open(provider, sealed string) (string, error) {
	if sealed == "" {
		return "", nil
	}
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("decode sealed token: %w", err)
	}
	if len(raw) < 1+chacha20poly1305.NonceSizeX+s.aead.Overhead() {
		return "", fmt.Errorf("sealed token is %d bytes, too short", len(raw))
	}
	if raw[0] != sealVersion {
		return "", fmt.Errorf("sealed token version %d is not supported", raw[0])
	}
	nonce := raw[1 : 1+chacha20poly1305.NonceSizeX]
	plain, err := s.aead.Open(nil, nonce, raw[1+chacha20poly1305.NonceSizeX:], aad(provider))
	if err != nil {
		// Don't expose internal error details.
		return "", errors.New("decryption failed: authentication or integrity check failed")
	}
	return string(plain), nil
}

func aad(provider string) []byte {
	return append([]byte{sealVersion}, provider...)
}
