package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog/log"
)

// ErrCrypto is the only decryption error surfaced to callers. Whether
// the failure was a bad tag, a wrong key, or a malformed token is
// logged internally and never leaked to the protocol boundary.
var ErrCrypto = errors.New("decryption failed")

// jweHeader is the fixed protected header for direct A256GCM
// encryption. The key is delivered out of band inside the link URI, so
// the encrypted-key part of the compact serialization stays empty.
const jweHeader = `{"alg":"dir","enc":"A256GCM"}`

const gcmTagSize = 16

// EncryptJWE encrypts plaintext with AES-256-GCM under the base64url
// key and returns the five-part JWE compact serialization
// (header..iv.ciphertext.tag). The 96-bit nonce is generated fresh
// from crypto/rand on every call; callers cannot supply one, which
// structurally rules out nonce reuse under a shared key.
func EncryptJWE(plaintext []byte, keyB64 string) (string, error) {
	gcm, err := newGCM(keyB64)
	if err != nil {
		return "", fmt.Errorf("preparing cipher: %w", err)
	}

	iv := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}

	protected := base64.RawURLEncoding.EncodeToString([]byte(jweHeader))
	// The protected header is authenticated as additional data, per the
	// compact serialization rules.
	sealed := gcm.Seal(nil, iv, plaintext, []byte(protected))
	ciphertext := sealed[:len(sealed)-gcmTagSize]
	tag := sealed[len(sealed)-gcmTagSize:]

	parts := []string{
		protected,
		"", // encrypted key: empty for alg=dir
		base64.RawURLEncoding.EncodeToString(iv),
		base64.RawURLEncoding.EncodeToString(ciphertext),
		base64.RawURLEncoding.EncodeToString(tag),
	}
	return strings.Join(parts, "."), nil
}

// DecryptJWE decrypts a JWE compact serialization produced by
// EncryptJWE. Any structural defect, tag mismatch, or wrong key yields
// ErrCrypto.
func DecryptJWE(token, keyB64 string) ([]byte, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 5 || parts[1] != "" {
		log.Debug().Int("parts", len(parts)).Msg("malformed JWE compact serialization")
		return nil, ErrCrypto
	}

	iv, err1 := base64.RawURLEncoding.DecodeString(parts[2])
	ciphertext, err2 := base64.RawURLEncoding.DecodeString(parts[3])
	tag, err3 := base64.RawURLEncoding.DecodeString(parts[4])
	if err1 != nil || err2 != nil || err3 != nil {
		log.Debug().Msg("JWE part is not valid base64url")
		return nil, ErrCrypto
	}

	gcm, err := newGCM(keyB64)
	if err != nil {
		log.Debug().Err(err).Msg("JWE key rejected by cipher")
		return nil, ErrCrypto
	}
	if len(iv) != gcm.NonceSize() || len(tag) != gcmTagSize {
		log.Debug().Msg("JWE nonce or tag has wrong length")
		return nil, ErrCrypto
	}

	sealed := append(append([]byte{}, ciphertext...), tag...)
	plaintext, err := gcm.Open(nil, iv, sealed, []byte(parts[0]))
	if err != nil {
		log.Debug().Msg("JWE authentication failed")
		return nil, ErrCrypto
	}
	return plaintext, nil
}

func newGCM(keyB64 string) (cipher.AEAD, error) {
	key, err := base64.RawURLEncoding.DecodeString(keyB64)
	if err != nil {
		return nil, fmt.Errorf("decoding key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
