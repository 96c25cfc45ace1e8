package crypto

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestGenerateKey(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	if len(key) != 43 {
		t.Errorf("expected 43 base64url chars, got %d", len(key))
	}
	if strings.ContainsAny(key, "+/=") {
		t.Errorf("key %q contains non-url-safe characters", key)
	}
	key2, _ := GenerateKey()
	if key == key2 {
		t.Error("two generated keys should not be equal")
	}
}

func TestJWERoundTrip(t *testing.T) {
	key, _ := GenerateKey()
	plaintext := []byte(`{"resourceType":"Bundle","total":3}`)

	token, err := EncryptJWE(plaintext, key)
	if err != nil {
		t.Fatalf("EncryptJWE failed: %v", err)
	}
	parts := strings.Split(token, ".")
	if len(parts) != 5 {
		t.Fatalf("expected 5 compact parts, got %d", len(parts))
	}
	if parts[1] != "" {
		t.Errorf("encrypted key part should be empty for alg=dir, got %q", parts[1])
	}

	decrypted, err := DecryptJWE(token, key)
	if err != nil {
		t.Fatalf("DecryptJWE failed: %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Errorf("decrypted %q != original %q", decrypted, plaintext)
	}
}

func TestJWEFreshNoncePerCall(t *testing.T) {
	key, _ := GenerateKey()
	plaintext := []byte("same plaintext")

	t1, _ := EncryptJWE(plaintext, key)
	t2, _ := EncryptJWE(plaintext, key)
	if t1 == t2 {
		t.Error("two encryptions of the same plaintext must differ (fresh nonce)")
	}
	iv1 := strings.Split(t1, ".")[2]
	iv2 := strings.Split(t2, ".")[2]
	if iv1 == iv2 {
		t.Error("nonce must be freshly random per call")
	}
}

func TestJWEWrongKey(t *testing.T) {
	key, _ := GenerateKey()
	other, _ := GenerateKey()

	token, _ := EncryptJWE([]byte("secret data"), key)
	_, err := DecryptJWE(token, other)
	if !errors.Is(err, ErrCrypto) {
		t.Errorf("expected ErrCrypto with wrong key, got %v", err)
	}
}

func TestJWETamperedCiphertext(t *testing.T) {
	key, _ := GenerateKey()
	token, _ := EncryptJWE([]byte("secret data"), key)

	parts := strings.Split(token, ".")
	ct := []byte(parts[3])
	if ct[0] == 'A' {
		ct[0] = 'B'
	} else {
		ct[0] = 'A'
	}
	parts[3] = string(ct)

	_, err := DecryptJWE(strings.Join(parts, "."), key)
	if !errors.Is(err, ErrCrypto) {
		t.Errorf("expected ErrCrypto for tampered ciphertext, got %v", err)
	}
}

func TestJWEMalformed(t *testing.T) {
	key, _ := GenerateKey()
	for _, token := range []string{
		"",
		"onlyonepart",
		"a.b.c",
		"a.notempty.c.d.e",
		"!!!..###.$$$.%%%",
	} {
		if _, err := DecryptJWE(token, key); !errors.Is(err, ErrCrypto) {
			t.Errorf("token %q: expected ErrCrypto, got %v", token, err)
		}
	}
}

func TestJWEBadKeyLength(t *testing.T) {
	if _, err := EncryptJWE([]byte("x"), "c2hvcnQ"); err == nil {
		t.Error("expected error for short key")
	}
}
