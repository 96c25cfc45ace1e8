package crypto

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"
)

func newTestSigner(t *testing.T) *Signer {
	t.Helper()
	jwk, err := GenerateSigningKey()
	if err != nil {
		t.Fatalf("GenerateSigningKey failed: %v", err)
	}
	s, err := NewSigner(jwk)
	if err != nil {
		t.Fatalf("NewSigner failed: %v", err)
	}
	return s
}

func TestSignAndVerify(t *testing.T) {
	s := newTestSigner(t)

	compact, err := s.Sign([]byte("deflated payload bytes"))
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	if got := strings.Count(compact, "."); got != 2 {
		t.Fatalf("expected 2 dots in compact JWS, got %d", got)
	}
	if err := s.Verify(compact); err != nil {
		t.Errorf("Verify failed: %v", err)
	}

	// Flipping a payload byte must break verification.
	parts := strings.Split(compact, ".")
	payload, _ := base64.RawURLEncoding.DecodeString(parts[1])
	payload[0] ^= 0xff
	parts[1] = base64.RawURLEncoding.EncodeToString(payload)
	if err := s.Verify(strings.Join(parts, ".")); err == nil {
		t.Error("expected verification failure for tampered payload")
	}
}

func TestSignHeader(t *testing.T) {
	s := newTestSigner(t)
	compact, err := s.Sign([]byte("x"))
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	headerB64 := strings.Split(compact, ".")[0]
	headerJSON, err := base64.RawURLEncoding.DecodeString(headerB64)
	if err != nil {
		t.Fatalf("decoding header: %v", err)
	}
	var header map[string]string
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		t.Fatalf("parsing header: %v", err)
	}
	if header["alg"] != "ES256" {
		t.Errorf("alg = %q, want ES256", header["alg"])
	}
	if header["zip"] != "DEF" {
		t.Errorf("zip = %q, want DEF", header["zip"])
	}
	if header["kid"] != s.KeyID() {
		t.Errorf("kid = %q, want %q", header["kid"], s.KeyID())
	}
}

func TestKeyIDStable(t *testing.T) {
	jwk, _ := GenerateSigningKey()
	s1, _ := NewSigner(jwk)
	s2, _ := NewSigner(jwk)
	if s1.KeyID() != s2.KeyID() {
		t.Error("key ID must be deterministic for the same key")
	}
	if s1.PublicJWK()["kid"] != s1.KeyID() {
		t.Error("PublicJWK kid must match KeyID")
	}
	// 43 chars: base64url SHA-256 without padding.
	if len(s1.KeyID()) != 43 {
		t.Errorf("kid length = %d, want 43", len(s1.KeyID()))
	}
}

func TestPublicJWKShape(t *testing.T) {
	s := newTestSigner(t)
	jwk := s.PublicJWK()
	if jwk["kty"] != "EC" || jwk["crv"] != "P-256" {
		t.Errorf("unexpected key type: %v/%v", jwk["kty"], jwk["crv"])
	}
	if jwk["use"] != "sig" || jwk["alg"] != "ES256" {
		t.Errorf("unexpected use/alg: %v/%v", jwk["use"], jwk["alg"])
	}
	if _, ok := jwk["d"]; ok {
		t.Error("public JWK must not carry the private component")
	}
}

func TestNewSignerRejectsBadKeys(t *testing.T) {
	for _, bad := range []string{
		`not json`,
		`{"kty":"RSA","crv":"P-256"}`,
		`{"kty":"EC","crv":"P-384","x":"AA","y":"AA","d":"AA"}`,
		`{"kty":"EC","crv":"P-256","x":"AA","y":"AA"}`,
	} {
		if _, err := NewSigner([]byte(bad)); err == nil {
			t.Errorf("NewSigner(%q) should have failed", bad)
		}
	}
}
