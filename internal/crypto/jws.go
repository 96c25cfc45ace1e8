package crypto

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"os"

	"github.com/golang-jwt/jwt/v5"
)

// Signer holds the long-lived EC P-256 signing key for verifiable
// cards. It is constructed once at boot and read-only afterwards.
type Signer struct {
	key *ecdsa.PrivateKey
	kid string
}

// ecJWK is the JSON Web Key form the signing key is stored in.
type ecJWK struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
	D   string `json:"d,omitempty"`
}

// NewSignerFromFile loads an EC P-256 private JWK from path. Key parse
// failures are fatal at startup rather than deferred to the first sign.
func NewSignerFromFile(path string) (*Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading signing key %s: %w", path, err)
	}
	return NewSigner(data)
}

// NewSigner parses a private EC P-256 JWK and computes its key ID.
func NewSigner(jwkJSON []byte) (*Signer, error) {
	var k ecJWK
	if err := json.Unmarshal(jwkJSON, &k); err != nil {
		return nil, fmt.Errorf("parsing signing JWK: %w", err)
	}
	if k.Kty != "EC" || k.Crv != "P-256" {
		return nil, fmt.Errorf("signing key must be an EC P-256 JWK, got kty=%q crv=%q", k.Kty, k.Crv)
	}
	x, err := decodeCoord(k.X)
	if err != nil {
		return nil, fmt.Errorf("parsing x coordinate: %w", err)
	}
	y, err := decodeCoord(k.Y)
	if err != nil {
		return nil, fmt.Errorf("parsing y coordinate: %w", err)
	}
	if k.D == "" {
		return nil, fmt.Errorf("signing JWK has no private component")
	}
	d, err := decodeCoord(k.D)
	if err != nil {
		return nil, fmt.Errorf("parsing private component: %w", err)
	}

	priv := &ecdsa.PrivateKey{
		PublicKey: ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y},
		D:         d,
	}
	return &Signer{key: priv, kid: thumbprint(&priv.PublicKey)}, nil
}

// KeyID returns the RFC 7638 thumbprint key ID. Stable for the life of
// the key.
func (s *Signer) KeyID() string {
	return s.kid
}

// Sign produces the JWS compact serialization of an already-deflated
// payload. Protected header: {alg: ES256, kid, zip: DEF}.
func (s *Signer) Sign(deflatedPayload []byte) (string, error) {
	header := map[string]any{
		"alg": "ES256",
		"kid": s.kid,
		"zip": "DEF",
	}
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return "", fmt.Errorf("marshaling JWS header: %w", err)
	}

	signingInput := base64.RawURLEncoding.EncodeToString(headerJSON) +
		"." + base64.RawURLEncoding.EncodeToString(deflatedPayload)

	sig, err := jwt.SigningMethodES256.Sign(signingInput, s.key)
	if err != nil {
		return "", fmt.Errorf("signing payload: %w", err)
	}
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

// Verify checks a compact JWS produced by Sign against the signer's
// public key.
func (s *Signer) Verify(compact string) error {
	i := len(compact)
	for n, dots := 0, 0; n < len(compact); n++ {
		if compact[n] == '.' {
			dots++
			if dots == 2 {
				i = n
			}
		}
	}
	if i == len(compact) {
		return fmt.Errorf("malformed compact JWS")
	}
	sig, err := base64.RawURLEncoding.DecodeString(compact[i+1:])
	if err != nil {
		return fmt.Errorf("decoding signature: %w", err)
	}
	return jwt.SigningMethodES256.Verify(compact[:i], sig, &s.key.PublicKey)
}

// PublicJWK exports the public key as a JWK map for the key discovery
// document: public params plus kid, use=sig, alg=ES256.
func (s *Signer) PublicJWK() map[string]any {
	return map[string]any{
		"kty": "EC",
		"crv": "P-256",
		"x":   encodeCoord(s.key.PublicKey.X),
		"y":   encodeCoord(s.key.PublicKey.Y),
		"kid": s.kid,
		"use": "sig",
		"alg": "ES256",
	}
}

// GenerateSigningKey creates a fresh EC P-256 key pair and returns it
// as private JWK JSON. Used by the CLI to provision a deployment.
func GenerateSigningKey() ([]byte, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating EC key pair: %w", err)
	}
	k := ecJWK{
		Kty: "EC",
		Crv: "P-256",
		X:   encodeCoord(priv.PublicKey.X),
		Y:   encodeCoord(priv.PublicKey.Y),
		D:   encodeCoord(priv.D),
	}
	return json.Marshal(k)
}

// thumbprint computes the RFC 7638 JWK thumbprint: SHA-256 of the
// canonical JSON containing only the required public fields in
// lexicographic order, base64url-encoded.
func thumbprint(pub *ecdsa.PublicKey) string {
	canonical := fmt.Sprintf(`{"crv":"P-256","kty":"EC","x":%q,"y":%q}`,
		encodeCoord(pub.X), encodeCoord(pub.Y))
	sum := sha256.Sum256([]byte(canonical))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// encodeCoord encodes a P-256 field element as base64url of its
// fixed-width 32-byte big-endian form.
func encodeCoord(v *big.Int) string {
	buf := make([]byte, 32)
	v.FillBytes(buf)
	return base64.RawURLEncoding.EncodeToString(buf)
}

func decodeCoord(s string) (*big.Int, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(b), nil
}
