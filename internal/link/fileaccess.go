package link

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"
)

// AccessTokenGuard mints and checks short-lived file retrieval tokens
// of the form fileID.expiryEpoch.mac, where mac is an HMAC-SHA256 over
// "fileID.expiryEpoch" under the server secret. This is the in-process
// alternative to object-store presigned URLs.
type AccessTokenGuard struct {
	secret []byte
	ttl    time.Duration
}

// NewAccessTokenGuard creates a guard with the given server secret and
// token lifetime.
func NewAccessTokenGuard(secret string, ttl time.Duration) *AccessTokenGuard {
	return &AccessTokenGuard{secret: []byte(secret), ttl: ttl}
}

// IssueFileToken mints a retrieval token for one file.
func (g *AccessTokenGuard) IssueFileToken(fileID string) string {
	expiry := strconv.FormatInt(time.Now().Add(g.ttl).Unix(), 10)
	return fileID + "." + expiry + "." + g.mac(fileID+"."+expiry)
}

// ResolveFileToken validates a token and returns the file ID it grants
// access to. Any structural, expiry, or MAC failure returns ErrNotFound
// so callers cannot distinguish a forged token from a stale one.
func (g *AccessTokenGuard) ResolveFileToken(token string) (string, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return "", ErrNotFound
	}
	fileID, expiryStr, mac := parts[0], parts[1], parts[2]
	expiry, err := strconv.ParseInt(expiryStr, 10, 64)
	if err != nil || time.Now().Unix() > expiry {
		return "", ErrNotFound
	}
	expected := g.mac(fileID + "." + expiryStr)
	if !hmac.Equal([]byte(mac), []byte(expected)) {
		return "", ErrNotFound
	}
	return fileID, nil
}

func (g *AccessTokenGuard) mac(msg string) string {
	h := hmac.New(sha256.New, g.secret)
	h.Write([]byte(msg))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}

// ValidateSecret rejects secrets too short to key the MAC safely.
func ValidateSecret(secret string) error {
	if len(secret) < 32 {
		return errors.New("server secret must be at least 32 bytes")
	}
	return nil
}
