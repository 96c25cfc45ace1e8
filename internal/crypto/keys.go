package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
)

// GenerateKey generates a 256-bit cryptographically secure random value
// encoded as unpadded base64url (43 characters). The same construction
// serves as manifest ID, management token, and symmetric content key:
// uniform 256-bit values make collisions and guessing negligible by
// construction.
func GenerateKey() (string, error) {
	b := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", fmt.Errorf("generating key material: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
