package link

import (
	"errors"
	"fmt"
)

// Sentinel errors for link resolution and lifecycle operations. The API
// layer maps each to a distinct response status.
var (
	ErrNotFound          = errors.New("link not found")
	ErrRevoked           = errors.New("link revoked")
	ErrExpired           = errors.New("link expired")
	ErrPasscodeRequired  = errors.New("passcode required")
	ErrPasscodeExhausted = errors.New("passcode attempts exhausted")
	ErrInvalidState      = errors.New("invalid link state")
)

// PasscodeInvalidError reports a failed passcode guess along with the
// attempts left before lockout. Carries only the count, never the hash
// or the guess.
type PasscodeInvalidError struct {
	Remaining int
}

func (e *PasscodeInvalidError) Error() string {
	return fmt.Sprintf("passcode invalid, %d attempts remaining", e.Remaining)
}
