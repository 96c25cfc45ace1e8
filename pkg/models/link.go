package models

import (
	"errors"
	"sort"
	"strings"
	"time"
)

// LinkStatus is the lifecycle state of a health link.
type LinkStatus string

const (
	StatusActive  LinkStatus = "ACTIVE"
	StatusRevoked LinkStatus = "REVOKED"
)

// Flag is a single-letter capability bit on a link.
type Flag string

const (
	// FlagLongTerm marks a link whose data may change over time and can
	// be refreshed.
	FlagLongTerm Flag = "L"
	// FlagPasscode marks a link that requires a passcode on resolution.
	FlagPasscode Flag = "P"
	// FlagDirectFile marks a link that serves its single file via GET
	// instead of the manifest POST round-trip.
	FlagDirectFile Flag = "U"
)

// ErrInvalidFlags is returned by Flags.Validate for combinations the
// protocol forbids.
var ErrInvalidFlags = errors.New("invalid flag combination")

// Flags is the set of capability bits on a link.
type Flags []Flag

// Has reports whether f is in the set.
func (fs Flags) Has(f Flag) bool {
	for _, x := range fs {
		if x == f {
			return true
		}
	}
	return false
}

// Validate rejects combinations the protocol forbids. U and P are
// mutually exclusive: a direct-file link has no manifest round-trip on
// which a passcode could be collected.
func (fs Flags) Validate() error {
	if fs.Has(FlagDirectFile) && fs.Has(FlagPasscode) {
		return ErrInvalidFlags
	}
	seen := map[Flag]bool{}
	for _, f := range fs {
		switch f {
		case FlagLongTerm, FlagPasscode, FlagDirectFile:
		default:
			return ErrInvalidFlags
		}
		if seen[f] {
			return ErrInvalidFlags
		}
		seen[f] = true
	}
	return nil
}

// String returns the wire form: flag letters sorted and concatenated.
func (fs Flags) String() string {
	letters := make([]string, len(fs))
	for i, f := range fs {
		letters[i] = string(f)
	}
	sort.Strings(letters)
	return strings.Join(letters, "")
}

// ParseFlags parses a concatenated flag string ("LP") into a Flags set.
func ParseFlags(s string) Flags {
	var fs Flags
	for _, r := range s {
		fs = append(fs, Flag(r))
	}
	return fs
}

// Link is the shareable credential record permitting access to a scoped
// set of health data.
type Link struct {
	ID              string
	ManifestID      string
	ManagementToken string
	// EncryptionKey is base64url key material. Set once at creation,
	// never logged, never returned after the creation response.
	EncryptionKey string

	Flags          Flags
	ExpirationTime *time.Time
	Label          string
	Status         LinkStatus

	PasscodeHash      *string
	FailuresRemaining *int
	LockedUntil       *time.Time

	SubjectID          string
	Categories         []string
	TimeframeStart     *time.Time
	TimeframeEnd       *time.Time
	IncludeHealthCards bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsExpired reports whether the link has passed its expiration time.
func (l *Link) IsExpired() bool {
	return l.ExpirationTime != nil && time.Now().After(*l.ExpirationTime)
}

// IsRevoked reports whether the link is in its terminal state.
func (l *Link) IsRevoked() bool {
	return l.Status == StatusRevoked
}
