package models

import "time"

// EventType tags an access event.
type EventType string

const (
	EventManifest          EventType = "MANIFEST"
	EventDirectFile        EventType = "DIRECT_FILE"
	EventCreated           EventType = "CREATED"
	EventRevoked           EventType = "REVOKED"
	EventRefreshed         EventType = "REFRESHED"
	EventPasscodeFailed    EventType = "PASSCODE_FAILED"
	EventPasscodeExhausted EventType = "PASSCODE_EXHAUSTED"
	EventPreferenceChanged EventType = "PREFERENCE_CHANGED"
)

// AccessEvent records one access to (or mutation of) a link. The
// protocol core only ever appends events; it never reads them back for
// access decisions.
type AccessEvent struct {
	ID         int64
	LinkID     string
	ManifestID string
	SubjectID  string
	// Recipient is a caller-supplied label used for audit only, not
	// for access control.
	Recipient  string
	Type       EventType
	OccurredAt time.Time
}
