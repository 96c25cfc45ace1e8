package models

import "time"

// File is an encrypted content blob belonging to one link. The
// ciphertext itself lives in the object store under StorageKey; the
// row carries only metadata.
type File struct {
	ID            string
	LinkID        string
	ContentType   string
	StorageKey    string
	ContentLength int64
	LastUpdated   time.Time
	CreatedAt     time.Time
}

// MemberPreferences holds per-subject sharing settings. Resolution of
// any link for a subject fails while sharing is disabled.
type MemberPreferences struct {
	SubjectID      string
	SharingEnabled bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
