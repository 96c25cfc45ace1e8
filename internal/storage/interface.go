package storage

import (
	"context"
	"errors"
	"time"

	"github.com/org/healthlink/pkg/models"
)

// ErrNotFound is returned when a requested resource does not exist.
var ErrNotFound = errors.New("not found")

// Backend defines the persistence interface for the health-link
// service. The object-store side (ciphertext blobs) lives behind
// objectstore.Store; this interface covers the document rows.
type Backend interface {
	// Links
	GetLinkByManifestID(ctx context.Context, manifestID string) (*models.Link, error)
	GetLinkByManagementToken(ctx context.Context, token string) (*models.Link, error)
	SaveLink(ctx context.Context, link *models.Link) error
	ListLinksForSubject(ctx context.Context, subjectID string) ([]*models.Link, error)
	DeleteLinksForSubject(ctx context.Context, subjectID string) error
	CountActiveLinks(ctx context.Context) (int64, error)

	// AtomicDecrementFailures decrements the passcode failure counter
	// by one, only while it is still positive, and returns the updated
	// link. ErrNotFound means the counter was already exhausted (or the
	// link is gone): the caller must treat that as exhaustion, never
	// retry with a stale read.
	AtomicDecrementFailures(ctx context.Context, manifestID string) (*models.Link, error)

	// Files
	SaveFile(ctx context.Context, file *models.File) error
	GetFile(ctx context.Context, fileID string) (*models.File, error)
	ListFilesForLink(ctx context.Context, linkID string) ([]*models.File, error)
	DeleteFilesForLink(ctx context.Context, linkID string) error

	// Access events (append-only side channel)
	WriteAccessEvent(ctx context.Context, event *models.AccessEvent) error
	ListAccessEventsForSubject(ctx context.Context, subjectID string, filter EventFilter) ([]*models.AccessEvent, error)
	ListAccessEventsForLink(ctx context.Context, linkID string, filter EventFilter) ([]*models.AccessEvent, error)
	DeleteAccessEventsForSubject(ctx context.Context, subjectID string) error

	// Member preferences
	GetPreferences(ctx context.Context, subjectID string) (*models.MemberPreferences, error)
	SavePreferences(ctx context.Context, prefs *models.MemberPreferences) error
	DeletePreferences(ctx context.Context, subjectID string) error

	// Lifecycle
	Close()
}

// EventFilter specifies query parameters for access-event retrieval.
type EventFilter struct {
	Since  *time.Time
	Limit  int
	Offset int
}
