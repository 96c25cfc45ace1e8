package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/org/healthlink/pkg/models"
)

// MemoryBackend is an in-process Backend used for development mode and
// tests. Safe for concurrent use.
type MemoryBackend struct {
	mu     sync.Mutex
	links  map[string]*models.Link // keyed by link ID
	files  map[string]*models.File // keyed by file ID
	events []*models.AccessEvent
	prefs  map[string]*models.MemberPreferences
	nextID int64
}

// NewMemoryBackend creates an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		links: make(map[string]*models.Link),
		files: make(map[string]*models.File),
		prefs: make(map[string]*models.MemberPreferences),
	}
}

func copyLink(l *models.Link) *models.Link {
	c := *l
	if l.PasscodeHash != nil {
		v := *l.PasscodeHash
		c.PasscodeHash = &v
	}
	if l.FailuresRemaining != nil {
		v := *l.FailuresRemaining
		c.FailuresRemaining = &v
	}
	if l.LockedUntil != nil {
		v := *l.LockedUntil
		c.LockedUntil = &v
	}
	c.Flags = append(models.Flags(nil), l.Flags...)
	c.Categories = append([]string(nil), l.Categories...)
	return &c
}

func (m *MemoryBackend) GetLinkByManifestID(ctx context.Context, manifestID string) (*models.Link, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.links {
		if l.ManifestID == manifestID {
			return copyLink(l), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryBackend) GetLinkByManagementToken(ctx context.Context, token string) (*models.Link, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.links {
		if l.ManagementToken == token {
			return copyLink(l), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryBackend) SaveLink(ctx context.Context, link *models.Link) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.links[link.ID] = copyLink(link)
	return nil
}

func (m *MemoryBackend) ListLinksForSubject(ctx context.Context, subjectID string) ([]*models.Link, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Link
	for _, l := range m.links {
		if l.SubjectID == subjectID {
			out = append(out, copyLink(l))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryBackend) DeleteLinksForSubject(ctx context.Context, subjectID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, l := range m.links {
		if l.SubjectID == subjectID {
			delete(m.links, id)
		}
	}
	return nil
}

func (m *MemoryBackend) CountActiveLinks(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, l := range m.links {
		if l.Status == models.StatusActive {
			n++
		}
	}
	return n, nil
}

func (m *MemoryBackend) AtomicDecrementFailures(ctx context.Context, manifestID string) (*models.Link, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.links {
		if l.ManifestID == manifestID {
			if l.FailuresRemaining == nil || *l.FailuresRemaining <= 0 {
				return nil, ErrNotFound
			}
			*l.FailuresRemaining--
			l.UpdatedAt = time.Now().UTC()
			return copyLink(l), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryBackend) SaveFile(ctx context.Context, file *models.File) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *file
	m.files[file.ID] = &c
	return nil
}

func (m *MemoryBackend) GetFile(ctx context.Context, fileID string) (*models.File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[fileID]
	if !ok {
		return nil, ErrNotFound
	}
	c := *f
	return &c, nil
}

func (m *MemoryBackend) ListFilesForLink(ctx context.Context, linkID string) ([]*models.File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.File
	for _, f := range m.files {
		if f.LinkID == linkID {
			c := *f
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryBackend) DeleteFilesForLink(ctx context.Context, linkID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, f := range m.files {
		if f.LinkID == linkID {
			delete(m.files, id)
		}
	}
	return nil
}

func (m *MemoryBackend) WriteAccessEvent(ctx context.Context, event *models.AccessEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	c := *event
	c.ID = m.nextID
	m.events = append(m.events, &c)
	return nil
}

func (m *MemoryBackend) ListAccessEventsForSubject(ctx context.Context, subjectID string, filter EventFilter) ([]*models.AccessEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return filterEvents(m.events, filter, func(e *models.AccessEvent) bool {
		return e.SubjectID == subjectID
	}), nil
}

func (m *MemoryBackend) ListAccessEventsForLink(ctx context.Context, linkID string, filter EventFilter) ([]*models.AccessEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return filterEvents(m.events, filter, func(e *models.AccessEvent) bool {
		return e.LinkID == linkID
	}), nil
}

func filterEvents(events []*models.AccessEvent, filter EventFilter, match func(*models.AccessEvent) bool) []*models.AccessEvent {
	var out []*models.AccessEvent
	for _, e := range events {
		if !match(e) {
			continue
		}
		if filter.Since != nil && e.OccurredAt.Before(*filter.Since) {
			continue
		}
		c := *e
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OccurredAt.After(out[j].OccurredAt) })
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out
}

func (m *MemoryBackend) DeleteAccessEventsForSubject(ctx context.Context, subjectID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.events[:0]
	for _, e := range m.events {
		if e.SubjectID != subjectID {
			kept = append(kept, e)
		}
	}
	m.events = kept
	return nil
}

func (m *MemoryBackend) GetPreferences(ctx context.Context, subjectID string) (*models.MemberPreferences, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.prefs[subjectID]
	if !ok {
		return nil, ErrNotFound
	}
	c := *p
	return &c, nil
}

func (m *MemoryBackend) SavePreferences(ctx context.Context, prefs *models.MemberPreferences) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *prefs
	m.prefs[prefs.SubjectID] = &c
	return nil
}

func (m *MemoryBackend) DeletePreferences(ctx context.Context, subjectID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.prefs, subjectID)
	return nil
}

func (m *MemoryBackend) Close() {}
