package audit

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/org/healthlink/internal/storage"
	"github.com/org/healthlink/pkg/models"
)

// Recorder appends access events. The protocol core writes events and
// never reads them back for access decisions; member dashboards read
// them through Query*.
type Recorder struct {
	store storage.Backend
}

// NewRecorder creates a Recorder backed by the given storage.
func NewRecorder(store storage.Backend) *Recorder {
	return &Recorder{store: store}
}

// Record writes a non-data event fire-and-forget. Failures are logged
// and swallowed; audit must never break the request flow.
func (r *Recorder) Record(ctx context.Context, event *models.AccessEvent) {
	event.OccurredAt = time.Now().UTC()
	if err := r.store.WriteAccessEvent(ctx, event); err != nil {
		log.Warn().Err(err).Str("event", string(event.Type)).
			Str("manifest_id", event.ManifestID).Msg("dropping access event")
	}
}

// RecordRetrieval writes a data-retrieval event (manifest or direct
// fetch). These are an audit requirement, so the write is retried
// twice with short backoff before giving up.
func (r *Recorder) RecordRetrieval(ctx context.Context, event *models.AccessEvent) {
	event.OccurredAt = time.Now().UTC()
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * 100 * time.Millisecond)
		}
		if err = r.store.WriteAccessEvent(ctx, event); err == nil {
			return
		}
	}
	log.Error().Err(err).Str("event", string(event.Type)).
		Str("manifest_id", event.ManifestID).Msg("retrieval event lost after retries")
}

// QueryForSubject retrieves a subject's access events, newest first.
func (r *Recorder) QueryForSubject(ctx context.Context, subjectID string, filter storage.EventFilter) ([]*models.AccessEvent, error) {
	return r.store.ListAccessEventsForSubject(ctx, subjectID, filter)
}

// QueryForLink retrieves one link's access events, newest first.
func (r *Recorder) QueryForLink(ctx context.Context, linkID string, filter storage.EventFilter) ([]*models.AccessEvent, error) {
	return r.store.ListAccessEventsForLink(ctx, linkID, filter)
}
