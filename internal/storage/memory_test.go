package storage

import (
	"context"
	"testing"
	"time"

	"github.com/org/healthlink/pkg/models"
)

func TestLinklessAccessEventRoundTrip(t *testing.T) {
	store := NewMemoryBackend()
	defer store.Close()

	// Preference changes and purges are scoped to the subject only.
	err := store.WriteAccessEvent(context.Background(), &models.AccessEvent{
		SubjectID:  "subj-1",
		Type:       models.EventPreferenceChanged,
		OccurredAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("WriteAccessEvent: %v", err)
	}

	events, err := store.ListAccessEventsForSubject(context.Background(), "subj-1", EventFilter{})
	if err != nil {
		t.Fatalf("ListAccessEventsForSubject: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	if events[0].Type != models.EventPreferenceChanged {
		t.Errorf("type = %s, want %s", events[0].Type, models.EventPreferenceChanged)
	}
	if events[0].LinkID != "" {
		t.Errorf("link id = %q, want empty", events[0].LinkID)
	}
}

func TestNullableUUID(t *testing.T) {
	if got := nullableUUID(""); got != nil {
		t.Errorf("nullableUUID(\"\") = %v, want nil", got)
	}
	if got := nullableUUID("8f14e45f-ceea-467f-a2c7-73d8c9e4a1b2"); got != "8f14e45f-ceea-467f-a2c7-73d8c9e4a1b2" {
		t.Errorf("nullableUUID(id) = %v, want the id", got)
	}
}
