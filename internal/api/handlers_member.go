package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/org/healthlink/internal/storage"
)

// MemberLinksHandler handles GET /api/member/{subjectID}/links
func (s *Server) MemberLinksHandler(w http.ResponseWriter, r *http.Request) {
	subjectID := chi.URLParam(r, "subjectID")

	summaries, err := s.manager.ListLinks(r.Context(), subjectID)
	if err != nil {
		s.writeLinkError(w, r, err)
		return
	}
	views := make([]linkView, 0, len(summaries))
	for _, sum := range summaries {
		v := viewLink(sum.Link, nil)
		v.FileCount = sum.FileCount
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, map[string]any{"links": views})
}

// MemberAccessLogHandler handles GET /api/member/{subjectID}/access-log
func (s *Server) MemberAccessLogHandler(w http.ResponseWriter, r *http.Request) {
	subjectID := chi.URLParam(r, "subjectID")

	filter := storage.EventFilter{Limit: 100}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid limit")
			return
		}
		filter.Limit = n
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid offset")
			return
		}
		filter.Offset = n
	}
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid since timestamp")
			return
		}
		filter.Since = &t
	}

	events, err := s.auditor.QueryForSubject(r.Context(), subjectID, filter)
	if err != nil {
		s.writeLinkError(w, r, err)
		return
	}

	type eventView struct {
		LinkID     string `json:"linkId,omitempty"`
		Recipient  string `json:"recipient,omitempty"`
		Type       string `json:"type"`
		OccurredAt string `json:"occurredAt"`
	}
	views := make([]eventView, 0, len(events))
	for _, e := range events {
		views = append(views, eventView{
			LinkID:     e.LinkID,
			Recipient:  e.Recipient,
			Type:       string(e.Type),
			OccurredAt: e.OccurredAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": views})
}

// MemberPreferencesGetHandler handles GET /api/member/{subjectID}/preferences
func (s *Server) MemberPreferencesGetHandler(w http.ResponseWriter, r *http.Request) {
	prefs, err := s.manager.GetPreferences(r.Context(), chi.URLParam(r, "subjectID"))
	if err != nil {
		s.writeLinkError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"sharingEnabled": prefs.SharingEnabled})
}

// MemberPreferencesPutHandler handles PUT /api/member/{subjectID}/preferences
func (s *Server) MemberPreferencesPutHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SharingEnabled *bool `json:"sharingEnabled"`
	}
	if err := decodeJSON(r, &req); err != nil || req.SharingEnabled == nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "sharingEnabled is required")
		return
	}
	prefs, err := s.manager.UpdatePreferences(r.Context(), chi.URLParam(r, "subjectID"), *req.SharingEnabled)
	if err != nil {
		s.writeLinkError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"sharingEnabled": prefs.SharingEnabled})
}

// MemberPurgeHandler handles DELETE /api/member/{subjectID}
func (s *Server) MemberPurgeHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Purge(r.Context(), chi.URLParam(r, "subjectID")); err != nil {
		s.writeLinkError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
