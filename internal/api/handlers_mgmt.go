package api

import (
	"net/http"
	"time"

	"github.com/org/healthlink/internal/link"
	"github.com/org/healthlink/pkg/models"
)

const managementTokenHeader = "X-Management-Token"

type createRequest struct {
	SubjectID          string   `json:"subjectId"`
	Categories         []string `json:"categories"`
	Flags              string   `json:"flags"`
	Passcode           string   `json:"passcode,omitempty"`
	ExpirationTime     *int64   `json:"expirationTime,omitempty"` // epoch seconds
	Label              string   `json:"label,omitempty"`
	TimeframeStart     *int64   `json:"timeframeStart,omitempty"`
	TimeframeEnd       *int64   `json:"timeframeEnd,omitempty"`
	IncludeHealthCards bool     `json:"includeHealthCards,omitempty"`
}

type fileView struct {
	ContentType   string `json:"contentType"`
	ContentLength int64  `json:"contentLength"`
	LastUpdated   string `json:"lastUpdated"`
}

type linkView struct {
	ID             string     `json:"id"`
	ManifestID     string     `json:"manifestId"`
	Flags          string     `json:"flags,omitempty"`
	ExpirationTime *int64     `json:"expirationTime,omitempty"`
	Label          string     `json:"label,omitempty"`
	Status         string     `json:"status"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	Files          []fileView `json:"files,omitempty"`
	FileCount      int        `json:"fileCount"`
}

func viewLink(l *models.Link, files []*models.File) linkView {
	v := linkView{
		ID:         l.ID,
		ManifestID: l.ManifestID,
		Flags:      l.Flags.String(),
		Label:      l.Label,
		Status:     string(l.Status),
		CreatedAt:  l.CreatedAt,
		UpdatedAt:  l.UpdatedAt,
		FileCount:  len(files),
	}
	if l.ExpirationTime != nil {
		exp := l.ExpirationTime.Unix()
		v.ExpirationTime = &exp
	}
	for _, f := range files {
		v.Files = append(v.Files, fileView{
			ContentType:   f.ContentType,
			ContentLength: f.ContentLength,
			LastUpdated:   f.LastUpdated.UTC().Format(time.RFC3339),
		})
	}
	return v
}

func epochPtr(v *int64) *time.Time {
	if v == nil {
		return nil
	}
	t := time.Unix(*v, 0).UTC()
	return &t
}

// CreateHandler handles POST /api/shl
func (s *Server) CreateHandler(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	if req.SubjectID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "subjectId is required")
		return
	}

	res, err := s.manager.Create(r.Context(), link.CreateParams{
		SubjectID:          req.SubjectID,
		Categories:         req.Categories,
		Flags:              models.ParseFlags(req.Flags),
		Passcode:           req.Passcode,
		ExpirationTime:     epochPtr(req.ExpirationTime),
		Label:              req.Label,
		TimeframeStart:     epochPtr(req.TimeframeStart),
		TimeframeEnd:       epochPtr(req.TimeframeEnd),
		IncludeHealthCards: req.IncludeHealthCards,
	})
	if err != nil {
		s.writeLinkError(w, r, err)
		return
	}
	linksCreatedTotal.Inc()

	// The URI (carrying the encryption key) and the management token
	// appear only in this response.
	view := viewLink(res.Link, res.Files)
	writeJSON(w, http.StatusCreated, map[string]any{
		"link":            view,
		"uri":             res.URI,
		"managementToken": res.Link.ManagementToken,
	})
}

// StatusHandler handles GET /api/shl/status
func (s *Server) StatusHandler(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get(managementTokenHeader)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing "+managementTokenHeader+" header")
		return
	}
	l, files, err := s.manager.Status(r.Context(), token)
	if err != nil {
		s.writeLinkError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewLink(l, files))
}

// RevokeHandler handles POST /api/shl/revoke
func (s *Server) RevokeHandler(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get(managementTokenHeader)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing "+managementTokenHeader+" header")
		return
	}
	if err := s.manager.Revoke(r.Context(), token); err != nil {
		s.writeLinkError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(models.StatusRevoked)})
}

// RefreshHandler handles POST /api/shl/refresh
func (s *Server) RefreshHandler(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get(managementTokenHeader)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing "+managementTokenHeader+" header")
		return
	}
	if err := s.manager.Refresh(r.Context(), token); err != nil {
		s.writeLinkError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "refreshed"})
}
