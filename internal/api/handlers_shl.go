package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/org/healthlink/internal/fhir"
	"github.com/org/healthlink/internal/link"
)

// writeLinkError maps service errors to wire responses. Passcode
// failures carry only the remaining-attempt count; internal and
// upstream failures get generic bodies.
func (s *Server) writeLinkError(w http.ResponseWriter, r *http.Request, err error) {
	var invalid *link.PasscodeInvalidError
	var upstream *fhir.UpstreamError
	switch {
	case errors.Is(err, link.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "link not found")
	case errors.Is(err, link.ErrRevoked):
		writeError(w, http.StatusNotFound, "revoked", "link revoked")
	case errors.Is(err, link.ErrExpired):
		writeError(w, http.StatusNotFound, "expired", "link expired")
	case errors.Is(err, link.ErrPasscodeRequired):
		writePasscodeError(w, -1)
	case errors.Is(err, link.ErrPasscodeExhausted):
		passcodeFailuresTotal.Inc()
		writePasscodeError(w, 0)
	case errors.As(err, &invalid):
		passcodeFailuresTotal.Inc()
		writePasscodeError(w, invalid.Remaining)
	case errors.Is(err, link.ErrInvalidState):
		writeError(w, http.StatusBadRequest, "invalid_state", err.Error())
	case errors.As(err, &upstream):
		log.Error().Err(err).Str("request_id", requestIDFromCtx(r.Context())).
			Msg("upstream fetch failed")
		writeError(w, http.StatusBadGateway, "upstream_error", "upstream data source unavailable")
	default:
		log.Error().Err(err).Str("request_id", requestIDFromCtx(r.Context())).
			Msg("internal error")
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

// ManifestHandler handles POST /api/shl/manifest/{manifestID}
func (s *Server) ManifestHandler(w http.ResponseWriter, r *http.Request) {
	manifestID := chi.URLParam(r, "manifestID")

	var req link.ManifestRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}

	manifest, err := s.manager.ResolveManifest(r.Context(), manifestID, req)
	if err != nil {
		manifestRequestsTotal.WithLabelValues("denied").Inc()
		s.writeLinkError(w, r, err)
		return
	}
	manifestRequestsTotal.WithLabelValues("ok").Inc()
	writeJSON(w, http.StatusOK, manifest)
}

// DirectHandler handles GET /api/shl/direct/{manifestID}?recipient=
func (s *Server) DirectHandler(w http.ResponseWriter, r *http.Request) {
	manifestID := chi.URLParam(r, "manifestID")
	recipient := r.URL.Query().Get("recipient")

	data, err := s.manager.ResolveDirect(r.Context(), manifestID, recipient)
	if err != nil {
		s.writeLinkError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", link.ContentTypeEnvelope)
	w.WriteHeader(http.StatusOK)
	w.Write(data) //nolint:errcheck
}

// FileHandler handles GET /api/shl/file/{token}
func (s *Server) FileHandler(w http.ResponseWriter, r *http.Request) {
	data, err := s.manager.GetFileByToken(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		s.writeLinkError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", link.ContentTypeEnvelope)
	w.WriteHeader(http.StatusOK)
	w.Write(data) //nolint:errcheck
}
