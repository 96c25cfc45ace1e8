package api

import (
	"net/http"
	"time"
)

// HealthHandler handles GET /healthz
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// JWKSHandler handles GET /.well-known/jwks.json, the discovery
// document verifiers use to check card signatures.
func (s *Server) JWKSHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "max-age=3600")
	writeJSON(w, http.StatusOK, map[string]any{
		"keys": []any{s.signer.PublicJWK()},
	})
}
