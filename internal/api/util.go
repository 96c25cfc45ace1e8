package api

import (
	"encoding/json"
	"net/http"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

// writeError emits the coded error body. The message is what the
// caller sees, so it must never carry internal detail.
func writeError(w http.ResponseWriter, code int, errCode, msg string) {
	writeJSON(w, code, map[string]string{"error": errCode, "message": msg})
}

// writePasscodeError emits the protocol's passcode failure body. The
// remaining count is -1 when no guess was supplied, 0 on exhaustion.
func writePasscodeError(w http.ResponseWriter, remaining int) {
	writeJSON(w, http.StatusUnauthorized, map[string]int{"remainingAttempts": remaining})
}

func decodeJSON(r *http.Request, dst any) error {
	return json.NewDecoder(r.Body).Decode(dst)
}
