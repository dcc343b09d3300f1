package httpapi

import (
	"encoding/json"
	"net/http"
)

// errorResponse is the stable {error, details?} shape spec.md §7 requires
// for every 4xx/5xx response.
type errorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, message string, details error) {
	resp := errorResponse{Error: message}
	if details != nil {
		resp.Details = details.Error()
	}
	writeJSON(w, status, resp)
}
