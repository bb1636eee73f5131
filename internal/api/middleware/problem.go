package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// writeRFC9457Error writes an RFC 9457 problem-detail response. Duplicated
// in miniature from internal/api's own ProblemDetail type because this
// package cannot import internal/api (internal/api imports middleware).
func writeRFC9457Error(w http.ResponseWriter, r *http.Request, statusCode int, detail, correlationID string) error {
	var title string

	switch statusCode {
	case http.StatusUnauthorized:
		title = "Unauthorized"
	case http.StatusForbidden:
		title = "Forbidden"
	case http.StatusTooManyRequests:
		title = "Too Many Requests"
	default:
		title = "Request Failed"
	}

	problem := struct {
		Type          string `json:"type"`
		Title         string `json:"title"`
		Status        int    `json:"status"`
		Detail        string `json:"detail,omitempty"`
		Instance      string `json:"instance,omitempty"`
		CorrelationID string `json:"correlationId,omitempty"`
	}{
		Type:          fmt.Sprintf("https://soullink.io/problems/%d", statusCode),
		Title:         title,
		Status:        statusCode,
		Detail:        detail,
		Instance:      r.URL.Path,
		CorrelationID: correlationID,
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(statusCode)

	return json.NewEncoder(w).Encode(problem)
}
