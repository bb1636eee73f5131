package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/soullink-io/soullink-tracker/internal/api/middleware"
	"github.com/soullink-io/soullink-tracker/internal/stream"
)

// handleCatchUp serves a page of events for a run starting after since_seq,
// the REST half of the catch-up-then-subscribe delivery contract. limit
// defaults to DefaultCatchUpLimit and is capped at MaxCatchUpLimit.
func (s *Server) handleCatchUp(w http.ResponseWriter, r *http.Request) {
	player, ok := middleware.GetPlayerContext(r.Context())
	if !ok {
		WriteErrorResponse(w, r, s.logger, NewProblemDetail(http.StatusUnauthorized, "Unauthorized", "missing player identity"))

		return
	}

	runID, err := uuid.Parse(r.PathValue("run"))
	if err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest("invalid run id"))

		return
	}

	if player.RunID != runID {
		WriteErrorResponse(w, r, s.logger, NewProblemDetail(http.StatusForbidden, "Forbidden", "player does not belong to this run"))

		return
	}

	sinceSeq, err := parseQueryInt64(r, "since_seq", 0)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest("invalid since_seq"))

		return
	}

	limit, err := parseQueryInt64(r, "limit", DefaultCatchUpLimit)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest("invalid limit"))

		return
	}

	if limit <= 0 {
		limit = DefaultCatchUpLimit
	}

	if limit > MaxCatchUpLimit {
		limit = MaxCatchUpLimit
	}

	page, err := stream.CatchUp(r.Context(), s.events, runID, sinceSeq, int(limit))
	if err != nil {
		s.logger.Error("catch-up query failed", "error", err)
		WriteErrorResponse(w, r, s.logger, InternalServerError("failed to load events"))

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(page)
}

func parseQueryInt64(r *http.Request, key string, fallback int64) (int64, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback, nil
	}

	return strconv.ParseInt(raw, 10, 64)
}
