package api

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/soullink-io/soullink-tracker/internal/api/middleware"
	"github.com/soullink-io/soullink-tracker/internal/stream"
)

// handleStream upgrades the connection to a WebSocket and subscribes the
// authenticated player to live updates for the run. A client may only
// subscribe to a run it is a member of.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
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

	if err := stream.Serve(s.hub, w, r, runID, player.PlayerID); err != nil {
		s.logger.Error("stream upgrade failed", "error", err, "run_id", runID, "player_id", player.PlayerID)
	}
}
