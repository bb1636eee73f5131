package api

import (
	"encoding/json"
	"net"
	"net/http"

	"github.com/google/uuid"

	"github.com/soullink-io/soullink-tracker/internal/registry"
)

// requireLocalhost keeps the admin surface reachable only from loopback:
// it is meant for the operator running the tracker alongside the run, not
// for players.
func (s *Server) requireLocalhost(w http.ResponseWriter, r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}

	ip := net.ParseIP(host)
	if ip == nil || !ip.IsLoopback() {
		WriteErrorResponse(w, r, s.logger, NewProblemDetail(http.StatusForbidden, "Forbidden", "admin endpoints are only reachable from localhost"))

		return false
	}

	return true
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	if !s.requireLocalhost(w, r) {
		return
	}

	var req createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest("malformed request body"))

		return
	}

	if req.DisplayName == "" {
		WriteErrorResponse(w, r, s.logger, UnprocessableEntity("display_name is required"))

		return
	}

	run, err := s.players.CreateRun(r.Context(), req.DisplayName, req.RulesConfig)
	if err != nil {
		s.logger.Error("create run failed", "error", err)
		WriteErrorResponse(w, r, s.logger, InternalServerError("failed to create run"))

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(createRunResponse{RunID: run.ID, DisplayName: run.DisplayName})
}

func (s *Server) handleCreatePlayer(w http.ResponseWriter, r *http.Request) {
	if !s.requireLocalhost(w, r) {
		return
	}

	runID, err := uuid.Parse(r.PathValue("run"))
	if err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest("invalid run id"))

		return
	}

	var req createPlayerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest("malformed request body"))

		return
	}

	if req.DisplayName == "" {
		WriteErrorResponse(w, r, s.logger, UnprocessableEntity("display_name is required"))

		return
	}

	player, token, err := s.players.CreatePlayer(r.Context(), runID, req.DisplayName, req.GameLabel, req.RegionLabel)
	if err != nil {
		if err == registry.ErrPlayerNameTaken {
			WriteErrorResponse(w, r, s.logger, Conflict("a player with this display name already exists in this run"))

			return
		}

		s.logger.Error("create player failed", "error", err)
		WriteErrorResponse(w, r, s.logger, InternalServerError("failed to create player"))

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(createPlayerResponse{PlayerID: player.ID, DisplayName: player.DisplayName, Token: token})
}

func (s *Server) handleRotateToken(w http.ResponseWriter, r *http.Request) {
	if !s.requireLocalhost(w, r) {
		return
	}

	playerID, err := uuid.Parse(r.PathValue("player"))
	if err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest("invalid player id"))

		return
	}

	token, err := s.players.RotatePlayerToken(r.Context(), playerID)
	if err != nil {
		if err == registry.ErrPlayerNotFound {
			WriteErrorResponse(w, r, s.logger, NotFound("player not found"))

			return
		}

		s.logger.Error("rotate token failed", "error", err)
		WriteErrorResponse(w, r, s.logger, InternalServerError("failed to rotate token"))

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(rotateTokenResponse{Token: token})
}

func (s *Server) handleRebuild(w http.ResponseWriter, r *http.Request) {
	if !s.requireLocalhost(w, r) {
		return
	}

	runID, err := uuid.Parse(r.PathValue("run"))
	if err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest("invalid run id"))

		return
	}

	if err := s.admin.Rebuild(r.Context(), runID); err != nil {
		s.logger.Error("rebuild failed", "error", err, "run_id", runID)
		WriteErrorResponse(w, r, s.logger, InternalServerError("failed to rebuild projections"))

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if !s.requireLocalhost(w, r) {
		return
	}

	runID, err := uuid.Parse(r.PathValue("run"))
	if err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest("invalid run id"))

		return
	}

	stats, err := s.admin.EventStoreStats(r.Context(), runID)
	if err != nil {
		s.logger.Error("stats query failed", "error", err, "run_id", runID)
		WriteErrorResponse(w, r, s.logger, InternalServerError("failed to load stats"))

		return
	}

	stats.Subscribers = s.hub.Count(runID)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(stats)
}
