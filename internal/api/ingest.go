package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/soullink-io/soullink-tracker/internal/api/middleware"
	"github.com/soullink-io/soullink-tracker/internal/events"
	"github.com/soullink-io/soullink-tracker/internal/idempotency"
	"github.com/soullink-io/soullink-tracker/internal/ingestion"
	"github.com/soullink-io/soullink-tracker/internal/registry"
)

// handleIngest is the single write path every domain event submission goes
// through. It parses the event, authorizes it
// against the bearer-authenticated player, runs it through ingestion.Service,
// and — on success — publishes the resulting envelope to live subscribers
// for the run.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
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

	body, err := io.ReadAll(io.LimitReader(r.Body, MaxSingleEventBytes+1))
	if err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest("failed to read request body"))

		return
	}

	if len(body) > MaxSingleEventBytes {
		WriteErrorResponse(w, r, s.logger, NewProblemDetail(http.StatusRequestEntityTooLarge, "Request Entity Too Large", "event payload exceeds the size limit"))

		return
	}

	var req ingestRequest
	if err := json.Unmarshal(body, &req); err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest("malformed event body"))

		return
	}

	eventType := events.Type(req.Type)
	if !eventType.IsValid() {
		WriteErrorResponse(w, r, s.logger, UnprocessableEntity("unknown event type"))

		return
	}

	tokenPlaintext, err := bearerToken(r)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, NewProblemDetail(http.StatusUnauthorized, "Unauthorized", err.Error()))

		return
	}

	eventTime := req.EventTime
	if eventTime.IsZero() {
		eventTime = time.Now().UTC()
	}

	result, emitted, err := s.ingest.Ingest(r.Context(), ingestion.Request{
		RunID:          runID,
		PlayerID:       player.PlayerID,
		TokenPlaintext: tokenPlaintext,
		IdempotencyKey: r.Header.Get("X-Idempotency-Key"),
		Type:           eventType,
		RawPayload:     req.Payload,
		EventTime:      eventTime,
		CanonicalBody:  body,
	})
	if err != nil {
		s.writeIngestError(w, r, err)

		return
	}

	// emitted holds everything this request durably appended — the submitted
	// event plus any soul-link event it triggered — and is empty on an
	// idempotent replay.
	for _, envelope := range emitted {
		s.hub.Publish(envelope)

		if s.relay != nil {
			if err := s.relay.Publish(r.Context(), envelope); err != nil {
				// The event is committed and local subscribers were served;
				// other replicas' subscribers will recover via catch-up.
				s.logger.Warn("kafka relay publish failed", "error", err, "event_id", envelope.EventID)
			}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(result)
}

func (s *Server) writeIngestError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ingestion.ErrTokenMismatch), errors.Is(err, ingestion.ErrPlayerRunMismatch):
		WriteErrorResponse(w, r, s.logger, NewProblemDetail(http.StatusUnauthorized, "Unauthorized", err.Error()))
	case errors.Is(err, ingestion.ErrRulesRejected):
		WriteErrorResponse(w, r, s.logger, UnprocessableEntity(err.Error()))
	case errors.Is(err, idempotency.ErrMalformedKey):
		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))
	case errors.Is(err, idempotency.ErrKeyReused):
		WriteErrorResponse(w, r, s.logger, Conflict(err.Error()))
	case errors.Is(err, registry.ErrPlayerNotFound), errors.Is(err, registry.ErrInvalidToken):
		WriteErrorResponse(w, r, s.logger, NewProblemDetail(http.StatusUnauthorized, "Unauthorized", "invalid credentials"))
	default:
		s.logger.Error("ingestion failed", "error", err)
		WriteErrorResponse(w, r, s.logger, InternalServerError("failed to process event"))
	}
}

// bearerToken extracts the token from the Authorization header, duplicating
// the same strict parsing middleware.AuthenticatePlayer already used to
// resolve PlayerContext — ingestion needs the raw plaintext again to verify
// the credential still matches the declared player, since
// PlayerContext carries only the resolved identity, not the secret.
func bearerToken(r *http.Request) (string, error) {
	const prefix = "Bearer "

	header := r.Header.Get("Authorization")
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		return "", errMissingBearerToken
	}

	return header[len(prefix):], nil
}

var errMissingBearerToken = errors.New("missing or malformed bearer token")
