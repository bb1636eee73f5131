// Package ingestion implements the single write path every domain event
// passes through: authenticate, validate, deduplicate, evaluate
// rules, append, project, commit, broadcast — all or nothing.
package ingestion

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"github.com/soullink-io/soullink-tracker/internal/config"
	"github.com/soullink-io/soullink-tracker/internal/events"
	"github.com/soullink-io/soullink-tracker/internal/eventstore"
	"github.com/soullink-io/soullink-tracker/internal/idempotency"
	"github.com/soullink-io/soullink-tracker/internal/projection"
	"github.com/soullink-io/soullink-tracker/internal/registry"
	"github.com/soullink-io/soullink-tracker/internal/rules"
	"github.com/soullink-io/soullink-tracker/internal/storage"
)

var (
	tracer = otel.Tracer("github.com/soullink-io/soullink-tracker/internal/ingestion")
	meter  = otel.Meter("github.com/soullink-io/soullink-tracker/internal/ingestion")
)

var (
	// ErrPlayerRunMismatch is returned when the authenticated player does not
	// belong to the run the request declares.
	ErrPlayerRunMismatch = errors.New("ingestion: player does not belong to the declared run")

	// ErrTokenMismatch is returned when the bearer credential does not
	// authenticate as the player the request claims to act as.
	ErrTokenMismatch = errors.New("ingestion: credential does not match declared player")

	// ErrRulesRejected wraps payload decoding, payload validation and
	// envelope construction errors; the caller maps this to a 422
	// Unprocessable Entity. Errors the rules engine raises while a catch
	// result is projected are not wrapped in it.
	ErrRulesRejected = errors.New("ingestion: event rejected by rules engine")
)

// Request is one client-submitted event, already JSON-decoded down to its
// discriminator and raw payload, plus the identity and idempotency
// information carried on the HTTP request.
type Request struct {
	RunID          uuid.UUID
	PlayerID       uuid.UUID
	TokenPlaintext string
	IdempotencyKey string
	Type           events.Type
	RawPayload     json.RawMessage
	EventTime      time.Time
	CanonicalBody  []byte // the exact bytes hashed for idempotency
}

// Result is the response body for a successfully ingested event.
type Result struct {
	EventID      uuid.UUID `json:"event_id"`
	Seq          int64     `json:"seq"`
	AppliedRules []string  `json:"applied_rules"`
}

// PlayerRegistry is the slice of the run/player registry ingestion needs:
// credential resolution and the one-way rules-config lock. Satisfied by
// *registry.Store.
type PlayerRegistry interface {
	AuthenticateToken(ctx context.Context, tokenPlaintext string) (registry.Player, error)
	LockRulesConfig(ctx context.Context, runID uuid.UUID) error
}

// Service wires the event store, projection engine, idempotency ledger, and
// registry together into the single ingestion write path.
type Service struct {
	conn        *storage.Connection
	players     PlayerRegistry
	events      *eventstore.Store
	projections *projection.Engine
	idempotent  *idempotency.Store
	ingested    metric.Int64Counter
	logger      *slog.Logger
}

// NewService constructs an ingestion service over the given components. conn
// is used only to open the transaction ingestion's write path runs inside;
// every read/write against it goes through events, projections, and
// idempotent.
func NewService(
	conn *storage.Connection,
	players PlayerRegistry,
	eventStore *eventstore.Store,
	projections *projection.Engine,
	idempotent *idempotency.Store,
) *Service {
	ingested, err := meter.Int64Counter("soullink.events.ingested",
		metric.WithDescription("Domain events durably appended, by run and type."),
	)
	if err != nil {
		// The global meter only fails on invalid instrument names; fall back
		// to a noop instrument rather than refusing to start.
		ingested, _ = noop.NewMeterProvider().Meter("ingestion").Int64Counter("soullink.events.ingested")
	}

	return &Service{
		conn:        conn,
		players:     players,
		events:      eventStore,
		projections: projections,
		idempotent:  idempotent,
		ingested:    ingested,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("SOULLINK_LOG_LEVEL", slog.LevelInfo),
		})),
	}
}

// Ingest runs the full write path for a single request. emitted carries
// every envelope this request durably appended — the submitted event plus
// any soul-link event it triggered — for the caller to broadcast after the
// commit; it is empty on an idempotent replay, which must not re-announce.
func (s *Service) Ingest(ctx context.Context, req Request) (Result, []events.Envelope, error) {
	ctx, span := tracer.Start(ctx, "soullink.ingest",
		trace.WithAttributes(
			attribute.String("soullink.run_id", req.RunID.String()),
			attribute.String("soullink.event_type", string(req.Type)),
		),
	)
	defer span.End()

	result, emitted, err := s.ingest(ctx, req)

	outcome := "accepted"
	if err != nil {
		outcome = "rejected"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		s.ingested.Add(ctx, 1, metric.WithAttributes(
			attribute.String("soullink.run_id", req.RunID.String()),
			attribute.String("soullink.event_type", string(req.Type)),
		))
	}

	span.SetAttributes(attribute.String("soullink.outcome", outcome))

	return result, emitted, err
}

func (s *Service) ingest(ctx context.Context, req Request) (Result, []events.Envelope, error) {
	// Step 1: verify the bearer credential authenticates as the declared player.
	player, err := s.players.AuthenticateToken(ctx, req.TokenPlaintext)
	if err != nil {
		return Result{}, nil, fmt.Errorf("%w: %v", ErrTokenMismatch, err)
	}

	if subtle.ConstantTimeCompare([]byte(player.ID.String()), []byte(req.PlayerID.String())) != 1 {
		return Result{}, nil, ErrTokenMismatch
	}

	// Step 2: verify the player belongs to the declared run.
	if player.RunID != req.RunID {
		return Result{}, nil, ErrPlayerRunMismatch
	}

	// Step 3: idempotency keys are validated before any transaction opens;
	// a malformed key is rejected without side effects.
	var (
		idemKey     uuid.UUID
		requestHash string
		hasIdemKey  bool
	)

	if req.IdempotencyKey != "" {
		idemKey, err = idempotency.ValidateKey(req.IdempotencyKey)
		if err != nil {
			return Result{}, nil, err
		}

		requestHash, err = idempotency.CanonicalHash(req.CanonicalBody)
		if err != nil {
			return Result{}, nil, err
		}

		hasIdemKey = true
	}

	payload, err := events.DecodePayload(req.Type, req.RawPayload)
	if err != nil {
		return Result{}, nil, fmt.Errorf("%w: %v", ErrRulesRejected, err)
	}

	if err := payload.Validate(); err != nil {
		return Result{}, nil, fmt.Errorf("%w: %v", ErrRulesRejected, err)
	}

	// Step 4: open the transaction spanning rules evaluation, append, and
	// projection.
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return Result{}, nil, fmt.Errorf("ingestion: begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if hasIdemKey {
		existing, found, err := s.idempotent.Lookup(ctx, tx, idemKey, req.RunID, req.PlayerID, requestHash)
		if err != nil {
			return Result{}, nil, err
		}

		if found {
			var cached Result
			if err := json.Unmarshal(existing.ResponseBody, &cached); err != nil {
				return Result{}, nil, fmt.Errorf("ingestion: decode cached idempotent response: %w", err)
			}

			return cached, nil, tx.Commit()
		}
	}

	canonicalPayload, appliedRules, err := s.applyRules(ctx, tx, req, payload)
	if err != nil {
		return Result{}, nil, err
	}

	envelope, err := events.NewEnvelope(req.RunID, req.PlayerID, req.Type, req.EventTime, canonicalPayload)
	if err != nil {
		return Result{}, nil, fmt.Errorf("%w: %v", ErrRulesRejected, err)
	}

	// Step 5: append through the event store.
	envelope, err = s.events.Append(ctx, tx, envelope)
	if err != nil {
		return Result{}, nil, fmt.Errorf("ingestion: append event: %w", err)
	}

	// Step 6: apply projections within the same transaction. Expected
	// constraint races resolve to a semantic outcome inside the projection
	// engine itself; anything else aborts the transaction here.
	if err := s.projections.Apply(ctx, tx, envelope); err != nil {
		return Result{}, nil, fmt.Errorf("ingestion: apply projection: %w", err)
	}

	emitted := []events.Envelope{envelope}

	// A caught result may have completed a soul link on its route; if so the
	// link event is appended and projected in this same transaction, right
	// behind the catch result in the run's log.
	linkEnvelope, created, err := s.maybeCreateSoulLink(ctx, tx, envelope)
	if err != nil {
		return Result{}, nil, err
	}

	if created {
		emitted = append(emitted, linkEnvelope)
	}

	result := Result{EventID: envelope.EventID, Seq: envelope.Seq, AppliedRules: appliedRules}

	if hasIdemKey {
		responseJSON, err := json.Marshal(result)
		if err != nil {
			return Result{}, nil, fmt.Errorf("ingestion: marshal idempotent response: %w", err)
		}

		if err := s.idempotent.Store(ctx, tx, idemKey, req.RunID, req.PlayerID, requestHash, responseJSON); err != nil {
			return Result{}, nil, fmt.Errorf("ingestion: store idempotency record: %w", err)
		}
	}

	// Step 7: commit.
	if err := tx.Commit(); err != nil {
		return Result{}, nil, fmt.Errorf("ingestion: commit: %w", err)
	}

	// The run's rules configuration becomes immutable once its log is
	// non-empty. Best-effort after commit: the lock is idempotent, and a
	// failure here must not fail an already-durable event.
	if envelope.Seq == 1 {
		if err := s.players.LockRulesConfig(ctx, req.RunID); err != nil {
			s.logger.Warn("failed to lock rules config after first event",
				slog.String("run_id", req.RunID.String()),
				slog.Any("error", err),
			)
		}
	}

	// Step 8: the caller (the HTTP handler) is responsible for publishing
	// every emitted envelope to the broadcast channel and returning result.
	return result, emitted, nil
}

// maybeCreateSoulLink checks whether envelope — just appended and projected —
// was a caught result that completed a soul link: two or more players now
// hold a caught encounter on the same route, and the route's link (if one
// exists) is missing at least one of them. When it fires, a SoulLinkCreated
// event carrying the full player set is appended and projected within tx,
// reusing the existing link id so membership accretes onto one link per
// route.
func (s *Service) maybeCreateSoulLink(ctx context.Context, tx *sql.Tx, envelope events.Envelope) (events.Envelope, bool, error) {
	payload, ok := envelope.Payload.(events.CatchResult)
	if !ok || payload.Outcome != events.OutcomeCaught {
		return events.Envelope{}, false, nil
	}

	rec, err := s.projections.ResolveEncounter(ctx, tx, payload.EncounterID)
	if err != nil {
		return events.Envelope{}, false, fmt.Errorf("ingestion: resolve encounter for soul link: %w", err)
	}

	linked, players, err := s.projections.DetectSoulLink(ctx, tx, envelope.RunID, rec.RouteID)
	if err != nil {
		return events.Envelope{}, false, fmt.Errorf("ingestion: detect soul link: %w", err)
	}

	if !linked {
		return events.Envelope{}, false, nil
	}

	linkID := uuid.New()

	link, members, exists, err := s.projections.LinkForRoute(ctx, tx, envelope.RunID, rec.RouteID)
	if err != nil {
		return events.Envelope{}, false, fmt.Errorf("ingestion: load soul link: %w", err)
	}

	if exists {
		if len(members) >= len(players) {
			return events.Envelope{}, false, nil
		}

		linkID = link.ID
	}

	linkEnvelope, err := events.NewEnvelope(envelope.RunID, envelope.PlayerID, events.TypeSoulLinkCreated,
		envelope.EventTime, events.SoulLinkCreated{LinkID: linkID, RouteID: rec.RouteID, Players: players})
	if err != nil {
		return events.Envelope{}, false, fmt.Errorf("ingestion: build soul link event: %w", err)
	}

	linkEnvelope, err = s.events.Append(ctx, tx, linkEnvelope)
	if err != nil {
		return events.Envelope{}, false, fmt.Errorf("ingestion: append soul link event: %w", err)
	}

	if err := s.projections.Apply(ctx, tx, linkEnvelope); err != nil {
		return events.Envelope{}, false, fmt.Errorf("ingestion: apply soul link event: %w", err)
	}

	s.logger.Info("soul link created",
		slog.String("run_id", envelope.RunID.String()),
		slog.String("link_id", linkID.String()),
		slog.Int("route_id", rec.RouteID),
		slog.Int("players", len(players)),
	)

	return linkEnvelope, true, nil
}

// applyRules runs the pure rules engine against the projection-supplied
// RunState and returns the canonical payload to store — never the
// client-supplied one, so a client can never forge status/outcome fields the
// server alone computes.
func (s *Service) applyRules(ctx context.Context, tx *sql.Tx, req Request, payload events.Payload) (events.Payload, []string, error) {
	switch p := payload.(type) {
	case events.Encounter:
		decision, err := s.projections.EvaluateEncounter(ctx, tx, req.RunID, req.PlayerID, p.FamilyID, p.RouteID)
		if err != nil {
			return nil, nil, err
		}

		p.Status = decision.Status
		p.DupesSkip = decision.DupesSkip

		return p, []string{"dupes_clause"}, nil

	case events.CatchResult:
		// The rules engine runs only inside projection.applyCatchResult,
		// which alone can resolve the referenced encounter; here we only
		// validate the outcome is well-formed, already done by Validate.
		return p, []string{"catch_result"}, nil

	case events.Faint:
		return p, []string{"faint"}, nil

	case events.FamilyBlocked, events.FirstEncounterFinalized, events.SoulLinkCreated, events.SoulLinkBroken:
		// These are system-originated events in the common case (emitted by
		// this service itself, not a client), but remain acceptable direct
		// submissions for operator/admin tooling and rebuild replays.
		return payload, nil, nil

	default:
		return nil, nil, fmt.Errorf("ingestion: unhandled payload type %T", p)
	}
}

