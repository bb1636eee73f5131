// Package admin implements the administrative, localhost-only operations:
// projection rebuild and event store statistics. Run/player creation and
// token rotation are plain registry operations and are wired directly from
// the API layer; this package holds only the operations that need
// cross-component orchestration.
package admin

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"

	"github.com/soullink-io/soullink-tracker/internal/config"
	"github.com/soullink-io/soullink-tracker/internal/eventstore"
	"github.com/soullink-io/soullink-tracker/internal/projection"
	"github.com/soullink-io/soullink-tracker/internal/storage"
)

// Stats summarizes a run's event store and read-model footprint for admin
// inspection.
type Stats struct {
	RunID       uuid.UUID `json:"run_id"`
	LatestSeq   int64     `json:"latest_seq"`
	EventCount  int64     `json:"event_count"`
	Subscribers int       `json:"subscribers"`
}

// Service wires the event store and projection engine together for admin
// operations that span both.
type Service struct {
	conn        *storage.Connection
	events      *eventstore.Store
	projections *projection.Engine
	logger      *slog.Logger
}

// NewService constructs an admin service over conn, events, and projections.
func NewService(conn *storage.Connection, events *eventstore.Store, projections *projection.Engine) *Service {
	return &Service{
		conn:        conn,
		events:      events,
		projections: projections,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("SOULLINK_LOG_LEVEL", slog.LevelInfo),
		})),
	}
}

// Rebuild clears runID's read models and replays its full event log through
// the projection engine, writing within a single transaction. It takes no
// lock against live ingestion and the replay has no fixed upper bound:
// eventstore.Store.Replay pages until it reads an empty page, so an envelope
// committed while the rebuild runs is replayed here as well as projected by
// its own ingestion transaction.
func (s *Service) Rebuild(ctx context.Context, runID uuid.UUID) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("admin: begin rebuild transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := s.projections.RebuildAll(ctx, tx, runID, s.events.Replay); err != nil {
		return fmt.Errorf("admin: rebuild: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("admin: commit rebuild: %w", err)
	}

	s.logger.Info("rebuilt projections", slog.String("run_id", runID.String()))

	return nil
}

// EventStoreStats loads runID's current latest sequence number as event
// store statistics for admin inspection.
func (s *Service) EventStoreStats(ctx context.Context, runID uuid.UUID) (Stats, error) {
	latestSeq, err := s.events.GetLatestSequence(ctx, runID)
	if err != nil {
		return Stats{}, fmt.Errorf("admin: load latest sequence: %w", err)
	}

	return Stats{RunID: runID, LatestSeq: latestSeq, EventCount: latestSeq}, nil
}
