// Package stream implements catch-up replay and live broadcast fan-out: a
// client pages through get_since(run, since_seq, limit) until
// has_more is false, then subscribes to a per-run channel that receives
// every envelope committed from that point on. Delivery to subscribers is
// best-effort; a subscriber that cannot keep up is dropped and must
// resynchronize through another catch-up pass.
package stream

import (
	"context"
	"log/slog"
	"os"

	"github.com/google/uuid"

	"github.com/soullink-io/soullink-tracker/internal/config"
	"github.com/soullink-io/soullink-tracker/internal/events"
	"github.com/soullink-io/soullink-tracker/internal/eventstore"
)

// CatchUpPage is the response body for the catch-up endpoint.
type CatchUpPage struct {
	Events    []events.Envelope `json:"events"`
	LatestSeq int64             `json:"latest_seq"`
	HasMore   bool              `json:"has_more"`
}

// CatchUp implements get_since(run, since_seq, limit): the events strictly
// after sinceSeq, capped at limit, plus the run's current latest sequence so
// the caller knows whether more pages remain.
func CatchUp(ctx context.Context, store *eventstore.Store, runID uuid.UUID, sinceSeq int64, limit int) (CatchUpPage, error) {
	batch, err := store.GetSince(ctx, runID, sinceSeq, limit)
	if err != nil {
		return CatchUpPage{}, err
	}

	latestSeq, err := store.GetLatestSequence(ctx, runID)
	if err != nil {
		return CatchUpPage{}, err
	}

	hasMore := len(batch) > 0 && batch[len(batch)-1].Seq < latestSeq

	return CatchUpPage{Events: batch, LatestSeq: latestSeq, HasMore: hasMore}, nil
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("SOULLINK_LOG_LEVEL", slog.LevelInfo),
	}))
}
