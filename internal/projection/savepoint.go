package projection

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync/atomic"
)

// savepointCounter gives each nested savepoint within a transaction a
// distinct name; Postgres allows re-using a name but distinct names make log
// output unambiguous when a handler nests more than one guarded statement.
var savepointCounter atomic.Int64

func nextSavepointName() string {
	return fmt.Sprintf("sp_%d", savepointCounter.Add(1))
}

// expectedConflictSavepoint runs fn inside a Postgres SAVEPOINT nested within
// tx. database/sql has no native nested-transaction API, so the savepoint
// boundary is issued as raw SQL.
//
// If fn succeeds, the savepoint is released and hit=false. If fn fails with a
// unique-constraint violation matching one of the tags in want, the
// savepoint is rolled back (undoing only fn's statements, leaving the outer
// transaction tx alive) and hit=true is returned along with the matched tag.
// Any other error aborts by returning it wrapped in ErrUnexpectedConstraint's
// family — the caller must treat that as fatal to the outer transaction.
func expectedConflictSavepoint(
	ctx context.Context,
	tx *sql.Tx,
	logger *slog.Logger,
	want []expectedTag,
	fn func() error,
) (hit bool, tag expectedTag, err error) {
	name := nextSavepointName()

	if _, err := tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return false, "", fmt.Errorf("projection: create savepoint: %w", err)
	}

	fnErr := fn()
	if fnErr == nil {
		if _, err := tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name); err != nil {
			return false, "", fmt.Errorf("projection: release savepoint: %w", err)
		}

		return false, "", nil
	}

	matched, ok := classifyConstraintViolation(fnErr)
	if !ok || !tagIn(want, matched) {
		logger.Error("unexpected constraint violation in projection",
			slog.String("savepoint", name),
			slog.Any("error", fnErr),
		)

		return false, "", fmt.Errorf("%w: %v", ErrUnexpectedConstraint, fnErr)
	}

	if _, err := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name); err != nil {
		return false, "", fmt.Errorf("projection: rollback to savepoint: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name); err != nil {
		return false, "", fmt.Errorf("projection: release savepoint after rollback: %w", err)
	}

	logger.Info("expected constraint violation, continuing outer transaction",
		slog.String("savepoint", name),
		slog.String("tag", string(matched)),
	)

	return true, matched, nil
}

func tagIn(tags []expectedTag, tag expectedTag) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}

	return false
}
