package idempotency

import (
	"errors"

	"github.com/lib/pq"
)

// isUniqueViolation reports whether err is a Postgres unique_violation on the
// named constraint, the same pq.Error classification idiom used throughout
// eventstore and registry.
func isUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error

	return errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" && pqErr.Constraint == constraint
}
