package projection

import (
	"errors"

	"github.com/lib/pq"
)

// expectedTag identifies one of the two unique-constraint violations the
// projection engine treats as a semantic outcome rather than a server error.
// Player-name duplicates are classified in the registry, not here, because
// projection never inserts players.
type expectedTag string

const (
	tagRouteAlreadyFinalized expectedTag = "ROUTE_ALREADY_FINALIZED"
	tagBlockAlreadyExists    expectedTag = "BLOCK_ALREADY_EXISTS"
)

// Constraint names match the migrations/ schema. Kept as
// named constants, same pattern as eventstore's runEventSeqUniqueConstraint,
// so a constraint rename in the schema has to be mirrored in this one place.
const (
	routeProgressFinalizedUniqueConstraint = "route_progress_run_id_route_id_finalized_key"
	blocklistUniqueConstraint              = "blocklist_run_id_family_id_key"
)

// classifyConstraintViolation maps a Postgres unique_violation to the
// expected tag it represents, or reports ok=false when err is not a
// recognized expected violation.
func classifyConstraintViolation(err error) (tag expectedTag, ok bool) {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code.Name() != "unique_violation" {
		return "", false
	}

	switch pqErr.Constraint {
	case routeProgressFinalizedUniqueConstraint:
		return tagRouteAlreadyFinalized, true
	case blocklistUniqueConstraint:
		return tagBlockAlreadyExists, true
	default:
		return "", false
	}
}
