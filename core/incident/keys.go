package incident

import (
	"fmt"
	"strings"
	"time"
)

// Event keys are the idempotency boundary: one deterministic string per
// logical lifecycle request, enforced unique on the timeline table. The
// audit verifier recomputes these from consumed event payloads, so the
// formats are part of the wire contract and must not change.

// CreatedKey derives the idempotency key for a creation request from its
// natural key: reporting source plus occurrence time at millisecond
// precision.
func CreatedKey(source string, occurredAt time.Time) string {
	return fmt.Sprintf("INCIDENT_CREATED:%s:%d", source, occurredAt.UnixMilli())
}

// TransitionKey derives the idempotency key for a status transition on an
// existing incident, e.g. INCIDENT_RESOLVED:42.
func TransitionKey(target Status, id int64) string {
	return fmt.Sprintf("INCIDENT_%s:%d", strings.ToUpper(string(target)), id)
}
