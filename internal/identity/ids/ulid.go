// Package ids provides ID primitives (ULID) used across the messaging core.
package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Shared monotonic entropy source. ULIDs minted within the same millisecond
// increment strictly, so lexicographic order matches mint order even on
// timestamp ties. The reader is not safe for concurrent use; the mutex is.
var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewULID returns a new ULID string (26 chars).
// ULIDs are lexicographically sortable, which makes them usable as the
// tie-break key for messages sharing a createdAt timestamp.
func NewULID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	entropyMu.Lock()
	defer entropyMu.Unlock()

	id, err := ulid.New(ulid.Timestamp(now), entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
