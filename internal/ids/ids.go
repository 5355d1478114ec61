// Package ids centralizes identifier generation for the execution core.
//
// Three identifier families coexist:
//   - ULIDs for runtime records (executions, workflows, steps, requests):
//     lexically sortable, filesystem-safe.
//   - UUIDv7 for JSONL entities and connection/subscription ids: globally
//     unique and stable across renames.
//   - Short hash ids ("i-a1b2c3", "s-d4e5f6") for human-readable entity
//     references; best-effort unique, disambiguated by the merge engine.
package ids

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewULID returns a new ULID string (uppercase Crockford base32).
func NewULID() string {
	return ulid.Make().String()
}

// NewUUID returns a time-sortable UUIDv7 (RFC 9562).
func NewUUID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NewExecutionID returns an identifier for one execution attempt.
func NewExecutionID() string {
	return "e-" + strings.ToLower(ulid.Make().String())
}

// NewWorkflowID returns an identifier for a workflow.
func NewWorkflowID() string {
	return "w-" + strings.ToLower(ulid.Make().String())
}

// NewRequestID returns an identifier for a federation request.
func NewRequestID() string {
	return "req-" + strings.ToLower(ulid.Make().String())
}

// NewHashID returns a short human-readable id with the given prefix
// ("i" for issues, "s" for specs). Ids may collide across entities; the
// uuid remains the authoritative identity.
func NewHashID(prefix string) string {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand only fails when the OS entropy source is broken;
		// fall back to a UUID-derived hash rather than aborting.
		copy(buf[:], uuid.Must(uuid.NewV7()).NodeID())
	}
	sum := sha256.Sum256(buf[:])
	return fmt.Sprintf("%s-%s", prefix, hex.EncodeToString(sum[:3]))
}

// ShortUUID returns the first 8 hex characters of a UUID string, used for
// conflict-rename suffixes in the JSONL merge engine.
func ShortUUID(u string) string {
	s := strings.ReplaceAll(u, "-", "")
	if len(s) > 8 {
		return s[:8]
	}
	return s
}
