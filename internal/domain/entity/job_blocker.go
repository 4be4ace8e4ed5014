package entity

import "github.com/google/uuid"

// JobBlocker is the many-to-many join: JobID is blocked by the chain
// identified by BlockedByChainID. Index preserves insertion order so a
// handler can address blockers[0], blockers[1], ... reliably.
type JobBlocker struct {
	JobID           uuid.UUID
	BlockedByChainID uuid.UUID
	Index           int
}
