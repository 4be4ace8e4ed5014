package valueobject

import "fmt"

// DedupScope controls which existing chains a key-deduplication lookup considers.
type DedupScope string

const (
	// DedupScopeCompleted suppresses a new chain only while an existing chain
	// with the same key has not yet reached a terminal state. This is the
	// default: it behaves like a singleton across active instances.
	DedupScopeCompleted DedupScope = "completed"

	// DedupScopeAll suppresses regardless of the existing chain's status.
	DedupScopeAll DedupScope = "all"
)

// ParseDedupScope validates a raw scope string, defaulting empty input to
// DedupScopeCompleted.
func ParseDedupScope(raw string) (DedupScope, error) {
	switch DedupScope(raw) {
	case "":
		return DedupScopeCompleted, nil
	case DedupScopeCompleted, DedupScopeAll:
		return DedupScope(raw), nil
	default:
		return "", fmt.Errorf("valueobject: unknown dedup scope %q", raw)
	}
}

// Deduplication is the opt-in key-dedup request attached at chain start.
type Deduplication struct {
	Key      string
	Scope    DedupScope
	WindowMs *int64
}
