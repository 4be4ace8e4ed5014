package repository

import "encoding/json"

// ContinueWithSpec describes a proposed continuation: the next job's type
// and input, validated against the current job's type before the engine
// will create it.
type ContinueWithSpec struct {
	TypeName string
	Input    json.RawMessage
}

// Registry is the runtime schema-validation contract a user provides (spec
// §4.3). Every hook raises a *JobTypeValidationError on mismatch; the engine
// never interprets the failure beyond that: it surfaces it at the call that
// introduced the invalid value and never retries it.
type Registry interface {
	// ValidateEntry reports whether typeName may be used to start a new
	// chain (spec calls this the "entry=true" flag on a job type).
	ValidateEntry(typeName string) error

	// ParseInput validates and normalizes an input payload for typeName.
	// The returned bytes (typically canonicalized JSON) are what gets
	// persisted and later handed back to handlers.
	ParseInput(typeName string, input json.RawMessage) (json.RawMessage, error)

	// ParseOutput validates and normalizes an output payload for typeName.
	ParseOutput(typeName string, output json.RawMessage) (json.RawMessage, error)

	// ValidateContinueWith checks that next is a legal continuation of a job
	// whose type is fromTypeName.
	ValidateContinueWith(fromTypeName string, next ContinueWithSpec) error

	// ValidateBlockers checks that the given blocker chain starters
	// (type+input) are legal blockers for a job of typeName.
	ValidateBlockers(typeName string, blockers []ContinueWithSpec) error
}
