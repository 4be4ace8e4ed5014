// Package registry implements repository.Registry by keying job types with
// a string type name paired with a typed JSON payload, and declaring, per
// type, which other types it may continue into or use as blockers, plus an
// optional semantic validator beyond "does it unmarshal".
package registry

import (
	"encoding/json"
	"fmt"

	"github.com/kvet/queuert/internal/domain/repository"
)

// JobType declares everything the engine needs to know about one job type:
// its payload shapes and the continuation/blocker edges it may use.
type JobType struct {
	// TypeName is the wire value stored on Job.TypeName.
	TypeName string

	// Entry allows this type to be used as StartJobChain's typeName.
	Entry bool

	// NewInput and NewOutput return a fresh pointer for json.Unmarshal.
	// Leave NewOutput nil for a type that never completes with output
	// (always continues).
	NewInput  func() any
	NewOutput func() any

	// ValidateInput and ValidateOutput run after a successful unmarshal,
	// for checks a JSON schema can't express (cross-field constraints,
	// enum membership). Optional.
	ValidateInput  func(any) error
	ValidateOutput func(any) error

	// ContinuesTo lists the type names this type's ContinueWith calls may
	// target. Empty means it never continues.
	ContinuesTo []string

	// BlocksOn lists the type names this type may declare as
	// StartJobChainOptions.Blockers entries. Empty means it takes none.
	BlocksOn []string
}

// Registry implements repository.Registry over a static table of JobType
// declarations, built once at startup via Register.
type Registry struct {
	types map[string]JobType
}

// New builds an empty Registry.
func New() *Registry {
	return &Registry{types: make(map[string]JobType)}
}

// Register adds or replaces a JobType declaration.
func (r *Registry) Register(jt JobType) {
	r.types[jt.TypeName] = jt
}

func (r *Registry) lookup(typeName string) (JobType, error) {
	jt, ok := r.types[typeName]
	if !ok {
		return JobType{}, fmt.Errorf("registry: unknown job type %q", typeName)
	}
	return jt, nil
}

func (r *Registry) ValidateEntry(typeName string) error {
	jt, err := r.lookup(typeName)
	if err != nil {
		return err
	}
	if !jt.Entry {
		return fmt.Errorf("registry: job type %q is not usable as a chain entry", typeName)
	}
	return nil
}

func (r *Registry) parse(typeName string, raw json.RawMessage, newValue func() any, validate func(any) error) (json.RawMessage, error) {
	if newValue == nil {
		if len(raw) > 0 && string(raw) != "null" {
			return nil, fmt.Errorf("registry: job type %q takes no payload", typeName)
		}
		return raw, nil
	}

	value := newValue()
	if err := json.Unmarshal(raw, value); err != nil {
		return nil, fmt.Errorf("registry: unmarshal for %q: %w", typeName, err)
	}
	if validate != nil {
		if err := validate(value); err != nil {
			return nil, err
		}
	}
	canonical, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("registry: remarshal for %q: %w", typeName, err)
	}
	return canonical, nil
}

func (r *Registry) ParseInput(typeName string, input json.RawMessage) (json.RawMessage, error) {
	jt, err := r.lookup(typeName)
	if err != nil {
		return nil, err
	}
	return r.parse(typeName, input, jt.NewInput, jt.ValidateInput)
}

func (r *Registry) ParseOutput(typeName string, output json.RawMessage) (json.RawMessage, error) {
	jt, err := r.lookup(typeName)
	if err != nil {
		return nil, err
	}
	return r.parse(typeName, output, jt.NewOutput, jt.ValidateOutput)
}

func (r *Registry) ValidateContinueWith(fromTypeName string, next repository.ContinueWithSpec) error {
	jt, err := r.lookup(fromTypeName)
	if err != nil {
		return err
	}
	if !contains(jt.ContinuesTo, next.TypeName) {
		return fmt.Errorf("registry: job type %q may not continue into %q", fromTypeName, next.TypeName)
	}
	if _, err := r.lookup(next.TypeName); err != nil {
		return err
	}
	return nil
}

func (r *Registry) ValidateBlockers(typeName string, blockers []repository.ContinueWithSpec) error {
	jt, err := r.lookup(typeName)
	if err != nil {
		return err
	}
	for _, b := range blockers {
		if !contains(jt.BlocksOn, b.TypeName) {
			return fmt.Errorf("registry: job type %q may not block on %q", typeName, b.TypeName)
		}
		if !r.types[b.TypeName].Entry {
			return fmt.Errorf("registry: blocker type %q is not a chain entry", b.TypeName)
		}
	}
	return nil
}

func contains(list []string, value string) bool {
	for _, v := range list {
		if v == value {
			return true
		}
	}
	return false
}

var _ repository.Registry = (*Registry)(nil)
