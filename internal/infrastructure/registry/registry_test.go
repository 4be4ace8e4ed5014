package registry

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvet/queuert/internal/domain/repository"
)

type greetInput struct {
	Name string `json:"name"`
}

func testRegistry() *Registry {
	r := New()
	r.Register(JobType{
		TypeName:  "greet",
		Entry:     true,
		NewInput:  func() any { return new(greetInput) },
		NewOutput: func() any { return new(greetInput) },
		ValidateInput: func(v any) error {
			if v.(*greetInput).Name == "" {
				return errors.New("name is required")
			}
			return nil
		},
		ContinuesTo: []string{"farewell"},
		BlocksOn:    []string{"prep"},
	})
	r.Register(JobType{
		TypeName: "farewell",
		NewInput: func() any { return new(greetInput) },
	})
	r.Register(JobType{
		TypeName: "prep",
		Entry:    true,
	})
	return r
}

func TestValidateEntryRejectsNonEntryAndUnknownTypes(t *testing.T) {
	r := testRegistry()
	assert.NoError(t, r.ValidateEntry("greet"))
	assert.Error(t, r.ValidateEntry("farewell"))
	assert.Error(t, r.ValidateEntry("does-not-exist"))
}

func TestParseInputRunsValidation(t *testing.T) {
	r := testRegistry()

	_, err := r.ParseInput("greet", json.RawMessage(`{"name":""}`))
	assert.Error(t, err)

	out, err := r.ParseInput("greet", json.RawMessage(`{"name":"ada"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"ada"}`, string(out))
}

func TestParseInputRejectsPayloadForNilaryType(t *testing.T) {
	r := testRegistry()
	_, err := r.ParseInput("prep", json.RawMessage(`{"x":1}`))
	assert.Error(t, err)

	out, err := r.ParseInput("prep", json.RawMessage(``))
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestValidateContinueWithEnforcesDeclaredEdges(t *testing.T) {
	r := testRegistry()
	assert.NoError(t, r.ValidateContinueWith("greet", repository.ContinueWithSpec{TypeName: "farewell"}))
	assert.Error(t, r.ValidateContinueWith("greet", repository.ContinueWithSpec{TypeName: "prep"}))
	assert.Error(t, r.ValidateContinueWith("farewell", repository.ContinueWithSpec{TypeName: "greet"}))
}

func TestValidateBlockersRequiresDeclaredEdgeAndEntryType(t *testing.T) {
	r := testRegistry()
	assert.NoError(t, r.ValidateBlockers("greet", []repository.ContinueWithSpec{{TypeName: "prep"}}))
	assert.Error(t, r.ValidateBlockers("greet", []repository.ContinueWithSpec{{TypeName: "farewell"}}))
}
