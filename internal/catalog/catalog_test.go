package catalog

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/offsync/internal/model"
)

func TestDefault_Loads(t *testing.T) {
	c := Default()

	assert.Contains(t, c.Types(), "forum-reply")
	assert.Contains(t, c.Types(), "glossary-entry")
	assert.Contains(t, c.Types(), "assign-submission")

	reply, err := c.Action("forum-reply", model.ActionCreate)
	require.NoError(t, err)
	assert.True(t, reply.Additive)
	assert.Equal(t, RejectDiscard, reply.OnReject)

	update, err := c.Action("glossary-entry", model.ActionUpdate)
	require.NoError(t, err)
	assert.False(t, update.Additive)
	assert.Equal(t, RejectKeep, update.OnReject, "keep is the default policy")
}

func TestDefault_PassesValidation(t *testing.T) {
	assert.Empty(t, Validate(Default()))
}

func TestParse_Basic(t *testing.T) {
	c, err := Parse("test.cue", []byte(`
		resources: "glossary-entry": {
			component: "mod_glossary"
			actions: {
				create: additive: true
				update: {}
				delete: on_reject: "discard"
			}
		}
	`))
	require.NoError(t, err)
	assert.Equal(t, 1, c.Len())

	r, ok := c.Lookup("glossary-entry")
	require.True(t, ok)
	assert.Equal(t, "mod_glossary", r.Component)
	assert.Equal(t, []string{"create", "delete", "update"}, r.ActionNames())
	assert.Equal(t, RejectDiscard, r.Actions["delete"].OnReject)
}

func TestParse_CustomAction(t *testing.T) {
	c, err := Parse("test.cue", []byte(`
		resources: rating: {
			component: "core_rating"
			actions: rate: {}
		}
	`))
	require.NoError(t, err)

	a, err := c.Action("rating", model.Action("rate"))
	require.NoError(t, err)
	assert.Equal(t, "rate", a.Name)
}

func TestParse_SchemaErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"unknown resource field", `resources: x: { component: "c", actions: a: {}, colour: "red" }`},
		{"unknown action field", `resources: x: { component: "c", actions: a: { retry: true } }`},
		{"bad reject policy", `resources: x: { component: "c", actions: a: { on_reject: "maybe" } }`},
		{"empty component", `resources: x: { component: "", actions: a: {} }`},
		{"missing component", `resources: x: { actions: a: {} }`},
		{"unknown top level", `widgets: {}`},
		{"syntax", `resources: {`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse("bad.cue", []byte(tt.src))
			require.Error(t, err)
		})
	}
}

func TestParse_ErrorHasPosition(t *testing.T) {
	_, err := Parse("bad.cue", []byte("resources: x: {\n\tcomponent: 42\n\tactions: a: {}\n}\n"))
	require.Error(t, err)

	var loadErr *LoadError
	require.True(t, errors.As(err, &loadErr))
	assert.True(t, loadErr.Pos.IsValid())
	assert.Contains(t, err.Error(), "component")
}

func TestParse_ValidationRules(t *testing.T) {
	tests := []struct {
		name string
		src  string
		code string
	}{
		{"type name", `resources: "Forum_Reply": { component: "c", actions: create: {} }`, ErrInvalidTypeName},
		{"no actions", `resources: x: { component: "c", actions: {} }`, ErrNoActions},
		{"action name", `resources: x: { component: "c", actions: "Do-It": {} }`, ErrInvalidActionName},
		{"additive delete", `resources: x: { component: "c", actions: delete: additive: true }`, ErrAdditiveDelete},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse("bad.cue", []byte(tt.src))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.code)
		})
	}
}

func TestAction_Unknown(t *testing.T) {
	c := Default()

	_, err := c.Action("quiz-attempt", model.ActionCreate)
	assert.ErrorIs(t, err, ErrUnknownType)

	_, err = c.Action("forum-reply", model.ActionDelete)
	assert.ErrorIs(t, err, ErrUnknownAction)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.cue")
	require.NoError(t, os.WriteFile(path, []byte(`
		resources: "wiki-page": {
			component: "mod_wiki"
			actions: update: {}
		}
	`), 0o644))

	c, err := LoadFile(path)
	require.NoError(t, err)
	_, ok := c.Lookup("wiki-page")
	assert.True(t, ok)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.cue"))
	assert.Error(t, err)
}
