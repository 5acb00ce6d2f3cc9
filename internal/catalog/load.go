package catalog

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
)

//go:embed schema.cue
var schemaSource string

// LoadError reports an invalid catalog document.
type LoadError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// LoadFile reads and parses a catalog file.
func LoadFile(path string) (*Catalog, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(filepath.Base(path), src)
}

// Parse compiles a CUE catalog document, unifies it with the schema and
// validates it. filename is used in error positions only.
func Parse(filename string, src []byte) (*Catalog, error) {
	ctx := cuecontext.New()

	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	doc := ctx.CompileBytes(src, cue.Filename(filename))
	if err := doc.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	v := schema.LookupPath(cue.ParsePath("#Catalog")).Unify(doc)
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, formatCUEError(err)
	}

	resources, err := compileResources(v)
	if err != nil {
		return nil, err
	}

	c := &Catalog{resources: resources}
	if errs := Validate(c); len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Error()
		}
		return nil, &LoadError{Field: "resources", Message: strings.Join(msgs, "; ")}
	}
	return c, nil
}

func compileResources(v cue.Value) (map[string]Resource, error) {
	resources := make(map[string]Resource)

	resVal := v.LookupPath(cue.ParsePath("resources"))
	if !resVal.Exists() {
		return resources, nil
	}

	iter, err := resVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}
	for iter.Next() {
		r, err := compileResource(iter.Label(), iter.Value())
		if err != nil {
			return nil, err
		}
		resources[r.Type] = r
	}
	return resources, nil
}

func compileResource(name string, v cue.Value) (Resource, error) {
	r := Resource{Type: name, Actions: make(map[string]Action)}

	component, err := v.LookupPath(cue.ParsePath("component")).String()
	if err != nil {
		return Resource{}, formatCUEError(err)
	}
	r.Component = component

	actionsVal := v.LookupPath(cue.ParsePath("actions"))
	iter, err := actionsVal.Fields()
	if err != nil {
		return Resource{}, formatCUEError(err)
	}
	for iter.Next() {
		a, err := compileAction(iter.Label(), iter.Value())
		if err != nil {
			return Resource{}, err
		}
		r.Actions[a.Name] = a
	}
	return r, nil
}

func compileAction(name string, v cue.Value) (Action, error) {
	a := Action{Name: name, OnReject: RejectKeep}

	// Fields() skips optional fields the document left unset.
	iter, err := v.Fields()
	if err != nil {
		return Action{}, formatCUEError(err)
	}
	for iter.Next() {
		switch iter.Label() {
		case "additive":
			b, err := iter.Value().Bool()
			if err != nil {
				return Action{}, formatCUEError(err)
			}
			a.Additive = b
		case "on_reject":
			s, err := iter.Value().String()
			if err != nil {
				return Action{}, formatCUEError(err)
			}
			a.OnReject = RejectPolicy(s)
		}
	}
	return a, nil
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	first := errs[0]
	positions := errors.Positions(first)
	if len(positions) > 0 {
		return &LoadError{
			Field:   "cue",
			Message: first.Error(),
			Pos:     positions[0],
		}
	}

	return err
}
