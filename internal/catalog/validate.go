package catalog

import (
	"fmt"
	"regexp"

	"github.com/roach88/offsync/internal/model"
)

// Validation error codes (E200-E299)
const (
	ErrInvalidTypeName   = "E201" // resource type is not kebab-case
	ErrNoActions         = "E202" // resource declares no actions
	ErrInvalidActionName = "E203" // action name is not lower snake case
	ErrAdditiveDelete    = "E204" // delete cannot be additive
)

var (
	typeNamePattern   = regexp.MustCompile(`^[a-z][a-z0-9]*(-[a-z0-9]+)*$`)
	actionNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)
)

// ValidationError is a rule violation in a parsed catalog.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// Validate checks the rules the schema cannot express.
// Returns all errors found, ordered by resource type then action.
func Validate(c *Catalog) []ValidationError {
	var errs []ValidationError

	for _, typ := range c.Types() {
		r := c.resources[typ]
		field := "resources." + typ

		if !typeNamePattern.MatchString(typ) {
			errs = append(errs, ValidationError{
				Field:   field,
				Message: fmt.Sprintf("resource type %q must be kebab-case", typ),
				Code:    ErrInvalidTypeName,
			})
		}

		if len(r.Actions) == 0 {
			errs = append(errs, ValidationError{
				Field:   field + ".actions",
				Message: "at least one action is required",
				Code:    ErrNoActions,
			})
		}

		for _, name := range r.ActionNames() {
			a := r.Actions[name]
			if !actionNamePattern.MatchString(name) {
				errs = append(errs, ValidationError{
					Field:   field + ".actions." + name,
					Message: fmt.Sprintf("action name %q must be lower snake case", name),
					Code:    ErrInvalidActionName,
				})
			}
			if a.Additive && model.Action(name) == model.ActionDelete {
				errs = append(errs, ValidationError{
					Field:   field + ".actions." + name,
					Message: "delete cannot be additive",
					Code:    ErrAdditiveDelete,
				})
			}
		}
	}

	return errs
}
