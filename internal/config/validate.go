package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"

	"github.com/roach88/scenebridge/internal/ir"
)

//go:embed schema.cue
var schemaSrc string

// Issue is one schema violation.
type Issue struct {
	Path    string
	Message string
}

// ValidationError lists every violation found in a configuration.
type ValidationError struct {
	Issues []Issue
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Issues))
	for i, is := range e.Issues {
		if is.Path == "" {
			parts[i] = is.Message
			continue
		}
		parts[i] = is.Path + ": " + is.Message
	}
	return "invalid config: " + strings.Join(parts, "; ")
}

// schemaSource returns the schema with the action catalog appended.
func schemaSource() string {
	kinds := ir.AllKinds()
	quoted := make([]string, len(kinds))
	for i, k := range kinds {
		quoted[i] = strconv.Quote(string(k))
	}
	return schemaSrc + "\n#ActionKind: " + strings.Join(quoted, " | ") + "\n"
}

// Validate checks c against the embedded schema.
func (c Config) Validate() error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource(), cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}
	doc := ctx.CompileBytes(data, cue.Filename("config"))
	if err := doc.Err(); err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	v := schema.LookupPath(cue.ParsePath("#Config")).Unify(doc)
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return toValidationError(err)
	}
	return nil
}

func toValidationError(err error) error {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return &ValidationError{Issues: []Issue{{Message: err.Error()}}}
	}
	out := &ValidationError{}
	seen := make(map[string]bool)
	for _, e := range errs {
		format, args := e.Msg()
		is := Issue{
			Path:    strings.TrimPrefix(strings.Join(e.Path(), "."), "#Config."),
			Message: fmt.Sprintf(format, args...),
		}
		key := is.Path + "\x00" + is.Message
		if seen[key] {
			continue
		}
		seen[key] = true
		out.Issues = append(out.Issues, is)
	}
	return out
}
