// Package decision validates decision documents at the boundary with the
// external decision engine.
//
// Parse checks raw JSON against an embedded CUE schema and decodes it into
// a model.Decision. Validate applies the checks that depend on which branch
// the decision selects. The runner calls Validate once per decision, so
// every branch it matches on is already well formed.
package decision

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	cuejson "cuelang.org/go/encoding/json"

	"github.com/roach88/loopd/internal/model"
)

//go:embed schema.cue
var schemaCUE string

// Validation error codes (D100-D199)
const (
	ErrMalformed      = "D100" // not JSON, or not a JSON object
	ErrSchema         = "D101" // violates the CUE schema
	ErrActionModule   = "D103" // action without a module
	ErrStateOpUnknown = "D104" // unknown state op
	ErrStateOpName    = "D105" // state op without a name
	ErrRuleName       = "D106" // rule result without a rule name
)

// ValidationError describes one problem with a decision document.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
	Line    int    `json:"line,omitempty"`
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("[%s] line %d: %s: %s", e.Code, e.Line, e.Field, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// IsValidationError returns true if err is or wraps a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// The CUE runtime is not safe for concurrent use.
var (
	cueMu      sync.Mutex
	cueCtx     *cue.Context
	decisionT  cue.Value
	schemaErr  error
	schemaOnce sync.Once
)

func loadSchema() {
	cueCtx = cuecontext.New()
	v := cueCtx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := v.Err(); err != nil {
		schemaErr = fmt.Errorf("compile decision schema: %w", err)
		return
	}
	decisionT = v.LookupPath(cue.ParsePath("#Decision"))
	if err := decisionT.Err(); err != nil {
		schemaErr = fmt.Errorf("lookup #Decision: %w", err)
	}
}

// Parse validates raw output of a decision engine and decodes it.
//
// Engines frequently wrap JSON in prose or a fenced code block; Parse
// extracts the outermost JSON object before validating it.
func Parse(raw []byte) (model.Decision, error) {
	data, err := extractObject(raw)
	if err != nil {
		return model.Decision{}, err
	}
	if err := checkSchema(data); err != nil {
		return model.Decision{}, err
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var d model.Decision
	if err := dec.Decode(&d); err != nil {
		return model.Decision{}, &ValidationError{Field: "decision", Message: err.Error(), Code: ErrMalformed}
	}
	return d, nil
}

// extractObject returns the outermost {...} span of raw.
func extractObject(raw []byte) ([]byte, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '{' && json.Valid(trimmed) {
		return trimmed, nil
	}
	start := bytes.IndexByte(trimmed, '{')
	end := bytes.LastIndexByte(trimmed, '}')
	if start < 0 || end < start {
		return nil, &ValidationError{Field: "decision", Message: "no JSON object in engine output", Code: ErrMalformed}
	}
	obj := trimmed[start : end+1]
	if !json.Valid(obj) {
		return nil, &ValidationError{Field: "decision", Message: "engine output is not valid JSON", Code: ErrMalformed}
	}
	return obj, nil
}

func checkSchema(data []byte) error {
	schemaOnce.Do(loadSchema)
	if schemaErr != nil {
		return schemaErr
	}

	cueMu.Lock()
	defer cueMu.Unlock()

	expr, err := cuejson.Extract("decision.json", data)
	if err != nil {
		return &ValidationError{Field: "decision", Message: err.Error(), Code: ErrMalformed}
	}
	v := decisionT.Unify(cueCtx.BuildExpr(expr))
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return formatCUEError(err)
	}
	return nil
}

// formatCUEError converts the first CUE error into a ValidationError,
// keeping its path and line.
func formatCUEError(err error) error {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return &ValidationError{Field: "decision", Message: err.Error(), Code: ErrSchema}
	}
	first := errs[0]
	ve := &ValidationError{
		Field:   strings.Join(first.Path(), "."),
		Message: first.Error(),
		Code:    ErrSchema,
	}
	if ve.Field == "" {
		ve.Field = "decision"
	}
	for _, pos := range cueerrors.Positions(first) {
		if pos.Filename() == "decision.json" {
			ve.Line = pos.Line()
			break
		}
	}
	return ve
}

// Check returns every branch-level problem with a decision.
// Returns all errors found (does not fail-fast).
func Check(d model.Decision) []ValidationError {
	var errs []ValidationError

	for i, a := range d.Actions {
		if strings.TrimSpace(a.Module) == "" {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("actions[%d].module", i),
				Message: "module is required",
				Code:    ErrActionModule,
			})
		}
	}
	for i, op := range d.StateOps {
		switch op.Op {
		case model.StateOpAddResource, model.StateOpAddHost, model.StateOpRemove:
		default:
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("state_ops[%d].op", i),
				Message: fmt.Sprintf("unknown op %q", op.Op),
				Code:    ErrStateOpUnknown,
			})
		}
		if op.Name == "" {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("state_ops[%d].name", i),
				Message: "name is required",
				Code:    ErrStateOpName,
			})
		}
	}
	for i, rr := range d.RuleResults {
		if rr.Rule == "" {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("rule_results[%d].rule", i),
				Message: "rule name is required",
				Code:    ErrRuleName,
			})
		}
	}
	return errs
}

// Validate returns nil when Check finds nothing, otherwise all problems
// joined into one error.
func Validate(d model.Decision) error {
	problems := Check(d)
	if len(problems) == 0 {
		return nil
	}
	errs := make([]error, len(problems))
	for i := range problems {
		errs[i] = &problems[i]
	}
	return errors.Join(errs...)
}
