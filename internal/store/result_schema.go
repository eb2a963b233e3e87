package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// SchemaViolation is one failed constraint of a result schema.
type SchemaViolation struct {
	Path    string `json:"path"`
	Message string `json:"message"`
	Value   any    `json:"value,omitempty"`
}

// ResultSchemaValidationError is returned by Complete when the return value
// does not satisfy the job's result schema. It unwraps to a validation
// coded *Error, so IsValidationError reports true for it.
type ResultSchemaValidationError struct {
	Job        JobKey            `json:"job"`
	Violations []SchemaViolation `json:"violations"`
}

func (e *ResultSchemaValidationError) Error() string {
	if len(e.Violations) == 0 {
		return fmt.Sprintf("job %s: return value rejected by result schema", e.Job)
	}
	v := e.Violations[0]
	msg := fmt.Sprintf("job %s: return value rejected by result schema: %s: %s", e.Job, v.Path, v.Message)
	if n := len(e.Violations) - 1; n > 0 {
		msg += fmt.Sprintf(" (+%d more)", n)
	}
	return msg
}

func (e *ResultSchemaValidationError) Unwrap() error {
	return &Error{Code: ErrorCodeValidation, Msg: e.Error()}
}

// AsResultSchemaValidationError extracts the schema violations from err.
func AsResultSchemaValidationError(err error) (*ResultSchemaValidationError, bool) {
	var target *ResultSchemaValidationError
	ok := errors.As(err, &target)
	return target, ok
}

// compiled result schemas keyed by their trimmed source.
var schemaCache sync.Map

func compileSchema(src string) (*gojsonschema.Schema, error) {
	if cached, ok := schemaCache.Load(src); ok {
		return cached.(*gojsonschema.Schema), nil
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
	if err != nil {
		return nil, err
	}
	actual, _ := schemaCache.LoadOrStore(src, schema)
	return actual.(*gojsonschema.Schema), nil
}

func validateResultSchemaDoc(schema json.RawMessage) error {
	src := strings.TrimSpace(string(schema))
	if src == "" {
		return nil
	}
	if _, err := compileSchema(src); err != nil {
		return NewValidationError(fmt.Sprintf("invalid result_schema: %v", err))
	}
	return nil
}

func validateResultSchema(job *Job, result json.RawMessage) error {
	src := strings.TrimSpace(string(job.Opts.ResultSchema))
	if src == "" {
		return nil
	}
	schema, err := compileSchema(src)
	if err != nil {
		return NewValidationError(fmt.Sprintf("invalid result_schema: %v", err))
	}
	doc := strings.TrimSpace(string(result))
	if doc == "" {
		doc = "null"
	}
	res, err := schema.Validate(gojsonschema.NewStringLoader(doc))
	if err != nil {
		return NewValidationError(fmt.Sprintf("return value is not valid JSON: %v", err))
	}
	if res.Valid() {
		return nil
	}
	out := &ResultSchemaValidationError{Job: job.Key()}
	for _, re := range res.Errors() {
		out.Violations = append(out.Violations, SchemaViolation{
			Path:    re.Field(),
			Message: re.Description(),
			Value:   re.Value(),
		})
	}
	return out
}
