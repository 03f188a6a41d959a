// Package protocol implements the per-protocol provider adapters and the
// uniform resilience wrapper around them.
package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/sark-gateway/sark/internal/domain/adapter"
	"github.com/sark-gateway/sark/internal/domain/resource"
)

// schemaValidator compiles capability input schemas once and reuses them.
type schemaValidator struct {
	mu       sync.RWMutex
	compiled map[string]*jsonschema.Schema
}

func newSchemaValidator() *schemaValidator {
	return &schemaValidator{compiled: make(map[string]*jsonschema.Schema)}
}

// validate checks arguments against the capability input schema. A missing
// or empty schema accepts everything. A nil return means valid.
func (v *schemaValidator) validate(cap *resource.Capability, args map[string]any) []adapter.ValidationError {
	if cap == nil || len(cap.InputSchema) == 0 {
		return nil
	}
	schema, err := v.compile(cap.ID, cap.InputSchema)
	if err != nil {
		return []adapter.ValidationError{{Path: "$", Message: "input schema is invalid: " + err.Error()}}
	}

	// jsonschema validates generic JSON values; normalize through a
	// marshal round trip so typed values (json.Number etc.) compare.
	doc := any(map[string]any{})
	if args != nil {
		raw, err := json.Marshal(args)
		if err != nil {
			return []adapter.ValidationError{{Path: "$", Message: "arguments are not serializable"}}
		}
		if err := json.Unmarshal(raw, &doc); err != nil {
			return []adapter.ValidationError{{Path: "$", Message: "arguments are not a JSON object"}}
		}
	}

	if err := schema.Validate(doc); err != nil {
		return flattenValidationError(err)
	}
	return nil
}

func (v *schemaValidator) compile(id string, raw json.RawMessage) (*jsonschema.Schema, error) {
	v.mu.RLock()
	schema, ok := v.compiled[id]
	v.mu.RUnlock()
	if ok {
		return schema, nil
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	url := "capability://" + id + "/input.schema.json"
	if err := c.AddResource(url, doc); err != nil {
		return nil, err
	}
	schema, err := c.Compile(url)
	if err != nil {
		return nil, err
	}

	v.mu.Lock()
	v.compiled[id] = schema
	v.mu.Unlock()
	return schema, nil
}

// invalidate drops the compiled schema for a capability.
func (v *schemaValidator) invalidate(id string) {
	v.mu.Lock()
	delete(v.compiled, id)
	v.mu.Unlock()
}

// flattenValidationError converts the nested jsonschema error tree into
// flat per-path violations.
func flattenValidationError(err error) []adapter.ValidationError {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return []adapter.ValidationError{{Path: "$", Message: err.Error()}}
	}
	var out []adapter.ValidationError
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			path := "$"
			if len(e.InstanceLocation) > 0 {
				path = "$." + strings.Join(e.InstanceLocation, ".")
			}
			out = append(out, adapter.ValidationError{
				Path:    path,
				Message: e.Error(),
			})
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	return out
}
