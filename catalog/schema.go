package catalog

import (
	"fmt"

	"github.com/xeipuuv/gojsonschema"

	"github.com/c360/controlbus/errors"
)

// SchemaDocument builds a JSON schema for a topic's flat wire record:
// the system fields plus the declared topic-specific fields, with no
// additional properties allowed.
func SchemaDocument(ti *TopicInfo) map[string]any {
	properties := map[string]any{
		FieldIdentity: map[string]any{"type": "string"},
		FieldOrigin:   map[string]any{"type": "integer"},
		FieldSent:     map[string]any{"type": "number"},
		FieldReceived: map[string]any{"type": "number"},
		FieldSeqNum:   map[string]any{"type": "integer"},
		FieldIndex:    map[string]any{"type": "integer"},
	}
	for _, f := range ti.Fields {
		prop := map[string]any{"type": jsonType(f.Type)}
		if f.Type == FieldString && f.MaxLen > 0 {
			prop["maxLength"] = f.MaxLen
		}
		if f.Description != "" {
			prop["description"] = f.Description
		}
		properties[f.Name] = prop
	}
	return map[string]any{
		"$schema":              "http://json-schema.org/draft-07/schema#",
		"title":                ti.Key(),
		"type":                 "object",
		"properties":           properties,
		"required":             []string{FieldIdentity, FieldOrigin, FieldSent},
		"additionalProperties": false,
	}
}

func jsonType(ft FieldType) string {
	switch ft {
	case FieldInt:
		return "integer"
	case FieldFloat:
		return "number"
	case FieldBool:
		return "boolean"
	default:
		return "string"
	}
}

// Validator checks raw wire records against a topic's schema before they
// are decoded. Construction compiles the schema once.
type Validator struct {
	topicKey string
	schema   *gojsonschema.Schema
}

// NewValidator compiles the schema for one topic.
func NewValidator(ti *TopicInfo) (*Validator, error) {
	loader := gojsonschema.NewGoLoader(SchemaDocument(ti))
	schema, err := gojsonschema.NewSchema(loader)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Validator", "NewValidator", "compile schema")
	}
	return &Validator{topicKey: ti.Key(), schema: schema}, nil
}

// Validate checks one raw record. A failure is an invalid-data error
// carrying the first few schema violations.
func (v *Validator) Validate(raw []byte) error {
	result, err := v.schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return errors.WrapInvalid(
			fmt.Errorf("%w: %v", errors.ErrDecodeFailed, err),
			"Validator", "Validate", "load record")
	}
	if result.Valid() {
		return nil
	}
	detail := ""
	for i, desc := range result.Errors() {
		if i >= 3 {
			detail += "; ..."
			break
		}
		if i > 0 {
			detail += "; "
		}
		detail += desc.String()
	}
	return errors.WrapInvalid(
		fmt.Errorf("%w: topic %s: %s", errors.ErrSchemaInvalid, v.topicKey, detail),
		"Validator", "Validate", "check record")
}
