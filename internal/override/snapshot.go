package override

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const snapshotSchemaURL = "https://relaylevel.dev/schema/override-snapshot.json"

// snapshotSchema describes the persisted form: a JSON array of override
// records. The derived expiring flag is not part of the format.
const snapshotSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "array",
  "items": {
    "type": "object",
    "required": ["id", "serviceId", "envId", "level", "startTime", "expiryTime", "totalDuration"],
    "properties": {
      "id": {"type": "string", "minLength": 1},
      "serviceId": {"type": "string", "minLength": 1},
      "serviceName": {"type": "string"},
      "envId": {"type": "string"},
      "level": {"enum": ["TRACE", "DEBUG", "INFO", "WARN", "ERROR"]},
      "startTime": {"type": "integer", "minimum": 0},
      "expiryTime": {"type": "integer", "minimum": 0},
      "totalDuration": {"type": "integer", "exclusiveMinimum": 0}
    }
  }
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func loadSnapshotSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(snapshotSchema))
		if err != nil {
			schemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(snapshotSchemaURL, doc); err != nil {
			schemaErr = err
			return
		}
		compiledSchema, schemaErr = compiler.Compile(snapshotSchemaURL)
	})
	return compiledSchema, schemaErr
}

// EncodeSnapshot renders entries in the persisted snapshot format.
func EncodeSnapshot(entries []Override) ([]byte, error) {
	if entries == nil {
		entries = []Override{}
	}
	return json.Marshal(entries)
}

// DecodeSnapshot parses and validates a persisted snapshot. An empty
// payload decodes to an empty set. Anything that fails the schema or the
// entity invariants is reported as ErrMalformedSnapshot.
func DecodeSnapshot(data []byte) ([]Override, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return []Override{}, nil
	}
	schema, err := loadSnapshotSchema()
	if err != nil {
		return nil, fmt.Errorf("load snapshot schema: %w", err)
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(trimmed))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSnapshot, err)
	}
	if err := schema.Validate(instance); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSnapshot, err)
	}
	var entries []Override
	if err := json.Unmarshal(trimmed, &entries); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSnapshot, err)
	}
	for i, entry := range entries {
		if err := entry.Validate(); err != nil {
			return nil, fmt.Errorf("%w: row %d: %v", ErrMalformedSnapshot, i, err)
		}
	}
	return entries, nil
}
