package record

import (
	_ "embed"
	"fmt"
	"sync"

	"github.com/kaptinlin/jsonschema"
	"github.com/pkg/errors"
)

//go:embed schema.json
var schemaJSON []byte

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func loadSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiledSchema, schemaErr = compiler.Compile(schemaJSON)
	})
	return compiledSchema, schemaErr
}

// ValidateJSON checks an encoded record against the record schema.
func ValidateJSON(data []byte) error {
	schema, err := loadSchema()
	if err != nil {
		return errors.Wrap(err, "compile record schema")
	}
	result := schema.ValidateJSON(data)
	if result.IsValid() {
		return nil
	}
	return errors.Wrap(ErrInvalid, fmt.Sprintf("%v", result.Errors))
}
