// Package schema validates JSON documents against embedded JSON Schemas.
package schema

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const baseURL = "https://actsync.local/schemas/"

type Validator struct {
	name   string
	schema *jsonschema.Schema
}

func Compile(name, doc string) (*Validator, error) {
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(doc))
	if err != nil {
		return nil, fmt.Errorf("schema %s: %w", name, err)
	}

	url := baseURL + name + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, parsed); err != nil {
		return nil, fmt.Errorf("schema %s: %w", name, err)
	}
	sch, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("schema %s: %w", name, err)
	}
	return &Validator{name: name, schema: sch}, nil
}

func MustCompile(name, doc string) *Validator {
	v, err := Compile(name, doc)
	if err != nil {
		panic(err)
	}
	return v
}

// Validate parses raw and checks it against the schema.
func (v *Validator) Validate(raw []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("%s: invalid json: %w", v.name, err)
	}
	if err := v.schema.Validate(inst); err != nil {
		return fmt.Errorf("%s: %w", v.name, err)
	}
	return nil
}
