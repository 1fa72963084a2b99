package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"

	invschema "github.com/invopop/jsonschema"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Schemas lists the JSON messages with a published schema, keyed by file
// name under schemas/.
func Schemas() map[string]any {
	return map[string]any{
		"hello.schema.json":   HelloMsg{},
		"welcome.schema.json": WelcomeMsg{},
		"cmd.schema.json":     CmdMsg{},
		"ack.schema.json":     AckMsg{},
		"error.schema.json":   ErrorMsg{},
	}
}

// Reflect builds the JSON schema for msg from its Go type.
func Reflect(msg any) *invschema.Schema {
	r := invschema.Reflector{
		Anonymous:                 true,
		DoNotReference:            true,
		AllowAdditionalProperties: false,
	}
	s := r.ReflectFromType(reflect.TypeOf(msg))
	s.Title = reflect.TypeOf(msg).Name()
	return s
}

// Validator checks decoded JSON against a reflected schema.
type Validator struct {
	schema *jsonschema.Schema
}

func NewValidator(msg any) (*Validator, error) {
	raw, err := json.Marshal(Reflect(msg))
	if err != nil {
		return nil, err
	}
	name := reflect.TypeOf(msg).Name() + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("schema %s: %w", name, err)
	}
	s, err := c.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("schema %s: %w", name, err)
	}
	return &Validator{schema: s}, nil
}

// Validate checks raw JSON. The error names the failing location.
func (v *Validator) Validate(raw []byte) error {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	return v.schema.Validate(doc)
}
