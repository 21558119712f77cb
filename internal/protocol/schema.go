package protocol

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// Kind names a wire payload that has a schema.
type Kind string

const (
	KindQueryAccess  Kind = "query_access"
	KindAgentCircuit Kind = "agent_circuit"
	KindAgentData    Kind = "agent_data"
)

var (
	schemaOnce sync.Once
	schemas    map[Kind]*jsonschema.Schema
	schemaErr  error
)

func loadSchemas() {
	c := jsonschema.NewCompiler()
	out := map[Kind]*jsonschema.Schema{}
	for _, k := range []Kind{KindQueryAccess, KindAgentCircuit, KindAgentData} {
		name := "schemas/" + string(k) + ".schema.json"
		b, err := schemaFS.ReadFile(name)
		if err != nil {
			schemaErr = fmt.Errorf("read %s: %w", name, err)
			return
		}
		url := "mem://" + name
		if err := c.AddResource(url, bytes.NewReader(b)); err != nil {
			schemaErr = fmt.Errorf("add %s: %w", name, err)
			return
		}
		s, err := c.Compile(url)
		if err != nil {
			schemaErr = fmt.Errorf("compile %s: %w", name, err)
			return
		}
		out[k] = s
	}
	schemas = out
}

// Validate checks a raw JSON payload against the schema for kind.
func Validate(kind Kind, raw []byte) error {
	schemaOnce.Do(loadSchemas)
	if schemaErr != nil {
		return schemaErr
	}
	s, ok := schemas[kind]
	if !ok {
		return fmt.Errorf("no schema for %s", kind)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return &ProtocolError{Msg: "malformed json: " + err.Error()}
	}
	if err := s.Validate(v); err != nil {
		return &ProtocolError{Msg: err.Error()}
	}
	return nil
}
