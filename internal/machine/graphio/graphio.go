// Package graphio decodes machine documents (JSON or YAML) into the
// graph model. JSON documents are validated against the machine schema
// before decoding so malformed input fails with a precise pointer
// instead of a zero-valued graph.
package graphio

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/stepmill/stepmill/internal/machine/model"
)

type document struct {
	Name       string         `json:"name" yaml:"name"`
	Attributes map[string]any `json:"attributes" yaml:"attributes"`
	Nodes      []*model.Node  `json:"nodes" yaml:"nodes"`
	Edges      []*model.Edge  `json:"edges" yaml:"edges"`
}

// Load reads and decodes a machine file. The format is sniffed: documents
// starting with '{' parse as JSON, everything else as YAML.
func Load(path string) (*model.Graph, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	g, err := Decode(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return g, nil
}

// Decode parses a machine document into a graph.
func Decode(b []byte) (*model.Graph, error) {
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty machine document")
	}
	var doc document
	if trimmed[0] == '{' {
		if err := validateSchema(trimmed); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(trimmed, &doc); err != nil {
			return nil, fmt.Errorf("decode machine document: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(b, &doc); err != nil {
			return nil, fmt.Errorf("decode machine document: %w", err)
		}
		// YAML skips schema validation only because the schema is JSON;
		// re-encode and check so both formats meet the same contract.
		jb, err := json.Marshal(doc)
		if err == nil {
			if err := validateSchema(jb); err != nil {
				return nil, err
			}
		}
	}
	return buildGraph(&doc)
}

func buildGraph(doc *document) (*model.Graph, error) {
	name := strings.TrimSpace(doc.Name)
	if name == "" {
		name = "machine"
	}
	g := model.NewGraph(name)
	for k, v := range doc.Attributes {
		g.Attrs[k] = v
	}
	for _, n := range doc.Nodes {
		if n == nil || strings.TrimSpace(n.Name) == "" {
			return nil, fmt.Errorf("machine document: node without a name")
		}
		g.AddNode(n)
	}
	for i, e := range doc.Edges {
		if e == nil {
			continue
		}
		e.Order = i
		g.Edges = append(g.Edges, e)
	}
	g.Reindex()
	return g, nil
}

// machineSchema is the wire contract for JSON machine documents.
const machineSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["nodes", "edges"],
  "properties": {
    "name": {"type": "string"},
    "attributes": {"type": "object"},
    "nodes": {"type": ["array", "null"], "items": {"$ref": "#/$defs/node"}},
    "edges": {"type": ["array", "null"], "items": {"$ref": "#/$defs/edge"}}
  },
  "$defs": {
    "node": {
      "type": "object",
      "required": ["name"],
      "properties": {
        "name": {"type": "string", "minLength": 1},
        "type": {"type": "string"},
        "attributes": {"type": "object"},
        "annotations": {"type": "array", "items": {"type": "string"}},
        "children": {"type": "array", "items": {"$ref": "#/$defs/node"}}
      }
    },
    "edge": {
      "type": "object",
      "required": ["source", "target"],
      "properties": {
        "source": {"type": "string", "minLength": 1},
        "target": {"type": "string", "minLength": 1},
        "when": {"type": "string"},
        "unless": {"type": "string"},
        "if": {"type": "string"},
        "label": {"type": "string"},
        "annotations": {"type": "array", "items": {"type": "string"}},
        "fields": {"type": "array", "items": {"type": "string"}},
        "weight": {"type": "integer"}
      }
    }
  }
}`

var compiledSchema = jsonschema.MustCompileString("machine.schema.json", machineSchema)

func validateSchema(b []byte) error {
	var doc any
	if err := json.Unmarshal(b, &doc); err != nil {
		return fmt.Errorf("decode machine document: %w", err)
	}
	if err := compiledSchema.Validate(doc); err != nil {
		return fmt.Errorf("machine document schema: %w", err)
	}
	return nil
}
