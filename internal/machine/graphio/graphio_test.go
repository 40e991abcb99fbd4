package graphio

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stepmill/stepmill/internal/machine/model"
)

const jsonDoc = `{
  "name": "review_pipeline",
  "attributes": {"on_error": "cleanup"},
  "nodes": [
    {"name": "begin", "type": "entry"},
    {"name": "draft", "attributes": {"prompt": "write a draft"}},
    {
      "name": "review_module",
      "children": [
        {"name": "check", "annotations": ["auto"]},
        {"name": "legend", "type": "note"}
      ]
    },
    {"name": "cleanup"},
    {"name": "notes", "type": "context"}
  ],
  "edges": [
    {"source": "begin", "target": "draft"},
    {"source": "draft", "target": "review_module", "when": "ready == true"},
    {"source": "draft", "target": "notes", "label": "writes", "fields": ["draft_*"]}
  ]
}`

const yamlDoc = `
name: review_pipeline
attributes:
  on_error: cleanup
nodes:
  - name: begin
    type: entry
  - name: draft
  - name: done
edges:
  - source: begin
    target: draft
  - source: draft
    target: done
    unless: blocked == true
`

func TestDecodeJSON(t *testing.T) {
	g, err := Decode([]byte(jsonDoc))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if g.Name != "review_pipeline" {
		t.Fatalf("name = %q", g.Name)
	}
	if g.Attr("on_error", "") != "cleanup" {
		t.Fatalf("graph attributes lost")
	}
	if g.Node("check") == nil || g.Node("check").Parent.Name != "review_module" {
		t.Fatalf("container children not indexed")
	}
	if got := g.Node("draft").Attr("prompt", ""); got != "write a draft" {
		t.Fatalf("node attributes lost: %q", got)
	}

	edges := g.Outgoing("draft")
	if len(edges) != 2 {
		t.Fatalf("draft has %d outgoing edges, want 2", len(edges))
	}
	if edges[0].Condition() != "ready == true" {
		t.Fatalf("condition lost: %q", edges[0].Condition())
	}
	if len(edges[1].Fields) != 1 || edges[1].Fields[0] != "draft_*" {
		t.Fatalf("fields lost: %v", edges[1].Fields)
	}
	// Declaration order is preserved in edge ordering.
	for i, e := range g.Edges {
		if e.Order != i {
			t.Fatalf("edge %d has order %d", i, e.Order)
		}
	}
}

func TestDecodeYAML(t *testing.T) {
	g, err := Decode([]byte(yamlDoc))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if g.Node("done") == nil {
		t.Fatalf("yaml nodes lost")
	}
	edges := g.Outgoing("draft")
	if len(edges) != 1 || edges[0].Condition() != "!(blocked == true)" {
		t.Fatalf("unless sugar lost: %+v", edges)
	}
}

func TestDecodeDefaultsName(t *testing.T) {
	g, err := Decode([]byte(`{"nodes": [{"name": "only"}], "edges": []}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if g.Name != "machine" {
		t.Fatalf("default name = %q, want machine", g.Name)
	}
}

func TestDecodeYAMLWithoutEdges(t *testing.T) {
	g, err := Decode([]byte("nodes:\n  - name: solo\n"))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if g.Node("solo") == nil || len(g.Edges) != 0 {
		t.Fatalf("edge-free document mishandled")
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	bad := map[string]string{
		"empty":         "",
		"nameless node": `{"nodes": [{"type": "task"}], "edges": []}`,
		"bad edge":      `{"nodes": [{"name": "a"}], "edges": [{"source": "a"}]}`,
		"wrong types":   `{"nodes": "oops", "edges": []}`,
		"invalid json":  `{"nodes": [`,
	}
	for name, doc := range bad {
		if _, err := Decode([]byte(doc)); err == nil {
			t.Fatalf("%s: expected a decode error", name)
		}
	}
}

func TestLoadRoundtrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "machine.json")
	if err := os.WriteFile(path, []byte(jsonDoc), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	g, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if g.Name != "review_pipeline" {
		t.Fatalf("loaded name = %q", g.Name)
	}
	if _, err := Load(filepath.Join(dir, "missing.json")); err == nil {
		t.Fatalf("missing file should error")
	}
}

func TestDecodePreservesTypes(t *testing.T) {
	g, err := Decode([]byte(jsonDoc))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got := g.Node("begin").EffectiveType(); got != model.TypeEntry {
		t.Fatalf("begin type = %q", got)
	}
	if got := g.Node("notes").EffectiveType(); got != model.TypeContext {
		t.Fatalf("notes type = %q", got)
	}
}
