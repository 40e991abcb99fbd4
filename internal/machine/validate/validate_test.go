package validate

import (
	"strings"
	"testing"

	"github.com/stepmill/stepmill/internal/machine/model"
)

func hasRule(diags []Diagnostic, rule string) bool {
	for _, d := range diags {
		if d.Rule == rule {
			return true
		}
	}
	return false
}

func TestValidateCleanGraph(t *testing.T) {
	g := model.NewGraph("clean")
	g.AddNode(&model.Node{Name: "begin", Type: model.TypeEntry})
	g.AddNode(&model.Node{Name: "work"})
	g.Edges = []*model.Edge{
		{Source: "begin", Target: "work", Order: 0},
	}
	g.Reindex()

	if diags := Validate(g); len(diags) != 0 {
		t.Fatalf("clean graph produced diagnostics: %+v", diags)
	}
	if err := ValidateOrError(g); err != nil {
		t.Fatalf("ValidateOrError: %v", err)
	}
}

func TestValidateNilAndEmpty(t *testing.T) {
	if !hasRule(Validate(nil), "graph_nil") {
		t.Fatalf("nil graph not flagged")
	}
	if !hasRule(Validate(model.NewGraph("empty")), "graph_empty") {
		t.Fatalf("empty graph not flagged")
	}
}

func TestValidateDuplicateNames(t *testing.T) {
	g := model.NewGraph("dup")
	g.AddNode(&model.Node{Name: "x"})
	outer := &model.Node{Name: "outer"}
	outer.Children = []*model.Node{{Name: "x"}}
	g.AddNode(outer)
	g.Reindex()

	diags := Validate(g)
	if !hasRule(diags, "duplicate_node") {
		t.Fatalf("duplicate name not flagged: %+v", diags)
	}
	if err := ValidateOrError(g); err == nil || !strings.Contains(err.Error(), "duplicate_node") {
		t.Fatalf("duplicate should be fatal, got %v", err)
	}
}

func TestValidateMissingEndpoints(t *testing.T) {
	g := model.NewGraph("dangling")
	g.AddNode(&model.Node{Name: "a"})
	g.Edges = []*model.Edge{
		{Source: "a", Target: "ghost", Order: 0},
		{Source: "phantom", Target: "a", Order: 1},
	}
	g.Reindex()

	diags := Validate(g)
	if !hasRule(diags, "missing_target_node") {
		t.Fatalf("missing target not flagged")
	}
	if !hasRule(diags, "missing_source_node") {
		t.Fatalf("missing source not flagged")
	}
	for _, d := range diags {
		if d.Rule == "missing_target_node" && d.Fix == "" {
			t.Fatalf("missing target should carry a fix hint")
		}
	}
}

func TestValidateConditionSyntax(t *testing.T) {
	g := model.NewGraph("conds")
	g.AddNode(&model.Node{Name: "a", Type: model.TypeEntry})
	g.AddNode(&model.Node{Name: "b"})
	g.AddNode(&model.Node{Name: "c"})
	g.Edges = []*model.Edge{
		{Source: "a", Target: "b", When: "outcome ==", Order: 0},
		{Source: "a", Target: "c", When: "outcome == 'ok'", Order: 1},
	}
	g.Reindex()

	diags := Validate(g)
	if !hasRule(diags, "condition_syntax") {
		t.Fatalf("malformed condition not flagged")
	}
	// Syntax problems are warnings: the runtime degrades them to false.
	if err := ValidateOrError(g); err != nil {
		t.Fatalf("warnings must not fail validation: %v", err)
	}
}

func TestValidateSingleEdgeBarrier(t *testing.T) {
	g := model.NewGraph("narrow")
	g.AddNode(&model.Node{Name: "a", Type: model.TypeEntry})
	g.AddNode(&model.Node{Name: "join"})
	g.Edges = []*model.Edge{
		{Source: "a", Target: "join", Annotations: []string{"barrier:solo"}, Order: 0},
	}
	g.Reindex()

	if !hasRule(Validate(g), "barrier_single_edge") {
		t.Fatalf("single-edge barrier not flagged")
	}
}

func TestValidateUnreachable(t *testing.T) {
	g := model.NewGraph("island")
	g.AddNode(&model.Node{Name: "begin", Type: model.TypeEntry})
	g.AddNode(&model.Node{Name: "work"})
	g.AddNode(&model.Node{Name: "orphan"})
	g.AddNode(&model.Node{Name: "legend", Type: model.TypeNote})
	g.Edges = []*model.Edge{
		{Source: "begin", Target: "work", Order: 0},
	}
	g.Reindex()

	diags := Validate(g)
	var flagged []string
	for _, d := range diags {
		if d.Rule == "unreachable_node" {
			flagged = append(flagged, d.Node)
		}
	}
	if len(flagged) != 1 || flagged[0] != "orphan" {
		t.Fatalf("unreachable = %v, want [orphan]; data nodes are exempt", flagged)
	}
}

func TestValidateConditionalDataEdge(t *testing.T) {
	g := model.NewGraph("dataedge")
	g.AddNode(&model.Node{Name: "t", Type: model.TypeEntry})
	g.AddNode(&model.Node{Name: "sink"})
	g.AddNode(&model.Node{Name: "ctx", Type: model.TypeContext})
	g.Edges = []*model.Edge{
		{Source: "t", Target: "sink", Order: 0},
		{Source: "t", Target: "ctx", When: "x == 1", Order: 1},
	}
	g.Reindex()

	if !hasRule(Validate(g), "conditional_data_edge") {
		t.Fatalf("conditional unlabeled data edge not flagged")
	}
}

type bannedNameRule struct{ banned string }

func (r bannedNameRule) Name() string { return "banned_name" }

func (r bannedNameRule) Apply(g *model.Graph) []Diagnostic {
	var diags []Diagnostic
	g.Walk(func(n *model.Node) {
		if n.Name == r.banned {
			diags = append(diags, Diagnostic{Rule: r.Name(), Severity: SeverityError, Node: n.Name,
				Message: "node name is banned"})
		}
	})
	return diags
}

func TestValidateCustomRule(t *testing.T) {
	g := model.NewGraph("custom")
	g.AddNode(&model.Node{Name: "begin", Type: model.TypeEntry})
	g.AddNode(&model.Node{Name: "forbidden"})
	g.Edges = []*model.Edge{
		{Source: "begin", Target: "forbidden", Order: 0},
	}
	g.Reindex()

	if !hasRule(Validate(g, bannedNameRule{banned: "forbidden"}), "banned_name") {
		t.Fatalf("custom rule did not run")
	}
	if err := ValidateOrError(g, bannedNameRule{banned: "forbidden"}); err == nil {
		t.Fatalf("custom error rule should fail validation")
	}
}
