// Package validate lints machine graphs before execution. Errors are
// malformed-graph conditions the runtime refuses to start on; warnings
// flag constructs that degrade at runtime.
package validate

import (
	"fmt"
	"strings"

	"github.com/stepmill/stepmill/internal/machine/cond"
	"github.com/stepmill/stepmill/internal/machine/model"
)

type Severity string

const (
	SeverityError   Severity = "ERROR"
	SeverityWarning Severity = "WARNING"
	SeverityInfo    Severity = "INFO"
)

type Diagnostic struct {
	Rule     string   `json:"rule"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	Node     string   `json:"node,omitempty"`
	EdgeFrom string   `json:"edge_from,omitempty"`
	EdgeTo   string   `json:"edge_to,omitempty"`
	Fix      string   `json:"fix,omitempty"`
}

// Rule is a custom lint rule appended after the built-in set.
type Rule interface {
	Name() string
	Apply(g *model.Graph) []Diagnostic
}

// Validate runs all built-in rules and any extra rules against the graph.
func Validate(g *model.Graph, extra ...Rule) []Diagnostic {
	if g == nil {
		return []Diagnostic{{Rule: "graph_nil", Severity: SeverityError, Message: "graph is nil"}}
	}
	var diags []Diagnostic
	diags = append(diags, lintNonEmpty(g)...)
	diags = append(diags, lintDuplicateNames(g)...)
	diags = append(diags, lintEdgeEndpointsExist(g)...)
	diags = append(diags, lintEdgesAvoidData(g)...)
	diags = append(diags, lintConditionSyntax(g)...)
	diags = append(diags, lintBarrierWidth(g)...)
	diags = append(diags, lintReachability(g)...)

	for _, rule := range extra {
		if rule != nil {
			diags = append(diags, rule.Apply(g)...)
		}
	}
	return diags
}

// ValidateOrError returns an error when any ERROR-severity diagnostic fires.
func ValidateOrError(g *model.Graph, extra ...Rule) error {
	var errs []string
	for _, d := range Validate(g, extra...) {
		if d.Severity == SeverityError {
			errs = append(errs, d.Rule+": "+d.Message)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func lintNonEmpty(g *model.Graph) []Diagnostic {
	if len(g.Nodes) == 0 {
		return []Diagnostic{{
			Rule:     "graph_empty",
			Severity: SeverityError,
			Message:  "machine has no nodes",
		}}
	}
	return nil
}

func lintDuplicateNames(g *model.Graph) []Diagnostic {
	var diags []Diagnostic
	seen := map[string]bool{}
	g.Walk(func(n *model.Node) {
		if seen[n.Name] {
			diags = append(diags, Diagnostic{
				Rule:     "duplicate_node",
				Severity: SeverityError,
				Message:  fmt.Sprintf("node %q declared more than once", n.Name),
				Node:     n.Name,
			})
		}
		seen[n.Name] = true
	})
	return diags
}

// lintEdgeEndpointsExist is the missing-target check: an edge naming an
// unknown node is fatal at initialization.
func lintEdgeEndpointsExist(g *model.Graph) []Diagnostic {
	var diags []Diagnostic
	for _, e := range g.Edges {
		if g.Node(e.Source) == nil {
			diags = append(diags, Diagnostic{
				Rule:     "missing_source_node",
				Severity: SeverityError,
				Message:  fmt.Sprintf("edge source %q does not exist", e.Source),
				EdgeFrom: e.Source, EdgeTo: e.Target,
			})
		}
		if g.Node(e.Target) == nil {
			diags = append(diags, Diagnostic{
				Rule:     "missing_target_node",
				Severity: SeverityError,
				Message:  fmt.Sprintf("edge target %q does not exist", e.Target),
				EdgeFrom: e.Source, EdgeTo: e.Target,
				Fix: fmt.Sprintf("declare a node named %q or fix the edge", e.Target),
			})
		}
	}
	return diags
}

// lintEdgesAvoidData flags control edges into data nodes that lack a
// permission verb: they read as routing but act as access grants.
func lintEdgesAvoidData(g *model.Graph) []Diagnostic {
	var diags []Diagnostic
	for _, e := range g.Edges {
		target := g.Node(e.Target)
		if target == nil || !target.IsData() {
			continue
		}
		if strings.TrimSpace(e.Label) == "" && e.Condition() != "" {
			diags = append(diags, Diagnostic{
				Rule:     "conditional_data_edge",
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("edge %s->%s targets a data node with a condition but no access verb", e.Source, e.Target),
				EdgeFrom: e.Source, EdgeTo: e.Target,
				Fix: "label the edge with its access verb (reads/writes/stores)",
			})
		}
	}
	return diags
}

func lintConditionSyntax(g *model.Graph) []Diagnostic {
	var diags []Diagnostic
	for _, e := range g.Edges {
		c := e.Condition()
		if c == "" {
			continue
		}
		if _, err := cond.Evaluate(c, map[string]any{}); err != nil {
			diags = append(diags, Diagnostic{
				Rule:     "condition_syntax",
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("edge %s->%s: %v; the condition will evaluate false at runtime", e.Source, e.Target, err),
				EdgeFrom: e.Source, EdgeTo: e.Target,
			})
		}
	}
	return diags
}

// lintBarrierWidth flags single-edge barriers, which release immediately
// and usually indicate a typo in the barrier name.
func lintBarrierWidth(g *model.Graph) []Diagnostic {
	width := map[string]int{}
	for _, e := range g.Edges {
		if b := e.BarrierName(); b != "" {
			width[b]++
		}
	}
	var diags []Diagnostic
	for name, n := range width {
		if n == 1 {
			diags = append(diags, Diagnostic{
				Rule:     "barrier_single_edge",
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("barrier %q has a single feeding edge and will never block", name),
			})
		}
	}
	return diags
}

func lintReachability(g *model.Graph) []Diagnostic {
	// Seed from anything that looks like a start: entry nodes, start
	// annotations, or roots with outgoing edges.
	seen := map[string]bool{}
	var queue []string
	g.Walk(func(n *model.Node) {
		if n.EffectiveType() == model.TypeEntry || n.HasAnnotation(model.AnnotationStart) {
			queue = append(queue, n.Name)
		}
	})
	if len(queue) == 0 {
		for _, n := range g.Nodes {
			if !n.IsData() && len(g.Incoming(n.Name)) == 0 && len(g.Outgoing(n.Name)) > 0 {
				queue = append(queue, n.Name)
			}
		}
	}
	if len(queue) == 0 {
		return nil // start detection will fall back; nothing to trace from
	}
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		if seen[name] {
			continue
		}
		seen[name] = true
		if n := g.Node(name); n != nil {
			for _, c := range n.Children {
				queue = append(queue, c.Name)
			}
			if n.Parent != nil {
				queue = append(queue, n.Parent.Name)
			}
		}
		for _, e := range g.Outgoing(name) {
			queue = append(queue, e.Target)
		}
	}
	var diags []Diagnostic
	g.Walk(func(n *model.Node) {
		if n.IsData() || n.EffectiveType() == model.TypeStyle {
			return
		}
		if !seen[n.Name] {
			diags = append(diags, Diagnostic{
				Rule:     "unreachable_node",
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("node %q is unreachable from any start node", n.Name),
				Node:     n.Name,
			})
		}
	})
	return diags
}
