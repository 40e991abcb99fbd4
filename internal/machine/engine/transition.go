package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/stepmill/stepmill/internal/machine/cond"
	"github.com/stepmill/stepmill/internal/machine/effect"
	"github.com/stepmill/stepmill/internal/machine/model"
	"github.com/stepmill/stepmill/internal/machine/state"
)

type decisionKind string

const (
	decideFailPath decisionKind = "fail_path"
	decideComplete decisionKind = "complete"
	decideFork     decisionKind = "fork"
	decideAdvance  decisionKind = "advance"
	decideBarrier  decisionKind = "barrier"
	decideAwait    decisionKind = "await"
)

// transitionDecision is what the evaluator concluded for one path. It is
// pure data; the step loop folds it through the state builder and the
// effect builder turns await/complete decisions into effects.
type transitionDecision struct {
	kind decisionKind

	// advance/barrier: the chosen edge (nil when exiting a container
	// through an inherited parent edge) and the resolved destination
	// after container descent.
	edge        *model.Edge
	destination string
	reason      string // history reason (auto_single, auto_forced, ...)

	// barrier: name of the barrier the edge routes into.
	barrier string

	// fork: resolved destinations, one new path each.
	forkTargets []string

	// fail_path: status reason plus detail.
	failReason string
	failDetail string

	// await: what the decision effect should offer.
	options []effect.TransitionOption

	// warnings collected during evaluation (bad conditions degrade to
	// false, never abort the run).
	warnings []string
}

// evaluateTransition runs the per-step decision procedure for an active
// path positioned at node n. Conditions evaluate against the step-start
// snapshot ctx. The caller has already handled global limits.
func (e *Engine) evaluateTransition(snap *state.State, p *state.Path, ctx map[string]any) transitionDecision {
	n := snap.Graph.Node(p.CurrentNode)
	if n == nil {
		return transitionDecision{
			kind:       decideFailPath,
			failReason: "missing_node",
			failDetail: fmt.Sprintf("current node %q not in graph snapshot", p.CurrentNode),
		}
	}

	// Per-node invocation limit. The counter already holds prior visits;
	// hitting the cap fails the path before any work happens.
	if max := snap.Limits.MaxNodeInvocations; max > 0 && p.NodeInvocations[n.Name] >= max {
		return transitionDecision{
			kind:       decideFailPath,
			failReason: state.ReasonNodeInvocationLimit,
			failDetail: fmt.Sprintf("node %q invoked %d times (limit %d)", n.Name, p.NodeInvocations[n.Name], max),
		}
	}

	// Cycle check: a repeated visit window with an unchanged context
	// fingerprint is a loop, unless the node opts in to retrying.
	if !n.HasAnnotation(model.AnnotationRetryLoop) {
		if looped, detail := e.detectCycle(p, n.Name, ctx); looped {
			return transitionDecision{
				kind:       decideFailPath,
				failReason: state.ReasonCycleDetected,
				failDetail: detail,
			}
		}
	}

	var warnings []string
	evalTrue := func(edge *model.Edge) bool {
		c := edge.Condition()
		if c == "" {
			return true
		}
		ok, err := cond.Evaluate(c, ctx)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("edge %s: %v (treated as false)", state.EdgeKey(edge), err))
			return false
		}
		return ok
	}

	out := controlFlowEdges(snap.Graph, snap.Graph.Outgoing(n.Name))

	// Terminal node. Permission edges to data nodes do not count as
	// transitions; a terminal child of a container inherits the
	// container's outbound edges as its exit.
	if len(out) == 0 {
		inherited := inheritedExits(snap.Graph, n)
		if len(inherited) == 0 {
			return transitionDecision{kind: decideComplete, warnings: warnings}
		}
		out = inherited
	}

	// Fork: parallel edges replace the forking path with one child per
	// target.
	var parallel []*model.Edge
	for _, edge := range out {
		if edge.IsParallel() {
			parallel = append(parallel, edge)
		}
	}
	if len(parallel) > 0 {
		targets := make([]string, 0, len(parallel))
		for _, edge := range parallel {
			targets = append(targets, resolveEntry(snap.Graph, edge.Target))
		}
		return transitionDecision{kind: decideFork, forkTargets: targets, warnings: warnings}
	}

	take := func(edge *model.Edge, reason string) transitionDecision {
		if b := edge.BarrierName(); b != "" {
			return transitionDecision{
				kind:        decideBarrier,
				edge:        edge,
				destination: resolveEntry(snap.Graph, edge.Target),
				barrier:     b,
				reason:      state.TransitionBarrierRoute,
				warnings:    warnings,
			}
		}
		return transitionDecision{
			kind:        decideAdvance,
			edge:        edge,
			destination: resolveEntry(snap.Graph, edge.Target),
			reason:      reason,
			warnings:    warnings,
		}
	}

	// Control nodes with a single outbound edge route automatically.
	if n.IsControl() && len(out) == 1 && evalTrue(out[0]) {
		return take(out[0], state.TransitionAutoSingle)
	}

	// Eligible edges rank by weight desc, then declaration order.
	ranked := rankEdges(out)

	// First forced-automatic edge whose condition holds.
	for _, edge := range ranked {
		if edge.IsAuto() && evalTrue(edge) {
			return take(edge, state.TransitionAutoForced)
		}
	}

	// First simple-condition edge that evaluates true. Unconditional
	// edges are not taken here: a work node with plain outbound edges
	// still needs a decision about whether its work is done.
	for _, edge := range ranked {
		c := edge.Condition()
		if c == "" || !cond.IsSimple(c) {
			continue
		}
		if evalTrue(edge) {
			return take(edge, state.TransitionAutoSimple)
		}
	}

	// External decision required. Offer every edge whose condition did
	// not already evaluate to a definitive false.
	var options []effect.TransitionOption
	for _, edge := range ranked {
		c := edge.Condition()
		if c != "" && cond.IsSimple(c) {
			if ok, err := cond.Evaluate(c, ctx); err == nil && !ok {
				continue
			}
		}
		options = append(options, effect.TransitionOption{
			Target:    edge.Target,
			Label:     edge.Label,
			Condition: c,
		})
	}
	if len(options) == 0 {
		// Every edge was conditional and false: nowhere to go this step.
		// Ask anyway with the full edge set; the decision-maker may hold
		// the path until conditions change.
		for _, edge := range ranked {
			options = append(options, effect.TransitionOption{
				Target:    edge.Target,
				Label:     edge.Label,
				Condition: edge.Condition(),
			})
		}
	}
	return transitionDecision{kind: decideAwait, options: options, warnings: warnings}
}

// rankEdges orders edges for selection: weight descending, then
// declaration order, with target name as a final stabilizer for edges
// sharing both.
func rankEdges(edges []*model.Edge) []*model.Edge {
	ranked := append([]*model.Edge(nil), edges...)
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.Weight != b.Weight {
			return a.Weight > b.Weight
		}
		if a.Order != b.Order {
			return a.Order < b.Order
		}
		return a.Target < b.Target
	})
	return ranked
}

// controlFlowEdges drops edges routing into data nodes; those carry
// permission semantics, not transitions.
func controlFlowEdges(g *model.Graph, edges []*model.Edge) []*model.Edge {
	var out []*model.Edge
	for _, e := range edges {
		if t := g.Node(e.Target); t != nil && t.IsData() {
			continue
		}
		out = append(out, e)
	}
	return out
}

// inheritedExits returns the outbound edges a terminal container child
// inherits from its enclosing containers.
func inheritedExits(g *model.Graph, n *model.Node) []*model.Edge {
	for parent := n.Parent; parent != nil; parent = parent.Parent {
		if out := controlFlowEdges(g, g.Outgoing(parent.Name)); len(out) > 0 {
			return out
		}
	}
	return nil
}

// resolveEntry descends into container destinations: routing into a node
// with children lands on its first eligible child, preferring tasks,
// then control nodes, skipping data-only children. Descent recurses so
// nested containers resolve fully.
func resolveEntry(g *model.Graph, name string) string {
	n := g.Node(name)
	if n == nil || !n.IsContainer() {
		return name
	}
	var firstControl, firstOther *model.Node
	for _, c := range n.Children {
		if c.IsData() || c.EffectiveType() == model.TypeStyle {
			continue
		}
		switch {
		case c.EffectiveType() == model.TypeTask:
			return resolveEntry(g, c.Name)
		case c.IsControl():
			if firstControl == nil {
				firstControl = c
			}
		default:
			if firstOther == nil {
				firstOther = c
			}
		}
	}
	if firstControl != nil {
		return resolveEntry(g, firstControl.Name)
	}
	if firstOther != nil {
		return resolveEntry(g, firstOther.Name)
	}
	return name
}

// legalTargets lists the transition targets a decision result may choose
// for a path at its current node, including inherited container exits.
func legalTargets(g *model.Graph, nodeName string) map[string]bool {
	targets := map[string]bool{}
	n := g.Node(nodeName)
	if n == nil {
		return targets
	}
	out := controlFlowEdges(g, g.Outgoing(nodeName))
	if len(out) == 0 {
		out = inheritedExits(g, n)
	}
	for _, edge := range out {
		targets[edge.Target] = true
		targets[resolveEntry(g, edge.Target)] = true
	}
	return targets
}

func describeOptions(options []effect.TransitionOption) string {
	parts := make([]string, 0, len(options))
	for _, o := range options {
		parts = append(parts, o.Target)
	}
	return strings.Join(parts, ", ")
}
