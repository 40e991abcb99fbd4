package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/stepmill/stepmill/internal/machine/effect"
	"github.com/stepmill/stepmill/internal/machine/model"
	"github.com/stepmill/stepmill/internal/machine/perms"
	"github.com/stepmill/stepmill/internal/machine/state"
)

func resolvePermissions(taskName string, s *state.State, opts Options) map[string]perms.Access {
	return perms.Resolve(taskName, s.Graph, opts.Permissions)
}

type pendingWrite struct {
	pathOrder int
	pathID    string
	node      string
	field     string
	value     any
}

// Fold applies a batch of effect results to the state between steps.
// Results apply in path-creation order regardless of arrival order, so
// replaying the same batch always produces the same state. Returned
// effects are warnings/errors raised while folding.
func (e *Engine) Fold(s *state.State, results []effect.Result) (*state.State, []effect.Effect, error) {
	if s == nil {
		return nil, nil, fmt.Errorf("nil state")
	}
	working := s

	var effects []effect.Effect
	warn := func(msg string) {
		e.Warn(msg)
		effects = append(effects, e.effects.Log(effect.LevelWarning, msg))
	}

	pathOrder := map[string]int{}
	for i, p := range s.Paths {
		pathOrder[p.ID] = i
	}
	ordered := append([]effect.Result(nil), results...)
	sort.SliceStable(ordered, func(i, j int) bool {
		oi, oj := pathOrder[ordered[i].PathID], pathOrder[ordered[j].PathID]
		if oi != oj {
			return oi < oj
		}
		return ordered[i].RequestID < ordered[j].RequestID
	})

	var writes []pendingWrite
	for _, res := range ordered {
		p := working.Path(res.PathID)
		if p == nil {
			warn(fmt.Sprintf("result for unknown path %q dropped", res.PathID))
			continue
		}
		if p.Status.Terminal() {
			warn(fmt.Sprintf("result for terminal path %s dropped", p.ID))
			continue
		}
		taskNode := p.CurrentNode

		if strings.TrimSpace(res.Error) != "" {
			var errEffects []effect.Effect
			working, errEffects = e.foldEffectError(working, p.ID, res.Error)
			effects = append(effects, errEffects...)
			continue
		}

		// Collect authorized context writes; they apply as one batch
		// below so conflict resolution is deterministic.
		if len(res.ContextWrites) > 0 {
			access := resolvePermissions(taskNode, working, e.Options)
			nodes := make([]string, 0, len(res.ContextWrites))
			for node := range res.ContextWrites {
				nodes = append(nodes, node)
			}
			sort.Strings(nodes)
			for _, node := range nodes {
				acc, ok := access[node]
				if !ok || !acc.CanWrite {
					warn(fmt.Sprintf("path %s: write to %q denied (no write edge from %q)", p.ID, node, taskNode))
					continue
				}
				fields := make([]string, 0, len(res.ContextWrites[node]))
				for f := range res.ContextWrites[node] {
					fields = append(fields, f)
				}
				sort.Strings(fields)
				for _, f := range fields {
					if !acc.AllowsField(f) {
						warn(fmt.Sprintf("path %s: write to %s.%s denied by field restriction", p.ID, node, f))
						continue
					}
					writes = append(writes, pendingWrite{
						pathOrder: pathOrder[p.ID],
						pathID:    p.ID,
						node:      node,
						field:     f,
						value:     res.ContextWrites[node][f],
					})
				}
			}
		}

		if res.Patch != nil && !res.Patch.Empty() {
			working = state.QueuePatch(working, *res.Patch)
			e.appendProgress(map[string]any{
				"event":   "graph_patch_queued",
				"path_id": p.ID,
			})
		}

		// Resume a waiting path with the chosen transition.
		if p.Status == state.PathWaiting {
			if want, ok := strings.CutPrefix(p.WaitingOn, "decision:"); ok &&
				res.RequestID != "" && res.RequestID != want {
				warn(fmt.Sprintf("path %s: stale result %s ignored (waiting on %s)", p.ID, res.RequestID, want))
				continue
			}
			chosen := strings.TrimSpace(res.ChosenTarget)
			if chosen == "" {
				// Decision-maker deferred; the path stays parked.
				continue
			}
			if !legalTargets(working.Graph, taskNode)[chosen] {
				var errEffects []effect.Effect
				working, errEffects = e.foldEffectError(working, p.ID,
					fmt.Sprintf("chosen target %q is not reachable from %q", chosen, taskNode))
				effects = append(effects, errEffects...)
				continue
			}
			working = state.UpdatePathStatus(working, p.ID, state.PathActive, "")
			working = state.AdvancePath(working, p.ID, resolveEntry(working.Graph, chosen), state.TransitionDecision)
			e.appendProgress(map[string]any{
				"event":   "decision_applied",
				"path_id": p.ID,
				"from":    taskNode,
				"to":      chosen,
			})
		}
	}

	working, writeEffects := e.applyWrites(working, writes)
	effects = append(effects, writeEffects...)
	return working, effects, nil
}

// applyWrites serializes the batch of context writes. Two writes to the
// same field within one batch resolve by path-creation order under the
// configured policy, with a warning either way.
func (e *Engine) applyWrites(s *state.State, writes []pendingWrite) (*state.State, []effect.Effect) {
	var effects []effect.Effect
	sort.SliceStable(writes, func(i, j int) bool { return writes[i].pathOrder < writes[j].pathOrder })

	working := s
	written := map[string]string{} // node.field -> path id of first writer
	for _, w := range writes {
		key := w.node + "." + w.field
		if first, conflict := written[key]; conflict && first != w.pathID {
			msg := fmt.Sprintf("conflicting writes to %s by paths %s and %s", key, first, w.pathID)
			switch e.Options.ContextWritePolicy {
			case WriteReject:
				e.Warn(msg + " (rejected)")
				effects = append(effects, e.effects.Log(effect.LevelWarning, msg+" (rejected)"))
				continue
			default: // last write wins
				e.Warn(msg + " (last write wins)")
				effects = append(effects, e.effects.Log(effect.LevelWarning, msg+" (last write wins)"))
			}
		}
		if _, seen := written[key]; !seen {
			written[key] = w.pathID
		}
		working = state.SetContextValue(working, w.node, w.field, w.value)
	}
	return working, effects
}

// foldEffectError handles a shell-reported execution failure per the
// configured error-handling policy.
func (e *Engine) foldEffectError(s *state.State, pathID, errMsg string) (*state.State, []effect.Effect) {
	var effects []effect.Effect
	working := state.IncErrorCount(s)
	p := working.Path(pathID)

	if e.Options.ErrorHandling == ErrorCompensate {
		if target := compensationTarget(working.Graph, p.CurrentNode); target != "" {
			working = state.UpdatePathStatus(working, pathID, state.PathActive, "")
			working = state.AdvancePath(working, pathID, resolveEntry(working.Graph, target), state.TransitionCompensation)
			effects = append(effects, e.effects.Log(effect.LevelWarning,
				fmt.Sprintf("path %s compensating at %q after error: %s", pathID, target, errMsg)))
			e.appendProgress(map[string]any{
				"event":   "path_compensating",
				"path_id": pathID,
				"target":  target,
				"error":   errMsg,
			})
			return working, effects
		}
	}

	working = state.UpdatePathStatus(working, pathID, state.PathFailed, state.ReasonEffectError)
	np := working.Path(pathID)
	if np != nil {
		np.Error = errMsg // set on the fresh clone UpdatePathStatus returned
	}
	effects = append(effects, e.effects.PathError(pathID, state.ReasonEffectError, errMsg))
	e.appendProgress(map[string]any{
		"event":   "path_failed",
		"path_id": pathID,
		"reason":  state.ReasonEffectError,
		"detail":  errMsg,
	})

	if e.Options.ErrorHandling == ErrorFailFast {
		for _, other := range working.Paths {
			if other.ID != pathID && !other.Status.Terminal() {
				working = state.UpdatePathStatus(working, other.ID, state.PathCancelled, state.ReasonCancelled)
			}
		}
		effects = append(effects, e.effects.Log(effect.LevelError,
			fmt.Sprintf("fail-fast: cancelled all live paths after error on %s", pathID)))
	}
	return working, effects
}

// compensationTarget finds where a failed task should route under the
// compensate policy: a compensate-annotated outgoing edge, then the
// node's on_error attribute, then the machine-level on_error attribute.
func compensationTarget(g *model.Graph, nodeName string) string {
	for _, edge := range g.Outgoing(nodeName) {
		if edge.HasAnnotation(model.AnnotationCompensate) {
			return edge.Target
		}
	}
	if n := g.Node(nodeName); n != nil {
		if t := n.Attr("on_error", ""); t != "" && g.Node(t) != nil {
			return t
		}
	}
	if t := g.Attr("on_error", ""); t != "" && g.Node(t) != nil {
		return t
	}
	return ""
}
