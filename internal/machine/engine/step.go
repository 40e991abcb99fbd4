package engine

import (
	"fmt"
	"time"

	"github.com/stepmill/stepmill/internal/machine/effect"
	"github.com/stepmill/stepmill/internal/machine/perms"
	"github.com/stepmill/stepmill/internal/machine/state"
)

// StepResult is the outcome of advancing every active path once.
type StepResult struct {
	State      *state.State
	Effects    []effect.Effect
	RunStatus  state.RunStatus
	HaltReason string
}

// Step runs one scheduling round: pending graph patches fold in, every
// active path is evaluated exactly once against the step-start context
// snapshot, and satisfied barriers release. Context values never change
// mid-step (writes only arrive through Fold), so all paths in one step
// see identical context.
func (e *Engine) Step(s *state.State) (*StepResult, error) {
	if s == nil {
		return nil, fmt.Errorf("nil state")
	}

	// A run with nothing to do is a fixed point: the same state comes
	// back untouched.
	if len(s.ActivePaths()) == 0 && len(s.WaitingPaths()) == 0 {
		return &StepResult{State: s, RunStatus: finalRunStatus(s, "")}, nil
	}

	// Global limits halt the run, not just one path.
	if max := s.Limits.MaxSteps; max > 0 && s.Metadata.StepCount >= max {
		return e.halt(s, state.ReasonStepLimit,
			fmt.Sprintf("step limit reached (%d)", max))
	}
	if t := s.Limits.TimeoutMS; t > 0 && time.Since(s.Metadata.StartTime).Milliseconds() >= t {
		return e.halt(s, state.ReasonTimeout,
			fmt.Sprintf("run timeout reached (%dms)", t))
	}

	working := s
	for _, patch := range working.PendingPatches {
		next, err := state.ApplyGraphPatch(working, patch)
		if err != nil {
			e.Warn(fmt.Sprintf("graph patch rejected: %v", err))
			continue
		}
		working = next
		e.appendProgress(map[string]any{
			"event":         "graph_patch_applied",
			"graph_version": working.Graph.Version,
		})
	}
	if len(working.PendingPatches) > 0 {
		working = working.Clone()
		working.PendingPatches = nil
	}

	working = state.IncStep(working)
	snap := working // step-start snapshot; context mutations cannot occur mid-step

	var effects []effect.Effect
	warn := func(msg string) {
		e.Warn(msg)
		effects = append(effects, e.effects.Log(effect.LevelWarning, msg))
	}

	active := snap.ActivePaths()
	for _, p := range active {
		pathID := p.ID
		ctx := state.FlatContext(snap, p.CurrentNode)
		decision := e.evaluateTransition(snap, snap.Path(pathID), ctx)
		for _, w := range decision.warnings {
			warn(w)
		}

		switch decision.kind {
		case decideFailPath:
			working = state.IncErrorCount(state.UpdatePathStatus(working, pathID, state.PathFailed, decision.failReason))
			effects = append(effects, e.effects.PathError(pathID, decision.failReason, decision.failDetail))
			e.appendProgress(map[string]any{
				"event":   "path_failed",
				"path_id": pathID,
				"reason":  decision.failReason,
				"detail":  decision.failDetail,
				"recent":  recentNodes(p, 8),
			})

		case decideComplete:
			working = state.RecordInvocation(working, pathID, p.CurrentNode)
			working = state.UpdatePathStatus(working, pathID, state.PathCompleted, "")
			effects = append(effects, e.effects.Complete(pathID))
			e.appendProgress(map[string]any{
				"event":   "path_completed",
				"path_id": pathID,
				"node":    p.CurrentNode,
			})

		case decideFork:
			if max := working.Limits.MaxConcurrentPaths; max > 0 &&
				working.LivePathCount()-1+len(decision.forkTargets) > max {
				return e.halt(working, state.ReasonConcurrentPathLimit,
					fmt.Sprintf("fork at %q would exceed %d concurrent paths", p.CurrentNode, max))
			}
			working = state.RecordInvocation(working, pathID, p.CurrentNode)
			childIDs := make([]string, 0, len(decision.forkTargets))
			for _, target := range decision.forkTargets {
				var childID string
				working, childID = state.CreatePath(working, target)
				childIDs = append(childIDs, childID)
			}
			// Forking always fully replaces the forking path with its
			// children.
			working = state.UpdatePathStatus(working, pathID, state.PathCompleted, state.ReasonForked)
			e.appendProgress(map[string]any{
				"event":    "path_forked",
				"path_id":  pathID,
				"node":     p.CurrentNode,
				"children": childIDs,
				"targets":  decision.forkTargets,
			})

		case decideAdvance:
			working = state.RecordInvocation(working, pathID, p.CurrentNode)
			working = state.SetFingerprint(working, pathID, p.CurrentNode, contextFingerprint(ctx))
			working = state.AdvancePath(working, pathID, decision.destination, decision.reason)
			e.appendProgress(map[string]any{
				"event":   "edge_selected",
				"path_id": pathID,
				"from":    p.CurrentNode,
				"to":      decision.destination,
				"reason":  decision.reason,
			})

		case decideBarrier:
			working = state.RecordInvocation(working, pathID, p.CurrentNode)
			working = state.AdvancePath(working, pathID, decision.destination, decision.reason)
			working = state.ArriveAtBarrier(working, pathID, decision.barrier, state.EdgeKey(decision.edge))
			e.appendProgress(map[string]any{
				"event":   "barrier_arrival",
				"path_id": pathID,
				"barrier": decision.barrier,
				"node":    decision.destination,
			})

		case decideAwait:
			working = state.RecordInvocation(working, pathID, p.CurrentNode)
			working = state.SetFingerprint(working, pathID, p.CurrentNode, contextFingerprint(ctx))
			var eff effect.Effect
			event := "decision_requested"
			if n := snap.Graph.Node(p.CurrentNode); n != nil && n.Attr("run", "") != "" {
				eff = e.buildCodeTaskEffect(snap, snap.Path(pathID), decision)
				event = "code_task_requested"
			} else {
				eff = e.buildDecisionEffect(snap, snap.Path(pathID), decision)
			}
			effects = append(effects, eff)
			working = state.SetWaiting(working, pathID, "decision:"+eff.RequestID)
			e.appendProgress(map[string]any{
				"event":      event,
				"path_id":    pathID,
				"node":       p.CurrentNode,
				"request_id": eff.RequestID,
				"options":    describeOptions(decision.options),
			})
		}
	}

	// Barriers release only once every feeding edge has delivered; all
	// parked paths go active together.
	for name := range working.Barriers {
		if !state.BarrierReady(working, name) {
			continue
		}
		var released []string
		working, released = state.ReleaseBarrier(working, name)
		if len(released) > 0 {
			e.appendProgress(map[string]any{
				"event":   "barrier_released",
				"barrier": name,
				"paths":   released,
			})
		}
	}

	if n := e.Options.CheckpointEverySteps; n > 0 && working.Metadata.StepCount%n == 0 {
		effects = append(effects, e.effects.Checkpoint(working))
	}

	status := state.RunRunning
	if working.LivePathCount() == 0 {
		status = finalRunStatus(working, "")
	}
	return &StepResult{State: working, Effects: effects, RunStatus: status}, nil
}

func (e *Engine) halt(s *state.State, reason, detail string) (*StepResult, error) {
	e.appendProgress(map[string]any{
		"event":  "limit_tripped",
		"reason": reason,
		"detail": detail,
	})
	return &StepResult{
		State:      s,
		Effects:    []effect.Effect{e.effects.Log(effect.LevelError, detail)},
		RunStatus:  state.RunHalted,
		HaltReason: reason,
	}, nil
}

// buildDecisionEffect assembles the invoke-decision payload: resolved
// permissions, the permission-filtered context view, legal transitions
// and the capability registry.
func (e *Engine) buildDecisionEffect(snap *state.State, p *state.Path, decision transitionDecision) effect.Effect {
	n := snap.Graph.Node(p.CurrentNode)
	access := resolvePermissions(p.CurrentNode, snap, e.Options)
	available := contextView(snap, access)

	payload := effect.InvokeDecisionPayload{
		Node:                 p.CurrentNode,
		AvailableContext:     available,
		Permissions:          access,
		AvailableTransitions: decision.options,
		Capabilities:         snap.Capabilities,
	}
	if n != nil {
		payload.SystemPrompt = n.Attr("prompt", "")
	}
	return e.effects.InvokeDecision(p.ID, payload)
}

// buildCodeTaskEffect assembles the work request for a task node whose
// run attribute names a command: the command, the permission-filtered
// context the task may read, and the transitions it may pick from when
// it reports done.
func (e *Engine) buildCodeTaskEffect(snap *state.State, p *state.Path, decision transitionDecision) effect.Effect {
	n := snap.Graph.Node(p.CurrentNode)
	access := resolvePermissions(p.CurrentNode, snap, e.Options)

	input := map[string]any{}
	for node, view := range contextView(snap, access) {
		input[node] = view
	}
	return e.effects.CodeTask(p.ID, effect.CodeTaskPayload{
		TaskNode:             p.CurrentNode,
		Run:                  n.Attr("run", ""),
		Input:                input,
		AvailableTransitions: decision.options,
	})
}

// contextView builds the permission-filtered map of context-node values
// a task or decision-maker may see.
func contextView(snap *state.State, access map[string]perms.Access) map[string]map[string]any {
	available := map[string]map[string]any{}
	for ctxNode, acc := range access {
		if !acc.CanRead {
			continue
		}
		view := map[string]any{}
		if cn := snap.Graph.Node(ctxNode); cn != nil {
			for k, v := range cn.Attrs {
				if acc.AllowsField(k) {
					view[k] = v
				}
			}
		}
		for k, v := range snap.Context[ctxNode] {
			if acc.AllowsField(k) {
				view[k] = v
			}
		}
		available[ctxNode] = view
	}
	return available
}

// finalRunStatus classifies a run with no live paths.
func finalRunStatus(s *state.State, haltReason string) state.RunStatus {
	if haltReason != "" {
		return state.RunHalted
	}
	completed, failed := 0, 0
	for _, p := range s.Paths {
		switch p.Status {
		case state.PathCompleted:
			completed++
		case state.PathFailed:
			failed++
		}
	}
	if completed == 0 && failed > 0 {
		return state.RunFailed
	}
	return state.RunCompleted
}
