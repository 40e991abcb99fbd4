package engine

import (
	"context"
	"fmt"

	"github.com/stepmill/stepmill/internal/machine/effect"
	"github.com/stepmill/stepmill/internal/machine/state"
)

// EffectExecutor is the external shell that performs real I/O for the
// effects the core emits. Decision and code-task effects must return a
// result; fire-and-forget effects (log, checkpoint, complete, error) may
// return nil.
type EffectExecutor interface {
	Execute(ctx context.Context, eff effect.Effect) (*effect.Result, error)
}

// ExecuteResult summarizes a finished run.
type ExecuteResult struct {
	State      *state.State
	RunStatus  state.RunStatus
	HaltReason string
	Warnings   []string
}

// Execute drives the step/fold loop to completion: step, hand effects to
// the executor, fold the results back, repeat until no path is active or
// waiting or a global limit trips. The engine itself never blocks on
// I/O; all waiting happens inside the executor.
func (e *Engine) Execute(ctx context.Context, s *state.State, exec EffectExecutor) (*ExecuteResult, error) {
	if exec == nil {
		return nil, fmt.Errorf("nil effect executor")
	}
	for {
		if err := ctx.Err(); err != nil {
			return &ExecuteResult{
				State:      s,
				RunStatus:  state.RunHalted,
				HaltReason: state.ReasonCancelled,
				Warnings:   e.warningsCopy(),
			}, err
		}

		res, err := e.Step(s)
		if err != nil {
			return nil, err
		}
		s = res.State

		results, err := e.dispatch(ctx, exec, res.Effects)
		if err != nil {
			return nil, err
		}

		if res.RunStatus != state.RunRunning {
			return &ExecuteResult{
				State:      s,
				RunStatus:  res.RunStatus,
				HaltReason: res.HaltReason,
				Warnings:   e.warningsCopy(),
			}, nil
		}

		if len(results) > 0 {
			var foldEffects []effect.Effect
			s, foldEffects, err = e.Fold(s, results)
			if err != nil {
				return nil, err
			}
			// Warnings raised while folding still go through the shell.
			if _, err := e.dispatch(ctx, exec, foldEffects); err != nil {
				return nil, err
			}
		} else if len(s.ActivePaths()) == 0 {
			// Nothing active, nothing answered: waiting paths can never
			// resume. Fail them rather than spinning forever.
			for _, p := range s.WaitingPaths() {
				s = state.UpdatePathStatus(s, p.ID, state.PathFailed, state.ReasonWaitTimeout)
				e.Warn(fmt.Sprintf("path %s abandoned while waiting on %s", p.ID, p.WaitingOn))
			}
		}
	}
}

// dispatch hands each effect to the executor and collects the results of
// those that produce one.
func (e *Engine) dispatch(ctx context.Context, exec EffectExecutor, effects []effect.Effect) ([]effect.Result, error) {
	var results []effect.Result
	for _, eff := range effects {
		res, err := exec.Execute(ctx, eff)
		if err != nil {
			// Shell-level failure on a keyed effect becomes an error
			// result for the owning path; the fold applies policy.
			if eff.RequestID != "" || eff.PathID != "" {
				results = append(results, effect.Result{
					PathID:    eff.PathID,
					RequestID: eff.RequestID,
					Type:      eff.Type,
					Error:     err.Error(),
				})
				continue
			}
			e.Warn(fmt.Sprintf("effect %s failed: %v", eff.Type, err))
			continue
		}
		if res != nil {
			results = append(results, *res)
		}
	}
	return results, nil
}
