// Package engine is the execution runtime: it advances paths through the
// machine graph one step at a time, resolving deterministic transitions
// itself and emitting decision effects for everything else. The engine
// never performs I/O; an external executor services the effects and
// feeds results back between steps.
package engine

import (
	"strings"
	"sync"
	"time"

	"github.com/stepmill/stepmill/internal/machine/effect"
	"github.com/stepmill/stepmill/internal/machine/model"
	"github.com/stepmill/stepmill/internal/machine/perms"
	"github.com/stepmill/stepmill/internal/machine/state"
	"github.com/stepmill/stepmill/internal/machine/validate"
)

const (
	defaultCycleThreshold = 3
	defaultCycleWindow    = 12
)

// ErrorHandling selects how an effect-execution failure on one path
// affects the rest of the run.
type ErrorHandling string

const (
	// ErrorFailFast cancels every live path when any path's effect fails.
	ErrorFailFast ErrorHandling = "fail-fast"
	// ErrorContinue fails the owning path only.
	ErrorContinue ErrorHandling = "continue"
	// ErrorCompensate routes the owning path to its declared
	// compensation target instead of failing it outright.
	ErrorCompensate ErrorHandling = "compensate"
)

type Options struct {
	Limits        state.Limits
	ErrorHandling ErrorHandling
	Permissions   perms.Options

	// Cycle detection: a path revisiting a node CycleThreshold times
	// within its last CycleWindow transitions, with an unchanged context
	// fingerprint, fails with cycle_detected.
	CycleThreshold int
	CycleWindow    int

	// ContextWritePolicy resolves same-step writes to one context field:
	// "last-wins" (default) or "reject".
	ContextWritePolicy string

	// StartNodes overrides start detection (lowest-priority rule).
	StartNodes []string

	Capabilities []state.Capability

	// CheckpointEverySteps emits a checkpoint effect every N steps.
	// Zero disables periodic checkpoints.
	CheckpointEverySteps int
}

func DefaultOptions() Options {
	return Options{
		Limits:             state.DefaultLimits(),
		ErrorHandling:      ErrorContinue,
		Permissions:        perms.DefaultOptions(),
		CycleThreshold:     defaultCycleThreshold,
		CycleWindow:        defaultCycleWindow,
		ContextWritePolicy: WriteLastWins,
	}
}

const (
	WriteLastWins = "last-wins"
	WriteReject   = "reject"
)

type Engine struct {
	Options Options

	effects effect.Builder

	warningsMu sync.Mutex
	Warnings   []string

	progressMu   sync.Mutex
	progressSink func(map[string]any)
}

func New(opts Options) *Engine {
	if opts.ErrorHandling == "" {
		opts.ErrorHandling = ErrorContinue
	}
	if opts.ContextWritePolicy == "" {
		opts.ContextWritePolicy = WriteLastWins
	}
	if opts.Limits == (state.Limits{}) {
		opts.Limits = state.DefaultLimits()
	}
	return &Engine{Options: opts}
}

// Init validates the graph and builds the initial execution state: one
// active path per detected start node.
func (e *Engine) Init(g *model.Graph) (*state.State, error) {
	if err := validate.ValidateOrError(g); err != nil {
		return nil, err
	}
	return state.NewInitialState(g, e.Options.Limits, state.InitOptions{
		StartNodes:   e.Options.StartNodes,
		Capabilities: e.Options.Capabilities,
	})
}

func (e *Engine) Warn(msg string) {
	if e == nil {
		return
	}
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return
	}
	e.warningsMu.Lock()
	e.Warnings = append(e.Warnings, msg)
	e.warningsMu.Unlock()
	e.appendProgress(map[string]any{
		"event":   "warning",
		"message": msg,
	})
}

func (e *Engine) warningsCopy() []string {
	if e == nil {
		return nil
	}
	e.warningsMu.Lock()
	defer e.warningsMu.Unlock()
	return append([]string{}, e.Warnings...)
}

// SetProgressSink installs a callback for structured progress events.
func (e *Engine) SetProgressSink(fn func(map[string]any)) {
	e.progressMu.Lock()
	e.progressSink = fn
	e.progressMu.Unlock()
}

func (e *Engine) appendProgress(ev map[string]any) {
	e.progressMu.Lock()
	sink := e.progressSink
	e.progressMu.Unlock()
	if sink == nil {
		return
	}
	if _, ok := ev["ts"]; !ok {
		ev["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	}
	sink(ev)
}
