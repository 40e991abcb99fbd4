// Package state holds the serializable execution state of a machine run
// and the pure builder operations that evolve it. Builder functions never
// mutate their inputs; each returns a fresh state value so every step
// boundary is checkpointable.
package state

import (
	"time"

	"github.com/stepmill/stepmill/internal/machine/model"
)

// StateVersion is the serialization format version.
const StateVersion = 1

type PathStatus string

const (
	PathActive    PathStatus = "active"
	PathWaiting   PathStatus = "waiting"
	PathCompleted PathStatus = "completed"
	PathFailed    PathStatus = "failed"
	PathCancelled PathStatus = "cancelled"
)

// Terminal reports whether a path in this status is never advanced again.
func (s PathStatus) Terminal() bool {
	switch s {
	case PathCompleted, PathFailed, PathCancelled:
		return true
	default:
		return false
	}
}

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunHalted    RunStatus = "halted"
	RunFailed    RunStatus = "failed"
)

// Path status and run halt reasons.
const (
	ReasonNodeInvocationLimit = "node_invocation_limit"
	ReasonStepLimit           = "step_limit"
	ReasonTimeout             = "timeout"
	ReasonConcurrentPathLimit = "concurrent_path_limit"
	ReasonCycleDetected       = "cycle_detected"
	ReasonForked              = "forked"
	ReasonEffectError         = "effect_error"
	ReasonCancelled           = "cancelled"
	ReasonWaitTimeout         = "wait_timeout"
)

type Limits struct {
	MaxSteps           int   `json:"max_steps" yaml:"max_steps" msgpack:"max_steps"`
	MaxNodeInvocations int   `json:"max_node_invocations" yaml:"max_node_invocations" msgpack:"max_node_invocations"`
	TimeoutMS          int64 `json:"timeout_ms" yaml:"timeout_ms" msgpack:"timeout_ms"`
	MaxConcurrentPaths int   `json:"max_concurrent_paths" yaml:"max_concurrent_paths" msgpack:"max_concurrent_paths"`
}

func DefaultLimits() Limits {
	return Limits{
		MaxSteps:           1000,
		MaxNodeInvocations: 25,
		TimeoutMS:          0, // unlimited
		MaxConcurrentPaths: 64,
	}
}

// Transition is one history entry: the edge a path took and why.
type Transition struct {
	Step   int       `json:"step" msgpack:"step"`
	From   string    `json:"from" msgpack:"from"`
	To     string    `json:"to" msgpack:"to"`
	Reason string    `json:"reason,omitempty" msgpack:"reason,omitempty"`
	At     time.Time `json:"at" msgpack:"at"`
}

// Transition reasons recorded in path history.
const (
	TransitionAutoSingle    = "auto_single"
	TransitionAutoForced    = "auto_forced"
	TransitionAutoSimple    = "auto_simple"
	TransitionDecision      = "decision"
	TransitionForkChild     = "fork_child"
	TransitionModuleEntry   = "module_entry"
	TransitionBarrierRoute  = "barrier"
	TransitionCompensation  = "compensation"
)

// Path is an independent token of execution position and history.
type Path struct {
	ID           string         `json:"id" msgpack:"id"`
	CurrentNode  string         `json:"current_node" msgpack:"current_node"`
	Status       PathStatus     `json:"status" msgpack:"status"`
	StatusReason string         `json:"status_reason,omitempty" msgpack:"status_reason,omitempty"`
	History      []Transition   `json:"history" msgpack:"history"`
	StepCount    int            `json:"step_count" msgpack:"step_count"`
	// NodeInvocations counts how many times this path entered each node.
	NodeInvocations map[string]int `json:"node_invocation_counts" msgpack:"node_invocation_counts"`
	StartTime       time.Time      `json:"start_time" msgpack:"start_time"`

	// WaitingOn names what a waiting path is blocked by: "barrier:<name>"
	// or "decision:<request id>".
	WaitingOn string `json:"waiting_on,omitempty" msgpack:"waiting_on,omitempty"`

	// Fingerprints records, per node, the context fingerprint observed on
	// the path's last visit. Cycle detection compares the current
	// fingerprint against it: repeats with no context change are loops.
	Fingerprints map[string]string `json:"fingerprints,omitempty" msgpack:"fingerprints,omitempty"`

	// Error carries the failure detail for failed paths.
	Error string `json:"error,omitempty" msgpack:"error,omitempty"`
}

func (p *Path) clone() *Path {
	cp := *p
	cp.History = append([]Transition(nil), p.History...)
	cp.NodeInvocations = make(map[string]int, len(p.NodeInvocations))
	for k, v := range p.NodeInvocations {
		cp.NodeInvocations[k] = v
	}
	if p.Fingerprints != nil {
		cp.Fingerprints = make(map[string]string, len(p.Fingerprints))
		for k, v := range p.Fingerprints {
			cp.Fingerprints[k] = v
		}
	}
	return &cp
}

type Metadata struct {
	StepCount  int       `json:"step_count" msgpack:"step_count"`
	StartTime  time.Time `json:"start_time" msgpack:"start_time"`
	ElapsedMS  int64     `json:"elapsed_ms" msgpack:"elapsed_ms"`
	ErrorCount int       `json:"error_count" msgpack:"error_count"`
}

// CapabilityKind tags how a capability is backed.
type CapabilityKind string

const (
	CapabilityAgent     CapabilityKind = "agent"
	CapabilityGenerated CapabilityKind = "generated"
	CapabilityComposed  CapabilityKind = "composed"
)

// Capability is a named tool/skill available to decision effects. The
// registry lives inside the state so it is checkpointed with the run.
type Capability struct {
	Name string         `json:"name" msgpack:"name"`
	Kind CapabilityKind `json:"kind" msgpack:"kind"`
	Spec map[string]any `json:"spec,omitempty" msgpack:"spec,omitempty"`
}

// Barrier tracks a named synchronization point. Expected is the number of
// distinct barrier-annotated edges feeding it; a path arriving on each
// such edge is recorded, and all waiting paths release together once
// every feeding edge has delivered.
type Barrier struct {
	Name     string   `json:"name" msgpack:"name"`
	Expected int      `json:"expected" msgpack:"expected"`
	// ArrivedEdges records which feeding edges have delivered, keyed
	// "source->target" for order-stable serialization.
	ArrivedEdges []string `json:"arrived_edges" msgpack:"arrived_edges"`
	// WaitingPaths are the path ids parked on this barrier.
	WaitingPaths []string `json:"waiting_paths" msgpack:"waiting_paths"`
}

// State is the complete, serializable execution state of one run.
type State struct {
	Version int    `json:"version" msgpack:"version"`
	RunID   string `json:"run_id" msgpack:"run_id"`

	Graph *model.Graph `json:"graph_snapshot" msgpack:"graph_snapshot"`

	Paths []*Path `json:"paths" msgpack:"paths"`

	Limits   Limits   `json:"limits" msgpack:"limits"`
	Metadata Metadata `json:"metadata" msgpack:"metadata"`

	// Context holds runtime values of context nodes: node -> field -> value.
	Context map[string]map[string]any `json:"context" msgpack:"context"`

	Capabilities []Capability `json:"capabilities,omitempty" msgpack:"capabilities,omitempty"`

	Barriers map[string]*Barrier `json:"barriers,omitempty" msgpack:"barriers,omitempty"`

	// PendingPatches are graph mutations queued by effect results; they
	// fold into the snapshot at the start of the next step.
	PendingPatches []GraphPatch `json:"pending_patches,omitempty" msgpack:"pending_patches,omitempty"`
}

// Path finds a path by id, or nil.
func (s *State) Path(id string) *Path {
	for _, p := range s.Paths {
		if p.ID == id {
			return p
		}
	}
	return nil
}

// ActivePaths returns paths with status active, in creation order.
func (s *State) ActivePaths() []*Path {
	var out []*Path
	for _, p := range s.Paths {
		if p.Status == PathActive {
			out = append(out, p)
		}
	}
	return out
}

// WaitingPaths returns paths with status waiting, in creation order.
func (s *State) WaitingPaths() []*Path {
	var out []*Path
	for _, p := range s.Paths {
		if p.Status == PathWaiting {
			out = append(out, p)
		}
	}
	return out
}

// LivePathCount counts paths that are not terminal.
func (s *State) LivePathCount() int {
	n := 0
	for _, p := range s.Paths {
		if !p.Status.Terminal() {
			n++
		}
	}
	return n
}

// Clone returns a deep copy of the state. Builder operations clone before
// touching anything; callers may keep references to earlier states.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Graph = s.Graph // the graph snapshot itself is immutable; patches swap it
	cp.Paths = make([]*Path, len(s.Paths))
	for i, p := range s.Paths {
		cp.Paths[i] = p.clone()
	}
	cp.Context = make(map[string]map[string]any, len(s.Context))
	for node, fields := range s.Context {
		m := make(map[string]any, len(fields))
		for k, v := range fields {
			m[k] = v
		}
		cp.Context[node] = m
	}
	cp.Capabilities = append([]Capability(nil), s.Capabilities...)
	cp.Barriers = make(map[string]*Barrier, len(s.Barriers))
	for name, b := range s.Barriers {
		bc := *b
		bc.ArrivedEdges = append([]string(nil), b.ArrivedEdges...)
		bc.WaitingPaths = append([]string(nil), b.WaitingPaths...)
		cp.Barriers[name] = &bc
	}
	cp.PendingPatches = append([]GraphPatch(nil), s.PendingPatches...)
	return &cp
}
