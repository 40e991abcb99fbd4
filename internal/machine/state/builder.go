package state

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/stepmill/stepmill/internal/machine/model"
)

// InitOptions tune start-node detection and initial registries.
type InitOptions struct {
	// StartNodes overrides detection when no entry/annotated/root start
	// nodes exist.
	StartNodes []string

	Capabilities []Capability

	// Now stamps StartTime; zero means time.Now().UTC().
	Now time.Time
}

// NewInitialState builds the initial state for a graph: one active path
// per detected start node.
//
// Detection priority: explicit entry-typed nodes, then start-annotated
// nodes, then root nodes (no incoming edges, at least one outgoing,
// excluding data nodes), then the configured override list, and finally
// the first declared non-style node.
func NewInitialState(g *model.Graph, limits Limits, opts InitOptions) (*State, error) {
	if g == nil || len(g.Nodes) == 0 {
		return nil, fmt.Errorf("empty graph")
	}
	now := opts.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	starts := detectStartNodes(g, opts.StartNodes)
	if len(starts) == 0 {
		return nil, fmt.Errorf("no start node found in graph %q", g.Name)
	}
	if max := limits.MaxConcurrentPaths; max > 0 && len(starts) > max {
		return nil, fmt.Errorf("graph %q starts %d paths, over the concurrent path limit %d",
			g.Name, len(starts), max)
	}

	s := &State{
		Version: StateVersion,
		RunID:   NewRunID(),
		Graph:   g,
		Limits:  limits,
		Metadata: Metadata{
			StartTime: now,
		},
		Context:      map[string]map[string]any{},
		Capabilities: append([]Capability(nil), opts.Capabilities...),
		Barriers:     buildBarriers(g),
	}
	for _, name := range starts {
		s.Paths = append(s.Paths, &Path{
			ID:              NewPathID(),
			CurrentNode:     name,
			Status:          PathActive,
			NodeInvocations: map[string]int{},
			StartTime:       now,
		})
	}
	return s, nil
}

func detectStartNodes(g *model.Graph, override []string) []string {
	var entry, annotated []string
	g.Walk(func(n *model.Node) {
		switch {
		case n.EffectiveType() == model.TypeEntry:
			entry = append(entry, n.Name)
		case n.HasAnnotation(model.AnnotationStart):
			annotated = append(annotated, n.Name)
		}
	})
	if len(entry) > 0 {
		return entry
	}
	if len(annotated) > 0 {
		return annotated
	}

	var roots []string
	for _, n := range g.Nodes {
		if n.IsData() || n.EffectiveType() == model.TypeStyle {
			continue
		}
		if len(g.Incoming(n.Name)) == 0 && len(g.Outgoing(n.Name)) > 0 {
			roots = append(roots, n.Name)
		}
	}
	if len(roots) > 0 {
		return roots
	}

	var valid []string
	for _, name := range override {
		if g.Node(strings.TrimSpace(name)) != nil {
			valid = append(valid, strings.TrimSpace(name))
		}
	}
	if len(valid) > 0 {
		return valid
	}

	for _, n := range g.Nodes {
		if n.EffectiveType() != model.TypeStyle {
			return []string{n.Name}
		}
	}
	return nil
}

// buildBarriers pre-computes barrier fan-in widths from edge annotations.
func buildBarriers(g *model.Graph) map[string]*Barrier {
	barriers := map[string]*Barrier{}
	for _, e := range g.Edges {
		name := e.BarrierName()
		if name == "" {
			continue
		}
		b := barriers[name]
		if b == nil {
			b = &Barrier{Name: name}
			barriers[name] = b
		}
		b.Expected++
	}
	if len(barriers) == 0 {
		return nil
	}
	return barriers
}

// CreatePath appends a new active path positioned at nodeName. Used for
// forking. Returns the new state and the created path's id.
func CreatePath(s *State, nodeName string) (*State, string) {
	ns := s.Clone()
	p := &Path{
		ID:              NewPathID(),
		CurrentNode:     nodeName,
		Status:          PathActive,
		NodeInvocations: map[string]int{},
		StartTime:       time.Now().UTC(),
	}
	ns.Paths = append(ns.Paths, p)
	return ns, p.ID
}

// UpdatePathStatus replaces a path's status. Reason may be empty.
// Transitions out of a terminal status are refused; the input state is
// returned unchanged.
func UpdatePathStatus(s *State, pathID string, status PathStatus, reason string) *State {
	cur := s.Path(pathID)
	if cur == nil || cur.Status == status {
		return s
	}
	if cur.Status.Terminal() {
		return s
	}
	ns := s.Clone()
	p := ns.Path(pathID)
	p.Status = status
	p.StatusReason = reason
	if status != PathWaiting {
		p.WaitingOn = ""
	}
	if status == PathFailed && p.Error == "" {
		p.Error = reason
	}
	return ns
}

// RecordInvocation increments the path's per-node invocation counter.
// Run this before limit checks so the counter reflects the pending entry.
func RecordInvocation(s *State, pathID, nodeName string) *State {
	if s.Path(pathID) == nil {
		return s
	}
	ns := s.Clone()
	p := ns.Path(pathID)
	p.NodeInvocations[nodeName]++
	return ns
}

// AdvancePath moves a path onto a new node and appends the transition to
// its history. The path's step count increments.
func AdvancePath(s *State, pathID, toNode, reason string) *State {
	if s.Path(pathID) == nil {
		return s
	}
	ns := s.Clone()
	p := ns.Path(pathID)
	p.History = append(p.History, Transition{
		Step:   ns.Metadata.StepCount,
		From:   p.CurrentNode,
		To:     toNode,
		Reason: reason,
		At:     time.Now().UTC(),
	})
	p.CurrentNode = toNode
	p.StepCount++
	return ns
}

// SetWaiting parks a path on a barrier or outstanding decision.
func SetWaiting(s *State, pathID, waitingOn string) *State {
	if s.Path(pathID) == nil {
		return s
	}
	ns := s.Clone()
	p := ns.Path(pathID)
	p.Status = PathWaiting
	p.WaitingOn = waitingOn
	return ns
}

// ArriveAtBarrier records a path arriving at a named barrier over the
// given edge and parks it. Callers check readiness with BarrierReady.
func ArriveAtBarrier(s *State, pathID, barrier, edgeKey string) *State {
	ns := SetWaiting(s, pathID, "barrier:"+barrier)
	b := ns.Barriers[barrier]
	if b == nil {
		b = &Barrier{Name: barrier, Expected: 1}
		if ns.Barriers == nil {
			ns.Barriers = map[string]*Barrier{}
		}
		ns.Barriers[barrier] = b
	}
	for _, k := range b.ArrivedEdges {
		if k == edgeKey {
			edgeKey = ""
			break
		}
	}
	if edgeKey != "" {
		b.ArrivedEdges = append(b.ArrivedEdges, edgeKey)
	}
	b.WaitingPaths = append(b.WaitingPaths, pathID)
	return ns
}

// BarrierReady reports whether every feeding edge has delivered.
func BarrierReady(s *State, barrier string) bool {
	b := s.Barriers[barrier]
	if b == nil {
		return false
	}
	return len(b.ArrivedEdges) >= b.Expected
}

// ReleaseBarrier returns all paths parked on the barrier to active and
// resets the barrier for reuse in loops.
func ReleaseBarrier(s *State, barrier string) (*State, []string) {
	b := s.Barriers[barrier]
	if b == nil || len(b.WaitingPaths) == 0 {
		return s, nil
	}
	ns := s.Clone()
	nb := ns.Barriers[barrier]
	released := append([]string(nil), nb.WaitingPaths...)
	sort.Strings(released)
	for _, id := range released {
		p := ns.Path(id)
		if p != nil && p.Status == PathWaiting {
			p.Status = PathActive
			p.WaitingOn = ""
		}
	}
	nb.ArrivedEdges = nil
	nb.WaitingPaths = nil
	return ns, released
}

// SetContextValue writes one field of a context node.
func SetContextValue(s *State, node, field string, value any) *State {
	ns := s.Clone()
	m := ns.Context[node]
	if m == nil {
		m = map[string]any{}
		ns.Context[node] = m
	}
	m[field] = value
	return ns
}

// IncStep bumps the global step counter and refreshes elapsed time.
func IncStep(s *State) *State {
	ns := s.Clone()
	ns.Metadata.StepCount++
	ns.Metadata.ElapsedMS = time.Since(ns.Metadata.StartTime).Milliseconds()
	return ns
}

// IncErrorCount bumps the run's error counter (visible to conditions as
// errorCount).
func IncErrorCount(s *State) *State {
	ns := s.Clone()
	ns.Metadata.ErrorCount++
	return ns
}

// QueuePatch records a graph mutation for folding at the next step start.
func QueuePatch(s *State, patch GraphPatch) *State {
	if patch.Empty() {
		return s
	}
	ns := s.Clone()
	ns.PendingPatches = append(ns.PendingPatches, patch)
	return ns
}

// SetFingerprint records the context fingerprint seen on a path's visit
// to a node.
func SetFingerprint(s *State, pathID, node, fp string) *State {
	if s.Path(pathID) == nil {
		return s
	}
	ns := s.Clone()
	p := ns.Path(pathID)
	if p.Fingerprints == nil {
		p.Fingerprints = map[string]string{}
	}
	p.Fingerprints[node] = fp
	return ns
}

// ApplyGraphPatch folds a graph mutation into a new snapshot with a
// bumped version. The previous snapshot is untouched.
func ApplyGraphPatch(s *State, patch GraphPatch) (*State, error) {
	ns := s.Clone()
	g := ns.Graph.Clone()
	if err := patch.apply(g); err != nil {
		return s, err
	}
	g.Version++
	ns.Graph = g
	return ns, nil
}

// FlatContext assembles the flattened attribute map conditions evaluate
// against: machine attributes, the current node's attributes and its
// ancestors', context-node runtime values (dotted node.field keys and
// bare field names), plus run metadata.
func FlatContext(s *State, nodeName string) map[string]any {
	ctx := map[string]any{}
	if s == nil {
		return ctx
	}
	for k, v := range s.Graph.Attrs {
		ctx[k] = v
		ctx["machine."+k] = v
	}
	// Ancestor attributes apply outermost first so the node's own win.
	var chain []*model.Node
	for n := s.Graph.Node(nodeName); n != nil; n = n.Parent {
		chain = append(chain, n)
	}
	for i := len(chain) - 1; i >= 0; i-- {
		for k, v := range chain[i].Attrs {
			ctx[k] = v
		}
	}
	// Context nodes fold in lexical node order so a bare field name that
	// two nodes both carry always resolves to the lexically-first node.
	// Dotted node.field keys are never ambiguous.
	ctxNodes := make([]string, 0, len(s.Context))
	for node := range s.Context {
		ctxNodes = append(ctxNodes, node)
	}
	sort.Strings(ctxNodes)
	for _, node := range ctxNodes {
		for k, v := range s.Context[node] {
			ctx[node+"."+k] = v
			if _, taken := ctx[k]; !taken {
				ctx[k] = v
			}
		}
	}
	ctx["errorCount"] = s.Metadata.ErrorCount
	ctx["stepCount"] = s.Metadata.StepCount
	return ctx
}
