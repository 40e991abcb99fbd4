package engine

import (
	"testing"

	"github.com/stepmill/stepmill/internal/machine/model"
	"github.com/stepmill/stepmill/internal/machine/state"
)

func TestContextFingerprint(t *testing.T) {
	a := contextFingerprint(map[string]any{"x": 1, "y": "ok"})
	b := contextFingerprint(map[string]any{"y": "ok", "x": 1})
	if a != b {
		t.Fatalf("fingerprint must be key-order independent")
	}
	c := contextFingerprint(map[string]any{"x": 2, "y": "ok"})
	if a == c {
		t.Fatalf("different values must fingerprint differently")
	}
	// stepCount advances every step and is excluded.
	d := contextFingerprint(map[string]any{"x": 1, "y": "ok", "stepCount": 42})
	if a != d {
		t.Fatalf("stepCount must not affect the fingerprint")
	}
}

func TestCycleDetectionFailsLoopingPath(t *testing.T) {
	g := model.NewGraph("pingpong")
	g.AddNode(&model.Node{Name: "s1", Type: model.TypeState, Annotations: []string{"start"}})
	g.AddNode(&model.Node{Name: "s2", Type: model.TypeState})
	g.Edges = []*model.Edge{
		{Source: "s1", Target: "s2", Order: 0},
		{Source: "s2", Target: "s1", Order: 1},
	}
	g.Reindex()

	eng := New(DefaultOptions())
	s := mustInit(t, eng, g)

	var last *StepResult
	for i := 0; i < 30; i++ {
		last = mustStep(t, eng, s)
		s = last.State
		if last.RunStatus != state.RunRunning {
			break
		}
	}
	if last.RunStatus != state.RunFailed {
		t.Fatalf("looping run status = %s, want failed", last.RunStatus)
	}
	p := s.Paths[0]
	if p.Status != state.PathFailed || p.StatusReason != state.ReasonCycleDetected {
		t.Fatalf("path %s/%s, want failed/cycle_detected", p.Status, p.StatusReason)
	}
}

func TestChangingContextDefeatsCycleDetection(t *testing.T) {
	eng := New(DefaultOptions())

	p := &state.Path{
		ID:          "path-x",
		CurrentNode: "s1",
		Fingerprints: map[string]string{
			"s1": contextFingerprint(map[string]any{"counter": 1}),
		},
		History: []state.Transition{
			{To: "s1"}, {To: "s2"}, {To: "s1"}, {To: "s2"}, {To: "s1"},
		},
	}
	// Same context as last visit: three recent visits, unchanged state.
	if looped, _ := eng.detectCycle(p, "s1", map[string]any{"counter": 1}); !looped {
		t.Fatalf("unchanged context should trip cycle detection")
	}
	// Progressing context: same visit count but the fingerprint moved.
	if looped, _ := eng.detectCycle(p, "s1", map[string]any{"counter": 2}); looped {
		t.Fatalf("changed context must not trip cycle detection")
	}
}

func TestRetryAnnotationExemptsNode(t *testing.T) {
	g := model.NewGraph("retry")
	g.AddNode(&model.Node{Name: "poll", Type: model.TypeState, Annotations: []string{"start", "retry"}})
	g.AddNode(&model.Node{Name: "again", Type: model.TypeState, Annotations: []string{"retry"}})
	g.Edges = []*model.Edge{
		{Source: "poll", Target: "again", Order: 0},
		{Source: "again", Target: "poll", Order: 1},
	}
	g.Reindex()

	opts := DefaultOptions()
	opts.Limits.MaxNodeInvocations = 6
	eng := New(opts)
	s := mustInit(t, eng, g)

	var last *StepResult
	for i := 0; i < 40; i++ {
		last = mustStep(t, eng, s)
		s = last.State
		if last.RunStatus != state.RunRunning {
			break
		}
	}
	// Retry-annotated nodes never fail on cycles; the invocation limit is
	// what finally stops the loop.
	p := s.Paths[0]
	if p.StatusReason != state.ReasonNodeInvocationLimit {
		t.Fatalf("loop ended with %q, want node_invocation_limit", p.StatusReason)
	}
}
