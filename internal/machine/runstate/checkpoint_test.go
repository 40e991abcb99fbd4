package runstate

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stepmill/stepmill/internal/machine/model"
	"github.com/stepmill/stepmill/internal/machine/state"
)

func sampleState(t *testing.T) *state.State {
	t.Helper()
	g := model.NewGraph("sample")
	g.AddNode(&model.Node{Name: "begin", Type: model.TypeEntry})
	g.AddNode(&model.Node{Name: "work", Attrs: map[string]any{"prompt": "do the thing"}})
	g.Edges = []*model.Edge{
		{Source: "begin", Target: "work", Order: 0},
	}
	g.Reindex()

	s, err := state.NewInitialState(g, state.DefaultLimits(), state.InitOptions{})
	if err != nil {
		t.Fatalf("NewInitialState: %v", err)
	}
	s = state.AdvancePath(s, s.Paths[0].ID, "work", state.TransitionAutoSingle)
	s = state.SetContextValue(s, "results", "verdict", "pass")
	return s
}

func TestRoundtrip(t *testing.T) {
	for _, codec := range []Codec{CodecJSON, CodecMsgpack} {
		t.Run(string(codec), func(t *testing.T) {
			s := sampleState(t)
			cp, err := New(s)
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if cp.RunID != s.RunID || cp.StateHash == "" {
				t.Fatalf("checkpoint header incomplete: %+v", cp)
			}

			path := filepath.Join(t.TempDir(), "run.ckpt")
			if err := cp.Save(path, codec); err != nil {
				t.Fatalf("Save: %v", err)
			}
			got, err := Load(path)
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			rs := got.State
			if rs.RunID != s.RunID {
				t.Fatalf("run id lost: %q vs %q", rs.RunID, s.RunID)
			}
			if len(rs.Paths) != 1 || rs.Paths[0].CurrentNode != "work" {
				t.Fatalf("path position lost: %+v", rs.Paths)
			}
			if len(rs.Paths[0].History) != 1 {
				t.Fatalf("history lost")
			}
			if rs.Context["results"]["verdict"] != "pass" {
				t.Fatalf("context lost: %v", rs.Context)
			}
			if rs.Graph.Node("work") == nil {
				t.Fatalf("graph index not rebuilt on load")
			}
			if got := rs.Graph.Node("work").Attr("prompt", ""); got != "do the thing" {
				t.Fatalf("node attrs lost: %q", got)
			}
			if rs.Limits != s.Limits {
				t.Fatalf("limits lost: %+v", rs.Limits)
			}
		})
	}
}

func TestLoadRejectsTamperedState(t *testing.T) {
	s := sampleState(t)
	cp, err := New(s)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	path := filepath.Join(t.TempDir(), "run.ckpt")
	if err := cp.Save(path, CodecJSON); err != nil {
		t.Fatalf("Save: %v", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	// Flip the recorded path position inside the serialized state.
	marker := `"current_node": "work"`
	if !strings.Contains(string(b), marker) {
		t.Fatalf("marker %q not found in checkpoint", marker)
	}
	tampered := strings.Replace(string(b), marker, `"current_node": "begin"`, 1)
	if err := os.WriteFile(path, []byte(tampered), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("tampered checkpoint should be refused")
	}
}

func TestHashStateStable(t *testing.T) {
	s := sampleState(t)
	a, err := HashState(s)
	if err != nil {
		t.Fatalf("HashState: %v", err)
	}
	b, err := HashState(s.Clone())
	if err != nil {
		t.Fatalf("HashState clone: %v", err)
	}
	if a != b {
		t.Fatalf("clone hashed differently")
	}
	c, err := HashState(state.SetContextValue(s, "results", "verdict", "fail"))
	if err != nil {
		t.Fatalf("HashState modified: %v", err)
	}
	if a == c {
		t.Fatalf("modified state hashed identically")
	}
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()
	if _, err := Load(filepath.Join(dir, "absent.ckpt")); err == nil {
		t.Fatalf("missing file should error")
	}
	bad := filepath.Join(dir, "bad.ckpt")
	if err := os.WriteFile(bad, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(bad); err == nil {
		t.Fatalf("garbage checkpoint should error")
	}
	empty := filepath.Join(dir, "empty.ckpt")
	if err := os.WriteFile(empty, []byte(`{"run_id": "x"}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(empty); err == nil {
		t.Fatalf("checkpoint without state should error")
	}
}

func TestSaveCreatesParentDirs(t *testing.T) {
	s := sampleState(t)
	cp, err := New(s)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	path := filepath.Join(t.TempDir(), "nested", "deep", "run.ckpt")
	if err := cp.Save(path, CodecJSON); err != nil {
		t.Fatalf("Save into nested dir: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("saved file missing: %v", err)
	}
}
