package state

import (
	"fmt"
	"strings"

	"github.com/stepmill/stepmill/internal/machine/model"
)

// GraphPatch is a serializable diff a task may emit against its own
// machine. Patches fold into the graph snapshot at the start of the step
// after they are produced, never mid-step, so every path within a step
// sees one graph version.
type GraphPatch struct {
	AddNodes    []*model.Node `json:"add_nodes,omitempty" msgpack:"add_nodes,omitempty"`
	RemoveNodes []string      `json:"remove_nodes,omitempty" msgpack:"remove_nodes,omitempty"`
	AddEdges    []*model.Edge `json:"add_edges,omitempty" msgpack:"add_edges,omitempty"`
	// RemoveEdges entries are "source->target".
	RemoveEdges []string `json:"remove_edges,omitempty" msgpack:"remove_edges,omitempty"`
	// SetAttrs updates node attributes: node -> key -> value.
	SetAttrs map[string]map[string]any `json:"set_attrs,omitempty" msgpack:"set_attrs,omitempty"`
}

func (p GraphPatch) Empty() bool {
	return len(p.AddNodes) == 0 && len(p.RemoveNodes) == 0 &&
		len(p.AddEdges) == 0 && len(p.RemoveEdges) == 0 && len(p.SetAttrs) == 0
}

func (p GraphPatch) apply(g *model.Graph) error {
	for _, n := range p.AddNodes {
		if n == nil || strings.TrimSpace(n.Name) == "" {
			return fmt.Errorf("patch: add node without a name")
		}
		if g.Node(n.Name) != nil {
			return fmt.Errorf("patch: node %q already exists", n.Name)
		}
		g.AddNode(n)
	}
	for _, name := range p.RemoveNodes {
		target := g.Node(name)
		if target == nil {
			return fmt.Errorf("patch: remove unknown node %q", name)
		}
		// A nested node is excised from its container's children so it
		// does not resurface on the next reindex.
		if target.Parent != nil {
			kept := target.Parent.Children[:0]
			for _, c := range target.Parent.Children {
				if c.Name != name {
					kept = append(kept, c)
				}
			}
			target.Parent.Children = kept
		} else {
			kept := g.Nodes[:0]
			for _, n := range g.Nodes {
				if n.Name != name {
					kept = append(kept, n)
				}
			}
			g.Nodes = kept
		}
		// Drop edges touching the node or anything nested under it.
		gone := map[string]bool{}
		var mark func(n *model.Node)
		mark = func(n *model.Node) {
			gone[n.Name] = true
			for _, c := range n.Children {
				mark(c)
			}
		}
		mark(target)
		edges := g.Edges[:0]
		for _, e := range g.Edges {
			if !gone[e.Source] && !gone[e.Target] {
				edges = append(edges, e)
			}
		}
		g.Edges = edges
	}
	maxOrder := 0
	for _, e := range g.Edges {
		if e.Order > maxOrder {
			maxOrder = e.Order
		}
	}
	for _, e := range p.AddEdges {
		if e == nil {
			continue
		}
		if g.Node(e.Source) == nil || g.Node(e.Target) == nil {
			return fmt.Errorf("patch: edge %s->%s references unknown node", e.Source, e.Target)
		}
		maxOrder++
		ec := *e
		ec.Order = maxOrder
		g.Edges = append(g.Edges, &ec)
	}
	for _, key := range p.RemoveEdges {
		src, dst, ok := strings.Cut(key, "->")
		if !ok {
			return fmt.Errorf("patch: bad edge key %q", key)
		}
		src, dst = strings.TrimSpace(src), strings.TrimSpace(dst)
		edges := g.Edges[:0]
		removed := false
		for _, e := range g.Edges {
			if !removed && e.Source == src && e.Target == dst {
				removed = true
				continue
			}
			edges = append(edges, e)
		}
		if !removed {
			return fmt.Errorf("patch: remove unknown edge %q", key)
		}
		g.Edges = edges
	}
	for name, attrs := range p.SetAttrs {
		n := g.Node(name)
		if n == nil {
			return fmt.Errorf("patch: set attrs on unknown node %q", name)
		}
		if n.Attrs == nil {
			n.Attrs = map[string]any{}
		}
		for k, v := range attrs {
			n.Attrs[k] = v
		}
	}
	g.Reindex()
	return nil
}

// EdgeKey formats an edge as its patch/barrier key.
func EdgeKey(e *model.Edge) string {
	if e == nil {
		return ""
	}
	return e.Source + "->" + e.Target
}
