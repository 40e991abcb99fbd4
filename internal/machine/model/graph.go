// Package model holds the machine graph representation the runtime
// interprets: nodes, edges and their annotations. The graph is built by
// graphio from a machine document and is treated as immutable by the
// runtime; mutation flows through graph-patch effects.
package model

import (
	"fmt"
	"sort"
	"strings"
)

type Graph struct {
	Name  string         `json:"name" yaml:"name" msgpack:"name"`
	Attrs map[string]any `json:"attributes,omitempty" yaml:"attributes,omitempty" msgpack:"attributes,omitempty"`

	// Nodes in declaration order, top level only; children hang off
	// their container.
	Nodes []*Node `json:"nodes" yaml:"nodes" msgpack:"nodes"`
	Edges []*Edge `json:"edges" yaml:"edges" msgpack:"edges"`

	// Version counts applied graph patches. Zero for a freshly decoded graph.
	Version int `json:"version,omitempty" yaml:"version,omitempty" msgpack:"version,omitempty"`

	index map[string]*Node
}

func NewGraph(name string) *Graph {
	return &Graph{
		Name:  name,
		Attrs: map[string]any{},
		index: map[string]*Node{},
	}
}

// AddNode appends a top-level node and indexes it and its children.
func (g *Graph) AddNode(n *Node) {
	if n == nil {
		return
	}
	g.Nodes = append(g.Nodes, n)
	g.indexNode(n, nil)
}

func (g *Graph) indexNode(n *Node, parent *Node) {
	if g.index == nil {
		g.index = map[string]*Node{}
	}
	n.Parent = parent
	g.index[n.Name] = n
	for _, c := range n.Children {
		g.indexNode(c, n)
	}
}

// Reindex rebuilds the name index and parent pointers. Call after
// decoding a graph or applying a patch.
func (g *Graph) Reindex() {
	g.index = map[string]*Node{}
	for _, n := range g.Nodes {
		g.indexNode(n, nil)
	}
	for i, e := range g.Edges {
		if e != nil && e.Order == 0 {
			e.Order = i
		}
	}
}

// Node looks a node up by name anywhere in the hierarchy.
func (g *Graph) Node(name string) *Node {
	if g == nil {
		return nil
	}
	if g.index == nil {
		g.Reindex()
	}
	return g.index[name]
}

// Outgoing returns edges leaving the named node, in declaration order.
func (g *Graph) Outgoing(name string) []*Edge {
	var out []*Edge
	for _, e := range g.Edges {
		if e != nil && e.Source == name {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

// Incoming returns edges entering the named node, in declaration order.
func (g *Graph) Incoming(name string) []*Edge {
	var in []*Edge
	for _, e := range g.Edges {
		if e != nil && e.Target == name {
			in = append(in, e)
		}
	}
	sort.SliceStable(in, func(i, j int) bool { return in[i].Order < in[j].Order })
	return in
}

// Walk visits every node depth-first in declaration order.
func (g *Graph) Walk(fn func(*Node)) {
	var visit func(*Node)
	visit = func(n *Node) {
		if n == nil {
			return
		}
		fn(n)
		for _, c := range n.Children {
			visit(c)
		}
	}
	for _, n := range g.Nodes {
		visit(n)
	}
}

// Attr returns the graph attribute as a string, or def when absent.
func (g *Graph) Attr(key, def string) string {
	if g == nil || g.Attrs == nil {
		return def
	}
	v, ok := g.Attrs[key]
	if !ok || v == nil {
		return def
	}
	s := strings.TrimSpace(fmt.Sprint(v))
	if s == "" {
		return def
	}
	return s
}

// Clone returns a deep copy. Patches apply to clones so the previous
// snapshot stays valid for audit.
func (g *Graph) Clone() *Graph {
	if g == nil {
		return nil
	}
	cp := NewGraph(g.Name)
	cp.Version = g.Version
	for k, v := range g.Attrs {
		cp.Attrs[k] = v
	}
	for _, n := range g.Nodes {
		cp.Nodes = append(cp.Nodes, cloneNode(n))
	}
	for _, e := range g.Edges {
		ec := *e
		ec.Annotations = append([]string(nil), e.Annotations...)
		ec.Fields = append([]string(nil), e.Fields...)
		cp.Edges = append(cp.Edges, &ec)
	}
	cp.Reindex()
	return cp
}

func cloneNode(n *Node) *Node {
	if n == nil {
		return nil
	}
	cp := &Node{
		Name:        n.Name,
		Type:        n.Type,
		Attrs:       map[string]any{},
		Annotations: append([]string(nil), n.Annotations...),
	}
	for k, v := range n.Attrs {
		cp.Attrs[k] = v
	}
	for _, c := range n.Children {
		cp.Children = append(cp.Children, cloneNode(c))
	}
	return cp
}

// NodeNames returns all node names (containers and children) sorted.
func (g *Graph) NodeNames() []string {
	var names []string
	g.Walk(func(n *Node) { names = append(names, n.Name) })
	sort.Strings(names)
	return names
}
