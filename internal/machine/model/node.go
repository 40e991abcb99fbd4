package model

import (
	"fmt"
	"strings"
)

// Node types understood by the runtime. Type is an open string so machine
// documents can carry custom types; these constants cover routing semantics.
const (
	TypeTask    = "task"
	TypeState   = "state"
	TypeEntry   = "entry"
	TypeContext = "context"
	TypeNote    = "note"
	TypeStyle   = "style"
)

// Annotations with runtime meaning.
const (
	AnnotationStart      = "start"
	AnnotationAuto       = "auto"
	AnnotationParallel   = "parallel"
	AnnotationRetryLoop  = "retry"  // exempts the node from cycle detection
	AnnotationCompensate = "compensate"
)

type Node struct {
	Name        string         `json:"name" yaml:"name" msgpack:"name"`
	Type        string         `json:"type,omitempty" yaml:"type,omitempty" msgpack:"type,omitempty"`
	Attrs       map[string]any `json:"attributes,omitempty" yaml:"attributes,omitempty" msgpack:"attributes,omitempty"`
	Annotations []string       `json:"annotations,omitempty" yaml:"annotations,omitempty" msgpack:"annotations,omitempty"`
	Children    []*Node        `json:"children,omitempty" yaml:"children,omitempty" msgpack:"children,omitempty"`

	// Parent is the enclosing container node, nil at top level.
	// Rebuilt on decode; not serialized.
	Parent *Node `json:"-" yaml:"-" msgpack:"-"`
}

func NewNode(name string) *Node {
	return &Node{Name: name, Attrs: map[string]any{}}
}

// Attr returns the node attribute as a string, or def when absent.
func (n *Node) Attr(key, def string) string {
	if n == nil || n.Attrs == nil {
		return def
	}
	v, ok := n.Attrs[key]
	if !ok || v == nil {
		return def
	}
	s := strings.TrimSpace(fmt.Sprint(v))
	if s == "" {
		return def
	}
	return s
}

func (n *Node) HasAnnotation(name string) bool {
	if n == nil {
		return false
	}
	for _, a := range n.Annotations {
		if strings.EqualFold(strings.TrimSpace(a), name) {
			return true
		}
	}
	return false
}

// EffectiveType resolves the node type, defaulting to task.
func (n *Node) EffectiveType() string {
	if n == nil {
		return TypeTask
	}
	t := strings.ToLower(strings.TrimSpace(n.Type))
	if t == "" {
		return TypeTask
	}
	return t
}

// IsControl reports whether the node is a routing/control node
// (state or entry) as opposed to a work or data node.
func (n *Node) IsControl() bool {
	t := n.EffectiveType()
	return t == TypeState || t == TypeEntry
}

// IsData reports whether the node holds data rather than executable work.
// Data nodes never receive execution tokens.
func (n *Node) IsData() bool {
	t := n.EffectiveType()
	return t == TypeContext || t == TypeNote
}

// IsContainer reports whether the node has child nodes that receive
// automatic entry routing.
func (n *Node) IsContainer() bool {
	return n != nil && len(n.Children) > 0
}
