package model

import (
	"strings"
)

type Edge struct {
	Source string `json:"source" yaml:"source" msgpack:"source"`
	Target string `json:"target" yaml:"target" msgpack:"target"`

	// Condition fields. When and If are synonyms; Unless negates.
	// At most one is expected per edge; When wins if several are set.
	When   string `json:"when,omitempty" yaml:"when,omitempty" msgpack:"when,omitempty"`
	Unless string `json:"unless,omitempty" yaml:"unless,omitempty" msgpack:"unless,omitempty"`
	If     string `json:"if,omitempty" yaml:"if,omitempty" msgpack:"if,omitempty"`

	// Label carries the edge's semantic verb (e.g. "writes", "reads",
	// "stores"); permission resolution keys off it.
	Label string `json:"label,omitempty" yaml:"label,omitempty" msgpack:"label,omitempty"`

	Annotations []string `json:"annotations,omitempty" yaml:"annotations,omitempty" msgpack:"annotations,omitempty"`

	// Fields optionally restricts context access to matching attribute
	// names. Entries are doublestar patterns.
	Fields []string `json:"fields,omitempty" yaml:"fields,omitempty" msgpack:"fields,omitempty"`

	// Weight breaks ties between equally eligible edges (higher wins).
	Weight int `json:"weight,omitempty" yaml:"weight,omitempty" msgpack:"weight,omitempty"`

	// Order is the edge's declaration position within the document.
	Order int `json:"order" yaml:"order" msgpack:"order"`
}

func NewEdge(source, target string) *Edge {
	return &Edge{Source: source, Target: target}
}

// Condition returns the edge's condition expression, with unless-sugar
// rewritten to a negation. Empty means unconditional.
func (e *Edge) Condition() string {
	if e == nil {
		return ""
	}
	if c := strings.TrimSpace(e.When); c != "" {
		return c
	}
	if c := strings.TrimSpace(e.If); c != "" {
		return c
	}
	if c := strings.TrimSpace(e.Unless); c != "" {
		return "!(" + c + ")"
	}
	return ""
}

func (e *Edge) HasAnnotation(name string) bool {
	if e == nil {
		return false
	}
	for _, a := range e.Annotations {
		a = strings.TrimSpace(a)
		if strings.EqualFold(a, name) {
			return true
		}
		// Parameterized annotations: "barrier:join_point".
		if i := strings.IndexByte(a, ':'); i > 0 && strings.EqualFold(a[:i], name) {
			return true
		}
	}
	return false
}

// AnnotationValue returns the value of a parameterized annotation
// ("barrier:join_point" -> "join_point"), or "" when absent.
func (e *Edge) AnnotationValue(name string) string {
	if e == nil {
		return ""
	}
	for _, a := range e.Annotations {
		a = strings.TrimSpace(a)
		if i := strings.IndexByte(a, ':'); i > 0 && strings.EqualFold(a[:i], name) {
			return strings.TrimSpace(a[i+1:])
		}
	}
	return ""
}

func (e *Edge) IsParallel() bool {
	return e.HasAnnotation(AnnotationParallel)
}

func (e *Edge) IsAuto() bool {
	return e.HasAnnotation(AnnotationAuto)
}

// BarrierName returns the named barrier the edge routes into, or "".
func (e *Edge) BarrierName() string {
	return e.AnnotationValue("barrier")
}
