// Package perms computes the read/write/store access a task node has
// over context nodes, derived from edge semantics. The resolved map is
// embedded in decision effects so the external decision-maker only sees
// data the task is authorized to see.
package perms

import (
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/stepmill/stepmill/internal/machine/model"
)

// Mode controls how permissive edge semantics are.
type Mode string

const (
	// ModeLegacy grants read access on every outbound task->context edge
	// in addition to whatever the label grants.
	ModeLegacy Mode = "legacy"
	// ModeStrict grants only what the edge label names.
	ModeStrict Mode = "strict"
)

type Options struct {
	Mode Mode
	// InboundReads grants read-only access for context->task edges.
	InboundReads bool
}

func DefaultOptions() Options {
	return Options{Mode: ModeLegacy, InboundReads: true}
}

// Access describes what a task may do with one context node.
type Access struct {
	CanRead  bool     `json:"can_read"`
	CanWrite bool     `json:"can_write"`
	CanStore bool     `json:"can_store"`
	Fields   []string `json:"fields,omitempty"`
}

// AllowsField reports whether the named attribute falls inside the
// access grant. An empty Fields list means unrestricted.
func (a Access) AllowsField(name string) bool {
	if len(a.Fields) == 0 {
		return true
	}
	for _, pattern := range a.Fields {
		if ok, err := doublestar.Match(pattern, name); err == nil && ok {
			return true
		}
	}
	return false
}

// writeVerbs are edge labels that grant write access.
var writeVerbs = map[string]bool{
	"write":     true,
	"writes":    true,
	"store":     true,
	"stores":    true,
	"create":    true,
	"creates":   true,
	"update":    true,
	"updates":   true,
	"set":       true,
	"sets":      true,
	"calculate": true,
	"calculates": true,
}

// storeVerbs additionally grant durable-store access.
var storeVerbs = map[string]bool{
	"store":  true,
	"stores": true,
}

var readVerbs = map[string]bool{
	"read":  true,
	"reads": true,
}

// Resolve computes the permission map for the named task node.
func Resolve(taskName string, g *model.Graph, opts Options) map[string]Access {
	out := map[string]Access{}
	if g == nil {
		return out
	}
	if opts.Mode == "" {
		opts.Mode = ModeLegacy
	}

	// A context node reachable over any unrestricted edge stays
	// attribute-unrestricted even when another edge names fields.
	unrestricted := map[string]bool{}
	grant := func(name string, fields []string, apply func(*Access)) {
		acc := out[name]
		apply(&acc)
		if len(fields) == 0 {
			unrestricted[name] = true
			acc.Fields = nil
		} else if !unrestricted[name] {
			acc.Fields = mergeFields(acc.Fields, fields)
		}
		out[name] = acc
	}

	for _, e := range g.Outgoing(taskName) {
		target := g.Node(e.Target)
		if target == nil || !target.IsData() {
			continue
		}
		verb := normalizeVerb(e.Label)
		grant(e.Target, e.Fields, func(acc *Access) {
			switch {
			case writeVerbs[verb]:
				acc.CanWrite = true
				if storeVerbs[verb] {
					acc.CanStore = true
				}
				if opts.Mode == ModeLegacy {
					acc.CanRead = true
				}
			case readVerbs[verb]:
				acc.CanRead = true
			default:
				if opts.Mode == ModeLegacy {
					acc.CanRead = true
				}
			}
		})
	}

	if opts.InboundReads {
		for _, e := range g.Incoming(taskName) {
			source := g.Node(e.Source)
			if source == nil || !source.IsData() {
				continue
			}
			grant(e.Source, e.Fields, func(acc *Access) {
				acc.CanRead = true
			})
		}
	}

	return out
}

func normalizeVerb(label string) string {
	label = strings.ToLower(strings.TrimSpace(label))
	// Labels may carry a qualifier ("writes result", "stores to disk");
	// only the leading verb matters.
	if i := strings.IndexAny(label, " \t"); i > 0 {
		label = label[:i]
	}
	return label
}

// mergeFields unions field patterns across edges to the same context node.
func mergeFields(existing, extra []string) []string {
	seen := map[string]bool{}
	for _, f := range existing {
		seen[f] = true
	}
	for _, f := range extra {
		f = strings.TrimSpace(f)
		if f != "" && !seen[f] {
			existing = append(existing, f)
			seen[f] = true
		}
	}
	return existing
}
