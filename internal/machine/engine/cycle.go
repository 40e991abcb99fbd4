package engine

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/stepmill/stepmill/internal/machine/state"
)

// contextFingerprint hashes the flattened condition context in key order.
// Two visits to a node with the same fingerprint can only make the same
// routing choices again.
func contextFingerprint(ctx map[string]any) string {
	keys := make([]string, 0, len(ctx))
	for k := range ctx {
		if k == "stepCount" { // advances every step; not routing-relevant
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := blake3.New()
	for _, k := range keys {
		b, err := json.Marshal(ctx[k])
		if err != nil {
			b = []byte(fmt.Sprint(ctx[k]))
		}
		h.Write([]byte(k))
		h.Write([]byte{0})
		h.Write(b)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)[:16])
}

// detectCycle reports whether the path is revisiting node with no
// condition-state change beyond the configured threshold. The caller has
// already excluded retry-exempt nodes.
func (e *Engine) detectCycle(p *state.Path, node string, ctx map[string]any) (bool, string) {
	threshold := e.Options.CycleThreshold
	if threshold <= 0 {
		threshold = defaultCycleThreshold
	}
	window := e.Options.CycleWindow
	if window <= 0 {
		window = defaultCycleWindow
	}

	visits := 0
	start := len(p.History) - window
	if start < 0 {
		start = 0
	}
	for _, tr := range p.History[start:] {
		if tr.To == node {
			visits++
		}
	}
	if visits < threshold {
		return false, ""
	}
	fp := contextFingerprint(ctx)
	if prev, ok := p.Fingerprints[node]; !ok || prev != fp {
		return false, ""
	}
	return true, fmt.Sprintf(
		"node %q revisited %d times in the last %d transitions with unchanged context (fingerprint %s)",
		node, visits, window, fp,
	)
}

// recentNodes is a debugging aid for cycle diagnostics in progress events.
func recentNodes(p *state.Path, n int) string {
	start := len(p.History) - n
	if start < 0 {
		start = 0
	}
	parts := make([]string, 0, n)
	for _, tr := range p.History[start:] {
		parts = append(parts, tr.To)
	}
	return strings.Join(parts, " -> ")
}
