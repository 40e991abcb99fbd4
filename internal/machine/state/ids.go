package state

import (
	"strings"

	"github.com/oklog/ulid/v2"
)

// NewRunID returns a unique, filesystem-safe run identifier.
func NewRunID() string {
	return strings.ToLower(ulid.Make().String())
}

// NewPathID returns a unique path identifier. IDs are ULIDs, so creation
// order sorts lexicographically — the deterministic order used for
// context-write folding.
func NewPathID() string {
	return "path-" + strings.ToLower(ulid.Make().String())
}
