// Package runstate persists execution state at step boundaries and
// restores it for resume. JSON is the canonical interchange codec; a
// msgpack codec is available for compact local checkpoints. Both carry a
// content hash so a corrupted or hand-edited checkpoint is refused
// instead of resumed.
package runstate

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/zeebo/blake3"

	"github.com/stepmill/stepmill/internal/machine/state"
)

type Codec string

const (
	CodecJSON    Codec = "json"
	CodecMsgpack Codec = "msgpack"
)

type Checkpoint struct {
	SavedAt   time.Time    `json:"saved_at" msgpack:"saved_at"`
	RunID     string       `json:"run_id" msgpack:"run_id"`
	StateHash string       `json:"state_hash" msgpack:"state_hash"`
	State     *state.State `json:"state" msgpack:"state"`
}

// New wraps a state for saving, stamping the content hash.
func New(s *state.State) (*Checkpoint, error) {
	h, err := HashState(s)
	if err != nil {
		return nil, err
	}
	return &Checkpoint{
		SavedAt:   time.Now().UTC(),
		RunID:     s.RunID,
		StateHash: h,
		State:     s,
	}, nil
}

// HashState hashes the canonical JSON encoding of the state, so hashes
// agree across codecs.
func HashState(s *state.State) (string, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("encode state: %w", err)
	}
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// Save writes the checkpoint atomically. The codec picks the encoding;
// the file extension is the caller's business.
func (c *Checkpoint) Save(path string, codec Codec) error {
	var (
		b   []byte
		err error
	)
	switch codec {
	case CodecMsgpack:
		b, err = msgpack.Marshal(c)
	default:
		b, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	return writeFileAtomic(path, b)
}

// Load reads a checkpoint, sniffing the codec, and verifies the content
// hash before handing the state back.
func Load(path string) (*Checkpoint, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cp Checkpoint
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		err = json.Unmarshal(trimmed, &cp)
	} else {
		err = msgpack.Unmarshal(b, &cp)
	}
	if err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", path, err)
	}
	if cp.State == nil {
		return nil, fmt.Errorf("checkpoint %s has no state", path)
	}
	cp.State.Graph.Reindex()
	got, err := HashState(cp.State)
	if err != nil {
		return nil, err
	}
	if cp.StateHash != "" && got != cp.StateHash {
		return nil, fmt.Errorf("checkpoint %s: state hash mismatch (have %s want %s)", path, got, cp.StateHash)
	}
	return &cp, nil
}

func writeFileAtomic(path string, b []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".checkpoint-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
