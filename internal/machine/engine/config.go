package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/stepmill/stepmill/internal/machine/perms"
)

// RunConfigFile is the on-disk run configuration. YAML is canonical;
// JSON documents are accepted too.
type RunConfigFile struct {
	Version int `json:"version" yaml:"version"`

	Limits struct {
		MaxSteps           *int   `json:"max_steps,omitempty" yaml:"max_steps,omitempty"`
		MaxNodeInvocations *int   `json:"max_node_invocations,omitempty" yaml:"max_node_invocations,omitempty"`
		TimeoutMS          *int64 `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
		MaxConcurrentPaths *int   `json:"max_concurrent_paths,omitempty" yaml:"max_concurrent_paths,omitempty"`
	} `json:"limits" yaml:"limits"`

	// ErrorHandling: fail-fast | continue | compensate.
	ErrorHandling string `json:"error_handling,omitempty" yaml:"error_handling,omitempty"`

	Permissions struct {
		// Mode: legacy | strict.
		Mode         string `json:"mode,omitempty" yaml:"mode,omitempty"`
		InboundReads *bool  `json:"inbound_reads,omitempty" yaml:"inbound_reads,omitempty"`
	} `json:"permissions" yaml:"permissions"`

	Cycles struct {
		Threshold *int `json:"threshold,omitempty" yaml:"threshold,omitempty"`
		Window    *int `json:"window,omitempty" yaml:"window,omitempty"`
	} `json:"cycles" yaml:"cycles"`

	// ContextWritePolicy: last-wins | reject.
	ContextWritePolicy string `json:"context_write_policy,omitempty" yaml:"context_write_policy,omitempty"`

	StartNodes []string `json:"start_nodes,omitempty" yaml:"start_nodes,omitempty"`

	CheckpointEverySteps int `json:"checkpoint_every_steps,omitempty" yaml:"checkpoint_every_steps,omitempty"`
}

// LoadRunConfig reads a YAML or JSON run config file.
func LoadRunConfig(path string) (*RunConfigFile, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseRunConfig(b)
}

func ParseRunConfig(b []byte) (*RunConfigFile, error) {
	var cfg RunConfigFile
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, &cfg); err != nil {
			return nil, fmt.Errorf("parse run config: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return nil, fmt.Errorf("parse run config: %w", err)
		}
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *RunConfigFile) validate() error {
	switch strings.TrimSpace(c.ErrorHandling) {
	case "", string(ErrorFailFast), string(ErrorContinue), string(ErrorCompensate):
	default:
		return fmt.Errorf("run config: unknown error_handling %q", c.ErrorHandling)
	}
	switch strings.TrimSpace(c.Permissions.Mode) {
	case "", string(perms.ModeLegacy), string(perms.ModeStrict):
	default:
		return fmt.Errorf("run config: unknown permissions.mode %q", c.Permissions.Mode)
	}
	switch strings.TrimSpace(c.ContextWritePolicy) {
	case "", WriteLastWins, WriteReject:
	default:
		return fmt.Errorf("run config: unknown context_write_policy %q", c.ContextWritePolicy)
	}
	return nil
}

// Options converts the file into engine options over the defaults.
func (c *RunConfigFile) Options() Options {
	opts := DefaultOptions()
	if c == nil {
		return opts
	}
	if c.Limits.MaxSteps != nil {
		opts.Limits.MaxSteps = *c.Limits.MaxSteps
	}
	if c.Limits.MaxNodeInvocations != nil {
		opts.Limits.MaxNodeInvocations = *c.Limits.MaxNodeInvocations
	}
	if c.Limits.TimeoutMS != nil {
		opts.Limits.TimeoutMS = *c.Limits.TimeoutMS
	}
	if c.Limits.MaxConcurrentPaths != nil {
		opts.Limits.MaxConcurrentPaths = *c.Limits.MaxConcurrentPaths
	}
	if v := strings.TrimSpace(c.ErrorHandling); v != "" {
		opts.ErrorHandling = ErrorHandling(v)
	}
	if v := strings.TrimSpace(c.Permissions.Mode); v != "" {
		opts.Permissions.Mode = perms.Mode(v)
	}
	if c.Permissions.InboundReads != nil {
		opts.Permissions.InboundReads = *c.Permissions.InboundReads
	}
	if c.Cycles.Threshold != nil {
		opts.CycleThreshold = *c.Cycles.Threshold
	}
	if c.Cycles.Window != nil {
		opts.CycleWindow = *c.Cycles.Window
	}
	if v := strings.TrimSpace(c.ContextWritePolicy); v != "" {
		opts.ContextWritePolicy = v
	}
	opts.StartNodes = append([]string(nil), c.StartNodes...)
	opts.CheckpointEverySteps = c.CheckpointEverySteps
	return opts
}
