// Package effect defines the serializable side-effect descriptions the
// pure core emits and the result values the external shell feeds back.
// The core never performs I/O itself; effects are the single boundary.
package effect

import (
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/stepmill/stepmill/internal/machine/perms"
	"github.com/stepmill/stepmill/internal/machine/state"
)

type Type string

const (
	TypeInvokeDecision Type = "invoke_decision"
	TypeCodeTask       Type = "code_task"
	TypeLog            Type = "log"
	TypeCheckpoint     Type = "checkpoint"
	TypeComplete       Type = "complete"
	TypeError          Type = "error"
)

type LogLevel string

const (
	LevelDebug   LogLevel = "debug"
	LevelInfo    LogLevel = "info"
	LevelWarning LogLevel = "warning"
	LevelError   LogLevel = "error"
)

// TransitionOption is one legally available transition offered to the
// decision-maker.
type TransitionOption struct {
	Target    string `json:"target"`
	Label     string `json:"label,omitempty"`
	Condition string `json:"condition,omitempty"`
}

type InvokeDecisionPayload struct {
	Node         string `json:"node"`
	SystemPrompt string `json:"system_prompt,omitempty"`

	// AvailableContext is the permission-filtered view of context-node
	// values the decision-maker may see.
	AvailableContext map[string]map[string]any `json:"available_context,omitempty"`
	Permissions      map[string]perms.Access   `json:"permissions,omitempty"`

	AvailableTransitions []TransitionOption `json:"available_transitions"`
	Capabilities         []state.Capability `json:"capabilities,omitempty"`
}

type CodeTaskPayload struct {
	TaskNode string         `json:"task_node"`
	Run      string         `json:"run"`
	Input    map[string]any `json:"input,omitempty"`

	AvailableTransitions []TransitionOption `json:"available_transitions,omitempty"`
}

type LogPayload struct {
	Message string   `json:"message"`
	Level   LogLevel `json:"level"`
}

type CheckpointPayload struct {
	State *state.State `json:"state"`
}

type ErrorPayload struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// Effect is the tagged variant the core emits. Exactly one payload field
// is set, matching Type; Complete carries only the path id.
type Effect struct {
	Type   Type   `json:"type"`
	PathID string `json:"path_id,omitempty"`

	// RequestID correlates a decision/code-task effect with its result.
	RequestID string `json:"request_id,omitempty"`

	InvokeDecision *InvokeDecisionPayload `json:"invoke_decision,omitempty"`
	CodeTask       *CodeTaskPayload       `json:"code_task,omitempty"`
	Log            *LogPayload            `json:"log,omitempty"`
	Checkpoint     *CheckpointPayload     `json:"checkpoint,omitempty"`
	Error          *ErrorPayload          `json:"error,omitempty"`
}

// ToolInvocation reports one capability call the shell performed while
// servicing a decision.
type ToolInvocation struct {
	Capability string         `json:"capability"`
	Input      map[string]any `json:"input,omitempty"`
	Output     any            `json:"output,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// Result is what the shell returns for an outstanding effect, keyed by
// path and request id.
type Result struct {
	PathID    string `json:"path_id"`
	RequestID string `json:"request_id,omitempty"`
	Type      Type   `json:"type"`

	// ChosenTarget is the transition the decision-maker selected.
	ChosenTarget string `json:"chosen_target,omitempty"`

	ToolInvocations []ToolInvocation `json:"tool_invocations,omitempty"`

	// ContextWrites are values the task produced: node -> field -> value.
	// The runtime folds them under the permission map at step end.
	ContextWrites map[string]map[string]any `json:"context_writes,omitempty"`

	// Patch optionally mutates the machine; folded at next step start.
	Patch *state.GraphPatch `json:"patch,omitempty"`

	Error string `json:"error,omitempty"`
}

// NewRequestID returns a correlation id for a decision effect.
func NewRequestID() string {
	return "req-" + strings.ToLower(ulid.Make().String())
}

// Builder constructs effect values. It is stateless; the type exists so
// the construction surface is one place.
type Builder struct{}

func (Builder) InvokeDecision(pathID string, payload InvokeDecisionPayload) Effect {
	return Effect{
		Type:           TypeInvokeDecision,
		PathID:         pathID,
		RequestID:      NewRequestID(),
		InvokeDecision: &payload,
	}
}

func (Builder) CodeTask(pathID string, payload CodeTaskPayload) Effect {
	return Effect{
		Type:      TypeCodeTask,
		PathID:    pathID,
		RequestID: NewRequestID(),
		CodeTask:  &payload,
	}
}

func (Builder) Log(level LogLevel, message string) Effect {
	return Effect{
		Type: TypeLog,
		Log:  &LogPayload{Message: message, Level: level},
	}
}

func (Builder) Checkpoint(s *state.State) Effect {
	return Effect{
		Type:       TypeCheckpoint,
		Checkpoint: &CheckpointPayload{State: s},
	}
}

func (Builder) Complete(pathID string) Effect {
	return Effect{Type: TypeComplete, PathID: pathID}
}

func (Builder) PathError(pathID, reason, msg string) Effect {
	return Effect{
		Type:   TypeError,
		PathID: pathID,
		Error:  &ErrorPayload{Error: msg, Reason: reason},
	}
}
