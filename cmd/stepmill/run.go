package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/stepmill/stepmill/internal/machine/effect"
	"github.com/stepmill/stepmill/internal/machine/engine"
	"github.com/stepmill/stepmill/internal/machine/graphio"
	"github.com/stepmill/stepmill/internal/machine/runstate"
	"github.com/stepmill/stepmill/internal/machine/state"
	"github.com/stepmill/stepmill/internal/machine/validate"
)

type runFlags struct {
	machinePath    string
	configPath     string
	checkpointPath string
	choices        map[string]string
}

func parseRunFlags(args []string) (runFlags, error) {
	f := runFlags{choices: map[string]string{}}
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--machine":
			i++
			if i >= len(args) {
				return f, fmt.Errorf("--machine requires a path")
			}
			f.machinePath = args[i]
		case "--config":
			i++
			if i >= len(args) {
				return f, fmt.Errorf("--config requires a path")
			}
			f.configPath = args[i]
		case "--checkpoint":
			i++
			if i >= len(args) {
				return f, fmt.Errorf("--checkpoint requires a path")
			}
			f.checkpointPath = args[i]
		case "--choose":
			i++
			if i >= len(args) {
				return f, fmt.Errorf("--choose requires node=target")
			}
			node, target, ok := strings.Cut(args[i], "=")
			if !ok {
				return f, fmt.Errorf("--choose requires node=target, got %q", args[i])
			}
			f.choices[strings.TrimSpace(node)] = strings.TrimSpace(target)
		default:
			return f, fmt.Errorf("unknown flag %q", args[i])
		}
	}
	return f, nil
}

func runCmd(args []string) {
	f, err := parseRunFlags(args)
	if err != nil {
		fatal(err)
	}
	if f.machinePath == "" {
		fatal(fmt.Errorf("--machine is required"))
	}
	g, err := graphio.Load(f.machinePath)
	if err != nil {
		fatal(err)
	}
	eng, err := newEngine(f.configPath)
	if err != nil {
		fatal(err)
	}
	s, err := eng.Init(g)
	if err != nil {
		fatal(err)
	}
	drive(eng, s, f)
}

func resumeCmd(args []string) {
	f, err := parseRunFlags(args)
	if err != nil {
		fatal(err)
	}
	if f.checkpointPath == "" {
		fatal(fmt.Errorf("--checkpoint is required"))
	}
	cp, err := runstate.Load(f.checkpointPath)
	if err != nil {
		fatal(err)
	}
	eng, err := newEngine(f.configPath)
	if err != nil {
		fatal(err)
	}
	drive(eng, cp.State, f)
}

func validateCmd(args []string) {
	f, err := parseRunFlags(args)
	if err != nil {
		fatal(err)
	}
	if f.machinePath == "" {
		fatal(fmt.Errorf("--machine is required"))
	}
	g, err := graphio.Load(f.machinePath)
	if err != nil {
		fatal(err)
	}
	diags := validate.Validate(g)
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(diags); err != nil {
		fatal(err)
	}
	for _, d := range diags {
		if d.Severity == validate.SeverityError {
			os.Exit(1)
		}
	}
}

func newEngine(configPath string) (*engine.Engine, error) {
	opts := engine.DefaultOptions()
	if configPath != "" {
		cfg, err := engine.LoadRunConfig(configPath)
		if err != nil {
			return nil, err
		}
		opts = cfg.Options()
	}
	eng := engine.New(opts)
	enc := json.NewEncoder(os.Stderr)
	eng.SetProgressSink(func(ev map[string]any) { _ = enc.Encode(ev) })
	return eng, nil
}

func drive(eng *engine.Engine, s *state.State, f runFlags) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	exec := &scriptedExecutor{choices: f.choices, checkpointPath: f.checkpointPath}
	res, err := eng.Execute(ctx, s, exec)
	if err != nil && res == nil {
		fatal(err)
	}

	out := map[string]any{
		"run_status": res.RunStatus,
		"state":      res.State,
	}
	if res.HaltReason != "" {
		out["halt_reason"] = res.HaltReason
	}
	if len(res.Warnings) > 0 {
		out["warnings"] = res.Warnings
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		fatal(err)
	}
	if res.RunStatus != state.RunCompleted {
		os.Exit(2)
	}
}

// scriptedExecutor services decision and code-task effects without an
// LLM or a sandbox: it follows the --choose map and otherwise takes the
// first offered transition. Code-task commands are reported, not run.
// Log effects print to stderr; checkpoint effects save to disk.
type scriptedExecutor struct {
	choices        map[string]string
	checkpointPath string
}

func (x *scriptedExecutor) Execute(_ context.Context, eff effect.Effect) (*effect.Result, error) {
	switch eff.Type {
	case effect.TypeInvokeDecision:
		payload := eff.InvokeDecision
		res := &effect.Result{
			PathID:    eff.PathID,
			RequestID: eff.RequestID,
			Type:      eff.Type,
		}
		if target, ok := x.choices[payload.Node]; ok {
			res.ChosenTarget = target
			return res, nil
		}
		if len(payload.AvailableTransitions) > 0 {
			res.ChosenTarget = payload.AvailableTransitions[0].Target
			return res, nil
		}
		return res, nil
	case effect.TypeCodeTask:
		payload := eff.CodeTask
		fmt.Fprintf(os.Stderr, "code task %s: %s (not executed)\n", payload.TaskNode, payload.Run)
		res := &effect.Result{
			PathID:    eff.PathID,
			RequestID: eff.RequestID,
			Type:      eff.Type,
		}
		if target, ok := x.choices[payload.TaskNode]; ok {
			res.ChosenTarget = target
			return res, nil
		}
		if len(payload.AvailableTransitions) > 0 {
			res.ChosenTarget = payload.AvailableTransitions[0].Target
		}
		return res, nil
	case effect.TypeLog:
		fmt.Fprintf(os.Stderr, "%s: %s\n", eff.Log.Level, eff.Log.Message)
		return nil, nil
	case effect.TypeCheckpoint:
		if x.checkpointPath == "" {
			return nil, nil
		}
		cp, err := runstate.New(eff.Checkpoint.State)
		if err != nil {
			return nil, err
		}
		codec := runstate.CodecJSON
		if strings.HasSuffix(x.checkpointPath, ".msgpack") || strings.HasSuffix(x.checkpointPath, ".bin") {
			codec = runstate.CodecMsgpack
		}
		return nil, cp.Save(x.checkpointPath, codec)
	case effect.TypeError:
		fmt.Fprintf(os.Stderr, "error: path %s: %s\n", eff.PathID, eff.Error.Error)
		return nil, nil
	default:
		return nil, nil
	}
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "stepmill:", err)
	os.Exit(1)
}
