package cond

import (
	"errors"
	"testing"
)

func TestEvaluate(t *testing.T) {
	ctx := map[string]any{
		"outcome":       "success",
		"retry_count":   float64(2),
		"score":         "3.5",
		"approved":      true,
		"rejected":      false,
		"task.status":   "done",
		"empty":         "",
		"flag_no":       "no",
		"machine.model": "gpt",
	}

	tests := []struct {
		expr string
		want bool
	}{
		{"", true},
		{"   ", true},
		{"outcome == 'success'", true},
		{"outcome == \"failure\"", false},
		{"outcome != 'failure'", true},
		{"retry_count > 1", true},
		{"retry_count > 2", false},
		{"retry_count >= 2", true},
		{"retry_count < 5", true},
		{"retry_count <= 1", false},
		{"score >= 3", true},
		{"score == 3.5", true},
		{"approved", true},
		{"rejected", false},
		{"missing_key", false},
		{"missing_key == ''", true},
		{"empty", false},
		{"flag_no", false},
		{"task.status == 'done'", true},
		{"machine.model == 'gpt'", true},
		{"!rejected", true},
		{"!approved", false},
		{"!(outcome == 'success')", false},
		{"approved && outcome == 'success'", true},
		{"approved && rejected", false},
		{"rejected || approved", true},
		{"rejected || empty", false},
		{"(rejected || approved) && retry_count > 1", true},
		{"outcome == 'success' || crash", true},
		{"true", true},
		{"false", false},
		{"true && false", false},
		{"1 == 1", true},
		{"'a' < 'b'", true},
	}
	for _, tt := range tests {
		got, err := Evaluate(tt.expr, ctx)
		if err != nil {
			t.Fatalf("Evaluate(%q) error: %v", tt.expr, err)
		}
		if got != tt.want {
			t.Fatalf("Evaluate(%q) = %v, want %v", tt.expr, got, tt.want)
		}
	}
}

func TestEvaluateMalformed(t *testing.T) {
	malformed := []string{
		"outcome ==",
		"== 'x'",
		"(outcome == 'x'",
		"outcome == 'unterminated",
		"a && ",
		"a @ b",
	}
	for _, expr := range malformed {
		got, err := Evaluate(expr, map[string]any{"outcome": "x"})
		if err == nil {
			t.Fatalf("Evaluate(%q): expected error, got %v", expr, got)
		}
		var evalErr *EvalError
		if !errors.As(err, &evalErr) {
			t.Fatalf("Evaluate(%q): error %v is not an EvalError", expr, err)
		}
		if got {
			t.Fatalf("Evaluate(%q): malformed condition must evaluate false", expr)
		}
	}
}

func TestEvaluateUnless(t *testing.T) {
	ctx := map[string]any{"outcome": "fail"}
	got, err := EvaluateUnless("outcome == 'fail'", ctx)
	if err != nil {
		t.Fatalf("EvaluateUnless error: %v", err)
	}
	if got {
		t.Fatalf("unless matching condition should be false")
	}
	got, err = EvaluateUnless("outcome == 'success'", ctx)
	if err != nil {
		t.Fatalf("EvaluateUnless error: %v", err)
	}
	if !got {
		t.Fatalf("unless non-matching condition should be true")
	}
	got, err = EvaluateUnless("", ctx)
	if err != nil || !got {
		t.Fatalf("empty unless should be true, nil; got %v, %v", got, err)
	}
}

func TestIsSimple(t *testing.T) {
	tests := []struct {
		expr string
		want bool
	}{
		{"", true},
		{"outcome == 'success'", true},
		{"retry_count > 2 && approved", true},
		{"task.status == 'done'", true},
		{"tool.result == 'ok'", false},
		{"api_response == '200'", false},
		{"invoke", false},
		{"fetch_status == 'ok'", false},
		{"last_call == 'done'", false},
		{"llm.verdict == 'yes'", false},
		{"agent_said == 'go'", false},
		// Vocabulary words embedded inside a larger ident do not count.
		{"recall == 'x'", true},
		{"apiary == 'x'", true},
		{"toolbox_size > 3", true},
	}
	for _, tt := range tests {
		if got := IsSimple(tt.expr); got != tt.want {
			t.Fatalf("IsSimple(%q) = %v, want %v", tt.expr, got, tt.want)
		}
	}
}
