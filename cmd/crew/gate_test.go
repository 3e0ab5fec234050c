package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/spf13/viper"

	"crewline/internal/gate"
)

func runHook(t *testing.T, input string, check checkFunc) (gate.HookResult, error) {
	t.Helper()
	var out bytes.Buffer
	err := hookCheck(context.Background(), strings.NewReader(input), &out, check)
	var res gate.HookResult
	if jerr := json.Unmarshal(out.Bytes(), &res); jerr != nil {
		t.Fatalf("hook output is not a decision: %v (%q)", jerr, out.String())
	}
	return res, err
}

func exitCode(err error) int {
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	if err != nil {
		return 1
	}
	return 0
}

func TestHookBlocksMalformedInput(t *testing.T) {
	called := false
	check := func(context.Context, gate.HookInput) (gate.Decision, error) {
		called = true
		return gate.Decision{Allowed: true}, nil
	}
	for _, input := range []string{"", "{not json", `{"target": "src/main.go"}`, `{"tool_name": "  "}`} {
		res, err := runHook(t, input, check)
		if code := exitCode(err); code != 2 {
			t.Fatalf("input %q: exit %d, want 2", input, code)
		}
		if res.Decision != "block" || res.Gate != gate.GateInternal {
			t.Fatalf("input %q: got %+v", input, res)
		}
		if !strings.Contains(res.Reason, "invalid gate check input") {
			t.Fatalf("input %q: reason %q", input, res.Reason)
		}
	}
	if called {
		t.Fatal("malformed input must not reach the gate")
	}
}

func TestHookBlocksWhenCheckFails(t *testing.T) {
	res, err := runHook(t, `{"tool_name": "Write", "target": "src/main.go"}`, func(context.Context, gate.HookInput) (gate.Decision, error) {
		return gate.Decision{}, errors.New("database is locked")
	})
	if exitCode(err) != 2 {
		t.Fatalf("exit %d, want 2", exitCode(err))
	}
	if res.Decision != "block" || res.Gate != gate.GateInternal || !strings.Contains(res.Reason, "database is locked") {
		t.Fatalf("got %+v", res)
	}
}

func TestHookBlocksWithoutProject(t *testing.T) {
	viper.Set("workspace", t.TempDir())
	t.Cleanup(viper.Reset)
	res, err := runHook(t, `{"tool_name": "Write", "tool_input": {"file_path": "src/main.go"}}`, engineCheck)
	if exitCode(err) != 2 {
		t.Fatalf("exit %d, want 2", exitCode(err))
	}
	if res.Decision != "block" || res.Gate != gate.GateInternal || !strings.Contains(res.Reason, "no project") {
		t.Fatalf("got %+v", res)
	}
}

func TestHookPassesDecisionThrough(t *testing.T) {
	var seen gate.HookInput
	allow := func(_ context.Context, in gate.HookInput) (gate.Decision, error) {
		seen = in
		return gate.Decision{Allowed: true, Reason: "implementation is open"}, nil
	}
	res, err := runHook(t, `{"tool_name": "Edit", "tool_input": {"file_path": "src/app.go"}}`, allow)
	if err != nil || res.Decision != "allow" {
		t.Fatalf("got %+v, %v", res, err)
	}
	if seen.ToolName != "Edit" || seen.ResolveTarget() != "src/app.go" {
		t.Fatalf("check saw %+v", seen)
	}

	res, err = runHook(t, `{"tool_name": "Write", "target": "src/app.go"}`, func(context.Context, gate.HookInput) (gate.Decision, error) {
		return gate.Decision{Gate: gate.GateGoal, Reason: "no active goal"}, nil
	})
	if exitCode(err) != 2 || res.Decision != "block" || res.Gate != gate.GateGoal {
		t.Fatalf("got %+v, %v", res, err)
	}
}
