package gate

import (
	"encoding/json"
	"fmt"
	"strings"
)

// HookInput is the gate check request. Agent hooks send either the flat
// form {tool_name, target} or the tool call itself with tool_input.
type HookInput struct {
	ToolName  string         `json:"tool_name"`
	Target    string         `json:"target,omitempty"`
	ToolInput map[string]any `json:"tool_input,omitempty"`
}

// HookResult is what a hook prints back.
type HookResult struct {
	Decision string `json:"decision"`
	Reason   string `json:"reason"`
	Gate     string `json:"gate,omitempty"`
}

var targetKeys = []string{"file_path", "path", "notebook_path", "command", "subagent_type", "agent", "role"}

func ParseHookInput(data []byte) (HookInput, error) {
	var in HookInput
	if err := json.Unmarshal(data, &in); err != nil {
		return in, fmt.Errorf("invalid gate check input: %w", err)
	}
	if strings.TrimSpace(in.ToolName) == "" {
		return in, fmt.Errorf("invalid gate check input: tool_name is required")
	}
	return in, nil
}

// ResolveTarget returns the explicit target, or the first known field of tool_input.
func (in HookInput) ResolveTarget() string {
	if in.Target != "" {
		return in.Target
	}
	for _, key := range targetKeys {
		if v, ok := in.ToolInput[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func (d Decision) HookResult() HookResult {
	return HookResult{Decision: d.Verdict(), Reason: d.Reason, Gate: d.Gate}
}
