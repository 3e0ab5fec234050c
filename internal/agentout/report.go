// Package agentout parses the structured report an agent prints when it
// finishes a task. Agents are sloppy: the document may be bare JSON, wrapped
// in a markdown fence, or carry comments and trailing commas.
package agentout

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/tidwall/jsonc"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"crewline/internal/domain"
	"crewline/internal/escalation"
)

type Status string

const (
	StatusDone    Status = "DONE"
	StatusBlocked Status = "BLOCKED"
	StatusFailed  Status = "FAILED"
)

// Report is the agent's end-of-task document.
type Report struct {
	Agent         string                   `json:"agent"`
	TaskID        string                   `json:"task_id"`
	Status        Status                   `json:"status" enum:"DONE,BLOCKED,FAILED"`
	FilesModified []string                 `json:"files_modified,omitempty"`
	FilesCreated  []string                 `json:"files_created,omitempty"`
	Decisions     []string                 `json:"decisions,omitempty"`
	Messages      []domain.OutboundMessage `json:"messages,omitempty"`
	Concerns      []string                 `json:"concerns,omitempty"`
	Blockers      []string                 `json:"blockers,omitempty"`
	TestsRun      int                      `json:"tests_run,omitempty"`
	TestsPassed   int                      `json:"tests_passed,omitempty"`
	TestsFailed   int                      `json:"tests_failed,omitempty"`
}

// Outbound is the part of the report that feeds mail routing.
func (r Report) Outbound() domain.AgentOutput {
	return domain.AgentOutput{Agent: r.Agent, TaskID: r.TaskID, Messages: r.Messages}
}

// Summary is a one-line description for task output and logs.
func (r Report) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s by %s", r.Status, r.Agent)
	if n := len(r.FilesModified) + len(r.FilesCreated); n > 0 {
		fmt.Fprintf(&b, ", %d files", n)
	}
	if r.TestsRun > 0 {
		fmt.Fprintf(&b, ", tests %d/%d passed", r.TestsPassed, r.TestsRun)
	}
	if len(r.Blockers) > 0 {
		fmt.Fprintf(&b, ", blocked on: %s", strings.Join(r.Blockers, "; "))
	}
	return b.String()
}

var (
	markdownOnce   sync.Once
	markdownParser goldmark.Markdown
)

func parser() goldmark.Markdown {
	markdownOnce.Do(func() {
		markdownParser = goldmark.New()
	})
	return markdownParser
}

// Parse extracts and validates a report from raw agent output.
func Parse(raw string) (Report, error) {
	candidates := candidates(raw)
	if len(candidates) == 0 {
		return Report{}, &domain.MalformedOutputError{Detail: "no JSON document found"}
	}
	var firstErr error
	for _, c := range candidates {
		r, err := decode(c)
		if err == nil {
			return r, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return Report{}, firstErr
}

// candidates lists the places a report may hide, most specific first:
// the whole text, then fenced code blocks from last to first, then the
// outermost braces.
func candidates(raw string) [][]byte {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil
	}
	var out [][]byte
	if strings.HasPrefix(trimmed, "{") {
		out = append(out, []byte(trimmed))
	}
	blocks := fencedBlocks([]byte(raw))
	for i := len(blocks) - 1; i >= 0; i-- {
		out = append(out, blocks[i])
	}
	if start, end := strings.Index(trimmed, "{"), strings.LastIndex(trimmed, "}"); start >= 0 && end > start {
		out = append(out, []byte(trimmed[start:end+1]))
	}
	return out
}

func fencedBlocks(source []byte) [][]byte {
	doc := parser().Parser().Parse(text.NewReader(source))
	var blocks [][]byte
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering || n.Kind() != ast.KindFencedCodeBlock {
			return ast.WalkContinue, nil
		}
		block := n.(*ast.FencedCodeBlock)
		lang := strings.ToLower(string(block.Language(source)))
		if lang != "" && lang != "json" && lang != "jsonc" && lang != "json5" {
			return ast.WalkSkipChildren, nil
		}
		var buf bytes.Buffer
		lines := block.Lines()
		for i := 0; i < lines.Len(); i++ {
			seg := lines.At(i)
			buf.Write(seg.Value(source))
		}
		if body := bytes.TrimSpace(buf.Bytes()); len(body) > 0 && body[0] == '{' {
			blocks = append(blocks, body)
		}
		return ast.WalkSkipChildren, nil
	})
	return blocks
}

func decode(doc []byte) (Report, error) {
	var r Report
	dec := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(doc)))
	if err := dec.Decode(&r); err != nil {
		return Report{}, &domain.MalformedOutputError{Detail: fmt.Sprintf("invalid JSON: %v", err)}
	}
	if err := r.normalize(); err != nil {
		return Report{}, err
	}
	return r, nil
}

func (r *Report) normalize() error {
	var problems []string
	r.Agent = strings.TrimSpace(r.Agent)
	r.TaskID = strings.TrimSpace(r.TaskID)
	r.Status = Status(strings.ToUpper(strings.TrimSpace(string(r.Status))))
	if r.Agent == "" {
		problems = append(problems, "agent is required")
	}
	if r.TaskID == "" {
		problems = append(problems, "task_id is required")
	}
	switch r.Status {
	case StatusDone, StatusBlocked, StatusFailed:
	case "":
		problems = append(problems, "status is required")
	default:
		problems = append(problems, fmt.Sprintf("status %q must be DONE, BLOCKED or FAILED", r.Status))
	}
	for i := range r.Messages {
		m := &r.Messages[i]
		m.To = strings.TrimSpace(m.To)
		m.Importance = strings.ToLower(strings.TrimSpace(m.Importance))
		if m.To == "" || strings.TrimSpace(m.Content) == "" {
			problems = append(problems, fmt.Sprintf("messages[%d] needs to and content", i))
		}
		if _, err := domain.ParseImportance(m.Importance); err != nil {
			problems = append(problems, fmt.Sprintf("messages[%d]: %v", i, err))
		}
	}
	if r.TestsRun < 0 || r.TestsPassed < 0 || r.TestsFailed < 0 {
		problems = append(problems, "test counts cannot be negative")
	}
	if len(problems) > 0 {
		return &domain.MalformedOutputError{Detail: strings.Join(problems, "; ")}
	}
	return nil
}

// ParseAttempt parses raw as attempt number under p. On failure the
// outcome says whether to re-prompt (with its hint) or escalate.
func ParseAttempt(p escalation.Policy, number int, raw string) (Report, escalation.Outcome, error) {
	r, err := Parse(raw)
	if err == nil {
		return r, p.Attempt(escalation.Context{Number: number, Succeeded: true}), nil
	}
	detail := err.Error()
	var malformed *domain.MalformedOutputError
	if errors.As(err, &malformed) {
		malformed.Attempt = number
		detail = malformed.Detail
	}
	return Report{}, p.Attempt(escalation.Context{Number: number, Detail: detail}), err
}
