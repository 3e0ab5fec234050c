// Package escalation implements bounded retry followed by escalation to a human.
//
// A Policy does not store anything. Callers persist the attempt number
// themselves (every invocation is a separate process) and hand it back in
// a Context; the Policy decides whether that attempt means success, another
// retry, or escalation.
package escalation

import (
	"fmt"
	"strings"
)

type Kind string

const (
	Retry    Kind = "retry"
	Success  Kind = "success"
	Escalate Kind = "escalate"
)

// Context describes the attempt being judged. Number is 1-based and counts
// the attempt that just finished.
type Context struct {
	Number    int
	Succeeded bool
	Detail    string
}

type Outcome struct {
	Kind    Kind   `json:"outcome"`
	Attempt int    `json:"attempt"`
	Hint    string `json:"hint,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

func (o Outcome) Escalated() bool { return o.Kind == Escalate }

// Policy bounds how many failed attempts are tolerated.
type Policy struct {
	Name  string
	Bound int
	// Hints[i] is handed to attempt i+2. The last hint repeats when attempts
	// outnumber hints. "{detail}" is replaced by the failure detail.
	Hints []string
}

// Attempt judges one finished attempt.
func (p Policy) Attempt(c Context) Outcome {
	n := c.Number
	if n < 1 {
		n = 1
	}
	if c.Succeeded {
		return Outcome{Kind: Success, Attempt: n}
	}
	bound := p.Bound
	if bound < 1 {
		bound = 1
	}
	if n >= bound {
		reason := fmt.Sprintf("%s: %d of %d attempts failed", p.Name, n, bound)
		if c.Detail != "" {
			reason += ": " + c.Detail
		}
		return Outcome{Kind: Escalate, Attempt: n, Reason: reason}
	}
	return Outcome{Kind: Retry, Attempt: n, Hint: p.hint(n+1, c.Detail)}
}

func (p Policy) hint(next int, detail string) string {
	if len(p.Hints) == 0 {
		return ""
	}
	i := next - 2
	if i < 0 {
		i = 0
	}
	if i >= len(p.Hints) {
		i = len(p.Hints) - 1
	}
	return strings.ReplaceAll(p.Hints[i], "{detail}", detail)
}

// ParsePolicy covers malformed agent reports. Hints sharpen from attempt 2.
func ParsePolicy(bound int) Policy {
	return Policy{
		Name:  "report parsing",
		Bound: bound,
		Hints: []string{
			"Your previous report could not be read ({detail}). Reply with one JSON object with the fields agent, task_id and status (DONE, BLOCKED or FAILED).",
			"Final attempt before a human is paged. The report was rejected again ({detail}). Output only a single ```json fenced block containing the report object and nothing else.",
		},
	}
}

// DebatePolicy covers PM debate rounds over a spec.
func DebatePolicy(bound int) Policy {
	return Policy{
		Name:  "spec debate",
		Bound: bound,
		Hints: []string{"Perspectives did not converge ({detail}). Run one more round focused on the open disagreements."},
	}
}

// BugCyclePolicy covers a bug's fix, verify, reopen loop.
func BugCyclePolicy(bound int) Policy {
	return Policy{
		Name:  "bug fix cycle",
		Bound: bound,
		Hints: []string{"Verification failed ({detail}). Reproduce the failure before changing code again."},
	}
}

// TaskPolicy covers task execution attempts.
func TaskPolicy(maxAttempts int) Policy {
	return Policy{Name: "task execution", Bound: maxAttempts}
}
