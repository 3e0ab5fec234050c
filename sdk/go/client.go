package crewlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal crewline HTTP API client.
type Client struct {
	BaseURL     string
	ProjectID   string
	BearerToken string
	// ActorID is sent as X-Actor-Id when no token is set.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Timeout:   10 * time.Second,
	}
}

// Decision is a gate answer.
type Decision struct {
	Decision string `json:"decision"`
	Reason   string `json:"reason"`
	Gate     string `json:"gate,omitempty"`
}

func (d Decision) Allowed() bool { return d.Decision == "allow" }

// GateState represents the project's lifecycle position (partial).
type GateState struct {
	Goal         string `json:"goal"`
	Phase        string `json:"phase"`
	Tier         string `json:"tier"`
	SpecApproved bool   `json:"spec_approved"`
	SpecName     string `json:"spec_name"`
}

// Task represents one node of an orchestration's task graph (partial).
type Task struct {
	ID           string   `json:"id"`
	Description  string   `json:"description,omitempty"`
	Role         string   `json:"agent_role,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
	Wave         int      `json:"wave,omitempty"`
	Status       string   `json:"status,omitempty"`
	Attempts     int      `json:"attempts,omitempty"`
	MaxAttempts  int      `json:"max_attempts,omitempty"`
}

// Orchestration represents one spec's run (partial).
type Orchestration struct {
	ID           string `json:"id"`
	ProjectID    string `json:"project_id"`
	SpecName     string `json:"spec_name"`
	Status       string `json:"status"`
	HITLRequired bool   `json:"hitl_required"`
	HITLReason   string `json:"hitl_reason,omitempty"`
	ThreadID     string `json:"thread_id,omitempty"`
}

// Wave is the batch of tasks ready for dispatch.
type Wave struct {
	OrchestrationID string `json:"orchestration_id"`
	Number          int    `json:"wave"`
	Tasks           []Task `json:"tasks"`
	Done            bool   `json:"done"`
}

// ReportResult says what a submitted report did (partial).
type ReportResult struct {
	Accepted          bool   `json:"accepted"`
	Hint              string `json:"hint,omitempty"`
	Error             string `json:"error,omitempty"`
	Task              Task   `json:"task"`
	HITLRequired      bool   `json:"hitl_required"`
	Routed            int    `json:"routed"`
	OrchestrationDone bool   `json:"orchestration_done"`
}

// Message represents a mail message (partial).
type Message struct {
	ID         string `json:"id"`
	ThreadID   string `json:"thread_id"`
	From       string `json:"from_agent"`
	To         string `json:"to_agent"`
	Subject    string `json:"subject,omitempty"`
	Body       string `json:"body"`
	Importance string `json:"importance"`
	Status     string `json:"status"`
	TaskID     string `json:"task_id,omitempty"`
	CreatedAt  string `json:"created_at"`
}

// Bug represents a filed defect (partial).
type Bug struct {
	ID              string `json:"id"`
	OrchestrationID string `json:"orchestration_id"`
	TaskID          string `json:"task_id,omitempty"`
	Title           string `json:"title"`
	Severity        string `json:"severity"`
	Status          string `json:"status"`
	Cycle           int    `json:"cycle"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses. Code is the envelope's error code when
// the body carried one.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s body=%s", e.StatusCode, e.Code, e.Body)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// GateCheck asks whether a tool call may proceed. A block is a normal answer.
func (c *Client) GateCheck(ctx context.Context, toolName, target string, toolInput map[string]any) (Decision, error) {
	body := map[string]any{"tool_name": toolName}
	if target != "" {
		body["target"] = target
	}
	if toolInput != nil {
		body["tool_input"] = toolInput
	}
	var resp Decision
	err := c.do(ctx, http.MethodPost, c.projectPath("gate/check"), body, &resp)
	return resp, err
}

// GateState returns the current lifecycle state.
func (c *Client) GateState(ctx context.Context) (GateState, error) {
	var resp GateState
	err := c.do(ctx, http.MethodGet, c.projectPath("gate"), nil, &resp)
	return resp, err
}

// SetGoal starts a goal. An empty tier asks the server to detect it.
func (c *Client) SetGoal(ctx context.Context, goal, tier string) (Decision, error) {
	body := map[string]any{"goal": goal}
	if tier != "" {
		body["tier"] = tier
	}
	var resp Decision
	err := c.do(ctx, http.MethodPost, c.projectPath("gate/goal"), body, &resp)
	return resp, err
}

// AdvancePhase moves the lifecycle one step forward.
func (c *Client) AdvancePhase(ctx context.Context, phase string) (Decision, error) {
	var resp Decision
	err := c.do(ctx, http.MethodPost, c.projectPath("gate/phase"), map[string]any{"phase": phase}, &resp)
	return resp, err
}

// ApproveSpec records approval of a spec for the active goal.
func (c *Client) ApproveSpec(ctx context.Context, spec string) (Decision, error) {
	var resp Decision
	err := c.do(ctx, http.MethodPost, c.projectPath("gate/approve"), map[string]any{"spec": spec}, &resp)
	return resp, err
}

// StartOrchestration starts a run over an approved spec.
func (c *Client) StartOrchestration(ctx context.Context, specName string, tasks []Task) (Orchestration, error) {
	body := map[string]any{"spec_name": specName, "tasks": tasks}
	var resp Orchestration
	err := c.do(ctx, http.MethodPost, c.projectPath("orchestrations"), body, &resp)
	return resp, err
}

// Orchestration fetches one run.
func (c *Client) Orchestration(ctx context.Context, id string) (Orchestration, error) {
	var resp Orchestration
	err := c.do(ctx, http.MethodGet, c.projectPath("orchestrations/"+url.PathEscape(id)), nil, &resp)
	return resp, err
}

// NextWave returns the tasks ready to dispatch.
func (c *Client) NextWave(ctx context.Context, orchestrationID string) (Wave, error) {
	var resp Wave
	endpoint := c.projectPath(fmt.Sprintf("orchestrations/%s/waves/next", url.PathEscape(orchestrationID)))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// StartTask marks a ready task as dispatched.
func (c *Client) StartTask(ctx context.Context, orchestrationID, taskID string) (Task, error) {
	var resp Task
	endpoint := c.projectPath(fmt.Sprintf("orchestrations/%s/tasks/%s/start", url.PathEscape(orchestrationID), url.PathEscape(taskID)))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// SubmitReport sends an agent's raw output for a task.
func (c *Client) SubmitReport(ctx context.Context, orchestrationID, taskID, raw string) (ReportResult, error) {
	var resp ReportResult
	endpoint := c.projectPath(fmt.Sprintf("orchestrations/%s/tasks/%s/report", url.PathEscape(orchestrationID), url.PathEscape(taskID)))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"raw": raw}, &resp)
	return resp, err
}

// Inbox lists messages for agent. status may be empty.
func (c *Client) Inbox(ctx context.Context, agent, status string, limit int) ([]Message, error) {
	q := url.Values{}
	q.Set("agent", agent)
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	var resp []Message
	err := c.do(ctx, http.MethodGet, c.projectPath("mail/inbox?"+q.Encode()), nil, &resp)
	return resp, err
}

// SendMessage posts into a thread.
func (c *Client) SendMessage(ctx context.Context, threadID, from, to, body, importance string) (Message, error) {
	req := map[string]any{"thread_id": threadID, "from": from, "to": to, "body": body}
	if importance != "" {
		req["importance"] = importance
	}
	var resp Message
	err := c.do(ctx, http.MethodPost, c.projectPath("mail/messages"), req, &resp)
	return resp, err
}

// MarkMessage moves a message to status.
func (c *Client) MarkMessage(ctx context.Context, messageID, status, assignee string) (Message, error) {
	req := map[string]any{"status": status}
	if assignee != "" {
		req["assignee"] = assignee
	}
	var resp Message
	endpoint := c.projectPath(fmt.Sprintf("mail/messages/%s/status", url.PathEscape(messageID)))
	err := c.do(ctx, http.MethodPost, endpoint, req, &resp)
	return resp, err
}

// Bugs lists bugs, optionally for one orchestration.
func (c *Client) Bugs(ctx context.Context, orchestrationID string) ([]Bug, error) {
	endpoint := c.projectPath("bugs")
	if orchestrationID != "" {
		endpoint += "?orchestration_id=" + url.QueryEscape(orchestrationID)
	}
	var resp []Bug
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ResolveHITL clears escalations. An empty orchestrationID resolves
// project-level ones.
func (c *Client) ResolveHITL(ctx context.Context, orchestrationID, resolution string) (int, error) {
	var resp struct {
		Resolved int `json:"resolved"`
	}
	body := map[string]any{"resolution": resolution}
	if orchestrationID != "" {
		body["orchestration_id"] = orchestrationID
	}
	err := c.do(ctx, http.MethodPost, c.projectPath("hitl/resolve"), body, &resp)
	return resp.Resolved, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := c.projectPath("events")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	return fmt.Sprintf("v0/projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
