package domain

type Project struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type TaskStatus string

const (
	TaskPending  TaskStatus = "pending"
	TaskActive   TaskStatus = "active"
	TaskComplete TaskStatus = "complete"
	TaskFailed   TaskStatus = "failed"
)

// DefaultMaxAttempts bounds task retries when the decomposition does not say otherwise.
const DefaultMaxAttempts = 3

type Task struct {
	ID           string     `json:"id"`
	Description  string     `json:"description"`
	Role         Role       `json:"agent_role"`
	Dependencies []string   `json:"dependencies"`
	Status       TaskStatus `json:"status" enum:"pending,active,complete,failed"`
	Wave         int        `json:"wave"`
	Attempts     int        `json:"attempts"`
	MaxAttempts  int        `json:"max_attempts"`
	FileScope    []string   `json:"file_scope,omitempty"`
	Output       string     `json:"output,omitempty"`
}

// GraphDoc is the durable form of a task graph. Tasks keep insertion order.
type GraphDoc struct {
	SpecName string `json:"spec_name"`
	SpecPath string `json:"spec_path,omitempty"`
	Tasks    []Task `json:"tasks"`
}

type OrchestrationStatus string

const (
	OrchestrationActive   OrchestrationStatus = "active"
	OrchestrationComplete OrchestrationStatus = "complete"
)

type Orchestration struct {
	ID           string              `json:"id"`
	ProjectID    string              `json:"project_id"`
	SpecName     string              `json:"spec_name"`
	SpecPath     string              `json:"spec_path,omitempty"`
	Graph        GraphDoc            `json:"graph"`
	Status       OrchestrationStatus `json:"status" enum:"active,complete"`
	CurrentWave  int                 `json:"current_wave"`
	Bugs         map[string]Bug      `json:"bugs"`
	HITLRequired bool                `json:"hitl_required"`
	HITLReason   string              `json:"hitl_reason,omitempty"`
	ThreadID     string              `json:"thread_id,omitempty"`
	CreatedAt    string              `json:"created_at" format:"date-time"`
	UpdatedAt    string              `json:"updated_at" format:"date-time"`
}

type BugStatus string

const (
	BugOpen      BugStatus = "open"
	BugFixing    BugStatus = "fixing"
	BugVerifying BugStatus = "verifying"
	BugClosed    BugStatus = "closed"
	BugHITL      BugStatus = "hitl"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var validSeverities = map[Severity]bool{
	SeverityLow: true, SeverityMedium: true, SeverityHigh: true, SeverityCritical: true,
}

// ParseSeverity validates a severity, defaulting empty input to medium.
func ParseSeverity(s string) (Severity, error) {
	if s == "" {
		return SeverityMedium, nil
	}
	if !validSeverities[Severity(s)] {
		return "", &InvariantError{Reason: "unknown bug severity " + s}
	}
	return Severity(s), nil
}

// DefaultMaxCycles bounds fix/verify/reopen cycles per bug.
const DefaultMaxCycles = 3

type Bug struct {
	ID              string    `json:"id"`
	ProjectID       string    `json:"project_id"`
	OrchestrationID string    `json:"orchestration_id"`
	TaskID          string    `json:"task_id,omitempty"`
	Title           string    `json:"title"`
	Description     string    `json:"description,omitempty"`
	FoundBy         string    `json:"found_by"`
	Severity        Severity  `json:"severity" enum:"low,medium,high,critical"`
	Status          BugStatus `json:"status" enum:"open,fixing,verifying,closed,hitl"`
	Cycle           int       `json:"cycle"`
	MaxCycles       int       `json:"max_cycles"`
	AssignedTo      string    `json:"assigned_to,omitempty"`
	Resolution      string    `json:"resolution,omitempty"`
	CreatedAt       string    `json:"created_at" format:"date-time"`
	UpdatedAt       string    `json:"updated_at" format:"date-time"`
}

type HITLKind string

const (
	HITLParse  HITLKind = "parse"
	HITLDebate HITLKind = "debate"
	HITLBug    HITLKind = "bug"
	HITLTask   HITLKind = "task"
)

type HITLRecord struct {
	ID              string   `json:"id"`
	ProjectID       string   `json:"project_id"`
	OrchestrationID string   `json:"orchestration_id,omitempty"`
	Kind            HITLKind `json:"kind" enum:"parse,debate,bug,task"`
	Subject         string   `json:"subject"`
	Reason          string   `json:"reason"`
	Status          string   `json:"status" enum:"open,resolved"`
	Resolution      string   `json:"resolution,omitempty"`
	CreatedAt       string   `json:"created_at" format:"date-time"`
	ResolvedAt      string   `json:"resolved_at,omitempty"`
}

type DebateRound struct {
	ProjectID string `json:"project_id"`
	SpecName  string `json:"spec_name"`
	Round     int    `json:"round"`
	Converged bool   `json:"converged"`
	Summary   string `json:"summary,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
