package models

// Terminal task and step statuses.
const (
	StatusSuccess          = "success"
	StatusBlocked          = "blocked"
	StatusRefused          = "refused"
	StatusDenied           = "denied"
	StatusAwaitingApproval = "awaiting_approval"
	StatusTimeout          = "timeout"
	StatusError            = "error"
)

// StepResult records the outcome of one plan step.
//
// The verbose fields expose defence internals (resolved prompts, raw worker
// output) and are only populated when verbose results are enabled. Never
// enable that in production.
type StepResult struct {
	StepID         string                `json:"step_id"`
	Status         string                `json:"status"`
	DataID         string                `json:"data_id,omitempty"`
	Content        string                `json:"content,omitempty"`
	Error          string                `json:"error,omitempty"`
	ScanResults    map[string]ScanResult `json:"scan_results,omitempty"`
	PlannerPrompt  string                `json:"planner_prompt,omitempty"`
	ResolvedPrompt string                `json:"resolved_prompt,omitempty"`
	WorkerResponse string                `json:"worker_response,omitempty"`
}

// ConversationInfo summarizes the analyzer's verdict for a turn.
type ConversationInfo struct {
	SessionID  string   `json:"session_id"`
	TurnNumber int      `json:"turn_number"`
	RiskScore  float64  `json:"risk_score"`
	Action     string   `json:"action"`
	Warnings   []string `json:"warnings,omitempty"`
}

// TaskResult is the machine-parseable terminal response for a task.
type TaskResult struct {
	TaskID       string            `json:"task_id"`
	Status       string            `json:"status"`
	PlanSummary  string            `json:"plan_summary,omitempty"`
	StepResults  []StepResult      `json:"step_results,omitempty"`
	Reason       string            `json:"reason,omitempty"`
	ApprovalID   string            `json:"approval_id,omitempty"`
	Conversation *ConversationInfo `json:"conversation,omitempty"`
}
