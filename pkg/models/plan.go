package models

// Step types produced by the planner.
const (
	StepTypeLLMTask  = "llm_task"
	StepTypeToolCall = "tool_call"
)

// Output format constraints a plan step may declare.
const (
	OutputFormatJSON   = "json"
	OutputFormatTagged = "tagged"
)

// PlanStep is a single unit of work inside a plan. An llm_task step carries
// a prompt for the worker; a tool_call step carries a tool name and args.
type PlanStep struct {
	ID               string            `json:"id"`
	Type             string            `json:"type"`
	Description      string            `json:"description"`
	Prompt           string            `json:"prompt,omitempty"`
	Tool             string            `json:"tool,omitempty"`
	Args             map[string]string `json:"args,omitempty"`
	OutputVar        string            `json:"output_var,omitempty"`
	ExpectsCode      bool              `json:"expects_code,omitempty"`
	RequiresApproval bool              `json:"requires_approval,omitempty"`
	InputVars        []string          `json:"input_vars,omitempty"`
	OutputFormat     string            `json:"output_format,omitempty"`
}

// Plan is the planner's structured answer to a user request.
type Plan struct {
	PlanSummary string     `json:"plan_summary"`
	Steps       []PlanStep `json:"steps"`
}
