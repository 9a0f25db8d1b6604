package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/CherryPod/sentinel-sub001/pkg/approval"
	"github.com/CherryPod/sentinel-sub001/pkg/bus"
	"github.com/CherryPod/sentinel-sub001/pkg/conversation"
	"github.com/CherryPod/sentinel-sub001/pkg/models"
	"github.com/CherryPod/sentinel-sub001/pkg/planner"
	"github.com/CherryPod/sentinel-sub001/pkg/provenance"
	"github.com/CherryPod/sentinel-sub001/pkg/security"
	"github.com/CherryPod/sentinel-sub001/pkg/session"
	"github.com/CherryPod/sentinel-sub001/pkg/tools"
)

// Approval modes.
const (
	ApprovalFull  = "full"  // every plan parks for approval
	ApprovalSmart = "smart" // plans with privileged steps park
	ApprovalAuto  = "auto"  // nothing parks
)

// Planner produces plans from task text and conversation metadata.
type Planner interface {
	CreatePlan(ctx context.Context, task string, history []session.ConversationTurn) (*models.Plan, error)
}

// Pipeline wraps worker calls in the scan chain.
type Pipeline interface {
	ScanInput(ctx context.Context, text string) security.PipelineScanResult
	ProcessWithWorker(ctx context.Context, req security.ProcessRequest) (*models.TaggedData, error)
}

// ToolExecutor runs tool calls after the trust gate.
type ToolExecutor interface {
	Execute(ctx context.Context, tool string, args map[string]string, parentIDs []string) (*models.TaggedData, error)
}

// MemoryWriter receives best-effort task summaries.
type MemoryWriter interface {
	Store(ctx context.Context, content string, metadata map[string]string) (string, error)
}

// ApprovalPolicy decides whether a tool always needs approval.
type ApprovalPolicy interface {
	RequiresApproval(tool string) bool
}

// Config tunes orchestrator behaviour.
type Config struct {
	// Default approval mode when the request does not set one.
	ApprovalMode string

	// Persist one-line summaries of successful tasks.
	AutoMemory bool

	// Include resolved prompts and raw worker responses in step results.
	// Debug aid only.
	VerboseResults bool

	// Fail closed when the code scanner is unavailable.
	CodeShieldRequired bool
}

// TaskRequest is one unit of work entering the orchestrator.
type TaskRequest struct {
	UserRequest  string
	Source       string
	SourceKey    string
	ApprovalMode string
	TaskID       string
}

// Orchestrator drives the conversation gate, planning, approval, and step
// execution for each task.
type Orchestrator struct {
	sessions  *session.Store
	analyzer  *conversation.Analyzer
	pipeline  Pipeline
	planner   Planner
	tools     ToolExecutor
	approvals *approval.Manager
	prov      *provenance.Store
	bus       *bus.EventBus
	memory    MemoryWriter
	shield    security.CodeShield
	policy    ApprovalPolicy
	cfg       Config
	logger    *slog.Logger
}

// New wires the orchestrator. memory and shield may be nil.
func New(
	sessions *session.Store,
	analyzer *conversation.Analyzer,
	pipeline Pipeline,
	plannerClient Planner,
	toolExec ToolExecutor,
	approvals *approval.Manager,
	prov *provenance.Store,
	eventBus *bus.EventBus,
	memory MemoryWriter,
	shield security.CodeShield,
	policy ApprovalPolicy,
	cfg Config,
	logger *slog.Logger,
) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ApprovalMode == "" {
		cfg.ApprovalMode = ApprovalSmart
	}
	return &Orchestrator{
		sessions:  sessions,
		analyzer:  analyzer,
		pipeline:  pipeline,
		planner:   plannerClient,
		tools:     toolExec,
		approvals: approvals,
		prov:      prov,
		bus:       eventBus,
		memory:    memory,
		shield:    shield,
		policy:    policy,
		cfg:       cfg,
		logger:    logger.With("component", "orchestrator"),
	}
}

// HandleTask runs one task end to end and returns its terminal result (or
// awaiting_approval when the plan parked).
func (o *Orchestrator) HandleTask(ctx context.Context, req TaskRequest) *models.TaskResult {
	taskID := req.TaskID
	if taskID == "" {
		taskID = uuid.New().String()
	}
	mode := req.ApprovalMode
	if mode == "" {
		mode = o.cfg.ApprovalMode
	}
	log := o.logger.With("task_id", taskID, "source", req.Source)

	// Conversation gate.
	sess := o.sessions.GetOrCreate(req.SourceKey, req.Source)
	if sess.IsLocked {
		log.Warn("request from locked session rejected", "session_id", sess.SessionID)
		o.appendTurn(sess, req.UserRequest, models.StatusBlocked, []string{"session_locked"}, sess.CumulativeRisk, "")
		return &models.TaskResult{
			TaskID: taskID,
			Status: models.StatusBlocked,
			Reason: "session is locked due to repeated policy violations",
		}
	}

	analysis := o.analyzer.Analyze(sess, req.UserRequest)
	convInfo := &models.ConversationInfo{
		SessionID:  sess.SessionID,
		TurnNumber: len(sess.Turns) + 1,
		RiskScore:  analysis.TotalScore,
		Action:     analysis.Action,
		Warnings:   analysis.Warnings,
	}
	o.sessions.RaiseRisk(sess, analysis.TotalScore)
	if analysis.Action == conversation.ActionBlock {
		o.sessions.Lock(sess)
		o.appendTurn(sess, req.UserRequest, models.StatusBlocked, ruleNames(analysis.RuleScores), analysis.TotalScore, "")
		return &models.TaskResult{
			TaskID:       taskID,
			Status:       models.StatusBlocked,
			Reason:       "conversation analysis blocked the request",
			Conversation: convInfo,
		}
	}

	// Input scan.
	inputScan := o.pipeline.ScanInput(ctx, req.UserRequest)
	if !inputScan.IsClean() {
		names := scannerNames(inputScan.Violations())
		o.appendTurn(sess, req.UserRequest, models.StatusBlocked, names, analysis.TotalScore, "")
		return &models.TaskResult{
			TaskID:       taskID,
			Status:       models.StatusBlocked,
			Reason:       "input blocked by security scan: " + strings.Join(names, ", "),
			Conversation: convInfo,
		}
	}

	o.bus.Publish(ctx, "task."+taskID+".started", map[string]any{
		"task_id": taskID,
		"source":  req.Source,
	})

	// Plan.
	plan, err := o.planner.CreatePlan(ctx, req.UserRequest, sess.Clone().Turns)
	if err != nil {
		var refusal *planner.ErrRefusal
		if errors.As(err, &refusal) {
			o.appendTurn(sess, req.UserRequest, models.StatusRefused, nil, analysis.TotalScore, "")
			o.bus.Publish(ctx, "task."+taskID+".completed", map[string]any{"task_id": taskID, "status": models.StatusRefused})
			return &models.TaskResult{
				TaskID:       taskID,
				Status:       models.StatusRefused,
				Reason:       refusal.Reason,
				Conversation: convInfo,
			}
		}
		log.Error("planning failed", "error", err)
		o.appendTurn(sess, req.UserRequest, models.StatusError, nil, analysis.TotalScore, "")
		o.bus.Publish(ctx, "task."+taskID+".completed", map[string]any{"task_id": taskID, "status": models.StatusError})
		return &models.TaskResult{
			TaskID:       taskID,
			Status:       models.StatusError,
			Reason:       "planning failed: " + err.Error(),
			Conversation: convInfo,
		}
	}

	o.bus.Publish(ctx, "task."+taskID+".planned", map[string]any{
		"task_id":      taskID,
		"plan_summary": plan.PlanSummary,
		"step_count":   len(plan.Steps),
	})

	// Approval park.
	if o.needsApproval(mode, plan) {
		approvalID := o.approvals.Request(plan, req.SourceKey, req.UserRequest)
		o.bus.Publish(ctx, "task."+taskID+".approval_requested", map[string]any{
			"task_id":      taskID,
			"approval_id":  approvalID,
			"plan_summary": plan.PlanSummary,
		})
		return &models.TaskResult{
			TaskID:       taskID,
			Status:       models.StatusAwaitingApproval,
			PlanSummary:  plan.PlanSummary,
			ApprovalID:   approvalID,
			Conversation: convInfo,
		}
	}

	return o.runPlan(ctx, taskID, plan, sess, req.UserRequest, analysis.TotalScore, convInfo)
}

// ExecuteApprovedPlan resumes a parked plan. The execution context is
// rebuilt from scratch; nothing survives from before the park.
func (o *Orchestrator) ExecuteApprovedPlan(ctx context.Context, approvalID string) *models.TaskResult {
	taskID := uuid.New().String()

	pending := o.approvals.GetPending(approvalID)
	if pending == nil {
		return &models.TaskResult{TaskID: taskID, Status: models.StatusError, Reason: "unknown approval id"}
	}
	switch pending.Status {
	case approval.StatusApproved:
	case approval.StatusDenied:
		return &models.TaskResult{TaskID: taskID, Status: models.StatusDenied, Reason: pending.Reason}
	case approval.StatusExpired:
		return &models.TaskResult{TaskID: taskID, Status: models.StatusTimeout, Reason: "approval expired"}
	default:
		return &models.TaskResult{TaskID: taskID, Status: models.StatusAwaitingApproval, Reason: "approval still pending"}
	}

	sess := o.sessions.GetOrCreate(pending.SourceKey, "approval")
	o.bus.Publish(ctx, "task."+taskID+".started", map[string]any{"task_id": taskID, "approval_id": approvalID})
	return o.runPlan(ctx, taskID, pending.Plan, sess, pending.UserRequest, sess.CumulativeRisk, nil)
}

func (o *Orchestrator) needsApproval(mode string, plan *models.Plan) bool {
	switch mode {
	case ApprovalFull:
		return true
	case ApprovalAuto:
		return false
	default: // smart
		for _, step := range plan.Steps {
			if step.RequiresApproval {
				return true
			}
			if step.Type == models.StepTypeToolCall && o.policy != nil && o.policy.RequiresApproval(step.Tool) {
				return true
			}
		}
		return false
	}
}

func (o *Orchestrator) runPlan(ctx context.Context, taskID string, plan *models.Plan, sess *session.Session, userRequest string, riskScore float64, convInfo *models.ConversationInfo) *models.TaskResult {
	ectx := NewExecutionContext()
	status := models.StatusSuccess
	reason := ""
	var stepResults []models.StepResult
	var blockedBy []string

	for i := range plan.Steps {
		step := &plan.Steps[i]
		result := o.executeStep(ctx, ectx, step, userRequest)
		stepResults = append(stepResults, result)

		o.bus.Publish(ctx, "task."+taskID+".step_completed", map[string]any{
			"task_id": taskID,
			"step_id": step.ID,
			"status":  result.Status,
			"preview": preview(result.Content),
		})

		if result.Status != models.StatusSuccess {
			status = result.Status
			reason = result.Error
			for name := range result.ScanResults {
				blockedBy = append(blockedBy, name)
			}
			break
		}
	}

	if status == models.StatusSuccess && o.cfg.AutoMemory && o.memory != nil {
		go o.storeTaskMemory(taskID, userRequest, plan.PlanSummary)
	}

	o.appendTurn(sess, userRequest, status, blockedBy, riskScore, plan.PlanSummary)
	o.bus.Publish(ctx, "task."+taskID+".completed", map[string]any{
		"task_id": taskID,
		"status":  status,
	})

	return &models.TaskResult{
		TaskID:       taskID,
		Status:       status,
		PlanSummary:  plan.PlanSummary,
		StepResults:  stepResults,
		Reason:       reason,
		Conversation: convInfo,
	}
}

func (o *Orchestrator) executeStep(ctx context.Context, ectx *ExecutionContext, step *models.PlanStep, userRequest string) models.StepResult {
	switch step.Type {
	case models.StepTypeLLMTask:
		return o.executeLLMStep(ctx, ectx, step, userRequest)
	case models.StepTypeToolCall:
		return o.executeToolStep(ctx, ectx, step)
	default:
		return models.StepResult{
			StepID: step.ID,
			Status: models.StatusError,
			Error:  fmt.Sprintf("unknown step type %q", step.Type),
		}
	}
}

const (
	jsonFormatInstruction = "\n\nRespond with a single valid JSON value and nothing else. No prose, no markdown fences."

	taggedFormatInstruction = "\n\nWrap your entire answer between <RESPONSE> and </RESPONSE> tags. Output nothing outside the tags."
)

func (o *Orchestrator) executeLLMStep(ctx context.Context, ectx *ExecutionContext, step *models.PlanStep, userRequest string) models.StepResult {
	result := models.StepResult{StepID: step.ID}

	chained := len(step.InputVars) > 0
	var prompt, marker string
	if chained {
		// Substituted content came from the worker or tools; wrap and mark
		// it, and skip the input scan so the defensive wrapper does not
		// trip the scanners.
		marker = security.GenerateMarker()
		prompt = ectx.ResolveSafe(step.Prompt, marker)
	} else {
		prompt = ectx.Resolve(step.Prompt)
	}

	switch step.OutputFormat {
	case models.OutputFormatJSON:
		prompt += jsonFormatInstruction
	case models.OutputFormatTagged:
		prompt += taggedFormatInstruction
	}

	if o.cfg.VerboseResults {
		result.PlannerPrompt = step.Prompt
		result.ResolvedPrompt = prompt
	}

	tagged, err := o.pipeline.ProcessWithWorker(ctx, security.ProcessRequest{
		Prompt:        prompt,
		Marker:        marker,
		SkipInputScan: chained,
		UserInput:     userRequest,
	})
	if err != nil {
		var violation *security.ViolationError
		if errors.As(err, &violation) {
			result.Status = models.StatusBlocked
			result.Error = violation.Message
			result.ScanResults = violation.ScanResults
			if o.cfg.VerboseResults {
				result.WorkerResponse = violation.RawResponse
			}
			return result
		}
		result.Status = models.StatusError
		result.Error = err.Error()
		return result
	}

	// Code scan runs on all worker output, not just steps that expect code.
	if shieldResult, blocked := o.runCodeShield(ctx, tagged.Content); blocked {
		result.Status = models.StatusBlocked
		result.Error = "worker output blocked by code scan"
		result.ScanResults = map[string]models.ScanResult{"code_shield": shieldResult}
		return result
	}

	content, err := validateOutputFormat(step.OutputFormat, tagged.Content)
	if err != nil {
		result.Status = models.StatusError
		result.Error = err.Error()
		return result
	}
	tagged.Content = content

	if step.OutputVar != "" {
		ectx.Set(step.OutputVar, tagged)
	}

	result.Status = models.StatusSuccess
	result.DataID = tagged.ID
	result.Content = tagged.Content
	if o.cfg.VerboseResults {
		result.WorkerResponse = tagged.Content
	}
	return result
}

// runCodeShield returns (result, true) when the step must be blocked.
func (o *Orchestrator) runCodeShield(ctx context.Context, content string) (models.ScanResult, bool) {
	if o.shield == nil || !o.shield.Available() {
		if o.cfg.CodeShieldRequired {
			return models.ScanResult{
				Found: true,
				Matches: []models.ScanMatch{{
					PatternName: "scanner_unavailable",
					MatchedText: "code scanner required but not available",
				}},
				ScannerName: "code_shield",
			}, true
		}
		return models.ScanResult{}, false
	}
	shieldResult, err := o.shield.ScanCode(ctx, content)
	if err != nil {
		o.logger.Warn("code scan failed", "error", err)
		if o.cfg.CodeShieldRequired {
			return models.ScanResult{
				Found: true,
				Matches: []models.ScanMatch{{
					PatternName: "scanner_unavailable",
					MatchedText: "code scan failed: " + err.Error(),
				}},
				ScannerName: "code_shield",
			}, true
		}
		return models.ScanResult{}, false
	}
	return shieldResult, shieldResult.Found
}

var responseTagRe = regexp.MustCompile(`(?s)<RESPONSE>\s*(.*?)\s*</RESPONSE>`)

func validateOutputFormat(format, content string) (string, error) {
	switch format {
	case "":
		return content, nil
	case models.OutputFormatJSON:
		trimmed := strings.TrimSpace(content)
		if m := fenceContentRe.FindStringSubmatch(trimmed); m != nil {
			trimmed = strings.TrimSpace(m[1])
		}
		if !json.Valid([]byte(trimmed)) {
			return "", fmt.Errorf("worker output is not valid JSON")
		}
		return trimmed, nil
	case models.OutputFormatTagged:
		m := responseTagRe.FindStringSubmatch(content)
		if m == nil {
			return "", fmt.Errorf("worker output missing RESPONSE tags")
		}
		return m[1], nil
	default:
		return "", fmt.Errorf("unknown output format %q", format)
	}
}

var fenceContentRe = regexp.MustCompile("(?s)^```[^\n]*\n(.*?)```$")

func (o *Orchestrator) executeToolStep(ctx context.Context, ectx *ExecutionContext, step *models.PlanStep) models.StepResult {
	result := models.StepResult{StepID: step.ID}

	// Trust gate: every provenance id referenced by the args must have a
	// fully trusted ancestry before the tool runs.
	refIDs := ectx.ReferencedDataIDsFromArgs(step.Args)
	for _, id := range refIDs {
		if !o.prov.IsTrustSafeForExecution(id) {
			o.logger.Warn("trust gate blocked tool call",
				"step_id", step.ID, "tool", step.Tool, "data_id", id)
			result.Status = models.StatusBlocked
			result.Error = "provenance trust check failed: untrusted data cannot flow into tool arguments"
			result.ScanResults = map[string]models.ScanResult{
				"trust_gate": {
					Found:       true,
					Matches:     []models.ScanMatch{{PatternName: "untrusted_ancestry", MatchedText: id}},
					ScannerName: "trust_gate",
				},
			}
			return result
		}
	}

	resolved := ectx.ResolveArgs(step.Args)
	out, err := o.tools.Execute(ctx, step.Tool, resolved, refIDs)
	if err != nil {
		var blocked *tools.BlockedError
		if errors.As(err, &blocked) {
			result.Status = models.StatusBlocked
			result.Error = blocked.Error()
			return result
		}
		result.Status = models.StatusError
		result.Error = err.Error()
		return result
	}

	if step.OutputVar != "" {
		ectx.Set(step.OutputVar, out)
	}
	result.Status = models.StatusSuccess
	result.DataID = out.ID
	result.Content = out.Content
	return result
}

func (o *Orchestrator) storeTaskMemory(taskID, userRequest, planSummary string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	summary := fmt.Sprintf("Task completed: %s (%s)", preview(userRequest), planSummary)
	if _, err := o.memory.Store(ctx, summary, map[string]string{
		"kind":    "task_summary",
		"task_id": taskID,
	}); err != nil {
		o.logger.Warn("auto-memory store failed", "task_id", taskID, "error", err)
	}
}

func (o *Orchestrator) appendTurn(sess *session.Session, request, status string, blockedBy []string, risk float64, planSummary string) {
	o.sessions.AddTurn(sess, session.ConversationTurn{
		RequestText:  request,
		ResultStatus: status,
		BlockedBy:    blockedBy,
		RiskScore:    risk,
		PlanSummary:  planSummary,
	})
}

func ruleNames(scores map[string]float64) []string {
	names := make([]string, 0, len(scores))
	for name := range scores {
		names = append(names, name)
	}
	return names
}

func scannerNames(violations map[string]models.ScanResult) []string {
	names := make([]string, 0, len(violations))
	for name := range violations {
		names = append(names, name)
	}
	return names
}

func preview(s string) string {
	const n = 100
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
