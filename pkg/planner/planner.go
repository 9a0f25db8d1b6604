// Package planner implements the privileged planning model client. The
// planner sees only the user's task text and conversation metadata, never
// tool output or worker output, and produces a structured plan.
package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/CherryPod/sentinel-sub001/pkg/models"
	"github.com/CherryPod/sentinel-sub001/pkg/session"
)

// ErrRefusal means the planner declined to plan the task. The message is
// the planner's stated reason, safe to show the user.
type ErrRefusal struct {
	Reason string
}

func (e *ErrRefusal) Error() string {
	return "planner refused the task: " + e.Reason
}

// MessagesClient is the subset of the Anthropic SDK the planner uses.
// *sdk.MessageService satisfies it; tests pass a mock.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Client plans tasks through the Anthropic Messages API.
type Client struct {
	msg       MessagesClient
	model     string
	maxTokens int64
	logger    *slog.Logger
}

// New builds a planner client around a Messages client.
func New(msg MessagesClient, model string, maxTokens int, logger *slog.Logger) (*Client, error) {
	if msg == nil {
		return nil, errors.New("messages client is required")
	}
	if model == "" {
		return nil, errors.New("model identifier is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		msg:       msg,
		model:     model,
		maxTokens: int64(maxTokens),
		logger:    logger.With("component", "planner"),
	}, nil
}

// NewFromAPIKey constructs a client with the default SDK transport.
func NewFromAPIKey(apiKey, model string, maxTokens int, logger *slog.Logger) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, model, maxTokens, logger)
}

// CreatePlan asks the planner for a plan. history provides conversation
// context from prior turns (request text and outcome only, never content
// that passed through the worker).
func (c *Client) CreatePlan(ctx context.Context, task string, history []session.ConversationTurn) (*models.Plan, error) {
	userPrompt := buildUserPrompt(task, history)

	params := sdk.MessageNewParams{
		MaxTokens: c.maxTokens,
		Model:     sdk.Model(c.model),
		System:    []sdk.TextBlockParam{{Text: systemPrompt}},
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(userPrompt)),
		},
	}

	msg, err := c.msg.New(ctx, params)
	if err != nil {
		if !retryable(ctx, err) {
			return nil, fmt.Errorf("anthropic messages.new: %w", err)
		}
		c.logger.Warn("planner call failed, retrying once", "error", err)
		msg, err = c.msg.New(ctx, params)
		if err != nil {
			return nil, fmt.Errorf("anthropic messages.new: %w", err)
		}
	}

	text := collectText(msg)
	if text == "" {
		// Anthropic returns an empty content list when the model declines
		// without producing text.
		return nil, &ErrRefusal{Reason: "the planner returned an empty response"}
	}

	plan, err := parsePlan(text)
	if err != nil {
		return nil, err
	}
	if err := ValidatePlan(plan); err != nil {
		return nil, fmt.Errorf("planner produced an invalid plan: %w", err)
	}

	c.logger.Info("plan created",
		"steps", len(plan.Steps),
		"summary", plan.PlanSummary)
	return plan, nil
}

func collectText(msg *sdk.Message) string {
	if msg == nil {
		return ""
	}
	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return strings.TrimSpace(b.String())
}

// retryable limits the single retry to transport-level failures. API
// status errors and refusals are deterministic; retrying them wastes a
// call.
func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var apierr *sdk.Error
	return !errors.As(err, &apierr)
}

var fenceRe = regexp.MustCompile("(?s)```(?:json)?\n?(.*?)```")

var refusalPhrases = []string{
	"i can't", "i cannot", "i won't", "i will not", "i'm not able",
	"i am not able", "unable to help", "cannot assist", "can't assist",
}

// parsePlan extracts the plan JSON from the planner's response, tolerating
// markdown fences and surrounding prose. A response with no JSON that reads
// like a refusal is surfaced as one.
func parsePlan(text string) (*models.Plan, error) {
	candidate := text
	if m := fenceRe.FindStringSubmatch(text); m != nil {
		candidate = m[1]
	}
	start := strings.Index(candidate, "{")
	end := strings.LastIndex(candidate, "}")
	if start == -1 || end <= start {
		lower := strings.ToLower(text)
		for _, phrase := range refusalPhrases {
			if strings.Contains(lower, phrase) {
				return nil, &ErrRefusal{Reason: strings.TrimSpace(text)}
			}
		}
		return nil, fmt.Errorf("no JSON object in planner response")
	}
	candidate = candidate[start : end+1]

	var envelope struct {
		Refusal     string            `json:"refusal"`
		PlanSummary string            `json:"plan_summary"`
		Steps       []models.PlanStep `json:"steps"`
	}
	if err := json.Unmarshal([]byte(candidate), &envelope); err != nil {
		return nil, fmt.Errorf("parsing planner response: %w", err)
	}
	if envelope.Refusal != "" {
		return nil, &ErrRefusal{Reason: envelope.Refusal}
	}

	return &models.Plan{
		PlanSummary: envelope.PlanSummary,
		Steps:       envelope.Steps,
	}, nil
}

var identRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// knownTools is the tool surface the planner may reference.
var knownTools = map[string]struct{}{
	"file_write":    {},
	"file_read":     {},
	"mkdir":         {},
	"shell":         {},
	"podman_build":  {},
	"podman_run":    {},
	"podman_stop":   {},
	"search_memory": {},
	"store_memory":  {},
}

// ValidatePlan checks the structural invariants every executable plan must
// satisfy: unique step ids, valid step types, identifiers for output vars,
// known tools, and input_vars referring to earlier outputs only.
func ValidatePlan(plan *models.Plan) error {
	if plan == nil {
		return errors.New("plan is nil")
	}
	if len(plan.Steps) == 0 {
		return errors.New("plan has no steps")
	}

	seenIDs := map[string]struct{}{}
	definedVars := map[string]struct{}{}
	for i := range plan.Steps {
		step := &plan.Steps[i]
		if step.ID == "" {
			return fmt.Errorf("step %d has no id", i)
		}
		if _, dup := seenIDs[step.ID]; dup {
			return fmt.Errorf("duplicate step id %q", step.ID)
		}
		seenIDs[step.ID] = struct{}{}

		switch step.Type {
		case models.StepTypeLLMTask:
			if step.Prompt == "" {
				return fmt.Errorf("step %q: llm_task requires a prompt", step.ID)
			}
		case models.StepTypeToolCall:
			if step.Tool == "" {
				return fmt.Errorf("step %q: tool_call requires a tool name", step.ID)
			}
			if _, ok := knownTools[step.Tool]; !ok {
				return fmt.Errorf("step %q: unknown tool %q", step.ID, step.Tool)
			}
		default:
			return fmt.Errorf("step %q: unknown step type %q", step.ID, step.Type)
		}

		for _, v := range step.InputVars {
			if _, ok := definedVars[v]; !ok {
				return fmt.Errorf("step %q: input var %q is not produced by an earlier step", step.ID, v)
			}
		}
		if step.OutputVar != "" {
			if !identRe.MatchString(step.OutputVar) {
				return fmt.Errorf("step %q: invalid output var %q", step.ID, step.OutputVar)
			}
			definedVars[step.OutputVar] = struct{}{}
		}

		if step.OutputFormat != "" &&
			step.OutputFormat != models.OutputFormatJSON &&
			step.OutputFormat != models.OutputFormatTagged {
			return fmt.Errorf("step %q: unknown output format %q", step.ID, step.OutputFormat)
		}
	}
	return nil
}
