package routines

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/CherryPod/sentinel-sub001/pkg/bus"
	"github.com/CherryPod/sentinel-sub001/pkg/models"
	"github.com/CherryPod/sentinel-sub001/pkg/orchestrator"
)

// TaskRunner is the orchestrator surface the engine needs.
type TaskRunner interface {
	HandleTask(ctx context.Context, req orchestrator.TaskRequest) *models.TaskResult
}

// EngineConfig tunes the scheduler.
type EngineConfig struct {
	TickInterval     time.Duration
	MaxConcurrent    int
	ExecutionTimeout time.Duration
}

// Engine polls due routines, listens for trigger events, and runs routine
// prompts through the orchestrator.
type Engine struct {
	store  *Store
	runner TaskRunner
	bus    *bus.EventBus
	cfg    EngineConfig
	logger *slog.Logger

	mu      sync.Mutex
	running map[string]context.CancelFunc // execution id -> cancel

	rootCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	eventHandler bus.Handler
}

// NewEngine wires the routine engine.
func NewEngine(store *Store, runner TaskRunner, eventBus *bus.EventBus, cfg EngineConfig, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 15 * time.Second
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 3
	}
	if cfg.ExecutionTimeout <= 0 {
		cfg.ExecutionTimeout = 5 * time.Minute
	}
	return &Engine{
		store:   store,
		runner:  runner,
		bus:     eventBus,
		cfg:     cfg,
		logger:  logger.With("component", "routine_engine"),
		running: make(map[string]context.CancelFunc),
	}
}

// Start launches the scheduler loop and subscribes the event dispatcher.
func (e *Engine) Start(ctx context.Context) {
	e.rootCtx, e.cancel = context.WithCancel(ctx)

	e.eventHandler = func(ctx context.Context, topic string, data any) {
		e.dispatchEvent(topic)
	}
	e.bus.Subscribe("*", e.eventHandler)

	e.wg.Add(1)
	go e.loop()

	e.logger.Info("routine engine started",
		"tick_interval", e.cfg.TickInterval,
		"max_concurrent", e.cfg.MaxConcurrent)
}

// Stop cancels the scheduler and all in-flight executions, then waits for
// them to record their terminal status.
func (e *Engine) Stop() {
	if e.cancel == nil {
		return
	}
	e.bus.Unsubscribe("*", e.eventHandler)
	e.cancel()
	e.wg.Wait()
	e.logger.Info("routine engine stopped")
}

// TriggerManual runs a routine immediately, bypassing cooldown but not the
// concurrency cap.
func (e *Engine) TriggerManual(routineID string) (string, error) {
	r, err := e.store.Get(routineID)
	if err != nil {
		return "", fmt.Errorf("routine not found: %w", err)
	}
	execID, ok := e.spawn(r, "manual")
	if !ok {
		return "", fmt.Errorf("concurrency limit reached (%d running)", e.cfg.MaxConcurrent)
	}
	return execID, nil
}

func (e *Engine) loop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.rootCtx.Done():
			return
		case <-ticker.C:
			e.tick(time.Now().UTC())
		}
	}
}

func (e *Engine) tick(now time.Time) {
	due, err := e.store.ListDue(now)
	if err != nil {
		e.logger.Error("list due routines failed", "error", err)
		return
	}
	for _, r := range due {
		if e.inCooldown(r, now) {
			continue
		}
		if _, ok := e.spawn(r, "scheduler"); !ok {
			e.logger.Warn("routine skipped", "routine_id", r.RoutineID, "reason", "concurrency_limit")
		}
	}
}

// dispatchEvent fires event routines matching the topic. routine.* topics
// are ignored so a routine's own lifecycle events cannot re-trigger it.
func (e *Engine) dispatchEvent(topic string) {
	if strings.HasPrefix(topic, "routine.") {
		return
	}
	matched, err := e.store.ListEventRoutines(topic)
	if err != nil {
		e.logger.Error("event routine lookup failed", "topic", topic, "error", err)
		return
	}
	now := time.Now().UTC()
	for _, r := range matched {
		if e.inCooldown(r, now) {
			continue
		}
		e.spawn(r, "event:"+topic)
	}
}

func (e *Engine) inCooldown(r *Routine, now time.Time) bool {
	if r.CooldownS <= 0 || r.LastRunAt == nil {
		return false
	}
	return r.LastRunAt.Add(time.Duration(r.CooldownS) * time.Second).After(now)
}

// spawn inserts the execution row and runs the routine in a goroutine,
// claiming a concurrency slot under the lock. The returned execution id
// doubles as the orchestrator task id.
func (e *Engine) spawn(r *Routine, triggeredBy string) (string, bool) {
	exec := &Execution{
		RoutineID:   r.RoutineID,
		TriggeredBy: triggeredBy,
		Status:      ExecRunning,
	}

	parent := e.rootCtx
	if parent == nil {
		parent = context.Background()
	}
	execCtx, cancel := context.WithTimeout(parent, e.cfg.ExecutionTimeout)

	e.mu.Lock()
	if len(e.running) >= e.cfg.MaxConcurrent {
		e.mu.Unlock()
		cancel()
		return "", false
	}
	if err := e.store.InsertExecution(exec); err != nil {
		e.mu.Unlock()
		cancel()
		e.logger.Error("execution insert failed", "routine_id", r.RoutineID, "error", err)
		return "", false
	}
	e.running[exec.ExecutionID] = cancel
	e.mu.Unlock()
	exec.TaskID = exec.ExecutionID

	e.bus.Publish(execCtx, "routine.triggered", map[string]any{
		"routine_id":   r.RoutineID,
		"execution_id": exec.ExecutionID,
		"triggered_by": triggeredBy,
	})

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancel()
		defer func() {
			e.mu.Lock()
			delete(e.running, exec.ExecutionID)
			e.mu.Unlock()
		}()
		e.run(execCtx, r, exec)
	}()

	return exec.ExecutionID, true
}

func (e *Engine) run(ctx context.Context, r *Routine, exec *Execution) {
	e.logger.Info("routine execution started",
		"routine_id", r.RoutineID,
		"execution_id", exec.ExecutionID,
		"triggered_by", exec.TriggeredBy)

	result := e.runner.HandleTask(ctx, orchestrator.TaskRequest{
		UserRequest:  r.Prompt,
		Source:       "routine:" + r.RoutineID,
		SourceKey:    "routine:" + r.UserID,
		ApprovalMode: r.ApprovalMode,
		TaskID:       exec.ExecutionID,
	})

	status, errText := mapOutcome(ctx, result, e.rootCtx)
	summary := ""
	if result != nil {
		summary = result.PlanSummary
	}
	if err := e.store.FinishExecution(exec.ExecutionID, status, summary, errText); err != nil {
		e.logger.Error("execution finish failed", "execution_id", exec.ExecutionID, "error", err)
	}

	now := time.Now().UTC()
	next := NextRun(r, now)
	failed := status != ExecSuccess
	if err := e.store.UpdateRunState(r.RoutineID, now, next, failed); err != nil {
		e.logger.Error("run state update failed", "routine_id", r.RoutineID, "error", err)
	}

	e.bus.Publish(context.Background(), "routine.executed", map[string]any{
		"routine_id":   r.RoutineID,
		"execution_id": exec.ExecutionID,
		"status":       status,
	})
	e.logger.Info("routine execution finished",
		"routine_id", r.RoutineID,
		"execution_id", exec.ExecutionID,
		"status", status)
}

// mapOutcome turns a task result and the context state into a terminal
// execution status.
func mapOutcome(execCtx context.Context, result *models.TaskResult, rootCtx context.Context) (string, string) {
	if rootCtx != nil && rootCtx.Err() != nil {
		return ExecCancelled, "engine stopped during execution"
	}
	if execCtx.Err() == context.DeadlineExceeded {
		return ExecTimeout, "execution exceeded its timeout"
	}
	if result == nil {
		return ExecError, "no result"
	}
	switch result.Status {
	case models.StatusSuccess:
		return ExecSuccess, ""
	case models.StatusBlocked:
		return ExecBlocked, result.Reason
	case models.StatusTimeout:
		return ExecTimeout, result.Reason
	default:
		return ExecError, result.Reason
	}
}
