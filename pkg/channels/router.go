package channels

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/CherryPod/sentinel-sub001/pkg/bus"
	"github.com/CherryPod/sentinel-sub001/pkg/orchestrator"
)

// Router runs channel messages through the orchestrator while streaming the
// task's bus events back to the channel. The orchestrator only knows about
// the bus; the router is what makes progress visible to the peer.
type Router struct {
	orch   TaskHandler
	bus    *bus.EventBus
	logger *slog.Logger
}

// NewRouter wires a channel router.
func NewRouter(orch TaskHandler, eventBus *bus.EventBus, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{orch: orch, bus: eventBus, logger: logger.With("component", "router")}
}

// HandleMessage runs one incoming message end to end and returns the task
// id. Task events are forwarded to the sender for the duration of the task;
// the final result is sent as a "task.result" message.
func (r *Router) HandleMessage(ctx context.Context, sender Sender, msg IncomingMessage) string {
	taskID := uuid.New().String()
	pattern := "task." + taskID + ".*"

	forwarder := func(ctx context.Context, topic string, data any) {
		if err := sender.Send(ctx, OutgoingMessage{Type: topic, TaskID: taskID, Payload: data}); err != nil {
			r.logger.Warn("event forward failed", "task_id", taskID, "topic", topic, "error", err)
		}
	}
	r.bus.Subscribe(pattern, forwarder)
	defer r.bus.Unsubscribe(pattern, forwarder)

	result := r.orch.HandleTask(ctx, orchestrator.TaskRequest{
		UserRequest:  msg.Text,
		Source:       msg.Source,
		SourceKey:    msg.Source + ":" + msg.PeerID,
		ApprovalMode: msg.ApprovalMode,
		TaskID:       taskID,
	})

	if err := sender.Send(ctx, OutgoingMessage{Type: "task.result", TaskID: taskID, Payload: result}); err != nil {
		r.logger.Warn("result send failed", "task_id", taskID, "error", err)
	}
	return taskID
}
