// Package channels multiplexes request sources (WebSocket, SSE, messaging
// subprocess, MCP) onto the orchestrator. Each variant adapts its transport
// to IncomingMessage/OutgoingMessage; the router bridges bus events back to
// the requesting channel so clients see live task progress.
package channels

import (
	"context"

	"github.com/CherryPod/sentinel-sub001/pkg/models"
	"github.com/CherryPod/sentinel-sub001/pkg/orchestrator"
)

// IncomingMessage is one request arriving on a channel.
type IncomingMessage struct {
	Text         string
	Source       string // channel tag, e.g. "websocket", "messaging"
	PeerID       string // transport-level peer identity
	ApprovalMode string
}

// OutgoingMessage is one update sent back to a channel peer.
type OutgoingMessage struct {
	Type    string `json:"type"`
	TaskID  string `json:"task_id,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

// Sender is the outbound half of a channel.
type Sender interface {
	Send(ctx context.Context, msg OutgoingMessage) error
}

// Channel is a bidirectional request source. One-shot transports (HTTP)
// skip the interface and call the orchestrator directly.
type Channel interface {
	Start(ctx context.Context) error
	Stop() error
	Sender
	// Receive yields incoming messages until the channel stops.
	Receive() <-chan IncomingMessage
}

// TaskHandler is the orchestrator surface channels need.
type TaskHandler interface {
	HandleTask(ctx context.Context, req orchestrator.TaskRequest) *models.TaskResult
}
