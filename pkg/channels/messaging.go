package channels

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
)

// Restart backoff bounds for the messaging bridge subprocess.
const (
	messagingBackoffBase = 1 * time.Second
	messagingBackoffCap  = 300 * time.Second

	// A run longer than this counts as clean and resets the backoff.
	messagingCleanRun = 30 * time.Second
)

// rpcRequest is a JSON-RPC 2.0 message from the bridge subprocess.
type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *json.Number    `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id,omitempty"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type messageParams struct {
	Text   string `json:"text"`
	PeerID string `json:"peer_id"`
}

// MessagingChannel bridges an external messaging network through a child
// process speaking JSON-RPC 2.0 over stdio. The subprocess sends "message"
// requests inbound; outbound messages go out as "send" notifications. A
// crashed subprocess is restarted with exponential backoff; a clean run
// resets the backoff.
type MessagingChannel struct {
	command []string
	router  *Router
	logger  *slog.Logger

	mu     sync.Mutex
	stdin  io.WriteCloser
	cancel context.CancelFunc
	done   chan struct{}

	incoming chan IncomingMessage
}

// NewMessagingChannel creates the bridge. command is the subprocess argv.
func NewMessagingChannel(command []string, router *Router, logger *slog.Logger) *MessagingChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &MessagingChannel{
		command:  command,
		router:   router,
		logger:   logger.With("component", "messaging"),
		incoming: make(chan IncomingMessage, 16),
	}
}

// Start launches the supervisor loop.
func (m *MessagingChannel) Start(ctx context.Context) error {
	if len(m.command) == 0 {
		return fmt.Errorf("messaging command is empty")
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.supervise(runCtx)
	return nil
}

// Stop terminates the subprocess and the supervisor.
func (m *MessagingChannel) Stop() error {
	if m.cancel == nil {
		return nil
	}
	m.cancel()
	<-m.done
	close(m.incoming)
	return nil
}

// Receive yields inbound messages from the subprocess.
func (m *MessagingChannel) Receive() <-chan IncomingMessage {
	return m.incoming
}

// Send writes an outbound message to the subprocess as a JSON-RPC
// notification.
func (m *MessagingChannel) Send(_ context.Context, msg OutgoingMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stdin == nil {
		return fmt.Errorf("messaging subprocess is not running")
	}
	frame := map[string]any{
		"jsonrpc": "2.0",
		"method":  "send",
		"params":  msg,
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	_, err = m.stdin.Write(append(data, '\n'))
	return err
}

// supervise restarts the subprocess until the context ends.
func (m *MessagingChannel) supervise(ctx context.Context) {
	defer close(m.done)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = messagingBackoffBase
	bo.MaxInterval = messagingBackoffCap
	bo.MaxElapsedTime = 0 // retry forever

	for {
		started := time.Now()
		err := m.runOnce(ctx)
		if ctx.Err() != nil {
			return
		}

		if time.Since(started) >= messagingCleanRun {
			bo.Reset()
		}
		wait := bo.NextBackOff()
		m.logger.Warn("messaging subprocess exited",
			"error", err,
			"restart_in", wait)

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// runOnce starts the subprocess and pumps its stdout until it exits.
func (m *MessagingChannel) runOnce(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, m.command[0], m.command[1:]...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting subprocess: %w", err)
	}
	m.logger.Info("messaging subprocess started", "pid", cmd.Process.Pid)

	m.mu.Lock()
	m.stdin = stdin
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.stdin = nil
		m.mu.Unlock()
	}()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		m.handleLine(ctx, scanner.Bytes())
	}

	return cmd.Wait()
}

// handleLine processes one JSON-RPC line from the subprocess.
func (m *MessagingChannel) handleLine(ctx context.Context, line []byte) {
	var req rpcRequest
	if err := json.Unmarshal(line, &req); err != nil {
		m.logger.Warn("invalid json-rpc line", "error", err)
		return
	}

	switch req.Method {
	case "message":
		var params messageParams
		if err := json.Unmarshal(req.Params, &params); err != nil || params.Text == "" {
			m.reply(req.ID, nil, &rpcError{Code: -32602, Message: "invalid params"})
			return
		}
		msg := IncomingMessage{Text: params.Text, Source: "messaging", PeerID: params.PeerID}

		// With a router wired, messages dispatch straight to the
		// orchestrator; the incoming queue serves only router-less
		// consumers reading Receive().
		if m.router != nil {
			go func() {
				taskID := m.router.HandleMessage(ctx, m, msg)
				m.reply(req.ID, map[string]string{"task_id": taskID}, nil)
			}()
			return
		}

		select {
		case m.incoming <- msg:
			m.reply(req.ID, map[string]string{"status": "queued"}, nil)
		default:
			m.logger.Warn("incoming queue full, message dropped", "peer_id", params.PeerID)
			m.reply(req.ID, nil, &rpcError{Code: -32000, Message: "queue full"})
		}

	case "ping":
		m.reply(req.ID, "pong", nil)

	default:
		m.reply(req.ID, nil, &rpcError{Code: -32601, Message: "method not found"})
	}
}

func (m *MessagingChannel) reply(id *json.Number, result any, rpcErr *rpcError) {
	if id == nil {
		return // notification, no response
	}
	resp := rpcResponse{JSONRPC: "2.0", ID: *id, Result: result, Error: rpcErr}
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stdin == nil {
		return
	}
	_, _ = m.stdin.Write(append(data, '\n'))
}
