package channels

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// StatusAuthFailed is the close code for a wrong or missing PIN.
const StatusAuthFailed websocket.StatusCode = 4001

// authTimeout bounds how long a fresh connection may wait before sending
// its auth frame.
const authTimeout = 10 * time.Second

// ApprovalSubmitter is the approval surface WebSocket peers can reach.
type ApprovalSubmitter interface {
	Submit(approvalID string, granted bool, reason string) bool
}

// wsFrame is the client-to-server message envelope.
type wsFrame struct {
	Type       string `json:"type"`
	Pin        string `json:"pin,omitempty"`
	Request    string `json:"request,omitempty"`
	ApprovalID string `json:"approval_id,omitempty"`
	Granted    bool   `json:"granted,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// WSManager owns all WebSocket connections. Each connection authenticates
// with its first frame, then submits tasks and approval decisions.
type WSManager struct {
	router    *Router
	approvals ApprovalSubmitter
	pin       string
	logger    *slog.Logger

	mu          sync.RWMutex
	connections map[string]*wsConnection

	writeTimeout time.Duration
}

// wsConnection is one authenticated peer.
type wsConnection struct {
	id     string
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex
}

// NewWSManager creates the WebSocket connection manager. An empty pin
// disables the auth handshake.
func NewWSManager(router *Router, approvals ApprovalSubmitter, pin string, logger *slog.Logger) *WSManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSManager{
		router:       router,
		approvals:    approvals,
		pin:          pin,
		logger:       logger.With("component", "websocket"),
		connections:  make(map[string]*wsConnection),
		writeTimeout: 10 * time.Second,
	}
}

// HandleConnection runs one connection's lifecycle: auth handshake, then
// the read loop. Blocks until the connection closes.
func (m *WSManager) HandleConnection(parentCtx context.Context, conn *websocket.Conn) {
	connID := uuid.New().String()
	ctx, cancel := context.WithCancel(parentCtx)

	c := &wsConnection{id: connID, conn: conn, ctx: ctx, cancel: cancel}

	if !m.authenticate(ctx, c) {
		cancel()
		_ = conn.Close(StatusAuthFailed, "authentication failed")
		return
	}

	m.mu.Lock()
	m.connections[connID] = c
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.connections, connID)
		m.mu.Unlock()
		cancel()
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()

	m.sendJSON(c, OutgoingMessage{Type: "connection.established", Payload: map[string]string{"connection_id": connID}})
	m.logger.Info("websocket connected", "connection_id", connID)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var frame wsFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			m.sendJSON(c, OutgoingMessage{Type: "error", Payload: "invalid message"})
			continue
		}
		m.handleFrame(ctx, c, &frame)
	}
}

// authenticate reads the first frame and checks the PIN in constant time.
func (m *WSManager) authenticate(ctx context.Context, c *wsConnection) bool {
	if m.pin == "" {
		return true
	}

	readCtx, cancel := context.WithTimeout(ctx, authTimeout)
	defer cancel()

	_, data, err := c.conn.Read(readCtx)
	if err != nil {
		return false
	}
	var frame wsFrame
	if err := json.Unmarshal(data, &frame); err != nil || frame.Type != "auth" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(frame.Pin), []byte(m.pin)) == 1
}

func (m *WSManager) handleFrame(ctx context.Context, c *wsConnection, frame *wsFrame) {
	switch frame.Type {
	case "task":
		if frame.Request == "" {
			m.sendJSON(c, OutgoingMessage{Type: "error", Payload: "request is required"})
			return
		}
		// One goroutine per task so slow plans do not stall the read loop.
		go m.router.HandleMessage(ctx, wsSender{m, c}, IncomingMessage{
			Text:   frame.Request,
			Source: "websocket",
			PeerID: c.id,
		})

	case "approval":
		if frame.ApprovalID == "" {
			m.sendJSON(c, OutgoingMessage{Type: "error", Payload: "approval_id is required"})
			return
		}
		accepted := m.approvals.Submit(frame.ApprovalID, frame.Granted, frame.Reason)
		m.sendJSON(c, OutgoingMessage{Type: "approval.recorded", Payload: map[string]any{
			"approval_id": frame.ApprovalID,
			"accepted":    accepted,
		}})

	case "ping":
		m.sendJSON(c, OutgoingMessage{Type: "pong"})

	default:
		m.sendJSON(c, OutgoingMessage{Type: "error", Payload: "unknown message type"})
	}
}

// ActiveConnections returns the number of authenticated peers.
func (m *WSManager) ActiveConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

// wsSender adapts one connection to the router's Sender.
type wsSender struct {
	m *WSManager
	c *wsConnection
}

func (s wsSender) Send(_ context.Context, msg OutgoingMessage) error {
	return s.m.send(s.c, msg)
}

func (m *WSManager) sendJSON(c *wsConnection, msg OutgoingMessage) {
	if err := m.send(c, msg); err != nil {
		m.logger.Warn("websocket send failed", "connection_id", c.id, "error", err)
	}
}

func (m *WSManager) send(c *wsConnection, msg OutgoingMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	// Serialize writes per connection; concurrent task forwarders share it.
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	writeCtx, cancel := context.WithTimeout(c.ctx, m.writeTimeout)
	defer cancel()
	return c.conn.Write(writeCtx, websocket.MessageText, data)
}
