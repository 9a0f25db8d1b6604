package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/jsonschema-go/jsonschema"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/CherryPod/sentinel-sub001/pkg/memory"
	"github.com/CherryPod/sentinel-sub001/pkg/orchestrator"
)

// HealthReporter supplies component status for the health_check tool.
type HealthReporter interface {
	Health(ctx context.Context) map[string]string
}

// MCPServer exposes a deliberately small tool surface to MCP clients:
// memory search/store, task submission, and health. Routine management and
// approvals are never reachable this way.
type MCPServer struct {
	server *mcpsdk.Server
	orch   TaskHandler
	memory *memory.Store
	health HealthReporter
	logger *slog.Logger
}

// NewMCPServer builds the server and registers its fixed tools.
func NewMCPServer(orch TaskHandler, mem *memory.Store, health HealthReporter, logger *slog.Logger) *MCPServer {
	if logger == nil {
		logger = slog.Default()
	}
	s := &MCPServer{
		orch:   orch,
		memory: mem,
		health: health,
		logger: logger.With("component", "mcp"),
	}

	server := mcpsdk.NewServer(&mcpsdk.Implementation{
		Name:    "sentinel",
		Version: "1.0.0",
	}, nil)

	server.AddTool(&mcpsdk.Tool{
		Name:        "search_memory",
		Description: "Search stored memories by semantic similarity.",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"query": {Type: "string"},
				"limit": {Type: "integer"},
			},
			Required: []string{"query"},
		},
	}, s.searchMemory)

	server.AddTool(&mcpsdk.Tool{
		Name:        "store_memory",
		Description: "Store a memory for later retrieval.",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"content": {Type: "string"},
			},
			Required: []string{"content"},
		},
	}, s.storeMemory)

	server.AddTool(&mcpsdk.Tool{
		Name:        "run_task",
		Description: "Submit a task for planned execution.",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"request": {Type: "string"},
			},
			Required: []string{"request"},
		},
	}, s.runTask)

	server.AddTool(&mcpsdk.Tool{
		Name:        "health_check",
		Description: "Report component health.",
		InputSchema: &jsonschema.Schema{Type: "object"},
	}, s.healthCheck)

	s.server = server
	return s
}

// Handler returns an HTTP handler serving the MCP streamable transport.
func (s *MCPServer) Handler() http.Handler {
	return mcpsdk.NewStreamableHTTPHandler(func(*http.Request) *mcpsdk.Server {
		return s.server
	}, nil)
}

// decodeArgs re-marshals the request arguments into the target struct so
// the handlers do not care how the transport represented them.
func decodeArgs(req *mcpsdk.CallToolRequest, out any) error {
	raw, err := json.Marshal(req.Params.Arguments)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func textResult(text string) *mcpsdk.CallToolResult {
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: text}},
	}
}

func errorResult(text string) *mcpsdk.CallToolResult {
	return &mcpsdk.CallToolResult{
		IsError: true,
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: text}},
	}
}

func (s *MCPServer) searchMemory(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	var args struct {
		Query string `json:"query"`
		Limit int    `json:"limit"`
	}
	if err := decodeArgs(req, &args); err != nil || args.Query == "" {
		return errorResult("query is required"), nil
	}

	results, err := s.memory.Search(ctx, args.Query, args.Limit)
	if err != nil {
		return errorResult("search failed: " + err.Error()), nil
	}
	payload, _ := json.Marshal(results)
	return textResult(string(payload)), nil
}

func (s *MCPServer) storeMemory(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	var args struct {
		Content string `json:"content"`
	}
	if err := decodeArgs(req, &args); err != nil || args.Content == "" {
		return errorResult("content is required"), nil
	}

	id, err := s.memory.Store(ctx, args.Content, map[string]string{"kind": "mcp"})
	if err != nil {
		return errorResult("store failed: " + err.Error()), nil
	}
	return textResult(fmt.Sprintf(`{"chunk_id":%q}`, id)), nil
}

func (s *MCPServer) runTask(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	var args struct {
		Request string `json:"request"`
	}
	if err := decodeArgs(req, &args); err != nil || args.Request == "" {
		return errorResult("request is required"), nil
	}

	result := s.orch.HandleTask(ctx, orchestrator.TaskRequest{
		UserRequest: args.Request,
		Source:      "mcp",
		SourceKey:   "mcp:client",
	})
	payload, _ := json.Marshal(result)
	return textResult(string(payload)), nil
}

func (s *MCPServer) healthCheck(ctx context.Context, _ *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	status := map[string]string{"status": "ok"}
	if s.health != nil {
		status = s.health.Health(ctx)
	}
	payload, _ := json.Marshal(status)
	return textResult(string(payload)), nil
}
