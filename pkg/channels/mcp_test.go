package channels

import (
	"context"
	"encoding/json"
	"testing"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CherryPod/sentinel-sub001/pkg/bus"
	"github.com/CherryPod/sentinel-sub001/pkg/memory"
	"github.com/CherryPod/sentinel-sub001/pkg/models"
	"github.com/CherryPod/sentinel-sub001/pkg/orchestrator"
)

type staticHandler struct {
	status string
}

func (h *staticHandler) HandleTask(_ context.Context, req orchestrator.TaskRequest) *models.TaskResult {
	return &models.TaskResult{TaskID: "t-mcp", Status: h.status, PlanSummary: "done: " + req.UserRequest}
}

func flatEmbedding(_ context.Context, text string) ([]float32, error) {
	v := []float32{0.1, 0.2, 0.3}
	v[0] += float32(len(text)) * 0.001
	return v, nil
}

// mcpSession connects an in-memory client to the server under test.
func mcpSession(t *testing.T, s *MCPServer) *mcpsdk.ClientSession {
	t.Helper()
	clientTransport, serverTransport := mcpsdk.NewInMemoryTransports()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = s.server.Run(ctx, serverTransport) }()

	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "test-client", Version: "test"}, nil)
	session, err := client.Connect(context.Background(), clientTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })
	return session
}

func testMCPServer(t *testing.T) *MCPServer {
	t.Helper()
	mem, err := memory.NewStore("", flatEmbedding, nil, bus.New(nil), nil)
	require.NoError(t, err)
	return NewMCPServer(&staticHandler{status: models.StatusSuccess}, mem, nil, nil)
}

func resultText(t *testing.T, res *mcpsdk.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, res.Content)
	text, ok := res.Content[0].(*mcpsdk.TextContent)
	require.True(t, ok)
	return text.Text
}

func TestMCPToolSurface(t *testing.T) {
	session := mcpSession(t, testMCPServer(t))

	listed, err := session.ListTools(context.Background(), nil)
	require.NoError(t, err)

	var names []string
	for _, tool := range listed.Tools {
		names = append(names, tool.Name)
		if tool.Name == "run_task" {
			require.NotNil(t, tool.InputSchema)
			assert.Equal(t, "object", tool.InputSchema.Type)
			assert.Equal(t, []string{"request"}, tool.InputSchema.Required)
		}
	}
	assert.ElementsMatch(t, []string{"search_memory", "store_memory", "run_task", "health_check"}, names)
}

func TestMCPRunTask(t *testing.T) {
	session := mcpSession(t, testMCPServer(t))

	res, err := session.CallTool(context.Background(), &mcpsdk.CallToolParams{
		Name:      "run_task",
		Arguments: map[string]any{"request": "check the backups"},
	})
	require.NoError(t, err)
	require.False(t, res.IsError)

	var result models.TaskResult
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &result))
	assert.Equal(t, models.StatusSuccess, result.Status)
	assert.Equal(t, "done: check the backups", result.PlanSummary)
}

func TestMCPRunTaskMissingRequest(t *testing.T) {
	session := mcpSession(t, testMCPServer(t))

	res, err := session.CallTool(context.Background(), &mcpsdk.CallToolParams{
		Name:      "run_task",
		Arguments: map[string]any{},
	})
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestMCPMemoryStoreAndSearch(t *testing.T) {
	session := mcpSession(t, testMCPServer(t))

	stored, err := session.CallTool(context.Background(), &mcpsdk.CallToolParams{
		Name:      "store_memory",
		Arguments: map[string]any{"content": "the database password rotates monthly"},
	})
	require.NoError(t, err)
	require.False(t, stored.IsError)
	assert.Contains(t, resultText(t, stored), "chunk_id")

	found, err := session.CallTool(context.Background(), &mcpsdk.CallToolParams{
		Name:      "search_memory",
		Arguments: map[string]any{"query": "database password", "limit": 3},
	})
	require.NoError(t, err)
	require.False(t, found.IsError)

	var results []memory.SearchResult
	require.NoError(t, json.Unmarshal([]byte(resultText(t, found)), &results))
	require.Len(t, results, 1)
	assert.Equal(t, "the database password rotates monthly", results[0].Chunk.Content)
}

func TestMCPHealthCheck(t *testing.T) {
	session := mcpSession(t, testMCPServer(t))

	res, err := session.CallTool(context.Background(), &mcpsdk.CallToolParams{
		Name:      "health_check",
		Arguments: map[string]any{},
	})
	require.NoError(t, err)
	require.False(t, res.IsError)
	assert.Contains(t, resultText(t, res), `"status":"ok"`)
}
