package cli

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	gomcp "github.com/modelcontextprotocol/go-sdk/mcp"
	wlmcp "github.com/valter-silva-au/workloop/internal/mcp"
	"github.com/valter-silva-au/workloop/pkg/models"
)

func connectMCP(t *testing.T, srv *wlmcp.Server) *gomcp.ClientSession {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	client := gomcp.NewClient(&gomcp.Implementation{Name: "cli-test", Version: "v0.0.1"}, nil)
	t1, t2 := gomcp.NewInMemoryTransports()
	go func() { _ = srv.MCPServer().Run(ctx, t1) }()

	session, err := client.Connect(ctx, t2, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { _ = session.Close() })
	return session
}

func toolNames(t *testing.T, session *gomcp.ClientSession) map[string]bool {
	t.Helper()
	res, err := session.ListTools(context.Background(), &gomcp.ListToolsParams{})
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	names := make(map[string]bool)
	for _, tool := range res.Tools {
		names[tool.Name] = true
	}
	return names
}

func TestNewMCPServer_NilStore(t *testing.T) {
	setupCLI(t)
	Tasks = nil

	if _, err := newMCPServer(); err == nil || !strings.Contains(err.Error(), "task store not initialized") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestNewMCPServer_AllTools(t *testing.T) {
	setupCLI(t)

	srv, err := newMCPServer()
	if err != nil {
		t.Fatalf("newMCPServer: %v", err)
	}
	names := toolNames(t, connectMCP(t, srv))
	for _, want := range []string{"get_task", "list_tasks", "update_task_status", "add_comment", "explain_decision", "list_audit", "get_metrics", "get_alerts"} {
		if !names[want] {
			t.Errorf("missing tool %s", want)
		}
	}
}

func TestNewMCPServer_WithoutWorkLoop(t *testing.T) {
	setupCLI(t)
	Deps = nil
	Audit = nil

	srv, err := newMCPServer()
	if err != nil {
		t.Fatalf("newMCPServer: %v", err)
	}
	names := toolNames(t, connectMCP(t, srv))
	if names["explain_decision"] || names["list_audit"] {
		t.Errorf("optional tools registered without their services: %v", names)
	}
	if !names["update_task_status"] {
		t.Error("board tools should always be registered")
	}
}

func TestNewMCPServer_ExplainUsesWorkLoop(t *testing.T) {
	env := setupCLI(t)
	env.addTask(t, models.Task{ID: "T-1", Status: models.StatusReady})

	srv, err := newMCPServer()
	if err != nil {
		t.Fatalf("newMCPServer: %v", err)
	}
	result, err := connectMCP(t, srv).CallTool(context.Background(), &gomcp.CallToolParams{
		Name:      "explain_decision",
		Arguments: map[string]any{"task_id": "T-1"},
	})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if result.IsError {
		t.Fatalf("tool error: %+v", result.Content)
	}
	data, err := json.Marshal(result.StructuredContent)
	if err != nil {
		t.Fatal(err)
	}
	var out struct {
		Rule   int    `json:"rule"`
		Action string `json:"action"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decoding: %v (%s)", err, data)
	}
	if out.Rule != 7 || !strings.HasPrefix(out.Action, "dispatch") {
		t.Errorf("explain = %+v, want rule 7 dispatch", out)
	}
}
