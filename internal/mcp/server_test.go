package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"chatwatch/internal/browser"
	"chatwatch/internal/config"
	"chatwatch/internal/mangle"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
)

func setupTestServerConfig() config.Config {
	cfg := config.DefaultConfig()
	cfg.Server.Name = "test-server"
	cfg.Server.Version = "1.0.0"
	cfg.Mangle = config.MangleConfig{
		Enable:          true,
		FactBufferLimit: 1000,
	}
	return cfg
}

func setupTestServer(t *testing.T) (*Server, *mangle.Engine) {
	t.Helper()
	cfg := setupTestServerConfig()
	engine, err := mangle.NewEngine(cfg.Mangle, nil)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	sessions := browser.NewSessionManager(cfg.Browser, engine, nil)
	server, err := NewServer(cfg, sessions, engine, nil)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	return server, engine
}

func TestNewServer(t *testing.T) {
	server, _ := setupTestServer(t)
	if server.tools == nil {
		t.Fatal("expected tools map to be initialized")
	}
	if server.chats == nil {
		t.Fatal("expected chat registry to be initialized")
	}

	t.Run("nil engine", func(t *testing.T) {
		cfg := setupTestServerConfig()
		srv, err := NewServer(cfg, nil, nil, nil)
		if err != nil {
			t.Fatalf("NewServer failed: %v", err)
		}
		if _, err := srv.ExecuteTool(context.Background(), "query-facts", map[string]interface{}{"query": "answered(S)."}); !errors.Is(err, errNoEngine) {
			t.Errorf("expected errNoEngine, got %v", err)
		}
	})
}

func TestServerToolRegistration(t *testing.T) {
	server, _ := setupTestServer(t)

	expectedTools := []string{
		"launch-browser",
		"shutdown-browser",
		"list-sessions",
		"open-chat",
		"close-chat",
		"login",
		"send-prompt",
		"await-response",
		"ask",
		"capture-artifacts",
		"query-facts",
		"read-facts",
		"evaluate-rule",
	}
	for _, toolName := range expectedTools {
		if _, exists := server.tools[toolName]; !exists {
			t.Errorf("expected tool %q to be registered", toolName)
		}
	}
	if len(server.tools) != len(expectedTools) {
		t.Errorf("expected %d tools, got %d", len(expectedTools), len(server.tools))
	}
}

func TestToolInterface(t *testing.T) {
	server, _ := setupTestServer(t)

	for name, tool := range server.tools {
		if tool.Name() != name {
			t.Errorf("tool registered as %q but Name() returns %q", name, tool.Name())
		}
		if tool.Description() == "" {
			t.Errorf("tool %q has empty description", name)
		}
		schema := tool.InputSchema()
		if schema == nil || schema["type"] != "object" {
			t.Errorf("tool %q schema type is not 'object': %v", name, schema)
		}
		if _, err := json.Marshal(schema); err != nil {
			t.Errorf("tool %q schema is not serializable: %v", name, err)
		}
	}
}

func TestExecuteTool(t *testing.T) {
	server, _ := setupTestServer(t)
	ctx := context.Background()

	t.Run("execute existing tool", func(t *testing.T) {
		result, err := server.ExecuteTool(ctx, "read-facts", map[string]interface{}{})
		if err != nil {
			t.Fatalf("ExecuteTool failed: %v", err)
		}
		if result.(map[string]interface{})["count"].(int) != 0 {
			t.Errorf("expected empty buffer, got %v", result)
		}
	})

	t.Run("execute non-existent tool", func(t *testing.T) {
		if _, err := server.ExecuteTool(ctx, "non-existent-tool", nil); err == nil {
			t.Error("expected error for non-existent tool")
		}
	})
}

func TestWrapTool(t *testing.T) {
	server, _ := setupTestServer(t)

	call := func(name string, args map[string]interface{}) (*mcp.CallToolResult, map[string]interface{}) {
		t.Helper()
		request := mcp.CallToolRequest{}
		request.Params.Name = name
		request.Params.Arguments = args
		res, err := server.wrapTool(server.tools[name])(context.Background(), request)
		if err != nil {
			t.Fatalf("handler returned transport error: %v", err)
		}
		text := res.Content[0].(mcp.TextContent).Text
		var decoded map[string]interface{}
		if err := json.Unmarshal([]byte(text), &decoded); err != nil {
			t.Fatalf("payload is not JSON: %v (%s)", err, text)
		}
		return res, decoded
	}

	t.Run("success payload", func(t *testing.T) {
		res, decoded := call("read-facts", nil)
		if res.IsError {
			t.Fatalf("unexpected error result: %v", decoded)
		}
		if decoded["success"] != true {
			t.Errorf("expected success=true, got %v", decoded)
		}
	})

	t.Run("failure payload", func(t *testing.T) {
		res, decoded := call("send-prompt", map[string]interface{}{"session_id": "missing", "prompt": "hi"})
		if !res.IsError {
			t.Fatal("expected error result")
		}
		if decoded["success"] != false {
			t.Errorf("expected success=false, got %v", decoded)
		}
		if !strings.Contains(decoded["error"].(string), "no open chat") {
			t.Errorf("unexpected error text: %v", decoded["error"])
		}
	})
}

func TestMarshalToolPayloadFallback(t *testing.T) {
	payload := marshalToolPayload("test-tool", map[string]interface{}{
		"bad": math.NaN(),
	})

	var decoded map[string]interface{}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("payload should always be valid JSON: %v", err)
	}
	if success, _ := decoded["success"].(bool); success {
		t.Fatalf("expected success=false fallback payload, got %v", decoded)
	}
	if decoded["error"] == nil {
		t.Fatalf("expected fallback payload to include error, got %v", decoded)
	}
}

func TestBrowserToolsWithoutBrowser(t *testing.T) {
	server, _ := setupTestServer(t)
	ctx := context.Background()

	t.Run("list-sessions is empty", func(t *testing.T) {
		result, err := server.ExecuteTool(ctx, "list-sessions", nil)
		if err != nil {
			t.Fatalf("list-sessions failed: %v", err)
		}
		m := result.(map[string]interface{})
		if len(m["sessions"].([]browser.Session)) != 0 {
			t.Errorf("expected no sessions, got %v", m["sessions"])
		}
	})

	t.Run("open-chat needs a browser", func(t *testing.T) {
		server.cfg.Chat.URL = "http://127.0.0.1:1/chat"
		_, err := server.ExecuteTool(ctx, "open-chat", nil)
		if !errors.Is(err, browser.ErrNotConnected) {
			t.Errorf("expected ErrNotConnected, got %v", err)
		}
	})

	t.Run("open-chat needs a url", func(t *testing.T) {
		server.cfg.Chat.URL = ""
		_, err := server.ExecuteTool(ctx, "open-chat", nil)
		if err == nil || !strings.Contains(err.Error(), "chat url") {
			t.Errorf("expected missing url error, got %v", err)
		}
	})

	t.Run("shutdown is safe", func(t *testing.T) {
		result, err := server.ExecuteTool(ctx, "shutdown-browser", nil)
		if err != nil {
			t.Fatalf("shutdown-browser failed: %v", err)
		}
		if result.(map[string]interface{})["status"] != "stopped" {
			t.Errorf("unexpected result: %v", result)
		}
	})
}

func TestMetricsEndpoint(t *testing.T) {
	server, _ := setupTestServer(t)
	handler := server.httpHandler(mcpserver.NewSSEServer(server.mcpServer))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Error("expected default collectors in metrics output")
	}
}

func TestAboutResource(t *testing.T) {
	server, _ := setupTestServer(t)
	about := server.aboutPayload()
	if about["name"] != "test-server" {
		t.Errorf("unexpected name: %v", about["name"])
	}
	det := about["detector"].(map[string]interface{})
	if det["stable_window"] != "3s" {
		t.Errorf("expected default stable window, got %v", det["stable_window"])
	}
}
