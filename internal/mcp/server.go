package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"qapilot-mcp-server/internal/ai"
	"qapilot-mcp-server/internal/browser"
	"qapilot-mcp-server/internal/config"
	"qapilot-mcp-server/internal/formdata"
	"qapilot-mcp-server/internal/intent"
	"qapilot-mcp-server/internal/mangle"
	"qapilot-mcp-server/internal/orchestrator"
	"qapilot-mcp-server/internal/recorder"
	"qapilot-mcp-server/internal/session"
	"qapilot-mcp-server/internal/store"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
)

// Tabs lists and opens browser tabs. *browser.TabManager satisfies it.
type Tabs interface {
	ListTabs(ctx context.Context) ([]browser.Tab, error)
	OpenTab(ctx context.Context, url string) (browser.Tab, error)
}

// Pages resolves a tab to its page capabilities.
type Pages interface {
	Page(ctx context.Context, tabID string) (orchestrator.Page, error)
}

// Agents attaches an execution context to a tab before a session starts on
// it. *orchestrator.Pool satisfies it.
type Agents interface {
	Ensure(ctx context.Context, tabID string) (*orchestrator.Agent, error)
}

// Deps are the components the tools drive. Tabs, Pages, Agents, AI, Engine
// and Recorder may be nil; the tools that need them report unavailability.
type Deps struct {
	Tabs       Tabs
	Pages      Pages
	Agents     Agents
	Sessions   *session.Manager
	Translator *intent.Translator
	Forms      *formdata.Context
	Store      *store.Store
	AI         *ai.Client
	Engine     *mangle.Engine
	Recorder   *recorder.Recorder
}

// Server wires the MCP runtime to the test-session engine.
type Server struct {
	cfg       config.Config
	deps      Deps
	tools     map[string]Tool
	mcpServer *mcpserver.MCPServer
}

// Tool describes the contract for MCP tool implementations.
type Tool interface {
	Name() string
	Description() string
	InputSchema() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) (interface{}, error)
}

// NewServer constructs the QAPilot MCP server and registers all tools.
func NewServer(cfg config.Config, deps Deps) (*Server, error) {
	if deps.Sessions == nil || deps.Store == nil {
		return nil, fmt.Errorf("session manager and store are required")
	}
	mcpSrv := mcpserver.NewMCPServer(
		cfg.Server.Name,
		cfg.Server.Version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithLogging(),
		mcpserver.WithPromptCapabilities(false),
		mcpserver.WithRecovery(),
	)

	server := &Server{
		cfg:       cfg,
		deps:      deps,
		tools:     make(map[string]Tool),
		mcpServer: mcpSrv,
	}

	server.registerAllTools()
	server.registerAllResources()
	return server, nil
}

// Start launches the stdio server.
func (s *Server) Start(ctx context.Context) error {
	stdio := mcpserver.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// StartSSE hosts the server over HTTP using SSE endpoints with graceful shutdown.
func (s *Server) StartSSE(ctx context.Context, port int) error {
	sseServer := mcpserver.NewSSEServer(s.mcpServer, mcpserver.WithBaseURL("http://localhost:"+strconv.Itoa(port)))

	mux := http.NewServeMux()
	mux.Handle("/sse", sseServer.SSEHandler())
	mux.Handle("/message", sseServer.MessageHandler())

	httpServer := &http.Server{
		Addr:              ":" + strconv.Itoa(port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		log.Printf("SSE server shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// ExecuteTool executes a tool directly (used by the CLI and tests).
func (s *Server) ExecuteTool(ctx context.Context, name string, args map[string]interface{}) (interface{}, error) {
	tool, exists := s.tools[name]
	if !exists {
		return nil, fmt.Errorf("tool not found: %s", name)
	}
	if args == nil {
		args = map[string]interface{}{}
	}
	return tool.Execute(ctx, args)
}

// ToolNames lists the registered tools.
func (s *Server) ToolNames() []string {
	names := make([]string, 0, len(s.tools))
	for name := range s.tools {
		names = append(names, name)
	}
	return names
}

func (s *Server) registerAllTools() {
	d := s.deps

	// Tabs
	s.registerTool(&ListTabsTool{tabs: d.Tabs})
	s.registerTool(&OpenTabTool{tabs: d.Tabs})

	// Session lifecycle
	s.registerTool(&StartTestTool{tabs: d.Tabs, agents: d.Agents, sessions: d.Sessions})
	s.registerTool(&PauseTestTool{sessions: d.Sessions})
	s.registerTool(&ResumeTestTool{sessions: d.Sessions})
	s.registerTool(&StopTestTool{sessions: d.Sessions})
	s.registerTool(&TestStatusTool{sessions: d.Sessions, ai: d.AI})
	s.registerTool(&ClearSessionStateTool{sessions: d.Sessions})

	// Results
	s.registerTool(&GetTestReportTool{store: d.Store})
	s.registerTool(&GetTestLogsTool{sessions: d.Sessions})
	s.registerTool(&GetSessionTraceTool{recorder: d.Recorder, sessions: d.Sessions})
	s.registerTool(&FailedAPICallsTool{engine: d.Engine})

	// Planning and form data
	s.registerTool(&TranslateIntentTool{translator: d.Translator, pages: d.Pages})
	s.registerTool(&IntentHistoryTool{translator: d.Translator})
	s.registerTool(&CapturePageDataTool{forms: d.Forms, pages: d.Pages})
	s.registerTool(&SetCredentialTool{store: d.Store})
}

func (s *Server) registerTool(tool Tool) {
	s.tools[tool.Name()] = tool

	schema, err := json.Marshal(tool.InputSchema())
	if err != nil {
		schema = json.RawMessage(`{"type":"object"}`)
	}

	mcpTool := mcp.NewToolWithRawSchema(tool.Name(), tool.Description(), schema)
	s.mcpServer.AddTool(mcpTool, s.wrapTool(tool))
}

func (s *Server) wrapTool(tool Tool) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()
		if args == nil {
			args = map[string]interface{}{}
		}

		result, err := tool.Execute(ctx, args)
		if err != nil {
			log.Printf("[mcp] %s failed: %v", tool.Name(), err)
			return &mcp.CallToolResult{
				Content: []mcp.Content{mcp.NewTextContent(string(errorPayload(tool.Name(), err)))},
				IsError: true,
			}, nil
		}

		payload := marshalToolPayload(tool.Name(), result)
		return &mcp.CallToolResult{
			Content: []mcp.Content{mcp.NewTextContent(string(payload))},
			IsError: false,
		}, nil
	}
}

func errorPayload(toolName string, err error) []byte {
	payload, marshalErr := json.Marshal(map[string]interface{}{
		"success": false,
		"error":   fmt.Sprintf("tool %s failed: %v", toolName, err),
	})
	if marshalErr != nil {
		return []byte(`{"success":false,"error":"tool failed"}`)
	}
	return payload
}

func marshalToolPayload(toolName string, result interface{}) []byte {
	payload, marshalErr := json.Marshal(result)
	if marshalErr == nil {
		return payload
	}

	fallback := map[string]interface{}{
		"success": false,
		"error":   fmt.Sprintf("tool %s returned non-serializable payload: %v", toolName, marshalErr),
	}
	payload, fallbackErr := json.Marshal(fallback)
	if fallbackErr == nil {
		return payload
	}

	return []byte(fmt.Sprintf(`{"success":false,"error":"tool %s failed to encode payload"}`, toolName))
}
