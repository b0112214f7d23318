package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// MCPServerConfig configures the capability-discovery MCP endpoint.
type MCPServerConfig struct {
	Port int // Port to listen on; 0 lets the OS pick one.
}

// MCPServer exposes the registry's capability lookup over MCP, mirroring
// the teacher's mcpserver package: agent tooling that wants to discover
// which agents can serve a capability without speaking the C1 envelope
// protocol can do so as an MCP tool call instead, the same "SSE +
// Streamable HTTP, shared MCPServer core" shape the teacher uses to
// expose its board/task tools.
type MCPServer struct {
	cfg                  MCPServerConfig
	registry             *Registry
	sseServer            *server.SSEServer
	streamableHTTPServer *server.StreamableHTTPServer
	httpServer           *http.Server
	mu                   sync.Mutex
	running              bool
}

// NewMCPServer wraps r with an MCP capability-discovery endpoint.
func NewMCPServer(r *Registry, cfg MCPServerConfig) *MCPServer {
	return &MCPServer{cfg: cfg, registry: r}
}

// Start brings up the SSE and Streamable HTTP transports and returns once
// the listener is accepting connections. The returned port (cfg.Port when
// non-zero; an OS-assigned one otherwise) is stored back onto s.cfg.Port.
func (s *MCPServer) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("registry: mcp server already running")
	}
	s.mu.Unlock()

	mcpServer := server.NewMCPServer(
		"orbital-registry-mcp",
		"1.0.0",
		server.WithToolCapabilities(true),
	)
	s.registerTools(mcpServer)

	s.sseServer = server.NewSSEServer(mcpServer)
	s.streamableHTTPServer = server.NewStreamableHTTPServer(mcpServer, server.WithEndpointPath("/mcp"))

	mux := http.NewServeMux()
	mux.Handle("/sse", s.sseServer.SSEHandler())
	mux.Handle("/message", s.sseServer.MessageHandler())
	mux.Handle("/mcp", s.streamableHTTPServer)

	addr := fmt.Sprintf(":%d", s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("registry: mcp server listen on %s: %w", addr, err)
	}
	if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
		s.cfg.Port = tcpAddr.Port
	}

	s.httpServer = &http.Server{Handler: mux}

	s.mu.Lock()
	s.running = true
	s.mu.Unlock()

	go s.httpServer.Serve(listener)
	return nil
}

// Stop shuts the MCP endpoint down.
func (s *MCPServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || s.httpServer == nil {
		return nil
	}
	s.running = false
	return s.httpServer.Shutdown(ctx)
}

// registerTools exposes capability-based agent lookup as two MCP tools:
// list_agents (full directory) and find_agent_for_capability (the same
// selection policy LookupByCapability applies for C1 assign).
func (s *MCPServer) registerTools(mcpServer *server.MCPServer) {
	mcpServer.AddTool(
		mcp.NewTool("list_agents",
			mcp.WithDescription("List every agent known to the registry, with capabilities and availability."),
		),
		s.listAgentsHandler(),
	)

	mcpServer.AddTool(
		mcp.NewTool("find_agent_for_capability",
			mcp.WithDescription("Find the best available agent advertising a given capability tag, using the registry's availability/recency/registration-order selection policy."),
			mcp.WithString("capability",
				mcp.Required(),
				mcp.Description("The capability tag to search for, e.g. \"ocr\" or \"summarize\"."),
			),
		),
		s.findAgentHandler(),
	)
}

func (s *MCPServer) listAgentsHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		agents := s.registry.ListAll()
		body, err := json.Marshal(agents)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to marshal agents: %v", err)), nil
		}
		return mcp.NewToolResultText(string(body)), nil
	}
}

func (s *MCPServer) findAgentHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		capability, err := req.RequireString("capability")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		agent, ok := s.registry.LookupByCapability(capability)
		if !ok {
			return mcp.NewToolResultError(fmt.Sprintf("no agent advertises capability %q", capability)), nil
		}

		body, err := json.Marshal(agent)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to marshal agent: %v", err)), nil
		}
		return mcp.NewToolResultText(string(body)), nil
	}
}
