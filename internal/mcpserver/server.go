package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all escrowd tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("escrowd", "1.0.0")
	client := NewEscrowdClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolRegisterParty, h.HandleRegisterParty)
	s.AddTool(ToolCoordinateHandshake, h.HandleCoordinateHandshake)
	s.AddTool(ToolEscrowStatus, h.HandleEscrowStatus)
	s.AddTool(ToolCheckBalance, h.HandleCheckBalance)
	s.AddTool(ToolInitiateRelease, h.HandleInitiateRelease)
	s.AddTool(ToolAbortEscrow, h.HandleAbortEscrow)

	return s
}
