// txload MCP server.
// Exposes the txload status API as MCP tools over stdio.
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	mcptools "github.com/gateway-fm/txload/internal/mcp"
)

func main() {
	baseURL := os.Getenv("TXLOAD_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}

	s := server.NewMCPServer(
		"txload",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)

	mcptools.RegisterTools(s, mcptools.NewClient(baseURL))

	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}
