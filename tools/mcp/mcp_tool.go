// Package mcp exposes tools served by external MCP servers through the
// tools.Tool interface.
package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"github.com/m4xw311/iabuilder/config"
	"github.com/m4xw311/iabuilder/errors"
	"github.com/m4xw311/iabuilder/tools"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// caller is the part of an MCP client session the tools use.
type caller interface {
	CallTool(ctx context.Context, params *mcpsdk.CallToolParams) (*mcpsdk.CallToolResult, error)
}

// Client manages the connection to a single MCP server subprocess.
type Client struct {
	Name   string
	cmd    *exec.Cmd
	conn   *mcpsdk.ClientSession
	tools  []*Tool
	logger *slog.Logger
}

// Start launches the server and discovers the tools it provides.
func Start(ctx context.Context, server config.MCPServer, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cmd := exec.Command(server.Command, server.Args...)
	cmd.Stderr = os.Stderr
	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "iabuilder", Version: "v1.0.0"}, nil)
	conn, err := client.Connect(ctx, mcpsdk.NewCommandTransport(cmd))
	if err != nil {
		if cmd.Process != nil {
			cmd.Process.Kill()
		}
		return nil, errors.Wrapf(err, "failed to connect to MCP server '%s'", server.Name)
	}
	c := &Client{Name: server.Name, cmd: cmd, conn: conn, logger: logger}

	params := &mcpsdk.ListToolsParams{}
	for {
		list, err := conn.ListTools(ctx, params)
		if err != nil {
			c.Stop()
			return nil, errors.Wrapf(err, "failed to list tools from MCP server '%s'", server.Name)
		}
		for _, t := range list.Tools {
			c.tools = append(c.tools, newTool(server.Name, t, conn))
		}
		if list.NextCursor == "" {
			break
		}
		params.Cursor = list.NextCursor
	}

	logger.Info("MCP server ready", "server", server.Name, "tools", len(c.tools))
	return c, nil
}

// Tools returns the server's tools.
func (c *Client) Tools() []tools.Tool {
	out := make([]tools.Tool, len(c.tools))
	for i, t := range c.tools {
		out[i] = t
	}
	return out
}

// Stop terminates the MCP server subprocess.
func (c *Client) Stop() error {
	if c.conn != nil {
		c.conn.Close()
	}
	if c.cmd != nil && c.cmd.Process != nil {
		c.logger.Info("terminating MCP server", "server", c.Name)
		return c.cmd.Process.Kill()
	}
	return nil
}

// StartAll launches every configured server and registers its tools.
// A server that fails to start is logged and skipped.
func StartAll(ctx context.Context, servers []config.MCPServer, registry *tools.Registry, logger *slog.Logger) []*Client {
	if logger == nil {
		logger = slog.Default()
	}
	var clients []*Client
	for _, server := range servers {
		c, err := Start(ctx, server, logger)
		if err != nil {
			logger.Warn("MCP server unavailable", "server", server.Name, "error", err)
			continue
		}
		for _, t := range c.Tools() {
			registry.Register(t)
		}
		clients = append(clients, c)
	}
	return clients
}

// Tool is a tool available from an external MCP server.
type Tool struct {
	server      string
	name        string
	description string
	schema      map[string]interface{}
	conn        caller
}

func newTool(server string, t *mcpsdk.Tool, conn caller) *Tool {
	schema := map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
	if t.InputSchema != nil {
		if data, err := json.Marshal(t.InputSchema); err == nil {
			var decoded map[string]interface{}
			if json.Unmarshal(data, &decoded) == nil && len(decoded) > 0 {
				schema = decoded
			}
		}
	}
	return &Tool{server: server, name: t.Name, description: t.Description, schema: schema, conn: conn}
}

// Name is the server's own tool name. Some backends reject dots and
// colons in function names, so no server prefix is added.
func (t *Tool) Name() string { return t.name }

func (t *Tool) Description() string {
	if t.description == "" {
		return "Tool provided by MCP server " + t.server
	}
	return t.description
}

func (t *Tool) Schema() map[string]interface{} { return t.schema }

// Server is the name of the MCP server providing the tool.
func (t *Tool) Server() string { return t.server }

// Execute sends the arguments to the MCP server and returns its text output.
func (t *Tool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	result, err := t.conn.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      t.name,
		Arguments: args,
	})
	if err != nil {
		return "", errors.Wrapf(err, "failed to call tool '%s'", t.name)
	}
	var out strings.Builder
	for _, c := range result.Content {
		if text, ok := c.(*mcpsdk.TextContent); ok {
			out.WriteString(text.Text)
		}
	}
	if result.IsError {
		return out.String(), errors.New("MCP tool '%s' reported an error: %s", t.name, out.String())
	}
	return out.String(), nil
}
