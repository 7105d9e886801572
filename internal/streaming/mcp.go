package streaming

import (
	"context"
	"strings"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/botmesh/botmesh/internal/common/logger"
	"github.com/botmesh/botmesh/internal/resource"
	"github.com/botmesh/botmesh/internal/shell"
)

const mcpConnectTimeout = 15 * time.Second

// expandVars substitutes ${key} placeholders (e.g. ${user.name}) in s.
func expandVars(s string, vars map[string]string) string {
	if len(vars) == 0 || !strings.Contains(s, "${") {
		return s
	}
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "${"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(s)
}

// collectMCPTools connects to each configured MCP server, discovers its
// tools and returns them with the substituted server configs the shell
// uses to establish its own connections. A server that fails to answer is
// logged and skipped so one bad endpoint does not sink the stream.
func collectMCPTools(ctx context.Context, servers []resource.MCPServerConfig, vars map[string]string, log *logger.Logger) ([]shell.Tool, []shell.MCPServer) {
	var tools []shell.Tool
	var configs []shell.MCPServer

	for _, server := range servers {
		url := expandVars(server.URL, vars)
		headers := make(map[string]string, len(server.Headers))
		for k, v := range server.Headers {
			headers[k] = expandVars(v, vars)
		}
		configs = append(configs, shell.MCPServer{Name: server.Name, URL: url, Headers: headers})

		discovered, err := listServerTools(ctx, url, headers)
		if err != nil {
			log.WithError(err).Warn("skipping unreachable MCP server",
				zap.String("server", server.Name), zap.String("url", url))
			continue
		}
		for _, tool := range discovered {
			tool.Server = server.Name
			tools = append(tools, tool)
		}
		log.Debug("discovered MCP tools",
			zap.String("server", server.Name), zap.Int("tools", len(discovered)))
	}
	return tools, configs
}

// listServerTools performs the MCP handshake and tool discovery against one
// server, closing the client afterwards. The shell reconnects itself when
// it actually invokes a tool.
func listServerTools(ctx context.Context, url string, headers map[string]string) ([]shell.Tool, error) {
	ctx, cancel := context.WithTimeout(ctx, mcpConnectTimeout)
	defer cancel()

	var opts []transport.StreamableHTTPCOption
	if len(headers) > 0 {
		opts = append(opts, transport.WithHTTPHeaders(headers))
	}
	client, err := mcpclient.NewStreamableHttpClient(url, opts...)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	if err := client.Start(ctx); err != nil {
		return nil, err
	}

	initReq := mcpgo.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcpgo.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcpgo.Implementation{Name: "botmesh", Version: "1.0.0"}
	if _, err := client.Initialize(ctx, initReq); err != nil {
		return nil, err
	}

	result, err := client.ListTools(ctx, mcpgo.ListToolsRequest{})
	if err != nil {
		return nil, err
	}

	tools := make([]shell.Tool, 0, len(result.Tools))
	for _, tool := range result.Tools {
		tools = append(tools, shell.Tool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: schemaToMap(tool.InputSchema),
		})
	}
	return tools, nil
}

func schemaToMap(schema mcpgo.ToolInputSchema) map[string]any {
	out := map[string]any{"type": schema.Type}
	if len(schema.Properties) > 0 {
		out["properties"] = schema.Properties
	}
	if len(schema.Required) > 0 {
		out["required"] = schema.Required
	}
	return out
}
