package mcp

import (
	"context"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/rs/zerolog/log"
)

// withCorrelation tags every tool invocation with a correlation ID so a
// multi-step MCP session's log lines for one call can be grep'd together.
func withCorrelation(
	name string,
	h func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error),
) func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		correlationID := uuid.NewString()
		log.Debug().Str("tool", name).Str("correlation_id", correlationID).Msg("mcp tool call")

		result, err := h(ctx, request)

		le := log.Debug().Str("tool", name).Str("correlation_id", correlationID)
		if err != nil {
			le.Err(err).Msg("mcp tool call failed")
		} else {
			le.Msg("mcp tool call completed")
		}
		return result, err
	}
}
