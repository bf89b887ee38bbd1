package patternwatch

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/phl/kit"
)

// RegisterMCP registers the patternwatch tools on an MCP server:
// patternwatch_pages, patternwatch_count, patternwatch_redo and
// patternwatch_show.
func (w *Watcher) RegisterMCP(srv *mcp.Server) {
	pageSchema := inputSchema(map[string]any{
		"page": map[string]any{"type": "string", "description": "Page id"},
	}, []string{"page"})

	kit.MCPTool[struct{}](srv, &mcp.Tool{
		Name:        "patternwatch_pages",
		Description: "List the watched pages with their run state and last counts.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}, func(context.Context, any) (any, error) {
		return w.Pages(), nil
	})

	kit.MCPTool[PageRequest](srv, &mcp.Tool{
		Name:        "patternwatch_count",
		Description: "Per-pattern visible and hidden element ids currently tagged on a page.",
		InputSchema: pageSchema,
	}, w.countEndpoint())

	kit.MCPTool[PageRequest](srv, &mcp.Tool{
		Name:        "patternwatch_redo",
		Description: "Start a detection run on a page now. Dropped if a run is in flight.",
		InputSchema: pageSchema,
	}, w.redoEndpoint())

	kit.MCPTool[ShowRequest](srv, &mcp.Tool{
		Name:        "patternwatch_show",
		Description: "Scroll a page to a tagged element and overlay it briefly.",
		InputSchema: inputSchema(map[string]any{
			"page": map[string]any{"type": "string", "description": "Page id"},
			"id":   map[string]any{"type": "integer", "description": "Element identity from patternwatch_count"},
		}, []string{"page", "id"}),
	}, w.showEndpoint())
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}
