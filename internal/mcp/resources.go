package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"qapilot-mcp-server/internal/mangle"
	"qapilot-mcp-server/internal/store"

	"github.com/mark3labs/mcp-go/mcp"
)

const (
	resourceMIMEJSON = "application/json"
)

func (s *Server) registerAllResources() {
	if s == nil || s.mcpServer == nil {
		return
	}

	s.mcpServer.AddResource(
		mcp.NewResource(
			"qapilot://status",
			"Test Session Status",
			mcp.WithMIMEType(resourceMIMEJSON),
			mcp.WithResourceDescription("Current session, counters and the last ended session, without probing the tab."),
		),
		s.handleStatusResource,
	)

	s.mcpServer.AddResource(
		mcp.NewResource(
			"qapilot://report/last",
			"Last Test Report",
			mcp.WithMIMEType(resourceMIMEJSON),
			mcp.WithResourceDescription("Quality report of the most recent finished or stopped session."),
		),
		s.handleLastReportResource,
	)

	s.mcpServer.AddResourceTemplate(
		mcp.NewResourceTemplate(
			"qapilot://facts/{predicate}{?limit}",
			"Traffic Facts",
			mcp.WithTemplateMIMEType(resourceMIMEJSON),
			mcp.WithTemplateDescription("Most recent API traffic facts of the current session for one predicate (net_request, net_response, net_failed, api_error)."),
		),
		s.handleFactsResource,
	)
}

func (s *Server) handleStatusResource(_ context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	payload := map[string]interface{}{
		"name":         s.cfg.Server.Name,
		"version":      s.cfg.Server.Version,
		"status":       s.deps.Sessions.Status(),
		"store":        s.deps.Store.Name(),
		"timestamp_ms": time.Now().UnixMilli(),
	}
	return jsonContents(request.Params.URI, payload)
}

func (s *Server) handleLastReportResource(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	raw, err := s.deps.Store.GetRaw(ctx, store.KeyLastTestReport)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		raw = json.RawMessage(`null`)
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      request.Params.URI,
			MIMEType: resourceMIMEJSON,
			Text:     string(raw),
		},
	}, nil
}

func (s *Server) handleFactsResource(_ context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	if s.deps.Engine == nil {
		return nil, fmt.Errorf("mangle engine unavailable")
	}

	predicate := argString(request.Params.Arguments["predicate"])
	if predicate == "" {
		return nil, fmt.Errorf("missing predicate")
	}
	limit := clampLimit(asInt(request.Params.Arguments["limit"]), 25, 500)
	facts := recentFacts(s.deps.Engine, predicate, limit)

	return jsonContents(request.Params.URI, map[string]interface{}{
		"predicate": predicate,
		"limit":     limit,
		"count":     len(facts),
		"facts":     facts,
	})
}

// recentFacts returns the newest limit facts of predicate, oldest first.
func recentFacts(engine *mangle.Engine, predicate string, limit int) []mangle.Fact {
	source := engine.FactsByPredicate(predicate)
	if len(source) > limit {
		source = source[len(source)-limit:]
	}
	return source
}

func jsonContents(uri string, payload interface{}) ([]mcp.ResourceContents, error) {
	text, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: resourceMIMEJSON,
			Text:     string(text),
		},
	}, nil
}

func argString(v any) string {
	switch value := v.(type) {
	case nil:
		return ""
	case string:
		return value
	case []string:
		if len(value) == 0 {
			return ""
		}
		return value[0]
	default:
		return fmt.Sprintf("%v", value)
	}
}

func asInt(v any) int {
	switch value := v.(type) {
	case int:
		return value
	case float64:
		return int(value)
	case string:
		n, _ := strconv.Atoi(value)
		return n
	case []string:
		if len(value) == 0 {
			return 0
		}
		n, _ := strconv.Atoi(value[0])
		return n
	}
	return 0
}
