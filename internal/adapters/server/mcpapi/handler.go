// Package mcpapi provides a stateless MCP streamable-HTTP adapter.
package mcpapi

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/hylla/waypoint/internal/adapters/server/common"
)

// Config captures MCP transport configuration.
type Config struct {
	ServerName    string
	ServerVersion string
	EndpointPath  string
}

// Handler wraps one stateless MCP streamable HTTP handler.
type Handler struct {
	httpHandler http.Handler
}

// NewHandler builds one stateless MCP adapter exposing project read, lease, and mutation tools.
func NewHandler(cfg Config, projects common.ProjectService) (*Handler, error) {
	if projects == nil {
		return nil, fmt.Errorf("project service is required")
	}
	cfg = normalizeConfig(cfg)

	mcpSrv := mcpserver.NewMCPServer(
		cfg.ServerName,
		cfg.ServerVersion,
		mcpserver.WithToolCapabilities(false),
	)
	registerReadTools(mcpSrv, projects)
	registerLeaseTools(mcpSrv, projects)
	registerMutationTools(mcpSrv, projects)
	registerSyncTools(mcpSrv, projects)

	streamable := mcpserver.NewStreamableHTTPServer(
		mcpSrv,
		mcpserver.WithEndpointPath(cfg.EndpointPath),
		mcpserver.WithStateLess(true),
	)
	return &Handler{httpHandler: streamable}, nil
}

// ServeHTTP handles one MCP streamable HTTP request.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.httpHandler == nil {
		http.Error(w, "mcp handler unavailable", http.StatusServiceUnavailable)
		return
	}
	h.httpHandler.ServeHTTP(w, r)
}

// normalizeConfig applies deterministic defaults to MCP adapter config.
func normalizeConfig(cfg Config) Config {
	cfg.ServerName = strings.TrimSpace(cfg.ServerName)
	if cfg.ServerName == "" {
		cfg.ServerName = "waypoint"
	}
	cfg.ServerVersion = strings.TrimSpace(cfg.ServerVersion)
	if cfg.ServerVersion == "" {
		cfg.ServerVersion = "dev"
	}
	cfg.EndpointPath = strings.TrimSpace(cfg.EndpointPath)
	if cfg.EndpointPath == "" {
		cfg.EndpointPath = "/mcp"
	}
	if !strings.HasPrefix(cfg.EndpointPath, "/") {
		cfg.EndpointPath = "/" + cfg.EndpointPath
	}
	cfg.EndpointPath = "/" + strings.Trim(cfg.EndpointPath, "/")
	return cfg
}

// registerReadTools registers project listing, snapshot, and status tools.
func registerReadTools(srv *mcpserver.MCPServer, projects common.ProjectService) {
	srv.AddTool(
		mcp.NewTool(
			"waypoint.list_projects",
			mcp.WithDescription("List saved projects."),
		),
		func(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			rows, err := projects.ListProjects(ctx)
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonToolResult("list_projects", map[string]any{"projects": rows})
		},
	)

	srv.AddTool(
		mcp.NewTool(
			"waypoint.get_project",
			mcp.WithDescription("Return the full project snapshot with milestones, KPIs, tasks, and overall progress."),
			mcp.WithString("project_id", mcp.Required(), mcp.Description("Project identifier")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			projectID, err := req.RequireString("project_id")
			if err != nil {
				return invalidRequestToolResult(err), nil
			}
			snap, err := projects.GetProject(ctx, projectID)
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonToolResult("get_project", map[string]any{"project": snap})
		},
	)

	srv.AddTool(
		mcp.NewTool(
			"waypoint.project_status",
			mcp.WithDescription("Report unsaved changes, last save time, and the current lease holder."),
			mcp.WithString("project_id", mcp.Required(), mcp.Description("Project identifier")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			projectID, err := req.RequireString("project_id")
			if err != nil {
				return invalidRequestToolResult(err), nil
			}
			status, err := projects.ProjectStatus(ctx, projectID)
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonToolResult("project_status", map[string]any{"status": status})
		},
	)

	srv.AddTool(
		mcp.NewTool(
			"waypoint.list_events",
			mcp.WithDescription("List recorded change events for one project, newest first."),
			mcp.WithString("project_id", mcp.Required(), mcp.Description("Project identifier")),
			mcp.WithNumber("limit", mcp.Description("Maximum rows to return (0 for all)")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			projectID, err := req.RequireString("project_id")
			if err != nil {
				return invalidRequestToolResult(err), nil
			}
			events, err := projects.ListEvents(ctx, projectID, req.GetInt("limit", 0))
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonToolResult("list_events", map[string]any{"events": events})
		},
	)
}

// registerLeaseTools registers edit lease acquire, renew, and release tools.
func registerLeaseTools(srv *mcpserver.MCPServer, projects common.ProjectService) {
	leaseTool := func(name, description string) mcp.Tool {
		return mcp.NewTool(
			name,
			mcp.WithDescription(description),
			mcp.WithString("project_id", mcp.Required(), mcp.Description("Project identifier")),
			mcp.WithString("editor_id", mcp.Required(), mcp.Description("Stable editor identifier")),
			mcp.WithString("editor_name", mcp.Description("Display name reported to other editors")),
		)
	}

	srv.AddTool(
		leaseTool("waypoint.acquire_lease", "Acquire the project-wide edit lease. Fails when another editor holds a valid lease."),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			projectID, editor, errResult := projectAndEditor(req)
			if errResult != nil {
				return errResult, nil
			}
			lease, err := projects.AcquireLease(ctx, projectID, editor)
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonToolResult("acquire_lease", map[string]any{"lease": lease})
		},
	)

	srv.AddTool(
		leaseTool("waypoint.renew_lease", "Renew the edit lease held by the editor."),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			projectID, editor, errResult := projectAndEditor(req)
			if errResult != nil {
				return errResult, nil
			}
			lease, err := projects.RenewLease(ctx, projectID, editor)
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonToolResult("renew_lease", map[string]any{"lease": lease})
		},
	)

	srv.AddTool(
		leaseTool("waypoint.release_lease", "Release the edit lease. Releasing a lease held by someone else is a no-op."),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			projectID, editor, errResult := projectAndEditor(req)
			if errResult != nil {
				return errResult, nil
			}
			if err := projects.ReleaseLease(ctx, projectID, editor); err != nil {
				return toolResultFromError(err), nil
			}
			return jsonToolResult("release_lease", map[string]any{"released": true})
		},
	)
}

// projectAndEditor reads the shared project and editor identity arguments.
func projectAndEditor(req mcp.CallToolRequest) (string, common.Editor, *mcp.CallToolResult) {
	projectID, err := req.RequireString("project_id")
	if err != nil {
		return "", common.Editor{}, invalidRequestToolResult(err)
	}
	editorID, err := req.RequireString("editor_id")
	if err != nil {
		return "", common.Editor{}, invalidRequestToolResult(err)
	}
	return projectID, common.Editor{ID: editorID, Name: req.GetString("editor_name", "")}, nil
}

// jsonToolResult encodes one structured tool result.
func jsonToolResult(tool string, payload any) (*mcp.CallToolResult, error) {
	result, err := mcp.NewToolResultJSON(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s result: %w", tool, err)
	}
	return result, nil
}

// invalidRequestToolResult reports one malformed tool argument set.
func invalidRequestToolResult(err error) *mcp.CallToolResult {
	return mcp.NewToolResultError("invalid_request: " + err.Error())
}

// toolResultFromError maps adapter errors into `code: message` tool errors.
func toolResultFromError(err error) *mcp.CallToolResult {
	if err == nil {
		return mcp.NewToolResultError("unknown error")
	}
	class := common.ClassifyError(err)
	return mcp.NewToolResultError(class.Code + ": " + err.Error())
}
