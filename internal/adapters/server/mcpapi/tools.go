package mcpapi

import (
	"context"
	"slices"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/hylla/waypoint/internal/adapters/server/common"
	"github.com/hylla/waypoint/internal/app"
)

// registerMutationTools registers lease-gated milestone and KPI edit tools.
func registerMutationTools(srv *mcpserver.MCPServer, projects common.ProjectService) {
	srv.AddTool(
		mcp.NewTool(
			"waypoint.set_milestone_progress",
			mcp.WithDescription("Set one milestone's progress percent. Requires the caller to hold the edit lease."),
			mcp.WithString("project_id", mcp.Required(), mcp.Description("Project identifier")),
			mcp.WithString("editor_id", mcp.Required(), mcp.Description("Editor holding the lease")),
			mcp.WithString("milestone_id", mcp.Required(), mcp.Description("Milestone identifier")),
			mcp.WithNumber("progress", mcp.Required(), mcp.Description("Progress percent in [0,100]")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			projectID, editor, errResult := projectAndEditor(req)
			if errResult != nil {
				return errResult, nil
			}
			milestoneID, err := req.RequireString("milestone_id")
			if err != nil {
				return invalidRequestToolResult(err), nil
			}
			progress, err := req.RequireInt("progress")
			if err != nil {
				return invalidRequestToolResult(err), nil
			}
			snap, err := projects.SetMilestoneProgress(ctx, projectID, editor, milestoneID, progress)
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonToolResult("set_milestone_progress", map[string]any{
				"overall_progress": snap.OverallProgress,
				"project":          snap,
			})
		},
	)

	srv.AddTool(
		mcp.NewTool(
			"waypoint.update_kpi",
			mcp.WithDescription("Create or update one milestone KPI. Omitted fields keep their current values; status is derived."),
			mcp.WithString("project_id", mcp.Required(), mcp.Description("Project identifier")),
			mcp.WithString("editor_id", mcp.Required(), mcp.Description("Editor holding the lease")),
			mcp.WithString("milestone_id", mcp.Required(), mcp.Description("Milestone identifier")),
			mcp.WithString("kpi_id", mcp.Required(), mcp.Description("KPI identifier")),
			mcp.WithString("name", mcp.Description("KPI name (required for new KPIs)")),
			mcp.WithNumber("target", mcp.Description("Target value, greater than zero")),
			mcp.WithNumber("current", mcp.Description("Current value")),
			mcp.WithString("unit", mcp.Description("Display unit")),
			mcp.WithString("trend", mcp.Description("Trend marker"), mcp.Enum("up", "down", "stable")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			var args struct {
				ProjectID   string   `json:"project_id"`
				EditorID    string   `json:"editor_id"`
				EditorName  string   `json:"editor_name"`
				MilestoneID string   `json:"milestone_id"`
				KPIID       string   `json:"kpi_id"`
				Name        *string  `json:"name"`
				Target      *float64 `json:"target"`
				Current     *float64 `json:"current"`
				Unit        *string  `json:"unit"`
				Trend       *string  `json:"trend"`
			}
			if err := req.BindArguments(&args); err != nil {
				return invalidRequestToolResult(err), nil
			}
			for _, required := range []struct{ name, value string }{
				{"project_id", args.ProjectID},
				{"editor_id", args.EditorID},
				{"milestone_id", args.MilestoneID},
				{"kpi_id", args.KPIID},
			} {
				if strings.TrimSpace(required.value) == "" {
					return mcp.NewToolResultError(`invalid_request: required argument "` + required.name + `" not found`), nil
				}
			}
			current, err := projects.GetProject(ctx, args.ProjectID)
			if err != nil {
				return toolResultFromError(err), nil
			}
			kpi := existingKPI(current, args.MilestoneID, args.KPIID)
			if args.Name != nil {
				kpi.Name = *args.Name
			}
			if args.Target != nil {
				kpi.Target = *args.Target
			}
			if args.Current != nil {
				kpi.Current = *args.Current
			}
			if args.Unit != nil {
				kpi.Unit = *args.Unit
			}
			if args.Trend != nil {
				kpi.Trend = *args.Trend
			}
			editor := common.Editor{ID: args.EditorID, Name: args.EditorName}
			snap, err := projects.UpsertKPI(ctx, args.ProjectID, editor, args.MilestoneID, kpi)
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonToolResult("update_kpi", map[string]any{
				"kpi":     existingKPI(snap, args.MilestoneID, args.KPIID),
				"project": snap,
			})
		},
	)
}

// existingKPI returns the KPI with kpiID under milestoneID, or a blank one carrying kpiID.
func existingKPI(snap app.Snapshot, milestoneID, kpiID string) app.SnapshotKPI {
	milestoneID = strings.TrimSpace(milestoneID)
	kpiID = strings.TrimSpace(kpiID)
	mIdx := slices.IndexFunc(snap.Milestones, func(m app.SnapshotMilestone) bool { return m.ID == milestoneID })
	if mIdx >= 0 {
		kpis := snap.Milestones[mIdx].KPIs
		if kIdx := slices.IndexFunc(kpis, func(k app.SnapshotKPI) bool { return k.ID == kpiID }); kIdx >= 0 {
			return kpis[kIdx]
		}
	}
	return app.SnapshotKPI{ID: kpiID}
}

// registerSyncTools registers save, export, and announce tools.
func registerSyncTools(srv *mcpserver.MCPServer, projects common.ProjectService) {
	srv.AddTool(
		mcp.NewTool(
			"waypoint.save",
			mcp.WithDescription("Persist the project now. On failure local edits are kept and remain unsaved."),
			mcp.WithString("project_id", mcp.Required(), mcp.Description("Project identifier")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			projectID, err := req.RequireString("project_id")
			if err != nil {
				return invalidRequestToolResult(err), nil
			}
			status, err := projects.Save(ctx, projectID)
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonToolResult("save", map[string]any{"status": status})
		},
	)

	srv.AddTool(
		mcp.NewTool(
			"waypoint.export",
			mcp.WithDescription("Export the project as a JSON snapshot document with ISO-8601 dates."),
			mcp.WithString("project_id", mcp.Required(), mcp.Description("Project identifier")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			projectID, err := req.RequireString("project_id")
			if err != nil {
				return invalidRequestToolResult(err), nil
			}
			data, err := projects.Export(ctx, projectID)
			if err != nil {
				return toolResultFromError(err), nil
			}
			return mcp.NewToolResultText(string(data)), nil
		},
	)

	srv.AddTool(
		mcp.NewTool(
			"waypoint.announce",
			mcp.WithDescription("Fan out a change that happened outside this server, such as a posted comment."),
			mcp.WithString("project_id", mcp.Required(), mcp.Description("Project identifier")),
			mcp.WithString("kind", mcp.Required(), mcp.Description("Change kind"), mcp.Enum("milestone", "task", "comment", "update")),
			mcp.WithString("actor_id", mcp.Description("Who made the change")),
			mcp.WithString("summary", mcp.Description("Short human-readable summary")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			projectID, err := req.RequireString("project_id")
			if err != nil {
				return invalidRequestToolResult(err), nil
			}
			kind, err := req.RequireString("kind")
			if err != nil {
				return invalidRequestToolResult(err), nil
			}
			var payload map[string]string
			if summary := strings.TrimSpace(req.GetString("summary", "")); summary != "" {
				payload = map[string]string{"summary": summary}
			}
			evt, err := projects.Announce(ctx, projectID, common.AnnounceRequest{
				Kind:    kind,
				ActorID: req.GetString("actor_id", ""),
				Payload: payload,
			})
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonToolResult("announce", map[string]any{"event": evt})
		},
	)
}
