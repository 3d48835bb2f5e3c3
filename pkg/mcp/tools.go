package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/steward/internal/diagram"
	"github.com/rendis/steward/internal/engine"
	"github.com/rendis/steward/internal/scanner"
	"github.com/rendis/steward/internal/store"
	"github.com/rendis/steward/pkg/schema"
)

const (
	defaultRunLimit          = 50
	defaultNotificationLimit = 50
)

// defineResult is returned by steward.define.
type defineResult struct {
	ID       string                   `json:"id"`
	Version  int                      `json:"version"`
	Steps    int                      `json:"steps"`
	Warnings []schema.ValidationIssue `json:"warnings,omitempty"`
}

// handleDefine validates and stores a process definition.
func (s *StewardServer) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	defRaw := mcp.ParseStringMap(req, "definition", nil)
	if defRaw == nil {
		return mcp.NewToolResultError("definition is required"), nil
	}

	defBytes, err := json.Marshal(defRaw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err)), nil
	}
	var def schema.ProcessDefinition
	if err := json.Unmarshal(defBytes, &def); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err)), nil
	}

	var warnings []schema.ValidationIssue
	if s.validator != nil {
		result := s.validator.Validate(&def)
		if err := result.ToError(); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("definition rejected: %v", err)), nil
		}
		warnings = result.Warnings
	}

	if err := s.store.SaveProcess(ctx, &def); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to save definition: %v", err)), nil
	}

	return marshalResult(defineResult{
		ID:       def.ID,
		Version:  def.Version,
		Steps:    len(def.Steps),
		Warnings: warnings,
	})
}

// handleStart creates a run and, unless drive=false, executes its leading
// AUTO steps.
func (s *StewardServer) handleStart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	processID, err := req.RequireString("process_id")
	if err != nil {
		return mcp.NewToolResultError("process_id is required"), nil
	}
	startedBy, err := req.RequireString("started_by")
	if err != nil {
		return mcp.NewToolResultError("started_by is required"), nil
	}

	s.captureSession(ctx, startedBy)

	run, err := s.engine.StartRun(ctx, engine.StartRequest{
		ProcessID:      processID,
		ProcessVersion: req.GetInt("process_version", 0),
		OrganizationID: req.GetString("organization_id", ""),
		StartedBy:      startedBy,
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to start run: %v", err)), nil
	}

	if !req.GetBool("drive", true) || run.IsTerminal() {
		return marshalResult(&engine.AdvanceResult{Run: run, Terminal: run.IsTerminal()})
	}

	result, err := s.engine.Drive(ctx, run.ID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("run %s started but could not advance: %v", run.ID, err)), nil
	}
	return marshalResult(result)
}

// handleAdvance drives a run, or moves it by one step when single=true.
func (s *StewardServer) handleAdvance(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	var result *engine.AdvanceResult
	if req.GetBool("single", false) {
		result, err = s.engine.Advance(ctx, runID, nil)
	} else {
		result, err = s.engine.Drive(ctx, runID)
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("advance failed: %v", err)), nil
	}
	return marshalResult(result)
}

// handleComplete reports a HUMAN step as done.
func (s *StewardServer) handleComplete(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	signal := schema.CompletionSignal{
		StepID: req.GetString("step_id", ""),
		Actor:  req.GetString("actor", ""),
		Output: mcp.ParseStringMap(req, "output", nil),
	}
	if _, ok := req.GetArguments()["step_index"]; ok {
		idx := req.GetInt("step_index", 0)
		signal.StepIndex = &idx
	}
	if signal.StepID == "" && signal.StepIndex == nil {
		return mcp.NewToolResultError("step_id or step_index is required"), nil
	}

	s.captureSession(ctx, signal.Actor)

	result, err := s.engine.Complete(ctx, runID, signal)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("complete failed: %v", err)), nil
	}
	return marshalResult(result)
}

// handleFlag flags a run on behalf of an operator.
func (s *StewardServer) handleFlag(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	message, err := req.RequireString("error")
	if err != nil {
		return mcp.NewToolResultError("error is required"), nil
	}

	flagReq := engine.FlagRequest{
		Detail: schema.ErrorDetail{
			Error:   message,
			Code:    req.GetString("code", ""),
			Details: mcp.ParseStringMap(req, "details", nil),
		},
	}
	if stepID := req.GetString("step_id", ""); stepID != "" {
		flagReq.StepRef = &schema.StepRef{StepID: stepID}
	}

	run, err := s.engine.Flag(ctx, runID, flagReq)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("flag failed: %v", err)), nil
	}
	return marshalResult(run)
}

// handleReactivate returns a flagged run to active.
func (s *StewardServer) handleReactivate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	actor, err := req.RequireString("actor")
	if err != nil {
		return mcp.NewToolResultError("actor is required"), nil
	}

	s.captureSession(ctx, actor)

	run, err := s.engine.Reactivate(ctx, runID, actor)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("reactivate failed: %v", err)), nil
	}
	if !req.GetBool("drive", false) {
		return marshalResult(&engine.AdvanceResult{Run: run})
	}

	result, err := s.engine.Drive(ctx, runID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("run %s reactivated but could not advance: %v", runID, err)), nil
	}
	return marshalResult(result)
}

// handleStatus returns the run with its current step.
func (s *StewardServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	status, err := s.engine.Status(ctx, runID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status failed: %v", err)), nil
	}
	return marshalResult(status)
}

// handleRuns lists runs matching the filters.
func (s *StewardServer) handleRuns(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := store.RunFilter{
		OrganizationID: req.GetString("organization_id", ""),
		ProcessID:      req.GetString("process_id", ""),
		StartedBy:      req.GetString("started_by", ""),
		Limit:          req.GetInt("limit", defaultRunLimit),
	}
	if status := schema.RunStatus(req.GetString("status", "")); status != "" {
		if !status.Valid() {
			return mcp.NewToolResultError(fmt.Sprintf("unknown status %q", status)), nil
		}
		filter.Status = &status
	}

	runs, err := s.store.QueryRuns(ctx, filter)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list runs: %v", err)), nil
	}
	if runs == nil {
		runs = []*schema.ActiveRun{}
	}
	return marshalResult(map[string]any{"runs": runs, "count": len(runs)})
}

// handleScan runs one overdue scan.
func (s *StewardServer) handleScan(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.scanner == nil {
		return mcp.NewToolResultError("scanner is not configured"), nil
	}
	report, err := s.scanner.Scan(ctx, scanner.ScanOptions{
		OrganizationID: req.GetString("organization_id", ""),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("scan failed: %v", err)), nil
	}
	return marshalResult(report)
}

// handleNotifications lists a user's inbox.
func (s *StewardServer) handleNotifications(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID, err := req.RequireString("user_id")
	if err != nil {
		return mcp.NewToolResultError("user_id is required"), nil
	}

	s.captureSession(ctx, userID)

	items, err := s.store.ListNotifications(ctx, store.NotificationFilter{
		UserID:     userID,
		RunID:      req.GetString("run_id", ""),
		UnreadOnly: req.GetBool("unread_only", true),
		Limit:      req.GetInt("limit", defaultNotificationLimit),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list notifications: %v", err)), nil
	}
	if items == nil {
		items = []*schema.Notification{}
	}
	return marshalResult(map[string]any{"notifications": items, "count": len(items)})
}

// handleMarkRead marks one notification read.
func (s *StewardServer) handleMarkRead(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("notification_id")
	if err != nil {
		return mcp.NewToolResultError("notification_id is required"), nil
	}
	if err := s.store.MarkRead(ctx, id); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("mark read failed: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("notification %s marked read", id)), nil
}

// handleDiagram draws a process definition, overlaid with a run's progress
// when run_id is given.
func (s *StewardServer) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	format, err := req.RequireString("format")
	if err != nil {
		return mcp.NewToolResultError("format is required"), nil
	}
	if format != "ascii" && format != "mermaid" && format != "image" {
		return mcp.NewToolResultError("format must be ascii, mermaid, or image"), nil
	}
	processID := req.GetString("process_id", "")
	runID := req.GetString("run_id", "")
	if processID == "" && runID == "" {
		return mcp.NewToolResultError("at least one of process_id or run_id is required"), nil
	}

	var run *schema.ActiveRun
	version := req.GetInt("process_version", 0)
	if runID != "" {
		run, err = s.store.GetRun(ctx, runID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("run lookup failed: %v", err)), nil
		}
		processID, version = run.ProcessID, run.ProcessVersion
	}

	def, err := s.store.GetProcess(ctx, processID, version)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("process lookup failed: %v", err)), nil
	}

	model, err := diagram.Build(def, run, s.clock.Now())
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("diagram build failed: %v", err)), nil
	}

	switch format {
	case "ascii":
		return mcp.NewToolResultText(diagram.RenderASCII(model)), nil
	case "mermaid":
		return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
	default:
		png, imgErr := diagram.RenderImage(ctx, model)
		if imgErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("image render failed: %v", imgErr)), nil
		}
		return mcp.NewToolResultText(base64.StdEncoding.EncodeToString(png)), nil
	}
}

// captureSession maps the user ID to its current MCP session for notifications.
func (s *StewardServer) captureSession(ctx context.Context, userID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(userID, session.SessionID())
	}
}

// marshalResult converts a value to a JSON tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
