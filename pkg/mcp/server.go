// Package mcp exposes steward's run operations as MCP tools.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/steward/internal/clock"
	"github.com/rendis/steward/internal/engine"
	"github.com/rendis/steward/internal/scanner"
	"github.com/rendis/steward/internal/store"
	"github.com/rendis/steward/internal/streaming"
	"github.com/rendis/steward/pkg/schema"
)

// DefinitionValidator checks a process definition before it is saved.
// Satisfied by *validation.ProcessValidator.
type DefinitionValidator interface {
	Validate(def *schema.ProcessDefinition) *schema.ValidationResult
}

// StewardServerDeps holds the dependencies for creating a StewardServer.
type StewardServerDeps struct {
	Engine    engine.Engine
	Scanner   scanner.Scanning
	Store     store.Store
	Validator DefinitionValidator // nil = definitions are saved unchecked
	Hub       streaming.Hub       // nil = no push of reminders to connected users
	Clock     clock.Clock         // nil = clock.Real
	Version   string
	Logger    *slog.Logger
}

// StewardServer wraps an MCP server with steward tool handlers.
type StewardServer struct {
	engine    engine.Engine
	scanner   scanner.Scanning
	store     store.Store
	validator DefinitionValidator
	hub       streaming.Hub
	clock     clock.Clock
	sessions  *SessionRegistry
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewStewardServer creates a StewardServer with every tool registered.
func NewStewardServer(deps StewardServerDeps) *StewardServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	version := deps.Version
	if version == "" {
		version = "dev"
	}

	s := &StewardServer{
		engine:    deps.Engine,
		scanner:   deps.Scanner,
		store:     deps.Store,
		validator: deps.Validator,
		hub:       deps.Hub,
		clock:     clk,
		sessions:  NewSessionRegistry(),
		logger:    logger,
	}

	mcpSrv := server.NewMCPServer(
		"steward",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Steward coordinates multi-step business process runs. Use steward.define to register a process, steward.start to run it, steward.complete when a human step is done, steward.status to inspect a run, steward.flag and steward.reactivate to handle problems, and steward.notifications to read your inbox. steward.diagram draws a process or a run's progress."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve relays reminders to connected users and runs the stdio transport
// until ctx is cancelled or stdin closes.
func (s *StewardServer) Serve(ctx context.Context) error {
	if s.hub != nil {
		relay := NewReminderRelay(s.hub, NewMCPNotifier(s.mcpServer, s.sessions), s.logger)
		stop, err := relay.Start(ctx)
		if err != nil {
			return err
		}
		defer stop()
	}
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *StewardServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Sessions returns the user to session registry.
func (s *StewardServer) Sessions() *SessionRegistry {
	return s.sessions
}

func (s *StewardServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: startTool(), Handler: s.handleStart},
		{Tool: advanceTool(), Handler: s.handleAdvance},
		{Tool: completeTool(), Handler: s.handleComplete},
		{Tool: flagTool(), Handler: s.handleFlag},
		{Tool: reactivateTool(), Handler: s.handleReactivate},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: runsTool(), Handler: s.handleRuns},
		{Tool: scanTool(), Handler: s.handleScan},
		{Tool: notificationsTool(), Handler: s.handleNotifications},
		{Tool: markReadTool(), Handler: s.handleMarkRead},
		{Tool: diagramTool(), Handler: s.handleDiagram},
	}
}

// --- Tool definitions ---

func defineTool() mcp.Tool {
	return mcp.NewTool("steward.define",
		mcp.WithDescription("Register a process definition; saving an existing id creates a new version"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Process definition: id, organization_id, name, steps")),
	)
}

func startTool() mcp.Tool {
	return mcp.NewTool("steward.start",
		mcp.WithDescription("Start a run of a process and execute its leading automatic steps"),
		mcp.WithString("process_id", mcp.Required(), mcp.Description("Process to run")),
		mcp.WithNumber("process_version", mcp.Description("Process version (default: latest)")),
		mcp.WithString("organization_id", mcp.Description("Organization of the run (default: the process organization)")),
		mcp.WithString("started_by", mcp.Required(), mcp.Description("User starting the run")),
		mcp.WithBoolean("drive", mcp.DefaultBool(true), mcp.Description("Execute automatic steps right away")),
	)
}

func advanceTool() mcp.Tool {
	return mcp.NewTool("steward.advance",
		mcp.WithDescription("Advance a run until it waits on a human step or stops"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("Run to advance")),
		mcp.WithBoolean("single", mcp.Description("Advance at most one step")),
	)
}

func completeTool() mcp.Tool {
	return mcp.NewTool("steward.complete",
		mcp.WithDescription("Report a human step as done"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("Run the step belongs to")),
		mcp.WithString("step_id", mcp.Description("Completed step id")),
		mcp.WithNumber("step_index", mcp.Description("Completed step index")),
		mcp.WithString("actor", mcp.Description("User who completed the step")),
		mcp.WithObject("output", mcp.Description("Step output recorded in the run log")),
	)
}

func flagTool() mcp.Tool {
	return mcp.NewTool("steward.flag",
		mcp.WithDescription("Flag a run as needing attention"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("Run to flag")),
		mcp.WithString("error", mcp.Required(), mcp.Description("What went wrong")),
		mcp.WithString("code", mcp.Description("Error code")),
		mcp.WithObject("details", mcp.Description("Additional error details")),
		mcp.WithString("step_id", mcp.Description("Step the problem belongs to")),
	)
}

func reactivateTool() mcp.Tool {
	return mcp.NewTool("steward.reactivate",
		mcp.WithDescription("Return a flagged run to active"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("Run to reactivate")),
		mcp.WithString("actor", mcp.Required(), mcp.Description("Operator reactivating the run")),
		mcp.WithBoolean("drive", mcp.Description("Execute automatic steps after reactivation")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("steward.status",
		mcp.WithDescription("Get a run with its current step"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("Run to inspect")),
	)
}

func runsTool() mcp.Tool {
	return mcp.NewTool("steward.runs",
		mcp.WithDescription("List runs"),
		mcp.WithString("organization_id", mcp.Description("Filter by organization")),
		mcp.WithString("status", mcp.Enum("active", "completed", "flagged"), mcp.Description("Filter by status")),
		mcp.WithString("process_id", mcp.Description("Filter by process")),
		mcp.WithString("started_by", mcp.Description("Filter by starter")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of runs (default 50)")),
	)
}

func scanTool() mcp.Tool {
	return mcp.NewTool("steward.scan",
		mcp.WithDescription("Scan active runs for overdue steps and send reminders"),
		mcp.WithString("organization_id", mcp.Description("Only scan this organization")),
	)
}

func notificationsTool() mcp.Tool {
	return mcp.NewTool("steward.notifications",
		mcp.WithDescription("List a user's notifications"),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("Inbox owner")),
		mcp.WithBoolean("unread_only", mcp.DefaultBool(true), mcp.Description("Only unread notifications")),
		mcp.WithString("run_id", mcp.Description("Filter by run")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of notifications")),
	)
}

func markReadTool() mcp.Tool {
	return mcp.NewTool("steward.mark_read",
		mcp.WithDescription("Mark a notification as read"),
		mcp.WithString("notification_id", mcp.Required(), mcp.Description("Notification to mark")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("steward.diagram",
		mcp.WithDescription("Draw a process, or a run's progress through it, as ASCII art, Mermaid flowchart syntax or a base64-encoded PNG image"),
		mcp.WithString("process_id", mcp.Description("Process to draw (use with process_version)")),
		mcp.WithNumber("process_version", mcp.Description("Process version (default: latest)")),
		mcp.WithString("run_id", mcp.Description("Run to draw; includes each step's status")),
		mcp.WithString("format", mcp.Required(),
			mcp.Enum("ascii", "mermaid", "image"),
			mcp.Description("Output format: ascii (text), mermaid (flowchart syntax), or image (base64 PNG)"),
		),
	)
}
