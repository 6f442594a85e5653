// Package toolsurface implements the Tool Surface (C9): a thin adapter that
// exposes the Call Orchestrator's four operations as typed tools over the
// stdio JSON-RPC transport. The transport itself (framing, JSON-RPC, stdio
// plumbing) is the external collaborator named in spec.md §1 and §6; this
// package only defines the four tool schemas and maps orchestrator results
// (or errors) onto the human-readable text blocks §4.9 specifies.
//
// Registration style (one mcp.NewTool + AddTool call per operation, Required
// string parameters, a context-scoped handler) follows the teacher's own use
// of github.com/mark3labs/mcp-go for its agent-facing MCP surface.
package toolsurface

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/RyanLisse/RingRing/internal/callerr"
	"github.com/RyanLisse/RingRing/internal/commons"
)

// Orchestrator is the narrow slice of *orchestrator.Orchestrator the tool
// surface depends on, so tests can substitute a fake instead of driving a
// real call.
type Orchestrator interface {
	Initiate(ctx context.Context, message string) (callID string, userTranscript string, err error)
	Continue(ctx context.Context, callID, message string) (userTranscript string, err error)
	Speak(ctx context.Context, callID, message string) error
	End(ctx context.Context, callID, message string) (elapsedSeconds float64, err error)
}

// Server wraps an Orchestrator and registers its four tools on an
// *server.MCPServer.
type Server struct {
	logger commons.Logger
	orch   Orchestrator
}

// New builds a tool surface bound to one orchestrator.
func New(logger commons.Logger, orch Orchestrator) *Server {
	return &Server{logger: logger, orch: orch}
}

// Register adds the four call tools to mcp.
func (s *Server) Register(mcpServer *server.MCPServer) {
	mcpServer.AddTool(mcp.NewTool("initiate_call",
		mcp.WithDescription("Place an outbound phone call and speak an opening message. Waits for the call to connect and for the user's spoken reply, then returns both the new call id and the user's response."),
		mcp.WithString("message", mcp.Required(), mcp.Description("The opening message to speak to the user once the call connects.")),
	), s.handleInitiate)

	mcpServer.AddTool(mcp.NewTool("continue_call",
		mcp.WithDescription("Speak a follow-up message on an already-active call and wait for the user's spoken reply."),
		mcp.WithString("call_id", mcp.Required(), mcp.Description("The call id returned by initiate_call.")),
		mcp.WithString("message", mcp.Required(), mcp.Description("The message to speak to the user.")),
	), s.handleContinue)

	mcpServer.AddTool(mcp.NewTool("speak_to_user",
		mcp.WithDescription("Speak a message on an active call without waiting for a spoken reply."),
		mcp.WithString("call_id", mcp.Required(), mcp.Description("The call id returned by initiate_call.")),
		mcp.WithString("message", mcp.Required(), mcp.Description("The message to speak to the user.")),
	), s.handleSpeak)

	mcpServer.AddTool(mcp.NewTool("end_call",
		mcp.WithDescription("Speak a closing message, then hang up and tear down the call."),
		mcp.WithString("call_id", mcp.Required(), mcp.Description("The call id returned by initiate_call.")),
		mcp.WithString("message", mcp.Required(), mcp.Description("The closing message to speak before hanging up.")),
	), s.handleEnd)
}

func (s *Server) handleInitiate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	message, err := req.RequireString("message")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	callID, transcript, err := s.orch.Initiate(ctx, message)
	if err != nil {
		return s.errorResult(err, callID)
	}
	text := fmt.Sprintf(
		"Call initiated successfully.\n\nCall ID: %s\n\nUser's response:\n%s\n\nUse continue_call to ask follow-ups or end_call to hang up.",
		callID, transcript,
	)
	return mcp.NewToolResultText(text), nil
}

func (s *Server) handleContinue(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	callID, err := req.RequireString("call_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	message, err := req.RequireString("message")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	transcript, err := s.orch.Continue(ctx, callID, message)
	if err != nil {
		return s.errorResult(err, callID)
	}
	return mcp.NewToolResultText(fmt.Sprintf("User's response:\n%s", transcript)), nil
}

func (s *Server) handleSpeak(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	callID, err := req.RequireString("call_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	message, err := req.RequireString("message")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	if err := s.orch.Speak(ctx, callID, message); err != nil {
		return s.errorResult(err, callID)
	}
	return mcp.NewToolResultText(fmt.Sprintf("Message spoken: %q", message)), nil
}

func (s *Server) handleEnd(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	callID, err := req.RequireString("call_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	message, err := req.RequireString("message")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	elapsed, err := s.orch.End(ctx, callID, message)
	if err != nil {
		return s.errorResult(err, callID)
	}
	return mcp.NewToolResultText(fmt.Sprintf("Call ended. Duration: %.0fs", elapsed)), nil
}

// errorResult renders a failed operation as the single-line "Error: <kind>:
// <detail>" string spec.md §4.9/§7 require, logging the call id for
// correlation when known.
func (s *Server) errorResult(err error, callID string) (*mcp.CallToolResult, error) {
	if ce, ok := callerr.As(err); ok {
		s.logger.Warnw("tool operation failed", "callId", callID, "kind", ce.Kind, "detail", ce.Detail)
		return mcp.NewToolResultError(fmt.Sprintf("Error: %s: %s", ce.Kind, ce.Detail)), nil
	}
	s.logger.Warnw("tool operation failed", "callId", callID, "error", err)
	return mcp.NewToolResultError(fmt.Sprintf("Error: %s", err.Error())), nil
}
