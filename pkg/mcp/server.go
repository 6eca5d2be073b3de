// Package mcp exposes the audit pipeline as a Model Context Protocol server.
//
// The server registers a single tool, gansauditor_codex, speaking JSON in
// both directions: arguments decode into a submission, results carry either
// a response document or an error envelope. Stdio is the production
// transport; tests connect over in-memory transport pairs.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/gansauditor/gansauditor/pkg/models"
	"github.com/gansauditor/gansauditor/pkg/version"
)

// ToolName is the single tool this server registers.
const ToolName = "gansauditor_codex"

// inputSchema describes the tool arguments to MCP clients. It mirrors the
// models.Submission wire shape.
var inputSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "thought": {
      "type": "string",
      "description": "The code, diff, or plan to audit in this iteration."
    },
    "thoughtNumber": {
      "type": "integer",
      "minimum": 1,
      "description": "1-based iteration counter within the session."
    },
    "totalThoughts": {
      "type": "integer",
      "minimum": 1,
      "description": "The caller's current estimate of total iterations."
    },
    "nextThoughtNeeded": {
      "type": "boolean",
      "description": "Whether the caller intends to continue iterating."
    },
    "sessionId": {
      "type": "string",
      "description": "Audit session to continue. Omit to start a new one."
    },
    "branchId": {
      "type": "string",
      "description": "Workspace branch identifier, used as the loop identity fallback."
    },
    "loopId": {
      "type": "string",
      "description": "Stable loop identity for analyzer context reuse."
    },
    "config": {
      "type": "object",
      "description": "Per-session override of task, threshold, maxCycles, scope, paths.",
      "properties": {
        "task": {"type": "string"},
        "threshold": {"type": "integer", "minimum": 50, "maximum": 100},
        "maxCycles": {"type": "integer", "minimum": 1, "maximum": 100},
        "scope": {"type": "string", "enum": ["diff", "paths", "workspace"]},
        "paths": {"type": "array", "items": {"type": "string"}}
      }
    }
  },
  "required": ["thought", "thoughtNumber", "totalThoughts", "nextThoughtNeeded"]
}`)

// Submitter runs one submission through the audit pipeline.
type Submitter interface {
	Submit(ctx context.Context, sub models.Submission) (models.Response, error)
}

// Server is the MCP-facing surface of the auditor.
type Server struct {
	submitter Submitter
	srv       *mcpsdk.Server
}

// NewServer builds the MCP server and registers the audit tool.
func NewServer(submitter Submitter) *Server {
	s := &Server{submitter: submitter}
	s.srv = mcpsdk.NewServer(&mcpsdk.Implementation{
		Name:    version.AppName,
		Version: version.GitCommit,
	}, nil)
	s.srv.AddTool(&mcpsdk.Tool{
		Name: ToolName,
		Description: "Audit a code iteration and decide whether the loop should continue. " +
			"Resubmit with the same sessionId until nextThoughtNeeded is false.",
		InputSchema: inputSchema,
	}, s.handleAudit)
	return s
}

// Run serves MCP over stdio until the context is cancelled or the peer
// disconnects.
func (s *Server) Run(ctx context.Context) error {
	slog.Info("MCP server listening on stdio", "tool", ToolName, "version", version.Full())
	if err := s.srv.Run(ctx, &mcpsdk.StdioTransport{}); err != nil {
		return fmt.Errorf("mcp server terminated: %w", err)
	}
	return nil
}

// Serve runs the server over an arbitrary transport.
func (s *Server) Serve(ctx context.Context, transport mcpsdk.Transport) error {
	return s.srv.Run(ctx, transport)
}

// handleAudit is the gansauditor_codex tool handler. Faults never surface as
// protocol errors: every failure becomes an error envelope in the tool
// result so the caller can branch on kind and retryability.
func (s *Server) handleAudit(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	var sub models.Submission
	if err := json.Unmarshal(req.Params.Arguments, &sub); err != nil {
		return errorResult(models.NewError(models.KindValidationFailed,
			fmt.Sprintf("arguments do not decode: %v", err))), nil
	}

	resp, err := s.submitter.Submit(ctx, sub)
	if err != nil {
		e := models.AsError(err)
		slog.Warn("Audit submission failed",
			"session_id", sub.SessionID,
			"thought_number", sub.ThoughtNumber,
			"kind", string(e.Kind),
			"error", err)
		return errorResult(e), nil
	}

	payload, err := json.Marshal(resp)
	if err != nil {
		return errorResult(models.WrapError(models.KindInternal, "response encoding failed", err)), nil
	}
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: string(payload)}},
	}, nil
}

// errorResult wraps a fault in the transport envelope.
func errorResult(e *models.Error) *mcpsdk.CallToolResult {
	payload, err := json.Marshal(models.ErrorEnvelope{IsError: true, Error: e})
	if err != nil {
		payload = []byte(`{"isError":true,"error":{"kind":"Internal","message":"error encoding failed"}}`)
	}
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: string(payload)}},
		IsError: true,
	}
}
