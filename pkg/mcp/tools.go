package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rendis/ensemble/pkg/schema"
)

// handleRun executes a registered ensemble. Step failures are reported in
// the result body; only definition lookup and input validation problems
// become tool errors.
func (s *Server) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("ensemble")
	if err != nil {
		return mcp.NewToolResultError("ensemble is required"), nil
	}
	input := mcp.ParseStringMap(req, "input", nil)

	result, runErr := s.executor.Execute(ctx, name, input)
	if runErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("ensemble execution failed: %v", runErr)), nil
	}
	s.logger.InfoContext(ctx, "ensemble run via mcp",
		slog.String("ensemble", name),
		slog.String("execution_id", result.ExecutionID),
		slog.String("status", string(result.Status)),
	)
	return marshalResult(result)
}

// handleResume applies an approval decision.
func (s *Server) handleResume(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	approved, err := req.RequireBool("approved")
	if err != nil {
		return mcp.NewToolResultError("approved is required"), nil
	}

	result, resumeErr := s.executor.Resume(ctx, schema.ResumeRequest{
		ExecutionID: id,
		Approved:    approved,
		Actor:       req.GetString("actor", ""),
		Comments:    req.GetString("comments", ""),
		Data:        mcp.ParseStringMap(req, "data", nil),
	})
	if resumeErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("resume failed: %v", resumeErr)), nil
	}
	return marshalResult(result)
}

// handleList returns registered ensemble summaries.
func (s *Server) handleList(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return marshalResult(map[string]any{
		"ensembles": s.executor.Ensembles().List(),
	})
}

// handleDefine parses, validates and registers a definition.
func (s *Server) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	defRaw := mcp.ParseStringMap(req, "definition", nil)
	if defRaw == nil {
		return mcp.NewToolResultError("definition is required"), nil
	}
	defBytes, err := json.Marshal(defRaw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err)), nil
	}
	ens, err := schema.ParseEnsemble(defBytes)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err)), nil
	}
	if err := s.executor.Ensembles().Register(ens); err != nil {
		return errorResult(err), nil
	}
	s.logger.InfoContext(ctx, "ensemble defined via mcp", slog.String("ensemble", ens.Name))
	return marshalResult(map[string]any{
		"name":  ens.Name,
		"steps": len(ens.Flow),
	})
}

// errorResult renders an EnsembleError with its details so validation
// issues reach the caller intact.
func errorResult(err error) *mcp.CallToolResult {
	ee := schema.AsEnsembleError(err)
	data, mErr := json.Marshal(ee)
	if mErr != nil {
		return mcp.NewToolResultError(ee.Error())
	}
	return mcp.NewToolResultError(string(data))
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
