package mcp

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ptyhub/mcp-pty/internal/errdefs"
	"github.com/ptyhub/mcp-pty/internal/term"
)

const (
	statusURI          = "pty://status"
	processesURI       = "pty://processes"
	processOutputURI   = "pty://processes/{process_id}"
	controlCodesURI    = "pty://control-codes"
	resourceMIME       = "application/json"
	processOutputSlash = processesURI + "/"
)

func (h *handlers) registerResources(s *mcpserver.MCPServer) {
	s.AddResource(mcp.NewResource(
		statusURI,
		"Server status",
		mcp.WithResourceDescription("Aggregate session and process counts."),
		mcp.WithMIMEType(resourceMIME),
	), h.readStatus)

	s.AddResource(mcp.NewResource(
		processesURI,
		"Processes",
		mcp.WithResourceDescription("PTY processes in the current session."),
		mcp.WithMIMEType(resourceMIME),
	), h.readProcesses)

	s.AddResourceTemplate(mcp.NewResourceTemplate(
		processOutputURI,
		"Process output",
		mcp.WithTemplateDescription("Raw output buffer of one PTY process."),
		mcp.WithTemplateMIMEType(resourceMIME),
	), h.readProcessOutput)

	s.AddResource(mcp.NewResource(
		controlCodesURI,
		"Control codes",
		mcp.WithResourceDescription("Named control codes accepted by write_input."),
		mcp.WithMIMEType(resourceMIME),
	), h.readControlCodes)
}

func jsonContents(uri string, v any) ([]mcp.ResourceContents, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindInternal, err, "encoding resource")
	}
	return []mcp.ResourceContents{mcp.TextResourceContents{
		URI:      uri,
		MIMEType: resourceMIME,
		Text:     string(b),
	}}, nil
}

func (h *handlers) readStatus(_ context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	processes := 0
	for _, sess := range h.sessions.All() {
		if mgr, ok := h.sessions.PTYManager(sess.ID); ok {
			processes += mgr.Count()
		}
	}
	return jsonContents(req.Params.URI, map[string]int{
		"sessions":  h.sessions.Count(),
		"processes": processes,
	})
}

func (h *handlers) readProcesses(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	_, mgr, err := h.bind(ctx)
	if err != nil {
		return nil, err
	}
	return jsonContents(req.Params.URI, listResult{PTYs: describeAll(mgr)})
}

func (h *handlers) readProcessOutput(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	_, mgr, err := h.bind(ctx)
	if err != nil {
		return nil, err
	}

	pid := strings.TrimPrefix(req.Params.URI, processOutputSlash)
	if pid == "" || pid == req.Params.URI {
		return nil, errdefs.Validation("malformed process uri %q", req.Params.URI)
	}
	p, ok := mgr.Get(pid)
	if !ok {
		return nil, errdefs.NotFound("process %s not found", pid)
	}

	return jsonContents(req.Params.URI, map[string]string{
		"output": string(p.RawOutput()),
	})
}

func (h *handlers) readControlCodes(_ context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return jsonContents(req.Params.URI, term.ControlCodes())
}
