// Package mcpserver exposes the agent registry and delegation as MCP tools.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/tinyland-inc/aetherbridge/pkg/bus"
	"github.com/tinyland-inc/aetherbridge/pkg/delegate"
	"github.com/tinyland-inc/aetherbridge/pkg/logger"
	"github.com/tinyland-inc/aetherbridge/pkg/registry"
)

const (
	ServerName       = "aetherbridge"
	defaultTimeoutMS = 30000
)

// Catalog is the read side of the registry.
type Catalog interface {
	List() []registry.Agent
	Lookup(name string) (registry.Agent, error)
}

type Delegator interface {
	Delegate(ctx context.Context, req delegate.Request) (*bus.Envelope, error)
}

type ListInput struct{}

type DescribeInput struct {
	Name string `json:"name" jsonschema:"agent name as returned by ag1_list"`
}

type DelegateInput struct {
	Target       string         `json:"target" jsonschema:"agent name to delegate to"`
	Content      any            `json:"content,omitempty" jsonschema:"request body: a string or an object with a text field"`
	Meta         map[string]any `json:"meta,omitempty" jsonschema:"free-form metadata forwarded with the request"`
	Role         string         `json:"role,omitempty" jsonschema:"envelope role, defaults to user"`
	EnvelopeType string         `json:"envelope_type,omitempty" jsonschema:"envelope type, defaults to message"`
	TimeoutMS    int            `json:"timeout_ms,omitempty" jsonschema:"how long to wait for the reply, defaults to 30000"`
}

// AgentSummary is one ag1_list row.
type AgentSummary struct {
	Name         string   `json:"name"`
	Inbox        string   `json:"inbox"`
	Capabilities []string `json:"capabilities"`
}

type Server struct {
	catalog   Catalog
	delegator Delegator
	server    *mcp.Server
}

func New(catalog Catalog, delegator Delegator, version string) *Server {
	s := &Server{catalog: catalog, delegator: delegator}

	s.server = mcp.NewServer(&mcp.Implementation{Name: ServerName, Version: version}, &mcp.ServerOptions{
		Instructions: "Bridge to AetherBus agents: list them, describe one, or delegate a request and wait for the reply.",
	})

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "ag1_list",
		Description: "List agents known to the AG1 registry.",
	}, s.list)
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "ag1_describe",
		Description: "Describe an agent by name.",
	}, s.describe)
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "ag1_delegate",
		Description: "Delegate a request to an AG1 agent and return its reply envelope.",
	}, s.delegate)

	return s
}

// MCP returns the underlying server, for callers that bring their own transport.
func (s *Server) MCP() *mcp.Server { return s.server }

// ServeStdio serves tools over stdin/stdout until the client disconnects or ctx ends.
func (s *Server) ServeStdio(ctx context.Context) error {
	logger.InfoC("mcp", "Serving tools over stdio")
	return s.server.Run(ctx, &mcp.StdioTransport{})
}

func (s *Server) list(_ context.Context, _ *mcp.CallToolRequest, _ ListInput) (*mcp.CallToolResult, any, error) {
	agents := s.catalog.List()
	rows := make([]AgentSummary, 0, len(agents))
	for _, a := range agents {
		caps := a.CapabilitiesKeywords
		if caps == nil {
			caps = []string{}
		}
		rows = append(rows, AgentSummary{Name: a.Name, Inbox: a.Inbox, Capabilities: caps})
	}
	return jsonResult(rows)
}

func (s *Server) describe(_ context.Context, _ *mcp.CallToolRequest, in DescribeInput) (*mcp.CallToolResult, any, error) {
	agent, err := s.catalog.Lookup(in.Name)
	if err != nil {
		return errorResult(fmt.Sprintf("Unknown agent: %s", in.Name)), nil, nil
	}
	return jsonResult(agent)
}

func (s *Server) delegate(ctx context.Context, _ *mcp.CallToolRequest, in DelegateInput) (*mcp.CallToolResult, any, error) {
	if in.Target == "" {
		return errorResult("target is required"), nil, nil
	}

	req := delegate.Request{
		Target:       in.Target,
		Content:      in.Content,
		Meta:         in.Meta,
		Role:         in.Role,
		EnvelopeType: in.EnvelopeType,
		Timeout:      time.Duration(in.TimeoutMS) * time.Millisecond,
	}
	if req.Role == "" {
		req.Role = bus.RoleUser
	}
	if req.EnvelopeType == "" {
		req.EnvelopeType = bus.TypeMessage
	}
	if req.Meta == nil {
		req.Meta = map[string]any{}
	}
	if in.TimeoutMS <= 0 {
		req.Timeout = defaultTimeoutMS * time.Millisecond
	}

	logger.InfoCF("mcp", "ag1_delegate", map[string]any{
		"target":     in.Target,
		"timeout_ms": req.Timeout.Milliseconds(),
	})

	reply, err := s.delegator.Delegate(ctx, req)
	if err != nil {
		logger.WarnCF("mcp", "Delegation failed", map[string]any{
			"target": in.Target,
			"error":  err.Error(),
		})
		return errorResult(fmt.Sprintf("delegate to %s failed: %v", in.Target, err)), nil, nil
	}
	return jsonResult(reply)
}

func jsonResult(v any) (*mcp.CallToolResult, any, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, nil, fmt.Errorf("encode tool result: %w", err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}, nil, nil
}

func errorResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: msg}},
	}
}
