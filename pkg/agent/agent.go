package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/vikashloomba/mcp-client-hub-go/pkg/mcpmgr"
)

// DefaultMaxIterations bounds the number of model turns in one Run.
const DefaultMaxIterations = 10

// ErrMaxIterations is returned when the model keeps requesting tools after
// MaxIterations turns. The partial transcript is still returned.
var ErrMaxIterations = errors.New("agent: iteration limit reached")

// Hub is the part of mcpmgr.Manager the agent needs.
type Hub interface {
	GetAllTools() []mcpmgr.ServerTool
	GetAllPrompts() []mcpmgr.ServerPrompt
	CallToolOnServer(ctx context.Context, serverID, name string, args any) (*mcp.CallToolResult, error)
	GetPromptOnServer(ctx context.Context, serverID, name string, args map[string]string) (*mcp.GetPromptResult, error)
}

var _ Hub = (*mcpmgr.Manager)(nil)

// Options configures an Agent.
type Options struct {
	Model ChatModel
	// ModelName is forwarded as ChatRequest.Model.
	ModelName     string
	SystemPrompt  string
	MaxIterations int
	MaxTokens     int
	Temperature   *float64
	// Namespace names tools for the model. Defaults to ServerPrefixNamespace{}.
	Namespace NamespaceStrategy
	// ToolConcurrency caps parallel tool calls within one turn.
	ToolConcurrency int
	Logger          *slog.Logger
}

func (o *Options) withDefaults() Options {
	var opts Options
	if o != nil {
		opts = *o
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultMaxIterations
	}
	if opts.Namespace == nil {
		opts.Namespace = ServerPrefixNamespace{}
	}
	if opts.ToolConcurrency <= 0 {
		opts.ToolConcurrency = 4
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return opts
}

// Agent runs chat turns against a model with every connected server's tools.
type Agent struct {
	hub   Hub
	opts  Options
	index *ToolIndex
}

// New builds an Agent. opts.Model is required.
func New(hub Hub, opts *Options) (*Agent, error) {
	options := opts.withDefaults()
	if hub == nil {
		return nil, errors.New("agent: hub is required")
	}
	if options.Model == nil {
		return nil, errors.New("agent: model is required")
	}
	return &Agent{hub: hub, opts: options, index: NewToolIndex(options.Namespace)}, nil
}

// Index returns the tool index refreshed at the start of every turn.
func (a *Agent) Index() *ToolIndex { return a.index }

// Refresh rebuilds the index from the hub.
func (a *Agent) Refresh() {
	for _, lost := range a.index.SetTools(a.hub.GetAllTools()) {
		a.opts.Logger.Warn("tool name collision, tool hidden from model", "server", lost.ServerID, "tool", lost.NativeName, "name", lost.Name)
	}
	a.index.SetPrompts(a.hub.GetAllPrompts())
}

// ToolInvocation records one executed tool call.
type ToolInvocation struct {
	Call     ToolCall
	Target   ToolTarget
	Result   *mcp.CallToolResult
	Err      error
	Rendered string
}

// Result is the outcome of Run.
type Result struct {
	// Messages holds the input conversation followed by every message the
	// run produced.
	Messages    []Message
	Final       Message
	Iterations  int
	Invocations []ToolInvocation
}

// Run drives the model until it answers without requesting tools. Tool
// calls within one turn run concurrently; their results are fed back in the
// order the model requested them.
func (a *Agent) Run(ctx context.Context, messages []Message) (*Result, error) {
	res := &Result{Messages: append([]Message(nil), messages...)}
	for res.Iterations < a.opts.MaxIterations {
		a.Refresh()
		res.Iterations++
		resp, err := a.opts.Model.Chat(ctx, ChatRequest{
			Model:        a.opts.ModelName,
			SystemPrompt: a.opts.SystemPrompt,
			Messages:     res.Messages,
			Tools:        a.index.Specs(),
			MaxTokens:    a.opts.MaxTokens,
			Temperature:  a.opts.Temperature,
		})
		if err != nil {
			return res, fmt.Errorf("agent: chat turn %d: %w", res.Iterations, err)
		}
		reply := resp.Message
		if reply.Role == "" {
			reply.Role = RoleAssistant
		}
		res.Messages = append(res.Messages, reply)
		res.Final = reply
		if len(reply.ToolCalls) == 0 {
			return res, nil
		}

		invocations := a.execute(ctx, reply.ToolCalls)
		if err := ctx.Err(); err != nil {
			return res, err
		}
		for _, inv := range invocations {
			res.Invocations = append(res.Invocations, inv)
			res.Messages = append(res.Messages, Message{
				Role:       RoleTool,
				Content:    inv.Rendered,
				ToolCallID: inv.Call.ID,
				Name:       inv.Call.Name,
				IsError:    inv.Err != nil || (inv.Result != nil && inv.Result.IsError),
			})
		}
	}
	return res, ErrMaxIterations
}

func (a *Agent) execute(ctx context.Context, calls []ToolCall) []ToolInvocation {
	out := make([]ToolInvocation, len(calls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.opts.ToolConcurrency)
	for i, call := range calls {
		g.Go(func() error {
			out[i] = a.invoke(gctx, call)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (a *Agent) invoke(ctx context.Context, call ToolCall) ToolInvocation {
	inv := ToolInvocation{Call: call}
	target, ok := a.index.Tool(call.Name)
	if !ok {
		inv.Err = fmt.Errorf("unknown tool %q", call.Name)
		inv.Rendered = "Error: " + inv.Err.Error()
		return inv
	}
	inv.Target = target

	var args any
	if raw := strings.TrimSpace(string(call.Arguments)); raw != "" && raw != "null" {
		var decoded map[string]any
		if err := json.Unmarshal(call.Arguments, &decoded); err != nil {
			inv.Err = fmt.Errorf("invalid arguments for %s: %w", call.Name, err)
			inv.Rendered = "Error: " + inv.Err.Error()
			return inv
		}
		args = decoded
	}

	result, err := a.hub.CallToolOnServer(ctx, target.ServerID, target.NativeName, args)
	if err != nil {
		a.opts.Logger.Warn("tool call failed", "server", target.ServerID, "tool", target.NativeName, "error", err)
		inv.Err = err
		inv.Rendered = "Error: " + err.Error()
		return inv
	}
	inv.Result = result
	inv.Rendered = RenderToolResult(result)
	return inv
}

// ExpandPrompt fetches a namespaced prompt and converts its messages for the
// model.
func (a *Agent) ExpandPrompt(ctx context.Context, name string, args map[string]string) ([]Message, error) {
	target, ok := a.index.Prompt(name)
	if !ok {
		a.Refresh()
		if target, ok = a.index.Prompt(name); !ok {
			return nil, fmt.Errorf("agent: unknown prompt %q", name)
		}
	}
	res, err := a.hub.GetPromptOnServer(ctx, target.ServerID, target.NativeName, args)
	if err != nil {
		return nil, fmt.Errorf("agent: get prompt %s: %w", name, err)
	}
	out := make([]Message, 0, len(res.Messages))
	for _, pm := range res.Messages {
		if pm == nil {
			continue
		}
		role := RoleUser
		if pm.Role == "assistant" {
			role = RoleAssistant
		}
		out = append(out, Message{Role: role, Content: RenderContent(pm.Content)})
	}
	return out, nil
}

// RenderToolResult flattens a tool result into text for the model.
func RenderToolResult(res *mcp.CallToolResult) string {
	if res == nil {
		return ""
	}
	parts := make([]string, 0, len(res.Content))
	for _, c := range res.Content {
		if s := RenderContent(c); s != "" {
			parts = append(parts, s)
		}
	}
	if len(parts) == 0 && res.StructuredContent != nil {
		if raw, err := json.Marshal(res.StructuredContent); err == nil {
			parts = append(parts, string(raw))
		}
	}
	text := strings.Join(parts, "\n")
	if res.IsError {
		return "Error: " + text
	}
	return text
}

// RenderContent renders one content block as text.
func RenderContent(c mcp.Content) string {
	switch v := c.(type) {
	case nil:
		return ""
	case *mcp.TextContent:
		return v.Text
	case *mcp.ImageContent:
		return fmt.Sprintf("[image %s, %d bytes]", v.MIMEType, len(v.Data))
	case *mcp.AudioContent:
		return fmt.Sprintf("[audio %s, %d bytes]", v.MIMEType, len(v.Data))
	case *mcp.ResourceLink:
		return fmt.Sprintf("[resource %s]", v.URI)
	case *mcp.EmbeddedResource:
		if v.Resource == nil {
			return ""
		}
		if v.Resource.Text != "" {
			return v.Resource.Text
		}
		return fmt.Sprintf("[resource %s]", v.Resource.URI)
	default:
		raw, err := json.Marshal(c)
		if err != nil {
			return ""
		}
		return string(raw)
	}
}
