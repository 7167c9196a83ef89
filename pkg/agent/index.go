package agent

import (
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vikashloomba/mcp-client-hub-go/pkg/mcpmgr"
)

// ToolTarget locates a namespaced tool or prompt on its server.
type ToolTarget struct {
	Name       string
	ServerID   string
	ServerName string
	NativeName string
}

// ToolIndex maps namespaced names back to the server that declared them.
// It is rebuilt from the manager's flattened listings and safe for
// concurrent use.
type ToolIndex struct {
	ns NamespaceStrategy

	mu         sync.RWMutex
	tools      map[string]ToolTarget
	toolOrder  []string
	specs      map[string]ToolSpec
	prompts    map[string]ToolTarget
	promptList []*mcp.Prompt
}

// NewToolIndex returns an empty index. A nil strategy means
// ServerPrefixNamespace{}.
func NewToolIndex(ns NamespaceStrategy) *ToolIndex {
	if ns == nil {
		ns = ServerPrefixNamespace{}
	}
	return &ToolIndex{
		ns:      ns,
		tools:   make(map[string]ToolTarget),
		specs:   make(map[string]ToolSpec),
		prompts: make(map[string]ToolTarget),
	}
}

// SetTools replaces the indexed tools. When two tools map to the same name
// the first one wins; the losers are returned.
func (x *ToolIndex) SetTools(upstream []mcpmgr.ServerTool) (collisions []ToolTarget) {
	tools := make(map[string]ToolTarget, len(upstream))
	specs := make(map[string]ToolSpec, len(upstream))
	order := make([]string, 0, len(upstream))
	for _, st := range upstream {
		if st.Tool == nil {
			continue
		}
		name := x.ns.ToolName(st.ServerID, st.Tool.Name)
		target := ToolTarget{Name: name, ServerID: st.ServerID, ServerName: st.ServerName, NativeName: st.Tool.Name}
		if _, taken := tools[name]; taken {
			collisions = append(collisions, target)
			continue
		}
		tools[name] = target
		specs[name] = ToolSpec{Name: name, Description: describe(st.ServerName, st.Tool.Description), InputSchema: st.Tool.InputSchema}
		order = append(order, name)
	}

	x.mu.Lock()
	x.tools, x.specs, x.toolOrder = tools, specs, order
	x.mu.Unlock()
	return collisions
}

// SetPrompts replaces the indexed prompts.
func (x *ToolIndex) SetPrompts(upstream []mcpmgr.ServerPrompt) {
	prompts := make(map[string]ToolTarget, len(upstream))
	list := make([]*mcp.Prompt, 0, len(upstream))
	for _, sp := range upstream {
		if sp.Prompt == nil {
			continue
		}
		name := x.ns.PromptName(sp.ServerID, sp.Prompt.Name)
		if _, taken := prompts[name]; taken {
			continue
		}
		prompts[name] = ToolTarget{Name: name, ServerID: sp.ServerID, ServerName: sp.ServerName, NativeName: sp.Prompt.Name}
		clone := *sp.Prompt
		clone.Name = name
		list = append(list, &clone)
	}

	x.mu.Lock()
	x.prompts, x.promptList = prompts, list
	x.mu.Unlock()
}

// Tool resolves a namespaced tool name.
func (x *ToolIndex) Tool(name string) (ToolTarget, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	t, ok := x.tools[name]
	return t, ok
}

// Prompt resolves a namespaced prompt name.
func (x *ToolIndex) Prompt(name string) (ToolTarget, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	t, ok := x.prompts[name]
	return t, ok
}

// Specs lists the tools in manager order.
func (x *ToolIndex) Specs() []ToolSpec {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make([]ToolSpec, 0, len(x.toolOrder))
	for _, name := range x.toolOrder {
		out = append(out, x.specs[name])
	}
	return out
}

// Prompts lists the prompts under their namespaced names.
func (x *ToolIndex) Prompts() []*mcp.Prompt {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return append([]*mcp.Prompt(nil), x.promptList...)
}

// Len reports the number of indexed tools.
func (x *ToolIndex) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.tools)
}

func describe(serverName, description string) string {
	if serverName == "" {
		return description
	}
	if description == "" {
		return "[" + serverName + "]"
	}
	return "[" + serverName + "] " + description
}
