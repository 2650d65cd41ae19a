package agent

import (
	"fmt"
	"sync"

	"github.com/harunnryd/sona/pkg/llm"
)

// Agent pairs the instructions that steer the model with the tools the
// model may call.
type Agent struct {
	Name         string
	Instructions string
	Tools        llm.ToolRegistry
}

// Handler executes a tool invocation. Dispatch metadata such as
// session_id rides along in args next to the model-supplied arguments.
type Handler func(args map[string]any) (string, error)

// Registry is a name-keyed tool registry: each entry carries the
// declaration shown to the model and the handler that runs on dispatch.
type Registry struct {
	mu       sync.RWMutex
	tools    []llm.Tool
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a tool declaration and its handler. Re-registering a
// name replaces the previous entry.
func (r *Registry) Register(tool llm.Tool, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[tool.Name]; exists {
		for i := range r.tools {
			if r.tools[i].Name == tool.Name {
				r.tools[i] = tool
				break
			}
		}
	} else {
		r.tools = append(r.tools, tool)
	}
	r.handlers[tool.Name] = handler
}

func (r *Registry) Tools() []llm.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]llm.Tool, len(r.tools))
	copy(out, r.tools)
	return out
}

func (r *Registry) HandleTool(name string, args map[string]any) (string, error) {
	r.mu.RLock()
	handler := r.handlers[name]
	r.mu.RUnlock()
	if handler == nil {
		return "", fmt.Errorf("unknown tool: %s", name)
	}
	return handler(args)
}

var _ llm.ToolRegistry = (*Registry)(nil)
