package llm

// ToolRegistry exposes callable tools to the model and dispatches
// invocations back to their handlers.
type ToolRegistry interface {
	Tools() []Tool
	HandleTool(name string, args map[string]any) (string, error)
}
