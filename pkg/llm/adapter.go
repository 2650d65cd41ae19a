package llm

import "context"

type Tool struct {
	Name        string
	Description string
	Schema      any
}

type Context struct {
	Messages []map[string]any
	Tools    []Tool
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

type Response struct {
	Text         string
	Usage        Usage
	FinishReason string
	ToolCalls    []ToolCall
}

type LLMAdapter interface {
	Generate(ctx context.Context, input Context) (Response, error)
	Stream(ctx context.Context, input Context) (<-chan string, error)
	MapTools(tools []Tool) (providerTools any, err error)
	Name() string
}

type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]any
}
