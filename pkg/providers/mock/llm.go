package mock

import (
	"context"

	"github.com/harunnryd/sona/pkg/llm"
)

type LLMAdapter struct {
	cfg LLMConfig
}

type LLMConfig struct {
	ResponseText string
	ToolCalls    []llm.ToolCall
	StreamChunks []string
	Usage        llm.Usage
	GenerateErr  error
	StreamErr    error
}

func NewLLMAdapter(cfg LLMConfig) *LLMAdapter {
	if cfg.ResponseText == "" {
		cfg.ResponseText = "mock response"
	}
	return &LLMAdapter{cfg: cfg}
}

func (a *LLMAdapter) Name() string { return "mock_llm" }

func (a *LLMAdapter) Generate(ctx context.Context, input llm.Context) (llm.Response, error) {
	if a.cfg.GenerateErr != nil {
		return llm.Response{}, a.cfg.GenerateErr
	}
	return llm.Response{
		Text:      a.cfg.ResponseText,
		ToolCalls: a.cfg.ToolCalls,
		Usage:     a.cfg.Usage,
	}, nil
}

func (a *LLMAdapter) Stream(ctx context.Context, input llm.Context) (<-chan string, error) {
	if a.cfg.StreamErr != nil {
		return nil, a.cfg.StreamErr
	}
	out := make(chan string, len(a.cfg.StreamChunks)+1)
	if len(a.cfg.StreamChunks) > 0 {
		for _, chunk := range a.cfg.StreamChunks {
			out <- chunk
		}
	} else {
		out <- a.cfg.ResponseText
	}
	close(out)
	return out, nil
}

func (a *LLMAdapter) MapTools(tools []llm.Tool) (any, error) {
	return nil, nil
}

var _ llm.LLMAdapter = (*LLMAdapter)(nil)
