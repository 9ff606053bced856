package llm

import (
	"context"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultClaudeModel = "claude-sonnet-4-5-20250929"

type ClaudeProvider struct {
	client   anthropic.Client
	model    string
	endpoint string
}

func NewClaudeProvider(apiKey, baseURL, model string) *ClaudeProvider {
	opts := make([]option.RequestOption, 0, 2)
	if v := strings.TrimSpace(apiKey); v != "" {
		opts = append(opts, option.WithAPIKey(v))
	}
	endpoint := "https://api.anthropic.com/v1"
	if v := strings.TrimSpace(baseURL); v != "" {
		endpoint = strings.TrimRight(v, "/")
		opts = append(opts, option.WithBaseURL(endpoint))
	}

	m := strings.TrimSpace(model)
	if m == "" {
		m = defaultClaudeModel
	}

	return &ClaudeProvider{
		client:   anthropic.NewClient(opts...),
		model:    m,
		endpoint: endpoint,
	}
}

func (p *ClaudeProvider) Name() string {
	return "claude"
}

func (p *ClaudeProvider) Describe() ModelDescriptor {
	if p == nil {
		return ModelDescriptor{Provider: "anthropic"}
	}
	return ModelDescriptor{Name: p.model, Provider: "anthropic", Endpoint: p.endpoint}
}

func (p *ClaudeProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	if p == nil {
		return nil, errors.New("llm: claude: nil provider")
	}
	if ctx == nil {
		return nil, errors.New("llm: claude: nil context")
	}
	if req == nil {
		return nil, errors.New("llm: claude: nil request")
	}

	msgs := make([]anthropic.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		block := anthropic.NewTextBlock(m.Content)
		if strings.EqualFold(strings.TrimSpace(m.Role), "assistant") {
			msgs = append(msgs, anthropic.NewAssistantMessage(block))
		} else {
			msgs = append(msgs, anthropic.NewUserMessage(block))
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}
	if system := strings.TrimSpace(req.System); system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, errors.New("llm: claude: nil response")
	}

	out := &Response{
		StopReason: string(msg.StopReason),
		Usage: Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			sb.WriteString(block.AsText().Text)
		case "tool_use":
			tool := block.AsToolUse()
			out.ToolCalls = append(out.ToolCalls, ToolUse{
				ID:    tool.ID,
				Name:  tool.Name,
				Input: decodeToolInput(tool.Input),
			})
		}
	}
	out.Text = sb.String()

	return out, nil
}
