package replay

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/stellarlinkco/gm-eval/internal/llm"
)

const defaultExecutorMaxTokens = 2048

// LLMExecutor replays a turn by asking a chat-completion provider to act as
// the game master under the given instructions.
type LLMExecutor struct {
	Provider    llm.Provider
	MaxTokens   int
	Temperature float64
}

// NewLLMExecutor creates an executor backed by the given provider.
func NewLLMExecutor(p llm.Provider) *LLMExecutor {
	return &LLMExecutor{Provider: p}
}

func (x *LLMExecutor) Run(ctx context.Context, instructions string, contextMessages []llm.Message, playerInput string) (string, error) {
	if x == nil || x.Provider == nil {
		return "", errors.New("replay: nil llm executor")
	}
	if strings.TrimSpace(playerInput) == "" {
		return "", errors.New("replay: empty player input")
	}

	maxTokens := x.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultExecutorMaxTokens
	}

	messages := make([]llm.Message, 0, len(contextMessages)+1)
	messages = append(messages, contextMessages...)
	messages = append(messages, llm.Message{Role: "user", Content: playerInput})

	resp, err := x.Provider.Complete(ctx, &llm.Request{
		Messages:    messages,
		System:      instructions,
		MaxTokens:   maxTokens,
		Temperature: x.Temperature,
	})
	if err != nil {
		return "", fmt.Errorf("replay: provider %s: %w", x.Provider.Name(), err)
	}
	if strings.TrimSpace(resp.Text) == "" {
		return "", errors.New("replay: provider returned empty response")
	}
	return resp.Text, nil
}
