package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// JSONTransport is a self-contained transport that keeps thread state as a
// JSON message list. It backs local runs and tests; production deployments
// plug in their own transport.
type JSONTransport struct{}

// NewJSONTransport returns a JSON-blob transport.
func NewJSONTransport() *JSONTransport {
	return &JSONTransport{}
}

func (t *JSONTransport) NewThread(ctx context.Context) (Thread, error) {
	if t == nil {
		return nil, errors.New("transport: nil transport")
	}
	return &jsonThread{}, nil
}

func (t *JSONTransport) DeserializeThread(ctx context.Context, blob []byte) (Thread, error) {
	if t == nil {
		return nil, errors.New("transport: nil transport")
	}
	if len(blob) == 0 {
		return nil, errors.New("transport: empty thread blob")
	}

	var state jsonThreadState
	if err := json.Unmarshal(blob, &state); err != nil {
		return nil, fmt.Errorf("transport: decode thread: %w", err)
	}
	return &jsonThread{messages: state.Messages}, nil
}

type jsonThreadState struct {
	Messages []AppendedMessage `json:"messages"`
}

type jsonThread struct {
	mu       sync.Mutex
	messages []AppendedMessage
}

func (th *jsonThread) SerializeThread(ctx context.Context) ([]byte, error) {
	if th == nil {
		return nil, errors.New("transport: nil thread")
	}
	th.mu.Lock()
	defer th.mu.Unlock()

	b, err := json.Marshal(jsonThreadState{Messages: th.messages})
	if err != nil {
		return nil, fmt.Errorf("transport: encode thread: %w", err)
	}
	return b, nil
}

func (th *jsonThread) NotifyAppended(ctx context.Context, msgs []AppendedMessage) error {
	if th == nil {
		return errors.New("transport: nil thread")
	}
	for _, m := range msgs {
		if m.Role != "user" && m.Role != "assistant" && m.Role != "system" {
			return fmt.Errorf("transport: unknown role %q", m.Role)
		}
	}

	th.mu.Lock()
	defer th.mu.Unlock()
	th.messages = append(th.messages, msgs...)
	return nil
}
