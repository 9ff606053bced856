// Package transport defines the chat-transport collaborator contract. The
// ledger treats serialized thread state as an opaque blob; only a transport
// implementation may produce or interpret it.
package transport

import "context"

// AppendedMessage is one message pushed into a thread via NotifyAppended.
type AppendedMessage struct {
	Role string `json:"role"` // "user", "assistant" or "system"
	Text string `json:"text"`
}

// Thread is a live conversation held by the external chat transport.
type Thread interface {
	// SerializeThread renders the thread state as an opaque blob suitable
	// for the ledger's snapshot chain.
	SerializeThread(ctx context.Context) ([]byte, error)

	// NotifyAppended seeds the thread with messages appended outside the
	// transport, such as a game's scripted opening line.
	NotifyAppended(ctx context.Context, msgs []AppendedMessage) error
}

// Transport opens and restores threads.
type Transport interface {
	NewThread(ctx context.Context) (Thread, error)
	DeserializeThread(ctx context.Context, blob []byte) (Thread, error)
}
