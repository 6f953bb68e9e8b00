// Package runtime defines the contracts between channel transports and
// message handlers, and the dispatcher that orders turns per conversation.
package runtime

import (
	"context"
	"time"
)

// Message is an inbound message delivered by a channel transport.
type Message struct {
	// ConversationID keys ordering; turns with the same ID run one at a time.
	ConversationID string
	MessageID      string
	UserID         string
	Username       string
	Text           string
}

// ResponseWriter sends handler responses back to the active channel transport.
type ResponseWriter interface {
	WriteMessage(ctx context.Context, text string) error
}

// Conversation is the active exchange a handler is serving.
type Conversation interface {
	ResponseWriter
	// Prompt sends text and waits up to timeout for the user's next reply.
	// ok is false when the wait timed out.
	Prompt(ctx context.Context, text string, timeout time.Duration) (reply string, ok bool, err error)
}

// Handler processes inbound messages and writes responses.
type Handler interface {
	HandleMessage(ctx context.Context, conv Conversation, msg *Message) error
}

// Listener receives channel input and dispatches it to a Handler.
type Listener interface {
	Listen(ctx context.Context, handler Handler) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, conv Conversation, msg *Message) error

func (f HandlerFunc) HandleMessage(ctx context.Context, conv Conversation, msg *Message) error {
	return f(ctx, conv, msg)
}
