// Package gateway defines the typed surface the sync core consumes from the
// remote actor backend. The wire encoding behind an implementation is opaque
// to the core: it sends a request and receives a typed result or an error.
package gateway

import (
	"context"

	"github.com/pcarvalho/chatsync/internal/chat"
)

// Gateway is the remote backend as seen by the sync core.
type Gateway interface {
	// FetchEventRange returns the chat's events with indices in [from, to].
	FetchEventRange(ctx context.Context, chatID chat.ID, from, to uint64) (EventRangeResult, error)
	// FetchChatDeltas returns the chat-list diff since the given server
	// timestamp (unix ms). since == 0 requests the full chat list.
	FetchChatDeltas(ctx context.Context, since int64) (chat.Delta, error)
	// FetchUsers resolves user summaries for the given ids.
	FetchUsers(ctx context.Context, ids []string) ([]chat.User, error)
	// SendMessage submits a message and returns its confirmation or a
	// domain rejection. Rejections are expected outcomes, not errors.
	SendMessage(ctx context.Context, chatID chat.ID, text string) (SendResult, error)
}

// EventRangeResult is the tagged result of FetchEventRange. NotFound is set
// when the chat does not exist on the backend; Events is valid otherwise.
type EventRangeResult struct {
	NotFound bool
	Events   []chat.MessageEvent
}

// SendResult is the tagged result of SendMessage: exactly one of Confirmed
// or Rejected is non-nil.
type SendResult struct {
	Confirmed *Confirmation
	Rejected  *Rejection
}

// Confirmation carries the server-assigned ordering for an accepted message.
type Confirmation struct {
	Index     uint64
	Timestamp int64
}

// Rejection is a structured domain refusal (recipient blocked, not in
// group, and so on).
type Rejection struct {
	Reason string
}
