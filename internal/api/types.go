// Package api defines the daemon's request surface: the request kinds a
// client may send over the correlated transport, their payload shapes, and
// the handlers that serve them.
package api

import "github.com/pcarvalho/chatsync/internal/chat"

// Request kinds served by the daemon.
const (
	KindChatsList      = "chats.list"
	KindMessagesRange  = "messages.range"
	KindMessagesStream = "messages.backfill"
	KindMessageSend    = "message.send"
	KindMessageRetry   = "message.retry"
	KindMessageDiscard = "message.discard"
	KindMessagesFailed = "message.failed"
	KindSyncNow        = "sync.now"
	KindSyncStatus     = "sync.status"
	KindSessionInfo    = "session.info"
)

// ChatsListResponse carries the chat list in display order.
type ChatsListResponse struct {
	Chats []chat.Summary `json:"chats"`
}

// MessagesRangeRequest asks for messages with indices in [From, To], plus
// the chat's unconfirmed tail.
type MessagesRangeRequest struct {
	ChatID chat.ID `json:"chat_id"`
	From   uint64  `json:"from"`
	To     uint64  `json:"to"`
}

// MessagesRangeResponse carries messages in display order.
type MessagesRangeResponse struct {
	Messages []chat.Message `json:"messages"`
}

// BackfillRequest asks for [From, To] streamed in chunks of ChunkSize.
type BackfillRequest struct {
	ChatID    chat.ID `json:"chat_id"`
	From      uint64  `json:"from"`
	To        uint64  `json:"to"`
	ChunkSize uint64  `json:"chunk_size"`
}

// BackfillChunk is one streamed slice of a backfill.
type BackfillChunk struct {
	From     uint64         `json:"from"`
	To       uint64         `json:"to"`
	Messages []chat.Message `json:"messages"`
}

// SendRequest submits a message for optimistic delivery.
type SendRequest struct {
	ChatID chat.ID `json:"chat_id"`
	Text   string  `json:"text"`
}

// SendResponse returns the local token identifying the pending send.
type SendResponse struct {
	Token string `json:"token"`
}

// TokenRequest names a pending send for retry or discard.
type TokenRequest struct {
	Token string `json:"token"`
}

// FailedSendsResponse maps failed send tokens to their reasons.
type FailedSendsResponse struct {
	Failed map[string]string `json:"failed"`
}

// SyncStatusResponse reports the sync core's runtime state.
type SyncStatusResponse struct {
	State      string `json:"state"`
	Checkpoint string `json:"checkpoint"`
}

// SessionInfoResponse describes the daemon's identity.
type SessionInfoResponse struct {
	Identity string `json:"identity"`
	State    string `json:"state"`
	PID      int    `json:"pid"`
}

// Ack is the empty terminal payload for requests with no result body.
type Ack struct{}
