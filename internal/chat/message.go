package chat

import "sort"

// MessageState tracks a message through its one-way lifecycle. A message is
// created unconfirmed on the sending client and becomes confirmed exactly
// once, when the backend assigns it an event index.
type MessageState string

const (
	StateUnconfirmed MessageState = "unconfirmed"
	StateConfirmed   MessageState = "confirmed"
)

// Message is a chat message. Unconfirmed messages are keyed by LocalID and
// carry no index; confirmed messages carry the server-assigned Index and
// Timestamp.
type Message struct {
	State     MessageState `json:"state"`
	LocalID   string       `json:"local_id,omitempty"`
	Index     uint64       `json:"index,omitempty"`
	Timestamp int64        `json:"timestamp"`
	Sender    string       `json:"sender"`
	Text      string       `json:"text"`
}

// EventWrapper pairs an event with its chat-local sequence number. Index
// ordering is the chat's canonical event order.
type EventWrapper[E any] struct {
	Event     E      `json:"event"`
	Timestamp int64  `json:"timestamp"`
	Index     uint64 `json:"index"`
}

// MessageEvent is the wrapper type stored in the event cache.
type MessageEvent = EventWrapper[Message]

// Less orders messages for display: confirmed before unconfirmed, confirmed
// by index, unconfirmed by creation time then LocalID. Unconfirmed entries
// always sort after every confirmed entry so a newly confirmed message never
// appears to jump ahead of one still in flight.
func Less(a, b Message) bool {
	if a.State != b.State {
		return a.State == StateConfirmed
	}
	if a.State == StateConfirmed {
		return a.Index < b.Index
	}
	if a.Timestamp != b.Timestamp {
		return a.Timestamp < b.Timestamp
	}
	return a.LocalID < b.LocalID
}

// SortMessages sorts a message sequence in place using Less.
func SortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool { return Less(msgs[i], msgs[j]) })
}

// SortByRecency orders summaries newest-first by LastUpdated. It is the
// consumer-side display sort; merges are order-preserving and never apply it.
func SortByRecency(chats []Summary) {
	sort.SliceStable(chats, func(i, j int) bool {
		return chats[i].LastUpdated > chats[j].LastUpdated
	})
}
