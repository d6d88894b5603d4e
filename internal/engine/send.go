package engine

import (
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pcarvalho/chatsync/internal/bus"
	"github.com/pcarvalho/chatsync/internal/chat"
	"github.com/pcarvalho/chatsync/internal/gateway"
)

// BeginSend synthesizes an unconfirmed message under a fresh local token,
// appends it to the chat's sequence, moves the chat to the front of the
// recency order, and enqueues the send durably. The token is unique per
// pending send and never reused.
func (e *Engine) BeginSend(chatID chat.ID, text string) (string, error) {
	token := uuid.NewString()
	now := e.now()

	err := e.do(func(st *state) error {
		found := false
		for i := range st.chats {
			if st.chats[i].ID == chatID {
				// Optimistic recency bump: the chat surfaces immediately,
				// before the server has seen the message.
				st.chats[i].LastUpdated = now
				found = true
				break
			}
		}
		if !found {
			return ErrUnknownChat
		}
		st.messages[chatID] = append(st.messages[chatID], chat.Message{
			State:     chat.StateUnconfirmed,
			LocalID:   token,
			Timestamp: now,
			Sender:    "me",
			Text:      text,
		})
		st.sends[token] = &sendInfo{chatID: chatID}
		return e.db.QueueOutbox(token, string(chatID), text)
	})
	if err != nil {
		return "", err
	}

	e.publish(bus.KindMessageUpserted, SendEvent{ChatID: chatID, Token: token})
	return token, nil
}

// CompleteSend replaces the unconfirmed message with its confirmed form and
// re-sorts the chat's sequence. The transition is one-way: once confirmed,
// a token is forgotten and cannot complete again.
func (e *Engine) CompleteSend(token string, conf gateway.Confirmation) error {
	var chatID chat.ID
	var confirmed chat.Message
	err := e.do(func(st *state) error {
		info, ok := st.sends[token]
		if !ok {
			return ErrUnknownSend
		}
		chatID = info.chatID

		seq := st.messages[chatID]
		idx := -1
		for i := range seq {
			if seq[i].LocalID == token {
				idx = i
				break
			}
		}
		if idx < 0 {
			return ErrUnknownSend
		}

		confirmed = chat.Message{
			State:     chat.StateConfirmed,
			Index:     conf.Index,
			Timestamp: conf.Timestamp,
			Sender:    seq[idx].Sender,
			Text:      seq[idx].Text,
		}
		seq[idx] = confirmed
		chat.SortMessages(seq)
		st.messages[chatID] = seq
		delete(st.sends, token)

		for i := range st.chats {
			if st.chats[i].ID != chatID {
				continue
			}
			// Only a new maximum advances the chat's latest pointers; a
			// confirmation arriving after later server events must not
			// rewind them.
			if conf.Index > st.chats[i].LatestEventIndex {
				st.chats[i].LatestEventIndex = conf.Index
				m := confirmed
				st.chats[i].LatestMessage = &m
			}
			if conf.Timestamp > st.chats[i].LastUpdated {
				st.chats[i].LastUpdated = conf.Timestamp
			}
			break
		}

		return e.db.MarkOutboxConfirmed(token, conf.Index, conf.Timestamp)
	})
	if err != nil {
		return err
	}

	// The confirmed echo is already index-assigned; cache it so the range
	// covering it is a hit without a refetch.
	e.cache.Put(chatID, []chat.MessageEvent{{
		Event:     confirmed,
		Timestamp: conf.Timestamp,
		Index:     conf.Index,
	}})

	e.publish(bus.KindSendAck, SendEvent{ChatID: chatID, Token: token, Index: conf.Index})
	return nil
}

// FailSend marks a pending send as failed. The message stays in the chat's
// unconfirmed sequence: a failed send is never silently discarded, it must
// be explicitly retried or deleted.
func (e *Engine) FailSend(token, reason string) error {
	var chatID chat.ID
	err := e.do(func(st *state) error {
		info, ok := st.sends[token]
		if !ok {
			return ErrUnknownSend
		}
		chatID = info.chatID
		info.failed = true
		info.reason = reason
		return e.db.MarkOutboxFailed(token, reason)
	})
	if err != nil {
		return err
	}
	e.logger.Warn("send failed", zap.String("token", token), zap.String("reason", reason))
	e.publish(bus.KindSendFailed, SendEvent{ChatID: chatID, Token: token, Reason: reason})
	return nil
}

// RetrySend requeues a failed send.
func (e *Engine) RetrySend(token string) error {
	return e.do(func(st *state) error {
		info, ok := st.sends[token]
		if !ok || !info.failed {
			return ErrUnknownSend
		}
		info.failed = false
		info.reason = ""
		return e.db.RequeueOutbox(token)
	})
}

// DiscardSend removes a failed send and its message entirely.
func (e *Engine) DiscardSend(token string) error {
	err := e.do(func(st *state) error {
		info, ok := st.sends[token]
		if !ok {
			return ErrUnknownSend
		}
		seq := st.messages[info.chatID]
		for i := range seq {
			if seq[i].LocalID == token {
				st.messages[info.chatID] = append(seq[:i], seq[i+1:]...)
				break
			}
		}
		delete(st.sends, token)
		return e.db.DeleteOutbox(token)
	})
	if err != nil {
		return err
	}
	e.publish(bus.KindMessageUpserted, SendEvent{Token: token})
	return nil
}

// FailedSends lists tokens currently in the failed state with reasons.
func (e *Engine) FailedSends() (map[string]string, error) {
	out := make(map[string]string)
	err := e.do(func(st *state) error {
		for token, info := range st.sends {
			if info.failed {
				out[token] = info.reason
			}
		}
		return nil
	})
	return out, err
}

// SendEvent is the bus payload for send lifecycle events.
type SendEvent struct {
	ChatID chat.ID `json:"chat_id,omitempty"`
	Token  string  `json:"token"`
	Index  uint64  `json:"index,omitempty"`
	Reason string  `json:"reason,omitempty"`
}
