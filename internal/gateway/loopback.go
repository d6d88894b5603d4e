package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/pcarvalho/chatsync/internal/chat"
)

// Loopback is an in-memory Gateway backed by its own chat state. It serves
// two purposes: the daemon's development mode (a working backend with no
// network) and the test suites of every component that consumes a Gateway.
type Loopback struct {
	mu      sync.Mutex
	chats   map[chat.ID]*loopbackChat
	order   []chat.ID
	users   map[string]chat.User
	removed map[chat.ID]int64 // removal time, unix ms
	now     func() int64

	nextErr    error
	callCounts map[string]int
}

type loopbackChat struct {
	summary chat.Summary
	events  []chat.MessageEvent
	changed int64
}

// NewLoopback creates an empty loopback backend.
func NewLoopback() *Loopback {
	return &Loopback{
		chats:      make(map[chat.ID]*loopbackChat),
		users:      make(map[string]chat.User),
		removed:    make(map[chat.ID]int64),
		now:        func() int64 { return time.Now().UnixMilli() },
		callCounts: make(map[string]int),
	}
}

// SetClock overrides the backend clock; test use.
func (l *Loopback) SetClock(now func() int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// FailNext makes the next gateway call return err.
func (l *Loopback) FailNext(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextErr = err
}

// Calls reports how many times the named method was invoked.
func (l *Loopback) Calls(method string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.callCounts[method]
}

// SeedChat installs a chat and its events with the backend's current clock.
func (l *Loopback) SeedChat(summary chat.Summary, events []chat.MessageEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ts := l.now()
	if summary.LastUpdated == 0 {
		summary.LastUpdated = ts
	}
	if n := len(events); n > 0 {
		summary.LatestEventIndex = events[n-1].Index
	}
	if _, ok := l.chats[summary.ID]; !ok {
		l.order = append(l.order, summary.ID)
	}
	l.chats[summary.ID] = &loopbackChat{
		summary: summary.Clone(),
		events:  append([]chat.MessageEvent(nil), events...),
		changed: ts,
	}
}

// SeedUsers installs users into the backend directory.
func (l *Loopback) SeedUsers(users ...chat.User) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, u := range users {
		l.users[u.UserID] = u
	}
}

// RemoveChat deletes a chat so later deltas report the removal.
func (l *Loopback) RemoveChat(id chat.ID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.chats[id]; !ok {
		return
	}
	delete(l.chats, id)
	for i, cid := range l.order {
		if cid == id {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
	l.removed[id] = l.now()
}

func (l *Loopback) take(method string) error {
	l.callCounts[method]++
	err := l.nextErr
	l.nextErr = nil
	return err
}

func (l *Loopback) FetchEventRange(_ context.Context, chatID chat.ID, from, to uint64) (EventRangeResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.take("FetchEventRange"); err != nil {
		return EventRangeResult{}, err
	}
	c, ok := l.chats[chatID]
	if !ok {
		return EventRangeResult{NotFound: true}, nil
	}
	var out []chat.MessageEvent
	for _, ev := range c.events {
		if ev.Index >= from && ev.Index <= to {
			out = append(out, ev)
		}
	}
	return EventRangeResult{Events: out}, nil
}

func (l *Loopback) FetchChatDeltas(_ context.Context, since int64) (chat.Delta, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.take("FetchChatDeltas"); err != nil {
		return chat.Delta{}, err
	}

	delta := chat.Delta{
		Removed:   make(map[chat.ID]struct{}),
		Timestamp: l.now(),
	}
	for _, id := range l.order {
		c := l.chats[id]
		if c.changed <= since {
			continue
		}
		// The loopback has no per-field diffing; a changed chat arrives as
		// an addition and the merge layer's replace-on-duplicate handles it.
		delta.Added = append(delta.Added, c.summary.Clone())
	}
	for id, at := range l.removed {
		if at > since {
			delta.Removed[id] = struct{}{}
		}
	}
	return delta, nil
}

func (l *Loopback) FetchUsers(_ context.Context, ids []string) ([]chat.User, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.take("FetchUsers"); err != nil {
		return nil, err
	}
	var out []chat.User
	for _, id := range ids {
		if u, ok := l.users[id]; ok {
			out = append(out, u)
		}
	}
	return out, nil
}

func (l *Loopback) SendMessage(_ context.Context, chatID chat.ID, text string) (SendResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.take("SendMessage"); err != nil {
		return SendResult{}, err
	}
	c, ok := l.chats[chatID]
	if !ok {
		return SendResult{Rejected: &Rejection{Reason: "chat_not_found"}}, nil
	}
	ts := l.now()
	index := c.summary.LatestEventIndex + 1
	msg := chat.Message{
		State:     chat.StateConfirmed,
		Index:     index,
		Timestamp: ts,
		Sender:    "me",
		Text:      text,
	}
	c.events = append(c.events, chat.MessageEvent{Event: msg, Timestamp: ts, Index: index})
	c.summary.LatestEventIndex = index
	c.summary.LatestMessage = &msg
	c.summary.LastUpdated = ts
	c.changed = ts
	return SendResult{Confirmed: &Confirmation{Index: index, Timestamp: ts}}, nil
}
