// Package engine owns the in-memory chat list and the optimistic message
// lifecycle. A single goroutine processes every state command, so merges,
// sends and reads are serialized by construction — consistency comes from
// the command channel, not from locks.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pcarvalho/chatsync/internal/bus"
	"github.com/pcarvalho/chatsync/internal/cache"
	"github.com/pcarvalho/chatsync/internal/chat"
	"github.com/pcarvalho/chatsync/internal/merge"
	"github.com/pcarvalho/chatsync/internal/store"
)

// ErrStopped is returned by every method after Stop.
var ErrStopped = errors.New("engine stopped")

// ErrUnknownChat is returned by BeginSend for a chat not in the list.
var ErrUnknownChat = errors.New("unknown chat")

// ErrUnknownSend is returned by lifecycle methods for an unknown token.
var ErrUnknownSend = errors.New("unknown send token")

// Engine is the background context's state owner.
type Engine struct {
	db     *store.DB
	cache  *cache.Store
	bus    *bus.Bus
	logger *zap.Logger
	now    func() int64

	cmds     chan func(*state)
	stopping chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// state is touched only by the loop goroutine.
type state struct {
	chats    []chat.Summary
	messages map[chat.ID][]chat.Message // unconfirmed tails, per chat
	sends    map[string]*sendInfo       // local token → send
	users    map[string]chat.User
}

type sendInfo struct {
	chatID chat.ID
	failed bool
	reason string
}

// New creates an engine. Call Start before use.
func New(db *store.DB, c *cache.Store, b *bus.Bus, logger *zap.Logger) *Engine {
	return &Engine{
		db:       db,
		cache:    c,
		bus:      b,
		logger:   logger,
		now:      func() int64 { return time.Now().UnixMilli() },
		cmds:     make(chan func(*state)),
		stopping: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start warm-starts state from the store and runs the command loop.
func (e *Engine) Start(ctx context.Context) error {
	st := &state{
		messages: make(map[chat.ID][]chat.Message),
		sends:    make(map[string]*sendInfo),
		users:    make(map[string]chat.User),
	}

	chats, err := e.db.LoadChats()
	if err != nil {
		return fmt.Errorf("load chat snapshot: %w", err)
	}
	st.chats = chats

	users, err := e.db.LoadUsers()
	if err != nil {
		return fmt.Errorf("load user directory: %w", err)
	}
	for _, u := range users {
		st.users[u.UserID] = u
	}

	// A send caught mid-flight by the previous shutdown goes back on the
	// queue; otherwise it would sit in 'sending' forever, invisible to
	// both the drain loop and RetrySend.
	requeued, err := e.db.RequeueStalledOutbox()
	if err != nil {
		return fmt.Errorf("requeue stalled sends: %w", err)
	}
	if requeued > 0 {
		e.logger.Info("requeued in-flight sends from previous run", zap.Int64("count", requeued))
	}

	// Rebuild unconfirmed sequences from the durable outbox so messages
	// accepted before a restart are still visible and still pending.
	unsettled, err := e.db.UnsettledOutbox()
	if err != nil {
		return fmt.Errorf("load outbox: %w", err)
	}
	for _, entry := range unsettled {
		id := chat.ID(entry.ChatID)
		st.messages[id] = append(st.messages[id], chat.Message{
			State:     chat.StateUnconfirmed,
			LocalID:   entry.LocalID,
			Timestamp: entry.CreatedAt,
			Sender:    "me",
			Text:      entry.Body,
		})
		st.sends[entry.LocalID] = &sendInfo{
			chatID: id,
			failed: entry.Status == "failed",
			reason: entry.ErrorMessage,
		}
	}

	go e.loop(ctx, st)
	e.logger.Info("engine started",
		zap.Int("chats", len(st.chats)),
		zap.Int("users", len(st.users)),
		zap.Int("unsettled_sends", len(unsettled)))
	return nil
}

// Stop terminates the command loop and waits for it to exit.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopping) })
	<-e.done
}

func (e *Engine) loop(ctx context.Context, st *state) {
	defer close(e.done)
	for {
		select {
		case fn := <-e.cmds:
			fn(st)
		case <-e.stopping:
			return
		case <-ctx.Done():
			return
		}
	}
}

// do runs fn on the loop goroutine and waits for its result.
func (e *Engine) do(fn func(*state) error) error {
	res := make(chan error, 1)
	select {
	case e.cmds <- func(st *state) { res <- fn(st) }:
	case <-e.stopping:
		return ErrStopped
	case <-e.done:
		return ErrStopped
	}
	select {
	case err := <-res:
		return err
	case <-e.done:
		return ErrStopped
	}
}

// Chats returns the chat list in display order (newest first).
func (e *Engine) Chats() ([]chat.Summary, error) {
	var out []chat.Summary
	err := e.do(func(st *state) error {
		out = make([]chat.Summary, 0, len(st.chats))
		for _, c := range st.chats {
			out = append(out, c.Clone())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	chat.SortByRecency(out)
	return out, nil
}

// ApplyDelta merges a server delta into the chat list and persists the new
// snapshot. On a kind mismatch the list is untouched and the error is
// returned for the caller to trigger a full resync.
func (e *Engine) ApplyDelta(delta chat.Delta) (merge.Report, error) {
	var rep merge.Report
	err := e.do(func(st *state) error {
		merged, r, err := merge.Apply(st.chats, delta)
		if err != nil {
			return err
		}
		rep = r
		st.chats = merged
		if err := e.db.ReplaceChats(merged); err != nil {
			// The in-memory merge stands; persistence is retried on the
			// next delta.
			e.logger.Warn("chat snapshot write failed", zap.Error(err))
		}
		return nil
	})
	if err != nil {
		return rep, err
	}
	e.publish(bus.KindChatsUpdated, rep)
	return rep, nil
}

// MissingUserIDs returns user ids referenced by the chat list that are not
// yet in the local directory.
func (e *Engine) MissingUserIDs() ([]string, error) {
	var out []string
	err := e.do(func(st *state) error {
		seen := make(map[string]struct{})
		add := func(id string) {
			if id == "" {
				return
			}
			if _, known := st.users[id]; known {
				return
			}
			if _, dup := seen[id]; dup {
				return
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
		for _, c := range st.chats {
			add(c.PeerID)
			if c.Group != nil {
				for _, p := range c.Group.Participants {
					add(p.UserID)
				}
			}
		}
		return nil
	})
	return out, err
}

// AddUsers merges resolved users into the directory and persists them.
func (e *Engine) AddUsers(users []chat.User) error {
	if len(users) == 0 {
		return nil
	}
	err := e.do(func(st *state) error {
		for _, u := range users {
			st.users[u.UserID] = u
		}
		return e.db.UpsertUsers(users)
	})
	if err != nil {
		return err
	}
	e.publish(bus.KindUsersLoaded, len(users))
	return nil
}

// User looks up a directory entry.
func (e *Engine) User(id string) (chat.User, bool, error) {
	var (
		u  chat.User
		ok bool
	)
	err := e.do(func(st *state) error {
		u, ok = st.users[id]
		return nil
	})
	return u, ok, err
}

// Reset drops the in-memory chat list and its snapshot. Unconfirmed sends
// survive: they belong to the outbox, not to the server's view. Used when
// an invariant violation makes incremental repair unsafe.
func (e *Engine) Reset() error {
	err := e.do(func(st *state) error {
		st.chats = nil
		if err := e.db.ReplaceChats(nil); err != nil {
			e.logger.Warn("chat snapshot clear failed", zap.Error(err))
		}
		return nil
	})
	if err != nil {
		return err
	}
	e.publish(bus.KindChatsUpdated, merge.Report{})
	return nil
}

// Messages returns the chat's messages for the index range [from, to] with
// the chat's unconfirmed tail appended. Cached history is served from the
// event cache; the cache falls through to the gateway on a miss.
func (e *Engine) Messages(ctx context.Context, chatID chat.ID, from, to uint64) ([]chat.Message, error) {
	var (
		latestKnown uint64
		tail        []chat.Message
	)
	if err := e.do(func(st *state) error {
		for _, c := range st.chats {
			if c.ID == chatID {
				latestKnown = c.LatestEventIndex
				break
			}
		}
		tail = append([]chat.Message(nil), st.messages[chatID]...)
		return nil
	}); err != nil {
		return nil, err
	}

	// The cache and gateway calls run outside the loop goroutine: a slow
	// fetch must not stall merges and sends.
	events, err := e.cache.GetRange(ctx, chatID, from, to, latestKnown)
	if err != nil {
		return nil, err
	}

	msgs := make([]chat.Message, 0, len(events)+len(tail))
	cached := make(map[uint64]struct{}, len(events))
	for _, ev := range events {
		msgs = append(msgs, ev.Event)
		cached[ev.Index] = struct{}{}
	}
	// The in-memory sequence keeps a confirmed message after its echo has
	// been cached; skip such duplicates by index.
	for _, m := range tail {
		if m.State == chat.StateConfirmed {
			if _, dup := cached[m.Index]; dup {
				continue
			}
		}
		msgs = append(msgs, m)
	}
	chat.SortMessages(msgs)
	return msgs, nil
}

// Sequence returns a copy of the chat's in-memory message sequence: sent
// messages in lifecycle order, confirmed and unconfirmed.
func (e *Engine) Sequence(chatID chat.ID) ([]chat.Message, error) {
	var out []chat.Message
	err := e.do(func(st *state) error {
		out = append([]chat.Message(nil), st.messages[chatID]...)
		return nil
	})
	return out, err
}

func (e *Engine) publish(kind string, payload any) {
	e.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}
