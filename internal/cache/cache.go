// Package cache is a write-through, range-aware event cache in front of the
// remote gateway. Entries are keyed per (chat, index) with a fixed-width
// zero-padded index so pebble's lexicographic iteration returns exactly the
// index-ordered slice of a range query.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"

	"github.com/pcarvalho/chatsync/internal/chat"
	"github.com/pcarvalho/chatsync/internal/gateway"
)

// ErrChatNotFound is returned when the backend reports the chat does not
// exist. A not-found result is never cached: the chat may exist later.
var ErrChatNotFound = errors.New("chat not found")

// Store is the event cache. Cached values are immutable once the server has
// assigned their index, so concurrent writers of the same key are harmless.
type Store struct {
	db     *pebble.DB
	gw     gateway.Gateway
	logger *zap.Logger
	wg     sync.WaitGroup
}

// Open opens (or creates) the pebble database at path.
func Open(path string, gw gateway.Gateway, logger *zap.Logger) (*Store, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open event cache: %w", err)
	}
	return &Store{db: db, gw: gw, logger: logger}, nil
}

// Close waits for pending background writes and closes the database.
func (s *Store) Close() error {
	s.wg.Wait()
	return s.db.Close()
}

// Flush blocks until all pending background writes have landed. Cache fills
// are fire-and-forget on the response path; tests use Flush to observe them.
func (s *Store) Flush() {
	s.wg.Wait()
}

// eventKey builds the pebble key for one event. The 12-digit zero padding
// keeps lexicographic and numeric order identical.
func eventKey(chatID chat.ID, index uint64) []byte {
	return fmt.Appendf(nil, "evt:%s:%012d", chatID, index)
}

// GetRange returns the events of chatID with indices in [from, to].
//
// latestKnown, when non-zero, is the chat's latest known event index; the
// requested upper bound is clamped to it so that a fully cached short chat
// still counts as a hit. With latestKnown == 0 the exact-count rule applies
// and any shortfall is a full miss — the cache cannot tell a short chat from
// a history gap, and serving a partial range would hide the gap.
func (s *Store) GetRange(ctx context.Context, chatID chat.ID, from, to uint64, latestKnown uint64) ([]chat.MessageEvent, error) {
	if to < from {
		return nil, fmt.Errorf("invalid range [%d, %d]", from, to)
	}
	want := to
	if latestKnown > 0 && latestKnown < to {
		want = latestKnown
	}
	if want >= from {
		if events, ok := s.readRange(chatID, from, want); ok {
			return events, nil
		}
	}

	result, err := s.gw.FetchEventRange(ctx, chatID, from, to)
	if err != nil {
		return nil, err
	}
	if result.NotFound {
		return nil, ErrChatNotFound
	}

	// Write-through, entry-granular and best-effort: the caller gets the
	// events as soon as the network responds.
	events := result.Events
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.put(chatID, events)
	}()

	return events, nil
}

// Put stores already-confirmed events, making later range queries that cover
// them cache hits. Used by the send path to cache the echo of a confirmed
// message without a refetch.
func (s *Store) Put(chatID chat.ID, events []chat.MessageEvent) {
	s.put(chatID, events)
}

func (s *Store) readRange(chatID chat.ID, from, to uint64) ([]chat.MessageEvent, bool) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: eventKey(chatID, from),
		UpperBound: eventKey(chatID, to+1),
	})
	if err != nil {
		s.logger.Warn("cache iterator failed", zap.Error(err))
		return nil, false
	}
	defer func() { _ = iter.Close() }()

	var events []chat.MessageEvent
	for iter.First(); iter.Valid(); iter.Next() {
		var ev chat.MessageEvent
		if err := json.Unmarshal(iter.Value(), &ev); err != nil {
			s.logger.Warn("cache entry corrupt, treating range as miss",
				zap.String("key", string(iter.Key())), zap.Error(err))
			return nil, false
		}
		events = append(events, ev)
	}

	// Range-complete hit only: every index in the span must be present.
	span := to - from + 1
	if uint64(len(events)) != span {
		return nil, false
	}
	return events, true
}

func (s *Store) put(chatID chat.ID, events []chat.MessageEvent) {
	if len(events) == 0 {
		return
	}
	batch := s.db.NewBatch()
	defer func() { _ = batch.Close() }()
	for _, ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			s.logger.Warn("cache marshal failed", zap.Uint64("index", ev.Index), zap.Error(err))
			continue
		}
		if err := batch.Set(eventKey(chatID, ev.Index), data, nil); err != nil {
			s.logger.Warn("cache batch set failed", zap.Uint64("index", ev.Index), zap.Error(err))
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		s.logger.Warn("cache write failed", zap.String("chat", string(chatID)), zap.Error(err))
	}
}
