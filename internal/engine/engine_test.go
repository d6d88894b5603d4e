package engine

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/pcarvalho/chatsync/internal/bus"
	"github.com/pcarvalho/chatsync/internal/cache"
	"github.com/pcarvalho/chatsync/internal/chat"
	"github.com/pcarvalho/chatsync/internal/gateway"
	"github.com/pcarvalho/chatsync/internal/merge"
	"github.com/pcarvalho/chatsync/internal/store"
)

type fixture struct {
	db     *store.DB
	gw     *gateway.Loopback
	cache  *cache.Store
	bus    *bus.Bus
	engine *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	db, err := store.Open(filepath.Join(dir, "chatsync.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	gw := gateway.NewLoopback()
	c, err := cache.Open(filepath.Join(dir, "events"), gw, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })

	b := bus.New()
	e := New(db, c, b, zap.NewNop())
	if err := e.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(e.Stop)

	return &fixture{db: db, gw: gw, cache: c, bus: b, engine: e}
}

func directChat(id chat.ID, peer string, lastUpdated int64) chat.Summary {
	return chat.Summary{ID: id, Kind: chat.KindDirect, PeerID: peer, LastUpdated: lastUpdated}
}

func (f *fixture) seedChats(t *testing.T, chats ...chat.Summary) {
	t.Helper()
	if _, err := f.engine.ApplyDelta(chat.Delta{Added: chats, Timestamp: 1}); err != nil {
		t.Fatal(err)
	}
}

func expectEvent(t *testing.T, ch <-chan bus.Event, kind string) bus.Event {
	t.Helper()
	select {
	case evt := <-ch:
		if evt.Kind != kind {
			t.Fatalf("event kind = %q, want %q", evt.Kind, kind)
		}
		return evt
	case <-time.After(2 * time.Second):
		t.Fatalf("no %q event", kind)
		return bus.Event{}
	}
}

func TestBeginSendUnknownChat(t *testing.T) {
	f := newFixture(t)
	if _, err := f.engine.BeginSend("nope", "hi"); !errors.Is(err, ErrUnknownChat) {
		t.Errorf("err = %v, want ErrUnknownChat", err)
	}
}

func TestSendLifecycleConfirm(t *testing.T) {
	f := newFixture(t)
	f.seedChats(t, directChat("c1", "bob", 100))

	ch, unsub := f.bus.Subscribe("message.", 8)
	defer unsub()

	token, err := f.engine.BeginSend("c1", "hello")
	if err != nil {
		t.Fatal(err)
	}
	expectEvent(t, ch, bus.KindMessageUpserted)

	seq, err := f.engine.Sequence("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(seq) != 1 || seq[0].State != chat.StateUnconfirmed || seq[0].LocalID != token {
		t.Fatalf("sequence after begin = %+v", seq)
	}

	if err := f.engine.CompleteSend(token, gateway.Confirmation{Index: 7, Timestamp: 700}); err != nil {
		t.Fatal(err)
	}
	expectEvent(t, ch, bus.KindSendAck)

	seq, err = f.engine.Sequence("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(seq) != 1 || seq[0].State != chat.StateConfirmed || seq[0].Index != 7 {
		t.Fatalf("sequence after confirm = %+v", seq)
	}
	if seq[0].Text != "hello" {
		t.Errorf("text = %q", seq[0].Text)
	}

	chats, err := f.engine.Chats()
	if err != nil {
		t.Fatal(err)
	}
	if chats[0].LatestEventIndex != 7 {
		t.Errorf("LatestEventIndex = %d, want 7", chats[0].LatestEventIndex)
	}
	if chats[0].LatestMessage == nil || chats[0].LatestMessage.Index != 7 {
		t.Errorf("LatestMessage = %+v", chats[0].LatestMessage)
	}

	// A token confirms once.
	if err := f.engine.CompleteSend(token, gateway.Confirmation{Index: 8}); !errors.Is(err, ErrUnknownSend) {
		t.Errorf("second confirm err = %v, want ErrUnknownSend", err)
	}
}

func TestConfirmationOrderDoesNotReorderInFlightSends(t *testing.T) {
	f := newFixture(t)
	f.seedChats(t, directChat("c1", "bob", 100))

	first, err := f.engine.BeginSend("c1", "first")
	if err != nil {
		t.Fatal(err)
	}
	second, err := f.engine.BeginSend("c1", "second")
	if err != nil {
		t.Fatal(err)
	}

	// The second send's confirmation arrives before the first's.
	if err := f.engine.CompleteSend(second, gateway.Confirmation{Index: 7, Timestamp: 700}); err != nil {
		t.Fatal(err)
	}

	seq, err := f.engine.Sequence("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(seq) != 2 {
		t.Fatalf("sequence = %+v", seq)
	}
	if seq[0].State != chat.StateConfirmed || seq[0].Index != 7 || seq[0].Text != "second" {
		t.Fatalf("seq[0] = %+v, want confirmed 'second' at index 7", seq[0])
	}
	if seq[1].State != chat.StateUnconfirmed || seq[1].LocalID != first {
		t.Fatalf("seq[1] = %+v, want unconfirmed 'first'", seq[1])
	}

	if err := f.engine.CompleteSend(first, gateway.Confirmation{Index: 8, Timestamp: 800}); err != nil {
		t.Fatal(err)
	}

	seq, err = f.engine.Sequence("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(seq) != 2 || seq[0].Index != 7 || seq[1].Index != 8 {
		t.Fatalf("sequence after both confirm = %+v", seq)
	}
	if seq[0].Text != "second" || seq[1].Text != "first" {
		t.Fatalf("texts = %q, %q", seq[0].Text, seq[1].Text)
	}
}

func TestCompleteSendDoesNotRewindLatest(t *testing.T) {
	f := newFixture(t)
	f.seedChats(t, chat.Summary{ID: "c1", Kind: chat.KindDirect, PeerID: "bob", LatestEventIndex: 20, LastUpdated: 2000})

	token, err := f.engine.BeginSend("c1", "late ack")
	if err != nil {
		t.Fatal(err)
	}
	if err := f.engine.CompleteSend(token, gateway.Confirmation{Index: 15, Timestamp: 1500}); err != nil {
		t.Fatal(err)
	}

	chats, err := f.engine.Chats()
	if err != nil {
		t.Fatal(err)
	}
	if chats[0].LatestEventIndex != 20 {
		t.Errorf("LatestEventIndex = %d, want 20", chats[0].LatestEventIndex)
	}
}

func TestFailedSendRetainedUntilExplicit(t *testing.T) {
	f := newFixture(t)
	f.seedChats(t, directChat("c1", "bob", 100))

	ch, unsub := f.bus.Subscribe(bus.KindSendFailed, 8)
	defer unsub()

	token, err := f.engine.BeginSend("c1", "doomed")
	if err != nil {
		t.Fatal(err)
	}
	if err := f.engine.FailSend(token, "link down"); err != nil {
		t.Fatal(err)
	}
	expectEvent(t, ch, bus.KindSendFailed)

	// The message is still visible and still unconfirmed.
	seq, err := f.engine.Sequence("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(seq) != 1 || seq[0].State != chat.StateUnconfirmed {
		t.Fatalf("sequence after fail = %+v", seq)
	}

	failed, err := f.engine.FailedSends()
	if err != nil {
		t.Fatal(err)
	}
	if failed[token] != "link down" {
		t.Errorf("failed[%s] = %q", token, failed[token])
	}

	// Retry puts it back on the queue and clears the failed mark.
	if err := f.engine.RetrySend(token); err != nil {
		t.Fatal(err)
	}
	failed, err = f.engine.FailedSends()
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 0 {
		t.Errorf("failed after retry = %v", failed)
	}
	pending, err := f.db.PendingOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].LocalID != token {
		t.Fatalf("pending after retry = %+v", pending)
	}
}

func TestRetryRequiresFailedState(t *testing.T) {
	f := newFixture(t)
	f.seedChats(t, directChat("c1", "bob", 100))

	token, err := f.engine.BeginSend("c1", "still pending")
	if err != nil {
		t.Fatal(err)
	}
	if err := f.engine.RetrySend(token); !errors.Is(err, ErrUnknownSend) {
		t.Errorf("retry of non-failed send err = %v, want ErrUnknownSend", err)
	}
}

func TestDiscardSendRemovesMessage(t *testing.T) {
	f := newFixture(t)
	f.seedChats(t, directChat("c1", "bob", 100))

	token, err := f.engine.BeginSend("c1", "never mind")
	if err != nil {
		t.Fatal(err)
	}
	if err := f.engine.FailSend(token, "rejected"); err != nil {
		t.Fatal(err)
	}
	if err := f.engine.DiscardSend(token); err != nil {
		t.Fatal(err)
	}

	seq, err := f.engine.Sequence("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(seq) != 0 {
		t.Fatalf("sequence after discard = %+v", seq)
	}
	unsettled, err := f.db.UnsettledOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(unsettled) != 0 {
		t.Fatalf("outbox after discard = %+v", unsettled)
	}
}

func TestApplyDeltaKindMismatchLeavesStateIntact(t *testing.T) {
	f := newFixture(t)
	f.seedChats(t, directChat("c1", "bob", 100))

	name := "not a direct chat"
	_, err := f.engine.ApplyDelta(chat.Delta{
		Updated:   []chat.Update{{ID: "c1", Kind: chat.KindGroup, Name: &name}},
		Timestamp: 2,
	})
	var mismatch *merge.KindMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("err = %v, want KindMismatchError", err)
	}

	chats, err := f.engine.Chats()
	if err != nil {
		t.Fatal(err)
	}
	if len(chats) != 1 || chats[0].Kind != chat.KindDirect {
		t.Fatalf("chats after mismatch = %+v", chats)
	}
}

func TestMissingUserIDs(t *testing.T) {
	f := newFixture(t)
	f.seedChats(t,
		directChat("c1", "bob", 100),
		chat.Summary{ID: "g1", Kind: chat.KindGroup, LastUpdated: 50, Group: &chat.GroupInfo{
			Name: "team",
			Participants: []chat.Participant{
				{UserID: "bob"},
				{UserID: "carol"},
			},
		}},
	)

	missing, err := f.engine.MissingUserIDs()
	if err != nil {
		t.Fatal(err)
	}
	if len(missing) != 2 {
		t.Fatalf("missing = %v, want bob and carol once each", missing)
	}

	if err := f.engine.AddUsers([]chat.User{{UserID: "bob", Username: "bob"}}); err != nil {
		t.Fatal(err)
	}
	missing, err = f.engine.MissingUserIDs()
	if err != nil {
		t.Fatal(err)
	}
	if len(missing) != 1 || missing[0] != "carol" {
		t.Fatalf("missing after AddUsers = %v", missing)
	}

	u, ok, err := f.engine.User("bob")
	if err != nil || !ok || u.Username != "bob" {
		t.Errorf("User(bob) = %+v, %v, %v", u, ok, err)
	}
}

func TestResetKeepsPendingSends(t *testing.T) {
	f := newFixture(t)
	f.seedChats(t, directChat("c1", "bob", 100))

	token, err := f.engine.BeginSend("c1", "survivor")
	if err != nil {
		t.Fatal(err)
	}
	if err := f.engine.Reset(); err != nil {
		t.Fatal(err)
	}

	chats, err := f.engine.Chats()
	if err != nil {
		t.Fatal(err)
	}
	if len(chats) != 0 {
		t.Fatalf("chats after reset = %+v", chats)
	}
	seq, err := f.engine.Sequence("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(seq) != 1 || seq[0].LocalID != token {
		t.Fatalf("sequence after reset = %+v", seq)
	}
}

func TestMessagesMergesCacheAndUnconfirmedTail(t *testing.T) {
	f := newFixture(t)

	events := []chat.MessageEvent{
		{Event: chat.Message{State: chat.StateConfirmed, Index: 1, Timestamp: 100, Sender: "bob", Text: "one"}, Timestamp: 100, Index: 1},
		{Event: chat.Message{State: chat.StateConfirmed, Index: 2, Timestamp: 200, Sender: "bob", Text: "two"}, Timestamp: 200, Index: 2},
	}
	f.gw.SeedChat(chat.Summary{ID: "c1", Kind: chat.KindDirect, PeerID: "bob", LatestEventIndex: 2, LastUpdated: 200}, events)
	f.seedChats(t, chat.Summary{ID: "c1", Kind: chat.KindDirect, PeerID: "bob", LatestEventIndex: 2, LastUpdated: 200})

	if _, err := f.engine.BeginSend("c1", "pending"); err != nil {
		t.Fatal(err)
	}

	msgs, err := f.engine.Messages(context.Background(), "c1", 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	// Unconfirmed sorts after every confirmed message.
	if msgs[0].Index != 1 || msgs[1].Index != 2 {
		t.Errorf("confirmed order = %d, %d", msgs[0].Index, msgs[1].Index)
	}
	if msgs[2].State != chat.StateUnconfirmed {
		t.Errorf("tail state = %s", msgs[2].State)
	}
}

func TestMessagesDedupesConfirmedEcho(t *testing.T) {
	f := newFixture(t)
	f.gw.SeedChat(chat.Summary{ID: "c1", Kind: chat.KindDirect, PeerID: "bob"}, nil)
	f.seedChats(t, directChat("c1", "bob", 100))

	token, err := f.engine.BeginSend("c1", "echo me")
	if err != nil {
		t.Fatal(err)
	}
	if err := f.engine.CompleteSend(token, gateway.Confirmation{Index: 1, Timestamp: 500}); err != nil {
		t.Fatal(err)
	}
	f.cache.Flush()

	msgs, err := f.engine.Messages(context.Background(), "c1", 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1 (no duplicate echo): %+v", len(msgs), msgs)
	}
	if msgs[0].Index != 1 || msgs[0].Text != "echo me" {
		t.Errorf("message = %+v", msgs[0])
	}
	// The echo came from the cache, not a gateway refetch.
	if f.gw.Calls("FetchEventRange") != 0 {
		t.Errorf("gateway range calls = %d, want 0", f.gw.Calls("FetchEventRange"))
	}
}

func TestChatsSortedByRecency(t *testing.T) {
	f := newFixture(t)
	f.seedChats(t,
		directChat("old", "a", 100),
		directChat("new", "b", 300),
		directChat("mid", "c", 200),
	)

	chats, err := f.engine.Chats()
	if err != nil {
		t.Fatal(err)
	}
	got := []chat.ID{chats[0].ID, chats[1].ID, chats[2].ID}
	want := []chat.ID{"new", "mid", "old"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestWarmStartRestoresStateFromStore(t *testing.T) {
	dir := t.TempDir()
	db, err := store.Open(filepath.Join(dir, "chatsync.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := db.ReplaceChats([]chat.Summary{directChat("c1", "bob", 100)}); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertUsers([]chat.User{{UserID: "bob", Username: "bob"}}); err != nil {
		t.Fatal(err)
	}
	if err := db.QueueOutbox("tok-1", "c1", "written before restart"); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkOutboxFailed("tok-1", "timeout"); err != nil {
		t.Fatal(err)
	}
	// A send that was mid-flight when the daemon died.
	if err := db.QueueOutbox("tok-2", "c1", "caught in flight"); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkOutboxSending("tok-2"); err != nil {
		t.Fatal(err)
	}

	gw := gateway.NewLoopback()
	c, err := cache.Open(filepath.Join(dir, "events"), gw, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })

	e := New(db, c, bus.New(), zap.NewNop())
	if err := e.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(e.Stop)

	chats, err := e.Chats()
	if err != nil {
		t.Fatal(err)
	}
	if len(chats) != 1 || chats[0].ID != "c1" {
		t.Fatalf("chats = %+v", chats)
	}

	seq, err := e.Sequence("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(seq) != 2 {
		t.Fatalf("sequence = %+v", seq)
	}
	for _, m := range seq {
		if m.State != chat.StateUnconfirmed {
			t.Errorf("message %q state = %v, want unconfirmed", m.Text, m.State)
		}
	}

	failed, err := e.FailedSends()
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 1 || failed["tok-1"] != "timeout" {
		t.Errorf("failed = %v", failed)
	}

	// The interrupted send is back in the queue for the drain loop.
	pending, err := db.PendingOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].LocalID != "tok-2" {
		t.Fatalf("pending = %+v", pending)
	}

	if _, ok, _ := e.User("bob"); !ok {
		t.Error("user bob not restored")
	}
}

func TestStoppedEngineReturnsErrStopped(t *testing.T) {
	f := newFixture(t)
	f.engine.Stop()
	if _, err := f.engine.Chats(); !errors.Is(err, ErrStopped) {
		t.Errorf("err = %v, want ErrStopped", err)
	}
}
