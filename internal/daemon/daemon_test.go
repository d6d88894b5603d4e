package daemon

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/pcarvalho/chatsync/internal/api"
	"github.com/pcarvalho/chatsync/internal/bus"
	"github.com/pcarvalho/chatsync/internal/cache"
	"github.com/pcarvalho/chatsync/internal/chat"
	"github.com/pcarvalho/chatsync/internal/engine"
	"github.com/pcarvalho/chatsync/internal/gateway"
	"github.com/pcarvalho/chatsync/internal/lock"
	"github.com/pcarvalho/chatsync/internal/poller"
	"github.com/pcarvalho/chatsync/internal/status"
	"github.com/pcarvalho/chatsync/internal/store"
	"github.com/pcarvalho/chatsync/internal/transport"
)

// shortTempDir avoids the 104-char Unix socket path limit on macOS.
func shortTempDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "chatsync-test-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return dir
}

type harness struct {
	db     *store.DB
	bus    *bus.Bus
	engine *engine.Engine
	server *Server
	client *transport.Client
}

// newHarness wires the full daemon stack by hand over a real socket, the
// way registerLifecycle does, minus fx.
func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := shortTempDir(t)
	identityDir := filepath.Join(dir, "id")
	socketPath := filepath.Join(dir, "d.sock")
	if err := os.MkdirAll(identityDir, 0700); err != nil {
		t.Fatal(err)
	}

	lk, err := lock.Acquire(identityDir)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = lk.Release() })

	db, err := store.Open(filepath.Join(identityDir, "chatsync.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	gw := gateway.NewLoopback()
	c, err := cache.Open(filepath.Join(identityDir, "events"), gw, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })

	b := bus.New()
	machine := status.NewMachine(b)
	e := engine.New(db, c, b, zap.NewNop())
	if err := e.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(e.Stop)

	p := poller.New(db, gw, e, machine, b, zap.NewNop(), time.Hour)

	router := transport.NewRouter(zap.NewNop())
	api.NewHandlers("test", e, p, machine, db, zap.NewNop()).Register(router)

	srv, err := NewServer(Params{Identity: "test", SocketPath: socketPath}, zap.NewNop(), router, b)
	if err != nil {
		t.Fatal(err)
	}
	go func() { _ = srv.Start() }()
	t.Cleanup(func() { srv.Stop(context.Background()) })

	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatal(err)
	}
	client := transport.NewClient(transport.NewNetConn(conn), zap.NewNop())
	t.Cleanup(func() { _ = client.Close() })

	return &harness{db: db, bus: b, engine: e, server: srv, client: client}
}

func TestDaemonServesOverSocket(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	raw, err := h.client.Call(ctx, api.KindSessionInfo, nil)
	if err != nil {
		t.Fatal(err)
	}
	var info api.SessionInfoResponse
	if err := json.Unmarshal(raw, &info); err != nil {
		t.Fatal(err)
	}
	if info.Identity != "test" {
		t.Errorf("identity = %q, want test", info.Identity)
	}
	if info.State != string(status.Booting) {
		t.Errorf("state = %q, want BOOTING", info.State)
	}

	raw, err = h.client.Call(ctx, api.KindChatsList, nil)
	if err != nil {
		t.Fatal(err)
	}
	var chats api.ChatsListResponse
	if err := json.Unmarshal(raw, &chats); err != nil {
		t.Fatal(err)
	}
	if len(chats.Chats) != 0 {
		t.Errorf("chats = %+v, want empty", chats.Chats)
	}

	// Feed state through the engine and read it back over the wire.
	if _, err := h.engine.ApplyDelta(chat.Delta{
		Added:     []chat.Summary{{ID: "c1", Kind: chat.KindDirect, PeerID: "bob", LastUpdated: 100}},
		Timestamp: 1,
	}); err != nil {
		t.Fatal(err)
	}
	raw, err = h.client.Call(ctx, api.KindChatsList, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(raw, &chats); err != nil {
		t.Fatal(err)
	}
	if len(chats.Chats) != 1 || chats.Chats[0].ID != "c1" {
		t.Errorf("chats = %+v", chats.Chats)
	}
}

func TestBusEventsPushedToClients(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	// A request first, so the connection is registered before publishing.
	if _, err := h.client.Call(ctx, api.KindSessionInfo, nil); err != nil {
		t.Fatal(err)
	}

	// ApplyDelta publishes chat.updated through the bus; the server must
	// mirror it to the connected client.
	if _, err := h.engine.ApplyDelta(chat.Delta{
		Added:     []chat.Summary{{ID: "c1", Kind: chat.KindDirect, PeerID: "bob"}},
		Timestamp: 1,
	}); err != nil {
		t.Fatal(err)
	}

	select {
	case evt := <-h.client.Events():
		if evt.Subkind != bus.KindChatsUpdated {
			t.Errorf("event subkind = %q, want %q", evt.Subkind, bus.KindChatsUpdated)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no event pushed to client")
	}
}

func TestStaleSocketRemovedOnStart(t *testing.T) {
	dir := shortTempDir(t)
	socketPath := filepath.Join(dir, "d.sock")

	// Leave a stale socket behind, as a crashed daemon would.
	l, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatal(err)
	}
	// Close without removing the file: simulate SIGKILL.
	l.(*net.UnixListener).SetUnlinkOnClose(false)
	_ = l.Close()
	if _, err := os.Stat(socketPath); err != nil {
		t.Fatalf("stale socket not present: %v", err)
	}

	b := bus.New()
	router := transport.NewRouter(zap.NewNop())
	srv, err := NewServer(Params{Identity: "test", SocketPath: socketPath}, zap.NewNop(), router, b)
	if err != nil {
		t.Fatalf("NewServer over stale socket: %v", err)
	}
	srv.Stop(context.Background())
}

func TestSocketPermissions(t *testing.T) {
	dir := shortTempDir(t)
	socketPath := filepath.Join(dir, "d.sock")

	srv, err := NewServer(Params{Identity: "test", SocketPath: socketPath}, zap.NewNop(), transport.NewRouter(zap.NewNop()), bus.New())
	if err != nil {
		t.Fatal(err)
	}
	defer srv.Stop(context.Background())

	info, err := os.Stat(socketPath)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("socket permission = %o, want 0600", perm)
	}
}
