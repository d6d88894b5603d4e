package daemon

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/pcarvalho/chatsync/internal/bus"
	"github.com/pcarvalho/chatsync/internal/session"
	"github.com/pcarvalho/chatsync/internal/transport"
)

// Server accepts client connections on the identity's Unix domain socket
// and serves correlated requests through the router. Bus events are pushed
// to every connected client as unsolicited event frames.
type Server struct {
	listener   net.Listener
	socketPath string
	router     *transport.Router
	bus        *bus.Bus
	logger     *zap.Logger

	mu     sync.Mutex
	conns  map[transport.MessageConn]struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer binds the identity's Unix domain socket.
func NewServer(p Params, logger *zap.Logger, router *transport.Router, b *bus.Bus) (*Server, error) {
	socketPath := p.SocketPath
	if socketPath == "" {
		socketPath = session.SocketPath(p.Identity)
	}

	// A stale socket from a crashed daemon blocks the bind; the flock
	// already guarantees no live daemon owns it.
	if _, err := os.Stat(socketPath); err == nil {
		_ = os.Remove(socketPath)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen unix socket: %w", err)
	}
	if err := os.Chmod(socketPath, 0600); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	return &Server{
		listener:   listener,
		socketPath: socketPath,
		router:     router,
		bus:        b,
		logger:     logger,
		conns:      make(map[transport.MessageConn]struct{}),
	}, nil
}

// Start accepts connections until Stop. Blocks.
func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.forwardEvents(ctx)

	s.logger.Info("server listening", zap.String("socket", s.socketPath))
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			// Listener closed during shutdown.
			return nil
		}
		mc := transport.NewNetConn(conn)
		s.mu.Lock()
		s.conns[mc] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			_ = s.router.ServeConn(ctx, mc)
			s.mu.Lock()
			delete(s.conns, mc)
			s.mu.Unlock()
			_ = mc.Close()
		}()
	}
}

// forwardEvents mirrors every bus event to every connected client.
func (s *Server) forwardEvents(ctx context.Context) {
	defer s.wg.Done()
	ch, unsub := s.bus.Subscribe("", 256)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			s.mu.Lock()
			for mc := range s.conns {
				if err := transport.SendEvent(mc, evt.Kind, evt.Payload); err != nil {
					s.logger.Debug("event push failed", zap.String("kind", evt.Kind), zap.Error(err))
				}
			}
			s.mu.Unlock()
		case <-ctx.Done():
			return
		}
	}
}

// Stop closes the listener and all client connections, waits for in-flight
// requests, and removes the socket file.
func (s *Server) Stop(_ context.Context) {
	s.logger.Info("server stopping")
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	for mc := range s.conns {
		_ = mc.Close()
	}
	s.mu.Unlock()
	_ = s.listener.Close()
	s.wg.Wait()
	_ = os.Remove(s.socketPath)
}
