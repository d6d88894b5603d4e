package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Emitter sends replies for one correlated request. Emit sends a mid-stream
// item; Done sends the terminal item. A handler must reach exactly one
// terminal outcome: Done, or returning an error.
type Emitter interface {
	Emit(v any) error
	Done(v any) error
}

// HandlerFunc processes one request. Returning an error sends an error
// frame to the requester (terminal); returning nil after Done completes
// normally. Returning nil without Done is a handler bug and is surfaced to
// the requester as an error rather than leaving the request dangling.
type HandlerFunc func(ctx context.Context, payload json.RawMessage, emit Emitter) error

// Router dispatches inbound request frames to handlers by kind. The lookup
// table replaces switch-based dispatch: registering every kind at wiring
// time keeps the set of supported requests in one place.
type Router struct {
	handlers map[string]HandlerFunc
	logger   *zap.Logger
}

// NewRouter creates an empty router.
func NewRouter(logger *zap.Logger) *Router {
	return &Router{handlers: make(map[string]HandlerFunc), logger: logger}
}

// Handle registers the handler for a request kind. Registering a duplicate
// kind panics: kinds are wired once at startup.
func (r *Router) Handle(kind string, h HandlerFunc) {
	if _, dup := r.handlers[kind]; dup {
		panic(fmt.Sprintf("transport: duplicate handler for kind %q", kind))
	}
	r.handlers[kind] = h
}

// ServeConn reads request frames from conn until it closes or ctx is
// cancelled. Each request runs in its own goroutine so a slow handler never
// stalls unrelated in-flight requests.
func (r *Router) ServeConn(ctx context.Context, conn MessageConn) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		frame, err := conn.Receive()
		if err != nil {
			return nil
		}
		if !frame.IsRequest() {
			r.logger.Warn("non-request frame on server connection dropped",
				zap.String("correlation_id", frame.CorrelationID))
			continue
		}
		wg.Add(1)
		go func(f Frame) {
			defer wg.Done()
			r.dispatch(ctx, conn, f)
		}(frame)
	}
}

func (r *Router) dispatch(ctx context.Context, conn MessageConn, f Frame) {
	h, ok := r.handlers[f.Kind]
	if !ok {
		r.sendError(conn, f.CorrelationID, fmt.Errorf("unknown request kind %q", f.Kind))
		return
	}

	em := &emitter{conn: conn, cid: f.CorrelationID}
	err := h(ctx, f.Payload, em)
	switch {
	case err != nil && !em.done:
		r.sendError(conn, f.CorrelationID, err)
	case err != nil:
		// Terminal response already sent; nothing more can reach the
		// requester, so the error is only logged.
		r.logger.Error("handler failed after terminal response",
			zap.String("kind", f.Kind), zap.Error(err))
	case !em.done:
		r.sendError(conn, f.CorrelationID, fmt.Errorf("handler for %q completed without a terminal response", f.Kind))
	}
}

func (r *Router) sendError(conn MessageConn, cid string, err error) {
	if sendErr := conn.Send(Frame{CorrelationID: cid, Error: NewWireError(err)}); sendErr != nil {
		r.logger.Warn("failed to send error frame", zap.Error(sendErr))
	}
}

type emitter struct {
	conn MessageConn
	cid  string
	mu   sync.Mutex
	done bool
}

func (e *emitter) Emit(v any) error { return e.send(v, false) }
func (e *emitter) Done(v any) error { return e.send(v, true) }

func (e *emitter) send(v any, final bool) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal response: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done {
		return fmt.Errorf("response after terminal emission for %s", e.cid)
	}
	if final {
		e.done = true
	}
	return e.conn.Send(Frame{CorrelationID: e.cid, Payload: data, Final: final})
}

// SendEvent pushes an unsolicited event frame on conn.
func SendEvent(conn MessageConn, subkind string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", subkind, err)
	}
	return conn.Send(Frame{Event: &EventFrame{Subkind: subkind, Data: raw}})
}
