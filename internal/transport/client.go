package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// StreamItem is one emission of a streamed reply. A terminal item has Final
// set or Err non-nil; after a terminal item the stream channel is closed.
type StreamItem struct {
	Payload json.RawMessage
	Final   bool
	Err     error
}

// Client multiplexes correlated requests over one MessageConn. Correlation
// bookkeeping is created on send and destroyed on the terminal response, an
// error, or caller cancellation — every request path reaches a terminal
// state, so no pending entry outlives its request.
type Client struct {
	conn   MessageConn
	logger *zap.Logger

	mu      sync.Mutex
	pending map[string]chan StreamItem

	events    chan EventFrame
	closed    chan struct{}
	closeOnce sync.Once
}

// NewClient starts the read loop on conn and returns the client.
func NewClient(conn MessageConn, logger *zap.Logger) *Client {
	c := &Client{
		conn:    conn,
		logger:  logger,
		pending: make(map[string]chan StreamItem),
		events:  make(chan EventFrame, 64),
		closed:  make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Events returns the channel of unsolicited server events.
func (c *Client) Events() <-chan EventFrame { return c.events }

// Close tears down the connection and fails every in-flight request with
// ErrConnClosed.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
		c.mu.Lock()
		for cid, ch := range c.pending {
			delete(c.pending, cid)
			select {
			case ch <- StreamItem{Err: ErrConnClosed}:
			default:
				// Full buffer: make room so the error lands before close.
				select {
				case <-ch:
				default:
				}
				ch <- StreamItem{Err: ErrConnClosed}
			}
			close(ch)
		}
		c.mu.Unlock()
	})
	return err
}

// Call issues a single-shot request and waits for its one response.
func (c *Client) Call(ctx context.Context, kind string, payload any) (json.RawMessage, error) {
	cid, ch, err := c.send(kind, payload, 1)
	if err != nil {
		return nil, err
	}
	select {
	case item, ok := <-ch:
		if !ok {
			return nil, ErrConnClosed
		}
		if item.Err != nil {
			return nil, item.Err
		}
		return item.Payload, nil
	case <-ctx.Done():
		c.forget(cid)
		return nil, ctx.Err()
	case <-c.closed:
		return nil, ErrConnClosed
	}
}

// Stream issues a request with a streamed reply. The returned channel
// receives zero or more items and is closed after exactly one terminal item
// (Final or Err). Cancelling ctx abandons the stream; later replies for the
// abandoned correlation id are dropped as stale.
func (c *Client) Stream(ctx context.Context, kind string, payload any) (<-chan StreamItem, error) {
	cid, ch, err := c.send(kind, payload, 16)
	if err != nil {
		return nil, err
	}
	out := make(chan StreamItem, 16)
	go func() {
		defer close(out)
		for {
			select {
			case item, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- item:
				case <-ctx.Done():
					c.forget(cid)
					return
				}
				if item.Final || item.Err != nil {
					return
				}
			case <-ctx.Done():
				c.forget(cid)
				return
			}
		}
	}()
	return out, nil
}

// send registers a pending entry under a fresh correlation id and writes
// the request frame. Identifiers are unique per in-flight request; one is
// never reused while its entry is pending.
func (c *Client) send(kind string, payload any, buf int) (string, chan StreamItem, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", nil, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	cid := uuid.NewString()
	ch := make(chan StreamItem, buf)

	c.mu.Lock()
	c.pending[cid] = ch
	c.mu.Unlock()

	if err := c.conn.Send(Frame{Kind: kind, CorrelationID: cid, Payload: data}); err != nil {
		c.forget(cid)
		return "", nil, err
	}
	return cid, ch, nil
}

func (c *Client) forget(cid string) {
	c.mu.Lock()
	delete(c.pending, cid)
	c.mu.Unlock()
}

func (c *Client) readLoop() {
	for {
		frame, err := c.conn.Receive()
		if err != nil {
			_ = c.Close()
			return
		}

		if frame.Event != nil {
			select {
			case c.events <- *frame.Event:
			default:
				c.logger.Warn("event buffer full, dropping unsolicited event",
					zap.String("subkind", frame.Event.Subkind))
			}
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[frame.CorrelationID]
		if !ok {
			c.mu.Unlock()
			// Stale reply for an abandoned or unknown correlation id,
			// e.g. after a context reset. Logged and dropped.
			c.logger.Warn("reply for unknown correlation id dropped",
				zap.String("correlation_id", frame.CorrelationID))
			continue
		}

		var item StreamItem
		terminal := false
		switch {
		case frame.Error != nil:
			item = StreamItem{Err: frame.Error}
			terminal = true
		default:
			item = StreamItem{Payload: frame.Payload, Final: frame.Final}
			terminal = frame.Final
		}
		select {
		case ch <- item:
		default:
			if terminal {
				// The terminal item must land in the channel before it
				// closes; evict the oldest buffered item to make room.
				// Senders are serialized on the mutex, so after the
				// eviction the send cannot block.
				select {
				case <-ch:
				default:
				}
				ch <- item
				c.logger.Warn("stream buffer full, evicted item to deliver terminal",
					zap.String("correlation_id", frame.CorrelationID))
			} else {
				// A slow stream consumer loses intermediate items rather
				// than stalling every other in-flight request on this
				// connection.
				c.logger.Warn("stream buffer full, dropping item",
					zap.String("correlation_id", frame.CorrelationID))
			}
		}
		if terminal {
			delete(c.pending, frame.CorrelationID)
			close(ch)
		}
		c.mu.Unlock()
	}
}
