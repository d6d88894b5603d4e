package api

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/pcarvalho/chatsync/internal/engine"
	"github.com/pcarvalho/chatsync/internal/poller"
	"github.com/pcarvalho/chatsync/internal/status"
	"github.com/pcarvalho/chatsync/internal/store"
	"github.com/pcarvalho/chatsync/internal/transport"
)

// Handlers binds the request surface to the sync core.
type Handlers struct {
	identity string
	engine   *engine.Engine
	poller   *poller.Poller
	machine  *status.Machine
	db       *store.DB
	logger   *zap.Logger
}

// NewHandlers creates the handler set for one daemon.
func NewHandlers(identity string, e *engine.Engine, p *poller.Poller, m *status.Machine, db *store.DB, logger *zap.Logger) *Handlers {
	return &Handlers{identity: identity, engine: e, poller: p, machine: m, db: db, logger: logger}
}

// Register wires every request kind into the router.
func (h *Handlers) Register(r *transport.Router) {
	r.Handle(KindChatsList, h.chatsList)
	r.Handle(KindMessagesRange, h.messagesRange)
	r.Handle(KindMessagesStream, h.messagesBackfill)
	r.Handle(KindMessageSend, h.messageSend)
	r.Handle(KindMessageRetry, h.messageRetry)
	r.Handle(KindMessageDiscard, h.messageDiscard)
	r.Handle(KindMessagesFailed, h.messagesFailed)
	r.Handle(KindSyncNow, h.syncNow)
	r.Handle(KindSyncStatus, h.syncStatus)
	r.Handle(KindSessionInfo, h.sessionInfo)
}

func (h *Handlers) chatsList(_ context.Context, _ json.RawMessage, emit transport.Emitter) error {
	chats, err := h.engine.Chats()
	if err != nil {
		return err
	}
	return emit.Done(ChatsListResponse{Chats: chats})
}

func (h *Handlers) messagesRange(ctx context.Context, payload json.RawMessage, emit transport.Emitter) error {
	var req MessagesRangeRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return fmt.Errorf("bad messages.range payload: %w", err)
	}
	if req.ChatID == "" {
		return fmt.Errorf("messages.range: chat_id required")
	}
	msgs, err := h.engine.Messages(ctx, req.ChatID, req.From, req.To)
	if err != nil {
		return err
	}
	return emit.Done(MessagesRangeResponse{Messages: msgs})
}

// messagesBackfill streams a large range as bounded chunks so the client
// can render progressively.
func (h *Handlers) messagesBackfill(ctx context.Context, payload json.RawMessage, emit transport.Emitter) error {
	var req BackfillRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return fmt.Errorf("bad messages.backfill payload: %w", err)
	}
	if req.ChatID == "" {
		return fmt.Errorf("messages.backfill: chat_id required")
	}
	chunk := req.ChunkSize
	if chunk == 0 {
		chunk = 50
	}

	for from := req.From; from <= req.To; from += chunk {
		to := from + chunk - 1
		if to > req.To {
			to = req.To
		}
		msgs, err := h.engine.Messages(ctx, req.ChatID, from, to)
		if err != nil {
			return err
		}
		out := BackfillChunk{From: from, To: to, Messages: msgs}
		if to == req.To {
			return emit.Done(out)
		}
		if err := emit.Emit(out); err != nil {
			return err
		}
	}
	return emit.Done(BackfillChunk{From: req.From, To: req.To})
}

func (h *Handlers) messageSend(_ context.Context, payload json.RawMessage, emit transport.Emitter) error {
	var req SendRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return fmt.Errorf("bad message.send payload: %w", err)
	}
	if req.Text == "" {
		return fmt.Errorf("message.send: empty text")
	}
	token, err := h.engine.BeginSend(req.ChatID, req.Text)
	if err != nil {
		return err
	}
	return emit.Done(SendResponse{Token: token})
}

func (h *Handlers) messageRetry(_ context.Context, payload json.RawMessage, emit transport.Emitter) error {
	var req TokenRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return fmt.Errorf("bad message.retry payload: %w", err)
	}
	if err := h.engine.RetrySend(req.Token); err != nil {
		return err
	}
	return emit.Done(Ack{})
}

func (h *Handlers) messageDiscard(_ context.Context, payload json.RawMessage, emit transport.Emitter) error {
	var req TokenRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return fmt.Errorf("bad message.discard payload: %w", err)
	}
	if err := h.engine.DiscardSend(req.Token); err != nil {
		return err
	}
	return emit.Done(Ack{})
}

func (h *Handlers) messagesFailed(_ context.Context, _ json.RawMessage, emit transport.Emitter) error {
	failed, err := h.engine.FailedSends()
	if err != nil {
		return err
	}
	return emit.Done(FailedSendsResponse{Failed: failed})
}

func (h *Handlers) syncNow(_ context.Context, _ json.RawMessage, emit transport.Emitter) error {
	h.poller.SyncNow()
	return emit.Done(Ack{})
}

func (h *Handlers) syncStatus(_ context.Context, _ json.RawMessage, emit transport.Emitter) error {
	cp, err := h.db.GetCheckpoint(store.CheckpointDeltaTimestamp)
	if err != nil {
		return err
	}
	return emit.Done(SyncStatusResponse{
		State:      string(h.machine.Current()),
		Checkpoint: cp,
	})
}

func (h *Handlers) sessionInfo(_ context.Context, _ json.RawMessage, emit transport.Emitter) error {
	return emit.Done(SessionInfoResponse{
		Identity: h.identity,
		State:    string(h.machine.Current()),
		PID:      os.Getpid(),
	})
}
