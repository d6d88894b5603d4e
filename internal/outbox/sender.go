// Package outbox drains the durable send queue through the gateway and
// reports each outcome to the message lifecycle.
package outbox

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/pcarvalho/chatsync/internal/chat"
	"github.com/pcarvalho/chatsync/internal/gateway"
	"github.com/pcarvalho/chatsync/internal/store"
)

// Lifecycle receives send outcomes: confirmation with the server-assigned
// ordering, or failure with a reason. Implemented by the engine.
type Lifecycle interface {
	CompleteSend(token string, conf gateway.Confirmation) error
	FailSend(token, reason string) error
}

const drainInterval = 500 * time.Millisecond

// Sender polls the outbox for queued sends and submits them.
type Sender struct {
	db        *store.DB
	gw        gateway.Gateway
	lifecycle Lifecycle
	logger    *zap.Logger
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewSender creates an outbox sender.
func NewSender(db *store.DB, gw gateway.Gateway, lc Lifecycle, logger *zap.Logger) *Sender {
	return &Sender{db: db, gw: gw, lifecycle: lc, logger: logger}
}

// Start begins polling the outbox for pending sends.
func (s *Sender) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.loop(ctx)
}

// Stop stops the drain loop and waits for it to exit.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Sender) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(drainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.processPending(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sender) processPending(ctx context.Context) {
	pending, err := s.db.PendingOutbox()
	if err != nil {
		s.logger.Error("failed to read outbox", zap.Error(err))
		return
	}

	for _, entry := range pending {
		if err := s.db.MarkOutboxSending(entry.LocalID); err != nil {
			s.logger.Error("failed to mark sending", zap.Error(err), zap.String("token", entry.LocalID))
			continue
		}

		result, err := s.gw.SendMessage(ctx, chat.ID(entry.ChatID), entry.Body)
		if err != nil {
			// Transport failure; surfaced to the lifecycle, never retried
			// here on its own.
			if ferr := s.lifecycle.FailSend(entry.LocalID, err.Error()); ferr != nil {
				s.logger.Error("failed to record send failure", zap.Error(ferr), zap.String("token", entry.LocalID))
			}
			continue
		}
		if result.Rejected != nil {
			if ferr := s.lifecycle.FailSend(entry.LocalID, result.Rejected.Reason); ferr != nil {
				s.logger.Error("failed to record rejection", zap.Error(ferr), zap.String("token", entry.LocalID))
			}
			continue
		}

		if err := s.lifecycle.CompleteSend(entry.LocalID, *result.Confirmed); err != nil {
			s.logger.Error("failed to complete send", zap.Error(err), zap.String("token", entry.LocalID))
			continue
		}
		s.logger.Info("message sent",
			zap.String("token", entry.LocalID),
			zap.Uint64("index", result.Confirmed.Index))
	}
}
