// Package poller drives periodic chat-list synchronization: fetch the delta
// since the last checkpoint, fold it into the engine, resolve any users the
// new list references, and advance the checkpoint.
package poller

import (
	"context"
	"errors"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/pcarvalho/chatsync/internal/bus"
	"github.com/pcarvalho/chatsync/internal/engine"
	"github.com/pcarvalho/chatsync/internal/gateway"
	"github.com/pcarvalho/chatsync/internal/merge"
	"github.com/pcarvalho/chatsync/internal/status"
	"github.com/pcarvalho/chatsync/internal/store"
)

// Poller runs the delta sync loop.
type Poller struct {
	db       *store.DB
	gw       gateway.Gateway
	engine   *engine.Engine
	machine  *status.Machine
	bus      *bus.Bus
	logger   *zap.Logger
	interval time.Duration

	checkpoint int64 // last server delta timestamp, ms
	kick       chan struct{}
	cancel     context.CancelFunc
	done       chan struct{}
}

// CycleResult is the bus payload for sync.completed and sync.failed.
type CycleResult struct {
	Report        merge.Report `json:"report"`
	Checkpoint    int64        `json:"checkpoint"`
	UsersResolved int          `json:"users_resolved"`
	Error         string       `json:"error,omitempty"`
}

// New creates a poller. Call Start before use.
func New(db *store.DB, gw gateway.Gateway, e *engine.Engine, m *status.Machine, b *bus.Bus, logger *zap.Logger, interval time.Duration) *Poller {
	return &Poller{
		db:       db,
		gw:       gw,
		engine:   e,
		machine:  m,
		bus:      b,
		logger:   logger,
		interval: interval,
		kick:     make(chan struct{}, 1),
	}
}

// Start loads the persisted checkpoint and begins the sync loop. The first
// cycle runs immediately.
func (p *Poller) Start(ctx context.Context) error {
	raw, err := p.db.GetCheckpoint(store.CheckpointDeltaTimestamp)
	if err != nil {
		return err
	}
	if raw != "" {
		cp, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			p.logger.Warn("corrupt checkpoint, starting from scratch", zap.String("value", raw))
			cp = 0
		}
		p.checkpoint = cp
	}

	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	go p.loop(ctx)
	return nil
}

// Stop cancels the loop and waits for the in-flight cycle to finish.
func (p *Poller) Stop() {
	if p.cancel != nil {
		p.cancel()
		<-p.done
	}
}

// SyncNow requests an immediate cycle without waiting for the timer.
func (p *Poller) SyncNow() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

func (p *Poller) loop(ctx context.Context) {
	defer close(p.done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.cycle(ctx)
	for {
		select {
		case <-ticker.C:
			p.cycle(ctx)
		case <-p.kick:
			p.cycle(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (p *Poller) cycle(ctx context.Context) {
	if err := p.machine.Transition(status.Syncing); err != nil {
		p.logger.Warn("cannot enter syncing", zap.Error(err))
		return
	}

	delta, err := p.gw.FetchChatDeltas(ctx, p.checkpoint)
	if err != nil {
		p.fail("delta fetch failed", err)
		return
	}

	report, err := p.engine.ApplyDelta(delta)
	if err != nil {
		var mismatch *merge.KindMismatchError
		if errors.As(err, &mismatch) {
			// The incremental view disagrees with the server about what a
			// chat fundamentally is. Drop everything and refetch from zero.
			p.logger.Warn("kind mismatch, forcing full resync",
				zap.String("chat", string(mismatch.Chat)),
				zap.String("stored", string(mismatch.Stored)),
				zap.String("received", string(mismatch.Received)))
			if rerr := p.engine.Reset(); rerr != nil {
				p.logger.Error("reset failed", zap.Error(rerr))
			}
			p.setCheckpoint(0)
		}
		p.fail("delta apply failed", err)
		return
	}

	resolved, err := p.resolveUsers(ctx)
	if err != nil {
		// Non-fatal: the same ids come back from MissingUserIDs next
		// cycle. The delta itself was applied.
		p.logger.Warn("user resolution failed", zap.Error(err))
	}

	// Only the server's delta timestamp advances the checkpoint. The local
	// clock never does: a skewed client clock must not skip deltas.
	if delta.Timestamp > p.checkpoint {
		p.setCheckpoint(delta.Timestamp)
	}

	if err := p.machine.Transition(status.Ready); err != nil {
		p.logger.Warn("cannot enter ready", zap.Error(err))
	}
	p.publish(bus.KindSyncCompleted, CycleResult{
		Report:        report,
		Checkpoint:    p.checkpoint,
		UsersResolved: resolved,
	})
	p.logger.Debug("sync cycle complete",
		zap.Int("added", report.Added),
		zap.Int("removed", report.Removed),
		zap.Int("updated", report.Updated),
		zap.Int64("checkpoint", p.checkpoint))
}

// resolveUsers fetches directory entries for users the chat list references
// but the engine does not know yet.
func (p *Poller) resolveUsers(ctx context.Context) (int, error) {
	missing, err := p.engine.MissingUserIDs()
	if err != nil {
		return 0, err
	}
	if len(missing) == 0 {
		return 0, nil
	}
	users, err := p.gw.FetchUsers(ctx, missing)
	if err != nil {
		return 0, err
	}
	if err := p.engine.AddUsers(users); err != nil {
		return 0, err
	}
	return len(users), nil
}

func (p *Poller) fail(msg string, err error) {
	p.logger.Error(msg, zap.Error(err))
	if terr := p.machine.Transition(status.Degraded); terr != nil {
		p.logger.Warn("cannot enter degraded", zap.Error(terr))
	}
	p.publish(bus.KindSyncFailed, CycleResult{Checkpoint: p.checkpoint, Error: err.Error()})
}

func (p *Poller) setCheckpoint(ts int64) {
	p.checkpoint = ts
	if err := p.db.SetCheckpoint(store.CheckpointDeltaTimestamp, strconv.FormatInt(ts, 10)); err != nil {
		p.logger.Warn("checkpoint write failed", zap.Error(err))
	}
}

func (p *Poller) publish(kind string, payload any) {
	p.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}
