// Package coordinator drains the operation queue against the remote server.
// A single drain runs at a time; triggers that arrive mid-drain are no-ops.
package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/chefia/possync/internal/events"
	"github.com/chefia/possync/internal/model"
	"github.com/chefia/possync/internal/queue"
	"github.com/chefia/possync/internal/remote"
	"github.com/chefia/possync/internal/store"
)

const (
	retryBase = 1000 * time.Millisecond
	retryCap  = 30000 * time.Millisecond

	lastSyncKey = "last_sync_time"
)

// Dispatcher pushes one operation to the remote server. A nil error means
// the server durably accepted it.
type Dispatcher interface {
	Dispatch(ctx context.Context, op *model.Operation) error
}

// Coordinator owns the drain state machine: IDLE while nothing to do,
// DRAINING while walking the queue, with failed items parked until their
// retry timer fires.
type Coordinator struct {
	queue  *queue.Queue
	remote Dispatcher
	store  store.DurableStore
	bus    *events.Bus

	interval time.Duration

	mu         sync.Mutex
	online     bool
	draining   bool
	retryTimer *time.Timer
	closed     bool

	stop chan struct{}
	wg   sync.WaitGroup
}

// New wires a coordinator. interval is the periodic drain poll; zero
// disables the poll loop (tests drive Trigger directly).
func New(q *queue.Queue, d Dispatcher, s store.DurableStore, bus *events.Bus, interval time.Duration) *Coordinator {
	return &Coordinator{
		queue:    q,
		remote:   d,
		store:    s,
		bus:      bus,
		interval: interval,
		stop:     make(chan struct{}),
	}
}

// Start launches the periodic drain loop.
func (c *Coordinator) Start(ctx context.Context) {
	if c.interval <= 0 {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.Trigger(ctx)
			case <-c.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// SetOnline records the connectivity verdict. Going online starts a drain;
// going offline cancels any pending retry timer so nothing fires into a
// dead link.
func (c *Coordinator) SetOnline(ctx context.Context, online bool) {
	c.mu.Lock()
	c.online = online
	if !online && c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	c.mu.Unlock()

	if online {
		c.Trigger(ctx)
	}
}

// Trigger requests a drain. No-op while offline, already draining, or
// closed — the running drain always re-checks the queue before finishing.
func (c *Coordinator) Trigger(ctx context.Context) {
	c.mu.Lock()
	if !c.online || c.draining || c.closed {
		c.mu.Unlock()
		return
	}
	c.draining = true
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.drain(ctx)
	}()
}

// drain walks pending operations strictly in enqueue order. When an
// operation fails, later operations for the same entity type are skipped
// this pass so a dependent update never overtakes its failed predecessor.
func (c *Coordinator) drain(ctx context.Context) {
	defer func() {
		c.mu.Lock()
		c.draining = false
		c.mu.Unlock()
	}()

	ops, err := c.queue.ListPending(ctx)
	if err != nil {
		slog.Error("drain: list pending", "err", err)
		return
	}
	if len(ops) == 0 {
		return
	}
	slog.Debug("drain: start", "pending", len(ops))

	blocked := make(map[string]bool)
	var synced int
	var shortestRetry time.Duration

	for i := range ops {
		op := &ops[i]
		if blocked[op.EntityType] {
			continue
		}
		if c.offline() {
			break
		}

		err := c.remote.Dispatch(ctx, op)
		if err == nil {
			if err := c.queue.MarkSynced(ctx, op.ID); err != nil {
				slog.Error("drain: mark synced", "id", op.ID, "err", err)
				blocked[op.EntityType] = true
				continue
			}
			synced++
			c.bus.Emit(events.EntityEvent(op.EntityType, string(op.Action)), op.Payload)
			slog.Debug("drain: synced", "id", op.ID, "entity", op.EntityType, "action", op.Action)
			continue
		}

		op.Attempts++
		op.LastError = err.Error()
		blocked[op.EntityType] = true

		if op.Attempts >= op.MaxAttempts || errors.Is(err, remote.ErrNoRoute) {
			c.deadLetter(ctx, op, err)
			continue
		}

		if uerr := c.queue.Update(ctx, op); uerr != nil {
			slog.Error("drain: persist retry state", "id", op.ID, "err", uerr)
			continue
		}
		delay := retryDelay(op.Attempts)
		if shortestRetry == 0 || delay < shortestRetry {
			shortestRetry = delay
		}
		slog.Warn("drain: dispatch failed",
			"id", op.ID, "entity", op.EntityType, "action", op.Action,
			"attempt", op.Attempts, "max", op.MaxAttempts, "retry_in", delay, "err", err)
	}

	if synced > 0 {
		now := time.Now().UTC().Format(time.RFC3339Nano)
		if err := c.store.Put(ctx, store.CollectionConfig, lastSyncKey, []byte(now)); err != nil {
			slog.Error("drain: persist last sync time", "err", err)
		}
	}
	if shortestRetry > 0 {
		c.scheduleRetry(ctx, shortestRetry)
	}
}

// deadLetter removes an exhausted operation and surfaces it. Removal and
// the sync:failed emission are one logical step: the operation is never
// both queued and dead-lettered.
func (c *Coordinator) deadLetter(ctx context.Context, op *model.Operation, cause error) {
	if err := c.queue.Remove(ctx, op.ID); err != nil {
		slog.Error("drain: dead-letter removal", "id", op.ID, "err", err)
		return
	}
	slog.Error("CRITICAL: operation dead-lettered after exhausting retries",
		"id", op.ID, "entity", op.EntityType, "action", op.Action,
		"attempts", op.Attempts, "err", cause)
	c.bus.Emit(events.SyncFailed, *op)
}

// scheduleRetry arms a one-shot timer that re-triggers the drain. Going
// offline cancels it.
func (c *Coordinator) scheduleRetry(ctx context.Context, delay time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.online || c.closed {
		return
	}
	if c.retryTimer != nil {
		c.retryTimer.Stop()
	}
	c.retryTimer = time.AfterFunc(delay, func() {
		c.Trigger(ctx)
	})
}

func (c *Coordinator) offline() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.online
}

// LastSyncTime returns the wall-clock time of the most recent successful
// drain, or the zero time when the terminal has never synced.
func (c *Coordinator) LastSyncTime(ctx context.Context) (time.Time, error) {
	data, err := c.store.Get(ctx, store.CollectionConfig, lastSyncKey)
	if err != nil || data == nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, string(data))
	if err != nil {
		return time.Time{}, nil
	}
	return t, nil
}

// Close stops the poll loop and cancels any armed retry timer, then waits
// for an in-flight drain to finish.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.online = false
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	c.mu.Unlock()

	close(c.stop)
	c.wg.Wait()
}

// retryDelay is exponential backoff with a hard ceiling.
func retryDelay(attempts int) time.Duration {
	d := time.Duration(float64(retryBase) * math.Pow(2, float64(attempts)))
	if d > retryCap || d <= 0 {
		return retryCap
	}
	return d
}
