// Package broadcast maintains the terminal's websocket connection to the
// relay: one connection per terminal, automatic reconnect while online,
// in-order flush of messages buffered during an outage, and per-entity
// conflict resolution for inbound mutations.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/chefia/possync/internal/cache"
	"github.com/chefia/possync/internal/events"
	"github.com/chefia/possync/internal/model"
	"github.com/chefia/possync/internal/store"
	"github.com/gorilla/websocket"
)

// State is the channel's connection lifecycle phase.
type State string

const (
	StateConnecting   State = "CONNECTING"
	StateConnected    State = "CONNECTED"
	StateDisconnected State = "DISCONNECTED"
	StateReconnecting State = "RECONNECTING"
	StateClosed       State = "CLOSED"
)

const (
	reconnectBase   = 3000 * time.Millisecond
	reconnectFactor = 1.5
	reconnectCap    = 30000 * time.Millisecond

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// Channel is the realtime link to the relay.
type Channel struct {
	relayURL   string
	terminalID string
	userID     string

	cache    *cache.Cache
	store    store.DurableStore
	bus      *events.Bus
	online   func() bool
	dialer   *websocket.Dialer

	mu       sync.Mutex
	state    State
	conn     *websocket.Conn
	outbound []model.BroadcastMessage
	send     chan model.BroadcastMessage
	policies map[string]model.ConflictPolicy
	closed   bool

	stop  chan struct{}
	wake  chan struct{}
	spill chan struct{}
	wg    sync.WaitGroup
}

// New creates a channel. online gates reconnect attempts.
func New(relayURL, terminalID, userID string, c *cache.Cache, s store.DurableStore, bus *events.Bus, online func() bool) *Channel {
	return &Channel{
		relayURL:   relayURL,
		terminalID: terminalID,
		userID:     userID,
		cache:      c,
		store:      s,
		bus:        bus,
		online:     online,
		dialer:     websocket.DefaultDialer,
		state:      StateDisconnected,
		send:       make(chan model.BroadcastMessage, 64),
		policies:   make(map[string]model.ConflictPolicy),
		stop:       make(chan struct{}),
		wake:       make(chan struct{}, 1),
		spill:      make(chan struct{}, 1),
	}
}

// SetPolicy registers the conflict policy for an entity type. Entity types
// without a policy default to last-write-wins.
func (c *Channel) SetPolicy(entityType string, policy model.ConflictPolicy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.policies[entityType] = policy
}

// State returns the current lifecycle phase.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Run drives the connect/reconnect loop until Shutdown. Call in a goroutine.
func (c *Channel) Run(ctx context.Context) {
	c.wg.Add(1)
	defer c.wg.Done()

	attempt := 0
	for {
		if c.isClosed() {
			return
		}
		if c.online != nil && !c.online() {
			// Offline: park until nudged or stopped. Reconnect backoff
			// restarts fresh on the next online transition.
			attempt = 0
			c.setState(StateDisconnected)
			select {
			case <-c.wake:
			case <-c.stop:
				return
			case <-ctx.Done():
				return
			}
			continue
		}

		c.setState(StateConnecting)
		conn, _, err := c.dialer.DialContext(ctx, c.relayURL, nil)
		if err != nil {
			attempt++
			delay := reconnectDelay(attempt)
			c.setState(StateReconnecting)
			slog.Warn("broadcast: dial failed", "attempt", attempt, "retry_in", delay, "err", err)
			select {
			case <-time.After(delay):
			case <-c.stop:
				return
			case <-ctx.Done():
				return
			}
			continue
		}

		attempt = 0
		c.attach(conn)
		slog.Info("broadcast: connected", "relay", c.relayURL)
		c.flushOutbound()

		// serve blocks until the connection drops or Shutdown.
		c.serve(ctx, conn)
		c.detach(conn)
		if c.isClosed() {
			return
		}
		c.setState(StateDisconnected)
		slog.Info("broadcast: disconnected")
	}
}

// Send transmits immediately when connected, otherwise buffers in memory.
// The buffer does not survive restart.
func (c *Channel) Send(msg model.BroadcastMessage) {
	msg.TerminalID = c.terminalID
	msg.UserID = c.userID
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}

	c.mu.Lock()
	connected := c.state == StateConnected
	if !connected {
		c.outbound = append(c.outbound, msg)
		c.mu.Unlock()
		return
	}
	// Once a message has spilled into outbound, later sends must follow it
	// there or they would overtake it on the wire.
	if len(c.outbound) > 0 {
		c.outbound = append(c.outbound, msg)
		c.mu.Unlock()
		c.signalSpill()
		return
	}
	c.mu.Unlock()

	select {
	case c.send <- msg:
	default:
		c.mu.Lock()
		c.outbound = append(c.outbound, msg)
		c.mu.Unlock()
		c.signalSpill()
	}
}

func (c *Channel) signalSpill() {
	select {
	case c.spill <- struct{}{}:
	default:
	}
}

// Nudge wakes the run loop, e.g. after an online transition.
func (c *Channel) Nudge() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Shutdown closes the channel for good. The state goes terminal; no
// reconnect follows.
func (c *Channel) Shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.state = StateClosed
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	close(c.stop)
	if conn != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		conn.Close()
	}
	c.wg.Wait()
}

// serve runs the read and write pumps for one connection and returns when
// either fails.
func (c *Channel) serve(ctx context.Context, conn *websocket.Conn) {
	done := make(chan struct{})

	go c.writePump(conn, done)
	c.readPump(ctx, conn)
	close(done)
}

func (c *Channel) readPump(ctx context.Context, conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("broadcast: read", "err", err)
			}
			return
		}
		if err := c.receive(ctx, raw); err != nil {
			slog.Warn("broadcast: inbound rejected", "err", err)
		}
	}
}

func (c *Channel) writePump(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg := <-c.send:
			if !c.write(conn, msg) {
				return
			}
		case <-c.spill:
			if !c.drainBacklog(conn) {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				return
			}
		case <-done:
			return
		case <-c.stop:
			return
		}
	}
}

func (c *Channel) write(conn *websocket.Conn, msg model.BroadcastMessage) bool {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(msg); err != nil {
		slog.Debug("broadcast: write", "err", err)
		conn.Close()
		return false
	}
	return true
}

// drainBacklog empties the send channel and then the spill buffer, in that
// order: spilled messages were enqueued after everything already in send.
// Loops because sends arriving mid-drain land back in outbound.
func (c *Channel) drainBacklog(conn *websocket.Conn) bool {
	for {
		select {
		case msg := <-c.send:
			if !c.write(conn, msg) {
				return false
			}
		default:
			c.mu.Lock()
			buffered := c.outbound
			c.outbound = nil
			c.mu.Unlock()
			if len(buffered) == 0 {
				return true
			}
			for _, msg := range buffered {
				if !c.write(conn, msg) {
					return false
				}
			}
		}
	}
}

// receive validates and applies one inbound frame. A malformed frame is
// rejected whole; local state is never partially touched.
func (c *Channel) receive(ctx context.Context, raw []byte) error {
	var msg model.BroadcastMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return fmt.Errorf("%w: parse frame: %v", store.ErrValidation, err)
	}
	if msg.Type == "" || msg.Entity == "" || msg.TerminalID == "" {
		return fmt.Errorf("%w: frame missing type, entity or terminalId", store.ErrValidation)
	}
	if msg.TerminalID == c.terminalID {
		// Own echo from the relay.
		return nil
	}

	if msg.EntityID != "" {
		c.cache.Invalidate(msg.Entity, msg.EntityID)
	}
	if msg.Type == model.MsgInvalidateCache {
		return nil
	}
	if msg.EntityID == "" {
		return fmt.Errorf("%w: %s frame missing entityId", store.ErrValidation, msg.Type)
	}

	if err := c.apply(ctx, &msg); err != nil {
		return err
	}
	c.bus.Emit(events.EntityEvent(msg.Entity, string(msg.Type)), msg)
	return nil
}

// apply reconciles an inbound mutation with local state under the entity's
// conflict policy.
func (c *Channel) apply(ctx context.Context, msg *model.BroadcastMessage) error {
	policy, ok := c.policyFor(msg.Entity)
	if !ok {
		policy = model.ConflictPolicy{Strategy: model.LastWriteWins}
	}

	switch policy.Strategy {
	case model.LastWriteWins:
		if msg.Type == model.ActionDelete {
			return c.cache.Delete(ctx, msg.Entity, msg.EntityID)
		}
		return c.cache.Put(ctx, msg.Entity, msg.EntityID, msg.Data)

	case model.Merge:
		if msg.Type == model.ActionDelete {
			return c.cache.Delete(ctx, msg.Entity, msg.EntityID)
		}
		if policy.Merge == nil {
			return fmt.Errorf("%w: merge policy for %s has no merge func", store.ErrValidation, msg.Entity)
		}
		local, err := c.cache.Get(ctx, msg.Entity, msg.EntityID)
		if err != nil {
			return err
		}
		merged, err := policy.Merge(local, msg.Data)
		if err != nil {
			return fmt.Errorf("merge %s/%s: %w", msg.Entity, msg.EntityID, err)
		}
		return c.cache.Put(ctx, msg.Entity, msg.EntityID, merged)

	case model.Manual:
		local, err := c.cache.Get(ctx, msg.Entity, msg.EntityID)
		if err != nil {
			return err
		}
		slog.Info("broadcast: conflict held for manual resolution",
			"entity", msg.Entity, "id", msg.EntityID, "from", msg.TerminalID)
		c.bus.Emit(events.SyncConflict, Conflict{
			EntityType: msg.Entity,
			EntityID:   msg.EntityID,
			Local:      local,
			Remote:     msg.Data,
			From:       msg.TerminalID,
		})
		return nil
	}
	return fmt.Errorf("%w: unknown conflict strategy %q", store.ErrValidation, policy.Strategy)
}

// Conflict is the payload of a sync:conflict event: both versions, local
// state untouched.
type Conflict struct {
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Local      json.RawMessage `json:"local"`
	Remote     json.RawMessage `json:"remote"`
	From       string          `json:"from_terminal"`
}

func (c *Channel) policyFor(entityType string) (model.ConflictPolicy, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.policies[entityType]
	return p, ok
}

func (c *Channel) attach(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.state = StateConnected
	c.mu.Unlock()
}

func (c *Channel) detach(conn *websocket.Conn) {
	conn.Close()
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
}

// flushOutbound replays messages buffered during the outage, oldest first.
func (c *Channel) flushOutbound() {
	c.mu.Lock()
	buffered := c.outbound
	c.outbound = nil
	c.mu.Unlock()

	for _, msg := range buffered {
		select {
		case c.send <- msg:
		case <-c.stop:
			return
		}
	}
	if len(buffered) > 0 {
		slog.Debug("broadcast: flushed buffered messages", "count", len(buffered))
	}
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	if !c.closed {
		c.state = s
	}
	c.mu.Unlock()
}

func (c *Channel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// reconnectDelay grows geometrically per consecutive failure, capped.
func reconnectDelay(attempt int) time.Duration {
	d := time.Duration(float64(reconnectBase) * math.Pow(reconnectFactor, float64(attempt-1)))
	if d > reconnectCap || d <= 0 {
		return reconnectCap
	}
	return d
}
