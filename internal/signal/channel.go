// Package signal implements the event bus between the call core and the
// signaling server: a persistent websocket carrying JSON envelopes of the
// form {"event": ..., "data": ...}, with subscription management and a
// request/reply correlation primitive on top.
package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/voxline/callcore/internal/metrics"
)

// Handler receives the raw data payload of one event.
type Handler func(payload json.RawMessage)

// Bus is the event surface consumed by the call, producer and recording
// components. Off functions returned by On/Once are idempotent.
type Bus interface {
	Emit(event string, payload any) error
	On(event string, h Handler) (off func())
	Once(event string, h Handler) (off func())
}

// ErrNotConnected is returned by Emit when the socket is down and the
// channel has not (yet) reconnected.
var ErrNotConnected = errors.New("signal: not connected")

const (
	writeDeadline = 5 * time.Second

	// After this much backoff we give up redialing and close the channel.
	maxReconnectElapsed = 2 * time.Minute
)

// Config describes the websocket endpoint.
type Config struct {
	// URL of the signaling endpoint, e.g. ws://host:4000/ws.
	URL string
	// ClientID is appended to the query string so the server can route
	// newCall events to this client.
	ClientID string
	// Reconnect enables automatic redial after a read failure.
	Reconnect bool
}

type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type subscription struct {
	id    uint64
	event string
	h     Handler
	once  bool
}

// Channel is the websocket-backed Bus implementation.
type Channel struct {
	cfg    Config
	logger *zap.Logger

	connMu  sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	subMu  sync.Mutex
	subs   map[string][]*subscription
	nextID uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
}

// NewChannel builds a channel; Connect must be called before Emit.
func NewChannel(cfg Config, logger *zap.Logger) *Channel {
	ctx, cancel := context.WithCancel(context.Background())
	return &Channel{
		cfg:    cfg,
		logger: logger.Named("signal"),
		subs:   make(map[string][]*subscription),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Connect dials the signaling server and starts the read loop.
func (c *Channel) Connect(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	c.wg.Add(1)
	go c.readLoop(conn)
	return nil
}

func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("signal: bad url %q: %w", c.cfg.URL, err)
	}
	q := u.Query()
	q.Set("callerId", c.cfg.ClientID)
	u.RawQuery = q.Encode()

	c.logger.Info("dialing signaling server", zap.String("url", u.String()))
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("signal: dial %s: %w", u.Host, err)
	}
	return conn, nil
}

// Emit marshals payload and writes one envelope to the socket.
func (c *Channel) Emit(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("signal: marshal %s payload: %w", event, err)
	}
	buf, err := json.Marshal(envelope{Event: event, Data: data})
	if err != nil {
		return fmt.Errorf("signal: marshal %s envelope: %w", event, err)
	}

	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
		return fmt.Errorf("signal: set write deadline: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, buf); err != nil {
		return fmt.Errorf("signal: write %s: %w", event, err)
	}
	return nil
}

// On registers a handler for every occurrence of event.
func (c *Channel) On(event string, h Handler) func() {
	return c.subscribe(event, h, false)
}

// Once registers a handler that is removed before its first invocation.
func (c *Channel) Once(event string, h Handler) func() {
	return c.subscribe(event, h, true)
}

func (c *Channel) subscribe(event string, h Handler, once bool) func() {
	c.subMu.Lock()
	c.nextID++
	sub := &subscription{id: c.nextID, event: event, h: h, once: once}
	c.subs[event] = append(c.subs[event], sub)
	c.subMu.Unlock()

	return func() { c.remove(sub) }
}

func (c *Channel) remove(sub *subscription) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	list := c.subs[sub.event]
	for i, s := range list {
		if s.id == sub.id {
			c.subs[sub.event] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(c.subs[sub.event]) == 0 {
		delete(c.subs, sub.event)
	}
}

// HandlerCount reports how many handlers are registered for event.
func (c *Channel) HandlerCount(event string) int {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	return len(c.subs[event])
}

// readLoop pumps inbound frames and dispatches them to subscribers. Handlers
// run synchronously so per-event arrival order is preserved.
func (c *Channel) readLoop(conn *websocket.Conn) {
	defer c.wg.Done()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.ctx.Done():
				return
			default:
			}
			c.logger.Warn("read failed", zap.Error(err))
			if c.cfg.Reconnect {
				c.reconnect()
			}
			return
		}
		c.dispatch(data)
	}
}

func (c *Channel) dispatch(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.logger.Warn("dropping malformed frame", zap.Error(err))
		return
	}

	c.subMu.Lock()
	list := c.subs[env.Event]
	snapshot := make([]*subscription, len(list))
	copy(snapshot, list)
	c.subMu.Unlock()

	if len(snapshot) == 0 {
		c.logger.Debug("no handler for event", zap.String("event", env.Event))
		return
	}

	for _, sub := range snapshot {
		if sub.once {
			c.remove(sub)
		}
		sub.h(env.Data)
	}
}

// reconnect redials with exponential backoff and restarts the read loop.
// Subscriptions survive; in-flight requests are left to hit their timeouts.
func (c *Channel) reconnect() {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = maxReconnectElapsed

	op := func() error {
		select {
		case <-c.ctx.Done():
			return backoff.Permanent(c.ctx.Err())
		default:
		}
		metrics.SignalReconnects.Inc()
		conn, err := c.dial(c.ctx)
		if err != nil {
			c.logger.Warn("reconnect attempt failed", zap.Error(err))
			return err
		}
		c.connMu.Lock()
		c.conn = conn
		c.connMu.Unlock()
		c.wg.Add(1)
		go c.readLoop(conn)
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(bo, c.ctx)); err != nil {
		c.logger.Error("giving up on reconnect", zap.Error(err))
	}
}

// Close tears the socket down and stops the read loop.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		c.connMu.Lock()
		if c.conn != nil {
			_ = c.conn.Close()
			c.conn = nil
		}
		c.connMu.Unlock()
	})
	c.wg.Wait()
	return nil
}
