// Package client implements the client side connection lifecycle:
// connect, detect loss, retry with a fixed delay and give up after a capped
// number of attempts. Room membership is not restored after a reconnect,
// every new connection gets a fresh identity.
package client

import (
	"context"
	"sync"
	"time"

	"github.com/adwski/socket-relay/backend/model"
	"github.com/rs/zerolog"
)

type Client struct {
	cfg    Config
	dialer Dialer
	logger zerolog.Logger

	mx       *sync.Mutex
	state    State
	attempts int
	gen      uint64
	conn     Conn
	presence Presence
	retry    *time.Timer
	cancel   context.CancelFunc

	pending     []func()
	dispatching bool
}

func New(cfg Config) *Client {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	if cfg.ReconnectAttempts <= 0 {
		cfg.ReconnectAttempts = defaultReconnectAttempts
	}
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &Client{
		cfg:    cfg,
		dialer: cfg.Dialer,
		logger: logger.With().Str("component", "client").Logger(),
		mx:     &sync.Mutex{},
		state:  StateIdle,
	}
}

func (c *Client) State() State {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.state
}

// Attempts returns the number of reconnect attempts made in the current cycle.
func (c *Client) Attempts() int {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.attempts
}

func (c *Client) Presence() (Presence, bool) {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.presence, c.state == StateConnected
}

// Connect starts a connection cycle. It is a no-op unless the client is
// Idle, Failed or Disconnected. The client only rests in Disconnected when
// automatic reconnection is disabled.
func (c *Client) Connect() {
	c.mx.Lock()
	defer c.mx.Unlock()

	switch c.state {
	case StateIdle, StateFailed, StateDisconnected:
	default:
		return
	}
	c.gen++
	c.attempts = 0
	c.startAttemptLocked()
}

// Disconnect tears down the connection from any state and cancels pending
// retries. No automatic reconnection follows.
func (c *Client) Disconnect() {
	c.mx.Lock()
	c.gen++
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	conn := c.conn
	c.conn = nil
	c.attempts = 0
	c.presence = Presence{}
	if c.state != StateIdle {
		c.transitionLocked(StateIdle)
	}
	c.mx.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			c.logger.Debug().Err(err).Msg("failed to close connection")
		}
	}
}

// Emit sends one event to the server.
func (c *Client) Emit(event string, payload any) error {
	c.mx.Lock()
	conn := c.conn
	connected := c.state == StateConnected
	c.mx.Unlock()
	if !connected || conn == nil {
		return ErrNotConnected
	}

	env, err := model.NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultWriteTimeout)
	defer cancel()
	return conn.Send(ctx, env)
}

func (c *Client) startAttemptLocked() {
	c.transitionLocked(StateConnecting)

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ConnectTimeout)
	c.cancel = cancel
	go c.dial(ctx, cancel, c.gen)
}

func (c *Client) dial(ctx context.Context, cancel context.CancelFunc, gen uint64) {
	conn, err := c.dialer.Dial(ctx)
	cancel()

	c.mx.Lock()
	if gen != c.gen || c.state != StateConnecting {
		c.mx.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		c.logger.Debug().Err(err).Int("attempt", c.attempts).Msg("connection attempt failed")
		c.transitionLocked(StateDisconnected)
		c.scheduleRetryLocked()
		c.mx.Unlock()
		return
	}

	readCtx, readCancel := context.WithCancel(context.Background())
	c.cancel = readCancel
	c.conn = conn
	c.presence = conn.Presence()
	c.attempts = 0
	c.transitionLocked(StateConnected)
	presence := c.presence
	if c.cfg.OnConnect != nil {
		c.notifyLocked(func() { c.cfg.OnConnect(presence) })
	}
	c.mx.Unlock()

	c.logger.Info().
		Str("id", presence.ID).
		Str("transport", presence.Transport).
		Bool("upgraded", presence.Upgraded).
		Msg("connected")

	c.readLoop(readCtx, conn, gen)
}

func (c *Client) readLoop(ctx context.Context, conn Conn, gen uint64) {
	for {
		env, err := conn.Receive(ctx)
		if err != nil {
			c.mx.Lock()
			lost := gen == c.gen && c.conn == conn
			if lost {
				c.conn = nil
				c.presence = Presence{}
				c.logger.Warn().Err(err).Msg("connection lost")
				c.transitionLocked(StateDisconnected)
				c.scheduleRetryLocked()
			}
			c.mx.Unlock()
			if lost {
				_ = conn.Close()
			}
			return
		}
		if c.cfg.OnEvent != nil {
			c.mx.Lock()
			c.notifyLocked(func() { c.cfg.OnEvent(env) })
			c.mx.Unlock()
		}
	}
}

// scheduleRetryLocked is called in Disconnected.
func (c *Client) scheduleRetryLocked() {
	if c.cfg.DisableReconnect {
		return
	}
	if c.attempts >= c.cfg.ReconnectAttempts {
		c.logger.Error().Int("attempts", c.attempts).Msg("giving up reconnecting")
		c.transitionLocked(StateFailed)
		return
	}
	c.attempts++
	c.transitionLocked(StateReconnecting)

	gen := c.gen
	c.retry = time.AfterFunc(c.cfg.ReconnectDelay, func() {
		c.mx.Lock()
		defer c.mx.Unlock()
		if gen != c.gen || c.state != StateReconnecting {
			return
		}
		c.retry = nil
		c.logger.Debug().Int("attempt", c.attempts).Msg("reconnecting")
		c.startAttemptLocked()
	})
}

func (c *Client) transitionLocked(to State) {
	from := c.state
	c.state = to
	c.logger.Trace().Stringer("from", from).Stringer("to", to).Msg("state changed")
	if c.cfg.OnTransition != nil {
		c.notifyLocked(func() { c.cfg.OnTransition(from, to) })
	}
}

// notifyLocked queues a callback. Callbacks run sequentially outside the lock,
// so they may call back into the client.
func (c *Client) notifyLocked(fn func()) {
	c.pending = append(c.pending, fn)
	if !c.dispatching {
		c.dispatching = true
		go c.dispatch()
	}
}

func (c *Client) dispatch() {
	for {
		c.mx.Lock()
		if len(c.pending) == 0 {
			c.dispatching = false
			c.mx.Unlock()
			return
		}
		fn := c.pending[0]
		c.pending[0] = nil
		c.pending = c.pending[1:]
		c.mx.Unlock()

		fn()
	}
}
