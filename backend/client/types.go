package client

import (
	"context"
	"errors"
	"time"

	"github.com/adwski/socket-relay/backend/model"
	"github.com/rs/zerolog"
)

const (
	defaultConnectTimeout    = 20 * time.Second
	defaultReconnectDelay    = time.Second
	defaultReconnectAttempts = 5
	defaultWriteTimeout      = 5 * time.Second
)

var (
	ErrNotConnected = errors.New("not connected")
	ErrHandshake    = errors.New("handshake failed")
	ErrClosed       = errors.New("connection closed")
)

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Presence describes an established connection.
type Presence struct {
	ID        string `json:"id"`
	Transport string `json:"transport"`
	Upgraded  bool   `json:"upgraded"`
}

// Conn is a client side transport session. Dial returns it only after the
// server has greeted it, so Presence is always complete.
type Conn interface {
	Presence() Presence
	Send(ctx context.Context, env model.Envelope) error
	Receive(ctx context.Context) (model.Envelope, error)
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

type Config struct {
	Logger *zerolog.Logger
	Dialer Dialer

	ConnectTimeout    time.Duration
	ReconnectDelay    time.Duration
	ReconnectAttempts int
	// DisableReconnect leaves the client in Disconnected after a loss,
	// a later Connect starts a new cycle.
	DisableReconnect bool

	// Callbacks are invoked one at a time, in order, from a separate goroutine.
	OnTransition func(from, to State)
	OnConnect    func(Presence)
	OnEvent      func(model.Envelope)
}
