package _switch

import (
	"errors"
	"sync"
	"time"

	"github.com/adwski/socket-relay/backend/model"
	"github.com/adwski/socket-relay/backend/session"
	"github.com/rs/zerolog"
)

type (
	Registry interface {
		Lookup(id string) (*session.Connection, bool)
		IDs() []string
	}

	Rooms interface {
		Members(room string) []string
	}

	Config struct {
		Logger   *zerolog.Logger
		Registry Registry
		Now      func() time.Time
	}

	// Switch delivers messages to resolved recipient sets.
	// Delivery is best-effort and at-most-once.
	Switch struct {
		logger   zerolog.Logger
		registry Registry
		now      func() time.Time

		mx    *sync.RWMutex
		rooms Rooms
	}
)

func NewSwitch(cfg Config) *Switch {
	sw := &Switch{
		logger:   cfg.Logger.With().Str("component", "switch").Logger(),
		registry: cfg.Registry,
		now:      cfg.Now,
		mx:       &sync.RWMutex{},
	}
	if sw.now == nil {
		sw.now = time.Now
	}
	return sw
}

// UseRooms sets the membership index used by ToRoom.
func (sw *Switch) UseRooms(rooms Rooms) {
	sw.mx.Lock()
	sw.rooms = rooms
	sw.mx.Unlock()
}

// Deliver stamps msg and sends it to every recipient that is still registered.
// Recipients are looked up at delivery time, vanished ones are skipped.
// Returns the number of successful sends.
func (sw *Switch) Deliver(recipients []string, msg model.Message) int {
	msg.Timestamp = sw.now()
	env, err := msg.Envelope()
	if err != nil {
		sw.logger.Error().Err(err).Stringer("kind", msg.Kind).Msg("failed to render message")
		return 0
	}

	var sent int
	for _, id := range recipients {
		conn, ok := sw.registry.Lookup(id)
		if !ok {
			sw.logger.Trace().Str("dst", id).Str("event", env.Event).Msg("recipient is gone, skipped")
			continue
		}
		if err = conn.Send(env); err != nil {
			logger := sw.logger.Debug()
			if errors.Is(err, session.ErrQueueFull) {
				logger = sw.logger.Warn()
			}
			logger.Err(err).Str("dst", id).Str("event", env.Event).Msg("message dropped")
			continue
		}
		sent++
	}
	sw.logger.Trace().
		Str("event", env.Event).
		Str("src", msg.From).
		Int("recipients", len(recipients)).
		Int("sent", sent).
		Msg("message delivered")
	return sent
}

// ToAll delivers msg to a snapshot of every live connection, sender included.
func (sw *Switch) ToAll(msg model.Message) int {
	return sw.Deliver(sw.registry.IDs(), msg)
}

// ToRoom delivers msg to the members of room. A non-empty exclude id is skipped.
func (sw *Switch) ToRoom(room string, msg model.Message, exclude string) int {
	sw.mx.RLock()
	rooms := sw.rooms
	sw.mx.RUnlock()
	if rooms == nil {
		return 0
	}

	members := rooms.Members(room)
	recipients := members[:0]
	for _, id := range members {
		if exclude != "" && id == exclude {
			continue
		}
		recipients = append(recipients, id)
	}
	return sw.Deliver(recipients, msg)
}

// Greet stamps msg and sends it straight to conn, bypassing the registry lookup.
// It is used for the welcome of a connection that is still being registered.
func (sw *Switch) Greet(conn *session.Connection, msg model.Message) error {
	msg.Timestamp = sw.now()
	env, err := msg.Envelope()
	if err != nil {
		return err
	}
	return conn.Send(env)
}

func (sw *Switch) ToOne(id string, msg model.Message) int {
	return sw.Deliver([]string{id}, msg)
}

// Private delivers msg to its target and always echoes a copy to the sender,
// even when the sender is the target.
func (sw *Switch) Private(msg model.Message) int {
	return sw.Deliver([]string{msg.Target, msg.From}, msg)
}
