package service

import (
	"errors"

	"github.com/adwski/socket-relay/backend/model"
	"github.com/adwski/socket-relay/backend/session"
	"github.com/davecgh/go-spew/spew"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

var (
	ErrUnknownConnection = errors.New("event from unregistered connection")
	ErrUnknownEvent      = errors.New("unknown event")
	ErrProtocolViolation = errors.New("protocol violation")

	errMalformedPayload = errors.New("payload is not valid json")
	errNotAString       = errors.New("payload is not a string")
	errNotAnObject      = errors.New("payload is not an object")
	errEmptyMessage     = errors.New("message is empty")
	errEmptyTarget      = errors.New("target id is empty")
	errEmptyRoom        = errors.New("room name is empty")
)

type (
	Registry interface {
		Register(transport string, sink session.Sink, greet session.Greeter) *session.Connection
		Deregister(id string) bool
		Registered(id string) bool
		Len() int
	}

	Directory interface {
		Join(id, room string) bool
		Leave(id, room string) bool
		RoomCount() int
	}

	Switch interface {
		ToAll(msg model.Message) int
		Greet(conn *session.Connection, msg model.Message) error
		Private(msg model.Message) int
	}

	Config struct {
		Registry  Registry
		Directory Directory
		Switch    Switch
		Logger    *zerolog.Logger
	}

	// Service is the server context shared by all transports. It owns the
	// connection lifecycle and routes inbound events.
	Service struct {
		registry  Registry
		directory Directory
		sw        Switch
		handlers  map[string]handlerFunc
		logger    zerolog.Logger
	}

	Stats struct {
		Connections int `json:"connections"`
		Rooms       int `json:"rooms"`
	}

	handlerFunc func(connID string, payload gjson.Result) error
)

func NewService(cfg Config) *Service {
	svc := &Service{
		registry:  cfg.Registry,
		directory: cfg.Directory,
		sw:        cfg.Switch,
		logger:    cfg.Logger.With().Str("component", "router").Logger(),
	}
	svc.handlers = map[string]handlerFunc{
		model.EventMessageToServer: svc.broadcast,
		model.EventPrivateMessage:  svc.privateMessage,
		model.EventJoinRoom:        svc.joinRoom,
		model.EventLeaveRoom:       svc.leaveRoom,
	}
	return svc
}

// Connect registers a new connection. The welcome is queued before any
// other connection can address it.
func (svc *Service) Connect(transport string, sink session.Sink) *session.Connection {
	conn := svc.registry.Register(transport, sink, func(c *session.Connection) {
		if err := svc.sw.Greet(c, model.NewWelcome(c.ID())); err != nil {
			svc.logger.Warn().Err(err).Str("connID", c.ID()).Msg("failed to send welcome")
		}
	})
	svc.logger.Info().
		Str("connID", conn.ID()).
		Str("transport", transport).
		Msg("client connected")
	return conn
}

// Disconnect deregisters the connection, membership is purged by the registry hook.
func (svc *Service) Disconnect(connID string) bool {
	ok := svc.registry.Deregister(connID)
	if ok {
		svc.logger.Info().Str("connID", connID).Msg("client disconnected")
	}
	return ok
}

// Handle validates and routes one inbound event. Returned errors are for
// the caller's logs only, nothing is reported back to the client.
func (svc *Service) Handle(connID, event string, payload []byte) error {
	logger := svc.logger.With().Str("connID", connID).Str("event", event).Logger()

	if !svc.registry.Registered(connID) {
		logger.Debug().Msg("event from unregistered connection dropped")
		return ErrUnknownConnection
	}
	handler, ok := svc.handlers[event]
	if !ok {
		logger.Debug().Msg("unknown event dropped")
		return ErrUnknownEvent
	}

	var err error
	if !gjson.ValidBytes(payload) {
		err = errMalformedPayload
	} else {
		err = handler(connID, gjson.ParseBytes(payload))
	}
	if err != nil {
		logger.Debug().Err(err).Msg("invalid payload dropped")
		logger.Trace().Str("payload", spew.Sdump(payload)).Msg("dropped payload")
		return errors.Join(ErrProtocolViolation, err)
	}
	return nil
}

func (svc *Service) Stats() Stats {
	return Stats{
		Connections: svc.registry.Len(),
		Rooms:       svc.directory.RoomCount(),
	}
}

func (svc *Service) broadcast(connID string, payload gjson.Result) error {
	body, err := nonEmptyString(payload, errEmptyMessage)
	if err != nil {
		return err
	}
	svc.sw.ToAll(model.NewBroadcast(connID, body))
	return nil
}

func (svc *Service) privateMessage(connID string, payload gjson.Result) error {
	if !payload.IsObject() {
		return errNotAnObject
	}
	target, err := nonEmptyString(payload.Get("targetId"), errEmptyTarget)
	if err != nil {
		return err
	}
	body, err := nonEmptyString(payload.Get("message"), errEmptyMessage)
	if err != nil {
		return err
	}
	svc.logger.Debug().Str("src", connID).Str("dst", target).Msg("private message")
	svc.sw.Private(model.NewPrivate(connID, target, body))
	return nil
}

func (svc *Service) joinRoom(connID string, payload gjson.Result) error {
	room, err := nonEmptyString(payload, errEmptyRoom)
	if err != nil {
		return err
	}
	svc.directory.Join(connID, room)
	return nil
}

func (svc *Service) leaveRoom(connID string, payload gjson.Result) error {
	room, err := nonEmptyString(payload, errEmptyRoom)
	if err != nil {
		return err
	}
	svc.directory.Leave(connID, room)
	return nil
}

func nonEmptyString(v gjson.Result, errEmpty error) (string, error) {
	if v.Type != gjson.String {
		if !v.Exists() {
			return "", errEmpty
		}
		return "", errNotAString
	}
	if v.Str == "" {
		return "", errEmpty
	}
	return v.Str, nil
}
