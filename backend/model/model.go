package model

import (
	"encoding/json"
	"time"
)

// Transport kinds negotiated by clients.
const (
	TransportWebsocket = "websocket"
	TransportPolling   = "polling"
)

// Wire event names.
const (
	EventWelcome                = "welcome"
	EventMessageToServer        = "messageToServer"
	EventMessageToClient        = "messageToClient"
	EventPrivateMessage         = "privateMessage"
	EventPrivateMessageReceived = "privateMessageReceived"
	EventJoinRoom               = "joinRoom"
	EventLeaveRoom              = "leaveRoom"
	EventUserJoined             = "userJoined"
	EventUserLeft               = "userLeft"
)

// Room announcement types.
const (
	AnnouncementTypeJoined = "joined"
	AnnouncementTypeLeft   = "left"
)

const (
	defaultWelcomeText = "welcome to the relay server"
	broadcastType      = "broadcast"
)

type Kind int

const (
	KindWelcome Kind = iota + 1
	KindBroadcast
	KindPrivate
	KindRoomEvent
)

func (k Kind) String() string {
	switch k {
	case KindWelcome:
		return "welcome"
	case KindBroadcast:
		return "broadcast"
	case KindPrivate:
		return "private"
	case KindRoomEvent:
		return "room-event"
	default:
		return "unknown"
	}
}

// Message is an outbound message. Timestamp is left zero by producers
// and stamped by the fan-out engine right before delivery.
type Message struct {
	Kind      Kind
	From      string
	Target    string
	Body      string
	Room      string
	Action    string
	Timestamp time.Time
}

func NewWelcome(clientID string) Message {
	return Message{Kind: KindWelcome, Target: clientID, Body: defaultWelcomeText}
}

func NewBroadcast(from, body string) Message {
	return Message{Kind: KindBroadcast, From: from, Body: body}
}

func NewPrivate(from, target, body string) Message {
	return Message{Kind: KindPrivate, From: from, Target: target, Body: body}
}

func NewRoomEvent(actor, room, action string) Message {
	return Message{Kind: KindRoomEvent, From: actor, Room: room, Action: action}
}

type (
	WelcomeData struct {
		Message   string `json:"message"`
		ClientID  string `json:"clientId"`
		Timestamp string `json:"timestamp"`
	}

	ChatMessageData struct {
		Message   string `json:"message"`
		From      string `json:"from"`
		Timestamp string `json:"timestamp"`
		Type      string `json:"type,omitempty"`
	}

	RoomEventData struct {
		UserID    string `json:"userId"`
		RoomName  string `json:"roomName"`
		Timestamp string `json:"timestamp"`
	}

	PrivateMessagePayload struct {
		TargetID string `json:"targetId"`
		Message  string `json:"message"`
	}
)

// Envelope is a single wire frame in either direction.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func NewEnvelope(event string, payload any) (Envelope, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Event: event, Data: b}, nil
}

// Envelope renders the message in its wire form.
func (m Message) Envelope() (Envelope, error) {
	ts := FormatTimestamp(m.Timestamp)
	switch m.Kind {
	case KindWelcome:
		return NewEnvelope(EventWelcome, WelcomeData{
			Message:   m.Body,
			ClientID:  m.Target,
			Timestamp: ts,
		})
	case KindBroadcast:
		return NewEnvelope(EventMessageToClient, ChatMessageData{
			Message:   m.Body,
			From:      m.From,
			Timestamp: ts,
			Type:      broadcastType,
		})
	case KindPrivate:
		return NewEnvelope(EventPrivateMessageReceived, ChatMessageData{
			Message:   m.Body,
			From:      m.From,
			Timestamp: ts,
		})
	case KindRoomEvent:
		event := EventUserJoined
		if m.Action == AnnouncementTypeLeft {
			event = EventUserLeft
		}
		return NewEnvelope(event, RoomEventData{
			UserID:    m.From,
			RoomName:  m.Room,
			Timestamp: ts,
		})
	default:
		return Envelope{}, ErrUnknownKind
	}
}

func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
