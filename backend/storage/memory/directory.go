package memory

import (
	"sync"

	"github.com/adwski/socket-relay/backend/model"
	"github.com/rs/zerolog"
)

type (
	Presence interface {
		Registered(id string) bool
	}

	Notifier interface {
		Deliver(recipients []string, msg model.Message) int
	}

	Config struct {
		Logger   *zerolog.Logger
		Presence Presence
		Notifier Notifier
	}

	// Directory is a bidirectional room membership index.
	// Rooms exist only while they have members. Announcements are handed to
	// the Notifier under the directory lock, so Deliver must not block or
	// call back into the Directory.
	Directory struct {
		logger   zerolog.Logger
		presence Presence
		notifier Notifier

		mx       *sync.Mutex
		rooms    map[string]map[string]struct{} // room -> member ids
		memberOf map[string]map[string]struct{} // member id -> rooms
	}
)

func NewDirectory(cfg Config) *Directory {
	return &Directory{
		logger:   cfg.Logger.With().Str("component", "directory").Logger(),
		presence: cfg.Presence,
		notifier: cfg.Notifier,
		mx:       &sync.Mutex{},
		rooms:    make(map[string]map[string]struct{}),
		memberOf: make(map[string]map[string]struct{}),
	}
}

// Join adds id to room and notifies the other members.
// It returns false if id was already a member or is not registered.
func (d *Directory) Join(id, room string) bool {
	d.mx.Lock()
	if !d.presence.Registered(id) {
		d.mx.Unlock()
		d.logger.Debug().Str("connID", id).Str("room", room).Msg("join from unregistered connection ignored")
		return false
	}
	members, ok := d.rooms[room]
	if !ok {
		members = make(map[string]struct{})
		d.rooms[room] = members
	}
	if _, already := members[id]; already {
		d.mx.Unlock()
		return false
	}
	members[id] = struct{}{}
	joined, ok := d.memberOf[id]
	if !ok {
		joined = make(map[string]struct{})
		d.memberOf[id] = joined
	}
	joined[room] = struct{}{}
	others := othersOf(members, id)
	d.notify(others, model.NewRoomEvent(id, room, model.AnnouncementTypeJoined))
	d.mx.Unlock()

	d.logger.Debug().Str("connID", id).Str("room", room).Int("members", len(others)+1).Msg("joined room")
	return true
}

// Leave removes id from room and notifies the remaining members.
// It returns false if id was not a member.
func (d *Directory) Leave(id, room string) bool {
	d.mx.Lock()
	others, ok := d.remove(id, room)
	if ok {
		d.notify(others, model.NewRoomEvent(id, room, model.AnnouncementTypeLeft))
	}
	d.mx.Unlock()
	if !ok {
		return false
	}

	d.logger.Debug().Str("connID", id).Str("room", room).Int("members", len(others)).Msg("left room")
	return true
}

// Purge removes id from every room it belongs to.
func (d *Directory) Purge(id string) {
	var left int

	d.mx.Lock()
	for room := range d.memberOf[id] {
		if others, ok := d.remove(id, room); ok {
			d.notify(others, model.NewRoomEvent(id, room, model.AnnouncementTypeLeft))
			left++
		}
	}
	d.mx.Unlock()

	if left > 0 {
		d.logger.Debug().Str("connID", id).Int("rooms", left).Msg("membership purged")
	}
}

// Members returns a snapshot of member ids. Unknown rooms yield an empty set.
func (d *Directory) Members(room string) []string {
	d.mx.Lock()
	defer d.mx.Unlock()
	return keys(d.rooms[room])
}

// Rooms returns a snapshot of rooms id belongs to.
func (d *Directory) Rooms(id string) []string {
	d.mx.Lock()
	defer d.mx.Unlock()
	return keys(d.memberOf[id])
}

func (d *Directory) RoomCount() int {
	d.mx.Lock()
	defer d.mx.Unlock()
	return len(d.rooms)
}

// remove must be called with d.mx held.
func (d *Directory) remove(id, room string) ([]string, bool) {
	members, ok := d.rooms[room]
	if !ok {
		return nil, false
	}
	if _, ok = members[id]; !ok {
		return nil, false
	}
	delete(members, id)
	if len(members) == 0 {
		delete(d.rooms, room)
	}
	if joined, ok := d.memberOf[id]; ok {
		delete(joined, room)
		if len(joined) == 0 {
			delete(d.memberOf, id)
		}
	}
	return keys(members), true
}

// notify must be called with d.mx held.
func (d *Directory) notify(recipients []string, msg model.Message) {
	if len(recipients) == 0 || d.notifier == nil {
		return
	}
	d.notifier.Deliver(recipients, msg)
}

func othersOf(members map[string]struct{}, self string) []string {
	others := make([]string, 0, len(members))
	for id := range members {
		if id != self {
			others = append(others, id)
		}
	}
	return others
}

func keys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}
