package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type (
	DeregisterHook func(id string)

	// Greeter sends the first frame to a connection that is not yet visible
	// to lookups. It must not call back into the registry.
	Greeter func(conn *Connection)

	Config struct {
		Logger *zerolog.Logger
		NewID  func() string
		Now    func() time.Time
	}

	// Registry is the only owner of live connection handles.
	// Everything else refers to connections by id.
	Registry struct {
		logger zerolog.Logger
		mx     *sync.RWMutex
		conns  map[string]*Connection

		hooksMx *sync.Mutex
		hooks   []DeregisterHook

		newID func() string
		now   func() time.Time
	}
)

func NewRegistry(cfg Config) *Registry {
	r := &Registry{
		logger:  cfg.Logger.With().Str("component", "registry").Logger(),
		mx:      &sync.RWMutex{},
		conns:   make(map[string]*Connection),
		hooksMx: &sync.Mutex{},
		newID:   cfg.NewID,
		now:     cfg.Now,
	}
	if r.newID == nil {
		r.newID = uuid.NewString
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// OnDeregister adds a hook that runs after a connection has been removed.
func (r *Registry) OnDeregister(hook DeregisterHook) {
	r.hooksMx.Lock()
	r.hooks = append(r.hooks, hook)
	r.hooksMx.Unlock()
}

// Register stores a new connection under a fresh id. A non-nil greet runs
// before the id is published, so its frame is the first one queued.
func (r *Registry) Register(transport string, sink Sink, greet Greeter) *Connection {
	conn := &Connection{
		transport:   transport,
		connectedAt: r.now(),
		sink:        sink,
		done:        make(chan struct{}),
	}

	r.mx.Lock()
	for {
		conn.id = r.newID()
		if _, exists := r.conns[conn.id]; !exists {
			break
		}
	}
	if greet != nil {
		greet(conn)
	}
	r.conns[conn.id] = conn
	total := len(r.conns)
	r.mx.Unlock()

	r.logger.Debug().
		Str("connID", conn.id).
		Str("transport", transport).
		Int("total", total).
		Msg("connection registered")
	return conn
}

// Deregister removes the connection and cancels its pending sends.
// Hooks run outside of the registry lock.
func (r *Registry) Deregister(id string) bool {
	r.mx.Lock()
	conn, ok := r.conns[id]
	if ok {
		delete(r.conns, id)
	}
	total := len(r.conns)
	r.mx.Unlock()

	if !ok {
		return false
	}
	conn.close()

	r.hooksMx.Lock()
	hooks := append([]DeregisterHook(nil), r.hooks...)
	r.hooksMx.Unlock()
	for _, hook := range hooks {
		hook(id)
	}

	r.logger.Debug().
		Str("connID", id).
		Str("transport", conn.transport).
		Int("total", total).
		Msg("connection deregistered")
	return true
}

func (r *Registry) Lookup(id string) (*Connection, bool) {
	r.mx.RLock()
	defer r.mx.RUnlock()
	conn, ok := r.conns[id]
	return conn, ok
}

// Registered reports whether id belongs to a live connection.
func (r *Registry) Registered(id string) bool {
	_, ok := r.Lookup(id)
	return ok
}

// All returns a point-in-time snapshot of live connections.
func (r *Registry) All() []*Connection {
	r.mx.RLock()
	defer r.mx.RUnlock()

	conns := make([]*Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	return conns
}

// IDs returns a point-in-time snapshot of live connection ids.
func (r *Registry) IDs() []string {
	r.mx.RLock()
	defer r.mx.RUnlock()

	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	return ids
}

func (r *Registry) Len() int {
	r.mx.RLock()
	defer r.mx.RUnlock()
	return len(r.conns)
}

// Close deregisters every live connection.
func (r *Registry) Close() {
	for _, id := range r.IDs() {
		r.Deregister(id)
	}
}
