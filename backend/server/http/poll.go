package http

import (
	"sync"
	"time"

	"github.com/adwski/socket-relay/backend/session"
)

// pollSession is the server side of a long-polling transport session.
type pollSession struct {
	id     string
	handle *session.Connection
	queue  *session.Queue

	inMx *sync.Mutex

	mx       *sync.Mutex
	lastSeen time.Time
	active   int
}

func (ps *pollSession) touch() {
	ps.mx.Lock()
	ps.lastSeen = time.Now()
	ps.mx.Unlock()
}

func (ps *pollSession) begin() {
	ps.mx.Lock()
	ps.active++
	ps.lastSeen = time.Now()
	ps.mx.Unlock()
}

func (ps *pollSession) end() {
	ps.mx.Lock()
	ps.active--
	ps.lastSeen = time.Now()
	ps.mx.Unlock()
}

func (ps *pollSession) idleSince(now time.Time) time.Duration {
	ps.mx.Lock()
	defer ps.mx.Unlock()
	if ps.active > 0 {
		return 0
	}
	return now.Sub(ps.lastSeen)
}

type pollSessions struct {
	mx        *sync.Mutex
	sessions  map[string]*pollSession
	timeout   time.Duration
	wait      time.Duration
	queueSize int
}

func newPollSessions(cfg Config) *pollSessions {
	ps := &pollSessions{
		mx:        &sync.Mutex{},
		sessions:  make(map[string]*pollSession),
		timeout:   cfg.PollTimeout,
		wait:      cfg.PollWait,
		queueSize: cfg.SendQueueSize,
	}
	if ps.timeout <= 0 {
		ps.timeout = defaultPollTimeout
	}
	if ps.wait <= 0 {
		ps.wait = defaultPollWait
	}
	if ps.queueSize <= 0 {
		ps.queueSize = defaultSendQueueSize
	}
	return ps
}

func (p *pollSessions) add(handle *session.Connection, queue *session.Queue) {
	p.mx.Lock()
	p.sessions[handle.ID()] = &pollSession{
		id:       handle.ID(),
		handle:   handle,
		queue:    queue,
		inMx:     &sync.Mutex{},
		mx:       &sync.Mutex{},
		lastSeen: time.Now(),
	}
	p.mx.Unlock()
}

func (p *pollSessions) get(sid string) (*pollSession, bool) {
	p.mx.Lock()
	defer p.mx.Unlock()
	ps, ok := p.sessions[sid]
	return ps, ok
}

func (p *pollSessions) remove(sid string) {
	p.mx.Lock()
	delete(p.sessions, sid)
	p.mx.Unlock()
}

// expired returns sessions idle past the timeout or already closed by the registry.
func (p *pollSessions) expired(now time.Time) []string {
	p.mx.Lock()
	defer p.mx.Unlock()

	var out []string
	for sid, ps := range p.sessions {
		select {
		case <-ps.handle.Done():
			out = append(out, sid)
			continue
		default:
		}
		if ps.idleSince(now) > p.timeout {
			out = append(out, sid)
		}
	}
	return out
}
