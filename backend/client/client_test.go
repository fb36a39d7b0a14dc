package client

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/adwski/socket-relay/backend/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testDelay   = 10 * time.Millisecond
	testTimeout = 50 * time.Millisecond
	waitFor     = 2 * time.Second
	tick        = 5 * time.Millisecond
)

var errRefused = errors.New("connection refused")

type mockConn struct {
	presence Presence
	inbox    chan model.Envelope
	lost     chan struct{}
	lostOnce sync.Once

	mu     sync.Mutex
	sent   []model.Envelope
	closed bool
}

func newMockConn(id string) *mockConn {
	return &mockConn{
		presence: Presence{ID: id, Transport: model.TransportWebsocket, Upgraded: true},
		inbox:    make(chan model.Envelope, 8),
		lost:     make(chan struct{}),
	}
}

func (m *mockConn) Presence() Presence { return m.presence }

func (m *mockConn) Send(_ context.Context, env model.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, env)
	return nil
}

func (m *mockConn) Receive(ctx context.Context) (model.Envelope, error) {
	select {
	case env := <-m.inbox:
		return env, nil
	case <-m.lost:
		return model.Envelope{}, ErrClosed
	case <-ctx.Done():
		return model.Envelope{}, ctx.Err()
	}
}

func (m *mockConn) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.drop()
	return nil
}

func (m *mockConn) drop() {
	m.lostOnce.Do(func() { close(m.lost) })
}

func (m *mockConn) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// mockDialer answers each Dial with the next scripted outcome,
// repeating the last one when the script runs out.
type mockDialer struct {
	mu     sync.Mutex
	script []func(ctx context.Context) (Conn, error)
	dials  int
}

func (d *mockDialer) Dial(ctx context.Context) (Conn, error) {
	d.mu.Lock()
	i := d.dials
	d.dials++
	step := d.script[min(i, len(d.script)-1)]
	d.mu.Unlock()
	return step(ctx)
}

func (d *mockDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func succeed(conn *mockConn) func(context.Context) (Conn, error) {
	return func(context.Context) (Conn, error) { return conn, nil }
}

func refuse(context.Context) (Conn, error) {
	return nil, errRefused
}

func hang(ctx context.Context) (Conn, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type recorder struct {
	mu          sync.Mutex
	transitions []State
	presences   []Presence
	events      []model.Envelope
}

func (r *recorder) config(d Dialer) Config {
	return Config{
		Dialer:            d,
		ConnectTimeout:    testTimeout,
		ReconnectDelay:    testDelay,
		ReconnectAttempts: 5,
		OnTransition: func(_, to State) {
			r.mu.Lock()
			r.transitions = append(r.transitions, to)
			r.mu.Unlock()
		},
		OnConnect: func(p Presence) {
			r.mu.Lock()
			r.presences = append(r.presences, p)
			r.mu.Unlock()
		},
		OnEvent: func(env model.Envelope) {
			r.mu.Lock()
			r.events = append(r.events, env)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) states() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.transitions...)
}

func (r *recorder) connected() []Presence {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Presence(nil), r.presences...)
}

func (r *recorder) received() []model.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Envelope(nil), r.events...)
}

func waitState(t *testing.T, c *Client, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return c.State() == want }, waitFor, tick,
		"state is %s, want %s", c.State(), want)
}

func TestClient_Connect(t *testing.T) {
	rec := &recorder{}
	conn := newMockConn("abc")
	c := New(rec.config(&mockDialer{script: []func(context.Context) (Conn, error){succeed(conn)}}))
	assert.Equal(t, StateIdle, c.State())

	c.Connect()
	waitState(t, c, StateConnected)

	p, ok := c.Presence()
	require.True(t, ok)
	assert.Equal(t, Presence{ID: "abc", Transport: model.TransportWebsocket, Upgraded: true}, p)

	require.Eventually(t, func() bool { return len(rec.connected()) == 1 }, waitFor, tick)
	assert.Equal(t, []State{StateConnecting, StateConnected}, rec.states())

	conn.inbox <- model.Envelope{Event: model.EventMessageToClient}
	require.Eventually(t, func() bool { return len(rec.received()) == 1 }, waitFor, tick)

	require.NoError(t, c.Emit(model.EventMessageToServer, "hi"))
	conn.mu.Lock()
	require.Len(t, conn.sent, 1)
	assert.Equal(t, model.EventMessageToServer, conn.sent[0].Event)
	assert.JSONEq(t, `"hi"`, string(conn.sent[0].Data))
	conn.mu.Unlock()

	c.Disconnect()
}

func TestClient_EmitWhenNotConnected(t *testing.T) {
	c := New(Config{Dialer: &mockDialer{script: []func(context.Context) (Conn, error){refuse}}})
	assert.ErrorIs(t, c.Emit(model.EventMessageToServer, "hi"), ErrNotConnected)
}

func TestClient_ConnectTimeout(t *testing.T) {
	rec := &recorder{}
	conn := newMockConn("late")
	d := &mockDialer{script: []func(context.Context) (Conn, error){hang, succeed(conn)}}
	c := New(rec.config(d))

	c.Connect()
	waitState(t, c, StateConnected)
	require.Eventually(t, func() bool { return len(rec.connected()) == 1 }, waitFor, tick)

	assert.Equal(t, []State{
		StateConnecting,
		StateDisconnected,
		StateReconnecting,
		StateConnecting,
		StateConnected,
	}, rec.states())
	assert.Equal(t, 0, c.Attempts(), "attempts reset after a successful connect")
	c.Disconnect()
}

func TestClient_ReconnectCap(t *testing.T) {
	rec := &recorder{}
	d := &mockDialer{script: []func(context.Context) (Conn, error){refuse}}
	c := New(rec.config(d))

	c.Connect()
	waitState(t, c, StateFailed)

	assert.Equal(t, 6, d.count(), "initial attempt plus five reconnects")
	assert.Equal(t, 5, c.Attempts())

	time.Sleep(5 * testDelay)
	assert.Equal(t, 6, d.count(), "no automatic attempts after failing")
	assert.Equal(t, StateFailed, c.State())

	require.Eventually(t, func() bool {
		s := rec.states()
		return len(s) > 0 && s[len(s)-1] == StateFailed
	}, waitFor, tick)
	var reconnecting int
	for _, s := range rec.states() {
		if s == StateReconnecting {
			reconnecting++
		}
	}
	assert.Equal(t, 5, reconnecting)
}

func TestClient_ConnectAfterFailed(t *testing.T) {
	conn := newMockConn("second-life")
	d := &mockDialer{script: []func(context.Context) (Conn, error){
		refuse, refuse, succeed(conn),
	}}
	cfg := (&recorder{}).config(d)
	cfg.ReconnectAttempts = 1
	c := New(cfg)

	c.Connect()
	waitState(t, c, StateFailed)
	require.Equal(t, 2, d.count())

	c.Connect()
	waitState(t, c, StateConnected)
	c.Disconnect()
}

func TestClient_TransportLossGetsNewIdentity(t *testing.T) {
	rec := &recorder{}
	first, second := newMockConn("id-1"), newMockConn("id-2")
	d := &mockDialer{script: []func(context.Context) (Conn, error){succeed(first), succeed(second)}}
	c := New(rec.config(d))

	c.Connect()
	waitState(t, c, StateConnected)

	first.drop()
	require.Eventually(t, func() bool {
		p, ok := c.Presence()
		return ok && p.ID == "id-2"
	}, waitFor, tick)

	require.Eventually(t, func() bool { return len(rec.connected()) == 2 }, waitFor, tick)
	ids := []string{rec.connected()[0].ID, rec.connected()[1].ID}
	assert.Equal(t, []string{"id-1", "id-2"}, ids)
	assert.Equal(t, []State{
		StateConnecting,
		StateConnected,
		StateDisconnected,
		StateReconnecting,
		StateConnecting,
		StateConnected,
	}, rec.states())
	assert.True(t, first.isClosed())
	c.Disconnect()
}

func TestClient_DisconnectCancelsRetry(t *testing.T) {
	d := &mockDialer{script: []func(context.Context) (Conn, error){refuse}}
	cfg := (&recorder{}).config(d)
	cfg.ReconnectDelay = 100 * time.Millisecond
	c := New(cfg)

	c.Connect()
	waitState(t, c, StateReconnecting)
	c.Disconnect()
	assert.Equal(t, StateIdle, c.State())

	time.Sleep(3 * cfg.ReconnectDelay)
	assert.Equal(t, 1, d.count(), "pending retry must be cancelled")
	assert.Equal(t, StateIdle, c.State())
}

func TestClient_DisconnectWhileConnecting(t *testing.T) {
	conn := newMockConn("never")
	release := make(chan struct{})
	d := &mockDialer{script: []func(context.Context) (Conn, error){
		func(context.Context) (Conn, error) {
			<-release
			return conn, nil
		},
	}}
	c := New((&recorder{}).config(d))

	c.Connect()
	waitState(t, c, StateConnecting)
	c.Disconnect()
	close(release)

	require.Eventually(t, conn.isClosed, waitFor, tick, "late connection is discarded")
	assert.Equal(t, StateIdle, c.State())
}

func TestClient_DisconnectWhileConnected(t *testing.T) {
	conn := newMockConn("x")
	d := &mockDialer{script: []func(context.Context) (Conn, error){succeed(conn)}}
	c := New((&recorder{}).config(d))

	c.Connect()
	waitState(t, c, StateConnected)
	c.Disconnect()

	assert.True(t, conn.isClosed())
	time.Sleep(3 * testDelay)
	assert.Equal(t, StateIdle, c.State())
	assert.Equal(t, 1, d.count())
}

func TestClient_DisableReconnect(t *testing.T) {
	d := &mockDialer{script: []func(context.Context) (Conn, error){refuse}}
	cfg := (&recorder{}).config(d)
	cfg.DisableReconnect = true
	c := New(cfg)

	c.Connect()
	waitState(t, c, StateDisconnected)
	time.Sleep(3 * testDelay)
	assert.Equal(t, 1, d.count())
}

func TestClient_ConnectAfterLossWithoutReconnect(t *testing.T) {
	first, second := newMockConn("id-1"), newMockConn("id-2")
	d := &mockDialer{script: []func(context.Context) (Conn, error){succeed(first), succeed(second)}}
	cfg := (&recorder{}).config(d)
	cfg.DisableReconnect = true
	c := New(cfg)

	c.Connect()
	waitState(t, c, StateConnected)
	first.drop()
	waitState(t, c, StateDisconnected)

	c.Connect()
	waitState(t, c, StateConnected)
	p, ok := c.Presence()
	require.True(t, ok)
	assert.Equal(t, "id-2", p.ID)
	assert.Equal(t, 2, d.count())
	c.Disconnect()
}

func TestClient_CallbacksMayReenter(t *testing.T) {
	conn := newMockConn("re")
	d := &mockDialer{script: []func(context.Context) (Conn, error){succeed(conn)}}
	var c *Client
	done := make(chan struct{})
	c = New(Config{
		Dialer: d,
		OnConnect: func(Presence) {
			c.Disconnect()
			close(done)
		},
	})

	c.Connect()
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("callback did not run")
	}
	waitState(t, c, StateIdle)
}

func TestStateString(t *testing.T) {
	for s := StateIdle; s <= StateFailed; s++ {
		assert.NotEqual(t, "unknown", s.String(), strconv.Itoa(int(s)))
	}
	assert.Equal(t, "unknown", State(42).String())
}
