package client

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/adwski/socket-relay/backend/model"
	"github.com/adwski/socket-relay/backend/server/cors"
	apiserver "github.com/adwski/socket-relay/backend/server/http"
	wsserver "github.com/adwski/socket-relay/backend/server/websocket"
	"github.com/adwski/socket-relay/backend/service"
	"github.com/adwski/socket-relay/backend/session"
	store "github.com/adwski/socket-relay/backend/storage/memory"
	sw "github.com/adwski/socket-relay/backend/switch"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type relayStack struct {
	registry *session.Registry
	api      *httptest.Server
	ws       *httptest.Server
}

func newRelayStack(t *testing.T) *relayStack {
	t.Helper()
	logger := zerolog.Nop()

	registry := session.NewRegistry(session.Config{Logger: &logger})
	fanout := sw.NewSwitch(sw.Config{Logger: &logger, Registry: registry})
	directory := store.NewDirectory(store.Config{Logger: &logger, Presence: registry, Notifier: fanout})
	fanout.UseRooms(directory)
	registry.OnDeregister(directory.Purge)

	svc := service.NewService(service.Config{
		Registry:  registry,
		Directory: directory,
		Switch:    fanout,
		Logger:    &logger,
	})
	policy := cors.NewPolicy("http://localhost:5173")

	api := httptest.NewServer(apiserver.NewServer(apiserver.Config{
		Logger:       &logger,
		RelayService: svc,
		CORS:         policy,
		PollWait:     100 * time.Millisecond,
	}).Handler)
	ws := httptest.NewServer(wsserver.NewServer(wsserver.Config{
		Logger:       &logger,
		RelayService: svc,
		CORS:         policy,
	}).Handler)

	t.Cleanup(func() {
		registry.Close()
		ws.Close()
		api.Close()
	})
	return &relayStack{registry: registry, api: api, ws: ws}
}

func (s *relayStack) wsURL() string {
	return "ws" + strings.TrimPrefix(s.ws.URL, "http") + "/ws"
}

func echo(t *testing.T, conn Conn, text string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	env, err := model.NewEnvelope(model.EventMessageToServer, text)
	require.NoError(t, err)
	require.NoError(t, conn.Send(ctx, env))

	got, err := conn.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, model.EventMessageToClient, got.Event)
	var msg model.ChatMessageData
	require.NoError(t, json.Unmarshal(got.Data, &msg))
	assert.Equal(t, text, msg.Message)
	assert.Equal(t, conn.Presence().ID, msg.From)
}

func TestWebsocketDialer(t *testing.T) {
	s := newRelayStack(t)
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	conn, err := (&WebsocketDialer{URL: s.wsURL()}).Dial(ctx)
	require.NoError(t, err)

	p := conn.Presence()
	assert.True(t, s.registry.Registered(p.ID))
	assert.Equal(t, model.TransportWebsocket, p.Transport)
	assert.True(t, p.Upgraded)

	echo(t, conn, "over websocket")

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return !s.registry.Registered(p.ID) }, waitFor, tick)
}

func TestPollingDialer(t *testing.T) {
	s := newRelayStack(t)
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	conn, err := (&PollingDialer{BaseURL: s.api.URL}).Dial(ctx)
	require.NoError(t, err)

	p := conn.Presence()
	assert.True(t, s.registry.Registered(p.ID))
	assert.Equal(t, model.TransportPolling, p.Transport)
	assert.False(t, p.Upgraded)

	echo(t, conn, "over polling")

	require.NoError(t, conn.Close())
	assert.False(t, s.registry.Registered(p.ID))

	_, err = conn.Receive(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestFallbackDialer(t *testing.T) {
	s := newRelayStack(t)
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	d := &FallbackDialer{
		Primary:  &WebsocketDialer{URL: s.wsURL() + "/missing"},
		Fallback: &PollingDialer{BaseURL: s.api.URL},
	}
	conn, err := d.Dial(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	assert.Equal(t, model.TransportPolling, conn.Presence().Transport)
	assert.False(t, conn.Presence().Upgraded)
}

func TestFallbackDialer_PrimaryWins(t *testing.T) {
	s := newRelayStack(t)
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	fallback := &mockDialer{script: []func(context.Context) (Conn, error){refuse}}
	d := &FallbackDialer{
		Primary:  &WebsocketDialer{URL: s.wsURL()},
		Fallback: fallback,
	}
	conn, err := d.Dial(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	assert.True(t, conn.Presence().Upgraded)
	assert.Equal(t, 0, fallback.count())
}

func TestClient_EndToEnd(t *testing.T) {
	s := newRelayStack(t)
	rec := &recorder{}
	cfg := rec.config(&WebsocketDialer{URL: s.wsURL()})
	cfg.ConnectTimeout = waitFor
	c := New(cfg)
	t.Cleanup(c.Disconnect)

	c.Connect()
	waitState(t, c, StateConnected)
	first, ok := c.Presence()
	require.True(t, ok)

	require.NoError(t, c.Emit(model.EventMessageToServer, "hello"))
	require.Eventually(t, func() bool { return len(rec.received()) == 1 }, waitFor, tick)
	assert.Equal(t, model.EventMessageToClient, rec.received()[0].Event)

	// server-side removal looks like transport loss to the client
	require.True(t, s.registry.Deregister(first.ID))

	require.Eventually(t, func() bool {
		p, ok := c.Presence()
		return ok && p.ID != first.ID
	}, waitFor, tick)
	assert.Equal(t, 1, s.registry.Len())
}
