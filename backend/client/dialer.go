package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/adwski/socket-relay/backend/model"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// WebsocketDialer connects over the primary full-duplex transport.
type WebsocketDialer struct {
	URL    string
	Header http.Header
}

func (d *WebsocketDialer) Dial(ctx context.Context) (Conn, error) {
	c, _, err := websocket.Dial(ctx, d.URL, &websocket.DialOptions{HTTPHeader: d.Header})
	if err != nil {
		return nil, err
	}
	var env model.Envelope
	if err = wsjson.Read(ctx, c, &env); err != nil {
		_ = c.Close(websocket.StatusNormalClosure, "")
		return nil, errors.Join(ErrHandshake, err)
	}
	id, err := welcomeID(env)
	if err != nil {
		_ = c.Close(websocket.StatusPolicyViolation, "")
		return nil, err
	}
	return &wsConn{
		c: c,
		presence: Presence{
			ID:        id,
			Transport: model.TransportWebsocket,
			Upgraded:  true,
		},
	}, nil
}

type wsConn struct {
	c        *websocket.Conn
	presence Presence
}

func (w *wsConn) Presence() Presence {
	return w.presence
}

func (w *wsConn) Send(ctx context.Context, env model.Envelope) error {
	return wsjson.Write(ctx, w.c, &env)
}

func (w *wsConn) Receive(ctx context.Context) (model.Envelope, error) {
	var env model.Envelope
	err := wsjson.Read(ctx, w.c, &env)
	return env, err
}

func (w *wsConn) Close() error {
	return w.c.Close(websocket.StatusNormalClosure, "")
}

// PollingDialer connects over the long-polling fallback transport.
// BaseURL is the API server root, e.g. http://localhost:8080.
type PollingDialer struct {
	BaseURL string
	Client  *http.Client
	Header  http.Header
}

type handshakeResponse struct {
	SID string `json:"sid"`
}

func (d *PollingDialer) Dial(ctx context.Context) (Conn, error) {
	pc := &pollConn{
		base:   strings.TrimRight(d.BaseURL, "/"),
		client: d.Client,
		header: d.Header,
		mx:     &sync.Mutex{},
	}
	if pc.client == nil {
		pc.client = http.DefaultClient
	}

	resp, err := pc.do(ctx, http.MethodPost, pc.base+"/poll", nil)
	if err != nil {
		return nil, err
	}
	var hs handshakeResponse
	err = decodeBody(resp, &hs)
	if err != nil {
		return nil, errors.Join(ErrHandshake, err)
	}
	if hs.SID == "" {
		return nil, ErrHandshake
	}
	pc.sid = hs.SID

	env, err := pc.Receive(ctx)
	if err != nil {
		_ = pc.Close()
		return nil, errors.Join(ErrHandshake, err)
	}
	id, err := welcomeID(env)
	if err != nil {
		_ = pc.Close()
		return nil, err
	}
	pc.presence = Presence{ID: id, Transport: model.TransportPolling}
	return pc, nil
}

type pollConn struct {
	base     string
	sid      string
	client   *http.Client
	header   http.Header
	presence Presence

	mx      *sync.Mutex
	backlog []model.Envelope
}

func (p *pollConn) Presence() Presence {
	return p.presence
}

func (p *pollConn) Send(ctx context.Context, env model.Envelope) error {
	b, err := json.Marshal(&env)
	if err != nil {
		return err
	}
	resp, err := p.do(ctx, http.MethodPost, p.sessionURL(), b)
	if err != nil {
		return err
	}
	return discardBody(resp)
}

// Receive returns the next frame, long-polling the server when the local
// backlog is empty.
func (p *pollConn) Receive(ctx context.Context) (model.Envelope, error) {
	for {
		p.mx.Lock()
		if len(p.backlog) > 0 {
			env := p.backlog[0]
			p.backlog = p.backlog[1:]
			p.mx.Unlock()
			return env, nil
		}
		p.mx.Unlock()

		resp, err := p.do(ctx, http.MethodGet, p.sessionURL(), nil)
		if err != nil {
			return model.Envelope{}, err
		}
		var batch []model.Envelope
		if err = decodeBody(resp, &batch); err != nil {
			return model.Envelope{}, err
		}
		p.mx.Lock()
		p.backlog = append(p.backlog, batch...)
		p.mx.Unlock()
	}
}

func (p *pollConn) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), defaultWriteTimeout)
	defer cancel()
	resp, err := p.do(ctx, http.MethodDelete, p.sessionURL(), nil)
	if err != nil {
		return err
	}
	return discardBody(resp)
}

func (p *pollConn) sessionURL() string {
	return p.base + "/poll/" + p.sid
}

func (p *pollConn) do(ctx context.Context, method, url string, body []byte) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return nil, err
	}
	for k, v := range p.header {
		req.Header[k] = v
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return p.client.Do(req)
}

func decodeBody(resp *http.Response, v any) error {
	defer func() {
		_ = resp.Body.Close()
	}()
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusGone, http.StatusNotFound:
		return ErrClosed
	default:
		return fmt.Errorf("unexpected status: %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func discardBody(resp *http.Response) error {
	defer func() {
		_ = resp.Body.Close()
	}()
	_, _ = io.Copy(io.Discard, resp.Body)
	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		return nil
	case http.StatusGone, http.StatusNotFound:
		return ErrClosed
	default:
		return fmt.Errorf("unexpected status: %s", resp.Status)
	}
}

// FallbackDialer prefers Primary and falls back to Fallback when the
// primary transport cannot be established.
type FallbackDialer struct {
	Primary  Dialer
	Fallback Dialer
}

func (d *FallbackDialer) Dial(ctx context.Context) (Conn, error) {
	conn, errPrimary := d.Primary.Dial(ctx)
	if errPrimary == nil {
		return conn, nil
	}
	if ctx.Err() != nil || d.Fallback == nil {
		return nil, errPrimary
	}
	conn, err := d.Fallback.Dial(ctx)
	if err != nil {
		return nil, errors.Join(errPrimary, err)
	}
	return conn, nil
}

func welcomeID(env model.Envelope) (string, error) {
	if env.Event != model.EventWelcome {
		return "", fmt.Errorf("%w: expected %s, got %q", ErrHandshake, model.EventWelcome, env.Event)
	}
	var welcome model.WelcomeData
	if err := json.Unmarshal(env.Data, &welcome); err != nil {
		return "", errors.Join(ErrHandshake, err)
	}
	if welcome.ClientID == "" {
		return "", fmt.Errorf("%w: empty client id", ErrHandshake)
	}
	return welcome.ClientID, nil
}
