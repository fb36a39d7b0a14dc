package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/adwski/socket-relay/backend/model"
	"github.com/adwski/socket-relay/backend/server/cors"
	"github.com/adwski/socket-relay/backend/session"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultShutdownDeadline = 10 * time.Second

	defaultSendQueueSize = 256

	defaultWebsocketReadBufferSize     = 10000
	defaultWebsocketWriteBufferSize    = 10000
	defaultWebSocketMaxMessageSize     = 9000
	defaultWebSocketHandshakeTimeout   = 3 * time.Second
	defaultWebSocketCloseWriteDeadline = 2 * time.Second
	defaultWebSocketWriteDeadline      = 5 * time.Second

	// defaultPongWait - defaultPingInterval == is how long we give client to respond
	defaultPingInterval = 5 * time.Second
	defaultPongWait     = 7 * time.Second
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type (
	RelayService interface {
		Connect(transport string, sink session.Sink) *session.Connection
		Disconnect(connID string) bool
		Handle(connID, event string, payload []byte) error
	}

	Config struct {
		Logger        *zerolog.Logger
		RelayService  RelayService
		CORS          *cors.Policy
		ListenAddr    string
		SendQueueSize int
	}

	Server struct {
		svc       RelayService
		ws        *websocket.Upgrader
		queueSize int
		pingEvery time.Duration
		*http.Server

		logger zerolog.Logger
	}
)

func NewServer(cfg Config) *Server {
	policy := cfg.CORS
	if policy == nil {
		policy = cors.NewPolicy("*")
	}
	srv := &Server{
		logger:    cfg.Logger.With().Str("component", "websocket-server").Logger(),
		svc:       cfg.RelayService,
		queueSize: cfg.SendQueueSize,
		pingEvery: defaultPingInterval,
		ws: &websocket.Upgrader{
			HandshakeTimeout: defaultWebSocketHandshakeTimeout,
			ReadBufferSize:   defaultWebsocketReadBufferSize,
			WriteBufferSize:  defaultWebsocketWriteBufferSize,
			CheckOrigin:      policy.Allowed,
		},
	}
	if srv.queueSize <= 0 {
		srv.queueSize = defaultSendQueueSize
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", srv.relay)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}
	return srv
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	errSrv := make(chan error)
	go func() {
		errSrv <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-errSrv:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}

func (srv *Server) relay(w http.ResponseWriter, r *http.Request) {
	conn, err := srv.ws.Upgrade(w, r, nil)
	if err != nil {
		// upgrader has already replied with an error status
		srv.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	queue := session.NewQueue(srv.queueSize)
	handle := srv.svc.Connect(model.TransportWebsocket, queue)

	go srv.handleWSConn(conn, handle, queue)
}

func (srv *Server) handleWSConn(conn *websocket.Conn, handle *session.Connection, queue *session.Queue) {
	ctx, cancel := context.WithCancel(context.Background())
	wg := &sync.WaitGroup{}

	logger := srv.logger.With().
		Str("connID", handle.ID()).
		Logger()

	wg.Add(2)
	go func() {
		webSocketReceiver(ctx, wg, conn, handle.ID(), srv.svc, &logger)
		cancel()
	}()
	go func() {
		webSocketSender(ctx, wg, conn, queue, srv.pingEvery, &logger)
		cancel()
	}()
	go func() {
		select {
		case <-ctx.Done():
		case <-handle.Done(): // removed from the registry elsewhere
			cancel()
		}
		// unblock a pending read
		_ = conn.SetReadDeadline(time.Now())
	}()

	wg.Wait()
	srv.svc.Disconnect(handle.ID())
	webSocketCloser(conn, &logger)
	logger.Debug().Msg("websocket session ended")
}

func webSocketSender(
	ctx context.Context,
	wg *sync.WaitGroup,
	conn *websocket.Conn,
	queue *session.Queue,
	pingEvery time.Duration,
	logger *zerolog.Logger,
) {
	pingTicker := time.NewTicker(pingEvery)
	defer func() {
		pingTicker.Stop()
		wg.Done()
	}()
SendLoop:
	for {
		select {
		case <-ctx.Done():
			break SendLoop
		case <-queue.Done():
			break SendLoop
		case <-pingTicker.C:
			wsErr := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline))
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to set websocket write deadline")
				break SendLoop
			}
			wsErr = conn.WriteMessage(websocket.PingMessage, []byte{})
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to send ping")
				break SendLoop
			}
			logger.Trace().Msg("ping sent")

		case env := <-queue.C():
			b, wsErr := json.Marshal(&env)
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to marshall outgoing message")
				continue
			}

			wsErr = conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline))
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to set websocket write deadline")
				break SendLoop
			}
			wsW, wsErr := conn.NextWriter(websocket.TextMessage)
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to get websocket text writer")
				break SendLoop
			}
			_, wsErr = wsW.Write(b)
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to write outgoing message")
				break SendLoop
			}
			wsErr = wsW.Close()
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to close websocket writer")
				break SendLoop
			}
		}
	}
}

// webSocketReceiver hands inbound events to the service one at a time,
// so events of a single connection are routed in arrival order.
func webSocketReceiver(
	ctx context.Context,
	wg *sync.WaitGroup,
	conn *websocket.Conn,
	connID string,
	svc RelayService,
	logger *zerolog.Logger,
) {
	defer wg.Done()

	conn.SetReadLimit(defaultWebSocketMaxMessageSize)
	readDeadLineFunc := func(deadline time.Duration) error {
		return conn.SetReadDeadline(time.Now().Add(deadline))
	}
	conn.SetPongHandler(func(string) error {
		logger.Trace().Msg("got pong")
		return readDeadLineFunc(defaultPongWait)
	})
	err := readDeadLineFunc(defaultPongWait)
	if err != nil {
		logger.Error().Err(err).Msg("failed to set websocket read deadline")
		return
	}

RecvLoop:
	for {
		select {
		case <-ctx.Done():
			break RecvLoop
		default:
			_, msg, wsErr := conn.ReadMessage()
			if wsErr != nil {
				if websocket.IsCloseError(wsErr,
					websocket.CloseNormalClosure,
					websocket.CloseGoingAway) {
					logger.Debug().Err(wsErr).Msg("connection closed")
				} else if ctx.Err() == nil {
					logger.Warn().Err(wsErr).Msg("unexpected error during receive")
				}
				break RecvLoop
			}

			var env model.Envelope
			if wsErr = json.Unmarshal(msg, &env); wsErr != nil {
				logger.Debug().Err(wsErr).Msg("failed to unmarshall incoming message")
				continue
			}
			if err = svc.Handle(connID, env.Event, env.Data); err != nil {
				logger.Trace().Err(err).Str("event", env.Event).Msg("inbound event dropped")
			}
		}
	}
}

func webSocketCloser(conn *websocket.Conn, logger *zerolog.Logger) {
	wsErr := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketCloseWriteDeadline))
	if wsErr != nil {
		logger.Error().Err(wsErr).Msg("failed to set websocket write deadline during closing")
	} else {
		wsErr = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		if wsErr != nil && !errors.Is(wsErr, websocket.ErrCloseSent) {
			logger.Debug().Err(wsErr).Msg("failed to send close message")
		}
	}
	wsErr = conn.Close()
	if wsErr != nil {
		logger.Debug().Err(wsErr).Msg("failed to close websocket connection")
	}
}
