package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/adwski/socket-relay/backend/model"
	"github.com/adwski/socket-relay/backend/server/cors"
	"github.com/adwski/socket-relay/backend/service"
	"github.com/adwski/socket-relay/backend/session"
	"github.com/rs/zerolog"
)

const (
	defaultShutdownDeadline = 10 * time.Second

	defaultPollTimeout    = 60 * time.Second
	defaultPollWait       = 25 * time.Second
	defaultSendQueueSize  = 256
	defaultMaxMessageSize = 9000
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type RelayService interface {
	Connect(transport string, sink session.Sink) *session.Connection
	Disconnect(connID string) bool
	Handle(connID, event string, payload []byte) error
	Stats() service.Stats
}

type GenericResponse struct {
	Message string      `json:"message,omitempty"`
	Error   string      `json:"error,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

type HandshakeResponse struct {
	SID       string `json:"sid"`
	Transport string `json:"transport"`
}

type Server struct {
	logger zerolog.Logger
	svc    RelayService
	cors   *cors.Policy
	polls  *pollSessions
	*http.Server
}

type Config struct {
	Logger        *zerolog.Logger
	RelayService  RelayService
	CORS          *cors.Policy
	ListenAddr    string
	PollTimeout   time.Duration
	PollWait      time.Duration
	SendQueueSize int
}

func NewServer(cfg Config) *Server {
	policy := cfg.CORS
	if policy == nil {
		policy = cors.NewPolicy("*")
	}
	srv := &Server{
		logger: cfg.Logger.With().Str("component", "api-server").Logger(),
		svc:    cfg.RelayService,
		cors:   policy,
		polls:  newPollSessions(cfg),
	}

	r := http.NewServeMux()
	r.HandleFunc("GET /api/stats", srv.stats)
	r.HandleFunc("POST /poll", srv.openPoll)
	r.HandleFunc("GET /poll/{sid}", srv.poll)
	r.HandleFunc("POST /poll/{sid}", srv.pushPoll)
	r.HandleFunc("DELETE /poll/{sid}", srv.closePoll)
	r.HandleFunc("OPTIONS /", policy.Preflight)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.withCORS(r),
	}
	return srv
}

func (srv *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodOptions {
			if !srv.cors.Allowed(r) {
				srv.logger.Debug().Str("origin", r.Header.Get("Origin")).Msg("request from untrusted origin blocked")
				w.WriteHeader(http.StatusForbidden)
				return
			}
			srv.cors.SetHeaders(w, r)
		}
		next.ServeHTTP(w, r)
	})
}

func (srv *Server) stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, srv.svc.Stats())
}

func (srv *Server) openPoll(w http.ResponseWriter, _ *http.Request) {
	queue := session.NewQueue(srv.polls.queueSize)
	handle := srv.svc.Connect(model.TransportPolling, queue)
	srv.polls.add(handle, queue)

	srv.logger.Debug().Str("connID", handle.ID()).Msg("polling session opened")
	writeJSON(w, http.StatusOK, &HandshakeResponse{
		SID:       handle.ID(),
		Transport: model.TransportPolling,
	})
}

func (srv *Server) poll(w http.ResponseWriter, r *http.Request) {
	ps, ok := srv.polls.get(r.PathValue("sid"))
	if !ok {
		writeJSON(w, http.StatusNotFound, &GenericResponse{Error: "unknown session"})
		return
	}
	ps.begin()
	defer ps.end()

	timer := time.NewTimer(srv.polls.wait)
	defer timer.Stop()

	var batch []model.Envelope
	select {
	case env := <-ps.queue.C():
		batch = append(batch, env)
		batch = append(batch, ps.queue.Drain()...)
	case <-ps.queue.Done():
		srv.polls.remove(ps.id)
		writeJSON(w, http.StatusGone, &GenericResponse{Error: "session closed"})
		return
	case <-timer.C:
	case <-r.Context().Done():
		return
	}
	if batch == nil {
		batch = []model.Envelope{}
	}
	writeJSON(w, http.StatusOK, batch)
}

func (srv *Server) pushPoll(w http.ResponseWriter, r *http.Request) {
	ps, ok := srv.polls.get(r.PathValue("sid"))
	if !ok {
		writeJSON(w, http.StatusNotFound, &GenericResponse{Error: "unknown session"})
		return
	}
	ps.touch()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, defaultMaxMessageSize))
	defer func() {
		_ = r.Body.Close()
	}()
	if err != nil {
		w.WriteHeader(http.StatusRequestEntityTooLarge)
		return
	}

	var env model.Envelope
	if err = json.Unmarshal(body, &env); err != nil {
		srv.logger.Debug().Err(err).Str("connID", ps.id).Msg("failed to unmarshall incoming message")
		w.WriteHeader(http.StatusNoContent)
		return
	}

	// one inbound event at a time per session
	ps.inMx.Lock()
	err = srv.svc.Handle(ps.id, env.Event, env.Data)
	ps.inMx.Unlock()
	if err != nil {
		srv.logger.Trace().Err(err).Str("connID", ps.id).Str("event", env.Event).Msg("inbound event dropped")
	}
	w.WriteHeader(http.StatusNoContent)
}

func (srv *Server) closePoll(w http.ResponseWriter, r *http.Request) {
	sid := r.PathValue("sid")
	if _, ok := srv.polls.get(sid); !ok {
		writeJSON(w, http.StatusNotFound, &GenericResponse{Error: "unknown session"})
		return
	}
	srv.polls.remove(sid)
	srv.svc.Disconnect(sid)
	w.WriteHeader(http.StatusNoContent)
}

// reap disconnects polling sessions that are idle for longer than the poll timeout.
func (srv *Server) reap(now time.Time) int {
	expired := srv.polls.expired(now)
	for _, sid := range expired {
		srv.polls.remove(sid)
		srv.svc.Disconnect(sid)
		srv.logger.Debug().Str("connID", sid).Msg("polling session expired")
	}
	return len(expired)
}

func (srv *Server) runReaper(ctx context.Context) {
	ticker := time.NewTicker(srv.polls.timeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			srv.reap(now)
		}
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeBytes(w, code, b)
}

func writeBytes(w http.ResponseWriter, code int, b []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.WriteHeader(code)
	if _, err := w.Write(b); err != nil {
		log.Printf("failed to write response: %v", err)
	}
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	go srv.runReaper(ctx)

	hErr := make(chan error)
	go func() {
		hErr <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-hErr:
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
