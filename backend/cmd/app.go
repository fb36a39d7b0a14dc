package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/adwski/socket-relay/backend/server/cors"
	httpServer "github.com/adwski/socket-relay/backend/server/http"
	websocketServer "github.com/adwski/socket-relay/backend/server/websocket"
	"github.com/adwski/socket-relay/backend/service"
	"github.com/adwski/socket-relay/backend/session"
	store "github.com/adwski/socket-relay/backend/storage/memory"
	sw "github.com/adwski/socket-relay/backend/switch"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	fs := pflag.NewFlagSet("main", pflag.ContinueOnError)

	var (
		apiListenAddr = fs.StringP("api-listen-addr", "a", ":8080", "api and long-polling listen address")
		wsListenAddr  = fs.StringP("ws-listen-addr", "w", ":8888", "websocket listen address")
		logLevel      = fs.StringP("log-level", "l", "debug", "log level")
		origin        = fs.StringP("allowed-origin", "o", "http://localhost:5173", "trusted cross-origin client, * allows any")
		queueSize     = fs.Int("send-queue-size", 256, "per-connection outbound queue size")
		pollTimeout   = fs.Duration("poll-timeout", 60*time.Second, "idle time after which a polling session is dropped")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}

	lvl, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	registry := session.NewRegistry(session.Config{Logger: &logger})
	fanout := sw.NewSwitch(sw.Config{Logger: &logger, Registry: registry})
	directory := store.NewDirectory(store.Config{
		Logger:   &logger,
		Presence: registry,
		Notifier: fanout,
	})
	fanout.UseRooms(directory)
	registry.OnDeregister(directory.Purge)

	svc := service.NewService(service.Config{
		Registry:  registry,
		Directory: directory,
		Switch:    fanout,
		Logger:    &logger,
	})
	policy := cors.NewPolicy(*origin)

	httpSrv := httpServer.NewServer(httpServer.Config{
		Logger:        &logger,
		RelayService:  svc,
		CORS:          policy,
		ListenAddr:    *apiListenAddr,
		PollTimeout:   *pollTimeout,
		SendQueueSize: *queueSize,
	})
	wsSrv := websocketServer.NewServer(websocketServer.Config{
		Logger:        &logger,
		RelayService:  svc,
		CORS:          policy,
		ListenAddr:    *wsListenAddr,
		SendQueueSize: *queueSize,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 2)
	)
	wg.Add(2)
	go httpSrv.Run(ctx, wg, errc)
	go wsSrv.Run(ctx, wg, errc)

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()
	registry.Close()
}
