package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/adwski/socket-relay/backend/client"
	"github.com/adwski/socket-relay/backend/model"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

const usage = `commands:
  /join <room>        join a room
  /leave <room>       leave a room
  /msg <id> <text>    private message
  /quit               exit
anything else is broadcast`

func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	fs := pflag.NewFlagSet("chat", pflag.ContinueOnError)

	var (
		wsURL          = fs.StringP("ws-url", "w", "ws://localhost:8888/ws", "websocket endpoint")
		apiURL         = fs.StringP("api-url", "a", "http://localhost:8080", "api endpoint used for the polling fallback")
		logLevel       = fs.StringP("log-level", "l", "info", "log level")
		connectTimeout = fs.Duration("connect-timeout", 20*time.Second, "handshake timeout")
		retryDelay     = fs.Duration("reconnect-delay", time.Second, "delay between reconnect attempts")
		retryAttempts  = fs.Int("reconnect-attempts", 5, "reconnect attempts before giving up")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}
	lvl, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	events := make(chan model.Envelope, 64)
	cl := client.New(client.Config{
		Logger: &logger,
		Dialer: &client.FallbackDialer{
			Primary:  &client.WebsocketDialer{URL: *wsURL},
			Fallback: &client.PollingDialer{BaseURL: *apiURL},
		},
		ConnectTimeout:    *connectTimeout,
		ReconnectDelay:    *retryDelay,
		ReconnectAttempts: *retryAttempts,
		OnTransition: func(from, to client.State) {
			logger.Debug().Stringer("from", from).Stringer("to", to).Msg("state changed")
			if to == client.StateFailed {
				fmt.Println("* could not reconnect, type /quit to exit")
			}
		},
		OnConnect: func(p client.Presence) {
			fmt.Printf("* connected as %s via %s (upgraded: %t)\n", p.ID, p.Transport, p.Upgraded)
		},
		OnEvent: func(env model.Envelope) {
			select {
			case events <- env:
			default:
				logger.Warn().Str("event", env.Event).Msg("output is lagging, event dropped")
			}
		},
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	fmt.Println(usage)
	cl.Connect()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case env := <-events:
				printEvent(env)
			}
		}
	})
	g.Go(func() error {
		defer cancel()
		lines := readLines(ctx)
		for {
			select {
			case <-ctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok || line == "/quit" {
					return nil
				}
				if err := execute(cl, line); err != nil {
					fmt.Printf("* %v\n", err)
				}
			}
		}
	})
	if err = g.Wait(); err != nil {
		logger.Error().Err(err).Msg("chat stopped")
	}
	cl.Disconnect()
}

func readLines(ctx context.Context) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			select {
			case out <- strings.TrimSpace(sc.Text()):
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func execute(cl *client.Client, line string) error {
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		return cl.Emit(model.EventMessageToServer, line)
	}
	cmd, rest, _ := strings.Cut(line, " ")
	switch cmd {
	case "/join":
		return cl.Emit(model.EventJoinRoom, strings.TrimSpace(rest))
	case "/leave":
		return cl.Emit(model.EventLeaveRoom, strings.TrimSpace(rest))
	case "/msg":
		target, text, _ := strings.Cut(strings.TrimSpace(rest), " ")
		return cl.Emit(model.EventPrivateMessage, model.PrivateMessagePayload{
			TargetID: target,
			Message:  text,
		})
	default:
		return fmt.Errorf("unknown command %s", cmd)
	}
}

func printEvent(env model.Envelope) {
	switch env.Event {
	case model.EventWelcome:
		var d model.WelcomeData
		if json.Unmarshal(env.Data, &d) == nil {
			fmt.Printf("[%s] * %s\n", d.Timestamp, d.Message)
		}
	case model.EventMessageToClient:
		var d model.ChatMessageData
		if json.Unmarshal(env.Data, &d) == nil {
			fmt.Printf("[%s] <%s> %s\n", d.Timestamp, d.From, d.Message)
		}
	case model.EventPrivateMessageReceived:
		var d model.ChatMessageData
		if json.Unmarshal(env.Data, &d) == nil {
			fmt.Printf("[%s] (private) <%s> %s\n", d.Timestamp, d.From, d.Message)
		}
	case model.EventUserJoined, model.EventUserLeft:
		var d model.RoomEventData
		if json.Unmarshal(env.Data, &d) == nil {
			verb := "joined"
			if env.Event == model.EventUserLeft {
				verb = "left"
			}
			fmt.Printf("[%s] * %s %s %s\n", d.Timestamp, d.UserID, verb, d.RoomName)
		}
	default:
		fmt.Printf("* %s: %s\n", env.Event, env.Data)
	}
}
