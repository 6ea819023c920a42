package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Zereker/pomelo"
	"github.com/Zereker/pomelo/pomelotest"
)

const (
	routeSay  = "chat.room.say"
	routeJoin = "chat.room.join"
	eventChat = "onChat"
)

type room struct {
	server *pomelotest.Server
}

// say broadcasts the message to every session and acknowledges it.
func (r *room) say(_ *pomelotest.Session, _ string, body any) (any, error) {
	if err := r.server.Push(eventChat, body); err != nil {
		return nil, err
	}
	return map[string]any{"code": 200}, nil
}

func main() {
	server, err := pomelotest.NewServer("127.0.0.1:3010",
		pomelotest.HeartbeatOption(3, 0),
		pomelotest.DictOption(map[string]int{routeSay: 1, routeJoin: 2, eventChat: 3}),
	)
	if err != nil {
		slog.Error("failed to create server", "error", err)
		return
	}

	defer server.Close()

	r := &room{server: server}
	server.Handle(routeSay, r.say)

	// Handle graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		slog.Info("shutting down...")
		cancel()
	}()

	go func() {
		if err := server.Serve(ctx); err != nil && ctx.Err() == nil {
			slog.Error("server error", "error", err)
		}
	}()
	slog.Info("server start", "addr", server.Addr().String())

	client, err := pomelo.NewClient(
		pomelo.ClientTypeOption("echo"),
		pomelo.HandshakeUserOption(map[string]string{"name": "alice"}),
		pomelo.OnErrorOption(func(err error) pomelo.ErrorAction {
			slog.Error("client error", "error", err)
			return pomelo.Continue
		}),
	)
	if err != nil {
		slog.Error("failed to create client", "error", err)
		return
	}
	defer client.Close()

	client.AddListener(eventChat, func(event string, data any) {
		slog.Info("push", "event", event, "data", data)
	})
	client.AddListener(pomelo.EventDisconnect, func(_ string, data any) {
		slog.Info("disconnected", "cause", data)
		cancel()
	})

	connectCtx, connectCancel := context.WithTimeout(ctx, 5*time.Second)
	err = client.Connect(connectCtx, server.Addr().String())
	connectCancel()
	if err != nil {
		slog.Error("failed to connect", "error", err)
		return
	}

	// No handler is registered for join, so the server echoes it.
	resp, err := client.Request(ctx, routeJoin, map[string]any{"room": "lobby"})
	if err != nil {
		slog.Error("join failed", "error", err)
		return
	}
	slog.Info("joined", "response", resp)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for n := 1; ; n++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			resp, err := client.Request(ctx, routeSay, map[string]any{"text": "hello", "seq": n})
			if err != nil {
				slog.Error("say failed", "error", err)
				return
			}
			slog.Info("said", "seq", n, "response", resp)
		}
	}
}
