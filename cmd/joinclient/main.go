// Command joinclient asks the dispatcher for a game server, connects to it and
// stays connected until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"game-dispatcher/client"
	"game-dispatcher/logging"
	"game-dispatcher/message"
	"game-dispatcher/middleware"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

var (
	dispatcherURL = flag.String("dispatcher", "http://127.0.0.1:42070", "dispatcher base URL")
	version       = flag.Int("version", 1, "client protocol version")
	playerID      = flag.String("uuid", "", "player identity; a random one when empty")
	retries       = flag.Int("retries", 5, "retries on no_capacity, timeout and rate_limited")
	timeout       = flag.Duration("timeout", 5*time.Second, "per-request timeout")
	logLevel      = flag.String("log-level", "info", "log level")
)

func main() {
	_ = godotenv.Load()
	flag.Parse()

	logger, err := logging.New(*logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init failed:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if *playerID == "" {
		*playerID = uuid.NewString()
	}
	req := &message.JoinRequest{Version: *version, PlayerID: *playerID}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := client.NewClient(*dispatcherURL, *timeout)
	join := middleware.Chain(
		middleware.RetryMiddleware(*retries, 500*time.Millisecond, logger),
		middleware.LoggingMiddleware(logger),
	)(c.Join)

	assignment, err := join(ctx, req)
	if err != nil {
		logger.Fatal("join failed", zap.Error(err))
	}

	playCtx, cancel := context.WithTimeout(ctx, *timeout)
	conn, err := c.Play(playCtx, assignment, req)
	cancel()
	if err != nil {
		logger.Fatal("game server handshake failed", zap.String("address", assignment.Address), zap.Error(err))
	}
	defer conn.Close()
	logger.Info("playing", zap.String("player", req.PlayerID), zap.String("address", assignment.Address))

	<-ctx.Done()
}
