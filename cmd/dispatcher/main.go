package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"game-dispatcher/api"
	"game-dispatcher/config"
	"game-dispatcher/discovery"
	"game-dispatcher/dispatcher"
	"game-dispatcher/logging"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

var cfgPath = flag.String("config", "", "path to config file")

func main() {
	_ = godotenv.Load()
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config load failed:", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init failed:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	var opts []dispatcher.Option
	if cfg.Etcd.Enabled() {
		disc, err := discovery.NewEtcdDiscovery(cfg.Etcd.Endpoints, cfg.Etcd.Prefix, cfg.Etcd.DialTimeout, logger)
		if err != nil {
			logger.Fatal("etcd connect failed", zap.Error(err))
		}
		defer disc.Close()
		opts = append(opts, dispatcher.WithDiscovery(disc))
	}

	d, err := dispatcher.New(cfg, logger, opts...)
	if err != nil {
		logger.Fatal("dispatcher init failed", zap.Error(err))
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := d.Start(ctx); err != nil {
		logger.Fatal("dispatcher start failed", zap.Error(err))
	}

	srv := api.NewHTTPServer(d, logger)
	go func() {
		if err := srv.Start(cfg.ListenAddr); err != nil {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	if err := srv.Shutdown(10 * time.Second); err != nil {
		logger.Error("http shutdown failed", zap.Error(err))
	}
	d.Close()
	logger.Info("dispatcher stopped")
}
