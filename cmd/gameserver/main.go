package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"game-dispatcher/codec"
	"game-dispatcher/config"
	"game-dispatcher/discovery"
	"game-dispatcher/gameserver"
	"game-dispatcher/logging"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

var cfgPath = flag.String("config", "", "path to config file")

func main() {
	_ = godotenv.Load()
	flag.Parse()

	cfg, err := config.LoadGameServer(*cfgPath)
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

	ct, _ := codec.ParseCodecType(cfg.Codec) // checked by Validate
	srv := gameserver.New(gameserver.Config{
		ControlAddr:    cfg.ControlAddr,
		GameAddr:       cfg.GameAddr,
		PublicAddr:     cfg.PublicAddr,
		Version:        cfg.Version,
		Capacity:       cfg.Capacity,
		ReportInterval: cfg.ReportInterval,
		Codec:          ct,

		HeartbeatInterval: cfg.HeartbeatInterval,
	}, logger)

	if cfg.Etcd.Enabled() {
		disc, err := discovery.NewEtcdDiscovery(cfg.Etcd.Endpoints, cfg.Etcd.Prefix, cfg.Etcd.DialTimeout, logger)
		if err != nil {
			logger.Fatal("etcd connect failed", zap.Error(err))
		}
		defer disc.Close()
		srv.UseRegistrar(disc, cfg.AdvertiseAddr, cfg.Etcd.LeaseTTL)
	}

	if err := srv.Start(); err != nil {
		logger.Fatal("game server start failed", zap.Error(err))
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	if err := srv.Shutdown(10 * time.Second); err != nil {
		logger.Error("shutdown failed", zap.Error(err))
	}
}
