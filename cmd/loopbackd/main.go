package main

import (
	"log"
	"time"

	"go-imsdk/errs"
	"go-imsdk/internal/config"
	"go-imsdk/internal/logx"
	"go-imsdk/internal/metrics"
	"go-imsdk/internal/server"

	"github.com/redis/go-redis/v9"
)

func main() {
	cfg := config.Load()
	logx.Init(&logx.Config{Path: cfg.LogFile, Level: cfg.LogLevel})
	metrics.Init()

	// 下行投递：单实例内存 hub，多实例走 Redis Pub/Sub
	var bus server.Bus = server.NewMemoryBus()
	if cfg.UseRedis {
		bus = server.NewRedisBus(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB)
	}
	defer bus.Close()

	var limiter server.SendLimiter
	if cfg.UseRedis && cfg.SendQPS > 0 {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPass, DB: cfg.RedisDB})
		limiter = server.NewRedisSendLimiter(client, cfg.SendQPS, cfg.SendBurst)
	}

	var export *server.Exporter
	if cfg.KafkaBrokers != "" {
		e, err := server.NewExporter(cfg.KafkaBrokers, cfg.KafkaExportTopic)
		if err != nil {
			logx.Warnf("loopbackd: kafka export disabled: %v", err)
		} else {
			export = e
			defer export.Close()
		}
	}

	core := server.NewCore(server.Options{
		TokenVerifier: func(userID, token string) *errs.Error {
			return server.VerifyToken(cfg.JWTSecret, userID, token)
		},
		RevokeWindow:   time.Duration(cfg.RevokeWindowSec) * time.Second,
		HistoryPageMax: cfg.HistoryPageMax,
		CallTimeoutMax: cfg.CallTimeoutMax,
		Bus:            bus,
		Export:         export,
		Limiter:        limiter,
	})
	gw := server.NewGateway(core, cfg.JWTSecret, time.Duration(cfg.TokenTTLHr)*time.Hour)

	logx.Infof("loopbackd: listening on %s", cfg.ListenAddr)
	if err := gw.Router().Run(cfg.ListenAddr); err != nil {
		log.Fatal(err)
	}
}
