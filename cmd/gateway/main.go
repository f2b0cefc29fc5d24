package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/teamhub/realtime-gateway/internal/api"
	"github.com/teamhub/realtime-gateway/internal/config"
	"github.com/teamhub/realtime-gateway/internal/gateway"
	"github.com/teamhub/realtime-gateway/internal/stats"
	"github.com/teamhub/realtime-gateway/internal/store"
)

const defaultSigningKey = "wT0phFUusHZIrDhL9bUKPUhwaxKhpi/SaI6PtgB+MgU="

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, strings.Split(value, ",")...)
	return nil
}

var (
	addr              string
	redisAddr         string
	signingKey        string
	allowedOrigins    stringSliceFlag
	heartbeatInterval time.Duration
	heartbeatMisses   int
	typingTTL         time.Duration
	rateLimit         int
	rateWindow        time.Duration
	bufferCapacity    int
)

func main() {
	flag.StringVar(&addr, "addr", "localhost:8000", "server address")
	flag.StringVar(&redisAddr, "redis-addr", "", "redis address; empty runs a single-instance in-memory store")
	flag.StringVar(&signingKey, "signing-key", defaultSigningKey, "base64 encoded signing key")
	flag.Var(&allowedOrigins, "allowed-origins", "comma-separated list of allowed origins for CORS")
	flag.DurationVar(&heartbeatInterval, "heartbeat-interval", config.DefaultHeartbeatInterval, "interval between server pings")
	flag.IntVar(&heartbeatMisses, "heartbeat-misses", config.DefaultHeartbeatMisses, "missed pongs tolerated before disconnect")
	flag.DurationVar(&typingTTL, "typing-ttl", config.DefaultTypingTTL, "time a typing indicator stays active without refresh")
	flag.IntVar(&rateLimit, "rate-limit", config.DefaultRateLimit, "events allowed per user per window")
	flag.DurationVar(&rateWindow, "rate-window", config.DefaultRateWindow, "rate limit window")
	flag.IntVar(&bufferCapacity, "buffer-capacity", config.DefaultBufferCapacity, "events retained per channel for polling")
	flag.Parse()

	logger := log.New(os.Stderr, "[gateway] ", log.LstdFlags)

	cfg, err := config.New(config.Options{
		ServerAddr:        addr,
		RedisAddr:         redisAddr,
		Base64Secret:      signingKey,
		AllowedOrigins:    allowedOrigins,
		HeartbeatInterval: heartbeatInterval,
		HeartbeatMisses:   heartbeatMisses,
		TypingTTL:         typingTTL,
		RateLimit:         rateLimit,
		RateWindow:        rateWindow,
		BufferCapacity:    bufferCapacity,
	})
	if err != nil {
		logger.Fatal("config:", err)
	}

	var st store.Store
	if cfg.RedisAddr != "" {
		rs, err := store.NewRedisStore(cfg.RedisAddr, logger)
		if err != nil {
			logger.Fatal("redis store:", err)
		}
		st = rs
	} else {
		logger.Println("no redis address configured, running single-instance")
		st = store.NewMemoryStore()
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Println("store close:", err)
		}
	}()

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)

	gw, err := gateway.NewGateway(logger, cfg, st, statsUpdater)
	if err != nil {
		logger.Fatal("new gateway:", err)
	}

	srv := api.NewGatewayApp(mux, logger, gw, st, statsUpdater, cfg)

	statsUpdater.Run()
	defer statsUpdater.Stop()

	go gw.Run()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Printf("received signal: %s\n", sig)
	case err := <-errCh:
		logger.Println("server:", err)
	}

	shutDownCtx, cancel := context.WithTimeout(
		context.Background(),
		10*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		logger.Fatalln("HTTP server shutdown:", err)
	}

	logger.Println("shutting down gateway hub...")
	if err := gw.Shutdown(shutDownCtx); err != nil {
		logger.Fatalln("gateway shutdown:", err)
	}

	logger.Println("shutdown complete")
}
