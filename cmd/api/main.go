package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/nimasrn/chat-relay/internal/config"
	gateway "github.com/nimasrn/chat-relay/internal/gateways"
	"github.com/nimasrn/chat-relay/internal/handlers"
	"github.com/nimasrn/chat-relay/internal/phone"
	"github.com/nimasrn/chat-relay/internal/realtime"
	"github.com/nimasrn/chat-relay/internal/repository"
	"github.com/nimasrn/chat-relay/internal/services"
	xhttp "github.com/nimasrn/chat-relay/pkg/http"
	"github.com/nimasrn/chat-relay/pkg/logger"
	"github.com/nimasrn/chat-relay/pkg/pg"
	"github.com/nimasrn/chat-relay/pkg/prom"
	"github.com/nimasrn/chat-relay/pkg/redis"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	defer logger.Sync()

	err := config.Load(argContainsEnvPath())
	if err != nil {
		logger.Error("failed to load config", "error", err)
		return
	}
	cfg := config.Get()
	if err := cfg.ValidateRelay(); err != nil {
		logger.Error("invalid relay config", "error", err)
		return
	}
	logger.Info("starting chat relay", "version", version, "commit", commit, "date", date, "env", cfg.AppEnv)

	host, _ := os.Hostname()
	if err := prom.Create(host, cfg.AppEnv, cfg.PromNamespace); err != nil {
		logger.Error("failed registering metrics", "error", err)
		return
	}

	// transport (tcp for now)
	opt := xhttp.DefaultServerOption()
	opt.Name = cfg.AppName
	opt.ReadBufferSize = cfg.HttpServerReadBufferSize
	opt.WriteBufferSize = cfg.HttpServerWriteBufferSize
	opt.ReadTimeout = time.Duration(cfg.HttpServerReadTimeout) * time.Second
	opt.WriteTimeout = time.Duration(cfg.HttpServerWriteTimeout) * time.Second
	s := xhttp.NewServer(opt)
	s.Use(xhttp.RecoverMiddleware)
	s.Use(xhttp.RequestLoggerMiddleware)
	s.Use(xhttp.TimeoutMiddleware(cfg.HttpRequestTimeout))
	s.Use(xhttp.CompressMiddleware(6))

	readConf := pg.Config{
		User:     cfg.PostgresReadUser,
		Host:     cfg.PostgresReadHost,
		Port:     cfg.PostgresReadPort,
		Password: cfg.PostgresReadPassword,
		Database: cfg.PostgresReadDatabase,
	}
	writeConf := pg.Config{
		User:     cfg.PostgresWriteUser,
		Host:     cfg.PostgresWriteHost,
		Port:     cfg.PostgresWritePort,
		Password: cfg.PostgresWritePassword,
		Database: cfg.PostgresWriteDatabase,
	}
	db, err := pg.CreateReadWrite(readConf, writeConf, cfg.AppDebug)
	if err != nil {
		logger.Error("failed connecting to pg", "error", err)
		return
	}

	var redisAdap redis.RedisAdapter
	if cfg.RedisEnabled() {
		redisAdap, err = redis.NewRedisAdapter("default", cfg.RedisUniversalKeyPrefix, &redis.Options{
			Addrs:      []string{cfg.RedisAddr},
			ClientName: cfg.AppName,
			DB:         cfg.RedisDatabase,
			Username:   cfg.RedisUsername,
			Password:   cfg.RedisPassword,
		})
		if err != nil {
			logger.Error("failed connecting to redis", "error", err)
			return
		}
	}

	gw, err := gateway.NewClient(&gateway.Config{
		BaseURL:    cfg.GatewayBaseURL,
		AccountSID: cfg.GatewayAccountSID,
		AuthToken:  cfg.GatewayAuthToken,
		Timeout:    cfg.GatewayTimeout,
		MaxConns:   cfg.GatewayMaxConns,
	})
	if err != nil {
		logger.Error("failed creating gateway client", "error", err)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// realtime
	hub := realtime.NewHub(cfg.RealtimeIdleTimeout, cfg.RealtimePingInterval)
	go hub.Run(ctx)

	var fanout realtime.Broadcaster = hub
	var relay *realtime.StreamRelay
	if cfg.RealtimeRelayEnable {
		relay = realtime.NewStreamRelay(redisAdap, hub, cfg.RealtimeRelayStream, host+"-"+uuid.NewString()[:8], cfg.RealtimeRelayPoll)
		if err := relay.Init(ctx); err != nil {
			logger.Error("failed initializing realtime relay", "error", err)
			return
		}
		go relay.Run(ctx)
		fanout = relay
	}

	var idem *services.IdempotencyService
	if redisAdap != nil {
		idem = services.NewIdempotencyService(redisAdap, services.IdempotencyConfig{TTL: cfg.IdempotencyTTL})
	}

	messageRepo := repository.NewMessageRepository(db)
	normalizer := phone.NewNormalizer(cfg.PhoneDefaultCountryCode)

	// services
	delivery := services.NewDeliveryService(messageRepo, gw, normalizer, fanout, idem, services.DeliveryConfig{
		FromNumber:        cfg.GatewayFromNumber,
		StatusCallbackURL: cfg.GatewayCallbackURL,
		SyncWait:          cfg.DeliverySyncWait,
		Workers:           cfg.DeliveryWorkers,
		QueueSize:         cfg.DeliveryQueueSize,
		MaxRetries:        cfg.RetryMaxAttempts,
		BaseDelay:         cfg.RetryBaseDelay,
	})
	delivery.Start()
	reconciler := services.NewReconcilerService(messageRepo, normalizer, fanout,
		services.WithStatusSweep(gw, services.SweepConfig{
			Interval:   cfg.ReconcileSweepInterval,
			StaleAfter: cfg.ReconcileStaleAfter,
			MaxAge:     cfg.ReconcileMaxAge,
		}))
	go reconciler.RunSweeper(ctx)

	// v1 handlers
	g := s.Router.Group(cfg.HttpBaseRequestUrl)
	handlers.RegisterMessageRoutes(g, handlers.NewMessageHandler(delivery))
	var cacheHealth handlers.HealthService
	if redisAdap != nil {
		cacheHealth = redisAdap
	}
	handlers.RegisterHealthRoutes(g, handlers.NewHealthHandler(db, cacheHealth))

	// gateway callbacks and websocket live outside the versioned prefix
	handlers.RegisterWebhookRoutes(s.Router.Group("/webhook"), handlers.NewWebhookHandler(reconciler))
	handlers.RegisterRealtimeRoutes(s.Router, handlers.NewRealtimeHandler(hub, cfg.AllowedOrigins()))

	if cfg.AppDebugMetricsAddr != "" {
		go prom.ListenAndServer(cfg.AppDebugMetricsAddr, cfg.AppDebugMetricsURI)
	} else {
		s.Router.GET(cfg.AppDebugMetricsURI, prom.Handler())
	}

	go func() {
		var err = s.ListenAndServe(cfg.HttpListenAddr)
		if err != nil {
			logger.Error("error in running http-server", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	s.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HttpShutdownTimeout)
	defer cancel()
	if err := delivery.Shutdown(shutdownCtx); err != nil {
		logger.Warn("delivery tasks did not finish before the deadline", "error", err)
	}
	if relay != nil {
		if err := relay.Close(); err != nil {
			logger.Warn("failed closing realtime relay", "error", err)
		}
	}
	if redisAdap != nil {
		_ = redisAdap.Close()
	}
}

func argContainsEnvPath() string {
	for _, v := range os.Args {
		if strings.Contains(v, "--env=") {
			s := strings.Split(v, "=")
			if _, err := os.Open(s[1]); err != nil {
				logger.Error("failed to open the passed env file, got error" + err.Error())
				return ""
			}
			return s[1]
		}
	}
	return ""
}
