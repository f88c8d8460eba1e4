package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/mistervb/meli-climate-notifications/internal/config"
	"github.com/mistervb/meli-climate-notifications/internal/dispatcher"
	"github.com/mistervb/meli-climate-notifications/internal/enroll"
	"github.com/mistervb/meli-climate-notifications/internal/lock"
	"github.com/mistervb/meli-climate-notifications/internal/logger"
	"github.com/mistervb/meli-climate-notifications/internal/metrics"
	"github.com/mistervb/meli-climate-notifications/internal/optout"
	"github.com/mistervb/meli-climate-notifications/internal/retry"
	"github.com/mistervb/meli-climate-notifications/internal/scheduler"
	"github.com/mistervb/meli-climate-notifications/internal/status"
	"github.com/mistervb/meli-climate-notifications/internal/store/postgres"
	"github.com/mistervb/meli-climate-notifications/internal/token"
	"github.com/mistervb/meli-climate-notifications/internal/weather"

	_ "github.com/lib/pq"
)

const (
	exitRuntimeError  = 1
	exitInvalidConfig = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitInvalidConfig
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init: %v\n", err)
		return exitRuntimeError
	}
	defer func() { _ = log.Sync() }()

	// Postgres
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Error("worker: open database", zap.Error(err))
		return exitRuntimeError
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		log.Error("worker: connect database", zap.Error(err))
		return exitRuntimeError
	}

	store := postgres.New(db)
	initCtx, cancelInit := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelInit()
	if err := store.EnsureSchema(initCtx); err != nil {
		log.Error("worker: ensure schema", zap.Error(err))
		return exitRuntimeError
	}

	// Redis
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()
	if err := rdb.Ping(initCtx).Err(); err != nil {
		log.Error("worker: connect redis", zap.Error(err))
		return exitRuntimeError
	}

	// RabbitMQ
	conn, err := amqp.Dial(cfg.AMQPURL)
	if err != nil {
		log.Error("worker: connect amqp", zap.Error(err))
		return exitRuntimeError
	}
	defer conn.Close()
	ch, err := conn.Channel()
	if err != nil {
		log.Error("worker: open amqp channel", zap.Error(err))
		return exitRuntimeError
	}
	defer ch.Close()
	if err := dispatcher.DeclareQueue(ch); err != nil {
		log.Error("worker: declare delivery queue", zap.Error(err))
		return exitRuntimeError
	}

	// Metrics
	var sink metrics.Sink = metrics.NewNoopSink()
	var httpServer *http.Server
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			http.Error(w, "database unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	if cfg.MetricsEnabled {
		sink = metrics.NewPrometheusSink(prometheus.DefaultRegisterer, log)
		mux.Handle(cfg.MetricsPath, promhttp.Handler())
		log.Info("worker: metrics enabled", zap.String("path", cfg.MetricsPath))
	}
	httpServer = &http.Server{Addr: cfg.HTTPAddr, Handler: mux}
	go func() {
		log.Info("worker: http server listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("worker: http server", zap.Error(err))
		}
	}()

	// Components
	tokens, err := token.NewManager(cfg.TokenEncryptionSecret, cfg.JWTSecret, cfg.JWTExpiry)
	if err != nil {
		log.Error("worker: token manager init", zap.Error(err))
		return exitRuntimeError
	}

	weatherClient := weather.NewClient(cfg.CptecBaseURL, cfg.HTTPClientTimeout)
	weatherCache := weather.NewCache(weatherClient, rdb, cfg.ForecastCacheTTL, cfg.CityCacheTTL, log).
		WithMetrics(sink)

	retrier := retry.New(retry.Config{
		MaxAttempts: cfg.RetryMaxAttempts,
		BaseDelay:   cfg.RetryBaseDelay,
	}).WithMetrics(sink)

	hostname, _ := os.Hostname()
	owner := hostname + "-" + uuid.New().String()
	locks := lock.NewStore(rdb, owner)

	processor := scheduler.New(
		scheduler.Config{
			Tolerance:    cfg.Tolerance,
			LockLease:    cfg.LockLease,
			ProcessedTTL: cfg.ProcessedTTL,
		},
		scheduler.Deps{
			Store:   store,
			Locks:   locks,
			OptOut:  optout.NewGate(rdb),
			Weather: weatherCache,
			Publish: dispatcher.NewPublisher(ch, log),
			Status:  status.NewClient(cfg.NotificationBaseURL, cfg.HTTPClientTimeout),
			Tokens:  tokens,
			Retrier: retrier,
		},
		log,
	).WithMetrics(sink)

	// Tick runner
	tickCtx, cancelTicks := context.WithCancel(context.Background())
	defer cancelTicks()
	runner := cron.New()
	_, err = runner.AddFunc("@every "+cfg.TickInterval.String(), func() {
		if err := processor.ProcessTick(tickCtx); err != nil {
			log.Error("worker: tick", zap.Error(err))
		}
	})
	if err != nil {
		log.Error("worker: schedule tick", zap.Error(err))
		return exitRuntimeError
	}
	runner.Start()

	// Enrollment listener
	enrollCtx, cancelEnroll := context.WithCancel(context.Background())
	defer cancelEnroll()
	var enrollWg sync.WaitGroup
	if cfg.EnrollEnabled {
		if err := enroll.DeclareQueue(ch); err != nil {
			log.Error("worker: declare enrollment queue", zap.Error(err))
			return exitRuntimeError
		}
		listener := enroll.NewListener(
			weatherCache,
			store,
			tokens,
			status.NewClient(cfg.NotificationBaseURL, cfg.HTTPClientTimeout),
			log,
		)
		enrollWg.Add(1)
		go func() {
			defer enrollWg.Done()
			if err := listener.Run(enrollCtx, ch); err != nil && err != context.Canceled {
				log.Error("worker: enrollment listener", zap.Error(err))
			}
		}()
	} else {
		log.Info("worker: enrollment listener disabled")
	}

	log.Info("worker: started",
		zap.Duration("tick", cfg.TickInterval),
		zap.String("owner", owner))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig
	log.Info("worker: shutting down", zap.String("signal", received.String()))

	// Phase 1: stop enrolling new schedules.
	cancelEnroll()
	enrollWg.Wait()

	// Phase 2: stop the tick runner and wait for in-flight ticks; the lock
	// release deferreds run on their own contexts.
	<-runner.Stop().Done()
	cancelTicks()

	// Phase 3: drain the HTTP server.
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("worker: http shutdown", zap.Error(err))
	}

	log.Info("worker: stopped")
	return 0
}
