package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"github.com/firewatch/firewatch/pkg/telemetryrpc"
	"github.com/firewatch/firewatch/server/internal/alerts"
	"github.com/firewatch/firewatch/server/internal/api"
	"github.com/firewatch/firewatch/server/internal/auth"
	"github.com/firewatch/firewatch/server/internal/classifier"
	"github.com/firewatch/firewatch/server/internal/config"
	"github.com/firewatch/firewatch/server/internal/history"
	"github.com/firewatch/firewatch/server/internal/ingest"
	"github.com/firewatch/firewatch/server/internal/metrics"
	"github.com/firewatch/firewatch/server/internal/notify"
	"github.com/firewatch/firewatch/server/internal/pipeline"
	"github.com/firewatch/firewatch/server/internal/receiver"
	"github.com/firewatch/firewatch/server/internal/store"
	"github.com/firewatch/firewatch/server/internal/ws"
)

const drainTimeout = 15 * time.Second

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("firewatch-server starting", "config", *configPath)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	sc := cfg.Server

	slog.Info("config loaded",
		"grpc_port", sc.GRPCPort,
		"http_port", sc.HTTPPort,
		"auth_mode", sc.Auth.Mode,
		"sources", len(sc.Sources),
		"stale_after", sc.Alerts.StaleAfter,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Alert store and lifecycle manager. The manager outlives ctx so the
	// pipeline can drain into it during shutdown.
	st := store.New()
	mgr := alerts.New(st, sc)
	mgrCtx, stopMgr := context.WithCancel(context.Background())
	mgrDone := make(chan struct{})
	go func() {
		mgr.Run(mgrCtx)
		close(mgrDone)
	}()

	// Subscribers, in registration order.
	hub := ws.New(st, sc.WS.Interval)
	mgr.Subscribe(hub.OnTransition)

	var flushers sync.WaitGroup
	var closers []func()
	if len(sc.Notify.Webhooks) > 0 {
		hooks := alerts.NewWebhooks(sc.Notify.Webhooks)
		mgr.Subscribe(hooks.Notify)
		flushers.Add(1)
		go func() {
			defer flushers.Done()
			hooks.Run()
		}()
		closers = append(closers, hooks.Close)
	}
	var channels []notify.Channel
	if email := notify.NewEmail(sc.Notify.Email); email != nil {
		mgr.Subscribe(email.Notify)
		channels = append(channels, email)
		slog.Info("email notifications enabled", "smtp_host", sc.Notify.Email.SMTPHost)
	} else {
		channels = append(channels, notify.Off("email", sc.Notify.Email.SMTPHost != ""))
	}
	if sms := notify.NewSMS(sc.Notify.SMS); sms != nil {
		mgr.Subscribe(sms.Notify)
		channels = append(channels, sms)
		slog.Info("sms notifications enabled", "recipients", len(sc.Notify.SMS.To))
	} else {
		channels = append(channels, notify.Off("sms", sc.Notify.SMS.Credentials()))
	}
	if sc.Notify.Kafka.Enabled() {
		pub, err := notify.NewKafkaPublisher(sc.Notify.Kafka)
		if err != nil {
			slog.Error("kafka notifier disabled", "err", err)
		} else {
			mgr.Subscribe(pub.Notify)
			flushers.Add(1)
			go func() {
				defer flushers.Done()
				pub.Run(context.Background())
			}()
			closers = append(closers, pub.Close)
			slog.Info("kafka transition publisher enabled", "topic", sc.Notify.Kafka.Topic)
		}
	}
	if dsn := sc.Storage.Postgres.DSN(); dsn != "" {
		db, err := history.Open(ctx, dsn)
		if err != nil {
			slog.Error("alert history disabled", "err", err)
		} else {
			defer db.Close()
			repo := history.NewRepository(db)
			if err := repo.EnsureSchema(ctx); err != nil {
				slog.Error("alert history disabled", "err", err)
			} else {
				rec := history.NewRecorder(repo)
				mgr.Subscribe(rec.Notify)
				flushers.Add(1)
				go func() {
					defer flushers.Done()
					rec.Run(context.Background())
				}()
				closers = append(closers, rec.Close)
				slog.Info("alert history enabled")
			}
		}
	}

	// Per-source pipelines feeding the manager.
	cls := classifier.New(sc.Classifier)
	pipe := pipeline.New(cls, mgr, sc)

	// Hot reload of thresholds, debounce rules, cooldowns and locations.
	go func() {
		err := config.Watch(ctx, *configPath, func(next *config.Config) {
			cls.SetRules(next.Server.Classifier)
			pipe.SetDebounce(next.Server.Debounce)
			if err := mgr.SetCooldowns(ctx, next.Server.Cooldown); err != nil {
				slog.Warn("config: cooldown reload not applied", "err", err)
			}
			if err := mgr.SetLocations(ctx, next.Server.Sources); err != nil {
				slog.Warn("config: location reload not applied", "err", err)
			}
		})
		if err != nil {
			slog.Error("config: watcher stopped", "err", err)
		}
	}()

	// gRPC receiver with optional API key authentication.
	checker := auth.New(sc.Auth)
	grpcSrv := grpc.NewServer(grpc.UnaryInterceptor(checker.UnaryInterceptor()))
	telemetryrpc.RegisterTelemetryServiceServer(grpcSrv, receiver.New(pipe))

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", sc.GRPCPort))
	if err != nil {
		slog.Error("failed to listen on gRPC port",
			"port", sc.GRPCPort, "err", err)
		os.Exit(1)
	}

	go func() {
		slog.Info("gRPC receiver listening", "port", sc.GRPCPort)
		if err := grpcSrv.Serve(lis); err != nil {
			slog.Error("gRPC server stopped", "err", err)
		}
	}()

	// Optional Kafka telemetry consumer.
	ingestCtx, stopIngest := context.WithCancel(ctx)
	ingestDone := make(chan struct{})
	if sc.Ingest.Kafka.Enabled() {
		consumer, err := ingest.NewConsumer(sc.Ingest.Kafka, pipe)
		if err != nil {
			slog.Error("kafka ingest disabled", "err", err)
			close(ingestDone)
		} else {
			go func() {
				defer close(ingestDone)
				if err := consumer.Run(ingestCtx); err != nil {
					slog.Error("kafka ingest stopped", "err", err)
				}
			}()
		}
	} else {
		close(ingestDone)
	}

	// WebSocket hub: open-alert snapshots plus live transitions.
	hubCtx, stopHub := context.WithCancel(context.Background())
	go hub.Run(hubCtx)

	// Combined HTTP server: REST API, WebSocket hub and metrics on HTTPPort.
	apiHandler := api.New(api.Deps{
		Store:     st,
		Lifecycle: mgr,
		Ingest:    pipe,
		Sources:   pipe.Sources,
		Channels:  channels,
	})
	httpMux := http.NewServeMux()
	httpMux.Handle("/api/", apiHandler)
	httpMux.Handle("/ws/stream", hub)
	httpMux.Handle("/metrics", metrics.Handler())

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", sc.HTTPPort),
		Handler:           checker.Middleware(httpMux, "/api/v1/health", "/metrics"),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("HTTP server listening", "port", sc.HTTPPort)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server stopped", "err", err)
		}
	}()

	<-ctx.Done()
	slog.Info("firewatch-server shutting down")

	// Stop the ingest surfaces first so nothing new enters the pipeline.
	grpcSrv.GracefulStop()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), drainTimeout)
	defer cancelShutdown()
	httpSrv.Shutdown(shutdownCtx) //nolint:errcheck
	stopIngest()
	<-ingestDone

	// Drain mailboxes into the manager, then drain the manager and its
	// dispatcher, then flush the write-behind notifiers.
	if err := pipe.Close(shutdownCtx); err != nil {
		slog.Warn("pipeline drain incomplete", "err", err)
	}
	stopMgr()
	<-mgrDone
	for _, c := range closers {
		c()
	}
	flushers.Wait()
	stopHub()

	slog.Info("firewatch-server stopped", "alerts", st.Count())
}
