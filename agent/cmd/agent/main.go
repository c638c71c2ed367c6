package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/firewatch/firewatch/agent/internal/config"
	"github.com/firewatch/firewatch/agent/internal/scraper"
	"github.com/firewatch/firewatch/agent/internal/shipper"
)

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

	slog.Info("firewatch-agent starting", "config", *configPath)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	slog.Info("config loaded",
		"server_endpoint", cfg.Agent.ServerEndpoint,
		"sources", len(cfg.Agent.Sources),
		"scrape_interval", cfg.Agent.ScrapeInterval,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Start the gRPC shipper; runs until ctx is cancelled.
	ship := shipper.New(cfg.Agent)
	go ship.Run(ctx)

	f := &fleet{ship: ship}
	f.start(ctx, cfg.Agent)

	// Hot reload rebuilds the pollers. The server endpoint and buffer are
	// fixed for the life of the process.
	go func() {
		if err := config.Watch(ctx, *configPath, func(updated *config.Config) {
			if updated.Agent.ServerEndpoint != cfg.Agent.ServerEndpoint {
				slog.Warn("config: server_endpoint change needs a restart",
					"current", cfg.Agent.ServerEndpoint,
					"configured", updated.Agent.ServerEndpoint)
			}
			f.start(ctx, updated.Agent)
		}); err != nil {
			slog.Error("config watcher stopped", "err", err)
		}
	}()

	<-ctx.Done()
	slog.Info("firewatch-agent shutting down")
	f.stop()
}

// fleet owns one polling goroutine per configured source.
type fleet struct {
	ship *shipper.Shipper

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// start stops any running pollers and starts one per source in cfg.
func (f *fleet) start(parent context.Context, cfg config.AgentConfig) {
	f.stop()

	f.mu.Lock()
	defer f.mu.Unlock()

	ctx, cancel := context.WithCancel(parent)
	f.cancel = cancel

	n := 0
	for _, src := range cfg.Sources {
		s, err := scraper.New(src)
		if err != nil {
			slog.Error("skipping source, could not build scraper", "source", src.ID, "err", err)
			continue
		}
		every := src.EffectiveInterval(cfg.ScrapeInterval)
		slog.Info("registered source", "id", src.ID, "type", src.Type, "endpoint", src.Endpoint, "interval", every)

		f.wg.Add(1)
		go func(src config.Source) {
			defer f.wg.Done()
			f.poll(ctx, src, s, every)
		}(src)
		n++
	}
	if n == 0 {
		slog.Warn("no sources configured, agent will idle")
	}
}

// stop cancels every poller and waits for them to return.
func (f *fleet) stop() {
	f.mu.Lock()
	cancel := f.cancel
	f.cancel = nil
	f.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	f.wg.Wait()
}

func (f *fleet) poll(ctx context.Context, src config.Source, s scraper.Scraper, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			events, err := s.Scrape(ctx)
			if err != nil {
				if ctx.Err() == nil {
					slog.Warn("scrape error", "source", src.ID, "err", err)
				}
				continue
			}
			if len(events) == 0 {
				continue
			}
			f.ship.Ship(events...)
			slog.Debug("shipped events", "source", src.ID, "events", len(events))
		}
	}
}
