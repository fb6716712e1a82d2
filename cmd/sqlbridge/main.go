package main

import (
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sqlbridge/sqlbridge/internal/api"
	"github.com/sqlbridge/sqlbridge/internal/config"
	"github.com/sqlbridge/sqlbridge/internal/health"
	"github.com/sqlbridge/sqlbridge/internal/metrics"
	"github.com/sqlbridge/sqlbridge/internal/pool"
	"github.com/sqlbridge/sqlbridge/internal/proxy"
	"github.com/sqlbridge/sqlbridge/internal/router"
)

const shutdownTimeout = 60 * time.Second

func main() {
	configPath := flag.String("config", "configs/sqlbridge.yaml", "path to configuration file")
	flag.Parse()

	slog.Info("sqlbridge starting...")

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	slog.Info("configuration loaded", "path", *configPath, "destinations", len(cfg.Destinations))

	m := metrics.New()
	r := router.New(cfg)
	pm := pool.NewManager(cfg.Pool)
	hc := health.NewChecker(r, m, cfg.HealthCheck)

	// route around unhealthy destinations
	r.SetHealthFunc(hc.IsHealthy)
	hc.Start()

	// periodic pool stats for Prometheus
	statsStop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				for _, s := range pm.AllStats() {
					m.UpdatePoolStats(s.Addr, s.Idle)
				}
			case <-statsStop:
				return
			}
		}
	}()

	proxyServer := proxy.NewServer(cfg, r, pm, hc, m)
	if err := proxyServer.Listen(cfg.Listen.ClientBind, cfg.Listen.ClientPort); err != nil {
		slog.Error("failed to start proxy", "err", err)
		os.Exit(1)
	}

	apiServer := api.NewServer(r, pm, hc, cfg.Listen)
	if err := apiServer.Start(cfg.Listen.APIBind, cfg.Listen.APIPort); err != nil {
		slog.Error("failed to start API server", "err", err)
		os.Exit(1)
	}

	configWatcher, err := config.NewWatcher(*configPath, func(newCfg *config.Config) {
		slog.Info("reloading configuration...")
		r.Reload(newCfg)
		pm.UpdateConfig(newCfg.Pool)
		proxyServer.UpdateConfig(newCfg)
	})
	if err != nil {
		slog.Warn("config hot-reload not available", "err", err)
	}

	slog.Info("sqlbridge ready",
		"client_port", cfg.Listen.ClientPort,
		"api_port", cfg.Listen.APIPort)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("received signal, shutting down...", "signal", sig)

	done := make(chan struct{})
	go func() {
		if configWatcher != nil {
			configWatcher.Stop()
		}
		close(statsStop)
		apiServer.Stop()
		proxyServer.Stop()
		hc.Stop()
		pm.Close()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("sqlbridge stopped")
	case <-time.After(shutdownTimeout):
		slog.Error("shutdown timed out, forcing exit", "timeout", shutdownTimeout)
		os.Exit(1)
	}
}
