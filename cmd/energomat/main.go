// Command energomat runs the residential energy controller: it watches the
// inverter and the day-ahead market and decides every cycle whether to
// charge the battery, sell stored energy or wait.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/energomat/energomat/charging"
	forecastclient "github.com/energomat/energomat/clients/forecast"
	"github.com/energomat/energomat/clients/inverter"
	"github.com/energomat/energomat/clients/rdn"
	"github.com/energomat/energomat/coordinator"
	fc "github.com/energomat/energomat/forecast"
	"github.com/energomat/energomat/handler"
	"github.com/energomat/energomat/internal/config"
	"github.com/energomat/energomat/pricing"
	"github.com/energomat/energomat/selling"
	"github.com/energomat/energomat/storage"
)

// Exit codes: 0 clean shutdown, 1 startup or configuration failure,
// 2 fatal controller error (plant state unknown or inverter lost).
const (
	exitOK      = 0
	exitStartup = 1
	exitFatal   = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("configuration error", "err", err)
		return exitStartup
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	l := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(l)
	l = l.With("service", cfg.ServiceName)

	loc := cfg.Location()
	policy, err := config.LoadPolicy(cfg.PolicyPath)
	if err != nil {
		l.Error("policy error", "path", cfg.PolicyPath, "err", err)
		return exitStartup
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := cfg.InverterAddr
	if addr == "" {
		l.Info("no inverter address configured, trying mdns discovery")
		addr, err = inverter.Discover(ctx, 10*time.Second)
		if err != nil {
			l.Error("inverter discovery failed", "err", err)
			return exitStartup
		}
		l.Info("inverter discovered", "addr", addr)
	}
	inv := inverter.NewTCP(addr, byte(cfg.InverterSlaveID))
	if err := inv.Connect(); err != nil {
		l.Error("inverter connection failed", "addr", addr, "err", err)
		return exitStartup
	}
	defer inv.Disconnect()

	var store storage.Store
	if cfg.PostgresDSN != "" {
		store, err = storage.NewPostgresStore(ctx, cfg.PostgresDSN)
		if err != nil {
			l.Error("postgres setup failed", "err", err)
			return exitStartup
		}
	} else {
		store, err = storage.NewJSONFileStore(cfg.DataDir)
		if err != nil {
			l.Error("file store setup failed", "data_dir", cfg.DataDir, "err", err)
			return exitStartup
		}
	}

	chargeEngine, err := charging.NewEngine(policy, cfg.DataDir, cfg.Latitude, cfg.Longitude, loc)
	if err != nil {
		l.Error("charging engine setup failed", "err", err)
		return exitStartup
	}
	sellEngine, err := selling.NewEngine(policy, cfg.DataDir, loc)
	if err != nil {
		l.Error("selling engine setup failed", "err", err)
		return exitStartup
	}

	registry := prometheus.NewRegistry()
	coord := coordinator.New(*cfg, policy, loc, coordinator.Deps{
		Inverter:   inv,
		Prices:     rdn.New(cfg.RDNBaseURL, loc),
		Forecast:   forecastSource(cfg.ForecastURL),
		Store:      store,
		Thresholds: pricing.NewThresholdEngine(policy.Thresholds),
		Charging:   chargeEngine,
		Selling:    sellEngine,
		Forecaster: fc.New(policy.Charging.FallbackLoadW),
		Metrics:    coordinator.NewMetrics(registry),
		Logger:     l,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPListenAddr,
		Handler:           handler.New(coord, registry).NewRouter(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		l.Info("http api listening", "addr", cfg.HTTPListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.Error("http server failed", "err", err)
		}
	}()

	// SIGHUP reloads the policy file; SIGUSR1 forces the inverter back to
	// automatic mode on the next tick.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGUSR1)
	go func() {
		for sig := range sigCh {
			switch sig {
			case syscall.SIGHUP:
				if err := coord.Reload(); err != nil {
					l.Error("reload failed", "err", err)
				}
			case syscall.SIGUSR1:
				if err := coord.ForceAction("auto"); err != nil {
					l.Error("force auto failed", "err", err)
				}
			}
		}
	}()

	l.Info("starting control loop",
		"loop_interval", cfg.LoopInterval().String(),
		"inverter", addr,
		"tz", cfg.TZ,
	)
	runErr := coord.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		l.Error("http shutdown failed", "err", err)
	}

	if runErr != nil {
		if errors.Is(runErr, coordinator.ErrFatalActionFailure) || errors.Is(runErr, coordinator.ErrInverterLost) {
			l.Error("exiting on fatal controller error", "err", runErr)
			return exitFatal
		}
		l.Error("control loop failed", "err", runErr)
		return exitStartup
	}
	l.Info("clean shutdown")
	return exitOK
}

// forecastSource returns nil when no forecast endpoint is configured; the
// engines treat a nil source as forecast-unavailable.
func forecastSource(url string) coordinator.ForecastSource {
	c := forecastclient.New(url)
	if c == nil {
		return nil
	}
	return c
}
