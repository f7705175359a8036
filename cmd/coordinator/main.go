package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/signalsfoundry/cbf-coordinator/internal/config"
	"github.com/signalsfoundry/cbf-coordinator/internal/inventory"
	"github.com/signalsfoundry/cbf-coordinator/internal/logging"
	"github.com/signalsfoundry/cbf-coordinator/internal/observability"
	"github.com/signalsfoundry/cbf-coordinator/internal/rpc"
	"github.com/signalsfoundry/cbf-coordinator/internal/scancfg"
	"github.com/signalsfoundry/cbf-coordinator/internal/server"
	"github.com/signalsfoundry/cbf-coordinator/internal/subarray"
)

func main() {
	configPath := flag.String("config", "configs/coordinator.yaml", "Path to the coordinator YAML configuration")
	flag.Parse()

	ctx := context.Background()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfigFromEnv(), log)
	if err != nil {
		log.Error(ctx, "failed to initialise tracing", logging.Err(err))
		os.Exit(1)
	}
	defer observability.ShutdownWithTimeout(ctx, shutdownTracing, log)

	collector, err := observability.NewCollector(nil)
	if err != nil {
		log.Error(ctx, "failed to initialise metrics collector", logging.Err(err))
		os.Exit(1)
	}

	inv := inventory.New(log)
	for _, r := range cfg.VCCs {
		inv.RegisterVCC(r.ID, rpc.NewHTTPClient(r.Endpoint, nil, log))
	}
	for _, r := range cfg.FSPs {
		inv.RegisterFSP(r.ID, rpc.NewHTTPClient(r.Endpoint, nil, log))
	}
	for _, m := range cfg.Monitors {
		inv.RegisterMonitor(m.VCCID, rpc.NewHTTPClient(m.Endpoint, nil, log))
	}
	preloadSysParam(ctx, log, inv, cfg.SysParamSource)

	var delaySource rpc.Client
	if cfg.DelaySource != "" {
		delaySource = rpc.NewHTTPClient(cfg.DelaySource, nil, log)
	}

	results := server.NewResultStore(1024)
	validator := scancfg.NewValidator(scancfg.Default(), log)
	sub := subarray.New(subarray.Config{
		ID:             cfg.SubarrayID,
		CommandTimeout: cfg.CommandTimeout,
		QueueDepth:     cfg.QueueDepth,
		FanoutWorkers:  cfg.FanoutWorkers,
		DelayWorkers:   cfg.DelayWorkers,
	}, inv, validator, delaySource, collector, results.Put, log)
	defer sub.Close()

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	server.New(sub, inv, results, collector.Handler(), log).Register(e)

	go func() {
		log.Info(ctx, "coordinator listening", logging.String("addr", cfg.ListenAddr))
		if err := e.Start(cfg.ListenAddr); err != nil && err != http.ErrServerClosed {
			log.Error(ctx, "http server exited", logging.Err(err))
		}
	}()

	stopCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	<-stopCtx.Done()

	log.Info(ctx, "shutting down coordinator")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = e.Shutdown(shutdownCtx)
}

// preloadSysParam fetches the dish-to-channelizer mapping at startup when a
// source URL is configured. Failure is not fatal; the mapping can be loaded
// later over the API.
func preloadSysParam(ctx context.Context, log logging.Logger, inv *inventory.Inventory, source string) {
	if source == "" {
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, source, nil)
	if err != nil {
		log.Warn(ctx, "skipping sys-param preload", logging.String("source", source), logging.Err(err))
		return
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Warn(ctx, "skipping sys-param preload", logging.String("source", source), logging.Err(err))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.Warn(ctx, "skipping sys-param preload",
			logging.String("source", source),
			logging.Int("status", resp.StatusCode))
		return
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Warn(ctx, "skipping sys-param preload", logging.String("source", source), logging.Err(err))
		return
	}

	sp, err := inventory.ParseSysParam(raw)
	if err != nil {
		log.Warn(ctx, "sys-param preload rejected", logging.String("source", source), logging.Err(err))
		return
	}
	if err := inv.LoadSysParam(sp); err != nil {
		log.Warn(ctx, "sys-param preload rejected", logging.Err(err))
		return
	}
	log.Info(ctx, "sys-param preloaded", logging.String("source", source))
}
