// shkvoice is the SHK wholesaler voice assistant daemon: it registers a
// SIP endpoint with the telephony provider, answers inbound calls with an
// AI realtime session, and exposes a local control plane.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shkvoice/shkvoice/internal/api"
	"github.com/shkvoice/shkvoice/internal/call"
	"github.com/shkvoice/shkvoice/internal/catalog"
	"github.com/shkvoice/shkvoice/internal/config"
	"github.com/shkvoice/shkvoice/internal/expert"
	"github.com/shkvoice/shkvoice/internal/metrics"
	"github.com/shkvoice/shkvoice/internal/order"
	"github.com/shkvoice/shkvoice/internal/sip"
	"github.com/shkvoice/shkvoice/internal/store"
	"github.com/shkvoice/shkvoice/internal/tools"
)

func main() {
	start := time.Now()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		if errors.Is(err, config.ErrMissingEnv) {
			os.Exit(1)
		}
		os.Exit(2)
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	logger.Info("starting shkvoice",
		"sip_server", cfg.SIPServer,
		"api_addr", fmt.Sprintf("%s:%d", cfg.APIHost, cfg.APIPort),
		"data_dir", cfg.DataDir,
	)

	db, err := store.Open(cfg.DataDir, logger)
	if err != nil {
		logger.Error("opening database", "error", err)
		os.Exit(2)
	}
	defer db.Close()

	settings := config.OpenSettings(filepath.Join(cfg.DataDir, "settings.json"), logger)

	cat, err := catalog.Open(cfg.CatalogDir, logger)
	if err != nil {
		logger.Error("opening catalogs", "error", err)
		os.Exit(2)
	}

	kb := expert.OpenKnowledge(cfg.CatalogDir, logger)
	docs := expert.OpenDocuments(cfg.CatalogDir, logger)
	expertClient := expert.New(cfg.OpenAIKey, cat, kb, docs, settings, db, logger)

	orders := order.NewManager()
	dispatcher := tools.NewDispatcher(cat, orders, expertClient, logger)

	admission, err := sip.NewAdmission(cfg.AllowedCIDRs(), cfg.PublicIP, cfg.ProviderHostname, logger)
	if err != nil {
		logger.Error("building admission filter", "error", err)
		os.Exit(2)
	}

	pool, err := sip.NewPortPool(cfg.RTPPortMin, cfg.RTPPortMax, logger)
	if err != nil {
		logger.Error("building rtp port pool", "error", err)
		os.Exit(2)
	}

	sipClient, err := sip.NewClient(cfg, pool, logger)
	if err != nil {
		logger.Error("building sip client", "error", err)
		os.Exit(2)
	}

	hub := api.NewHub(logger)
	orchestrator := call.New(cfg, settings, sipClient, admission, dispatcher, orders, db, hub, logger)

	collector := metrics.NewCollector(orchestrator, sipClient, db, db, dispatcher, hub, start)
	registry := prometheus.NewRegistry()
	registry.MustRegister(collector)

	handler := api.NewServer(api.Deps{
		Hub:        hub,
		Controller: orchestrator,
		Registrar:  sipClient,
		Admission:  admission,
		Settings:   settings,
		Expert:     expertClient,
		Stats:      db,
		Orders:     orders,
		Metrics:    promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	}, logger)

	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	if err := sipClient.Start(appCtx); err != nil {
		logger.Error("starting sip client", "error", err)
		os.Exit(2)
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.APIHost, cfg.APIPort),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("control plane listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		logger.Error("control plane error", "error", err)
	}

	logger.Info("shutting down")
	orchestrator.Shutdown()
	sipClient.Stop()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 2*time.Second)
	hub.Shutdown(drainCtx)
	drainCancel()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("control plane shutdown", "error", err)
	}

	logger.Info("shkvoice stopped")
}
