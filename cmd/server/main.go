package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/DoyleJ11/kart-lobby/internal/catalog"
	"github.com/DoyleJ11/kart-lobby/internal/config"
	"github.com/DoyleJ11/kart-lobby/internal/engine"
	"github.com/DoyleJ11/kart-lobby/internal/httpapi"
	"github.com/DoyleJ11/kart-lobby/internal/hub"
	"github.com/DoyleJ11/kart-lobby/internal/lobby"
	"github.com/DoyleJ11/kart-lobby/internal/logging"
	"github.com/DoyleJ11/kart-lobby/internal/metrics"
	"github.com/DoyleJ11/kart-lobby/internal/progress"
	"github.com/DoyleJ11/kart-lobby/internal/storage"
	"github.com/DoyleJ11/kart-lobby/internal/ws"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	configDir := flag.String("config", ".", "directory holding kartlobby.json and .env")
	flag.Parse()

	if err := config.Load(*configDir); err != nil {
		log.Fatal(err)
	}
	settings := config.Server()

	logger, err := logging.New(settings.LogLevel, settings.LogDevelopment)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	cfg, err := config.Session()
	if err != nil {
		logger.Fatal("invalid session configuration", zap.Error(err))
	}

	cat := catalog.Default()
	if settings.CatalogPath != "" {
		if cat, err = catalog.Load(settings.CatalogPath); err != nil {
			logger.Fatal("loading catalog", zap.Error(err))
		}
	}

	store, err := storage.Open(settings.DB)
	if err != nil {
		logger.Fatal("opening result store", zap.Error(err))
	}
	defer store.Close()
	recorder := storage.NewRecorder(store, logger)
	defer recorder.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	h := hub.NewHub(ctx)

	met, err := metrics.New(func() (progress.Snapshot, bool) {
		lb, ok := h.Lookup(engine.RoleAuthority)
		if !ok {
			return progress.Snapshot{}, false
		}
		return lb.Progress(), true
	})
	if err != nil {
		logger.Fatal("creating metrics", zap.Error(err))
	}

	newSession := func() (*engine.Machine, lobby.Options) {
		m := engine.NewAuthority(cfg, engine.Deps{Catalog: cat, Metrics: met, Log: logger})
		return m, lobby.Options{TickInterval: cfg.TickInterval(), Results: recorder, Log: logger}
	}
	lb := h.Create(newSession())
	logger.Info("session created",
		zap.String("session", lb.ID()),
		zap.Stringer("mode", cfg.Mode),
		zap.Int("maxPlayers", cfg.MaxPlayers),
		zap.Int("tickRate", cfg.TickRate),
	)

	// Build the router *with* the hub injected
	handler := httpapi.SetupRoutes(httpapi.Deps{
		Hub:        h,
		Results:    store,
		NewSession: newSession,
		WS: ws.Options{
			MessageRate:  settings.MessageRate,
			MessageBurst: settings.MessageBurst,
			IdleTimeout:  settings.IdleTimeout,
			Log:          logger,
		},
		Log: logger,
	})
	srv := &http.Server{Addr: settings.Addr, Handler: handler}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", zap.String("addr", settings.Addr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		if lb, ok := h.Lookup(engine.RoleAuthority); ok {
			h.End()
			<-lb.Done()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server stopped", zap.Error(err))
	}
}
