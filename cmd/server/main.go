package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/thejerf/suture/v4"

	"github.com/Tyrowin/chatrelay/internal/logging"
	"github.com/Tyrowin/chatrelay/internal/server"
)

func main() {
	if err := run(); err != nil {
		logging.Error().Err(err).Msg("chat relay exited")
		os.Exit(1)
	}
}

func run() error {
	// A missing .env is fine; the environment may be set by other means.
	_ = godotenv.Load()

	cfg, err := server.LoadConfig("")
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logging.Init(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: os.Stderr,
	})
	logging.Info().
		Str("port", cfg.Port).
		Strs("allowed_origins", cfg.AllowedOrigins).
		Int("history_limit", cfg.HistoryLimit).
		Msg("starting chat relay")

	hub := server.NewHub(cfg.HistoryLimit)
	handlers := server.NewHandlers(hub, *cfg)
	httpServer := server.CreateServer(cfg.Port, server.SetupRoutes(handlers, *cfg))
	httpService := server.NewHTTPService(httpServer, cfg.ShutdownTimeout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sup := server.NewSupervisor(hub, httpService, *cfg)
	serveErr := sup.Serve(ctx)

	if err := hub.Wait(cfg.ShutdownTimeout); err != nil {
		logging.Warn().Err(err).Msg("client goroutines did not exit in time")
	}

	if err := httpService.Err(); err != nil {
		return fmt.Errorf("http server: %w", err)
	}
	if serveErr != nil &&
		!errors.Is(serveErr, context.Canceled) &&
		!errors.Is(serveErr, suture.ErrTerminateSupervisorTree) {
		return fmt.Errorf("supervisor: %w", serveErr)
	}

	logging.Info().Msg("chat relay stopped")
	return nil
}
