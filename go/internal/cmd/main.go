package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/buzzroom/go/internal/config"
	"github.com/mcdev12/buzzroom/go/internal/gateway"
	"github.com/mcdev12/buzzroom/go/internal/room"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	zerolog.SetGlobalLevel(cfg.LogLevel)

	modes, err := cfg.GameModes()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load game modes")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backends, err := setupBackends(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up backends")
	}
	defer backends.Close()

	clock := clockwork.NewRealClock()
	repo := room.NewRepository(backends.Store, clock, room.WithInactivityTimeout(cfg.RoomInactivity))
	gw := gateway.New(repo, clock, backends.Publisher, modes, gateway.DefaultConfig())

	if cfg.EventsAudit && cfg.Publisher == config.PublisherNATS {
		go runAudit(ctx, backends.NATS)
	}

	server := setupServer(cfg.Port, gw)

	log.Info().
		Str("store", string(cfg.StoreBackend)).
		Str("publisher", string(cfg.Publisher)).
		Int("game_modes", len(modes)).
		Str("addr", server.Addr).
		Msg("starting buzzroom")

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Hijacked websocket connections are not tracked by the server.
	gw.Shutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	log.Info().Msg("buzzroom shutdown complete")
}
