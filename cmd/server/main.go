package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"toeic-pipeline/internal/bootstrap"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "1" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	_ = godotenv.Load()

	addr := os.Getenv("PIPELINE_ADDR")
	if addr == "" {
		addr = ":8000"
	}
	dataDir := os.Getenv("PIPELINE_DATA_DIR")
	if dataDir == "" {
		dataDir = "."
	}

	app, err := bootstrap.New(log.Logger, bootstrap.Options{DataDir: dataDir})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start pipeline orchestrator")
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		log.Info().Msg("shutdown signal received")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := app.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("shutdown did not complete cleanly")
		}
	}()

	if err := app.Run(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server exited")
	}
}
