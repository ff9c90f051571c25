package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/local/parsemd/internal/api"
	"github.com/local/parsemd/internal/app"
	cfgpkg "github.com/local/parsemd/internal/config"
	logpkg "github.com/local/parsemd/internal/logger"
	"github.com/local/parsemd/internal/metrics"
)

func main() {
	// .env is optional
	_ = godotenv.Load()

	cfg, err := cfgpkg.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	if err := app.InitLogging(cfg, "parsemd"); err != nil {
		log.Fatal().Err(err).Msg("failed to init logger")
	}
	defer logpkg.Close()

	metrics.Init()

	ctx := context.Background()
	a, err := app.Build(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to wire application")
	}

	h := api.New(api.Config{
		MaxUploadBytes: cfg.HTTP.MaxUploadBytes,
		CORSOrigins:    cfg.HTTP.CORSOrigins,
		MaxWait:        cfg.HTTP.MaxWait,
		PollInterval:   cfg.Tasks.PollInterval,
		FetchHosts:     cfg.HTTP.FetchHosts,
	}, a.Service, a.Status)
	if len(cfg.HTTP.FetchHosts) == 0 {
		log.Warn().Msg("file_url downloads are not restricted; set FETCH_HOSTS to limit them")
	}

	srv := &http.Server{Addr: ":" + cfg.HTTP.Port, Handler: h.Router()}

	go func() {
		log.Info().Msgf("HTTP server listening on :%s", cfg.HTTP.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server error")
		}
	}()

	// Graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	if err := a.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("task shutdown")
	}
	log.Info().Msg("shutdown complete")
}
