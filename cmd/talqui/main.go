package main

import (
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/exp/slog"

	"TalquiChat/internal/app/talqui"
	"TalquiChat/internal/config"
	"TalquiChat/internal/lib/logger/handlers/slogpretty"
	"TalquiChat/internal/lib/logger/sl"
	httpAPI "TalquiChat/internal/server/http"
	"TalquiChat/internal/services/completion"
	"TalquiChat/internal/services/neural"
	"TalquiChat/internal/storage/postgresql"
)

const (
	envLocal = "local"
	envDev   = "dev"
	envProd  = "prod"
)

func main() {
	cfg := config.MustLoad()

	log := setupLogger(cfg.ENV)
	log.Info("starting talqui chat service", slog.String("env", cfg.ENV))

	storage, err := postgresql.New(cfg.Storage.DatabaseURL, cfg.Storage.MaxOpenConns, log)
	if err != nil {
		log.Error("failed to init storage", sl.Err(err))
		os.Exit(1)
	}

	// подключение к беку нейронки, переподключается сам
	neuralClient := neural.NewClient(log, cfg.Neural.URL, cfg.Neural.Timeout, cfg.Neural.StreamBuffer)

	completions := completion.New(log, storage, neuralClient, cfg.Neural.ModelName, cfg.Completion.MaxHistory)

	api := httpAPI.NewAPI(log, storage, storage, completions, storage)
	app := talqui.New(log, cfg, httpAPI.WithLogging(log, api.Routes()))

	go app.MustRun()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)

	sign := <-stop
	log.Info("stopping application", slog.String("signal", sign.String()))

	if err := app.Stop(); err != nil {
		log.Error("failed to stop server", sl.Err(err))
	}
	neuralClient.Close()
	if err := storage.Close(); err != nil {
		log.Error("failed to close storage", sl.Err(err))
	}

	log.Info("application stopped")
}

func setupLogger(env string) *slog.Logger {
	var log *slog.Logger

	switch env {
	case envLocal:
		log = setupPrettySlog()
	case envDev:
		log = slog.New(
			slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}),
		)
	case envProd:
		log = slog.New(
			slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}),
		)
	default: // If env config is invalid, set prod settings by default due to security
		log = slog.New(
			slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}),
		)
	}

	return log
}

func setupPrettySlog() *slog.Logger {
	opts := slogpretty.PrettyHandlerOptions{
		SlogOpts: &slog.HandlerOptions{
			Level: slog.LevelDebug,
		},
	}

	handler := opts.NewPrettyHandler(os.Stdout)

	return slog.New(handler)
}
