package talqui

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/exp/slog"

	"TalquiChat/internal/config"
)

type App struct {
	log    *slog.Logger
	server *http.Server
	config *config.Config
}

func New(
	log *slog.Logger,
	cfg *config.Config,
	handler http.Handler,
) *App {
	server := &http.Server{
		Addr:         cfg.HTTPServer.Address,
		Handler:      handler,
		ReadTimeout:  cfg.HTTPServer.ReadTimeout,
		WriteTimeout: cfg.HTTPServer.WriteTimeout,
		IdleTimeout:  cfg.HTTPServer.IdleTimeout,
	}

	return &App{
		log:    log,
		server: server,
		config: cfg,
	}
}

// MustRun запускает сервер или паникует при ошибке
func (a *App) MustRun() {
	if err := a.Run(); err != nil {
		panic(err)
	}
}

// Run блокирует до остановки сервера
func (a *App) Run() error {
	const op = "talquiapp.Run"

	a.log.Info("starting HTTP server",
		slog.String("addr", a.server.Addr),
		slog.String("env", a.config.ENV),
	)

	if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// Stop gracefully останавливает сервер, ожидая открытые стримы до shutdown_timeout
func (a *App) Stop() error {
	const op = "talquiapp.Stop"

	a.log.Info("stopping HTTP server")

	ctx, cancel := context.WithTimeout(context.Background(), a.config.HTTPServer.ShutdownTimeout)
	defer cancel()

	if err := a.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	a.log.Info("HTTP server stopped")
	return nil
}
