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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
	"github.com/tendant/chi-demo/app"
	demomw "github.com/tendant/chi-demo/middleware"
	"github.com/tendant/simple-output/pkg/simpleoutput"
	"github.com/tendant/simple-output/pkg/simpleoutput/api"
	"github.com/tendant/simple-output/pkg/simpleoutput/config"
)

const (
	lockFileName    = "simple-output.lock"
	shutdownTimeout = 10 * time.Second
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server and the conversion workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, ctx.logger)
		},
	}
}

func serve(parent context.Context, cfg *config.ServerConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	lock := flock.New(filepath.Join(cfg.DataDir, lockFileName))
	ok, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("another simple-output server is already using %s", cfg.DataDir)
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			logger.Warn("Failed to release data dir lock", "err", err)
		}
	}()

	svc, cleanup, err := cfg.BuildService(ctx, logger)
	if err != nil {
		return fmt.Errorf("build service: %w", err)
	}
	defer cleanup()

	router, err := newRouter(cfg, svc, logger)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	workersDone := make(chan error, 1)
	go func() {
		workersDone <- svc.Run(ctx)
	}()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Simple Output server starting",
			"port", cfg.Port, "env", cfg.Environment, "data_dir", cfg.DataDir, "roots", svc.Roots())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutting down server")
	case err := <-serveErr:
		runErr = fmt.Errorf("server error: %w", err)
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", "err", err)
	}
	if err := <-workersDone; err != nil && !errors.Is(err, context.Canceled) && runErr == nil {
		runErr = err
	}

	logger.Info("Server exiting")
	return runErr
}

func newRouter(cfg *config.ServerConfig, svc simpleoutput.Service, logger *slog.Logger) (*chi.Mux, error) {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(api.LoggingMiddleware(logger))
	r.Use(api.RecoveryMiddleware(logger))
	r.Use(api.CORSMiddleware(cfg.AllowedOrigins, nil, nil))

	app.RoutesHealthz(r)
	app.RoutesHealthzReady(r)

	var auth func(http.Handler) http.Handler
	if cfg.APIKeySHA256 != "" {
		apiKeyMiddleware, err := demomw.ApiKeyMiddleware(demomw.ApiKeyConfig{
			APIKeys: map[string]string{
				"key1": cfg.APIKeySHA256,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("initialize API key middleware: %w", err)
		}
		auth = apiKeyMiddleware
	}

	handler := api.NewHandler(svc,
		api.WithLogger(logger),
		api.WithMaxUploadBytes(cfg.MaxUploadBytes),
	)
	r.Group(func(r chi.Router) {
		if auth != nil {
			r.Use(auth)
		}
		r.Mount("/", handler.Routes())
	})
	return r, nil
}
