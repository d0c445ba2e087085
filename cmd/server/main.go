package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/nadmax/activity-etl/internal/api"
	"github.com/nadmax/activity-etl/internal/app"
	"github.com/nadmax/activity-etl/internal/config"
	"github.com/nadmax/activity-etl/internal/middleware"
	"github.com/nadmax/activity-etl/internal/trigger"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("failed to start pipeline: %v", err)
	}
	defer a.Close()

	scheduler := trigger.NewScheduler(a.Runner, cfg.Schedule, logger)
	if err := scheduler.Start(); err != nil {
		log.Fatal(err)
	}

	apiHandler := api.NewAPI(a.Runner, a.Runs, a.Staging)
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      middleware.MetricsMiddleware(apiHandler),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		log.Printf("Shutting down server")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("failed to shut down server: %v", err)
		}
	}()

	log.Printf("Server starting on :%s", cfg.Port)
	log.Printf("Sink %s, schedule %s", cfg.Sink.Kind, cfg.Schedule)

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Printf("server error: %v", err)
	}

	scheduler.Stop()
	apiHandler.Wait()
}
