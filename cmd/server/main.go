package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"codedojo/collab/internal/api"
	"codedojo/collab/internal/assistant"
	"codedojo/collab/internal/config"
	"codedojo/collab/internal/exec"
	"codedojo/collab/internal/jobs"
	"codedojo/collab/internal/metrics"
	"codedojo/collab/internal/routers"
	"codedojo/collab/internal/session"
	"codedojo/collab/internal/store"
	"codedojo/collab/internal/store/driver"
	"codedojo/collab/internal/utils"
)

var (
	listenAndServe = func(srv *http.Server) error { return srv.ListenAndServe() }
	exitFunc       = defaultExit
	exit           = os.Exit
)

const shutdownTimeout = 30 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		exitFunc(err)
	}
}

func defaultExit(err error) {
	log.Printf("collab-svc: %v", err)
	exit(1)
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := utils.NewLogger(cfg.Development())
	defer logger.Sync()

	sessions, closer, err := driver.Open(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	defer closer.Close()

	m := metrics.New()
	hub := session.NewHub(logger)
	m.TrackHub(hub)

	opts := []session.Option{
		session.WithObserver(m),
		session.WithWriteTimeout(cfg.WSWriteTimeout),
	}
	if cfg.JoinTokenSecret != "" {
		opts = append(opts, session.WithJoinTokens(utils.NewJoinTokens(cfg.JoinTokenSecret)))
		logger.Info("join tokens required")
	}
	collab := session.NewService(sessions, session.NewRegistry(), hub, logger, opts...)

	runner := exec.NewRunner(cfg.PistonURL, logger)
	probeCtx, cancelProbe := context.WithCancel(ctx)
	defer cancelProbe()
	go runner.Probe(probeCtx)

	gen, err := assistant.New(assistant.Config{
		BaseURL: cfg.AssistantBaseURL,
		APIKey:  cfg.AssistantAPIKey,
		Model:   cfg.AssistantModel,
	}, logger)
	if err != nil {
		return err
	}

	if purger, ok := sessions.(store.Purger); ok {
		job := jobs.NewPurgeJob(purger, jobs.PurgeConfig{
			Schedule:  cfg.PurgeSchedule,
			Retention: cfg.SessionRetention,
		}, logger)
		if err := job.Start(); err != nil {
			return err
		}
		defer job.Stop()
	}

	srv := &http.Server{
		Addr: cfg.Addr(),
		Handler: routers.New(routers.Deps{
			Handlers:    api.NewHandlers(logger, sessions, collab, runner, gen, api.WithReadLimit(cfg.WSReadLimit)),
			Metrics:     m,
			CORSOrigins: cfg.CORSOrigins,
		}),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("collab-svc listening", "addr", srv.Addr, "store", cfg.StoreDriver)
		errCh <- listenAndServe(srv)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("collab-svc shutting down")
	collab.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
