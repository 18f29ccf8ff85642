package main

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/tokligence/enhance-gateway/internal/config"
	"github.com/tokligence/enhance-gateway/internal/httpserver"
	"github.com/tokligence/enhance-gateway/internal/logging"
	"github.com/tokligence/enhance-gateway/internal/version"
)

func main() {
	cfg, err := config.Load(".")
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	var out io.Writer = os.Stdout
	if target := strings.TrimSpace(cfg.LogFile); target != "" {
		rot, err := logging.NewRotatingWriter(target, logging.DefaultMaxBytes)
		if err != nil {
			log.Fatalf("init rotating log: %v", err)
		}
		// Mirror to stdout as well for foreground runs
		out = io.MultiWriter(os.Stdout, rot)
		defer rot.Close()
	}
	logger := logging.New(out, "[enhanced] ", level)
	log.SetOutput(logging.LevelWriter{Out: out, Min: level})
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.SetPrefix("[enhanced] ")

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	app, err := wire(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("[ERROR] startup failed: %v", err)
	}

	httpSrv, err := httpserver.New(httpserver.Config{
		Service:      app.service,
		Auth:         app.auth,
		AuthDisabled: cfg.AuthDisabled,
		Limiter:      app.limiter,
		Health:       app.health,
		Metrics:      app.metrics,
		Logger:       logger,
		LogLevel:     cfg.LogLevel,
	})
	if err != nil {
		logger.Fatalf("[ERROR] http server: %v", err)
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddress,
		Handler:           httpSrv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// streams stay open for the whole generation
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Printf("[INFO] enhanced %s listening on %s (env=%s, store=%s, auth disabled=%t)",
			version.Info(), cfg.HTTPAddress, cfg.Environment, cfg.StoreBackend, cfg.AuthDisabled)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("[ERROR] http server error: %v", err)
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)
	<-sigs
	logger.Printf("[INFO] shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Printf("[WARN] graceful shutdown failed: %v", err)
	}
	stop()
	if err := app.Close(); err != nil {
		logger.Printf("[WARN] close: %v", err)
	}
}
