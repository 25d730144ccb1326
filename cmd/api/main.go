// Package main implements the groundwork API server.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/WessleyAI/groundwork/engine/respond"
	"github.com/WessleyAI/groundwork/internal/app"
	"github.com/WessleyAI/groundwork/pkg/config"
	"github.com/WessleyAI/groundwork/pkg/metrics"
	"github.com/WessleyAI/groundwork/pkg/mid"
	"github.com/WessleyAI/groundwork/pkg/resilience"
)

func main() {
	configPath := flag.String("config", "", "config file (default $GROUNDWORK_CONFIG or groundwork.yaml)")
	flag.Parse()

	cfg, logger, err := app.Boot(*configPath)
	if err != nil {
		logger.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := metrics.New()

	p, err := app.NewPipeline(ctx, cfg, reg, logger)
	if err != nil {
		return err
	}
	defer p.Close()

	mode, err := respond.ParseMode(cfg.Server.ResponseMode)
	if err != nil {
		return err
	}

	s := &server{
		rag:      p.RAG,
		ingester: p.Ingester,
		images:   p.Images,
		embedder: p.Embedder,
		store:    p.Store,
		streamer: respond.NewStreamer(reg),
		mode:     mode,
		cfg:      cfg,
		reg:      reg,
		logger:   logger,
	}

	var mw []mid.Middleware
	mw = append(mw, mid.Recover(logger), mid.Tag(), mid.Logger(logger), mid.CORS(cfg.Server.CORSOrigin))
	if cfg.Server.RatePerSec > 0 {
		mw = append(mw, mid.RateLimit(resilience.NewKeyedLimiter(resilience.LimiterOpts{
			Rate:  cfg.Server.RatePerSec,
			Burst: cfg.Server.RateBurst,
		})))
	}
	mw = append(mw, mid.OTel("groundwork-api"))
	handler := mid.Chain(s.routes(), mw...)

	if cfg.Server.MetricsPort > 0 {
		reg.ServeAsync(ctx, cfg.Server.MetricsPort, logger)
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server starting", "port", cfg.Server.Port, "store", cfg.Store.Backend, "mode", mode)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}
