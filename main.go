package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/nicolas-f/sonomkr-core/cmd"
	"github.com/nicolas-f/sonomkr-core/internal/audio"
	"github.com/nicolas-f/sonomkr-core/internal/config"
	applog "github.com/nicolas-f/sonomkr-core/internal/log"
	"github.com/nicolas-f/sonomkr-core/pkg/build"
)

// errCaptureStopped ends the run when the capture exits without an error.
var errCaptureStopped = errors.New("capture stopped")

// main is the entry point of the capture service.
//
// 1. Startup: build information, command line and configuration, logger.
// 2. Running: the engine captures into the channel rings while the consumers
// publish, record and analyze. The optional metrics endpoint is served.
// 3. Shutdown: on SIGINT/SIGTERM or a fatal device error the engine is torn
// down in order and the logger flushed.
func main() {
	if err := build.Initialize(); err != nil {
		applog.Debugf("Build: development build (%v)", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := cmd.Execute(ctx, os.Args[1:], run)
	stop()

	if err != nil {
		applog.Errorf("%v", err)
		_ = applog.Sync()
		os.Exit(1)
	}
	_ = applog.Sync()
}

func run(ctx context.Context, cfg *config.Config) (err error) {
	if err := applog.Configure(applog.Options{
		Level:      cfg.LogLevel(),
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	}); err != nil {
		return err
	}
	applog.Infof("%s", build.GetBuildFlags())

	engine, err := audio.NewEngine(cfg)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, engine.Close())
	}()
	if err := engine.Start(); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: cfg.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		g.Go(func() error {
			applog.Infof("Metrics: serving on %s/metrics", cfg.Metrics.Listen)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		select {
		case <-ctx.Done():
			applog.Infof("Engine: shutting down")
			return nil
		case <-engine.Done():
			if err := engine.Err(); err != nil {
				return err
			}
			return errCaptureStopped
		}
	})

	return g.Wait()
}
