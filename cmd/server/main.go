package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"golang.org/x/sync/errgroup"

	"hls-bridge/internal/control"
	"hls-bridge/internal/delivery"
	"hls-bridge/internal/platform/config"
	"hls-bridge/internal/platform/logger"
	"hls-bridge/internal/platform/metrics"
	"hls-bridge/internal/platform/netinfo"
	"hls-bridge/internal/segstore"
	"hls-bridge/internal/session"
	"hls-bridge/internal/transcode"
)

func main() {
	_ = config.Load()
	cfg := config.FromEnv()

	log := logger.New(cfg.LogLevel, cfg.LogFormat)

	if err := run(cfg, log); err != nil {
		log.Error("bridge stopped with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
	log.Info("bridge stopped")
}

func run(cfg config.Config, log *slog.Logger) error {
	store := segstore.New(cfg.HLSDir)
	if err := store.Reset(); err != nil {
		return fmt.Errorf("prepare segment store (ensure %s is a writable directory): %w", cfg.HLSDir, err)
	}
	log.Info("segment store ready", slog.String("dir", store.Path()))

	met := metrics.New()
	sup := transcode.NewSupervisor(transcode.Options{
		BinaryPath:     cfg.FFmpegPath,
		SegmentSeconds: cfg.SegmentSeconds,
		PlaylistSize:   cfg.PlaylistSize,
	}, log)
	ctrl := session.NewController(session.NewTranscodeSupervisor(sup), store, log, met)

	controlAddr := net.JoinHostPort(cfg.BindHost, strconv.Itoa(cfg.ControlPort))
	listener, err := control.Listen(controlAddr, ctrl, control.Options{
		Grammar:   control.Grammar{Prefixes: cfg.AddressPrefixes},
		StrictAck: cfg.StrictAck,
	}, log, met)
	if err != nil {
		return err
	}

	h := delivery.NewHandler(ctrl, store, cfg.PublicDir, log, met)
	httpAddr := net.JoinHostPort(cfg.BindHost, strconv.Itoa(cfg.HTTPPort))
	srv := &http.Server{Addr: httpAddr, Handler: delivery.NewRouter(h, log)}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return listener.Serve(gctx)
	})
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return store.Watch(gctx, log, func(name string) {
			met.IncSegments()
			ctrl.SegmentWritten(name)
		})
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown signal received, draining connections")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := ctrl.Shutdown(shutdownCtx); err != nil {
			log.Warn("transcoder did not exit in time", slog.String("error", err.Error()))
		}
		return srv.Shutdown(shutdownCtx)
	})

	host := netinfo.LocalIPv4()
	log.Info("bridge starting",
		slog.String("control_addr", controlAddr),
		slog.String("http_addr", httpAddr),
		slog.String("viewer_url", fmt.Sprintf("http://%s:%d/stream", host, cfg.HTTPPort)),
		slog.String("device_target", fmt.Sprintf("%s:%d", host, cfg.ControlPort)),
		slog.String("ffmpeg", cfg.FFmpegPath),
	)

	return g.Wait()
}
