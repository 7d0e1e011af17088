// Package main provides a sound dose service that tracks the cumulative
// loudness exposure of audio played through its PCM ingest streams.
//
// Usage:
//
//	sounddose [-config path/to/config.json]
//
// If -config is not specified, the service looks for config.json in the same
// directory as the binary.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/oszuidwest/zwfm-sounddose/internal/archive"
	"github.com/oszuidwest/zwfm-sounddose/internal/config"
	"github.com/oszuidwest/zwfm-sounddose/internal/observe"
	"github.com/oszuidwest/zwfm-sounddose/internal/sounddose"
	"github.com/oszuidwest/zwfm-sounddose/internal/util"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (default: config.json next to binary)")
	showVersion := flag.Bool("version", false, "Print version information and exit")
	flag.Parse()

	if *showVersion {
		slog.Info("version info", "version", Version, "commit", Commit, "build_time", BuildTime)
		return
	}

	if *configPath == "" {
		execPath, err := os.Executable()
		if err != nil {
			slog.Error("failed to get executable path", "error", err)
			os.Exit(1)
		}
		*configPath = filepath.Join(filepath.Dir(execPath), "config.json")
	}

	slog.Info("using config file", "path", *configPath)

	cfg := config.New(*configPath)
	if err := cfg.Load(); err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	snap := cfg.Snapshot()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: snap.LogLevel})))

	if err := run(cfg, snap); err != nil {
		slog.Error("sound dose service failed", "error", err)
		os.Exit(1)
	}
	slog.Info("shutdown complete")
}

// run wires the service together and blocks until a shutdown signal arrives.
func run(cfg *config.Config, snap config.Snapshot) error {
	ctx, stop := signal.NotifyContext(context.Background(), util.ShutdownSignals()...)
	defer stop()

	provider, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: Version})
	if err != nil {
		return util.WrapError("init metrics", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			slog.Error("metrics shutdown error", "error", err)
		}
	}()

	metrics, err := observe.NewMetrics(provider.MeterProvider())
	if err != nil {
		return util.WrapError("create metrics", err)
	}

	manager := sounddose.NewManager(sounddose.Config{
		DefaultRs2:             snap.DefaultRs2,
		FullScaleDBA:           snap.FullScaleDBA,
		MelBatchSize:           snap.MelBatchSize,
		ComputeCsdOnAllDevices: snap.ComputeCsdOnAllDevices,
		Metrics:                metrics,
	})
	defer manager.Close()

	reg, err := metrics.ObserveDose(manager.GetCsd)
	if err != nil {
		return util.WrapError("observe dose", err)
	}
	defer func() {
		if err := reg.Unregister(); err != nil {
			slog.Debug("dose gauge unregister error", "error", err)
		}
	}()

	srv := NewServer(cfg, manager, provider.Handler())
	httpServer := srv.HTTPServer()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("starting web server", "addr", httpServer.Addr, "version", Version)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return util.WrapError("serve HTTP", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if snap.HasArchive() {
		uploader := archive.NewS3Uploader(archive.S3Config{
			Endpoint:        snap.ArchiveEndpoint,
			Region:          snap.ArchiveRegion,
			Bucket:          snap.ArchiveBucket,
			AccessKeyID:     snap.ArchiveAccessKeyID,
			SecretAccessKey: snap.ArchiveSecretAccessKey,
		})
		archiver := archive.New(manager, uploader,
			archive.WithPrefix(snap.ArchivePrefix),
			archive.WithInterval(snap.ArchiveInterval),
		)
		g.Go(func() error { return archiver.Run(gctx) })
	} else {
		slog.Info("dose archive not configured")
	}

	return g.Wait()
}
