package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/juju/clock"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/edvin/vaultsync/internal/api"
	"github.com/edvin/vaultsync/internal/cloud"
	"github.com/edvin/vaultsync/internal/config"
	"github.com/edvin/vaultsync/internal/engine"
	"github.com/edvin/vaultsync/internal/home"
	"github.com/edvin/vaultsync/internal/logging"
	"github.com/edvin/vaultsync/internal/metrics"
	"github.com/edvin/vaultsync/internal/remote"
	"github.com/edvin/vaultsync/internal/resolver"
	"github.com/edvin/vaultsync/internal/source"
	"github.com/edvin/vaultsync/internal/space"
	"github.com/edvin/vaultsync/internal/state"
	"github.com/edvin/vaultsync/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg)

	settings, err := config.NewStore(logger, cfg.SettingsPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load settings")
	}
	markers, err := state.Open(logger, cfg.StatePath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open state store")
	}
	estimator := space.NewEstimator(logger, cfg.DataPath, settings.Current().SpaceHeadroomBytes)
	clk := clock.WallClock

	// The home source pokes the sync worker when a background creation
	// resolves; the worker doesn't exist yet, so go through a late binding.
	var wakeSync func()
	notify := func() {
		if wakeSync != nil {
			wakeSync()
		}
	}

	homeClient := remote.NewClient(logger, clk, remote.Options{
		BaseURL: cfg.HomeBaseURL,
		Tokens:  remote.StaticToken(cfg.HomeToken),
		Timeout: settings.Current().RequestTimeout.Std(),
	})
	homeSrc := home.New(logger, clk, home.NewRequests(logger, homeClient), settings, markers, estimator, notify)

	cloudSrc, err := newCloudSource(logger, clk, cfg, settings)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build cloud source")
	}

	coordinator := engine.New(logger, clk, engine.Options{
		Home:     homeSrc,
		Cloud:    cloudSrc,
		Settings: settings,
		Markers:  markers,
		SpoolDir: cfg.DataPath,
	})

	syncWorker := worker.New(logger, clk, "sync", coordinator.UntilNextSync, func(ctx context.Context) error {
		return coordinator.Sync(ctx)
	})
	wakeSync = syncWorker.Trigger
	watchdog := worker.New(logger, clk, "pending-watchdog", worker.Every(time.Minute), func(ctx context.Context) error {
		if homeSrc.StalePending() {
			logger.Info().Msg("stale pending backup detected, waking the sync loop")
			syncWorker.Trigger()
		}
		return nil
	})

	apiServer := api.NewServer(logger, coordinator, syncWorker.Trigger).HTTPServer(cfg.HTTPListenAddr)
	metricsServer := metrics.NewServer(cfg.MetricsListenAddr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// SIGHUP reloads the settings file and schedules a pass under the new
	// snapshot.
	reload := make(chan os.Signal, 1)
	signal.Notify(reload, syscall.SIGHUP)
	go func() {
		for range reload {
			if err := settings.Reload(); err != nil {
				logger.Error().Err(err).Msg("settings reload failed, keeping previous settings")
				continue
			}
			syncWorker.Trigger()
		}
	}()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return syncWorker.Run(ctx) })
	g.Go(func() error { return watchdog.Run(ctx) })
	g.Go(func() error {
		logger.Info().Str("addr", cfg.HTTPListenAddr).Msg("starting status API server")
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("status API server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.Info().Str("addr", cfg.MetricsListenAddr).Msg("starting metrics server")
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info().Msg("shutting down")
		coordinator.Cancel()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		apiServer.Shutdown(shutdownCtx)
		metricsServer.Shutdown(shutdownCtx)
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Fatal().Err(err).Msg("appliance failed")
	}
	logger.Info().Msg("stopped")
}

// newCloudSource picks the cloud adapter: the drive-style API by default, an
// S3 bucket when configured.
func newCloudSource(logger zerolog.Logger, clk clock.Clock, cfg *config.Config, settings *config.Store) (source.Adapter, error) {
	switch cfg.CloudProvider {
	case "s3":
		return cloud.NewS3Source(context.Background(), logger, settings, cloud.S3Options{
			Bucket:    cfg.S3Bucket,
			Prefix:    cfg.S3Prefix,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
		})
	case "drive":
		res := resolver.New(logger, clk, cfg.CloudHostname, cfg.AltDNSServers)
		client := remote.NewClient(logger, clk, remote.Options{
			BaseURL:  cfg.CloudBaseURL,
			Tokens:   remote.StaticToken(cfg.CloudToken),
			Resolver: res,
			Timeout:  settings.Current().RequestTimeout.Std(),
		})
		return cloud.NewDriveSource(logger, clk, client, settings), nil
	default:
		return nil, fmt.Errorf("unknown cloud provider %q", cfg.CloudProvider)
	}
}
