package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jmylchreest/rtmpush/internal/catalog"
	"github.com/jmylchreest/rtmpush/internal/config"
	"github.com/jmylchreest/rtmpush/internal/ffmpeg"
	internalhttp "github.com/jmylchreest/rtmpush/internal/http"
	"github.com/jmylchreest/rtmpush/internal/http/handlers"
	"github.com/jmylchreest/rtmpush/internal/httpclient"
	"github.com/jmylchreest/rtmpush/internal/janitor"
	"github.com/jmylchreest/rtmpush/internal/models"
	"github.com/jmylchreest/rtmpush/internal/playlist"
	"github.com/jmylchreest/rtmpush/internal/relay"
	"github.com/jmylchreest/rtmpush/internal/remote"
	"github.com/jmylchreest/rtmpush/internal/standby"
	"github.com/jmylchreest/rtmpush/internal/storage"
	"github.com/jmylchreest/rtmpush/internal/store"
	"github.com/jmylchreest/rtmpush/internal/version"
)

// catalogDebounce coalesces bursts of filesystem events into one rescan.
const catalogDebounce = 2 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the relay server",
	Long: `Start the relay and its HTTP API.

The server provides:
- Session control under /api/v1/sessions
- The local media catalog and remote downloads under /api/v1/media and /api/v1/remote
- Health probes at /livez and /readyz
- OpenAPI documentation at /docs`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "0.0.0.0", "Host to bind to")
	serveCmd.Flags().Int("port", 8090, "Port to listen on")
	serveCmd.Flags().String("cache-dir", "./cache", "Directory for session records, playlists, logs and standby images")
	serveCmd.Flags().String("media-dir", "./media", "Directory of local media files")
	serveCmd.Flags().String("store", "file", "Session store driver (file, sqlite, postgres, mysql)")
	serveCmd.Flags().String("remote-url", "", "Base URL of the remote file share")

	mustBindPFlag("server.host", serveCmd.Flags().Lookup("host"))
	mustBindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	mustBindPFlag("storage.cache_dir", serveCmd.Flags().Lookup("cache-dir"))
	mustBindPFlag("storage.media_dir", serveCmd.Flags().Lookup("media-dir"))
	mustBindPFlag("store.driver", serveCmd.Flags().Lookup("store"))
	mustBindPFlag("remote.base_url", serveCmd.Flags().Lookup("remote-url"))
}

// loadConfig decodes the global viper state populated by initConfig.
func loadConfig() (*config.Config, error) {
	cfg, err := config.FromViper(viper.GetViper())
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := slog.Default()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received shutdown signal", slog.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
		}
	}()

	sessions, err := store.Open(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("opening session store: %w", err)
	}
	defer sessions.Close()

	playlists, err := storage.NewSandbox(cfg.Storage.PlaylistsPath())
	if err != nil {
		return fmt.Errorf("initializing playlist directory: %w", err)
	}
	logs, err := storage.NewSandbox(cfg.Storage.LogsPath())
	if err != nil {
		return fmt.Errorf("initializing log directory: %w", err)
	}
	loopDir, err := storage.NewSandbox(cfg.Storage.LoopsPath())
	if err != nil {
		return fmt.Errorf("initializing loop clip directory: %w", err)
	}
	library, err := standby.NewLibrary(cfg.Storage.StandbyPath(), cfg.Storage.MaxStandbyImageSize)
	if err != nil {
		return fmt.Errorf("initializing standby library: %w", err)
	}

	// A missing ffmpeg is not fatal here: sessions fail to start with a
	// clear error and the API stays up for diagnosis.
	detector := ffmpeg.NewBinaryDetector(cfg.FFmpeg.BinaryPath, cfg.FFmpeg.ProbePath)
	ffmpegPath, ffprobePath := "ffmpeg", ""
	if info, err := detector.Detect(ctx); err != nil {
		logger.Warn("ffmpeg not available, sessions cannot start until it is installed",
			slog.Any("error", err))
		detector.Clear()
	} else {
		ffmpegPath, ffprobePath = info.FFmpegPath, info.FFprobePath
		logger.Info("detected ffmpeg",
			slog.String("path", info.FFmpegPath),
			slog.String("version", info.Version),
			slog.String("ffprobe", info.FFprobePath))
	}
	if ffprobePath == "" {
		logger.Warn("ffprobe not available, playlist top-ups fall back to fixed pacing")
	}

	media, err := catalog.New(cfg.Storage.MediaDir, cfg.Storage.CatalogPath(), logger)
	if err != nil {
		return fmt.Errorf("initializing media catalog: %w", err)
	}
	if err := media.Scan(ctx); err != nil {
		return fmt.Errorf("scanning media: %w", err)
	}
	go func() {
		if err := media.Watch(ctx, catalogDebounce); err != nil {
			logger.Warn("media watcher stopped, use rescan to pick up changes", slog.Any("error", err))
		}
	}()

	client := httpclient.New(httpclient.Config{
		Timeout:   cfg.Remote.Timeout,
		UserAgent: version.UserAgent(),
		Logger:    logger,
	})
	fetcher, err := remote.NewFetcher(cfg.Remote.BaseURL, cfg.Storage.RemotePath(), client, logger)
	if err != nil {
		return fmt.Errorf("initializing remote fetcher: %w", err)
	}
	defer fetcher.Close()

	manager, err := relay.NewManager(relay.Options{
		Config: cfg.Relay,
		Store:  sessions,
		Launcher: &relay.FFmpegLauncher{
			Detector:  detector,
			LogLevel:  cfg.FFmpeg.LogLevel,
			RWTimeout: cfg.Relay.OutputRWTimeout,
		},
		Playlists: playlists,
		Logs:      logs,
		Loops:     playlist.NewLoopCache(loopDir, ffmpeg.NewStillClipper(ffmpegPath), cfg.Relay.LoopClipDuration),
		Standby:   library,
		Local:     media,
		Remote:    fetcher,
		Durations: ffmpeg.NewProber(ffprobePath),
		Logger:    logger,
		OnTransition: func(id string, from, to models.SessionStatus) {
			logger.Debug("session transition",
				slog.String("session_id", id),
				slog.String("from", string(from)),
				slog.String("to", string(to)))
		},
	})
	if err != nil {
		return fmt.Errorf("initializing relay: %w", err)
	}
	defer manager.Close()

	if _, err := manager.Reconcile(ctx); err != nil {
		logger.Warn("failed to reconcile session records", slog.Any("error", err))
	}

	if cfg.Janitor.Enabled {
		j := janitor.New(sessions, logs, playlists, library).
			WithLogger(logger).
			WithConfig(janitor.Config{
				Schedule:     cfg.Janitor.Cron,
				LogRetention: cfg.Janitor.LogRetention,
			})
		if err := j.Start(ctx); err != nil {
			return fmt.Errorf("starting janitor: %w", err)
		}
		defer j.Stop()
	}

	server := internalhttp.NewServer(cfg.Server, logger, version.Version)

	handlers.NewHealthHandler(version.Version).
		WithStore(sessions).
		WithSessions(manager).
		Register(server.API())
	handlers.NewSessionHandler(manager).Register(server.API())
	handlers.NewMediaHandler(media, fetcher).Register(server.API())

	logger.Info("starting rtmpush",
		slog.String("address", server.Addr()),
		slog.String("version", version.Version),
		slog.String("store", cfg.Store.Driver),
		slog.String("media_dir", media.Root()))

	return server.ListenAndServe(ctx)
}
