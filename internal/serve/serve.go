package serve

import (
	"os"
	"os/signal"
	"path"
	"syscall"

	"github.com/go-chi/chi"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/kortv/transcoder/internal/config"
	"github.com/kortv/transcoder/internal/magnet"
	"github.com/kortv/transcoder/internal/metrics"
	"github.com/kortv/transcoder/internal/remote"
	"github.com/kortv/transcoder/internal/server"
	"github.com/kortv/transcoder/internal/session"
	"github.com/kortv/transcoder/pkg/probe"
)

func New() *Main {
	return &Main{
		ServerConfig:     &server.Config{},
		TranscoderConfig: &config.Transcoder{},
	}
}

type Main struct {
	ServerConfig     *server.Config
	TranscoderConfig *config.Transcoder

	logger  zerolog.Logger
	server  *server.ServerManagerCtx
	manager *session.ManagerCtx
}

func (main *Main) Preflight() {
	main.logger = log.With().Str("service", "main").Logger()
}

func (main *Main) Configs() []config.Config {
	return []config.Config{main.ServerConfig, main.TranscoderConfig}
}

func (main *Main) start() {
	cfg := main.TranscoderConfig

	m := metrics.New()
	prober := probe.New(cfg.FFprobeBinary)

	var remoteClient *remote.Client
	if cfg.RemoteURL != "" {
		remoteClient = remote.New(cfg.RemoteURL, cfg.RemoteProxyPort)
		main.logger.Info().Str("url", cfg.RemoteURL).Msg("delegating playlists to remote transcoder")
	}

	var magnetResolver session.MagnetResolver
	if cfg.MagnetPort > 0 {
		magnetResolver = magnet.New(path.Join(cfg.TmpDir, "torrents"), cfg.MagnetPort)
		main.logger.Info().Int("port", cfg.MagnetPort).Msg("magnet sources enabled")
	}

	main.manager = session.New(session.Config{
		FFmpegBinary:   cfg.FFmpegBinary,
		EncoderDebug:   cfg.EncoderDebug,
		TmpDir:         cfg.TmpDir,
		ChunkDuration:  cfg.ChunkDuration,
		MaxLiveEntries: cfg.MaxLiveDuration,
		KeepWindow:     cfg.KeepWindow,
		SegmentTimeout: cfg.SegmentTimeout,
	}, prober, remoteClient, magnetResolver, m)

	main.server = server.New(main.ServerConfig, m)
	main.server.Mount(func(r *chi.Mux) {
		r.Route("/transcoder", main.manager.Mount)
	})
	main.server.Start()
}

func (main *Main) shutdown() {
	err := main.server.Shutdown()
	main.logger.Err(err).Msg("http server shutdown")

	main.manager.Shutdown()
	main.logger.Info().Msg("session manager shutdown")
}

func (main *Main) Run(cmd *cobra.Command, args []string) {
	main.logger.Info().Msg("starting transcoder server")
	main.start()
	main.logger.Info().Msg("transcoder ready")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	sig := <-quit

	main.logger.Warn().Msgf("received %s, attempting graceful shutdown", sig)
	main.shutdown()
	main.logger.Info().Msg("shutdown complete")
}
