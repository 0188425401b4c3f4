package config

import (
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type Transcoder struct {
	FFmpegBinary  string
	FFprobeBinary string
	EncoderDebug  bool

	TmpDir string

	ChunkDuration   float64
	MaxLiveDuration int // seconds of 1s entries in a live playlist

	KeepWindow     int
	SegmentTimeout time.Duration

	RemoteURL       string
	RemoteProxyPort int

	MagnetPort int
}

func (Transcoder) Init(cmd *cobra.Command) error {
	cmd.PersistentFlags().String("encoder.ffmpeg", "ffmpeg", "path to the ffmpeg binary")
	if err := viper.BindPFlag("encoder.ffmpeg", cmd.PersistentFlags().Lookup("encoder.ffmpeg")); err != nil {
		return err
	}

	cmd.PersistentFlags().String("encoder.ffprobe", "ffprobe", "path to the ffprobe binary")
	if err := viper.BindPFlag("encoder.ffprobe", cmd.PersistentFlags().Lookup("encoder.ffprobe")); err != nil {
		return err
	}

	cmd.PersistentFlags().Bool("encoder.debug", false, "log encoder stderr output")
	if err := viper.BindPFlag("encoder.debug", cmd.PersistentFlags().Lookup("encoder.debug")); err != nil {
		return err
	}

	cmd.PersistentFlags().String("tmp-dir", "", "directory for on-demand segment files")
	if err := viper.BindPFlag("tmp-dir", cmd.PersistentFlags().Lookup("tmp-dir")); err != nil {
		return err
	}

	cmd.PersistentFlags().Float64("hls.chunk-duration", 10, "segment duration in seconds for on-demand playlists")
	if err := viper.BindPFlag("hls.chunk-duration", cmd.PersistentFlags().Lookup("hls.chunk-duration")); err != nil {
		return err
	}

	cmd.PersistentFlags().Int("hls.max-live-duration", 4*3600, "maximum live playback duration in seconds")
	if err := viper.BindPFlag("hls.max-live-duration", cmd.PersistentFlags().Lookup("hls.max-live-duration")); err != nil {
		return err
	}

	cmd.PersistentFlags().Int("segments.keep-window", 5, "number of recent segments kept on disk per session")
	if err := viper.BindPFlag("segments.keep-window", cmd.PersistentFlags().Lookup("segments.keep-window")); err != nil {
		return err
	}

	cmd.PersistentFlags().Duration("segments.timeout", 60*time.Second, "maximum time to wait for a segment encode")
	if err := viper.BindPFlag("segments.timeout", cmd.PersistentFlags().Lookup("segments.timeout")); err != nil {
		return err
	}

	cmd.PersistentFlags().String("remote.url", "", "base URL of a remote transcoder to delegate playlists to")
	if err := viper.BindPFlag("remote.url", cmd.PersistentFlags().Lookup("remote.url")); err != nil {
		return err
	}

	cmd.PersistentFlags().Int("remote.proxy-port", 0, "local forward proxy port for reaching the remote transcoder")
	if err := viper.BindPFlag("remote.proxy-port", cmd.PersistentFlags().Lookup("remote.proxy-port")); err != nil {
		return err
	}

	cmd.PersistentFlags().Int("magnet.port", 0, "loopback port for the torrent file server, 0 disables magnet sources")
	if err := viper.BindPFlag("magnet.port", cmd.PersistentFlags().Lookup("magnet.port")); err != nil {
		return err
	}

	return nil
}

func (c *Transcoder) Set() {
	c.FFmpegBinary = viper.GetString("encoder.ffmpeg")
	c.FFprobeBinary = viper.GetString("encoder.ffprobe")
	c.EncoderDebug = viper.GetBool("encoder.debug")

	c.TmpDir = viper.GetString("tmp-dir")
	if c.TmpDir == "" {
		var err error
		c.TmpDir, err = os.MkdirTemp(os.TempDir(), "transcoder-hls")
		if err != nil {
			log.Panic().Err(err).Msg("unable to create segment directory")
		}
	} else {
		if err := os.MkdirAll(c.TmpDir, 0755); err != nil {
			log.Panic().Err(err).Msg("unable to create segment directory")
		}
	}

	c.ChunkDuration = viper.GetFloat64("hls.chunk-duration")
	c.MaxLiveDuration = viper.GetInt("hls.max-live-duration")

	c.KeepWindow = viper.GetInt("segments.keep-window")
	c.SegmentTimeout = viper.GetDuration("segments.timeout")

	c.RemoteURL = viper.GetString("remote.url")
	c.RemoteProxyPort = viper.GetInt("remote.proxy-port")
	if c.RemoteURL != "" && c.RemoteProxyPort == 0 {
		log.Panic().Msg("remote.url requires remote.proxy-port")
	}

	c.MagnetPort = viper.GetInt("magnet.port")
}
