package encode

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/kortv/transcoder/internal/utils"
	"github.com/kortv/transcoder/pkg/codec"
)

// Options describe one unit of encoder work: either an open-ended live tail
// (StartOffset < 0) or a bounded time range of a VOD source.
type Options struct {
	FFmpegBinary string
	Input        string
	StartOffset  float64
	Duration     float64
	Proxy        string // http forward proxy for the subprocess
	Transcode    codec.Decision
	OutputPath   string // when set, output goes to this file instead of stdout
	Debug        bool   // log encoder stderr
}

// Handle wraps exactly one running encoder subprocess. The owner must call
// Cancel once it no longer needs the output, otherwise the subprocess is
// leaked. Cancel is idempotent.
type Handle struct {
	logger zerolog.Logger
	cmd    *exec.Cmd
	output io.ReadCloser

	done    chan struct{}
	exitErr error

	cancelOnce sync.Once
}

// Start spawns the encoder subprocess for the given unit of work.
func Start(logger zerolog.Logger, opts Options) (*Handle, error) {
	if opts.FFmpegBinary == "" {
		opts.FFmpegBinary = "ffmpeg"
	}

	args := buildArgs(opts)
	logger.Debug().Str("binary", opts.FFmpegBinary).Strs("args", args).Msg("starting encoder")

	cmd := exec.Command(opts.FFmpegBinary, args...)

	// own process group, so cancellation reaps ffmpeg's children too
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if opts.Debug {
		cmd.Stderr = utils.LogWriter(logger.With().Str("submodule", "ffmpeg").Logger())
	}

	h := &Handle{
		logger: logger,
		cmd:    cmd,
		done:   make(chan struct{}),
	}

	if opts.OutputPath == "" {
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, err
		}
		h.output = stdout
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("unable to start encoder: %w", err)
	}

	go func() {
		err := cmd.Wait()
		if err != nil {
			if exiterr, ok := err.(*exec.ExitError); ok {
				logger.Warn().Int("exit-code", exiterr.ExitCode()).Msg("encoder exited with an error code")
			} else {
				logger.Err(err).Msg("encoder exited with an error")
			}
		} else {
			logger.Debug().Msg("encoder finished")
		}

		h.exitErr = err
		close(h.done)
	}()

	return h, nil
}

// Output is the subprocess's stdout stream, nil when writing to a file.
func (h *Handle) Output() io.ReadCloser {
	return h.output
}

// Done is closed once the subprocess has exited.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Err returns the exit error, valid only after Done is closed.
func (h *Handle) Err() error {
	return h.exitErr
}

// Cancel interrupts the subprocess. Safe to call multiple times and after
// the process has already exited.
func (h *Handle) Cancel() {
	h.cancelOnce.Do(func() {
		if h.cmd.Process == nil {
			return
		}

		h.logger.Debug().Msg("cancelling encoder")

		pgid, err := syscall.Getpgid(h.cmd.Process.Pid)
		if err == nil {
			err = syscall.Kill(-pgid, syscall.SIGINT)
			if err != nil && err != syscall.ESRCH {
				h.logger.Err(err).Msg("unable to interrupt process group")
			}
			return
		}

		if err := h.cmd.Process.Signal(os.Interrupt); err != nil && err != os.ErrProcessDone {
			h.logger.Err(err).Msg("unable to interrupt process")
		}
	})
}

func buildArgs(opts Options) []string {
	loglevel := "fatal"
	if opts.Debug {
		loglevel = "warning"
	}

	args := []string{
		"-hide_banner",
		"-loglevel", loglevel,
	}

	if opts.StartOffset > 0 {
		args = append(args, "-ss", utils.FormatSeconds(opts.StartOffset))
	}
	if opts.Duration > 0 {
		args = append(args, "-t", utils.FormatSeconds(opts.Duration))
	}
	if opts.Proxy != "" {
		args = append(args, "-http_proxy", opts.Proxy)
	}

	args = append(args,
		"-i", opts.Input,

		"-y",
		"-strict", "experimental",
		"-preset", "ultrafast",
		"-tune", "zerolatency",
		"-max_muxing_queue_size", "1024",
		"-copyts",
		"-pix_fmt", "yuv420p",
	)

	if opts.Transcode.Audio {
		args = append(args, "-acodec", "aac", "-ac", "6", "-ab", "640k")
	} else {
		args = append(args, "-acodec", "copy")
	}

	if opts.Transcode.Video {
		args = append(args, "-vcodec", "libx264", "-profile:v", "baseline", "-level", "3.0")
	} else {
		args = append(args, "-vcodec", "copy")
	}

	args = append(args, "-f", "mpegts")

	if opts.OutputPath != "" {
		args = append(args, opts.OutputPath)
	} else {
		args = append(args, "pipe:1")
	}

	return args
}
