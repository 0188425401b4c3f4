package encode

import (
	"os/exec"
	"reflect"
	"syscall"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/kortv/transcoder/pkg/codec"
)

func TestBuildArgs(t *testing.T) {
	tests := []struct {
		name string
		opts Options
		want []string
	}{
		{
			name: "live tail passes through without seek or duration flags",
			opts: Options{
				Input:       "http://example.com/stream",
				StartOffset: -1,
				Duration:    0,
				Transcode:   codec.Decision{Video: false, Audio: false},
			},
			want: []string{
				"-hide_banner", "-loglevel", "fatal",
				"-i", "http://example.com/stream",
				"-y", "-strict", "experimental",
				"-preset", "ultrafast", "-tune", "zerolatency",
				"-max_muxing_queue_size", "1024",
				"-copyts", "-pix_fmt", "yuv420p",
				"-acodec", "copy",
				"-vcodec", "copy",
				"-f", "mpegts",
				"pipe:1",
			},
		},
		{
			name: "vod range with full transcode and proxy",
			opts: Options{
				Input:       "http://example.com/movie.mkv",
				StartOffset: 30,
				Duration:    10,
				Proxy:       "http://10.0.0.5:3128",
				Transcode:   codec.Decision{Video: true, Audio: true},
				OutputPath:  "/tmp/seg/30__10.ts",
			},
			want: []string{
				"-hide_banner", "-loglevel", "fatal",
				"-ss", "30",
				"-t", "10",
				"-http_proxy", "http://10.0.0.5:3128",
				"-i", "http://example.com/movie.mkv",
				"-y", "-strict", "experimental",
				"-preset", "ultrafast", "-tune", "zerolatency",
				"-max_muxing_queue_size", "1024",
				"-copyts", "-pix_fmt", "yuv420p",
				"-acodec", "aac", "-ac", "6", "-ab", "640k",
				"-vcodec", "libx264", "-profile:v", "baseline", "-level", "3.0",
				"-f", "mpegts",
				"/tmp/seg/30__10.ts",
			},
		},
		{
			name: "zero start offset must not emit a seek flag",
			opts: Options{
				Input:     "file.ts",
				Duration:  10,
				Transcode: codec.Decision{Video: false, Audio: false},
			},
			want: []string{
				"-hide_banner", "-loglevel", "fatal",
				"-t", "10",
				"-i", "file.ts",
				"-y", "-strict", "experimental",
				"-preset", "ultrafast", "-tune", "zerolatency",
				"-max_muxing_queue_size", "1024",
				"-copyts", "-pix_fmt", "yuv420p",
				"-acodec", "copy",
				"-vcodec", "copy",
				"-f", "mpegts",
				"pipe:1",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := buildArgs(tt.opts); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("buildArgs() =\n%v\nwant\n%v", got, tt.want)
			}
		})
	}
}

// startHelper builds a handle around a plain command, standing in for the
// encoder subprocess in lifecycle tests.
func startHelper(t *testing.T, name string, args ...string) *Handle {
	t.Helper()

	h := &Handle{
		logger: zerolog.Nop(),
		cmd:    exec.Command(name, args...),
		done:   make(chan struct{}),
	}
	h.cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := h.cmd.Start(); err != nil {
		t.Skipf("unable to start helper process: %v", err)
	}

	go func() {
		h.exitErr = h.cmd.Wait()
		close(h.done)
	}()

	return h
}

func TestCancelIdempotent(t *testing.T) {
	h := startHelper(t, "sleep", "60")

	h.Cancel()
	h.Cancel() // second cancel must be a no-op

	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit after cancellation")
	}
}

func TestCancelAfterExit(t *testing.T) {
	h := startHelper(t, "true")

	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}

	// cancelling a finished handle must not panic or error
	h.Cancel()
}
