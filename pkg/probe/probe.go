package probe

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// MediaInfo describes a probed source. A nil Duration means the duration
// could not be determined and the source is treated as live downstream.
type MediaInfo struct {
	Duration    *float64 // seconds
	VideoCodecs []string
	AudioCodecs []string
	FetchedAt   time.Time
}

// IsLive reports whether the source has no known total duration.
func (i *MediaInfo) IsLive() bool {
	return i.Duration == nil
}

type Options struct {
	Proxy   string // http forward proxy for the probing subprocess
	NoCache bool   // bypass and overwrite the cache entry
}

// Prober shells out to ffprobe and caches results per source URL for the
// process lifetime. Concurrent probes for the same URL are coalesced into
// a single subprocess.
type Prober struct {
	logger zerolog.Logger
	binary string

	mu       sync.Mutex
	cache    map[string]*MediaInfo
	inflight map[string]chan struct{}
}

func New(binary string) *Prober {
	if binary == "" {
		binary = "ffprobe"
	}

	return &Prober{
		logger:   log.With().Str("module", "probe").Logger(),
		binary:   binary,
		cache:    map[string]*MediaInfo{},
		inflight: map[string]chan struct{}{},
	}
}

// Probe returns media information for the given source URL. It never fails:
// a probing error yields an entry with unknown duration and empty codec
// lists, which callers treat as a live source.
func (p *Prober) Probe(ctx context.Context, url string, opts Options) *MediaInfo {
	for {
		p.mu.Lock()

		if !opts.NoCache {
			if info, ok := p.cache[url]; ok {
				p.mu.Unlock()
				return info
			}
		}

		wait, ok := p.inflight[url]
		if !ok {
			wait = make(chan struct{})
			p.inflight[url] = wait
			p.mu.Unlock()
			break
		}

		p.mu.Unlock()

		// an identical probe is already running, wait for its result
		select {
		case <-wait:
			opts.NoCache = false
		case <-ctx.Done():
			return &MediaInfo{FetchedAt: time.Now()}
		}
	}

	info := p.fetch(ctx, url, opts.Proxy)

	p.mu.Lock()
	// a cancelled probe says nothing about the source, keep the cache clean
	if ctx.Err() == nil {
		p.cache[url] = info
	}
	if wait, ok := p.inflight[url]; ok {
		close(wait)
		delete(p.inflight, url)
	}
	p.mu.Unlock()

	return info
}

func (p *Prober) fetch(ctx context.Context, url string, proxy string) *MediaInfo {
	args := []string{}
	if proxy != "" {
		args = append(args, "-http_proxy", proxy)
	}

	args = append(args,
		"-i", url,
		"-hide_banner",
		"-loglevel", "fatal",
		"-show_error",
		"-show_format",
		"-show_streams",
		"-show_programs",
		"-show_chapters",
		"-show_private_data",
		"-print_format", "json",
	)

	logger := p.logger.With().Str("url", url).Logger()
	logger.Debug().Strs("args", args).Msg("running ffprobe")

	start := time.Now()
	cmd := exec.CommandContext(ctx, p.binary, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			logger.Debug().Msg("probe cancelled")
			return &MediaInfo{FetchedAt: time.Now()}
		}

		logger.Warn().Err(err).Str("stderr", strings.TrimSpace(stderr.String())).Msg("ffprobe failed, treating source as live")
		return &MediaInfo{FetchedAt: time.Now()}
	}

	info, err := parseMediaInfo(stdout.Bytes())
	if err != nil {
		logger.Warn().Err(err).Msg("ffprobe output could not be parsed, treating source as live")
		return &MediaInfo{FetchedAt: time.Now()}
	}

	logger.Info().
		Dur("elapsed", time.Since(start)).
		Strs("video", info.VideoCodecs).
		Strs("audio", info.AudioCodecs).
		Msg("ffprobe successful")

	return info
}

func parseMediaInfo(data []byte) (*MediaInfo, error) {
	out := struct {
		Streams []struct {
			CodecName string `json:"codec_name"`
			CodecType string `json:"codec_type"`
		} `json:"streams"`
		Format struct {
			Duration string `json:"duration"`
		} `json:"format"`
	}{}

	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}

	info := &MediaInfo{FetchedAt: time.Now()}

	if out.Format.Duration != "" {
		duration, err := strconv.ParseFloat(out.Format.Duration, 64)
		if err == nil {
			info.Duration = &duration
		}
	}

	for _, stream := range out.Streams {
		name := strings.ToLower(stream.CodecName)
		if name == "" {
			continue
		}

		switch stream.CodecType {
		case "video":
			info.VideoCodecs = append(info.VideoCodecs, name)
		case "audio":
			info.AudioCodecs = append(info.AudioCodecs, name)
		}
	}

	return info, nil
}
