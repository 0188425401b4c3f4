package probe

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestParseMediaInfo(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		duration *float64
		video    []string
		audio    []string
		wantErr  bool
	}{
		{
			name:     "vod with codecs",
			input:    `{"format":{"duration":"95.000000"},"streams":[{"codec_name":"H264","codec_type":"video"},{"codec_name":"AAC","codec_type":"audio"}]}`,
			duration: f(95),
			video:    []string{"h264"},
			audio:    []string{"aac"},
		},
		{
			name:  "live without duration",
			input: `{"format":{},"streams":[{"codec_name":"mpeg2video","codec_type":"video"},{"codec_name":"mp2","codec_type":"audio"}]}`,
			video: []string{"mpeg2video"},
			audio: []string{"mp2"},
		},
		{
			name:  "streams without codec name are skipped",
			input: `{"format":{"duration":"x"},"streams":[{"codec_type":"video"},{"codec_name":"aac","codec_type":"audio"}]}`,
			audio: []string{"aac"},
		},
		{
			name:    "garbage output",
			input:   `ffprobe: command not found`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info, err := parseMediaInfo([]byte(tt.input))
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseMediaInfo() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}

			if (info.Duration == nil) != (tt.duration == nil) {
				t.Errorf("duration = %v, want %v", info.Duration, tt.duration)
			} else if info.Duration != nil && *info.Duration != *tt.duration {
				t.Errorf("duration = %v, want %v", *info.Duration, *tt.duration)
			}

			if !equal(info.VideoCodecs, tt.video) {
				t.Errorf("video codecs = %v, want %v", info.VideoCodecs, tt.video)
			}
			if !equal(info.AudioCodecs, tt.audio) {
				t.Errorf("audio codecs = %v, want %v", info.AudioCodecs, tt.audio)
			}
		})
	}
}

func TestProbeFallback(t *testing.T) {
	// a prober with a binary that always fails must degrade to live,
	// never surface an error
	p := New("/bin/false")

	info := p.Probe(context.Background(), "http://example.com/stream", Options{})
	if info == nil {
		t.Fatal("expected media info, got nil")
	}
	if !info.IsLive() {
		t.Errorf("expected live fallback, got duration %v", *info.Duration)
	}
	if len(info.VideoCodecs) != 0 || len(info.AudioCodecs) != 0 {
		t.Errorf("expected empty codec lists, got %v / %v", info.VideoCodecs, info.AudioCodecs)
	}
}

func TestProbeCache(t *testing.T) {
	p := New("/bin/false")

	first := p.Probe(context.Background(), "http://example.com/a", Options{})
	second := p.Probe(context.Background(), "http://example.com/a", Options{})
	if first != second {
		t.Error("expected second probe to be served from cache")
	}

	refreshed := p.Probe(context.Background(), "http://example.com/a", Options{NoCache: true})
	if refreshed == first {
		t.Error("expected NoCache probe to overwrite the cache entry")
	}
}

func TestProbeCancellationNotCached(t *testing.T) {
	script := filepath.Join(t.TempDir(), "fake-ffprobe")
	payload := `{"format":{"duration":"95.000000"},"streams":[{"codec_name":"h264","codec_type":"video"}]}`
	if err := os.WriteFile(script, []byte("#!/bin/sh\necho '"+payload+"'\n"), 0755); err != nil {
		t.Fatal(err)
	}

	p := New(script)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// a caller going away mid-probe gets the live fallback
	info := p.Probe(ctx, "movie", Options{})
	if !info.IsLive() {
		t.Fatal("expected live fallback for a cancelled probe")
	}

	// but the source must not be stuck classified as live
	info = p.Probe(context.Background(), "movie", Options{})
	if info.IsLive() {
		t.Fatal("cancelled probe result must not be cached")
	}
	if info.Duration == nil || *info.Duration != 95 {
		t.Errorf("duration = %v, want 95", info.Duration)
	}
}

func f(v float64) *float64 {
	return &v
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
