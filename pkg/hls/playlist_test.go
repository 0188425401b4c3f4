package hls

import (
	"fmt"
	"strconv"
	"strings"
	"testing"
)

func TestVODCoverage(t *testing.T) {
	playlist := VOD(95, 10, func(start, duration float64) string {
		return fmt.Sprintf("/chunk/%.0f/%.0f", start, duration)
	})

	lines := strings.Split(playlist, "\n")

	var entries []string
	var urls []string
	for _, line := range lines {
		if strings.HasPrefix(line, "#EXTINF:") {
			entries = append(entries, line)
		} else if strings.HasPrefix(line, "/chunk/") {
			urls = append(urls, line)
		}
	}

	if len(entries) != 10 {
		t.Fatalf("expected 10 EXTINF entries, got %d", len(entries))
	}
	if len(urls) != 10 {
		t.Fatalf("expected 10 segment URLs, got %d", len(urls))
	}

	// offsets must be 0, 10, ..., 90
	for i, url := range urls {
		want := fmt.Sprintf("/chunk/%d/", i*10)
		if !strings.HasPrefix(url, want) {
			t.Errorf("segment %d = %q, want prefix %q", i, url, want)
		}
	}

	// durations must sum to at least the total duration
	var sum float64
	for _, entry := range entries {
		value := strings.TrimSuffix(strings.TrimPrefix(entry, "#EXTINF:"), ",")
		duration, err := strconv.ParseFloat(value, 64)
		if err != nil {
			t.Fatalf("unparsable EXTINF entry %q: %v", entry, err)
		}
		sum += duration
	}
	if sum < 95 {
		t.Errorf("EXTINF durations sum to %v, want >= 95", sum)
	}

	// last chunk is clipped
	if entries[9] != "#EXTINF:5," {
		t.Errorf("last entry = %q, want #EXTINF:5,", entries[9])
	}

	if !strings.HasSuffix(playlist, "#EXT-X-ENDLIST") {
		t.Error("playlist must end with EXT-X-ENDLIST")
	}
}

func TestLiveBound(t *testing.T) {
	playlist := Live("/chunk/live", 14400)

	count := strings.Count(playlist, "/chunk/live")
	if count != 14400 {
		t.Errorf("expected exactly 14400 repeated entries, got %d", count)
	}

	if !strings.Contains(playlist, "#EXT-X-TARGETDURATION:1") {
		t.Error("live playlist must declare a 1s target duration")
	}
	if !strings.HasSuffix(playlist, "#EXT-X-ENDLIST") {
		t.Error("playlist must end with EXT-X-ENDLIST")
	}
}

func TestLiveEmpty(t *testing.T) {
	playlist := Live("/chunk/live", 0)
	if strings.Contains(playlist, "#EXTINF") {
		t.Error("zero max entries must render no segments")
	}
}
