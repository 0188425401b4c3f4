package hls

import (
	"fmt"
	"strings"
)

// MimeType is the media type of rendered playlists.
const MimeType = "application/x-mpegURL"

// Live renders a media playlist that approximates an endless stream by
// repeating a single segment reference. Real sliding-window live HLS needs
// a rolling window of freshly numbered segments; the bounded repeat count
// is a deliberate simplification tuned to the target set-top players, do
// not grow it past maxEntries.
func Live(segmentURL string, maxEntries int) string {
	playlist := []string{
		"#EXTM3U",
		"#EXT-X-VERSION:4",
		"#EXT-X-ALLOW-CACHE:YES",
		"#EXT-X-MEDIA-SEQUENCE:0",
		"#EXT-X-TARGETDURATION:1",
	}

	for i := 0; i < maxEntries; i++ {
		playlist = append(playlist,
			"#EXTINF:1,",
			segmentURL,
		)
	}

	playlist = append(playlist, "#EXT-X-ENDLIST")

	return strings.Join(playlist, "\n")
}

// VOD renders a media playlist covering the whole source duration with one
// entry per chunk. The last chunk is clipped to the remaining duration, so
// the entries always sum to at least totalDuration. segmentURL maps a
// chunk's start offset and duration to its address.
func VOD(totalDuration, chunkDuration float64, segmentURL func(start, duration float64) string) string {
	playlist := []string{
		"#EXTM3U",
		"#EXT-X-VERSION:4",
		"#EXT-X-ALLOW-CACHE:YES",
		"#EXT-X-MEDIA-SEQUENCE:0",
		fmt.Sprintf("#EXT-X-TARGETDURATION:%.0f", chunkDuration),
	}

	start := float64(0)
	for start < totalDuration {
		duration := chunkDuration
		if totalDuration-start < duration {
			duration = totalDuration - start
		}

		playlist = append(playlist,
			fmt.Sprintf("#EXTINF:%s,", formatDuration(duration)),
			segmentURL(start, duration),
		)

		start += duration
	}

	playlist = append(playlist, "#EXT-X-ENDLIST")

	return strings.Join(playlist, "\n")
}

// formatDuration trims trailing zeroes so whole-second chunks render as
// plain integers, matching what the target players were tested against.
func formatDuration(duration float64) string {
	s := fmt.Sprintf("%.3f", duration)
	s = strings.TrimRight(s, "0")
	return strings.TrimRight(s, ".")
}
