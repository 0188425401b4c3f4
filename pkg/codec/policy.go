package codec

import "strings"

// Decision says per track whether the encoder must re-encode (true) or can
// copy the stream as-is (false).
type Decision struct {
	Video bool
	Audio bool
}

// NeedsTranscode decides per-track copy vs re-encode from probed codec
// lists. Video passes through only when an H.264 family codec is present,
// audio only when an AAC codec is present. Empty or unknown lists default
// to re-encoding, so an unprobeable source still yields playable output.
func NeedsTranscode(videoCodecs, audioCodecs []string) Decision {
	return Decision{
		Video: !containsCodec(videoCodecs, "h264"),
		Audio: !containsCodec(audioCodecs, "aac"),
	}
}

func containsCodec(codecs []string, name string) bool {
	for _, codec := range codecs {
		if strings.Contains(strings.ToLower(codec), name) {
			return true
		}
	}
	return false
}
