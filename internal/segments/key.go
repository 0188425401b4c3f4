package segments

import (
	"strconv"
	"strings"

	"github.com/kortv/transcoder/internal/utils"
)

// Key identifies one VOD segment as the time range
// [Start, Start+Duration) against the session's source.
type Key struct {
	Start    float64
	Duration float64
}

// FileName is the on-disk name of the segment, e.g. "30__10.ts".
func (k Key) FileName() string {
	return utils.FormatSeconds(k.Start) + "__" + utils.FormatSeconds(k.Duration) + ".ts"
}

// Index is the segment's ordinal position for a given chunk duration.
func (k Key) Index(chunkDuration float64) int {
	if chunkDuration <= 0 {
		return 0
	}
	return int(k.Start / chunkDuration)
}

// Next is the key of the segment immediately following this one.
func (k Key) Next() Key {
	return Key{Start: k.Start + k.Duration, Duration: k.Duration}
}

// ParseFileName parses a segment file name back into its key.
func ParseFileName(name string) (Key, bool) {
	name, found := strings.CutSuffix(name, ".ts")
	if !found {
		return Key{}, false
	}

	parts := strings.SplitN(name, "__", 2)
	if len(parts) != 2 {
		return Key{}, false
	}

	start, err := strconv.ParseFloat(parts[0], 64)
	if err != nil || start < 0 {
		return Key{}, false
	}

	duration, err := strconv.ParseFloat(parts[1], 64)
	if err != nil || duration <= 0 {
		return Key{}, false
	}

	return Key{Start: start, Duration: duration}, true
}
