package ffmpeg

import (
	"strconv"
	"strings"
)

// Progress is one parsed update from the encoder's machine-readable
// progress stream.
type Progress struct {
	// OutTimeSeconds is how far through the source timeline the encoder
	// has progressed.
	OutTimeSeconds float64

	// Final is true for the closing `progress=end` record.
	Final bool
}

// ParseProgressLine parses a single line of `-progress pipe:1` output.
// The second return value is false for lines which carry no usable
// progress information; this includes the `out_time_ms=N/A` lines ffmpeg
// emits before the first frame is flushed, which must be ignored.
func ParseProgressLine(line string) (Progress, bool) {
	line = strings.TrimSpace(line)

	key, value, found := strings.Cut(line, "=")
	if !found {
		return Progress{}, false
	}

	switch key {
	case "out_time_ms":
		// Despite the name, out_time_ms is in microseconds.
		micros, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil {
			return Progress{}, false
		}

		return Progress{OutTimeSeconds: float64(micros) / 1_000_000}, true
	case "progress":
		if strings.TrimSpace(value) == "end" {
			return Progress{Final: true}, true
		}
	}

	return Progress{}, false
}
