package ffmpeg

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

type (
	// MediaInfo is the analysis result for a merged input artifact.
	MediaInfo struct {
		DurationSeconds float64
		Width           int
		Height          int
		Is10Bit         bool
		AudioChannels   int
	}

	probeOutput struct {
		Format  probeFormat   `json:"format"`
		Streams []probeStream `json:"streams"`
	}

	probeFormat struct {
		Duration string `json:"duration"`
	}

	probeStream struct {
		CodecType string `json:"codec_type"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
		PixFmt    string `json:"pix_fmt"`
		Channels  int    `json:"channels"`
		Duration  string `json:"duration"`
	}
)

// Probe runs ffprobe against the provided path and extracts the stream
// information the pipeline cares about. A file without a video stream, or
// whose probe output cannot be parsed, returns an error.
func Probe(ctx context.Context, ffprobeBin string, path string) (*MediaInfo, error) {
	cmd := exec.CommandContext(ctx, ffprobeBin,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)

	raw, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("ffprobe execution failed for %s: %w", path, err)
	}

	var parsed probeOutput
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse ffprobe output for %s: %w", path, err)
	}

	info := &MediaInfo{DurationSeconds: parseSeconds(parsed.Format.Duration)}
	foundVideo := false
	for _, stream := range parsed.Streams {
		switch stream.CodecType {
		case "video":
			if foundVideo {
				continue
			}

			foundVideo = true
			info.Width = stream.Width
			info.Height = stream.Height
			info.Is10Bit = is10BitPixFmt(stream.PixFmt)
			if info.DurationSeconds <= 0 {
				info.DurationSeconds = parseSeconds(stream.Duration)
			}
		case "audio":
			if info.AudioChannels == 0 {
				info.AudioChannels = stream.Channels
			}
		}
	}

	if !foundVideo {
		return nil, fmt.Errorf("no video stream found in %s", path)
	}

	return info, nil
}

func parseSeconds(raw string) float64 {
	if raw == "" {
		return 0
	}

	seconds, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0
	}

	return seconds
}

func is10BitPixFmt(pixFmt string) bool {
	return strings.Contains(pixFmt, "10le") || strings.Contains(pixFmt, "10be") || strings.Contains(pixFmt, "p10")
}
