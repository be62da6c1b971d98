package ffmpeg

import (
	"fmt"
	"strconv"
)

type (
	Config struct {
		FfmpegBinPath  string `yaml:"ffmpeg_binary" env:"FFMPEG_BINARY_PATH" env-default:"ffmpeg"`
		FfprobeBinPath string `yaml:"ffprobe_binary" env:"FFPROBE_BINARY_PATH" env-default:"ffprobe"`
		Crf            int    `yaml:"crf" env:"ENCODE_CRF" env-default:"24"`
		AudioBitrate   string `yaml:"audio_bitrate" env:"AUDIO_BITRATE" env-default:"128k"`
	}

	// Options describes one encoder invocation. TargetHeight is the
	// effective height (already clamped to the source, the encoder is
	// never asked to upscale).
	Options struct {
		InputPath    string
		OutputPath   string
		TargetHeight int
		Preset       string
		Crf          int
		AudioBitrate string
		BrandName    string
	}
)

// Args renders the full ffmpeg argument list for the invocation. Progress
// is emitted machine-readable on stdout (`-progress pipe:1 -nostats`) while
// all diagnostics go to stderr.
func (o Options) Args() []string {
	return []string{
		"-i", o.InputPath,
		"-c:v", "libx265",
		"-preset", o.Preset,
		"-crf", strconv.Itoa(o.Crf),
		"-vf", fmt.Sprintf("scale=-2:%d", o.TargetHeight),
		"-c:a", "aac",
		"-b:a", o.AudioBitrate,
		"-metadata", fmt.Sprintf("encoder=%s", o.BrandName),
		"-f", "matroska",
		"-y",
		"-progress", "pipe:1",
		"-nostats",
		o.OutputPath,
	}
}
