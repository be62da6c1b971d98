package ffmpeg_test

import (
	"testing"

	"github.com/iencode/iencode/internal/ffmpeg"
	"github.com/stretchr/testify/assert"
)

func Test_ParseProgressLine(t *testing.T) {
	tests := []struct {
		summary  string
		line     string
		expected ffmpeg.Progress
		ok       bool
	}{
		{"out_time_ms is microseconds", "out_time_ms=90500000", ffmpeg.Progress{OutTimeSeconds: 90.5}, true},
		{"zero progress", "out_time_ms=0", ffmpeg.Progress{OutTimeSeconds: 0}, true},
		{"N/A before first frame is ignored", "out_time_ms=N/A", ffmpeg.Progress{}, false},
		{"final record", "progress=end", ffmpeg.Progress{Final: true}, true},
		{"continue record carries nothing", "progress=continue", ffmpeg.Progress{}, false},
		{"unrelated keys are ignored", "fps=23.98", ffmpeg.Progress{}, false},
		{"speed is ignored", "speed=1.02x", ffmpeg.Progress{}, false},
		{"garbage line", "not a progress line", ffmpeg.Progress{}, false},
		{"empty line", "", ffmpeg.Progress{}, false},
		{"whitespace tolerated", "  out_time_ms=1000000  ", ffmpeg.Progress{OutTimeSeconds: 1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.summary, func(t *testing.T) {
			progress, ok := ffmpeg.ParseProgressLine(tt.line)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.expected, progress)
			}
		})
	}
}

func Test_OptionsArgs(t *testing.T) {
	options := ffmpeg.Options{
		InputPath:    "/cache/abc/merged_input.mkv",
		OutputPath:   "/cache/abc/out.mkv",
		TargetHeight: 720,
		Preset:       "slow",
		Crf:          24,
		AudioBitrate: "128k",
		BrandName:    "MyBrand",
	}

	args := options.Args()

	assert.Equal(t, []string{"-i", "/cache/abc/merged_input.mkv"}, args[:2], "input must come first")
	assert.Contains(t, args, "libx265")
	assert.Contains(t, args, "scale=-2:720", "scale filter uses the clamped height with even-width padding")
	assert.Contains(t, args, "encoder=MyBrand")
	assert.Contains(t, args, "-nostats")
	assert.Equal(t, "/cache/abc/out.mkv", args[len(args)-1], "output path is the final argument")

	// Progress must be machine-readable on stdout.
	for i, arg := range args {
		if arg == "-progress" {
			assert.Equal(t, "pipe:1", args[i+1])
			return
		}
	}
	t.Fatal("expected -progress flag in argument list")
}
