// Package status renders the user-visible status message text for each
// pipeline stage, along with the derived standard output filename.
package status

import (
	"fmt"
	"math"
	"path/filepath"
	"strings"
)

const progressBarWidth = 10

// ProgressBar renders a fixed-width textual bar with a percentage, e.g.
// `[█████░░░░░] 48.3%`. A zero or unknown total renders an empty bar.
func ProgressBar(current float64, total float64) string {
	ratio := 0.0
	if total > 0 {
		ratio = math.Min(current/total, 1)
	}

	filled := int(ratio * progressBarWidth)
	bar := strings.Repeat("█", filled) + strings.Repeat("░", progressBarWidth-filled)
	return fmt.Sprintf("[%s] %.1f%%", bar, ratio*100)
}

// HumanBytes renders a byte count using binary units, matching the style
// of the in-chat progress messages.
func HumanBytes(size int64) string {
	if size < 1024 {
		return fmt.Sprintf("%d B", size)
	}

	units := []string{"KiB", "MiB", "GiB", "TiB"}
	value := float64(size)
	unit := ""
	for _, unit = range units {
		value /= 1024
		if value < 1024 {
			break
		}
	}

	return fmt.Sprintf("%.2f %s", value, unit)
}

// StandardFilename derives the output filename from the original name, the
// quality the user picked and their brand name. The requested quality is
// used even when the encode was clamped to a lower source height; the
// filename reflects the user's choice.
func StandardFilename(originalName string, requestedQuality int, brandName string) string {
	base := strings.TrimSuffix(originalName, filepath.Ext(originalName))
	base = strings.TrimSpace(base)
	if base == "" {
		base = "video"
	}

	brand := strings.ReplaceAll(strings.TrimSpace(brandName), " ", ".")
	if brand == "" {
		return fmt.Sprintf("%s.%dp.HEVC.mkv", base, requestedQuality)
	}

	return fmt.Sprintf("%s.%dp.HEVC.%s.mkv", base, requestedQuality, brand)
}

// Stage lines. Each is a complete status message body.

func Downloading(filename string, current int64, total int64) string {
	return fmt.Sprintf("📥 Downloading: %s\n%s\n%s of %s",
		filename, ProgressBar(float64(current), float64(total)), HumanBytes(current), HumanBytes(total))
}

func Analyzing(filename string) string {
	return fmt.Sprintf("🔬 Analyzing: %s", filename)
}

func Encoding(filename string, currentSeconds float64, totalSeconds float64) string {
	return fmt.Sprintf("⚙️ Encoding: %s\n%s", filename, ProgressBar(currentSeconds, totalSeconds))
}

func Uploading(filename string, current int64, total int64) string {
	return fmt.Sprintf("📤 Uploading: %s\n%s\n%s of %s",
		filename, ProgressBar(float64(current), float64(total)), HumanBytes(current), HumanBytes(total))
}

func Queued(filename string) string {
	return fmt.Sprintf("🕑 Queued: %s", filename)
}

func Retrying(attempt int) string {
	return fmt.Sprintf("⚠️ A temporary error occurred. Retrying... (attempt %d)", attempt)
}

func Failed(reason string) string {
	return fmt.Sprintf("💥 Encode failed:\n%s", reason)
}

func Cancelled() string {
	return "🛑 Cancelled by user"
}

func CompleteCaption(finalFilename string) string {
	return fmt.Sprintf("Encode Complete\n%s", finalFilename)
}

func Finished(finalFilename string) string {
	return fmt.Sprintf("🚀 Job for %s finished!", finalFilename)
}
