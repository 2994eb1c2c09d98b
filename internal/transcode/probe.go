package transcode

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// probeDurationMs reads a file's duration with ffprobe.
func probeDurationMs(path string) (int64, error) {
	out, err := exec.Command("ffprobe",
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	).Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe %s: %w", path, err)
	}

	seconds, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		return 0, fmt.Errorf("parse ffprobe output %q: %w", out, err)
	}
	return int64(seconds * 1000), nil
}
