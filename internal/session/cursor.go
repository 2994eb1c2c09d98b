package session

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrBadTimestamp = errors.New("timestamp must be mm:ss or hh:mm:ss")

// landing is the result of moving a cursor by some delta within a chapter's
// parts. crossed reports when the move left the chapter: -1 means it ran past
// the chapter start (offsetMs is then the negative carry before the start),
// +1 means it ran past the chapter end (offsetMs is the positive carry into
// the next chapter).
type landing struct {
	part     int
	offsetMs int64
	crossed  int
}

// seekWithin moves delta milliseconds from (part, offsetMs), walking part
// boundaries in either direction.
func seekWithin(durations []int64, part int, offsetMs, deltaMs int64) landing {
	pos := offsetMs + deltaMs

	for pos < 0 {
		if part == 0 {
			return landing{part: 0, offsetMs: pos, crossed: -1}
		}
		part--
		pos += durations[part]
	}
	for part < len(durations) && pos >= durations[part] {
		pos -= durations[part]
		part++
	}
	if part >= len(durations) {
		return landing{part: len(durations) - 1, offsetMs: pos, crossed: 1}
	}
	return landing{part: part, offsetMs: pos}
}

// locateAbsolute maps a chapter-absolute position to the containing part and
// the offset within it. The caller validates absMs against chapterTotal.
func locateAbsolute(durations []int64, absMs int64) (int, int64) {
	for i, d := range durations {
		if absMs < d {
			return i, absMs
		}
		absMs -= d
	}
	return len(durations) - 1, durations[len(durations)-1]
}

func chapterTotal(durations []int64) int64 {
	var total int64
	for _, d := range durations {
		total += d
	}
	return total
}

// chapterElapsed is the chapter-absolute position of (part, offsetMs).
func chapterElapsed(durations []int64, part int, offsetMs int64) int64 {
	elapsed := offsetMs
	for i := 0; i < part && i < len(durations); i++ {
		elapsed += durations[i]
	}
	return elapsed
}

// parseTimestamp accepts "hh:mm:ss" or "mm:ss" and returns milliseconds.
func parseTimestamp(ts string) (int64, error) {
	fields := strings.Split(strings.TrimSpace(ts), ":")
	if len(fields) < 2 || len(fields) > 3 {
		return 0, ErrBadTimestamp
	}

	var total int64
	for _, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("%w: %q", ErrBadTimestamp, ts)
		}
		total = total*60 + int64(n)
	}
	return total * 1000, nil
}

// FormatTimestamp renders milliseconds as hh:mm:ss.
func FormatTimestamp(ms int64) string {
	if ms < 0 {
		ms = 0
	}
	secs := ms / 1000
	return fmt.Sprintf("%02d:%02d:%02d", secs/3600, (secs/60)%60, secs%60)
}
