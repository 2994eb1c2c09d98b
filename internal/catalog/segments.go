package catalog

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Segment filenames follow the grammar:
//
//	Chapter_<chapter:int>[-<part:int>].mp3
//
// A missing part means part 0. Anything that doesn't parse is skipped.
var segmentName = regexp.MustCompile(`^Chapter_(\d+)(?:-(\d+))?`)

// parseSegmentName extracts chapter and part numbers from a segment filename.
func parseSegmentName(name string) (chapter, part int, ok bool) {
	if !strings.HasSuffix(strings.ToLower(name), ".mp3") {
		return 0, 0, false
	}
	m := segmentName.FindStringSubmatch(name)
	if m == nil {
		return 0, 0, false
	}
	chapter, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, 0, false
	}
	if m[2] != "" {
		part, err = strconv.Atoi(m[2])
		if err != nil {
			return 0, 0, false
		}
	}
	return chapter, part, true
}

// chapterSegments filters names down to one chapter and orders them by part.
// An empty result means the chapter does not exist.
func chapterSegments(names []string, chapter int) []string {
	type seg struct {
		name string
		part int
	}
	var segs []seg
	for _, name := range names {
		ch, part, ok := parseSegmentName(name)
		if !ok || ch != chapter {
			continue
		}
		segs = append(segs, seg{name: name, part: part})
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].part < segs[j].part })

	out := make([]string, len(segs))
	for i, s := range segs {
		out[i] = s.name
	}
	return out
}
