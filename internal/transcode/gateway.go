// Package transcode fronts the media service's /process endpoint and keeps
// the derivation map: which temporary re-encoded segment came from which
// canonical source, at what offset and speed. All elapsed/remaining math for
// derived files goes through here.
package transcode

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/seanp01/Audiobook-Bot/internal/media"
)

// Derivation records how a temp segment was produced from its source.
type Derivation struct {
	Source   string
	OffsetMs int64
	Speed    float64
}

type Gateway struct {
	client *media.Client

	mu        sync.Mutex
	derived   map[string]Derivation          // derived ref -> derivation
	byUser    map[string]map[string]struct{} // user -> derived refs
	durations map[string]int64               // canonical ref -> duration ms
	chapters  map[string][]int64             // chapter key -> part durations ms

	probe func(path string) (int64, error)
	log   zerolog.Logger
}

func NewGateway(client *media.Client, log zerolog.Logger) *Gateway {
	return &Gateway{
		client:    client,
		derived:   make(map[string]Derivation),
		byUser:    make(map[string]map[string]struct{}),
		durations: make(map[string]int64),
		chapters:  make(map[string][]int64),
		probe:     probeDurationMs,
		log:       log.With().Str("part", "transcode").Logger(),
	}
}

// Seek materializes a segment starting offsetMs into source, at speed.
func (g *Gateway) Seek(ctx context.Context, userID, source string, offsetMs int64, speed float64) (string, error) {
	return g.process(ctx, userID, source, offsetMs, speed, media.ActionSeek)
}

// Respeed materializes the same logical position at a new tempo.
func (g *Gateway) Respeed(ctx context.Context, userID, source string, offsetMs int64, speed float64) (string, error) {
	return g.process(ctx, userID, source, offsetMs, speed, media.ActionSpeed)
}

func (g *Gateway) process(ctx context.Context, userID, source string, offsetMs int64, speed float64, action media.ProcessAction) (string, error) {
	if speed <= 0 {
		return "", fmt.Errorf("invalid speed %v", speed)
	}

	// Requests against an already-derived file are rebased onto its source so
	// the map never chains derived -> derived.
	source, offsetMs = g.rebase(source, offsetMs)

	res, err := g.client.Process(ctx, media.ProcessRequest{
		FilePath:  source,
		StartTime: offsetMs,
		Speed:     speed,
		Action:    action,
	})
	if err != nil {
		return "", err
	}

	g.mu.Lock()
	g.derived[res.TempFilePath] = Derivation{Source: source, OffsetMs: offsetMs, Speed: speed}
	if g.byUser[userID] == nil {
		g.byUser[userID] = make(map[string]struct{})
	}
	g.byUser[userID][res.TempFilePath] = struct{}{}
	g.mu.Unlock()

	g.log.Debug().Str("source", source).Int64("offset_ms", offsetMs).
		Float64("speed", speed).Str("derived", res.TempFilePath).Msg("segment derived")
	return res.TempFilePath, nil
}

// rebase maps a possibly-derived ref to its canonical source, folding the
// derivation offset into the requested one (offset is in source time).
func (g *Gateway) rebase(ref string, offsetMs int64) (string, int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if d, ok := g.derived[ref]; ok {
		return d.Source, d.OffsetMs + offsetMs
	}
	return ref, offsetMs
}

// Derivation looks up the record for a derived ref.
func (g *Gateway) Derivation(ref string) (Derivation, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	d, ok := g.derived[ref]
	return d, ok
}

// CanonicalSource returns the source behind a ref; canonical refs map to
// themselves.
func (g *Gateway) CanonicalSource(ref string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if d, ok := g.derived[ref]; ok {
		return d.Source
	}
	return ref
}

// SourceElapsedMs converts a play position within ref to elapsed time within
// its canonical source: skipped offset plus played time scaled by tempo.
func (g *Gateway) SourceElapsedMs(ref string, playedMs int64) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	if d, ok := g.derived[ref]; ok {
		return d.OffsetMs + int64(float64(playedMs)*d.Speed)
	}
	return playedMs
}

// DurationMs returns the duration of a ref in source time. For derived refs
// this is computed from the identity sourceDuration - offset rather than
// probed, so encoder padding never skews the arithmetic.
func (g *Gateway) DurationMs(ref string) (int64, error) {
	g.mu.Lock()
	d, isDerived := g.derived[ref]
	g.mu.Unlock()

	if isDerived {
		src, err := g.DurationMs(d.Source)
		if err != nil {
			return 0, err
		}
		return src - d.OffsetMs, nil
	}

	g.mu.Lock()
	cached, ok := g.durations[ref]
	g.mu.Unlock()
	if ok {
		return cached, nil
	}

	ms, err := g.probe(ref)
	if err != nil {
		return 0, fmt.Errorf("probe duration of %s: %w", ref, err)
	}
	g.mu.Lock()
	g.durations[ref] = ms
	g.mu.Unlock()
	return ms, nil
}

// PartDurations returns the duration of each canonical part of a chapter,
// cached under the joined part list like the chapter-duration cache it
// replaces.
func (g *Gateway) PartDurations(parts []string) ([]int64, error) {
	key := chapterKey(parts)
	g.mu.Lock()
	cached, ok := g.chapters[key]
	g.mu.Unlock()
	if ok {
		return cached, nil
	}

	out := make([]int64, len(parts))
	for i, p := range parts {
		ms, err := g.DurationMs(p)
		if err != nil {
			return nil, err
		}
		out[i] = ms
	}

	g.mu.Lock()
	g.chapters[key] = out
	g.mu.Unlock()
	return out, nil
}

// CleanupUser deletes every derived temp file held for one user.
func (g *Gateway) CleanupUser(ctx context.Context, userID string) {
	g.mu.Lock()
	refs := make([]string, 0, len(g.byUser[userID]))
	for ref := range g.byUser[userID] {
		refs = append(refs, ref)
	}
	delete(g.byUser, userID)
	for _, ref := range refs {
		delete(g.derived, ref)
	}
	g.mu.Unlock()

	for _, ref := range refs {
		if err := g.client.DeleteTemp(ctx, ref); err != nil {
			g.log.Warn().Err(err).Str("ref", ref).Msg("temp file delete failed")
		}
	}
}

// Sweep removes derived files for every user absent from present.
func (g *Gateway) Sweep(ctx context.Context, present map[string]bool) {
	g.mu.Lock()
	var gone []string
	for userID := range g.byUser {
		if !present[userID] {
			gone = append(gone, userID)
		}
	}
	g.mu.Unlock()

	for _, userID := range gone {
		g.log.Info().Str("user", userID).Msg("sweeping temp files for absent listener")
		g.CleanupUser(ctx, userID)
	}
}

// ClearCaches drops the duration caches (session end, or the hourly clear).
func (g *Gateway) ClearCaches() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.durations = make(map[string]int64)
	g.chapters = make(map[string][]int64)
}

func chapterKey(parts []string) string {
	key := ""
	for i, p := range parts {
		if i > 0 {
			key += "|"
		}
		key += p
	}
	return key
}
