// Package catalog caches the audiobook catalog from the media service and
// resolves user-supplied titles to entries and ordered chapter segments.
package catalog

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/seanp01/Audiobook-Bot/internal/media"
)

// DefaultTTL is how long a fetched catalog stays fresh.
const DefaultTTL = 7 * 24 * time.Hour

var (
	// ErrNoMatch means no catalog title cleared the matching bar.
	ErrNoMatch = errors.New("no matching audiobook found")
	// ErrNoSegments means the requested chapter has no segment files.
	ErrNoSegments = errors.New("chapter has no segments")
)

// Entry is one immutable catalog row.
type Entry struct {
	Title           string
	Author          string
	Genre           string
	DurationSeconds int
	File            string // source file ref on the media host
}

// Dir returns the segment directory name for the entry (file base without
// extension, per the library's folder-per-title layout).
func (e Entry) Dir() string {
	base := filepath.Base(strings.ReplaceAll(e.File, `\`, `/`))
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Filter narrows a Browse listing. Zero values match everything.
type Filter struct {
	Genre  string
	Author string
	Search string
}

type Library struct {
	client *media.Client
	root   string // mount point holding one directory of segments per title
	ttl    time.Duration

	mu        sync.RWMutex
	entries   []Entry
	titles    []string
	fetchedAt time.Time

	refreshing atomic.Bool
	log        zerolog.Logger
}

func NewLibrary(client *media.Client, root string, log zerolog.Logger) *Library {
	return &Library{
		client: client,
		root:   root,
		ttl:    DefaultTTL,
		log:    log.With().Str("part", "catalog").Logger(),
	}
}

// Refresh fetches the catalog now. Single-flight: a refresh already running
// makes this call a no-op.
func (l *Library) Refresh(ctx context.Context) error {
	if !l.refreshing.CompareAndSwap(false, true) {
		return nil
	}
	defer l.refreshing.Store(false)

	books, err := l.client.ListAudiobooks(ctx)
	if err != nil {
		return err
	}

	entries := make([]Entry, 0, len(books))
	titles := make([]string, 0, len(books))
	for _, b := range books {
		entries = append(entries, Entry{
			Title:           b.Title,
			Author:          b.Author,
			Genre:           b.Genre,
			DurationSeconds: b.Playtime,
			File:            b.File,
		})
		titles = append(titles, b.Title)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Title < entries[j].Title })
	sort.Strings(titles)

	l.mu.Lock()
	l.entries, l.titles, l.fetchedAt = entries, titles, time.Now()
	l.mu.Unlock()

	l.log.Info().Int("titles", len(titles)).Msg("catalog refreshed")
	return nil
}

// Entries returns the cached catalog, kicking off a background refresh when
// the TTL has lapsed. A stale catalog is still served, never blocked on.
func (l *Library) Entries(ctx context.Context) []Entry {
	l.mu.RLock()
	stale := time.Since(l.fetchedAt) > l.ttl
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	l.mu.RUnlock()

	if stale {
		go func() {
			if err := l.Refresh(context.WithoutCancel(ctx)); err != nil {
				l.log.Error().Err(err).Msg("background catalog refresh failed")
			}
		}()
	}
	return out
}

// Lookup finds an entry by its exact canonical title.
func (l *Library) Lookup(title string) (Entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, e := range l.entries {
		if e.Title == title {
			return e, true
		}
	}
	return Entry{}, false
}

// FindClosestMatch resolves user input to a catalog entry, refreshing first
// if the cache has never been filled.
func (l *Library) FindClosestMatch(ctx context.Context, input string) (Entry, error) {
	l.mu.RLock()
	empty := len(l.titles) == 0
	l.mu.RUnlock()
	if empty {
		if err := l.Refresh(ctx); err != nil {
			return Entry{}, err
		}
	}

	l.mu.RLock()
	titles := l.titles
	l.mu.RUnlock()

	title := closestTitle(input, titles)
	if title == "" {
		return Entry{}, ErrNoMatch
	}
	entry, ok := l.Lookup(title)
	if !ok {
		return Entry{}, ErrNoMatch
	}
	return entry, nil
}

// Browse lists catalog entries matching the filter, sorted by title.
func (l *Library) Browse(ctx context.Context, f Filter) []Entry {
	var out []Entry
	for _, e := range l.Entries(ctx) {
		if f.Genre != "" && !strings.EqualFold(e.Genre, f.Genre) {
			continue
		}
		if f.Author != "" && !strings.EqualFold(e.Author, f.Author) {
			continue
		}
		if f.Search != "" && !strings.Contains(strings.ToLower(e.Title), strings.ToLower(f.Search)) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Segments returns the ordered segment paths for one chapter of an entry.
// ErrNoSegments when the chapter directory holds nothing for that chapter.
func (l *Library) Segments(entry Entry, chapter int) ([]string, error) {
	dir := filepath.Join(l.root, entry.Dir())
	dirents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(dirents))
	for _, d := range dirents {
		if !d.IsDir() {
			names = append(names, d.Name())
		}
	}

	ordered := chapterSegments(names, chapter)
	if len(ordered) == 0 {
		return nil, ErrNoSegments
	}

	paths := make([]string, len(ordered))
	for i, name := range ordered {
		paths[i] = filepath.Join(dir, name)
	}
	return paths, nil
}
