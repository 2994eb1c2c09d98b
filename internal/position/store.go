// Package position persists per-user per-title playback checkpoints.
//
// The durable layout is a JSON document keyed userID -> title -> position.
// The in-memory map is authoritative while a session runs; Flush merges it
// into whatever is already on disk so that several processes sharing the
// file never clobber each other's users.
package position

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Position is one playback checkpoint. Chapter is 1-based, Part 0-based,
// Timestamp in milliseconds within the part.
type Position struct {
	Chapter   int   `json:"chapter"`
	Part      int   `json:"part"`
	Timestamp int64 `json:"timestamp"`
}

// BookProgress pairs a title with its stored position, for resume listings.
type BookProgress struct {
	Title string
	Position
}

type Store struct {
	mu      sync.RWMutex
	data    map[string]map[string]Position
	removed map[string]map[string]struct{}

	file     string
	flushing atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    zerolog.Logger
}

// New loads the store from file (a corrupt or missing file starts empty) and
// begins flushing every interval until Close.
func New(file string, interval time.Duration, log zerolog.Logger) (*Store, error) {
	if file == "" {
		return nil, errors.New("position file path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
		return nil, fmt.Errorf("create position dir: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Store{
		data:    make(map[string]map[string]Position),
		removed: make(map[string]map[string]struct{}),
		file:    file,
		ctx:     ctx,
		cancel:  cancel,
		log:     log.With().Str("part", "position").Logger(),
	}
	s.load()

	s.wg.Add(1)
	go s.autoFlush(interval)

	return s, nil
}

// load reads the durable file. Corruption is not fatal: the store resets to
// empty and the next flush rewrites a valid document.
func (s *Store) load() {
	raw, err := os.ReadFile(s.file)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warn().Err(err).Msg("position file unreadable, starting empty")
		}
		return
	}
	var parsed map[string]map[string]Position
	if err := json.Unmarshal(raw, &parsed); err != nil {
		s.log.Warn().Err(err).Msg("position file corrupt, starting empty")
		return
	}
	s.data = parsed
}

// Get returns the stored position for a user/title pair.
func (s *Store) Get(userID, title string) (Position, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pos, ok := s.data[userID][title]
	return pos, ok
}

// Put records a position in memory; durability comes from the periodic flush.
func (s *Store) Put(userID, title string, pos Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data[userID] == nil {
		s.data[userID] = make(map[string]Position)
	}
	s.data[userID][title] = pos
	if titles := s.removed[userID]; titles != nil {
		delete(titles, title)
		if len(titles) == 0 {
			delete(s.removed, userID)
		}
	}
}

// Remove deletes a user's checkpoint for one title. The deletion is
// tombstoned so the next flush drops it from the durable file too, instead of
// re-adopting the on-disk copy during the merge.
func (s *Store) Remove(userID, title string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if books, ok := s.data[userID]; ok {
		delete(books, title)
		if len(books) == 0 {
			delete(s.data, userID)
		}
	}
	if s.removed[userID] == nil {
		s.removed[userID] = make(map[string]struct{})
	}
	s.removed[userID][title] = struct{}{}
}

// InProgress lists every title the user has a checkpoint for, sorted by title.
func (s *Store) InProgress(userID string) []BookProgress {
	s.mu.RLock()
	defer s.mu.RUnlock()

	books := s.data[userID]
	out := make([]BookProgress, 0, len(books))
	for title, pos := range books {
		out = append(out, BookProgress{Title: title, Position: pos})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Title < out[j].Title })
	return out
}

// Reload merges the durable file back into memory, disk entries winning.
// The dispatcher calls this before composing a resume seed so it honors
// checkpoints the workers flushed after this process loaded the file.
// Tombstoned removals are not re-adopted.
func (s *Store) Reload() {
	raw, err := os.ReadFile(s.file)
	if err != nil {
		return
	}
	var parsed map[string]map[string]Position
	if err := json.Unmarshal(raw, &parsed); err != nil {
		s.log.Warn().Err(err).Msg("position file corrupt, reload skipped")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for userID, books := range parsed {
		for title, pos := range books {
			if _, gone := s.removed[userID][title]; gone {
				continue
			}
			if s.data[userID] == nil {
				s.data[userID] = make(map[string]Position, len(books))
			}
			s.data[userID][title] = pos
		}
	}
}

// Flush merges the in-memory map into the durable file. It is single-flight:
// a call that finds a flush already running returns immediately. The write is
// read-merge-write, so entries written by other processes survive; tombstoned
// removals are applied after the merge so Remove survives it.
func (s *Store) Flush() error {
	if !s.flushing.CompareAndSwap(false, true) {
		return nil
	}
	defer s.flushing.Store(false)

	merged := map[string]map[string]Position{}
	if raw, err := os.ReadFile(s.file); err == nil {
		// Corrupt durable content is dropped, not propagated.
		_ = json.Unmarshal(raw, &merged)
	}

	applied := map[string][]string{}
	s.mu.RLock()
	for userID, books := range s.data {
		if merged[userID] == nil {
			merged[userID] = make(map[string]Position, len(books))
		}
		for title, pos := range books {
			merged[userID][title] = pos
		}
	}
	for userID, titles := range s.removed {
		for title := range titles {
			if books := merged[userID]; books != nil {
				delete(books, title)
				if len(books) == 0 {
					delete(merged, userID)
				}
			}
			applied[userID] = append(applied[userID], title)
		}
	}
	s.mu.RUnlock()

	out, err := json.MarshalIndent(merged, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal positions: %w", err)
	}
	if err := writeFileAtomic(s.file, out); err != nil {
		return err
	}

	// Tombstones added while the write was in flight stay for the next flush.
	s.mu.Lock()
	for userID, titles := range applied {
		set := s.removed[userID]
		if set == nil {
			continue
		}
		for _, title := range titles {
			delete(set, title)
		}
		if len(set) == 0 {
			delete(s.removed, userID)
		}
	}
	s.mu.Unlock()
	return nil
}

// Close stops the flush loop and writes a final snapshot.
func (s *Store) Close() error {
	s.cancel()
	s.wg.Wait()
	return s.Flush()
}

func (s *Store) autoFlush(interval time.Duration) {
	defer s.wg.Done()

	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.Flush(); err != nil {
				// Degrade to in-memory for this cycle; never kill the session.
				s.log.Error().Err(err).Msg("position flush failed")
			}
		}
	}
}

// writeFileAtomic writes via a temp file and rename so a crash mid-write
// never leaves a torn document behind.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	f, err := os.OpenFile(tmp, os.O_RDWR, 0o644)
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("open temp file for sync: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync temp file: %w", err)
	}
	f.Close()
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
