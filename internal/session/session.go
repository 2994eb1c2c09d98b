// Package session runs one listener's playback: the state machine over
// chapters and parts, the position ticker, the control handlers behind the
// buttons, and the now-playing message.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/seanp01/Audiobook-Bot/internal/catalog"
	"github.com/seanp01/Audiobook-Bot/internal/position"
)

type State int

const (
	StateIdle State = iota
	StateLoading
	StatePlaying
	StatePaused
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateEnded:
		return "ended"
	}
	return "unknown"
}

var (
	ErrUnknownTitle   = errors.New("title is not in the catalog")
	ErrEmptyChapter   = errors.New("chapter has no segments")
	ErrSeekOutOfRange = errors.New("seek target is outside the chapter")
	ErrNotActive      = errors.New("session is not active")
)

const (
	defaultSkipMs     = 10_000
	inactivityTimeout = 5 * time.Minute
)

// Seed is everything a worker needs to start playback for one listener. The
// master composes it, the control channel carries it.
type Seed struct {
	SessionID      string  `json:"sessionId"`
	UserID         string  `json:"userId"`
	GuildID        string  `json:"guildId"`
	VoiceChannelID string  `json:"voiceChannelId"`
	TextChannelID  string  `json:"textChannelId"`
	Title          string  `json:"title"`
	Author         string  `json:"author"`
	CoverURL       string  `json:"coverUrl"`
	Chapter        int     `json:"chapter"`
	Part           int     `json:"part"`
	TimestampMs    int64   `json:"timestampMs"`
	Speed          float64 `json:"speed,omitempty"`
}

// VoicePlayer is the slice of the voice engine the session drives.
type VoicePlayer interface {
	Connect(channelID string) error
	Play(path string, startMs int64, onComplete func()) error
	Pause() error
	Resume() error
	Stop()
	IsPaused() bool
	PositionMs() int64
	Disconnect()
}

// Catalog resolves titles and chapter segment lists.
type Catalog interface {
	Lookup(title string) (catalog.Entry, bool)
	Segments(entry catalog.Entry, chapter int) ([]string, error)
}

// Transcoder materializes seek/speed derivatives and owns duration math.
type Transcoder interface {
	Seek(ctx context.Context, userID, source string, offsetMs int64, speed float64) (string, error)
	Respeed(ctx context.Context, userID, source string, offsetMs int64, speed float64) (string, error)
	SourceElapsedMs(ref string, playedMs int64) int64
	PartDurations(parts []string) ([]int64, error)
	CleanupUser(ctx context.Context, userID string)
	ClearCaches()
}

// Positions is the slice of the position store the session touches.
type Positions interface {
	Put(userID, title string, pos position.Position)
	Remove(userID, title string)
	Flush() error
}

type Session struct {
	player     VoicePlayer
	library    Catalog
	transcoder Transcoder
	store      Positions
	ui         *nowPlayingUI
	log        zerolog.Logger

	seed  Seed
	entry catalog.Entry

	// controls serializes mutating handlers; overlapping presses drop.
	controls sync.Mutex

	mu        sync.Mutex
	state     State
	chapter   int
	part      int
	parts     []string
	partDur   []int64
	current   string // ref the player is consuming, canonical or derived
	speed     float64
	playSeq   int64 // bumped per playPart; stale completions check it
	lastInput time.Time

	cancelRun context.CancelFunc
	onEnd     func(reason string)
	endOnce   sync.Once
}

func New(seed Seed, player VoicePlayer, library Catalog, transcoder Transcoder, store Positions, msgr Messenger, onEnd func(reason string), log zerolog.Logger) *Session {
	speed := seed.Speed
	if speed <= 0 {
		speed = 1.0
	}
	s := &Session{
		player:     player,
		library:    library,
		transcoder: transcoder,
		store:      store,
		log:        log.With().Str("part", "session").Str("session", seed.SessionID).Str("user", seed.UserID).Logger(),
		seed:       seed,
		state:      StateIdle,
		speed:      speed,
		lastInput:  time.Now(),
		onEnd:      onEnd,
	}
	if msgr != nil {
		s.ui = newNowPlayingUI(msgr, seed.TextChannelID)
	}
	return s
}

// Start resolves the title, loads the starting chapter, joins voice and
// begins playback. An empty starting chapter advances one chapter and retries
// once before giving up.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	s.state = StateLoading
	s.mu.Unlock()

	entry, ok := s.library.Lookup(s.seed.Title)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTitle, s.seed.Title)
	}

	chapter, part, offset := s.seed.Chapter, s.seed.Part, s.seed.TimestampMs
	if chapter < 1 {
		chapter = 1
	}

	parts, durations, err := s.loadChapter(entry, chapter)
	if errors.Is(err, ErrEmptyChapter) {
		chapter, part, offset = chapter+1, 0, 0
		parts, durations, err = s.loadChapter(entry, chapter)
	}
	if err != nil {
		return err
	}
	if part >= len(parts) {
		part, offset = 0, 0
	}

	if err := s.player.Connect(s.seed.VoiceChannelID); err != nil {
		return fmt.Errorf("voice connect: %w", err)
	}

	s.mu.Lock()
	s.entry = entry
	s.chapter = chapter
	s.part = part
	s.parts = parts
	s.partDur = durations
	s.mu.Unlock()

	if err := s.playPart(ctx, part, offset); err != nil {
		return err
	}

	s.mu.Lock()
	s.state = StatePlaying
	s.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancelRun = cancel
	go s.run(runCtx)

	s.log.Info().Str("title", entry.Title).Int("chapter", chapter).
		Int("part", part).Int64("offset_ms", offset).Msg("session started")
	s.refreshUI()
	return nil
}

func (s *Session) loadChapter(entry catalog.Entry, chapter int) ([]string, []int64, error) {
	parts, err := s.library.Segments(entry, chapter)
	if errors.Is(err, catalog.ErrNoSegments) {
		return nil, nil, fmt.Errorf("%w: chapter %d", ErrEmptyChapter, chapter)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("list chapter %d: %w", chapter, err)
	}
	if len(parts) == 0 {
		return nil, nil, fmt.Errorf("%w: chapter %d", ErrEmptyChapter, chapter)
	}
	durations, err := s.transcoder.PartDurations(parts)
	if err != nil {
		return nil, nil, fmt.Errorf("chapter %d durations: %w", chapter, err)
	}
	return parts, durations, nil
}

// materialize resolves the ref the player should consume for a source part at
// a source offset. Plain sources play directly; anything needing a seek or a
// tempo change goes through the transcoder.
func (s *Session) materialize(ctx context.Context, source string, offsetMs int64) (string, error) {
	if offsetMs <= 0 && s.speed == 1.0 {
		return source, nil
	}
	if offsetMs > 0 {
		return s.transcoder.Seek(ctx, s.seed.UserID, source, offsetMs, s.speed)
	}
	return s.transcoder.Respeed(ctx, s.seed.UserID, source, 0, s.speed)
}

// playPart swaps playback to the given part at a source offset, preserving
// the paused state across the swap. Callers hold no locks.
func (s *Session) playPart(ctx context.Context, part int, offsetMs int64) error {
	s.mu.Lock()
	source := s.parts[part]
	wasPaused := s.state == StatePaused
	s.playSeq++
	seq := s.playSeq
	s.mu.Unlock()

	ref, err := s.materialize(ctx, source, offsetMs)
	if err != nil {
		return fmt.Errorf("materialize %s at %dms: %w", source, offsetMs, err)
	}

	if err := s.player.Play(ref, 0, func() { s.onSegmentComplete(seq) }); err != nil {
		return fmt.Errorf("play %s: %w", ref, err)
	}

	s.mu.Lock()
	s.part = part
	s.current = ref
	s.mu.Unlock()

	if wasPaused {
		s.player.Pause()
	}
	return nil
}

// onSegmentComplete advances the cursor when a part drains: next part, else
// next chapter, else a clean finish of the whole book. A completion that
// queued behind a control which already swapped playback carries an old seq
// and drops, so the advance never runs from a post-control cursor.
func (s *Session) onSegmentComplete(seq int64) {
	s.controls.Lock()
	defer s.controls.Unlock()

	s.mu.Lock()
	if s.state == StateEnded || seq != s.playSeq {
		s.mu.Unlock()
		return
	}
	entry := s.entry
	nextPart := s.part + 1
	partCount := len(s.parts)
	chapter := s.chapter
	s.mu.Unlock()

	ctx := context.Background()

	if nextPart < partCount {
		if err := s.playPart(ctx, nextPart, 0); err != nil {
			s.log.Error().Err(err).Msg("next part failed")
			s.end("playback error")
		}
		return
	}

	parts, durations, err := s.loadChapter(entry, chapter+1)
	if errors.Is(err, ErrEmptyChapter) {
		s.log.Info().Str("title", entry.Title).Msg("book finished")
		s.finishBook(entry.Title)
		return
	}
	if err != nil {
		s.log.Error().Err(err).Msg("next chapter failed")
		s.end("playback error")
		return
	}

	s.mu.Lock()
	s.chapter = chapter + 1
	s.parts = parts
	s.partDur = durations
	s.mu.Unlock()

	if err := s.playPart(ctx, 0, 0); err != nil {
		s.log.Error().Err(err).Msg("next chapter playback failed")
		s.end("playback error")
	}
}

// sourcePositionMs is the cursor within the current part, in source time.
func (s *Session) sourcePositionMs() int64 {
	s.mu.Lock()
	current := s.current
	s.mu.Unlock()
	return s.transcoder.SourceElapsedMs(current, s.player.PositionMs())
}

// run drives the once-per-second duties: position recording, the UI edit,
// and the inactivity check while paused.
func (s *Session) run(ctx context.Context) {
	tick := time.NewTicker(time.Second)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			s.recordPosition()
			s.refreshUI()

			s.mu.Lock()
			idle := s.state == StatePaused && time.Since(s.lastInput) > inactivityTimeout
			s.mu.Unlock()
			if idle {
				s.log.Info().Msg("inactivity timeout")
				s.end("inactivity")
				return
			}
		}
	}
}

func (s *Session) recordPosition() {
	s.mu.Lock()
	if s.state != StatePlaying {
		s.mu.Unlock()
		return
	}
	chapter, part, title := s.chapter, s.part, s.entry.Title
	s.mu.Unlock()

	s.store.Put(s.seed.UserID, title, position.Position{
		Chapter:   chapter,
		Part:      part,
		Timestamp: s.sourcePositionMs(),
	})
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastInput = time.Now()
	s.mu.Unlock()
}

// TogglePause flips between playing and paused. Drops when another control
// is mid-flight.
func (s *Session) TogglePause() error {
	if !s.controls.TryLock() {
		return nil
	}
	defer s.controls.Unlock()
	s.touch()

	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StatePlaying:
		if err := s.player.Pause(); err != nil {
			return err
		}
		s.state = StatePaused
	case StatePaused:
		if err := s.player.Resume(); err != nil {
			return err
		}
		s.state = StatePlaying
	default:
		return ErrNotActive
	}
	go s.refreshUI()
	return nil
}

// Skip jumps forward ten seconds, carrying across part and chapter bounds.
func (s *Session) Skip(ctx context.Context) error {
	return s.seekRelative(ctx, defaultSkipMs)
}

// Back jumps backward ten seconds, carrying across part and chapter bounds.
func (s *Session) Back(ctx context.Context) error {
	return s.seekRelative(ctx, -defaultSkipMs)
}

func (s *Session) seekRelative(ctx context.Context, deltaMs int64) error {
	if !s.controls.TryLock() {
		return nil
	}
	defer s.controls.Unlock()
	s.touch()

	s.mu.Lock()
	if s.state != StatePlaying && s.state != StatePaused {
		s.mu.Unlock()
		return ErrNotActive
	}
	entry, chapter, part := s.entry, s.chapter, s.part
	durations := s.partDur
	s.mu.Unlock()

	pos := s.sourcePositionMs()
	land := seekWithin(durations, part, pos, deltaMs)

	switch land.crossed {
	case 0:
		return s.playPart(ctx, land.part, land.offsetMs)

	case 1:
		parts, nextDur, err := s.loadChapter(entry, chapter+1)
		if errors.Is(err, ErrEmptyChapter) {
			// Skipping past the last chapter finishes the book.
			s.finishBook(entry.Title)
			return nil
		}
		if err != nil {
			return err
		}
		offset := land.offsetMs
		if offset >= nextDur[0] {
			offset = 0
		}
		s.mu.Lock()
		s.chapter = chapter + 1
		s.parts = parts
		s.partDur = nextDur
		s.mu.Unlock()
		return s.playPart(ctx, 0, offset)

	default: // crossed == -1
		if chapter <= 1 {
			return s.playPart(ctx, 0, 0)
		}
		parts, prevDur, err := s.loadChapter(entry, chapter-1)
		if err != nil {
			return err
		}
		last := len(parts) - 1
		offset := prevDur[last] + land.offsetMs // carry is negative
		if offset < 0 {
			offset = 0
		}
		s.mu.Lock()
		s.chapter = chapter - 1
		s.parts = parts
		s.partDur = prevDur
		s.mu.Unlock()
		return s.playPart(ctx, last, offset)
	}
}

// SeekTo jumps to an absolute chapter timestamp ("mm:ss" or "hh:mm:ss").
// Targets outside the chapter are rejected without touching playback.
func (s *Session) SeekTo(ctx context.Context, ts string) error {
	if !s.controls.TryLock() {
		return nil
	}
	defer s.controls.Unlock()
	s.touch()

	target, err := parseTimestamp(ts)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.state != StatePlaying && s.state != StatePaused {
		s.mu.Unlock()
		return ErrNotActive
	}
	durations := s.partDur
	s.mu.Unlock()

	if target < 0 || target > chapterTotal(durations) {
		return fmt.Errorf("%w: %s", ErrSeekOutOfRange, ts)
	}

	part, offset := locateAbsolute(durations, target)
	return s.playPart(ctx, part, offset)
}

// ChangeSpeed re-encodes the current position at a new tempo. The tempo
// sticks for the rest of the session, chapter changes included.
func (s *Session) ChangeSpeed(ctx context.Context, speed float64) error {
	if speed <= 0 {
		return fmt.Errorf("invalid speed %v", speed)
	}
	if !s.controls.TryLock() {
		return nil
	}
	defer s.controls.Unlock()
	s.touch()

	s.mu.Lock()
	if s.state != StatePlaying && s.state != StatePaused {
		s.mu.Unlock()
		return ErrNotActive
	}
	part := s.part
	s.mu.Unlock()

	pos := s.sourcePositionMs()

	s.mu.Lock()
	s.speed = speed
	s.mu.Unlock()

	return s.playPart(ctx, part, pos)
}

// ChangeChapter moves delta whole chapters. Below chapter 1 it stays put, and
// an empty target chapter aborts without moving.
func (s *Session) ChangeChapter(ctx context.Context, delta int) error {
	if !s.controls.TryLock() {
		return nil
	}
	defer s.controls.Unlock()
	s.touch()

	s.mu.Lock()
	if s.state != StatePlaying && s.state != StatePaused {
		s.mu.Unlock()
		return ErrNotActive
	}
	entry, chapter := s.entry, s.chapter
	s.mu.Unlock()

	target := chapter + delta
	if target < 1 {
		s.log.Debug().Msg("already at the first chapter")
		return nil
	}

	parts, durations, err := s.loadChapter(entry, target)
	if err != nil {
		if errors.Is(err, ErrEmptyChapter) {
			s.log.Debug().Int("chapter", target).Msg("target chapter is empty, staying put")
			return nil
		}
		return err
	}

	s.mu.Lock()
	s.chapter = target
	s.parts = parts
	s.partDur = durations
	s.mu.Unlock()
	return s.playPart(ctx, 0, 0)
}

// finishBook ends a session whose book ran out of chapters. The stored
// position is cleared, so the ended state has to be set first or the final
// position record would resurrect it.
func (s *Session) finishBook(title string) {
	s.mu.Lock()
	s.state = StateEnded
	s.mu.Unlock()
	s.store.Remove(s.seed.UserID, title)
	s.end("finished")
}

// End tears the session down: final position, flush, voice teardown, temp
// cleanup. Idempotent.
func (s *Session) End(reason string) {
	s.end(reason)
}

func (s *Session) end(reason string) {
	s.endOnce.Do(func() {
		s.recordPosition()

		s.mu.Lock()
		s.state = StateEnded
		s.mu.Unlock()

		if s.cancelRun != nil {
			s.cancelRun()
		}

		s.player.Stop()
		s.player.Disconnect()

		if err := s.store.Flush(); err != nil {
			s.log.Error().Err(err).Msg("final position flush failed")
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		s.transcoder.CleanupUser(ctx, s.seed.UserID)
		s.transcoder.ClearCaches()

		if s.ui != nil {
			s.ui.Close(reason)
		}
		s.log.Info().Str("reason", reason).Msg("session ended")

		if s.onEnd != nil {
			s.onEnd(reason)
		}
	})
}

// SeedInfo returns the seed this session was started from.
func (s *Session) SeedInfo() Seed {
	return s.seed
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) refreshUI() {
	if s.ui == nil {
		return
	}
	pos := s.sourcePositionMs()

	s.mu.Lock()
	snap := uiSnapshot{
		title:     s.entry.Title,
		author:    s.seed.Author,
		coverURL:  s.seed.CoverURL,
		chapter:   s.chapter,
		part:      s.part + 1,
		partCount: len(s.parts),
		paused:    s.state == StatePaused,
		speed:     s.speed,
		elapsedMs: chapterElapsed(s.partDur, s.part, pos),
		chapterMs: chapterTotal(s.partDur),
	}
	s.mu.Unlock()

	s.ui.Render(snap)
}
