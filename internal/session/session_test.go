package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/seanp01/Audiobook-Bot/internal/catalog"
	"github.com/seanp01/Audiobook-Bot/internal/position"
)

type fakePlayer struct {
	mu         sync.Mutex
	connected  string
	played     []string
	paused     bool
	positionMs int64
	onComplete func()
}

func (p *fakePlayer) Connect(channelID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = channelID
	return nil
}

func (p *fakePlayer) Play(path string, startMs int64, onComplete func()) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.played = append(p.played, path)
	p.paused = false
	p.positionMs = 0
	p.onComplete = onComplete
	return nil
}

func (p *fakePlayer) Pause() error  { p.mu.Lock(); defer p.mu.Unlock(); p.paused = true; return nil }
func (p *fakePlayer) Resume() error { p.mu.Lock(); defer p.mu.Unlock(); p.paused = false; return nil }
func (p *fakePlayer) Stop()         {}
func (p *fakePlayer) IsPaused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}
func (p *fakePlayer) PositionMs() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.positionMs
}
func (p *fakePlayer) Disconnect() {}

func (p *fakePlayer) setPosition(ms int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.positionMs = ms
}

func (p *fakePlayer) lastPlayed() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.played) == 0 {
		return ""
	}
	return p.played[len(p.played)-1]
}

func (p *fakePlayer) finishSegment() {
	p.mu.Lock()
	cb := p.onComplete
	p.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// fakeCatalog holds one book with a fixed chapter layout.
type fakeCatalog struct {
	entry    catalog.Entry
	chapters map[int][]string
}

func (c *fakeCatalog) Lookup(title string) (catalog.Entry, bool) {
	if title != c.entry.Title {
		return catalog.Entry{}, false
	}
	return c.entry, true
}

func (c *fakeCatalog) Segments(_ catalog.Entry, chapter int) ([]string, error) {
	return c.chapters[chapter], nil
}

// fakeTranscoder names derivatives after their inputs so tests can assert on
// what was requested, and answers elapsed math from the recorded derivation.
type fakeTranscoder struct {
	mu        sync.Mutex
	durations map[string]int64
	derived   map[string]Derivedness
	cleaned   []string
}

type Derivedness struct {
	OffsetMs int64
	Speed    float64
}

func newFakeTranscoder(durations map[string]int64) *fakeTranscoder {
	return &fakeTranscoder{durations: durations, derived: map[string]Derivedness{}}
}

func (f *fakeTranscoder) derive(source string, offsetMs int64, speed float64) string {
	ref := fmt.Sprintf("derived(%s@%d@%g)", source, offsetMs, speed)
	f.mu.Lock()
	f.derived[ref] = Derivedness{OffsetMs: offsetMs, Speed: speed}
	f.mu.Unlock()
	return ref
}

func (f *fakeTranscoder) Seek(_ context.Context, _, source string, offsetMs int64, speed float64) (string, error) {
	return f.derive(source, offsetMs, speed), nil
}

func (f *fakeTranscoder) Respeed(_ context.Context, _, source string, offsetMs int64, speed float64) (string, error) {
	return f.derive(source, offsetMs, speed), nil
}

func (f *fakeTranscoder) SourceElapsedMs(ref string, playedMs int64) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := f.derived[ref]; ok {
		return d.OffsetMs + int64(float64(playedMs)*d.Speed)
	}
	return playedMs
}

func (f *fakeTranscoder) PartDurations(parts []string) ([]int64, error) {
	out := make([]int64, len(parts))
	for i, p := range parts {
		out[i] = f.durations[p]
	}
	return out, nil
}

func (f *fakeTranscoder) CleanupUser(_ context.Context, userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleaned = append(f.cleaned, userID)
}

func (f *fakeTranscoder) ClearCaches() {}

type fakeStore struct {
	mu      sync.Mutex
	saved   map[string]position.Position
	removed []string
	flushes int
}

func newFakeStore() *fakeStore { return &fakeStore{saved: map[string]position.Position{}} }

func (s *fakeStore) Put(userID, title string, pos position.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved[userID+"/"+title] = pos
}

func (s *fakeStore) Remove(userID, title string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed = append(s.removed, userID+"/"+title)
}

func (s *fakeStore) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushes++
	return nil
}

// Two chapters: chapter 1 has two parts (60s, 30s), chapter 2 one part (45s).
// Chapter 3 does not exist.
func newTestSession(t *testing.T, seed Seed) (*Session, *fakePlayer, *fakeTranscoder, *fakeStore) {
	t.Helper()

	lib := &fakeCatalog{
		entry: catalog.Entry{Title: "Dune", File: "Dune.m4b"},
		chapters: map[int][]string{
			1: {"Dune/Chapter_1.mp3", "Dune/Chapter_1-1.mp3"},
			2: {"Dune/Chapter_2.mp3"},
		},
	}
	tc := newFakeTranscoder(map[string]int64{
		"Dune/Chapter_1.mp3":   60000,
		"Dune/Chapter_1-1.mp3": 30000,
		"Dune/Chapter_2.mp3":   45000,
	})
	player := &fakePlayer{}
	store := newFakeStore()

	seed.UserID = "user1"
	seed.VoiceChannelID = "voice1"
	seed.Title = "Dune"
	s := New(seed, player, lib, tc, store, nil, nil, zerolog.Nop())
	t.Cleanup(func() { s.End("test done") })
	return s, player, tc, store
}

func TestStartFromBeginning(t *testing.T) {
	s, player, _, _ := newTestSession(t, Seed{Chapter: 1})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if got := player.lastPlayed(); got != "Dune/Chapter_1.mp3" {
		t.Errorf("played %q, want the canonical first part", got)
	}
	if s.State() != StatePlaying {
		t.Errorf("state = %v, want playing", s.State())
	}
}

func TestStartResumesStoredPosition(t *testing.T) {
	s, player, _, _ := newTestSession(t, Seed{Chapter: 1, Part: 1, TimestampMs: 5000})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	want := "derived(Dune/Chapter_1-1.mp3@5000@1)"
	if got := player.lastPlayed(); got != want {
		t.Errorf("played %q, want %q", got, want)
	}
}

func TestStartEmptyChapterRetriesOnce(t *testing.T) {
	// Chapter 3 is empty; starting there should give up rather than scan on.
	s, _, _, _ := newTestSession(t, Seed{Chapter: 3})
	if err := s.Start(context.Background()); err == nil {
		t.Fatal("Start() on a missing chapter and its successor should fail")
	}
}

func TestPartEndAdvancesWithinChapter(t *testing.T) {
	s, player, _, _ := newTestSession(t, Seed{Chapter: 1})
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	player.finishSegment()
	if got := player.lastPlayed(); got != "Dune/Chapter_1-1.mp3" {
		t.Errorf("played %q after part end, want second part", got)
	}
}

func TestChapterEndAdvancesToNextChapter(t *testing.T) {
	s, player, _, _ := newTestSession(t, Seed{Chapter: 1, Part: 1})
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	player.finishSegment()
	if got := player.lastPlayed(); got != "Dune/Chapter_2.mp3" {
		t.Errorf("played %q after chapter end, want chapter 2", got)
	}
}

func TestBookEndFinishesCleanly(t *testing.T) {
	s, player, _, store := newTestSession(t, Seed{Chapter: 2})
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	player.finishSegment()
	if s.State() != StateEnded {
		t.Errorf("state = %v after the last chapter drained, want ended", s.State())
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.removed) != 1 || store.removed[0] != "user1/Dune" {
		t.Errorf("finished book should clear the stored position, removed = %v", store.removed)
	}
}

func TestSkipCarriesIntoNextPart(t *testing.T) {
	s, player, _, _ := newTestSession(t, Seed{Chapter: 1})
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	player.setPosition(55000)

	if err := s.Skip(context.Background()); err != nil {
		t.Fatalf("Skip() error = %v", err)
	}
	want := "derived(Dune/Chapter_1-1.mp3@5000@1)"
	if got := player.lastPlayed(); got != want {
		t.Errorf("played %q, want %q", got, want)
	}
}

func TestBackCarriesIntoPreviousChapter(t *testing.T) {
	s, player, _, _ := newTestSession(t, Seed{Chapter: 2})
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	player.setPosition(3000)

	if err := s.Back(context.Background()); err != nil {
		t.Fatalf("Back() error = %v", err)
	}
	// 7s before chapter 2 lands 7s before the end of chapter 1's last part.
	want := "derived(Dune/Chapter_1-1.mp3@23000@1)"
	if got := player.lastPlayed(); got != want {
		t.Errorf("played %q, want %q", got, want)
	}
}

func TestBackClampsAtBookStart(t *testing.T) {
	s, player, _, _ := newTestSession(t, Seed{Chapter: 1})
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	player.setPosition(3000)

	if err := s.Back(context.Background()); err != nil {
		t.Fatalf("Back() error = %v", err)
	}
	if got := player.lastPlayed(); got != "Dune/Chapter_1.mp3" {
		t.Errorf("played %q, want a clamp to the chapter start", got)
	}
}

func TestSeekToRejectsOutOfRangeWithoutMutation(t *testing.T) {
	s, player, _, _ := newTestSession(t, Seed{Chapter: 1})
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	playedBefore := len(player.played)

	err := s.SeekTo(context.Background(), "02:00:00")
	if err == nil {
		t.Fatal("SeekTo past the chapter end should be rejected")
	}
	if len(player.played) != playedBefore {
		t.Error("rejected seek must not touch playback")
	}
}

func TestSeekToResolvesContainingPart(t *testing.T) {
	s, player, _, _ := newTestSession(t, Seed{Chapter: 1})
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := s.SeekTo(context.Background(), "01:10"); err != nil {
		t.Fatalf("SeekTo() error = %v", err)
	}
	// 70s into a 60s+30s chapter is 10s into the second part.
	want := "derived(Dune/Chapter_1-1.mp3@10000@1)"
	if got := player.lastPlayed(); got != want {
		t.Errorf("played %q, want %q", got, want)
	}
}

func TestSpeedPersistsAcrossChapterChange(t *testing.T) {
	s, player, _, _ := newTestSession(t, Seed{Chapter: 1})
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := s.ChangeSpeed(context.Background(), 1.5); err != nil {
		t.Fatalf("ChangeSpeed() error = %v", err)
	}
	if err := s.ChangeChapter(context.Background(), 1); err != nil {
		t.Fatalf("ChangeChapter() error = %v", err)
	}
	got := player.lastPlayed()
	if !strings.Contains(got, "Chapter_2") || !strings.HasSuffix(got, "@1.5)") {
		t.Errorf("played %q, want chapter 2 re-encoded at 1.5x", got)
	}
}

func TestChangeChapterFloorsAtOne(t *testing.T) {
	s, player, _, _ := newTestSession(t, Seed{Chapter: 1})
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	playedBefore := len(player.played)

	if err := s.ChangeChapter(context.Background(), -1); err != nil {
		t.Fatalf("ChangeChapter(-1) error = %v", err)
	}
	if len(player.played) != playedBefore {
		t.Error("chapter change below 1 must stay put")
	}
}

func TestChangeChapterAbortsOnEmptyTarget(t *testing.T) {
	s, player, _, _ := newTestSession(t, Seed{Chapter: 2})
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	playedBefore := len(player.played)

	if err := s.ChangeChapter(context.Background(), 1); err != nil {
		t.Fatalf("ChangeChapter into a missing chapter should no-op, got %v", err)
	}
	if len(player.played) != playedBefore {
		t.Error("empty target chapter must not move playback")
	}
	if s.State() != StatePlaying {
		t.Errorf("state = %v, want still playing", s.State())
	}
}

func TestStaleCompletionAfterControlDrops(t *testing.T) {
	s, player, _, _ := newTestSession(t, Seed{Chapter: 1})
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	// A segment drains at the same moment a control swaps playback; the
	// drained segment's completion fires after the swap and must not advance
	// from the post-control cursor.
	player.mu.Lock()
	staleComplete := player.onComplete
	player.mu.Unlock()

	if err := s.Skip(context.Background()); err != nil {
		t.Fatalf("Skip() error = %v", err)
	}
	want := "derived(Dune/Chapter_1.mp3@10000@1)"
	if got := player.lastPlayed(); got != want {
		t.Fatalf("played %q after skip, want %q", got, want)
	}

	staleComplete()
	if got := player.lastPlayed(); got != want {
		t.Errorf("stale completion advanced playback to %q", got)
	}
}

func TestTogglePauseFlipsState(t *testing.T) {
	s, player, _, _ := newTestSession(t, Seed{Chapter: 1})
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := s.TogglePause(); err != nil {
		t.Fatal(err)
	}
	if s.State() != StatePaused || !player.IsPaused() {
		t.Error("first toggle should pause")
	}
	if err := s.TogglePause(); err != nil {
		t.Fatal(err)
	}
	if s.State() != StatePlaying || player.IsPaused() {
		t.Error("second toggle should resume")
	}
}

func TestOverlappingControlDrops(t *testing.T) {
	s, player, _, _ := newTestSession(t, Seed{Chapter: 1})
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	s.controls.Lock()
	defer s.controls.Unlock()

	if err := s.TogglePause(); err != nil {
		t.Fatalf("busy control should drop silently, got %v", err)
	}
	if player.IsPaused() {
		t.Error("dropped control must not take effect")
	}
}

func TestEndCleansUp(t *testing.T) {
	s, _, tc, store := newTestSession(t, Seed{Chapter: 1})
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	var reason string
	s.onEnd = func(r string) { reason = r }
	s.End("listener left")

	if s.State() != StateEnded {
		t.Errorf("state = %v, want ended", s.State())
	}
	if reason != "listener left" {
		t.Errorf("onEnd reason = %q", reason)
	}
	tc.mu.Lock()
	cleaned := len(tc.cleaned)
	tc.mu.Unlock()
	if cleaned != 1 {
		t.Error("End must clean up the user's temp files")
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.flushes == 0 {
		t.Error("End must flush positions")
	}
	if _, ok := store.saved["user1/Dune"]; !ok {
		t.Error("End must record the final position")
	}
}
