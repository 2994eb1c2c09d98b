package transcode

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"

	"github.com/seanp01/Audiobook-Bot/internal/media"
)

// fakeService serves /process and DELETE /temp, handing out sequential temp
// names and remembering deletions.
type fakeService struct {
	seq     atomic.Int64
	deleted chan string
}

func newFakeService(t *testing.T) (*fakeService, *media.Client) {
	t.Helper()
	fs := &fakeService{deleted: make(chan string, 16)}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/process":
			var req media.ProcessRequest
			json.NewDecoder(r.Body).Decode(&req)
			n := fs.seq.Add(1)
			json.NewEncoder(w).Encode(media.ProcessResult{
				TempFilePath:     "temp/derived-" + string(rune('a'+n-1)) + ".mp3",
				OriginalFilePath: req.FilePath,
			})
		case r.URL.Path == "/temp" && r.Method == http.MethodDelete:
			var req map[string]string
			json.NewDecoder(r.Body).Decode(&req)
			fs.deleted <- req["tempFilePath"]
			json.NewEncoder(w).Encode(map[string]bool{"success": true})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return fs, media.NewClient(srv.URL, zerolog.Nop())
}

func newTestGateway(t *testing.T, durations map[string]int64) *Gateway {
	t.Helper()
	_, client := newFakeService(t)
	g := NewGateway(client, zerolog.Nop())
	g.probe = func(path string) (int64, error) { return durations[path], nil }
	return g
}

func TestDurationIdentity(t *testing.T) {
	g := newTestGateway(t, map[string]int64{"Dune/Chapter_1.mp3": 600000})

	derived, err := g.Seek(context.Background(), "user1", "Dune/Chapter_1.mp3", 150000, 1.0)
	if err != nil {
		t.Fatalf("Seek() error = %v", err)
	}

	srcDur, _ := g.DurationMs("Dune/Chapter_1.mp3")
	derDur, err := g.DurationMs(derived)
	if err != nil {
		t.Fatalf("DurationMs(derived) error = %v", err)
	}

	// sourceDuration - derivedDuration == offset skipped
	if diff := srcDur - derDur; diff != 150000 {
		t.Errorf("source - derived = %d, want 150000", diff)
	}
}

func TestSourceElapsedAccountsForOffsetAndSpeed(t *testing.T) {
	g := newTestGateway(t, map[string]int64{"src.mp3": 600000})

	derived, err := g.Respeed(context.Background(), "user1", "src.mp3", 60000, 1.5)
	if err != nil {
		t.Fatalf("Respeed() error = %v", err)
	}

	// 20s of derived playback at 1.5x consumes 30s of source.
	if got := g.SourceElapsedMs(derived, 20000); got != 90000 {
		t.Errorf("SourceElapsedMs = %d, want 90000", got)
	}
	// Canonical refs pass through untouched.
	if got := g.SourceElapsedMs("src.mp3", 20000); got != 20000 {
		t.Errorf("SourceElapsedMs(canonical) = %d, want 20000", got)
	}
}

func TestProcessRebasesDerivedRefs(t *testing.T) {
	g := newTestGateway(t, map[string]int64{"src.mp3": 600000})
	ctx := context.Background()

	first, err := g.Seek(ctx, "user1", "src.mp3", 100000, 1.0)
	if err != nil {
		t.Fatal(err)
	}
	second, err := g.Seek(ctx, "user1", first, 50000, 1.0)
	if err != nil {
		t.Fatal(err)
	}

	d, ok := g.Derivation(second)
	if !ok {
		t.Fatal("second derivation not recorded")
	}
	if d.Source != "src.mp3" || d.OffsetMs != 150000 {
		t.Errorf("derivation = %+v, want source src.mp3 offset 150000", d)
	}
}

func TestSweepRemovesAbsentUsers(t *testing.T) {
	fs, client := newFakeService(t)
	g := NewGateway(client, zerolog.Nop())
	g.probe = func(string) (int64, error) { return 0, nil }
	ctx := context.Background()

	stays, _ := g.Seek(ctx, "present", "a.mp3", 1000, 1.0)
	goes, _ := g.Seek(ctx, "absent", "b.mp3", 1000, 1.0)

	g.Sweep(ctx, map[string]bool{"present": true})

	select {
	case deleted := <-fs.deleted:
		if deleted != goes {
			t.Errorf("deleted %q, want %q", deleted, goes)
		}
	default:
		t.Fatal("sweep deleted nothing")
	}

	if _, ok := g.Derivation(goes); ok {
		t.Error("absent user's derivation survived sweep")
	}
	if _, ok := g.Derivation(stays); !ok {
		t.Error("present user's derivation was swept")
	}
}

func TestPartDurationsCached(t *testing.T) {
	probes := 0
	_, client := newFakeService(t)
	g := NewGateway(client, zerolog.Nop())
	g.probe = func(string) (int64, error) {
		probes++
		return 60000, nil
	}

	parts := []string{"Chapter_1.mp3", "Chapter_1-1.mp3"}
	for i := 0; i < 3; i++ {
		got, err := g.PartDurations(parts)
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 2 || got[0] != 60000 {
			t.Fatalf("PartDurations = %v", got)
		}
	}
	if probes != 2 {
		t.Errorf("probed %d times, want 2 (cached after first pass)", probes)
	}
}
