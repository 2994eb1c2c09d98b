package media

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, zerolog.Nop())
}

func TestListAudiobooks(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/audiobooks" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		json.NewEncoder(w).Encode([]Book{
			{Title: "Dune", Author: "Frank Herbert", Genre: "Sci-Fi", Playtime: 75600, File: "Dune.m4b"},
		})
	})

	books, err := c.ListAudiobooks(context.Background())
	if err != nil {
		t.Fatalf("ListAudiobooks() error = %v", err)
	}
	if len(books) != 1 || books[0].Title != "Dune" {
		t.Errorf("ListAudiobooks() = %+v", books)
	}
}

func TestProcessFillsOriginalPath(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req ProcessRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatal(err)
		}
		if req.Action != ActionSeek || req.StartTime != 15000 {
			t.Errorf("unexpected process request: %+v", req)
		}
		// Service omits originalFilePath; client backfills from the request.
		json.NewEncoder(w).Encode(ProcessResult{TempFilePath: "temp/abc.mp3"})
	})

	res, err := c.Process(context.Background(), ProcessRequest{
		FilePath:  "Dune/Chapter_1.mp3",
		StartTime: 15000,
		Speed:     1.0,
		Action:    ActionSeek,
	})
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if res.OriginalFilePath != "Dune/Chapter_1.mp3" {
		t.Errorf("OriginalFilePath = %q, want request path", res.OriginalFilePath)
	}
}

func TestClientErrorIsNotRetried(t *testing.T) {
	calls := 0
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "no such file", http.StatusNotFound)
	})

	if _, err := c.Metadata(context.Background(), "missing.m4b"); err == nil {
		t.Fatal("Metadata() on 404 returned nil error")
	}
	if calls != 1 {
		t.Errorf("404 was retried %d times, want 1 call", calls)
	}
}

func TestDeleteTempFailureSurfaces(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Errorf("method = %s, want DELETE", r.Method)
		}
		json.NewEncoder(w).Encode(map[string]bool{"success": false})
	})

	if err := c.DeleteTemp(context.Background(), "temp/abc.mp3"); err == nil {
		t.Error("DeleteTemp() with success=false returned nil error")
	}
}
