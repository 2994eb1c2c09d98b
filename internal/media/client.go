// Package media is the HTTP client for the external audiobook service: the
// catalog listing, metadata/cover extraction, and the ffmpeg-backed /process
// endpoint that materializes re-encoded segments.
package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/seanp01/Audiobook-Bot/pkg/retrylimit"
)

const defaultTimeout = 60 * time.Second // /process can take a while on long chapters

// Book is one catalog row from GET /audiobooks.
type Book struct {
	Title    string `json:"title"`
	Author   string `json:"author"`
	Genre    string `json:"genre"`
	Playtime int    `json:"playtime"` // seconds
	File     string `json:"file"`
}

// Metadata is the author/title pair embedded in a source file's tags.
type Metadata struct {
	Author string `json:"author"`
	Title  string `json:"title"`
}

// ProcessAction selects what /process does with the source segment.
type ProcessAction string

const (
	ActionSeek  ProcessAction = "seek"
	ActionSpeed ProcessAction = "speed"
)

// ProcessRequest asks the service for a derived segment starting at StartTime
// (milliseconds into the source) at the given tempo.
type ProcessRequest struct {
	FilePath  string        `json:"filePath"`
	StartTime int64         `json:"startTime"`
	Speed     float64       `json:"speed"`
	Action    ProcessAction `json:"action"`
}

// ProcessResult maps the derived temp file back to its source.
type ProcessResult struct {
	TempFilePath     string `json:"tempFilePath"`
	OriginalFilePath string `json:"originalFilePath"`
}

type Client struct {
	baseURL string
	http    *http.Client
	limiter *retrylimit.AdaptiveLimiter
	log     zerolog.Logger
}

func NewClient(baseURL string, log zerolog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: defaultTimeout},
		limiter: retrylimit.NewAdaptiveLimiter(5, 1, 20),
		log:     log.With().Str("part", "media").Logger(),
	}
}

// ListAudiobooks fetches the full catalog.
func (c *Client) ListAudiobooks(ctx context.Context) ([]Book, error) {
	var books []Book
	err := c.call(ctx, http.MethodGet, "/audiobooks", nil, &books)
	if err != nil {
		return nil, fmt.Errorf("list audiobooks: %w", err)
	}
	return books, nil
}

// Metadata reads the author/title tags of a source file.
func (c *Client) Metadata(ctx context.Context, filePath string) (Metadata, error) {
	var meta Metadata
	err := c.call(ctx, http.MethodPost, "/metadata", map[string]string{"filePath": filePath}, &meta)
	if err != nil {
		return Metadata{}, fmt.Errorf("metadata for %s: %w", filePath, err)
	}
	return meta, nil
}

// Cover extracts the embedded cover image and returns its path on the host.
func (c *Client) Cover(ctx context.Context, filePath string) (string, error) {
	var out struct {
		CoverImagePath string `json:"coverImagePath"`
	}
	err := c.call(ctx, http.MethodPost, "/cover", map[string]string{"filePath": filePath}, &out)
	if err != nil {
		return "", fmt.Errorf("cover for %s: %w", filePath, err)
	}
	return out.CoverImagePath, nil
}

// Process materializes a derived segment per req.
func (c *Client) Process(ctx context.Context, req ProcessRequest) (ProcessResult, error) {
	var out ProcessResult
	err := c.call(ctx, http.MethodPost, "/process", req, &out)
	if err != nil {
		return ProcessResult{}, fmt.Errorf("process %s at %dms: %w", req.FilePath, req.StartTime, err)
	}
	if out.OriginalFilePath == "" {
		out.OriginalFilePath = req.FilePath
	}
	return out, nil
}

// DeleteTemp removes a derived temp file on the host.
func (c *Client) DeleteTemp(ctx context.Context, tempFilePath string) error {
	var out struct {
		Success bool `json:"success"`
	}
	err := c.call(ctx, http.MethodDelete, "/temp", map[string]string{"tempFilePath": tempFilePath}, &out)
	if err != nil {
		return fmt.Errorf("delete temp %s: %w", tempFilePath, err)
	}
	if !out.Success {
		return fmt.Errorf("delete temp %s: service reported failure", tempFilePath)
	}
	return nil
}

// call runs one JSON round trip under the adaptive limiter with retries.
func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
	return retrylimit.WithRetry(ctx, c.limiter, func() error {
		var reader io.Reader
		if body != nil {
			raw, err := json.Marshal(body)
			if err != nil {
				return &retrylimit.Fatal{Err: err}
			}
			reader = bytes.NewReader(raw)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return &retrylimit.Fatal{Err: err}
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}

		if resp.StatusCode != http.StatusOK {
			serr := &retrylimit.StatusError{Code: resp.StatusCode, Body: truncate(raw, 200)}
			if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
				return &retrylimit.Fatal{Err: serr}
			}
			return serr
		}

		if out == nil {
			return nil
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return &retrylimit.Fatal{Err: fmt.Errorf("decode %s response: %w", path, err)}
		}
		return nil
	})
}

func truncate(raw []byte, n int) string {
	if len(raw) > n {
		raw = raw[:n]
	}
	return string(raw)
}
