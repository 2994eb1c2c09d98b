// Package imagehost serves extracted cover images over plain HTTP so Discord
// embeds can reference them by URL.
package imagehost

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

type Server struct {
	addr    string
	baseURL string
	dir     string
	srv     *http.Server
	log     zerolog.Logger
}

// New serves the contents of dir under /images on addr. baseURL is the
// outward-facing prefix embeds should use, e.g. http://host:8080.
func New(addr, baseURL, dir string, log zerolog.Logger) *Server {
	return &Server{
		addr:    addr,
		baseURL: baseURL,
		dir:     dir,
		log:     log.With().Str("part", "imagehost").Logger(),
	}
}

// ImageURL builds the public URL for a stored image file.
func (s *Server) ImageURL(filename string) string {
	return s.baseURL + "/images/" + filepath.Base(filename)
}

// Start begins serving. Non-blocking.
func (s *Server) Start() error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Static("/images", s.dir)
	router.GET("/healthz", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	s.srv = &http.Server{Addr: s.addr, Handler: router}
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("image host failed")
		}
	}()
	s.log.Info().Str("addr", s.addr).Str("dir", s.dir).Msg("image host listening")
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(shutdownCtx)
}
