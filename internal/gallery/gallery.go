// Package gallery serves the saved end-of-shot screenshots over HTTP so
// past shots can be reviewed from a phone on the local network.
package gallery

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

const indexTTL = 30 * time.Second

var indexTemplate = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html>
<head>
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Shot gallery</title>
<style>
body { background: #111; color: #ddd; font-family: sans-serif; margin: 1em; }
.grid { display: grid; grid-template-columns: repeat(auto-fill, minmax(240px, 1fr)); gap: 1em; }
.card img { width: 100%; display: block; }
.card .name { font-size: 0.8em; padding: 0.3em 0; }
</style>
</head>
<body>
<h1>Shots</h1>
<div class="grid">
{{range .}}<div class="card"><a href="/images/{{.Name}}"><img src="/images/{{.Name}}" loading="lazy"></a><div class="name">{{.Name}}</div></div>
{{end}}</div>
</body>
</html>
`))

// shotImage is one gallery entry.
type shotImage struct {
	Name    string
	ModTime time.Time
}

// Server lists and serves shot images from a directory.
type Server struct {
	dir  string
	http *http.Server
}

// New builds a gallery server for the given image directory.
func New(addr, dir string) *Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	s := &Server{dir: dir}

	limited := rateLimiter(rate.Limit(10), 20)
	pages := cache.New(indexTTL, 2*indexTTL)

	r.GET("/", limited, cached(pages, indexTTL), s.index)
	r.GET("/images/:name", limited, s.image)

	s.http = &http.Server{Addr: addr, Handler: r}
	return s
}

// Run serves until Shutdown. Always returns a non-nil error.
func (s *Server) Run() error {
	slog.Info("[gallery] serving", "addr", s.http.Addr, "dir", s.dir)
	return s.http.ListenAndServe()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

func (s *Server) index(c *gin.Context) {
	images, err := s.listImages()
	if err != nil {
		slog.Error("[gallery] listing images failed", "error", err)
		c.String(http.StatusInternalServerError, "gallery unavailable")
		return
	}

	var buf strings.Builder
	if err := indexTemplate.Execute(&buf, images); err != nil {
		c.String(http.StatusInternalServerError, "render failed")
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(buf.String()))
}

func (s *Server) image(c *gin.Context) {
	name := c.Param("name")
	// Reject anything that could escape the image directory.
	if name != filepath.Base(name) || !isImage(name) {
		c.AbortWithStatus(http.StatusNotFound)
		return
	}
	path := filepath.Join(s.dir, name)
	if _, err := os.Stat(path); err != nil {
		c.AbortWithStatus(http.StatusNotFound)
		return
	}
	c.File(path)
}

// listImages returns the directory's images, newest first.
func (s *Server) listImages() ([]shotImage, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", s.dir, err)
	}

	var images []shotImage
	for _, entry := range entries {
		if entry.IsDir() || !isImage(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		images = append(images, shotImage{Name: entry.Name(), ModTime: info.ModTime()})
	}
	sort.Slice(images, func(i, j int) bool {
		return images[i].ModTime.After(images[j].ModTime)
	})
	return images, nil
}

func isImage(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".png", ".jpg", ".jpeg":
		return true
	}
	return false
}
