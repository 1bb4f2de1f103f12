// Package frontend serves the embedded web client. The client is a single
// page that walks the pairing flow (enter code, confirm over the REST API)
// and then talks the websocket protocol directly to the hub.
package frontend

import (
	"embed"
	"io"
	"io/fs"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
)

//go:embed public
var publicFS embed.FS

func init() {
	// Ensure .webmanifest files are served with the correct MIME type.
	_ = mime.AddExtensionType(".webmanifest", "application/manifest+json")
}

// Handler returns an http.Handler that serves the embedded web client with
// SPA fallback routing: unknown extension-less paths get index.html.
func Handler() http.Handler {
	sub, _ := fs.Sub(publicFS, "public")
	return &spaHandler{fs: sub}
}

type spaHandler struct {
	fs fs.FS
}

func (h *spaHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/")
	if path == "" {
		path = "index.html"
	}

	if h.serveFile(w, r, path) {
		return
	}

	// If the path has a file extension, it's a missing static asset — 404.
	base := path[strings.LastIndex(path, "/")+1:]
	if strings.Contains(base, ".") {
		http.NotFound(w, r)
		return
	}

	// SPA fallback: serve index.html for route paths like /mobile.
	h.serveFile(w, r, "index.html")
}

func (h *spaHandler) serveFile(w http.ResponseWriter, r *http.Request, path string) bool {
	f, err := h.fs.Open(path)
	if err != nil {
		return false
	}
	defer func() { _ = f.Close() }()

	stat, err := f.Stat()
	if err != nil || stat.IsDir() {
		return false
	}

	setCacheHeaders(w, path)
	if ct := mime.TypeByExtension(filepath.Ext(path)); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	http.ServeContent(w, r, path, stat.ModTime(), f.(io.ReadSeeker))
	return true
}

// setCacheHeaders sets caching headers based on the file path.
func setCacheHeaders(w http.ResponseWriter, path string) {
	// index.html must not be cached so client updates take effect on reload.
	if path == "index.html" {
		w.Header().Set("Cache-Control", "no-cache")
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=3600")
}
