// Package delivery serves the viewer pages, the HLS output and session
// status over HTTP.
package delivery

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"hls-bridge/internal/platform/metrics"
	"hls-bridge/internal/segstore"
	"hls-bridge/internal/session"
)

const (
	playlistContentType = "application/vnd.apple.mpegurl"
	segmentContentType  = "video/mp2t"
)

// Pages maps operator-facing routes to files under the public directory.
var Pages = map[string]string{
	"/stream": "index.html",
	"/login":  "login.html",
	"/qr":     "QRGenerate.html",
}

// SessionSource is the read side of the session controller.
type SessionSource interface {
	Snapshot() session.Snapshot
	Subscribe() (updates <-chan session.Snapshot, cancel func())
}

// Handler exposes the delivery endpoints using go-chi.
type Handler struct {
	sessions  SessionSource
	store     *segstore.Store
	publicDir string
	log       *slog.Logger
	metrics   *metrics.Metrics
	upgrader  websocket.Upgrader
}

// NewHandler returns a Handler. Metrics may be nil to disable metric
// recording (e.g. in tests).
func NewHandler(sessions SessionSource, store *segstore.Store, publicDir string, log *slog.Logger, m *metrics.Metrics) *Handler {
	return &Handler{
		sessions:  sessions,
		store:     store,
		publicDir: publicDir,
		log:       log.With(slog.String("component", "delivery")),
		metrics:   m,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Page returns a handler for one static page under the public directory.
func (h *Handler) Page(file string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		http.ServeFile(w, r, filepath.Join(h.publicDir, file))
	}
}

// ServeHLS handles GET /hls/{file}. The store is flat, so any nested or
// dotted path is a 404. Until the transcoder writes a manifest, a placeholder
// live playlist is returned.
func (h *Handler) ServeHLS(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "*")
	if name == "" || strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Cache-Control", "no-cache")
	switch path.Ext(name) {
	case ".m3u8":
		w.Header().Set("Content-Type", playlistContentType)
	case ".ts":
		w.Header().Set("Content-Type", segmentContentType)
	}

	f, err := os.Open(filepath.Join(h.store.Path(), name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && name == segstore.ManifestName {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(segstore.PlaceholderPlaylist()))
			return
		}
		if errors.Is(err, os.ErrNotExist) {
			http.NotFound(w, r)
			return
		}
		h.log.Error("open segment failed", slog.String("file", name), slog.String("error", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.IsDir() {
		http.NotFound(w, r)
		return
	}
	http.ServeContent(w, r, name, info.ModTime(), f)
}

// GetSession handles GET /api/session.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sessions.Snapshot())
}

// GetManifest handles GET /api/manifest: the parsed live window.
func (h *Handler) GetManifest(w http.ResponseWriter, r *http.Request) {
	m, err := h.store.ReadManifest()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		h.log.Warn("read manifest failed", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// Healthz handles GET /healthz.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if _, err := h.store.List(); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
