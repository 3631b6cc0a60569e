package api

import (
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
)

// StreamFile serves the active session's HLS playlist and segments. Playlists
// and segments are never cacheable: the playlist rewrites every two seconds
// and segment names are recycled across sessions.
func (h *Handler) StreamFile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}

	dir, ok := h.Streams.ActiveDir()
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("no active stream"))
		return
	}

	name := strings.TrimPrefix(r.URL.Path, "/stream/")
	if name == "" || name != filepath.Base(name) {
		writeError(w, http.StatusNotFound, fmt.Errorf("invalid stream file"))
		return
	}

	var contentType string
	switch filepath.Ext(name) {
	case ".m3u8":
		contentType = "application/vnd.apple.mpegurl"
	case ".ts":
		contentType = "video/mp2t"
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("invalid stream file"))
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-store, max-age=0")
	http.ServeFile(w, r, filepath.Join(dir, name))
}
