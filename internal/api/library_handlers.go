package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"peakdecline-live/internal/library"
)

// LibrarySearch proxies a text search against the media library.
func (h *Handler) LibrarySearch(w http.ResponseWriter, r *http.Request) {
	if !h.libraryRequest(w, r) {
		return
	}
	query := strings.TrimSpace(r.URL.Query().Get("query"))
	if query == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("query parameter is required"))
		return
	}
	items, err := h.Library.Search(r.Context(), query)
	if err != nil {
		writeError(w, libraryErrorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]library.Item{"items": items})
}

// LibraryChildren proxies container listing, such as a show's seasons.
func (h *Handler) LibraryChildren(w http.ResponseWriter, r *http.Request) {
	if !h.libraryRequest(w, r) {
		return
	}
	key := strings.TrimSpace(r.URL.Query().Get("key"))
	if key == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("key parameter is required"))
		return
	}
	items, err := h.Library.Children(r.Context(), key)
	if err != nil {
		writeError(w, libraryErrorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]library.Item{"items": items})
}

// LibraryMetadata proxies a single item's metadata and track options.
func (h *Handler) LibraryMetadata(w http.ResponseWriter, r *http.Request) {
	if !h.libraryRequest(w, r) {
		return
	}
	key := strings.TrimPrefix(r.URL.Path, "/api/library/metadata/")
	if key == "" || strings.Contains(key, "/") {
		writeError(w, http.StatusNotFound, fmt.Errorf("media key missing"))
		return
	}
	info, err := h.Library.Metadata(r.Context(), key)
	if err != nil {
		writeError(w, libraryErrorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// LibraryImage streams library artwork so clients never see the upstream
// server token.
func (h *Handler) LibraryImage(w http.ResponseWriter, r *http.Request) {
	if !h.libraryRequest(w, r) {
		return
	}
	path := strings.TrimSpace(r.URL.Query().Get("path"))
	if path == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("path parameter is required"))
		return
	}
	body, contentType, err := h.Library.Image(r.Context(), path)
	if err != nil {
		writeError(w, libraryErrorStatus(err), err)
		return
	}
	defer body.Close()
	if contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}
	_, _ = io.Copy(w, body)
}

func (h *Handler) libraryRequest(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return false
	}
	if _, ok := h.requireAuthenticatedUser(w, r); !ok {
		return false
	}
	if h.Library == nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("media library not configured"))
		return false
	}
	return true
}

func libraryErrorStatus(err error) int {
	if errors.Is(err, library.ErrNotFound) {
		return http.StatusNotFound
	}
	return http.StatusBadGateway
}
