package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"peakdecline-live/internal/library"
	"peakdecline-live/internal/models"
	"peakdecline-live/internal/rooms"
)

type createRoomRequest struct {
	Name string `json:"name"`
}

type setMediaRequest struct {
	RatingKey        string  `json:"ratingKey"`
	AudioStreamID    string  `json:"audioStreamId"`
	SubtitleStreamID string  `json:"subtitleStreamId"`
	ViewOffset       float64 `json:"viewOffset"`
}

type setPlaybackRequest struct {
	Action   string  `json:"action"`
	Position float64 `json:"position"`
}

// Rooms lists co-watch rooms or creates one with the caller as host.
func (h *Handler) Rooms(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if _, ok := h.requireAuthenticatedUser(w, r); !ok {
			return
		}
		writeJSON(w, http.StatusOK, h.Store.ListRooms())
	case http.MethodPost:
		user, ok := h.requireAuthenticatedUser(w, r)
		if !ok {
			return
		}
		var req createRoomRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		room, err := h.Store.CreateRoom(req.Name, user.ID)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusCreated, room)
	default:
		w.Header().Set("Allow", "GET, POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
	}
}

// RoomByID routes /api/rooms/{id} and its media, playback, and messages
// subresources.
func (h *Handler) RoomByID(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.TrimPrefix(r.URL.Path, "/api/rooms/")
	parts := strings.Split(strings.Trim(trimmed, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusNotFound, fmt.Errorf("room id missing"))
		return
	}
	id, err := strconv.Atoi(parts[0])
	if err != nil || id <= 0 {
		writeError(w, http.StatusNotFound, fmt.Errorf("invalid room id %q", parts[0]))
		return
	}

	if len(parts) == 1 {
		h.roomResource(w, r, id)
		return
	}

	switch parts[1] {
	case "media":
		h.roomMedia(w, r, id)
	case "playback":
		h.roomPlayback(w, r, id)
	case "messages":
		h.roomMessages(w, r, id)
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown room path"))
	}
}

func (h *Handler) roomResource(w http.ResponseWriter, r *http.Request, id int) {
	switch r.Method {
	case http.MethodGet:
		if _, ok := h.requireAuthenticatedUser(w, r); !ok {
			return
		}
		room, ok := h.Store.GetRoom(id)
		if !ok {
			writeError(w, http.StatusNotFound, fmt.Errorf("room %d not found", id))
			return
		}
		writeJSON(w, http.StatusOK, room)
	case http.MethodDelete:
		user, ok := h.requireAuthenticatedUser(w, r)
		if !ok {
			return
		}
		room, exists := h.Store.GetRoom(id)
		if !exists {
			writeError(w, http.StatusNotFound, fmt.Errorf("room %d not found", id))
			return
		}
		if room.HostID != user.ID {
			writeError(w, http.StatusForbidden, fmt.Errorf("only the host can delete the room"))
			return
		}
		if err := h.Store.DeleteRoom(id); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		w.Header().Set("Allow", "GET, DELETE")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
	}
}

func (h *Handler) roomMedia(w http.ResponseWriter, r *http.Request, id int) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	user, ok := h.requireAuthenticatedUser(w, r)
	if !ok {
		return
	}
	if _, exists := h.Store.GetRoom(id); !exists {
		writeError(w, http.StatusNotFound, fmt.Errorf("room %d not found", id))
		return
	}
	var req setMediaRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	event, err := h.Gateway.SetMedia(r.Context(), user, id, rooms.MediaRequest{
		RatingKey:        req.RatingKey,
		AudioStreamID:    req.AudioStreamID,
		SubtitleStreamID: req.SubtitleStreamID,
		ViewOffset:       req.ViewOffset,
	})
	if err != nil {
		writeError(w, mediaErrorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, event)
}

func (h *Handler) roomPlayback(w http.ResponseWriter, r *http.Request, id int) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	user, ok := h.requireAuthenticatedUser(w, r)
	if !ok {
		return
	}
	if _, exists := h.Store.GetRoom(id); !exists {
		writeError(w, http.StatusNotFound, fmt.Errorf("room %d not found", id))
		return
	}
	var req setPlaybackRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.Gateway.SetPlayback(r.Context(), user, id, rooms.PlaybackAction(req.Action), req.Position); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	room, _ := h.Store.GetRoom(id)
	writeJSON(w, http.StatusOK, room)
}

func (h *Handler) roomMessages(w http.ResponseWriter, r *http.Request, id int) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	if _, ok := h.requireAuthenticatedUser(w, r); !ok {
		return
	}
	if _, exists := h.Store.GetRoom(id); !exists {
		writeError(w, http.StatusNotFound, fmt.Errorf("room %d not found", id))
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", raw))
			return
		}
		limit = parsed
	}
	messages := h.Store.ListChatMessages(id, limit)
	if messages == nil {
		messages = []models.ChatMessage{}
	}
	writeJSON(w, http.StatusOK, messages)
}

func mediaErrorStatus(err error) int {
	switch {
	case errors.Is(err, library.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, library.ErrLookupFailed):
		return http.StatusBadGateway
	default:
		return http.StatusBadRequest
	}
}
