package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"peakdecline-live/internal/storage"
	"peakdecline-live/internal/stream"
)

type createChannelRequest struct {
	Name     string `json:"name"`
	URL      string `json:"url"`
	Brand    string `json:"brand"`
	Logo     string `json:"logo"`
	Favorite bool   `json:"favorite"`
}

type updateChannelRequest struct {
	Favorite *bool   `json:"favorite"`
	Logo     *string `json:"logo"`
}

// Channels lists the catalog or registers a new channel.
func (h *Handler) Channels(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if _, ok := h.requireAuthenticatedUser(w, r); !ok {
			return
		}
		writeJSON(w, http.StatusOK, h.Store.ListChannels())
	case http.MethodPost:
		if _, ok := h.requireAuthenticatedUser(w, r); !ok {
			return
		}
		var req createChannelRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		channel, err := h.Store.CreateChannel(storage.CreateChannelParams{
			Name:     req.Name,
			URL:      req.URL,
			Brand:    req.Brand,
			Logo:     req.Logo,
			Favorite: req.Favorite,
		})
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusCreated, channel)
	default:
		w.Header().Set("Allow", "GET, POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
	}
}

// ChannelByID fetches or updates a single channel.
func (h *Handler) ChannelByID(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r.URL.Path, "/api/channels/")
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}

	switch r.Method {
	case http.MethodGet:
		if _, ok := h.requireAuthenticatedUser(w, r); !ok {
			return
		}
		channel, ok := h.Store.GetChannel(id)
		if !ok {
			writeError(w, http.StatusNotFound, fmt.Errorf("channel %d not found", id))
			return
		}
		writeJSON(w, http.StatusOK, channel)
	case http.MethodPatch:
		if _, ok := h.requireAuthenticatedUser(w, r); !ok {
			return
		}
		var req updateChannelRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		channel, ok := h.Store.GetChannel(id)
		if !ok {
			writeError(w, http.StatusNotFound, fmt.Errorf("channel %d not found", id))
			return
		}
		if req.Favorite != nil {
			channel, err = h.Store.SetChannelFavorite(id, *req.Favorite)
			if err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
		}
		if req.Logo != nil {
			channel, err = h.Store.SetChannelLogo(id, *req.Logo)
			if err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
		}
		writeJSON(w, http.StatusOK, channel)
	default:
		w.Header().Set("Allow", "GET, PATCH")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
	}
}

// Play starts a live transcode of the requested channel, replacing any
// session already running.
func (h *Handler) Play(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	if _, ok := h.requireAuthenticatedUser(w, r); !ok {
		return
	}
	id, err := pathID(r.URL.Path, "/api/play/")
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	channel, ok := h.Store.GetChannel(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("channel %d not found", id))
		return
	}
	if err := h.Store.SetChannelPlaying(id); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	message, err := h.Streams.StartStream(r.Context(), channel)
	if err != nil {
		// The catalog must not advertise a channel the supervisor failed
		// to bring up.
		if clearErr := h.Store.ClearChannelPlaying(); clearErr != nil && h.Logger != nil {
			h.Logger.Warn("failed to clear playing flag", "channel_id", id, "error", clearErr)
		}
		writeError(w, startErrorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success", "message": message})
}

// Stop tears down the live stream. Stopping with nothing running succeeds.
func (h *Handler) Stop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	if _, ok := h.requireAuthenticatedUser(w, r); !ok {
		return
	}
	h.Streams.StopStream()
	if err := h.Store.ClearChannelPlaying(); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success", "message": "Stream stopped"})
}

// StreamStatus reports the supervisor state for client polling.
func (h *Handler) StreamStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	writeJSON(w, http.StatusOK, h.Streams.Status())
}

// Heartbeat refreshes the caller's presence without a realtime connection.
func (h *Handler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	user, ok := h.requireAuthenticatedUser(w, r)
	if !ok {
		return
	}
	if h.Presence != nil {
		h.Presence.Heartbeat(user.Username)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// OnlineUsers returns the sorted presence snapshot.
func (h *Handler) OnlineUsers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	if _, ok := h.requireAuthenticatedUser(w, r); !ok {
		return
	}
	users := []string{}
	if h.Presence != nil {
		users = h.Presence.Snapshot()
	}
	writeJSON(w, http.StatusOK, map[string][]string{"users": users})
}

func startErrorStatus(err error) int {
	switch {
	case errors.Is(err, stream.ErrStartupTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, stream.ErrStartAborted):
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}

func pathID(path, prefix string) (int, error) {
	raw := strings.TrimPrefix(path, prefix)
	raw = strings.TrimSuffix(raw, "/")
	if raw == "" || strings.Contains(raw, "/") {
		return 0, fmt.Errorf("invalid resource path")
	}
	id, err := strconv.Atoi(raw)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", raw)
	}
	return id, nil
}
